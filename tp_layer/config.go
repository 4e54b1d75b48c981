package tp_layer

import (
	"fmt"
	"time"
)

const (
	// FrameLength 经典CAN帧固定长度，诊断报文始终填充到8字节
	FrameLength = 8
	// MaxPayloadLength 单次会话允许的最大负载长度
	MaxPayloadLength = 256
)

// Config defines the configuration for the ISO-TP Transport.
type Config struct {
	// PaddingByte is used to pad every transmitted frame to FrameLength.
	PaddingByte byte

	// Transmitter Side Timeouts
	TimeoutN_As time.Duration // Time for transmission of N_PDU on sender side
	TimeoutN_Bs time.Duration // Time until reception of FlowControl

	// Receiver Side Timeouts
	TimeoutN_Cr time.Duration // Time until reception of next CF

	// Parameters advertised in our own FlowControl frames
	BlockSize int
	StMin     int

	// MaxWaitFrame (WFTMax) is the number of FC(Wait) frames tolerated per block.
	MaxWaitFrame int

	// MaxPayloadLength bounds both directions.
	MaxPayloadLength int
}

// DefaultConfig returns the values the stock EGS52 uses on the diagnostic channel.
func DefaultConfig() Config {
	return Config{
		PaddingByte: 0xCC,

		TimeoutN_As: 1000 * time.Millisecond,
		TimeoutN_Bs: 1000 * time.Millisecond,
		TimeoutN_Cr: 1000 * time.Millisecond,

		BlockSize: 8,
		StMin:     20,

		MaxWaitFrame:     10,
		MaxPayloadLength: MaxPayloadLength,
	}
}

// Validate checks if the configuration parameters are valid.
func (c *Config) Validate() error {
	if c.BlockSize < 0 || c.BlockSize > 0xFF {
		return fmt.Errorf("block size %d out of range 0..255", c.BlockSize)
	}
	if c.StMin < 0 || c.StMin > 0x7F {
		return fmt.Errorf("stmin %dms out of range 0..127", c.StMin)
	}
	if c.MaxPayloadLength <= 0 || c.MaxPayloadLength > 4095 {
		return fmt.Errorf("max payload length %d out of range 1..4095", c.MaxPayloadLength)
	}
	if c.TimeoutN_As <= 0 || c.TimeoutN_Bs <= 0 || c.TimeoutN_Cr <= 0 {
		return fmt.Errorf("transport timeouts must be positive")
	}
	if c.MaxWaitFrame < 0 {
		return fmt.Errorf("max wait frame %d must not be negative", c.MaxWaitFrame)
	}
	return nil
}
