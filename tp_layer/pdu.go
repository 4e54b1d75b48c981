package tp_layer

import (
	"fmt"
	"time"
)

type ISOTPFrame interface{}
type SingleFrame struct{ Data []byte }
type FirstFrame struct {
	TotalSize int
	Data      []byte
}
type ConsecutiveFrame struct {
	SequenceNumber uint8
	Data           []byte
}
type FlowControlFrame struct {
	FlowStatus FlowStatus
	BlockSize  int
	STmin      time.Duration
}

func decodeSTmin(stMinByte byte) time.Duration {
	if stMinByte <= 0x7F {
		return time.Duration(stMinByte) * time.Millisecond
	}
	if stMinByte >= 0xF1 && stMinByte <= 0xF9 {
		return time.Duration(stMinByte-0xF0) * 100 * time.Microsecond
	}
	// Per standard, other values are reserved and should be interpreted as the max (127ms)
	return 127 * time.Millisecond
}

func malformed(format string, args ...any) error {
	return newTransportError(KindMalformed, fmt.Sprintf(format, args...))
}

// ParseFrame decodes the PCI of a padded classic CAN frame. Trailing padding
// bytes are ignored.
func ParseFrame(msg *CanMessage) (ISOTPFrame, error) {
	payload := msg.Data
	if len(payload) == 0 {
		return nil, malformed("空CAN帧")
	}

	switch payload[0] & 0xF0 {
	case pciTypeSingleFrame:
		length := int(payload[0] & 0x0F)
		if length == 0 || length > len(payload)-1 {
			return nil, malformed("SF长度非法: %d", length)
		}
		return &SingleFrame{Data: payload[1 : 1+length]}, nil
	case pciTypeFirstFrame:
		if len(payload) < FrameLength {
			return nil, malformed("FF长度不足%d字节", FrameLength)
		}
		totalSize := (int(payload[0]&0x0F) << 8) | int(payload[1])
		if totalSize < FrameLength {
			return nil, malformed("FF声明长度 %d 应使用单帧", totalSize)
		}
		return &FirstFrame{TotalSize: totalSize, Data: payload[2:FrameLength]}, nil
	case pciTypeConsecutiveFrame:
		return &ConsecutiveFrame{SequenceNumber: payload[0] & 0x0F, Data: payload[1:]}, nil
	case pciTypeFlowControl:
		if len(payload) < 3 {
			return nil, malformed("FC长度不足3字节")
		}
		status := FlowStatus(payload[0] & 0x0F)
		if status > FlowStatusOverflow {
			return nil, malformed("未知流控状态: 0x%X", uint8(status))
		}
		return &FlowControlFrame{
			FlowStatus: status,
			BlockSize:  int(payload[1]),
			STmin:      decodeSTmin(payload[2]),
		}, nil
	}
	return nil, malformed("未知PCI类型: 0x%02X", payload[0]&0xF0)
}
