package driver

import (
	"context"
	"fmt"
)

// 缓冲区配置常量
const (
	RxChannelBufferSize = 1024
	FrameLength         = 8
)

// UnifiedCANMessage 是一个通用的经典CAN消息结构体，用于在channel中传递。
// 它屏蔽了 SocketCAN、WebSocket 桥接和回环总线之间的差异。
type UnifiedCANMessage struct {
	ID         uint32
	DLC        byte
	Data       [FrameLength]byte
	IsExtended bool
}

// NewMessage copies data (at most 8 bytes) into a message.
func NewMessage(id uint32, data []byte, extended bool) (UnifiedCANMessage, error) {
	if len(data) > FrameLength {
		return UnifiedCANMessage{}, fmt.Errorf("CAN 数据长度 %d 超过 %d", len(data), FrameLength)
	}
	msg := UnifiedCANMessage{ID: id, DLC: byte(len(data)), IsExtended: extended}
	copy(msg.Data[:], data)
	return msg, nil
}

// Payload returns the DLC bytes of Data.
func (m UnifiedCANMessage) Payload() []byte {
	n := min(int(m.DLC), FrameLength)
	return m.Data[:n]
}

// CANDriver 定义了CAN驱动的统一接口
type CANDriver interface {
	Init() error
	Start()
	Stop()
	Write(msg UnifiedCANMessage) error
	RxChan() <-chan UnifiedCANMessage
	Context() context.Context
}
