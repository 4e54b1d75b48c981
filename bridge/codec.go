// Package bridge carries CAN frames over WebSocket so a remote tester can
// reach a unit's bus. Each binary message holds exactly one frame:
//
//	id (u32 big-endian) | flags (u8, bit0 = extended id) | len (u8) | data[len]
package bridge

import (
	"encoding/binary"
	"fmt"

	"github.com/LoveWonYoung/tcudiag/driver"
)

const (
	headerLen    = 6
	flagExtended = 0x01
)

// EncodeFrame 编码一帧
func EncodeFrame(m driver.UnifiedCANMessage) []byte {
	payload := m.Payload()
	b := make([]byte, headerLen, headerLen+len(payload))
	binary.BigEndian.PutUint32(b[0:4], m.ID)
	if m.IsExtended {
		b[4] |= flagExtended
	}
	b[5] = byte(len(payload))
	return append(b, payload...)
}

// DecodeFrame 解码一帧, 长度不一致时返回错误
func DecodeFrame(b []byte) (driver.UnifiedCANMessage, error) {
	if len(b) < headerLen {
		return driver.UnifiedCANMessage{}, fmt.Errorf("bridge frame too short: %d bytes", len(b))
	}
	n := int(b[5])
	if len(b) != headerLen+n {
		return driver.UnifiedCANMessage{}, fmt.Errorf("bridge frame length mismatch: header %d, body %d", n, len(b)-headerLen)
	}
	if b[4]&^flagExtended != 0 {
		return driver.UnifiedCANMessage{}, fmt.Errorf("bridge frame has unknown flags 0x%02X", b[4])
	}
	return driver.NewMessage(binary.BigEndian.Uint32(b[0:4]), b[headerLen:], b[4]&flagExtended != 0)
}
