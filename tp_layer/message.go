package tp_layer

import (
	"encoding/hex"
	"fmt"
)

// CanMessage 代表一个 CAN 报文 (ISO-11898)。
type CanMessage struct {
	ArbitrationID uint32
	Data          []byte
	IsExtendedID  bool
}

// String 方法提供了 CanMessage 的字符串表示形式。
func (m *CanMessage) String() string {
	var idStr string
	if m.IsExtendedID {
		idStr = fmt.Sprintf("%08x", m.ArbitrationID)
	} else {
		idStr = fmt.Sprintf("%03x", m.ArbitrationID)
	}
	return fmt.Sprintf("<CanMessage %s [%d] \"%s\">", idStr, len(m.Data), hex.EncodeToString(m.Data))
}

// State 定义了收发状态机的状态。
type State uint8

const (
	StateIdle State = iota
	StateWaitFC
	StateTransferring
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateWaitFC:
		return "AwaitingFlowControl"
	case StateTransferring:
		return "Transferring"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// FlowStatus 定义了流控帧的状态。
type FlowStatus uint8

const (
	FlowStatusContinueToSend FlowStatus = 0x00
	FlowStatusWait           FlowStatus = 0x01
	FlowStatusOverflow       FlowStatus = 0x02
)
