package tp_layer

import "fmt"

// AddressingMode 定义了ISOTP支持的寻址模式
type AddressingMode int

const (
	Normal11Bit AddressingMode = iota // 11位ID，无地址扩展
	Normal29Bit                       // 29位ID，无地址扩展
)

// Address 存储了诊断通道的收发ID
type Address struct {
	AddressingMode AddressingMode

	TxID uint32 // 响应帧ID
	RxID uint32 // 请求帧ID

	is29Bit bool
}

// NewAddress 是一个灵活的构造函数，用于创建地址对象
func NewAddress(mode AddressingMode, opts ...func(*Address)) (*Address, error) {
	addr := &Address{AddressingMode: mode}
	for _, opt := range opts {
		opt(addr)
	}

	limit := uint32(0x7FF)
	switch mode {
	case Normal11Bit:
		addr.is29Bit = false
	case Normal29Bit:
		addr.is29Bit = true
		limit = 0x1FFFFFFF
	default:
		return nil, fmt.Errorf("不支持的寻址模式: %d", mode)
	}

	if addr.TxID == addr.RxID {
		return nil, fmt.Errorf("txid and rxid must be different (0x%X)", addr.TxID)
	}
	if addr.TxID > limit || addr.RxID > limit {
		return nil, fmt.Errorf("identifier exceeds 0x%X for addressing mode %d", limit, mode)
	}
	return addr, nil
}

func WithTxID(id uint32) func(*Address) { return func(a *Address) { a.TxID = id } }
func WithRxID(id uint32) func(*Address) { return func(a *Address) { a.RxID = id } }

// IsForMe 检查收到的CAN报文是否是发给本ECU的
func (a *Address) IsForMe(msg *CanMessage) bool {
	if msg.IsExtendedID != a.is29Bit {
		return false
	}
	return msg.ArbitrationID == a.RxID
}

// Is29Bit 返回当前模式是否为29位
func (a *Address) Is29Bit() bool {
	return a.is29Bit
}
