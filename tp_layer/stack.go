package tp_layer

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// reassembly 接收方向的重组状态，同一时刻只存在一个
type reassembly struct {
	state    State
	payload  *Payload
	seq      uint8
	blockCnt int
	gen      uint64 // bumps on every reset so stale N_Cr timers are ignored
}

// Transport 是ISOTP协议栈的核心结构
type Transport struct {
	address *Address
	config  Config
	txChan  chan<- CanMessage
	logger  *slog.Logger

	mu      sync.Mutex
	rx      reassembly
	rxTimer *time.Timer
	txState State

	// 发送方向: 一次只允许一个多帧传输, 流控帧由接收路径投递
	sendMu sync.Mutex
	fcChan chan FlowControlFrame

	mailbox Mailbox

	// Error Channel
	ErrorChan chan error
}

// NewTransport creates a transport that writes egress frames to txChan.
func NewTransport(address *Address, cfg Config, txChan chan<- CanMessage) *Transport {
	t := &Transport{
		address:   address,
		config:    cfg,
		txChan:    txChan,
		logger:    slog.Default(),
		fcChan:    make(chan FlowControlFrame, 1),
		ErrorChan: make(chan error, 10),
	}
	t.cleanup()
	return t
}

// SetLogger replaces the default slog logger.
func (t *Transport) SetLogger(l *slog.Logger) {
	if l != nil {
		t.logger = l
	}
}

// TryTakePayload returns the most recently completed inbound payload exactly once.
func (t *Transport) TryTakePayload() (*Payload, bool) {
	return t.mailbox.Take()
}

// RxState reports the phase of the inbound reassembly.
func (t *Transport) RxState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rx.state
}

// TxState reports the phase of the outbound transfer.
func (t *Transport) TxState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.txState
}

// Run feeds frames from rxChan into Receive until ctx is done.
func (t *Transport) Run(ctx context.Context, rxChan <-chan CanMessage) error {
	defer t.cleanup()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-rxChan:
			if !ok {
				return nil
			}
			t.Receive(msg)
		}
	}
}

func (t *Transport) cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetRxLocked()
}

func (t *Transport) resetRxLocked() {
	t.rx.state = StateIdle
	t.rx.payload = nil
	t.rx.seq = 0
	t.rx.blockCnt = 0
	t.rx.gen++
	if t.rxTimer != nil {
		t.rxTimer.Stop()
		t.rxTimer = nil
	}
}

func (t *Transport) setTxState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.txState = s
	if s == StateWaitFC {
		// 丢弃上一个块遗留的流控帧
		select {
		case <-t.fcChan:
		default:
		}
	}
}

func (t *Transport) makeTxMsg(data []byte) CanMessage {
	frame := make([]byte, FrameLength)
	n := copy(frame, data)
	for i := n; i < FrameLength; i++ {
		frame[i] = t.config.PaddingByte
	}
	return CanMessage{
		ArbitrationID: t.address.TxID,
		Data:          frame,
		IsExtendedID:  t.address.Is29Bit(),
	}
}

// emit 非阻塞写出, 供接收路径(中断上下文)使用
func (t *Transport) emit(data []byte) bool {
	select {
	case t.txChan <- t.makeTxMsg(data):
		return true
	default:
		t.fireError(newTransportError(KindOverflow, "tx channel full, frame dropped"))
		return false
	}
}

// fireError sends an error to the ErrorChan. Non-blocking.
func (t *Transport) fireError(err error) {
	select {
	case t.ErrorChan <- err:
	default:
		t.logger.Warn("isotp error channel full", "error", err)
	}
}
