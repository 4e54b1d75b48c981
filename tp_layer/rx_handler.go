package tp_layer

import (
	"fmt"
	"time"
)

// Receive 处理接收到的单个CAN报文。
// It is the bus-interrupt entry point: it never blocks and never escalates
// errors beyond ErrorChan.
func (t *Transport) Receive(msg CanMessage) {
	if !t.address.IsForMe(&msg) {
		return
	}
	if len(msg.Data) != FrameLength {
		// 诊断通道总是使用填充帧
		t.fireError(malformed("帧长度 %d != %d", len(msg.Data), FrameLength))
		return
	}

	frame, err := ParseFrame(&msg)
	if err != nil {
		t.fireError(err)
		return
	}

	switch f := frame.(type) {
	case *SingleFrame:
		t.handleRxSingleFrame(f)
	case *FirstFrame:
		t.handleRxFirstFrame(f)
	case *ConsecutiveFrame:
		t.handleRxConsecutiveFrame(f)
	case *FlowControlFrame:
		t.handleTxFlowControl(f)
	}
}

func (t *Transport) handleRxSingleFrame(f *SingleFrame) {
	t.mu.Lock()
	if t.rx.state != StateIdle {
		t.fireError(newTransportError(KindSequence, "reception interrupted by a single frame"))
	}
	t.resetRxLocked()
	t.mu.Unlock()

	p, err := PayloadFrom(f.Data, t.config.MaxPayloadLength)
	if err != nil {
		t.fireError(newTransportError(KindOverflow, err.Error()))
		return
	}
	t.publish(p)
}

func (t *Transport) handleRxFirstFrame(f *FirstFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rx.state != StateIdle {
		t.fireError(newTransportError(KindSequence, "reception interrupted by a first frame"))
	}
	t.resetRxLocked()

	if f.TotalSize > t.config.MaxPayloadLength {
		t.emit(createFlowControlPayload(FlowStatusOverflow, 0, 0))
		t.fireError(newTransportError(KindOverflow,
			fmt.Sprintf("first frame length %d exceeds %d", f.TotalSize, t.config.MaxPayloadLength)))
		return
	}

	p := NewPayload(f.TotalSize)
	if err := p.Append(f.Data...); err != nil {
		t.fireError(newTransportError(KindOverflow, err.Error()))
		return
	}

	t.rx.payload = p
	t.rx.state = StateTransferring
	t.rx.seq = 1
	t.sendFlowControlLocked()
}

func (t *Transport) handleRxConsecutiveFrame(f *ConsecutiveFrame) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.rx.state != StateTransferring {
		// Ignore unexpected CF
		return
	}

	if f.SequenceNumber != t.rx.seq {
		t.fireError(newTransportError(KindSequence,
			fmt.Sprintf("错误：序列号不匹配。期望: %d,收到: %d", t.rx.seq, f.SequenceNumber)))
		t.resetRxLocked()
		return
	}
	t.rx.seq = (t.rx.seq + 1) % 16

	chunk := f.Data
	if len(chunk) > t.rx.payload.Remaining() {
		chunk = chunk[:t.rx.payload.Remaining()]
	}
	if err := t.rx.payload.Append(chunk...); err != nil {
		t.fireError(newTransportError(KindOverflow, err.Error()))
		t.resetRxLocked()
		return
	}

	if t.rx.payload.Full() {
		p := t.rx.payload
		t.resetRxLocked()
		t.publish(p)
		return
	}

	t.rx.blockCnt++
	if t.config.BlockSize > 0 && t.rx.blockCnt >= t.config.BlockSize {
		t.rx.blockCnt = 0
		t.sendFlowControlLocked()
		return
	}
	t.armRxTimerLocked()
}

// handleTxFlowControl hands an FC frame to a Send waiting on it. An FC that
// arrives while no transfer is waiting is ignored.
func (t *Transport) handleTxFlowControl(f *FlowControlFrame) {
	t.mu.Lock()
	waiting := t.txState == StateWaitFC
	t.mu.Unlock()
	if !waiting {
		return
	}
	select {
	case t.fcChan <- *f:
	default:
		// 只保留最新的流控帧
		select {
		case <-t.fcChan:
		default:
		}
		select {
		case t.fcChan <- *f:
		default:
		}
	}
}

func (t *Transport) publish(p *Payload) {
	if t.mailbox.Put(p) {
		t.logger.Debug("unread diagnostic payload replaced")
	}
}

func (t *Transport) sendFlowControlLocked() {
	t.emit(createFlowControlPayload(FlowStatusContinueToSend, t.config.BlockSize, t.config.StMin))
	t.armRxTimerLocked()
}

// armRxTimerLocked (re)starts the N_Cr timer for the current reassembly.
func (t *Transport) armRxTimerLocked() {
	if t.rxTimer != nil {
		t.rxTimer.Stop()
	}
	gen := t.rx.gen
	t.rxTimer = time.AfterFunc(t.config.TimeoutN_Cr, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.rx.gen != gen || t.rx.state == StateIdle {
			return
		}
		t.resetRxLocked()
		t.fireError(newTransportError(KindTimeout, "接收连续帧超时，重置接收状态。"))
	})
}
