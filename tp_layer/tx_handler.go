package tp_layer

import (
	"context"
	"fmt"
	"time"
)

// Send 发送一条诊断报文, 阻塞直到最后一帧写出或传输失败。
// Payloads of 1..7 bytes go out as a single frame; longer ones are segmented
// under the peer's flow control. Only one Send may be in flight at a time.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	if len(data) == 0 || len(data) > t.config.MaxPayloadLength {
		return fmt.Errorf("%w: %d bytes", ErrInvalidLength, len(data))
	}
	if !t.sendMu.TryLock() {
		return ErrBusy
	}
	defer t.sendMu.Unlock()
	defer t.setTxState(StateIdle)

	frames, err := Segment(data)
	if err != nil {
		return err
	}
	if len(frames) == 1 {
		return t.transmit(ctx, frames[0])
	}

	// 多帧发送，先发送首帧
	t.setTxState(StateWaitFC)
	if err := t.transmit(ctx, frames[0]); err != nil {
		return err
	}

	cfs := frames[1:]
	for len(cfs) > 0 {
		fc, err := t.awaitFlowControl(ctx)
		if err != nil {
			return err
		}
		t.setTxState(StateTransferring)

		n := len(cfs)
		if fc.BlockSize > 0 {
			n = min(n, fc.BlockSize)
		}
		for i, cf := range cfs[:n] {
			if i > 0 && fc.STmin > 0 {
				if err := sleepCtx(ctx, fc.STmin); err != nil {
					return err
				}
			}
			// 块的最后一帧写出之前就要进入WaitFC, 对方可能立刻回流控帧
			if i == n-1 && n < len(cfs) {
				t.setTxState(StateWaitFC)
			}
			if err := t.transmit(ctx, cf); err != nil {
				return err
			}
		}
		cfs = cfs[n:]
	}
	return nil
}

// awaitFlowControl 等待对方的流控帧, 处理等待帧(Wait)与溢出
func (t *Transport) awaitFlowControl(ctx context.Context) (FlowControlFrame, error) {
	timer := time.NewTimer(t.config.TimeoutN_Bs)
	defer timer.Stop()

	waits := 0
	for {
		select {
		case <-ctx.Done():
			return FlowControlFrame{}, ctx.Err()
		case <-timer.C:
			return FlowControlFrame{}, newTransportError(KindTimeout, "等待流控帧超时 (N_Bs)")
		case fc := <-t.fcChan:
			switch fc.FlowStatus {
			case FlowStatusContinueToSend:
				return fc, nil
			case FlowStatusWait:
				waits++
				if waits > t.config.MaxWaitFrame {
					return FlowControlFrame{}, newTransportError(KindTimeout, "错误：等待帧(Wait Frame)数量超出最大限制")
				}
				timer.Reset(t.config.TimeoutN_Bs)
			case FlowStatusOverflow:
				return FlowControlFrame{}, newTransportError(KindOverflow, "错误：对方缓冲区溢出，停止发送")
			}
		}
	}
}

// transmit 将一帧写入发送通道, 超过N_As视为超时
func (t *Transport) transmit(ctx context.Context, data []byte) error {
	timer := time.NewTimer(t.config.TimeoutN_As)
	defer timer.Stop()

	select {
	case t.txChan <- t.makeTxMsg(data):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return newTransportError(KindTimeout, "发送帧超时 (N_As)")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
