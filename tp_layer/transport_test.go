package tp_layer

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTesterID = 0x7E1
	testEcuID    = 0x7E9
)

// endpoint 一端协议栈以及它的收发通道
type endpoint struct {
	tp *Transport
	rx chan CanMessage
	tx chan CanMessage
}

func (e *endpoint) start(ctx context.Context) {
	go func() { _ = e.tp.Run(ctx, e.rx) }()
}

// newPair 创建一对通过虚拟总线互联的协议栈: tester -> ecu on 0x7E1, ecu -> tester on 0x7E9
func newPair(tb testing.TB, cfg Config) (*endpoint, *endpoint) {
	tb.Helper()
	testerAddr, err := NewAddress(Normal11Bit, WithTxID(testTesterID), WithRxID(testEcuID))
	if err != nil {
		tb.Fatal(err)
	}
	ecuAddr, err := NewAddress(Normal11Bit, WithTxID(testEcuID), WithRxID(testTesterID))
	if err != nil {
		tb.Fatal(err)
	}

	toEcu := make(chan CanMessage, 64)
	toTester := make(chan CanMessage, 64)

	tester := &endpoint{tp: NewTransport(testerAddr, cfg, toEcu), rx: toTester, tx: toEcu}
	ecu := &endpoint{tp: NewTransport(ecuAddr, cfg, toTester), rx: toEcu, tx: toTester}
	return tester, ecu
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.StMin = 0
	cfg.TimeoutN_As = 200 * time.Millisecond
	cfg.TimeoutN_Bs = 200 * time.Millisecond
	cfg.TimeoutN_Cr = 200 * time.Millisecond
	return cfg
}

func waitPayload(t *testing.T, tp *Transport) *Payload {
	t.Helper()
	var got *Payload
	require.Eventually(t, func() bool {
		p, ok := tp.TryTakePayload()
		if ok {
			got = p
		}
		return ok
	}, 2*time.Second, time.Millisecond)
	return got
}

func TestTransport_RoundTrip(t *testing.T) {
	for _, n := range []int{1, 7, 8, 100, 256} {
		t.Run(byteCountName(n), func(t *testing.T) {
			tester, ecu := newPair(t, fastConfig())
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			tester.start(ctx)
			ecu.start(ctx)

			data := make([]byte, n)
			for i := range data {
				data[i] = byte(i * 7)
			}
			require.NoError(t, tester.tp.Send(ctx, data))

			p := waitPayload(t, ecu.tp)
			assert.Equal(t, data, p.Bytes())
			assert.Equal(t, StateIdle, ecu.tp.RxState())
			assert.Equal(t, StateIdle, tester.tp.TxState())
		})
	}
}

func byteCountName(n int) string {
	if n <= singleFrameMaxData {
		return fmt.Sprintf("单帧_%d", n)
	}
	return fmt.Sprintf("多帧_%d", n)
}

func TestTransport_SendInvalidLength(t *testing.T) {
	tester, _ := newPair(t, fastConfig())
	ctx := context.Background()

	assert.ErrorIs(t, tester.tp.Send(ctx, nil), ErrInvalidLength)
	assert.ErrorIs(t, tester.tp.Send(ctx, make([]byte, 257)), ErrInvalidLength)
	assert.Empty(t, tester.tx, "oversized payload must not reach the bus")
}

func TestTransport_SendWithDefaultBlockSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StMin = 1
	tester, ecu := newPair(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tester.start(ctx)
	ecu.start(ctx)

	data := bytes.Repeat([]byte{0x5A}, 120)
	require.NoError(t, tester.tp.Send(ctx, data))
	assert.Equal(t, data, waitPayload(t, ecu.tp).Bytes())
}

func TestTransport_FramesArePadded(t *testing.T) {
	tester, _ := newPair(t, fastConfig())
	require.NoError(t, tester.tp.Send(context.Background(), []byte{0x3E, 0x01}))

	msg := <-tester.tx
	assert.Equal(t, uint32(testTesterID), msg.ArbitrationID)
	assert.Equal(t, []byte{0x02, 0x3E, 0x01, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}, msg.Data)
}

func TestTransport_ShortFrameDropped(t *testing.T) {
	_, ecu := newPair(t, fastConfig())
	ecu.tp.Receive(CanMessage{ArbitrationID: testTesterID, Data: []byte{0x02, 0x10, 0x92}})

	_, ok := ecu.tp.TryTakePayload()
	assert.False(t, ok)
	assert.ErrorIs(t, <-ecu.tp.ErrorChan, ErrMalformed)
}

func TestTransport_ForeignIDIgnored(t *testing.T) {
	_, ecu := newPair(t, fastConfig())
	ecu.tp.Receive(*padded(0x02, 0x10, 0x92))
	_, ok := ecu.tp.TryTakePayload()
	require.True(t, ok)

	msg := padded(0x02, 0x10, 0x92)
	msg.ArbitrationID = 0x7E0
	ecu.tp.Receive(*msg)
	_, ok = ecu.tp.TryTakePayload()
	assert.False(t, ok)
}

func TestTransport_SequenceError(t *testing.T) {
	_, ecu := newPair(t, fastConfig())

	ecu.tp.Receive(*padded(0x10, 0x14, 1, 2, 3, 4, 5, 6))
	fc := <-ecu.tx
	assert.Equal(t, []byte{0x30, 0x08, 0x00}, fc.Data[:3])
	assert.Equal(t, StateTransferring, ecu.tp.RxState())

	// 序列号应为1, 发送2
	ecu.tp.Receive(*padded(0x22, 7, 8, 9, 10, 11, 12, 13))
	assert.ErrorIs(t, <-ecu.tp.ErrorChan, ErrSequence)
	assert.Equal(t, StateIdle, ecu.tp.RxState())

	// 后续连续帧被忽略
	ecu.tp.Receive(*padded(0x21, 7, 8, 9, 10, 11, 12, 13))
	_, ok := ecu.tp.TryTakePayload()
	assert.False(t, ok)
}

func TestTransport_ReassemblyTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.TimeoutN_Cr = 30 * time.Millisecond
	_, ecu := newPair(t, cfg)

	ecu.tp.Receive(*padded(0x10, 0x14, 1, 2, 3, 4, 5, 6))
	<-ecu.tx

	select {
	case err := <-ecu.tp.ErrorChan:
		assert.ErrorIs(t, err, ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("N_Cr timeout not reported")
	}
	assert.Equal(t, StateIdle, ecu.tp.RxState())
}

func TestTransport_FirstFrameTooLong(t *testing.T) {
	_, ecu := newPair(t, fastConfig())

	// 声明长度 0x101 = 257
	ecu.tp.Receive(*padded(0x11, 0x01, 1, 2, 3, 4, 5, 6))
	fc := <-ecu.tx
	assert.Equal(t, byte(0x32), fc.Data[0], "expected FC(Overflow)")
	assert.ErrorIs(t, <-ecu.tp.ErrorChan, ErrOverflow)
	assert.Equal(t, StateIdle, ecu.tp.RxState())
}

func TestTransport_SingleFrameInterruptsReassembly(t *testing.T) {
	_, ecu := newPair(t, fastConfig())

	ecu.tp.Receive(*padded(0x10, 0x14, 1, 2, 3, 4, 5, 6))
	<-ecu.tx
	ecu.tp.Receive(*padded(0x01, 0x3E))

	p, ok := ecu.tp.TryTakePayload()
	require.True(t, ok)
	assert.Equal(t, []byte{0x3E}, p.Bytes())
	assert.Equal(t, StateIdle, ecu.tp.RxState())
}

func TestTransport_FirstFrameRestartsReassembly(t *testing.T) {
	_, ecu := newPair(t, fastConfig())

	ecu.tp.Receive(*padded(0x10, 0x14, 1, 2, 3, 4, 5, 6))
	<-ecu.tx
	ecu.tp.Receive(*padded(0x21, 7, 8, 9, 10, 11, 12, 13))

	// 新的首帧丢弃未完成的报文
	ecu.tp.Receive(*padded(0x10, 0x0A, 0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5))
	fc := <-ecu.tx
	assert.Equal(t, byte(0x30), fc.Data[0])
	assert.Equal(t, StateTransferring, ecu.tp.RxState())

	ecu.tp.Receive(*padded(0x21, 0xA6, 0xA7, 0xA8, 0xA9))
	p, ok := ecu.tp.TryTakePayload()
	require.True(t, ok)
	assert.Equal(t, []byte{0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6, 0xA7, 0xA8, 0xA9}, p.Bytes())
	assert.Equal(t, StateIdle, ecu.tp.RxState())
}

func TestTransport_MailboxKeepsLatest(t *testing.T) {
	_, ecu := newPair(t, fastConfig())
	ecu.tp.Receive(*padded(0x01, 0x3E))
	ecu.tp.Receive(*padded(0x02, 0x10, 0x92))

	p, ok := ecu.tp.TryTakePayload()
	require.True(t, ok)
	assert.Equal(t, []byte{0x10, 0x92}, p.Bytes())

	_, ok = ecu.tp.TryTakePayload()
	assert.False(t, ok, "payload must be handed out exactly once")
}

func TestTransport_FlowControlTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.TimeoutN_Bs = 30 * time.Millisecond
	tester, _ := newPair(t, cfg)

	err := tester.tp.Send(context.Background(), make([]byte, 20))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateIdle, tester.tp.TxState())
}

func TestTransport_FlowControlOverflowAborts(t *testing.T) {
	tester, _ := newPair(t, fastConfig())

	done := make(chan error, 1)
	go func() { done <- tester.tp.Send(context.Background(), make([]byte, 20)) }()

	ff := <-tester.tx
	assert.Equal(t, byte(0x10), ff.Data[0])
	msg := padded(0x32, 0x00, 0x00)
	msg.ArbitrationID = testEcuID
	tester.tp.Receive(*msg)

	assert.ErrorIs(t, <-done, ErrOverflow)
	assert.Empty(t, tester.tx, "no consecutive frame after overflow")
}

func TestTransport_WaitFrameLimit(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxWaitFrame = 2
	tester, _ := newPair(t, cfg)

	done := make(chan error, 1)
	go func() { done <- tester.tp.Send(context.Background(), make([]byte, 20)) }()
	<-tester.tx

	wait := padded(0x31, 0x00, 0x00)
	wait.ArbitrationID = testEcuID
	for i := 0; i < 3; i++ {
		time.Sleep(5 * time.Millisecond)
		tester.tp.Receive(*wait)
	}
	assert.ErrorIs(t, <-done, ErrTimeout)
}

func TestTransport_WaitThenContinue(t *testing.T) {
	tester, _ := newPair(t, fastConfig())

	done := make(chan error, 1)
	go func() { done <- tester.tp.Send(context.Background(), make([]byte, 20)) }()
	<-tester.tx

	wait := padded(0x31, 0x00, 0x00)
	wait.ArbitrationID = testEcuID
	tester.tp.Receive(*wait)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StateWaitFC, tester.tp.TxState())
	assert.Empty(t, tester.tx, "no consecutive frame while the peer asks to wait")

	cts := padded(0x30, 0x00, 0x00)
	cts.ArbitrationID = testEcuID
	tester.tp.Receive(*cts)

	require.NoError(t, <-done)
	require.Len(t, tester.tx, 2)
	assert.Equal(t, byte(0x21), (<-tester.tx).Data[0])
	assert.Equal(t, byte(0x22), (<-tester.tx).Data[0])
}

// 对方每读到一帧就立即回 CTS(BS=1), 流控帧不能落在块与块之间丢失
func TestTransport_InstantFlowControlEveryBlock(t *testing.T) {
	addr, err := NewAddress(Normal11Bit, WithTxID(testTesterID), WithRxID(testEcuID))
	require.NoError(t, err)
	tx := make(chan CanMessage)
	tp := NewTransport(addr, fastConfig(), tx)

	data := make([]byte, MaxPayloadLength)
	frames, err := Segment(data)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		cts := padded(0x30, 0x01, 0x00)
		cts.ArbitrationID = testEcuID
		n := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-tx:
			}
			n++
			if n < len(frames) {
				tp.Receive(*cts)
			} else {
				n = 0
			}
		}
	}()

	for i := 0; i < 300; i++ {
		require.NoError(t, tp.Send(ctx, data), "transfer %d", i)
	}
	assert.Equal(t, StateIdle, tp.TxState())
}

func TestTransport_SendBusy(t *testing.T) {
	tester, _ := newPair(t, fastConfig())

	done := make(chan error, 1)
	go func() { done <- tester.tp.Send(context.Background(), make([]byte, 20)) }()
	<-tester.tx
	require.Equal(t, StateWaitFC, tester.tp.TxState())

	assert.ErrorIs(t, tester.tp.Send(context.Background(), []byte{0x3E}), ErrBusy)
	<-done
}

func TestTransport_UnsolicitedFlowControlIgnored(t *testing.T) {
	tester, _ := newPair(t, fastConfig())
	msg := padded(0x30, 0x00, 0x00)
	msg.ArbitrationID = testEcuID
	tester.tp.Receive(*msg)

	assert.Equal(t, StateIdle, tester.tp.TxState())
	assert.Empty(t, tester.tp.ErrorChan)
}

func TestPayload_FailsClosed(t *testing.T) {
	p := NewPayload(4)
	require.NoError(t, p.Append(1, 2, 3))
	assert.ErrorIs(t, p.Append(4, 5), ErrPayloadOverflow)
	assert.Equal(t, []byte{1, 2, 3}, p.Bytes())
	require.NoError(t, p.Append(4))
	assert.True(t, p.Full())
	assert.Equal(t, 0, p.Remaining())
}

func TestNewAddress_Validation(t *testing.T) {
	_, err := NewAddress(Normal11Bit, WithTxID(0x7E1), WithRxID(0x7E1))
	assert.Error(t, err)
	_, err = NewAddress(Normal11Bit, WithTxID(0x800), WithRxID(0x7E1))
	assert.Error(t, err)
	addr, err := NewAddress(Normal29Bit, WithTxID(0x18DAF110), WithRxID(0x18DA10F1))
	require.NoError(t, err)
	assert.True(t, addr.Is29Bit())
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.StMin = 200
	assert.Error(t, cfg.Validate())
}
