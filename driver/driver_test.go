package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LoveWonYoung/tcudiag/tp_layer"
)

func TestNewMessage(t *testing.T) {
	msg, err := NewMessage(0x7E9, []byte{0x02, 0x50, 0x92}, false)
	require.NoError(t, err)
	assert.Equal(t, byte(3), msg.DLC)
	assert.Equal(t, []byte{0x02, 0x50, 0x92}, msg.Payload())

	_, err = NewMessage(0x7E9, make([]byte, 9), false)
	assert.Error(t, err)
}

func TestLoopbackBus_Delivery(t *testing.T) {
	bus := NewLoopbackBus()
	a := bus.Port("tester")
	b := bus.Port("ecu")
	c := bus.Port("cluster")
	for _, p := range []*LoopbackPort{a, b, c} {
		require.NoError(t, p.Init())
		p.Start()
	}

	msg, _ := NewMessage(0x7E1, []byte{0x02, 0x10, 0x92}, false)
	require.NoError(t, a.Write(msg))

	assert.Equal(t, msg, <-b.RxChan())
	assert.Equal(t, msg, <-c.RxChan())
	assert.Empty(t, a.RxChan(), "sender does not hear itself")
	assert.Len(t, a.GetWriteLog(), 1)

	a.Stop()
	assert.False(t, a.IsRunning())
	assert.Error(t, a.Write(msg))
	assert.Error(t, a.Context().Err())
}

func TestAdapter_Run(t *testing.T) {
	bus := NewLoopbackBus()
	ecuPort := bus.Port("ecu")
	testerPort := bus.Port("tester")
	testerPort.Start()

	adapter, err := NewAdapter(ecuPort, nil)
	require.NoError(t, err)
	defer adapter.Close()

	rx := make(chan tp_layer.CanMessage, 4)
	tx := make(chan tp_layer.CanMessage, 4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() { _ = adapter.Run(ctx, rx, tx) }()

	req, _ := NewMessage(0x7E1, []byte{0x02, 0x3E, 0x01, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}, false)
	require.NoError(t, testerPort.Write(req))
	got := <-rx
	assert.Equal(t, uint32(0x7E1), got.ArbitrationID)
	assert.Len(t, got.Data, 8)

	tx <- tp_layer.CanMessage{ArbitrationID: 0x7E9, Data: []byte{0x01, 0x7E, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}}
	select {
	case m := <-testerPort.RxChan():
		assert.Equal(t, uint32(0x7E9), m.ID)
		assert.Equal(t, byte(0x7E), m.Data[1])
	case <-ctx.Done():
		t.Fatal("response not delivered")
	}
}

func TestNewAdapter_NilDriver(t *testing.T) {
	_, err := NewAdapter(nil, nil)
	assert.Error(t, err)
}
