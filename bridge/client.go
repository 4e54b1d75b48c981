package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/LoveWonYoung/tcudiag/driver"
)

// Conn is the tester side of a bridge. It implements driver.CANDriver.
type Conn struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	rxChan  chan driver.UnifiedCANMessage
	ctx     context.Context
	cancel  context.CancelFunc
	start   sync.Once
}

// Dial connects to a bridge server, e.g. ws://192.168.4.1:8080/can.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("连接 CAN 桥接失败 %s: %w", url, err)
	}
	cctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		conn:   ws,
		logger: logger.With("bridge", url),
		rxChan: make(chan driver.UnifiedCANMessage, driver.RxChannelBufferSize),
		ctx:    cctx,
		cancel: cancel,
	}, nil
}

// Init 连接已在 Dial 中建立
func (c *Conn) Init() error { return nil }

// Start launches the receive goroutine.
func (c *Conn) Start() {
	c.start.Do(func() { go c.readLoop() })
}

func (c *Conn) readLoop() {
	defer close(c.rxChan)
	defer c.cancel()
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("bridge connection lost", "error", err)
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		m, err := DecodeFrame(data)
		if err != nil {
			c.logger.Debug("bad bridge frame dropped", "error", err)
			continue
		}
		select {
		case c.rxChan <- m:
		default:
			c.logger.Warn("接收通道已满, 丢弃报文", "id", fmt.Sprintf("0x%03X", m.ID))
		}
	}
}

func (c *Conn) Stop() {
	c.cancel()
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

func (c *Conn) Write(m driver.UnifiedCANMessage) error {
	if c.ctx.Err() != nil {
		return errors.New("bridge connection closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, EncodeFrame(m))
}

func (c *Conn) RxChan() <-chan driver.UnifiedCANMessage { return c.rxChan }

func (c *Conn) Context() context.Context { return c.ctx }
