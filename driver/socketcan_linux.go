//go:build linux

package driver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

// SocketCAN 通过 Linux SocketCAN 接口收发经典CAN帧
type SocketCAN struct {
	iface  string
	logger *slog.Logger

	mu      sync.Mutex
	conn    net.Conn
	tx      *socketcan.Transmitter
	rxChan  chan UnifiedCANMessage
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// NewSocketCAN creates a driver for iface (e.g. "can0", "vcan0").
func NewSocketCAN(iface string, logger *slog.Logger) (CANDriver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SocketCAN{
		iface:  iface,
		logger: logger.With("iface", iface),
		rxChan: make(chan UnifiedCANMessage, RxChannelBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Init 打开 SocketCAN 套接字
func (s *SocketCAN) Init() error {
	conn, err := socketcan.DialContext(s.ctx, "can", s.iface)
	if err != nil {
		return fmt.Errorf("打开 %s 失败: %w", s.iface, err)
	}
	s.mu.Lock()
	s.conn = conn
	s.tx = socketcan.NewTransmitter(conn)
	s.mu.Unlock()
	return nil
}

// Start 启动接收 goroutine
func (s *SocketCAN) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.conn == nil {
		return
	}
	s.running = true
	go s.receiveLoop(socketcan.NewReceiver(s.conn))
}

func (s *SocketCAN) receiveLoop(recv *socketcan.Receiver) {
	defer close(s.rxChan)
	for recv.Receive() {
		if recv.HasErrorFrame() {
			s.logger.Debug("CAN error frame", "frame", recv.ErrorFrame())
			continue
		}
		f := recv.Frame()
		if f.IsRemote {
			continue
		}
		msg := UnifiedCANMessage{
			ID:         f.ID,
			DLC:        f.Length,
			Data:       f.Data,
			IsExtended: f.IsExtended,
		}
		select {
		case s.rxChan <- msg:
		default:
			s.logger.Warn("接收通道已满, 丢弃报文", "id", fmt.Sprintf("0x%03X", f.ID))
		}
	}
	if err := recv.Err(); err != nil && s.ctx.Err() == nil {
		s.logger.Error("SocketCAN receive stopped", "error", err)
	}
	s.cancel()
}

// Stop 关闭套接字, 接收 goroutine 随之退出
func (s *SocketCAN) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.running = false
}

func (s *SocketCAN) Write(msg UnifiedCANMessage) error {
	s.mu.Lock()
	tx := s.tx
	s.mu.Unlock()
	if tx == nil {
		return fmt.Errorf("设备未初始化")
	}
	frame := can.Frame{
		ID:         msg.ID,
		Length:     msg.DLC,
		Data:       msg.Data,
		IsExtended: msg.IsExtended,
	}
	if err := frame.Validate(); err != nil {
		return err
	}
	return tx.TransmitFrame(s.ctx, frame)
}

func (s *SocketCAN) RxChan() <-chan UnifiedCANMessage {
	return s.rxChan
}

func (s *SocketCAN) Context() context.Context {
	return s.ctx
}
