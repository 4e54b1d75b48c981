package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// LoopbackBus 是内存中的虚拟 CAN 总线, 一个端口写入的帧会投递到其它所有端口。
// 用于开发和测试，不依赖实际硬件
type LoopbackBus struct {
	mu    sync.Mutex
	ports []*LoopbackPort
}

func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{}
}

// WriteRecord 记录一次写入操作
type WriteRecord struct {
	Msg       UnifiedCANMessage
	Timestamp time.Time
}

// LoopbackPort is one node on a LoopbackBus. It implements CANDriver.
type LoopbackPort struct {
	bus    *LoopbackBus
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	rxChan   chan UnifiedCANMessage
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	writeLog []WriteRecord // 记录写入的数据
}

// Port attaches a new node to the bus.
func (b *LoopbackBus) Port(name string) *LoopbackPort {
	ctx, cancel := context.WithCancel(context.Background())
	p := &LoopbackPort{
		bus:    b,
		name:   name,
		logger: slog.Default().With("port", name),
		rxChan: make(chan UnifiedCANMessage, RxChannelBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
	b.mu.Lock()
	b.ports = append(b.ports, p)
	b.mu.Unlock()
	return p
}

func (b *LoopbackBus) deliver(from *LoopbackPort, msg UnifiedCANMessage) {
	b.mu.Lock()
	ports := append([]*LoopbackPort(nil), b.ports...)
	b.mu.Unlock()

	for _, p := range ports {
		if p != from {
			p.inject(msg)
		}
	}
}

// Init 初始化虚拟设备 (总是成功)
func (p *LoopbackPort) Init() error {
	return nil
}

// Start 启动虚拟设备
func (p *LoopbackPort) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = true
}

// Stop 停止虚拟设备
func (p *LoopbackPort) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.running = false
	p.cancel()
	close(p.rxChan)
}

// Write 写入数据到虚拟总线
func (p *LoopbackPort) Write(msg UnifiedCANMessage) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("设备未启动")
	}
	p.writeLog = append(p.writeLog, WriteRecord{Msg: msg, Timestamp: time.Now()})
	p.mu.Unlock()

	p.logger.Debug("TX", "id", fmt.Sprintf("0x%03X", msg.ID), "data", fmt.Sprintf("% 02X", msg.Payload()))
	p.bus.deliver(p, msg)
	return nil
}

// inject 向接收通道注入一条消息 (模拟接收)。通道满或设备未启动时丢弃。
func (p *LoopbackPort) inject(msg UnifiedCANMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	select {
	case p.rxChan <- msg:
	default:
		p.logger.Warn("接收通道已满, 丢弃报文", "id", fmt.Sprintf("0x%03X", msg.ID))
	}
}

// RxChan 返回接收通道
func (p *LoopbackPort) RxChan() <-chan UnifiedCANMessage {
	return p.rxChan
}

// Context 返回设备上下文
func (p *LoopbackPort) Context() context.Context {
	return p.ctx
}

// GetWriteLog 获取写入日志
func (p *LoopbackPort) GetWriteLog() []WriteRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]WriteRecord{}, p.writeLog...)
}

// IsRunning 检查设备是否正在运行
func (p *LoopbackPort) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
