package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/LoveWonYoung/tcudiag/tp_layer"
)

// Adapter 连接协议栈与具体的CAN驱动
type Adapter struct {
	driver CANDriver
	rxChan <-chan UnifiedCANMessage
	logger *slog.Logger
}

// NewAdapter initializes and starts dev.
func NewAdapter(dev CANDriver, logger *slog.Logger) (*Adapter, error) {
	if dev == nil {
		return nil, errors.New("CAN driver instance cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := dev.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize CAN device: %w", err)
	}
	dev.Start()

	logger.Info("CAN adapter created and device started")
	return &Adapter{
		driver: dev,
		rxChan: dev.RxChan(),
		logger: logger,
	}, nil
}

// Close 用于停止驱动并释放资源
func (a *Adapter) Close() {
	a.logger.Info("closing CAN adapter")
	a.driver.Stop()
}

// TxFunc 发送一帧, 失败只记录日志
func (a *Adapter) TxFunc(msg tp_layer.CanMessage) {
	m, err := NewMessage(msg.ArbitrationID, msg.Data, msg.IsExtendedID)
	if err == nil {
		err = a.driver.Write(m)
	}
	if err != nil {
		a.logger.Error("adapter failed to send message", "id", fmt.Sprintf("0x%X", msg.ArbitrationID), "error", err)
	}
}

// ToCanMessage converts a driver frame to the transport's representation.
func ToCanMessage(m UnifiedCANMessage) tp_layer.CanMessage {
	data := make([]byte, len(m.Payload()))
	copy(data, m.Payload())
	return tp_layer.CanMessage{
		ArbitrationID: m.ID,
		Data:          data,
		IsExtendedID:  m.IsExtended,
	}
}

// Run pumps driver frames into rx and frames from tx onto the driver until
// ctx is done or the driver's receive channel closes.
func (a *Adapter) Run(ctx context.Context, rx chan<- tp_layer.CanMessage, tx <-chan tp_layer.CanMessage) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.driver.Context().Done():
			return errors.New("CAN device stopped")
		case m, ok := <-a.rxChan:
			if !ok {
				return errors.New("CAN receive channel closed")
			}
			select {
			case rx <- ToCanMessage(m):
			default:
				a.logger.Warn("adapter rx queue full, frame dropped", "id", fmt.Sprintf("0x%X", m.ID))
			}
		case msg := <-tx:
			a.TxFunc(msg)
		}
	}
}
