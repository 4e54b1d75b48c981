// Package kwpclient 测试仪侧的 KWP2000 客户端
package kwpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LoveWonYoung/tcudiag/driver"
	"github.com/LoveWonYoung/tcudiag/kwpserver"
	"github.com/LoveWonYoung/tcudiag/tp_layer"
)

// 通道缓冲区大小常量
const (
	adapterRxBufferSize    = 100                     // 适配器接收缓冲区大小
	adapterTxBufferSize    = 100                     // 适配器发送缓冲区大小
	recvPollInterval       = 2 * time.Millisecond    // 接收轮询间隔
	responsePendingTimeout = 5000 * time.Millisecond // Response Pending 超时 (P2*)
	defaultMaxRetries      = 3                       // 默认最大重试次数
)

// ErrClosed is returned by requests on a closed client.
var ErrClosed = errors.New("KWP 客户端已关闭")

// RequestOptions 请求配置选项
type RequestOptions struct {
	Timeout    time.Duration // 单次请求超时
	MaxRetries int           // 最大重试次数 (仅对可重试错误生效)
	RetryDelay time.Duration // 重试间隔
}

// DefaultRequestOptions 返回默认请求选项
func DefaultRequestOptions() RequestOptions {
	return RequestOptions{
		Timeout:    500 * time.Millisecond,
		MaxRetries: defaultMaxRetries,
		RetryDelay: 100 * time.Millisecond,
	}
}

// Client 封装了驱动适配器、ISO-TP 协议栈和请求/响应逻辑
type Client struct {
	stack   *tp_layer.Transport
	adapter *driver.Adapter
	logger  *slog.Logger
	cancel  context.CancelFunc
	ctx     context.Context
}

// NewClient starts dev and the transport goroutines. addr is the tester's view:
// TxID is the ECU request id, RxID the response id.
func NewClient(dev driver.CANDriver, addr *tp_layer.Address, cfg tp_layer.Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ISO-TP 配置无效: %w", err)
	}

	adapter, err := driver.NewAdapter(dev, logger)
	if err != nil {
		return nil, fmt.Errorf("无法创建CAN适配器: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	rxFromAdapter := make(chan tp_layer.CanMessage, adapterRxBufferSize)
	txToAdapter := make(chan tp_layer.CanMessage, adapterTxBufferSize)

	stack := tp_layer.NewTransport(addr, cfg, txToAdapter)
	stack.SetLogger(logger)

	go func() {
		if err := adapter.Run(ctx, rxFromAdapter, txToAdapter); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("adapter stopped", "error", err)
		}
	}()
	go func() { _ = stack.Run(ctx, rxFromAdapter) }()

	// 监听协议栈错误
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-stack.ErrorChan:
				logger.Debug("ISO-TP error", "error", err)
			}
		}
	}()

	logger.Info("KWP客户端已启动", "tx", fmt.Sprintf("0x%X", addr.TxID), "rx", fmt.Sprintf("0x%X", addr.RxID))
	return &Client{
		stack:   stack,
		adapter: adapter,
		logger:  logger,
		cancel:  cancel,
		ctx:     ctx,
	}, nil
}

// Request 使用默认选项发送请求
func (c *Client) Request(ctx context.Context, payload []byte) ([]byte, error) {
	return c.RequestWithOptions(ctx, payload, DefaultRequestOptions())
}

// RequestWithOptions 发送请求并等待响应:
//   - 负响应返回 *kwpserver.ServiceError
//   - Busy 按 opts 重试
//   - ResponsePending 延长等待时间
func (c *Client) RequestWithOptions(ctx context.Context, payload []byte, opts RequestOptions) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("请求 payload 不能为空")
	}

	sid := payload[0]
	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Info("KWP 请求重试", "attempt", attempt, "max", opts.MaxRetries, "sid", fmt.Sprintf("0x%02X", sid))
			if err := sleepCtx(ctx, opts.RetryDelay); err != nil {
				return nil, err
			}
		}

		resp, err := c.singleRequest(ctx, payload, opts.Timeout)
		if err == nil {
			return resp, nil
		}
		var se *kwpserver.ServiceError
		if errors.As(err, &se) && se.NRC.Retryable() && attempt < opts.MaxRetries {
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("达到最大重试次数 (%d): %w", opts.MaxRetries, lastErr)
}

func (c *Client) singleRequest(ctx context.Context, payload []byte, timeout time.Duration) ([]byte, error) {
	// 发送前清空旧响应
	for {
		if _, ok := c.stack.TryTakePayload(); !ok {
			break
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	err := c.stack.Send(sendCtx, payload)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("发送请求失败: %w", err)
	}

	sid := payload[0]
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(recvPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ctx.Done():
			return nil, ErrClosed
		case <-deadline.C:
			return nil, fmt.Errorf("等待响应超时 (%v): %w", timeout, tp_layer.ErrTimeout)
		case <-poll.C:
			p, ok := c.stack.TryTakePayload()
			if !ok {
				continue
			}
			data := p.Bytes()
			resp, err := checkResponse(sid, data)
			var se *kwpserver.ServiceError
			if errors.As(err, &se) && se.NRC == kwpserver.NRCResponsePending {
				deadline.Reset(responsePendingTimeout)
				c.logger.Info("收到 Response Pending, 继续等待", "sid", fmt.Sprintf("0x%02X", sid))
				continue
			}
			return resp, err
		}
	}
}

// checkResponse 校验响应 SID 并将负响应转换为 *kwpserver.ServiceError
func checkResponse(sid byte, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("空响应")
	}
	if data[0] == 0x7F {
		if len(data) < 3 {
			return nil, fmt.Errorf("负响应长度错误: % 02X", data)
		}
		if data[1] != sid {
			return nil, fmt.Errorf("负响应 SID 不匹配: 期望 0x%02X, 收到 0x%02X", sid, data[1])
		}
		return nil, &kwpserver.ServiceError{SID: data[1], NRC: kwpserver.NRC(data[2])}
	}
	if want := sid + 0x40; data[0] != want {
		return nil, fmt.Errorf("响应 SID 不匹配: 期望 0x%02X, 收到 0x%02X", want, data[0])
	}
	return data, nil
}

// StartSession 切换诊断会话
func (c *Client) StartSession(ctx context.Context, m kwpserver.Mode) error {
	_, err := c.Request(ctx, []byte{kwpserver.SIDStartDiagSession, byte(m)})
	return err
}

// TesterPresent 保持会话. suppress 为 true 时ECU不回复
func (c *Client) TesterPresent(ctx context.Context, suppress bool) error {
	if !suppress {
		_, err := c.Request(ctx, []byte{kwpserver.SIDTesterPresent, 0x01})
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, DefaultRequestOptions().Timeout)
	defer cancel()
	return c.stack.Send(sendCtx, []byte{kwpserver.SIDTesterPresent, 0x02})
}

// Unlock 执行 0x27 种子/密钥交换, keyFn 根据种子计算密钥
func (c *Client) Unlock(ctx context.Context, keyFn func(seed []byte) []byte) error {
	resp, err := c.Request(ctx, []byte{kwpserver.SIDSecurityAccess, 0x01})
	if err != nil {
		return err
	}
	if len(resp) < 3 {
		return fmt.Errorf("种子响应过短: % 02X", resp)
	}
	seed := resp[2:]
	if isZero(seed) {
		return nil // 已解锁
	}
	req := append([]byte{kwpserver.SIDSecurityAccess, 0x02}, keyFn(seed)...)
	_, err = c.Request(ctx, req)
	return err
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Close 关闭客户端并停止驱动
func (c *Client) Close() {
	c.logger.Info("正在关闭KWP客户端...")
	c.cancel()
	c.adapter.Close()
}

// IsClosed 检查客户端是否已关闭
func (c *Client) IsClosed() bool {
	return c.ctx.Err() != nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
