package kwpserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/LoveWonYoung/tcudiag/tp_layer"
)

const (
	DefaultPollInterval = 10 * time.Millisecond
	DefaultTickInterval = 100 * time.Millisecond
)

// Transport is the part of tp_layer.Transport the server uses.
type Transport interface {
	TryTakePayload() (*tp_layer.Payload, bool)
	Send(ctx context.Context, data []byte) error
}

// Server 诊断任务: 轮询邮箱, 分发请求, 回送响应
type Server struct {
	tp     Transport
	disp   *Dispatcher
	logger *slog.Logger

	PollInterval time.Duration
	TickInterval time.Duration
}

func NewServer(tp Transport, disp *Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		tp:           tp,
		disp:         disp,
		logger:       logger,
		PollInterval: DefaultPollInterval,
		TickInterval: DefaultTickInterval,
	}
}

// Run polls until ctx is cancelled. Send failures are logged, never fatal.
func (s *Server) Run(ctx context.Context) error {
	poll := time.NewTicker(s.PollInterval)
	defer poll.Stop()
	tick := time.NewTicker(s.TickInterval)
	defer tick.Stop()

	s.logger.Info("KWP server started", "poll", s.PollInterval, "tick", s.TickInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-tick.C:
			s.disp.Tick(now)
		case <-poll.C:
			// 一次处理完邮箱中的请求
			for s.ServeOnce(ctx) {
			}
		}
	}
}

// ServeOnce handles at most one pending request and reports whether one was taken.
func (s *Server) ServeOnce(ctx context.Context) bool {
	p, ok := s.tp.TryTakePayload()
	if !ok {
		return false
	}

	req, ok := DecodeRequest(p.Bytes())
	if !ok {
		return true
	}

	log := s.logger.With("conv", uuid.NewString(), "sid", fmt.Sprintf("0x%02X", req.SID))
	log.Debug("incoming diag message", "args", fmt.Sprintf("% 02X", req.Args))

	resp := s.disp.Dispatch(req)
	if resp.IsSuppressed() {
		log.Debug("response suppressed")
		return true
	}
	if resp.IsNegative() {
		log.Info("negative response", "nrc", fmt.Sprintf("0x%02X", byte(resp.NRC())), "desc", resp.NRC().String())
	}

	if err := s.tp.Send(ctx, resp.Encode(req.SID)); err != nil {
		log.Warn("failed to send diag response", "error", err)
	}
	return true
}
