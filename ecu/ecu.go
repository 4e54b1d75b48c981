// Package ecu wires the bus driver, frame router, ISO-TP transport and the
// KWP2000 server into one runnable unit.
package ecu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LoveWonYoung/tcudiag/bridge"
	"github.com/LoveWonYoung/tcudiag/config"
	"github.com/LoveWonYoung/tcudiag/driver"
	"github.com/LoveWonYoung/tcudiag/ident"
	"github.com/LoveWonYoung/tcudiag/kwpserver"
	"github.com/LoveWonYoung/tcudiag/router"
	"github.com/LoveWonYoung/tcudiag/signals"
	"github.com/LoveWonYoung/tcudiag/tp_layer"
)

const (
	rawRxBufferSize = 256
	txBufferSize    = 64
)

// Options 组装ECU所需的外部依赖
type Options struct {
	Config  config.Config
	Ident   ident.DCSIdentification
	Signals signals.Source
	Usage   kwpserver.UsageSource
	Logger  *slog.Logger

	// Bridge, when set, is served on Config.Bridge.Listen alongside the stack.
	Bridge *bridge.Server
}

// ECU is one diagnostic endpoint on a CAN bus.
type ECU struct {
	cfg     config.Config
	logger  *slog.Logger
	adapter *driver.Adapter
	router  *router.Router
	stack   *tp_layer.Transport
	disp    *kwpserver.Dispatcher
	server  *kwpserver.Server
	bridge  *bridge.Server

	rawRx  chan tp_layer.CanMessage
	tx     chan tp_layer.CanMessage
	diagRx <-chan tp_layer.CanMessage
}

// New validates opts.Config, starts dev and builds the stack. Nothing runs
// until Run is called.
func New(dev driver.CANDriver, opts Options) (*ECU, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	addr, err := tp_layer.NewAddress(tp_layer.Normal11Bit,
		tp_layer.WithTxID(cfg.Bus.ResponseID), tp_layer.WithRxID(cfg.Bus.RequestID))
	if err != nil {
		return nil, err
	}

	tpCfg := cfg.TPConfig()
	// 响应必须能放进一次传输
	disp := kwpserver.NewDispatcher(
		kwpserver.WithLogger(logger),
		kwpserver.WithInactivityWindow(cfg.Diag.InactivityTimeout),
		kwpserver.WithBudget(tpCfg.MaxPayloadLength),
	)
	key, err := cfg.SecurityKey()
	if err != nil {
		return nil, err
	}
	sec, err := kwpserver.NewSecurityAccess(key, cfg.Diag.MaxKeyAttempts)
	if err != nil {
		return nil, err
	}
	deps := kwpserver.Deps{Ident: opts.Ident, Signals: opts.Signals, Usage: opts.Usage, Security: sec}
	if err := kwpserver.RegisterStandard(disp, deps); err != nil {
		return nil, fmt.Errorf("register services: %w", err)
	}

	rt := router.New(logger)
	diagRx, err := rt.Register(cfg.Bus.RequestID, cfg.Bus.QueueDepth)
	if err != nil {
		return nil, err
	}

	adapter, err := driver.NewAdapter(dev, logger)
	if err != nil {
		return nil, err
	}

	tx := make(chan tp_layer.CanMessage, txBufferSize)
	stack := tp_layer.NewTransport(addr, tpCfg, tx)
	stack.SetLogger(logger.With("layer", "isotp"))

	srv := kwpserver.NewServer(stack, disp, logger.With("layer", "kwp"))
	srv.PollInterval = cfg.Diag.PollInterval
	srv.TickInterval = cfg.Diag.TickInterval

	return &ECU{
		cfg:     cfg,
		logger:  logger,
		adapter: adapter,
		router:  rt,
		stack:   stack,
		disp:    disp,
		server:  srv,
		bridge:  opts.Bridge,
		rawRx:   make(chan tp_layer.CanMessage, rawRxBufferSize),
		tx:      tx,
		diagRx:  diagRx,
	}, nil
}

// Dispatcher exposes the service table, e.g. to register extra services.
func (e *ECU) Dispatcher() *kwpserver.Dispatcher { return e.disp }

// Router exposes the frame router for additional subscribers.
func (e *ECU) Router() *router.Router { return e.router }

// Run blocks until ctx is cancelled or one of the tasks fails. The driver is
// stopped on return.
func (e *ECU) Run(ctx context.Context) error {
	defer e.adapter.Close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.adapter.Run(ctx, e.rawRx, e.tx) })
	g.Go(func() error { return e.router.RouteFrom(ctx, e.rawRx) })
	g.Go(func() error { return e.stack.Run(ctx, e.diagRx) })
	g.Go(func() error { return e.server.Run(ctx) })
	g.Go(func() error { return e.watchErrors(ctx) })
	if e.bridge != nil && e.cfg.Bridge.Listen != "" {
		g.Go(func() error { return e.bridge.ListenAndServe(ctx, e.cfg.Bridge.Listen) })
	}

	e.logger.Info("ECU running",
		"request_id", fmt.Sprintf("0x%03X", e.cfg.Bus.RequestID),
		"response_id", fmt.Sprintf("0x%03X", e.cfg.Bus.ResponseID))

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchErrors logs transport errors and periodically reports router counters.
func (e *ECU) watchErrors(ctx context.Context) error {
	stats := time.NewTicker(time.Minute)
	defer stats.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-e.stack.ErrorChan:
			e.logger.Warn("ISO-TP error", "error", err)
		case <-stats.C:
			s := e.router.Stats()
			e.logger.Debug("router stats", "routed", s.Routed, "dropped", s.Dropped, "unknown", s.Unknown)
		}
	}
}
