// tcu 运行变速箱控制单元的诊断协议栈
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LoveWonYoung/tcudiag/bridge"
	"github.com/LoveWonYoung/tcudiag/config"
	"github.com/LoveWonYoung/tcudiag/driver"
	"github.com/LoveWonYoung/tcudiag/ecu"
	"github.com/LoveWonYoung/tcudiag/ident"
	"github.com/LoveWonYoung/tcudiag/logrecorder"
	"github.com/LoveWonYoung/tcudiag/signals"
	"github.com/LoveWonYoung/tcudiag/sysmon"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults when empty)")
	dumpIdent := flag.String("dump-ident", "", "write the identification record as Intel HEX to this file and exit")
	flag.Parse()

	if err := run(*configPath, *dumpIdent); err != nil {
		fmt.Fprintln(os.Stderr, "tcu:", err)
		os.Exit(1)
	}
}

func run(configPath, dumpIdent string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}

	rec, err := logrecorder.Init("tcu_", cfg.Log)
	if err != nil {
		return err
	}
	defer rec.Close()
	logger := rec.Logger

	id, err := loadIdent(cfg.Ident)
	if err != nil {
		return err
	}
	if dumpIdent != "" {
		f, err := os.Create(dumpIdent)
		if err != nil {
			return err
		}
		defer f.Close()
		return ident.DumpHex(f, id, cfg.Ident.HexAddress)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dev, bridgeSrv, err := openBus(ctx, cfg, logger)
	if err != nil {
		return err
	}

	store := signals.NewStore()
	store.Publish(signals.Snapshot{ParkingLock: true, Taken: time.Now()})

	unit, err := ecu.New(dev, ecu.Options{
		Config:  cfg,
		Ident:   id,
		Signals: store,
		Usage:   sysmon.New(),
		Logger:  logger,
		Bridge:  bridgeSrv,
	})
	if err != nil {
		return err
	}
	logger.Info("identification", "part_number", id.PartNumberString(), "log_file", rec.Path())
	return unit.Run(ctx)
}

func loadIdent(c config.IdentConfig) (ident.DCSIdentification, error) {
	if c.HexFile == "" {
		return ident.FromConfig(c)
	}
	f, err := os.Open(c.HexFile)
	if err != nil {
		return ident.DCSIdentification{}, err
	}
	defer f.Close()
	return ident.LoadHex(f, c.HexAddress)
}

// openBus 根据配置选择驱动. 回环总线上可以再挂一个 WebSocket 桥接端口
func openBus(ctx context.Context, cfg config.Config, logger *slog.Logger) (driver.CANDriver, *bridge.Server, error) {
	switch cfg.Bus.Driver {
	case "socketcan":
		dev, err := driver.NewSocketCAN(cfg.Bus.Interface, logger)
		if err != nil || cfg.Bridge.Listen == "" {
			return dev, nil, err
		}
		// 第二个套接字同样能收到本机其它套接字发出的帧
		port, err := driver.NewSocketCAN(cfg.Bus.Interface, logger.With("role", "bridge"))
		if err != nil {
			return nil, nil, err
		}
		if err := port.Init(); err != nil {
			return nil, nil, err
		}
		port.Start()
		return dev, bridge.NewServer(port, cfg.Bridge.Path, logger), nil
	case "bridge":
		conn, err := bridge.Dial(ctx, cfg.Bus.Interface, logger)
		if err != nil {
			return nil, nil, err
		}
		return conn, nil, nil
	default:
		bus := driver.NewLoopbackBus()
		var srv *bridge.Server
		if cfg.Bridge.Listen != "" {
			port := bus.Port("bridge")
			port.Start()
			srv = bridge.NewServer(port, cfg.Bridge.Path, logger)
		}
		return bus.Port("ecu"), srv, nil
	}
}
