// kwptester 交互式 KWP2000 测试仪
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"

	"github.com/LoveWonYoung/tcudiag/bridge"
	"github.com/LoveWonYoung/tcudiag/config"
	"github.com/LoveWonYoung/tcudiag/driver"
	"github.com/LoveWonYoung/tcudiag/ecu"
	"github.com/LoveWonYoung/tcudiag/ident"
	"github.com/LoveWonYoung/tcudiag/kwpclient"
	"github.com/LoveWonYoung/tcudiag/kwpserver"
	"github.com/LoveWonYoung/tcudiag/logrecorder"
	"github.com/LoveWonYoung/tcudiag/signals"
	"github.com/LoveWonYoung/tcudiag/sysmon"
	"github.com/LoveWonYoung/tcudiag/tp_layer"
)

const keepAliveInterval = time.Second

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults when empty)")
	url := flag.String("url", "", "bridge url, e.g. ws://192.168.4.1:8080/can (overrides bus.driver)")
	flag.Parse()

	if err := run(*configPath, *url); err != nil {
		fmt.Fprintln(os.Stderr, "kwptester:", err)
		os.Exit(1)
	}
}

// tester 串行化请求, keep-alive 与手动请求共用一个客户端
type tester struct {
	mu        sync.Mutex
	client    *kwpclient.Client
	key       []byte
	keepAlive atomic.Bool
}

func run(configPath, url string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	if url != "" {
		cfg.Bus.Driver = "bridge"
		cfg.Bus.Interface = url
	}
	cfg.Log.Console = false

	rec, err := logrecorder.Init("kwptester_", cfg.Log)
	if err != nil {
		return err
	}
	defer rec.Close()
	logger := rec.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dev, err := openBus(ctx, cfg, logger)
	if err != nil {
		return err
	}

	addr, err := tp_layer.NewAddress(tp_layer.Normal11Bit,
		tp_layer.WithTxID(cfg.Bus.RequestID), tp_layer.WithRxID(cfg.Bus.ResponseID))
	if err != nil {
		return err
	}
	client, err := kwpclient.NewClient(dev, addr, cfg.TPConfig(), logger)
	if err != nil {
		return err
	}
	defer client.Close()

	key, _ := cfg.SecurityKey()
	t := &tester{client: client, key: key}
	go t.keepAliveLoop(ctx)
	return t.console(ctx)
}

// openBus 回环模式下在同一条总线上启动一个本地ECU, 方便离线调试
func openBus(ctx context.Context, cfg config.Config, logger *slog.Logger) (driver.CANDriver, error) {
	switch cfg.Bus.Driver {
	case "socketcan":
		return driver.NewSocketCAN(cfg.Bus.Interface, logger)
	case "bridge":
		return bridge.Dial(ctx, cfg.Bus.Interface, logger)
	}

	bus := driver.NewLoopbackBus()
	id, err := ident.FromConfig(cfg.Ident)
	if err != nil {
		return nil, err
	}
	unit, err := ecu.New(bus.Port("ecu"), ecu.Options{
		Config:  cfg,
		Ident:   id,
		Signals: signals.NewStore(),
		Usage:   sysmon.New(),
		Logger:  logger.With("role", "ecu"),
	})
	if err != nil {
		return nil, err
	}
	go func() {
		if err := unit.Run(ctx); err != nil {
			logger.Error("local ECU stopped", "error", err)
		}
	}()
	return bus.Port("tester"), nil
}

func (t *tester) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.keepAlive.Load() {
				continue
			}
			t.mu.Lock()
			err := t.client.TesterPresent(ctx, true)
			t.mu.Unlock()
			if err != nil {
				slog.Warn("keep-alive failed", "error", err)
			}
		}
	}
}

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("session",
			readline.PcItem("default"),
			readline.PcItem("extended"),
			readline.PcItem("flash"),
		),
		readline.PcItem("ident"),
		readline.PcItem("unlock"),
		readline.PcItem("keepalive",
			readline.PcItem("on"),
			readline.PcItem("off"),
		),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

func (t *tester) console(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[32m»\033[0m ",
		AutoComplete:    completer(),
		HistoryFile:     "./kwptester_history.tmp",
		InterruptPrompt: "^C",
	})
	if err != nil {
		return fmt.Errorf("无法创建 readline 实例: %w", err)
	}
	defer rl.Close()

	fmt.Println("输入十六进制请求 (如 10 92), 'help' 查看命令, 'quit' 退出")
	for ctx.Err() == nil {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "quit" {
			return nil
		}
		if out := t.execute(ctx, line); out != "" {
			fmt.Println(out)
		}
	}
	return nil
}

var sessionNames = map[string]kwpserver.Mode{
	"default":  kwpserver.SessionDefault,
	"extended": kwpserver.SessionExtended,
	"flash":    kwpserver.SessionFlash,
}

// execute 执行一行命令并返回要打印的文本
func (t *tester) execute(ctx context.Context, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	switch fields[0] {
	case "help":
		return "session <default|extended|flash> | ident | unlock | keepalive <on|off> | <hex bytes> | quit"
	case "keepalive":
		on := len(fields) > 1 && fields[1] == "on"
		t.keepAlive.Store(on)
		return fmt.Sprintf("keep-alive: %v", on)
	case "session":
		if len(fields) < 2 {
			return "用法: session <default|extended|flash>"
		}
		m, ok := sessionNames[fields[1]]
		if !ok {
			return "未知会话: " + fields[1]
		}
		return t.request(ctx, []byte{kwpserver.SIDStartDiagSession, byte(m)})
	case "ident":
		return t.readIdent(ctx)
	case "unlock":
		return t.unlock(ctx)
	}

	req, err := hex.DecodeString(strings.Join(fields, ""))
	if err != nil {
		return "无效的十六进制: " + err.Error()
	}
	return t.request(ctx, req)
}

func (t *tester) request(ctx context.Context, req []byte) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	resp, err := t.client.Request(ctx, req)
	if err != nil {
		return "错误: " + err.Error()
	}
	return fmt.Sprintf("% 02X", resp)
}

func (t *tester) readIdent(ctx context.Context) string {
	t.mu.Lock()
	resp, err := t.client.Request(ctx, []byte{kwpserver.SIDReadEcuIdentification, 0x86})
	t.mu.Unlock()
	if err != nil {
		return "错误: " + err.Error()
	}
	if len(resp) < 2 {
		return fmt.Sprintf("响应过短: % 02X", resp)
	}
	var d ident.DCSIdentification
	if err := d.UnmarshalBinary(resp[2:]); err != nil {
		return "错误: " + err.Error()
	}
	return fmt.Sprintf("part %s  hw %02d/%02d  sw %02d/%02d  supplier 0x%02X  diag %d  prod 20%02d-%02d-%02d",
		d.PartNumberString(), d.HWWeek, d.HWYear, d.SWWeek, d.SWYear,
		d.SupplierID, d.DiagInfo, d.ProdYear, d.ProdMonth, d.ProdDay)
}

func (t *tester) unlock(ctx context.Context) string {
	sec, err := kwpserver.NewSecurityAccess(t.key, 1)
	if err != nil {
		return "错误: " + err.Error()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.client.Unlock(ctx, sec.ComputeKey); err != nil {
		return "错误: " + err.Error()
	}
	return "已解锁"
}
