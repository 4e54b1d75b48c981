// Package config 加载诊断单元的YAML配置。
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LoveWonYoung/tcudiag/tp_layer"
)

// Config 顶层配置
type Config struct {
	Bus       BusConfig       `yaml:"bus"`
	Transport TransportConfig `yaml:"transport"`
	Diag      DiagConfig      `yaml:"diag"`
	Ident     IdentConfig     `yaml:"ident"`
	Log       LogConfig       `yaml:"log"`
	Bridge    BridgeConfig    `yaml:"bridge"`
}

type BusConfig struct {
	Driver     string `yaml:"driver"`    // socketcan | loopback | bridge
	Interface  string `yaml:"interface"` // can0, or ws:// url for bridge
	RequestID  uint32 `yaml:"request_id"`
	ResponseID uint32 `yaml:"response_id"`
	QueueDepth int    `yaml:"queue_depth"`
}

// TransportConfig keeps the ISO 15765-2 timing names.
type TransportConfig struct {
	PaddingByte  uint8         `yaml:"padding_byte"`
	BlockSize    int           `yaml:"block_size"`
	StMinMs      int           `yaml:"st_min_ms"`
	NAs          time.Duration `yaml:"n_as"`
	NBs          time.Duration `yaml:"n_bs"`
	NCr          time.Duration `yaml:"n_cr"`
	MaxWaitFrame int           `yaml:"max_wait_frame"`
}

type DiagConfig struct {
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	SecurityKey       string        `yaml:"security_key"` // 16 byte AES key, hex
	MaxKeyAttempts    int           `yaml:"max_key_attempts"`
}

// IdentConfig 0x1A 0x86 标识记录的字段
type IdentConfig struct {
	PartNumber string `yaml:"part_number"` // 10 decimal digits
	HWWeek     uint8  `yaml:"hw_week"`
	HWYear     uint8  `yaml:"hw_year"`
	SWWeek     uint8  `yaml:"sw_week"`
	SWYear     uint8  `yaml:"sw_year"`
	SupplierID uint8  `yaml:"supplier_id"`
	DiagInfo   uint16 `yaml:"diag_info"`
	ProdYear   uint8  `yaml:"prod_year"`
	ProdMonth  uint8  `yaml:"prod_month"`
	ProdDay    uint8  `yaml:"prod_day"`

	// HexFile, when set, overrides the fields above with the record stored
	// in a calibration image at HexAddress.
	HexFile    string `yaml:"hex_file"`
	HexAddress uint32 `yaml:"hex_address"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	Console    bool   `yaml:"console"`
}

type BridgeConfig struct {
	Listen string `yaml:"listen"` // empty disables the bridge
	Path   string `yaml:"path"`
}

// Default returns the configuration of a stock unit on the diagnostic bus.
func Default() Config {
	return Config{
		Bus: BusConfig{
			Driver:     "loopback",
			Interface:  "can0",
			RequestID:  0x7E1,
			ResponseID: 0x7E9,
			QueueDepth: 64,
		},
		Transport: TransportConfig{
			PaddingByte:  0xCC,
			BlockSize:    8,
			StMinMs:      20,
			NAs:          time.Second,
			NBs:          time.Second,
			NCr:          time.Second,
			MaxWaitFrame: 10,
		},
		Diag: DiagConfig{
			InactivityTimeout: 2500 * time.Millisecond,
			PollInterval:      10 * time.Millisecond,
			TickInterval:      100 * time.Millisecond,
			SecurityKey:       "2b7e151628aed2a6abf7158809cf4f3c",
			MaxKeyAttempts:    3,
		},
		Ident: IdentConfig{
			PartNumber: "0002701200",
			HWWeek:     10,
			HWYear:     21,
			SWWeek:     12,
			SWYear:     21,
			SupplierID: 0x08,
			DiagInfo:   593,
			ProdYear:   21,
			ProdMonth:  3,
			ProdDay:    14,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 7,
			Console:    true,
		},
		Bridge: BridgeConfig{
			Path: "/can",
		},
	}
}

// Load reads path and overlays it on Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes on top of Default. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 检查配置取值
func (c *Config) Validate() error {
	switch c.Bus.Driver {
	case "socketcan", "loopback", "bridge":
	default:
		return fmt.Errorf("bus.driver: unknown driver %q", c.Bus.Driver)
	}
	if c.Bus.QueueDepth <= 0 {
		return fmt.Errorf("bus.queue_depth must be positive")
	}
	if _, err := tp_layer.NewAddress(tp_layer.Normal11Bit,
		tp_layer.WithTxID(c.Bus.ResponseID), tp_layer.WithRxID(c.Bus.RequestID)); err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	tc := c.TPConfig()
	if err := tc.Validate(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	if c.Diag.InactivityTimeout <= 0 || c.Diag.PollInterval <= 0 || c.Diag.TickInterval <= 0 {
		return fmt.Errorf("diag: intervals must be positive")
	}
	if c.Diag.MaxKeyAttempts <= 0 {
		return fmt.Errorf("diag.max_key_attempts must be positive")
	}
	if _, err := c.SecurityKey(); err != nil {
		return err
	}
	if c.Ident.HexFile == "" && len(c.Ident.PartNumber) != 10 {
		return fmt.Errorf("ident.part_number must have 10 digits, got %q", c.Ident.PartNumber)
	}
	return nil
}

// TPConfig converts the transport section into tp_layer.Config.
func (c *Config) TPConfig() tp_layer.Config {
	tc := tp_layer.DefaultConfig()
	tc.PaddingByte = c.Transport.PaddingByte
	tc.BlockSize = c.Transport.BlockSize
	tc.StMin = c.Transport.StMinMs
	tc.TimeoutN_As = c.Transport.NAs
	tc.TimeoutN_Bs = c.Transport.NBs
	tc.TimeoutN_Cr = c.Transport.NCr
	tc.MaxWaitFrame = c.Transport.MaxWaitFrame
	return tc
}

// SecurityKey decodes diag.security_key.
func (c *Config) SecurityKey() ([]byte, error) {
	key, err := hex.DecodeString(c.Diag.SecurityKey)
	if err != nil || len(key) != 16 {
		return nil, fmt.Errorf("diag.security_key must be 16 bytes of hex")
	}
	return key, nil
}
