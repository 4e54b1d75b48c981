package logrecorder

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/LoveWonYoung/tcudiag/config"
)

// NowString 返回当前时间格式为 "20060102_1504" 的字符串
func NowString() string {
	return time.Now().Format("20060102_1504")
}

// MakeDir 在 base 下创建以日期命名的目录（如：2025_04_25）
func MakeDir(base string) (string, error) {
	now := time.Now()
	dirName := fmt.Sprintf("%d_%02d_%02d", now.Year(), now.Month(), now.Day())
	fullPath := filepath.Join(base, dirName)

	if err := os.MkdirAll(fullPath, 0755); err != nil {
		return "", fmt.Errorf("创建文件夹失败: %w", err)
	}
	return fullPath, nil
}

// Recorder 持有日志输出, Close 时关闭滚动文件
type Recorder struct {
	Logger *slog.Logger
	file   *lumberjack.Logger
}

func (r *Recorder) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the active log file, empty when logging to console only.
func (r *Recorder) Path() string {
	if r.file == nil {
		return ""
	}
	return r.file.Filename
}

// Init 初始化日志记录器，name为日志文件前缀名。
// With cfg.File empty the file goes to ./<date>/<name><time>.log, as the
// bench tools always did. Rotation is size based (lumberjack).
func Init(name string, cfg config.LogConfig) (*Recorder, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		return nil, fmt.Errorf("日志级别无效 %q: %w", cfg.Level, err)
	}

	rec := &Recorder{}
	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, os.Stderr)
	}

	if cfg.File != "-" {
		path := cfg.File
		if path == "" {
			dir, err := MakeDir(".")
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, fmt.Sprintf("%s%s.log", name, NowString()))
		}
		rec.file = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, rec.file)
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: level})
	rec.Logger = slog.New(handler).With("app", name)
	slog.SetDefault(rec.Logger)
	return rec, nil
}
