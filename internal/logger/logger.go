// Package logger 根据配置构建结构化日志
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"remote-assist/internal/config"
)

// New 根据日志配置创建 slog.Logger
// format 为 text 时输出可读文本，其余情况输出 JSON
func New(cfg config.LogConfig) *slog.Logger {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter 与 New 相同，但允许指定输出目标
func NewWithWriter(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel 将配置中的级别字符串转换为 slog.Level
// 无法识别时回退到 info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
