package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogSender 将告警写入本地日志，保证没有任何外部通道时
// 告警依然可见。
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender 创建日志通道。
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send 按级别写入日志。
func (l *LogSender) Send(_ context.Context, severity Severity, title, body string) error {
	fields := []zap.Field{
		zap.String("title", title),
		zap.String("body", body),
	}
	switch severity {
	case SeverityCritical:
		l.logger.Error("告警", fields...)
	case SeverityWarning:
		l.logger.Warn("告警", fields...)
	default:
		l.logger.Info("告警", fields...)
	}
	return nil
}

// Name 返回通道标识。
func (l *LogSender) Name() string {
	return "log"
}
