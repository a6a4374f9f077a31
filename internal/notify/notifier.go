// Package notify 实现多通道告警分发。所有通道彼此独立，
// 单个通道失败只记录日志，不影响其余通道投递。
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Severity 表示告警级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Sender 为单个告警通道的抽象。
type Sender interface {
	// Send 投递一条告警。
	Send(ctx context.Context, severity Severity, title, body string) error
	// Name 返回通道标识。
	Name() string
}

// Notifier 将告警分发到全部已注册通道。
type Notifier struct {
	senders []Sender
	logger  *zap.Logger
}

// NewNotifier 创建告警分发器。
func NewNotifier(senders []Sender, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		senders: senders,
		logger:  logger,
	}
}

// Channels 返回已注册通道数。
func (n *Notifier) Channels() int {
	return len(n.senders)
}

// Notify 向全部通道投递告警。逐通道独立执行，
// 失败只记录，不向调用方返回错误。
func (n *Notifier) Notify(ctx context.Context, severity Severity, title, body string) {
	for _, sender := range n.senders {
		if err := sender.Send(ctx, severity, title, body); err != nil {
			n.logger.Warn("告警通道投递失败",
				zap.String("channel", sender.Name()),
				zap.String("severity", string(severity)),
				zap.String("title", title),
				zap.Error(err),
			)
			continue
		}
		n.logger.Debug("告警已投递",
			zap.String("channel", sender.Name()),
			zap.String("title", title),
		)
	}
}
