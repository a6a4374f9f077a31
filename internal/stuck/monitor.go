// Package stuck 周期性扫描账本，识别离场失败、超龄与失控亏损
// 三类僵死仓位并移交恢复执行器。同一仓位的分类按严重程度取
// 第一个命中项：离场失败 > 超龄 > 失控亏损。
package stuck

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"position-guard/internal/broker"
	"position-guard/internal/config"
	"position-guard/internal/ledger"
	"position-guard/internal/recovery"
)

type recoverer interface {
	BeginRecovery(ctx context.Context, alert recovery.Alert) bool
	InRecovery(positionID string) bool
}

// Monitor 扫描账本并产生一次性恢复告警。
type Monitor struct {
	book   ledger.Ledger
	exec   recoverer
	cfg    config.MonitorConfig
	logger *zap.Logger

	mu    sync.Mutex
	known map[string]struct{}
	order []string
}

// NewMonitor 创建僵死仓位监控器。
func NewMonitor(book ledger.Ledger, exec recoverer, cfg config.MonitorConfig, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		book:   book,
		exec:   exec,
		cfg:    cfg,
		logger: logger,
		known:  make(map[string]struct{}),
	}
}

// Run 按配置间隔循环扫描，直至上下文取消。
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("僵死仓位监控启动",
		zap.Duration("interval", m.cfg.Interval),
		zap.Duration("max_position_age", m.cfg.MaxPositionAge),
		zap.Float64("runaway_loss_usd", m.cfg.RunawayLossUSD),
	)

	m.ScanOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("僵死仓位监控退出")
			return ctx.Err()
		case <-ticker.C:
			m.ScanOnce(ctx)
		}
	}
}

// ScanOnce 扫描一轮账本，返回本轮新移交恢复的仓位数。扫描
// 幂等：已移交且仍在恢复中的仓位不会重复触发。
func (m *Monitor) ScanOnce(ctx context.Context) int {
	now := time.Now().UTC()
	handed := 0

	for _, pos := range m.book.GetAll() {
		if pos.Quantity == 0 {
			continue
		}

		classification, reason := m.classify(pos, now)
		if classification == "" {
			// 不再命中任何条件时允许将来再次移交
			m.forget(pos.ID())
			continue
		}

		if m.seen(pos.ID()) || m.exec.InRecovery(pos.ID()) {
			m.remember(pos.ID())
			continue
		}

		alert := recovery.Alert{
			Position:       pos,
			Classification: classification,
			DetectedAt:     now,
			Reason:         reason,
		}
		if m.exec.BeginRecovery(ctx, alert) {
			handed++
			m.logger.Error("发现僵死仓位，已移交恢复",
				zap.String("position", pos.ID()),
				zap.String("classification", string(classification)),
				zap.String("reason", reason),
				zap.Float64("quantity", pos.Quantity),
			)
		}
		m.remember(pos.ID())
	}

	return handed
}

// classify 返回仓位命中的最严重分类，未命中返回空串。
func (m *Monitor) classify(pos ledger.Position, now time.Time) (recovery.Classification, string) {
	if reason, ok := m.stuckExit(pos, now); ok {
		return recovery.ClassStuckExit, reason
	}

	maxAge := m.cfg.MaxAgeFor(pos.Strategy)
	if age := pos.Age(now); maxAge > 0 && age >= maxAge {
		return recovery.ClassAgedOut, fmt.Sprintf("持仓 %s 超过上限 %s", age.Round(time.Second), maxAge)
	}

	if pos.UnrealizedPnl <= m.cfg.RunawayLossUSD {
		return recovery.ClassRunawayLoss, fmt.Sprintf("浮亏 %.2f 突破阈值 %.2f", pos.UnrealizedPnl, m.cfg.RunawayLossUSD)
	}

	return "", ""
}

// stuckExit 判断离场是否僵死：最近一次离场委托已失败，静默期内
// 没有新的尝试，且委托提交已超过最短观察时间。
func (m *Monitor) stuckExit(pos ledger.Position, now time.Time) (string, bool) {
	exit := pos.ExitOrder
	if exit == nil {
		return "", false
	}

	switch exit.State {
	case broker.OrderStateFailed, broker.OrderStateRejected, broker.OrderStateCanceled:
	default:
		return "", false
	}

	lastAttempt := exit.LastAttemptAt
	if lastAttempt.IsZero() {
		lastAttempt = exit.SubmittedAt
	}
	if lastAttempt.IsZero() {
		return "", false
	}

	if now.Sub(exit.SubmittedAt) < m.cfg.StuckExitAge {
		return "", false
	}
	if quiet := now.Sub(lastAttempt); quiet >= m.cfg.RetryQuiet {
		return fmt.Sprintf("离场委托 %s 状态 %s，已静默 %s", exit.OrderID, exit.State, quiet.Round(time.Second)), true
	}
	return "", false
}

func (m *Monitor) seen(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.known[id]
	return ok
}

// remember 将仓位记入已移交集合，容量有界，超出时淘汰最旧项。
func (m *Monitor) remember(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.known[id]; ok {
		return
	}
	m.known[id] = struct{}{}
	m.order = append(m.order, id)

	if max := m.cfg.KnownStuckCap; max > 0 {
		for len(m.order) > max {
			oldest := m.order[0]
			m.order = m.order[1:]
			delete(m.known, oldest)
		}
	}
}

func (m *Monitor) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.known[id]; !ok {
		return
	}
	delete(m.known, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}
