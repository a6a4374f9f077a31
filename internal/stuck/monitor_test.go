package stuck

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"position-guard/internal/broker"
	"position-guard/internal/config"
	"position-guard/internal/ledger"
	"position-guard/internal/recovery"
)

type stubRecoverer struct {
	mu     sync.Mutex
	alerts []recovery.Alert
	active map[string]bool
}

func newStubRecoverer() *stubRecoverer {
	return &stubRecoverer{active: make(map[string]bool)}
}

func (s *stubRecoverer) BeginRecovery(_ context.Context, alert recovery.Alert) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := alert.Position.ID()
	if s.active[id] {
		return false
	}
	s.active[id] = true
	s.alerts = append(s.alerts, alert)
	return true
}

func (s *stubRecoverer) InRecovery(positionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[positionID]
}

func (s *stubRecoverer) release(positionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, positionID)
}

func (s *stubRecoverer) alertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func testMonitorConfig() config.MonitorConfig {
	return config.MonitorConfig{
		Interval:       30 * time.Second,
		MaxPositionAge: 4 * time.Hour,
		StrategyMaxAge: map[string]time.Duration{"scalp": 30 * time.Minute},
		RunawayLossUSD: -500,
		StuckExitAge:   5 * time.Minute,
		RetryQuiet:     2 * time.Minute,
		KnownStuckCap:  256,
	}
}

func healthyPosition(symbol string) ledger.Position {
	return ledger.Position{
		Symbol:        symbol,
		Quantity:      1,
		Direction:     ledger.DirectionLong,
		UnrealizedPnl: -10,
		OpenedAt:      time.Now().UTC().Add(-time.Hour),
	}
}

func TestClassifyAgedOut(t *testing.T) {
	book := ledger.NewMemory()
	rec := newStubRecoverer()
	m := NewMonitor(book, rec, testMonitorConfig(), nil)

	pos := healthyPosition("BTC/USDT:USDT")
	pos.OpenedAt = time.Now().UTC().Add(-5 * time.Hour)
	book.Put(pos)

	if got := m.ScanOnce(context.Background()); got != 1 {
		t.Fatalf("移交数 = %d, 期望 1", got)
	}
	if rec.alerts[0].Classification != recovery.ClassAgedOut {
		t.Fatalf("分类 = %s, 期望 %s", rec.alerts[0].Classification, recovery.ClassAgedOut)
	}
}

func TestClassifyStrategyMaxAge(t *testing.T) {
	book := ledger.NewMemory()
	rec := newStubRecoverer()
	m := NewMonitor(book, rec, testMonitorConfig(), nil)

	// scalp 策略 30 分钟上限，普通仓位 1 小时还不到全局 4 小时上限
	pos := healthyPosition("BTC/USDT:USDT")
	pos.Strategy = "scalp"
	book.Put(pos)
	book.Put(healthyPosition("ETH/USDT:USDT"))

	if got := m.ScanOnce(context.Background()); got != 1 {
		t.Fatalf("移交数 = %d, 期望 1", got)
	}
	if rec.alerts[0].Position.Symbol != "BTC/USDT:USDT" {
		t.Fatalf("移交对象 = %s, 期望 scalp 仓位", rec.alerts[0].Position.Symbol)
	}
}

func TestClassifyRunawayLoss(t *testing.T) {
	book := ledger.NewMemory()
	rec := newStubRecoverer()
	m := NewMonitor(book, rec, testMonitorConfig(), nil)

	pos := healthyPosition("ETH/USDT:USDT")
	pos.UnrealizedPnl = -650
	book.Put(pos)

	m.ScanOnce(context.Background())
	if rec.alertCount() != 1 || rec.alerts[0].Classification != recovery.ClassRunawayLoss {
		t.Fatalf("告警不符: %+v", rec.alerts)
	}
}

func TestClassifyStuckExit(t *testing.T) {
	book := ledger.NewMemory()
	rec := newStubRecoverer()
	m := NewMonitor(book, rec, testMonitorConfig(), nil)

	now := time.Now().UTC()
	pos := healthyPosition("BTC/USDT:USDT")
	pos.ExitOrder = &ledger.ExitOrder{
		OrderID:       "exit-1",
		Type:          broker.OrderTypeLimit,
		State:         broker.OrderStateFailed,
		SubmittedAt:   now.Add(-10 * time.Minute),
		LastAttemptAt: now.Add(-3 * time.Minute),
	}
	book.Put(pos)

	m.ScanOnce(context.Background())
	if rec.alertCount() != 1 || rec.alerts[0].Classification != recovery.ClassStuckExit {
		t.Fatalf("告警不符: %+v", rec.alerts)
	}
}

func TestStuckExitQuietWindowNotElapsed(t *testing.T) {
	book := ledger.NewMemory()
	rec := newStubRecoverer()
	m := NewMonitor(book, rec, testMonitorConfig(), nil)

	now := time.Now().UTC()
	pos := healthyPosition("BTC/USDT:USDT")
	pos.ExitOrder = &ledger.ExitOrder{
		OrderID:       "exit-1",
		State:         broker.OrderStateFailed,
		SubmittedAt:   now.Add(-10 * time.Minute),
		LastAttemptAt: now.Add(-30 * time.Second),
	}
	book.Put(pos)

	// 最近仍有重试尝试，不算僵死
	if got := m.ScanOnce(context.Background()); got != 0 {
		t.Fatalf("移交数 = %d, 期望 0", got)
	}
}

func TestPrecedenceStuckExitOverOthers(t *testing.T) {
	book := ledger.NewMemory()
	rec := newStubRecoverer()
	m := NewMonitor(book, rec, testMonitorConfig(), nil)

	// 同时命中三类条件，应按离场失败归类
	now := time.Now().UTC()
	pos := healthyPosition("BTC/USDT:USDT")
	pos.OpenedAt = now.Add(-10 * time.Hour)
	pos.UnrealizedPnl = -900
	pos.ExitOrder = &ledger.ExitOrder{
		OrderID:       "exit-1",
		State:         broker.OrderStateRejected,
		SubmittedAt:   now.Add(-20 * time.Minute),
		LastAttemptAt: now.Add(-10 * time.Minute),
	}
	book.Put(pos)

	m.ScanOnce(context.Background())
	if rec.alerts[0].Classification != recovery.ClassStuckExit {
		t.Fatalf("分类 = %s, 期望 %s", rec.alerts[0].Classification, recovery.ClassStuckExit)
	}
}

func TestScanIdempotent(t *testing.T) {
	book := ledger.NewMemory()
	rec := newStubRecoverer()
	m := NewMonitor(book, rec, testMonitorConfig(), nil)

	pos := healthyPosition("BTC/USDT:USDT")
	pos.UnrealizedPnl = -700
	book.Put(pos)

	m.ScanOnce(context.Background())
	m.ScanOnce(context.Background())
	m.ScanOnce(context.Background())
	if rec.alertCount() != 1 {
		t.Fatalf("告警数 = %d, 重复扫描不应重复移交", rec.alertCount())
	}
}

func TestRehandOffAfterRecoveryFinished(t *testing.T) {
	book := ledger.NewMemory()
	rec := newStubRecoverer()
	m := NewMonitor(book, rec, testMonitorConfig(), nil)

	pos := healthyPosition("BTC/USDT:USDT")
	pos.UnrealizedPnl = -700
	book.Put(pos)

	m.ScanOnce(context.Background())

	// 恢复结束后浮亏回到阈值内，已移交记录被遗忘
	rec.release("BTC/USDT:USDT")
	pos.UnrealizedPnl = -100
	book.Put(pos)
	m.ScanOnce(context.Background())

	// 再次恶化允许再次移交
	pos.UnrealizedPnl = -800
	book.Put(pos)
	if got := m.ScanOnce(context.Background()); got != 1 {
		t.Fatalf("移交数 = %d, 期望恢复结束后可再次移交", got)
	}
	if rec.alertCount() != 2 {
		t.Fatalf("告警总数 = %d, 期望 2", rec.alertCount())
	}
}

func TestKnownSetBounded(t *testing.T) {
	cfg := testMonitorConfig()
	cfg.KnownStuckCap = 4

	book := ledger.NewMemory()
	rec := newStubRecoverer()
	m := NewMonitor(book, rec, cfg, nil)

	for i := 0; i < 10; i++ {
		pos := healthyPosition(fmt.Sprintf("SYM%d/USDT:USDT", i))
		pos.UnrealizedPnl = -900
		book.Put(pos)
	}
	m.ScanOnce(context.Background())

	m.mu.Lock()
	size := len(m.known)
	m.mu.Unlock()
	if size > 4 {
		t.Fatalf("已移交集合大小 = %d, 超过上限 4", size)
	}
	// 上限只约束内存，不影响移交本身
	if rec.alertCount() != 10 {
		t.Fatalf("告警数 = %d, 期望 10", rec.alertCount())
	}
}
