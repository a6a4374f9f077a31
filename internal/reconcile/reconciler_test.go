package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"position-guard/internal/broker"
	"position-guard/internal/config"
	"position-guard/internal/ledger"
	"position-guard/internal/recovery"
)

type stubGateway struct {
	mu        sync.Mutex
	positions []broker.Position
	err       error
}

func (s *stubGateway) OpenPositions(context.Context) ([]broker.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]broker.Position, len(s.positions))
	copy(out, s.positions)
	return out, nil
}

func (s *stubGateway) SubmitOrder(context.Context, broker.OrderRequest) (string, error) {
	return "", errors.New("对账器不应下单")
}

func (s *stubGateway) CancelOrder(context.Context, string, string) error {
	return errors.New("对账器不应撤单")
}

func (s *stubGateway) OrderStatus(context.Context, string, string) (broker.OrderStatus, error) {
	return broker.OrderStatus{}, errors.New("未实现")
}

func (s *stubGateway) OpenOrders(context.Context, string) ([]broker.OrderStatus, error) {
	return nil, nil
}

func (s *stubGateway) BookTop(context.Context, string) (broker.BookTop, error) {
	return broker.BookTop{}, errors.New("未实现")
}

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

func testReconcilerConfig() config.ReconcilerConfig {
	return config.ReconcilerConfig{Interval: time.Minute, History: 5}
}

func TestReconcileMismatchBrokerWins(t *testing.T) {
	gw := &stubGateway{positions: []broker.Position{
		{Symbol: "BTC/USDT:USDT", Quantity: 2.0},
	}}
	book := ledger.NewMemory()
	book.Put(ledger.Position{
		Symbol:   "BTC/USDT:USDT",
		Quantity: 1.5,
		OpenedAt: time.Now().UTC().Add(-time.Hour),
		Strategy: "swing",
	})

	r := NewReconciler(gw, book, newStubRecoverer(), testReconcilerConfig(), nil)

	summary, err := r.ReconcileOnce(context.Background())
	if err != nil {
		t.Fatalf("ReconcileOnce 出错: %v", err)
	}
	if summary.Mismatched != 1 || summary.Matched != 0 {
		t.Fatalf("统计不符: %+v", summary)
	}

	pos, ok := book.Get("BTC/USDT:USDT")
	if !ok {
		t.Fatal("账本仓位不应被清除")
	}
	if pos.Quantity != 2.0 {
		t.Fatalf("数量 = %.2f, 期望经纪商侧的 2.0", pos.Quantity)
	}
	if pos.Strategy != "swing" {
		t.Fatal("覆盖数量时应保留策略信息")
	}

	// 第二轮应收敛为一致
	summary, err = r.ReconcileOnce(context.Background())
	if err != nil {
		t.Fatalf("第二轮对账出错: %v", err)
	}
	if summary.Matched != 1 || summary.Mismatched != 0 {
		t.Fatalf("第二轮统计不符: %+v", summary)
	}
}

func TestReconcileGhostHandsOffWithoutLedgerWrite(t *testing.T) {
	gw := &stubGateway{positions: []broker.Position{
		{Symbol: "ETH/USDT:USDT", Quantity: -3.0},
	}}
	book := ledger.NewMemory()
	rec := newStubRecoverer()

	r := NewReconciler(gw, book, rec, testReconcilerConfig(), nil)

	summary, err := r.ReconcileOnce(context.Background())
	if err != nil {
		t.Fatalf("ReconcileOnce 出错: %v", err)
	}
	if summary.Ghosts != 1 {
		t.Fatalf("Ghosts = %d, 期望 1", summary.Ghosts)
	}

	if len(rec.alerts) != 1 {
		t.Fatalf("告警数 = %d, 期望 1", len(rec.alerts))
	}
	alert := rec.alerts[0]
	if alert.Classification != recovery.ClassGhost {
		t.Fatalf("分类 = %s, 期望 %s", alert.Classification, recovery.ClassGhost)
	}
	if alert.Position.Quantity != -3.0 || alert.Position.Direction != ledger.DirectionShort {
		t.Fatalf("告警仓位不符: %+v", alert.Position)
	}

	// 幽灵仓位不写账本
	if _, ok := book.Get("ETH/USDT:USDT"); ok {
		t.Fatal("幽灵仓位不应写入账本")
	}

	// 已在恢复中的幽灵不重复移交
	summary, _ = r.ReconcileOnce(context.Background())
	if summary.Ghosts != 1 {
		t.Fatalf("第二轮 Ghosts = %d, 期望 1", summary.Ghosts)
	}
	if len(rec.alerts) != 1 {
		t.Fatalf("重复移交: 告警数 = %d", len(rec.alerts))
	}
}

func TestReconcilePhantomCleared(t *testing.T) {
	gw := &stubGateway{}
	book := ledger.NewMemory()
	book.Put(ledger.Position{Symbol: "SOL/USDT:USDT", Quantity: 10})

	r := NewReconciler(gw, book, newStubRecoverer(), testReconcilerConfig(), nil)

	summary, err := r.ReconcileOnce(context.Background())
	if err != nil {
		t.Fatalf("ReconcileOnce 出错: %v", err)
	}
	if summary.Phantoms != 1 {
		t.Fatalf("Phantoms = %d, 期望 1", summary.Phantoms)
	}
	if _, ok := book.Get("SOL/USDT:USDT"); ok {
		t.Fatal("残影仓位应被清除")
	}
}

func TestReconcileBrokerFailureSkipsRun(t *testing.T) {
	gw := &stubGateway{err: errors.New("交易所维护中")}
	book := ledger.NewMemory()
	book.Put(ledger.Position{Symbol: "BTC/USDT:USDT", Quantity: 1})

	r := NewReconciler(gw, book, newStubRecoverer(), testReconcilerConfig(), nil)

	if _, err := r.ReconcileOnce(context.Background()); err == nil {
		t.Fatal("经纪商查询失败应返回错误")
	}

	// 整轮跳过：账本保持原样，不记入历史
	if pos, ok := book.Get("BTC/USDT:USDT"); !ok || pos.Quantity != 1 {
		t.Fatal("查询失败时账本不应被修改")
	}
	if len(r.Summaries()) != 0 {
		t.Fatal("失败的轮次不应记入历史")
	}
}

func TestSummariesBounded(t *testing.T) {
	gw := &stubGateway{}
	r := NewReconciler(gw, ledger.NewMemory(), newStubRecoverer(), testReconcilerConfig(), nil)

	for i := 0; i < 8; i++ {
		if _, err := r.ReconcileOnce(context.Background()); err != nil {
			t.Fatalf("ReconcileOnce 出错: %v", err)
		}
	}
	if got := len(r.Summaries()); got != 5 {
		t.Fatalf("历史长度 = %d, 期望受限于 5", got)
	}
}
