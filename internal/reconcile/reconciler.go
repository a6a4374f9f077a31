// Package reconcile 周期性对账：以经纪商持仓为事实基准修正
// 本地账本，发现幽灵仓位时移交恢复执行器。
package reconcile

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"position-guard/internal/broker"
	"position-guard/internal/config"
	"position-guard/internal/ledger"
	"position-guard/internal/recovery"
)

const qtyEpsilon = 1e-9

type recoverer interface {
	BeginRecovery(ctx context.Context, alert recovery.Alert) bool
	InRecovery(positionID string) bool
}

// Summary 为单轮对账的结果统计。
type Summary struct {
	RanAt      time.Time `json:"ran_at"`
	Matched    int       `json:"matched"`
	Mismatched int       `json:"mismatched"`
	Ghosts     int       `json:"ghosts"`
	Phantoms   int       `json:"phantoms"`
}

// Reconciler 比对账本与经纪商持仓并收敛差异。
type Reconciler struct {
	gateway broker.Gateway
	book    ledger.Ledger
	exec    recoverer
	cfg     config.ReconcilerConfig
	logger  *zap.Logger

	mu      sync.Mutex
	history []Summary
}

// NewReconciler 创建对账器。
func NewReconciler(gateway broker.Gateway, book ledger.Ledger, exec recoverer, cfg config.ReconcilerConfig, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		gateway: gateway,
		book:    book,
		exec:    exec,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run 按配置间隔循环对账，直至上下文取消。
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("对账器启动", zap.Duration("interval", r.cfg.Interval))

	if _, err := r.ReconcileOnce(ctx); err != nil {
		r.logger.Warn("对账失败，本轮跳过", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("对账器退出")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.ReconcileOnce(ctx); err != nil {
				r.logger.Warn("对账失败，本轮跳过", zap.Error(err))
			}
		}
	}
}

// ReconcileOnce 执行一轮对账。经纪商查询失败时整轮放弃，
// 账本保持原样，宁可信息滞后也不做半程修正。
func (r *Reconciler) ReconcileOnce(ctx context.Context) (Summary, error) {
	brokerPositions, err := r.gateway.OpenPositions(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("获取经纪商持仓失败: %w", err)
	}

	brokerBySymbol := make(map[string]broker.Position, len(brokerPositions))
	for _, pos := range brokerPositions {
		if pos.Quantity == 0 {
			continue
		}
		brokerBySymbol[pos.Symbol] = pos
	}

	summary := Summary{RanAt: time.Now().UTC()}
	local := r.book.GetAll()
	localSymbols := make(map[string]struct{}, len(local))

	for _, pos := range local {
		localSymbols[pos.Symbol] = struct{}{}

		bp, onBroker := brokerBySymbol[pos.Symbol]
		if !onBroker {
			// 账本有、经纪商没有：本地残影，直接清除
			summary.Phantoms++
			r.book.Clear(pos.Symbol)
			r.logger.Warn("清除账本残影仓位",
				zap.String("symbol", pos.Symbol),
				zap.Float64("ledger_qty", pos.Quantity),
			)
			continue
		}

		if math.Abs(bp.Quantity-pos.Quantity) <= qtyEpsilon {
			summary.Matched++
			continue
		}

		// 数量不一致以经纪商为准覆盖
		summary.Mismatched++
		r.book.Upsert(pos.Symbol, bp.Quantity, ledger.DirectionOf(bp.Quantity))
		r.logger.Warn("账本数量与经纪商不一致，已按经纪商覆盖",
			zap.String("symbol", pos.Symbol),
			zap.Float64("ledger_qty", pos.Quantity),
			zap.Float64("broker_qty", bp.Quantity),
		)
	}

	for symbol, bp := range brokerBySymbol {
		if _, ok := localSymbols[symbol]; ok {
			continue
		}

		// 经纪商有、账本没有：幽灵仓位。不写账本，由恢复执行器
		// 每轮直接向经纪商取数平仓。
		summary.Ghosts++
		if r.exec.InRecovery(symbol) {
			continue
		}

		alert := recovery.Alert{
			Position: ledger.Position{
				Symbol:    symbol,
				Quantity:  bp.Quantity,
				Direction: ledger.DirectionOf(bp.Quantity),
			},
			Classification: recovery.ClassGhost,
			DetectedAt:     summary.RanAt,
			Reason:         fmt.Sprintf("经纪商持仓 %.4f 在账本中不存在", bp.Quantity),
		}
		if r.exec.BeginRecovery(ctx, alert) {
			r.logger.Error("发现幽灵仓位，已移交恢复",
				zap.String("symbol", symbol),
				zap.Float64("broker_qty", bp.Quantity),
			)
		}
	}

	r.appendSummary(summary)

	r.logger.Debug("对账完成",
		zap.Int("matched", summary.Matched),
		zap.Int("mismatched", summary.Mismatched),
		zap.Int("ghosts", summary.Ghosts),
		zap.Int("phantoms", summary.Phantoms),
	)
	return summary, nil
}

// Summaries 返回最近若干轮对账结果，按时间正序。
func (r *Reconciler) Summaries() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Summary, len(r.history))
	copy(out, r.history)
	return out
}

func (r *Reconciler) appendSummary(s Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.history = append(r.history, s)
	if max := r.cfg.History; max > 0 && len(r.history) > max {
		r.history = r.history[len(r.history)-max:]
	}
}
