// Package recovery 实现五级升级式的紧急平仓执行器。每个被标记的
// 仓位对应一次独立运行：级别只升不降，级别超时或成交确认驱动状态
// 转移，动作失败不会提前升级。运行状态跨重启持久化，重启后级别
// 一律按经过时间重新推算。
package recovery

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"position-guard/internal/broker"
	"position-guard/internal/config"
	"position-guard/internal/ledger"
	"position-guard/internal/notify"
)

type runStore interface {
	SaveRun(ctx context.Context, rec RunRecord) error
	DeleteRun(ctx context.Context, positionID string) error
	RecordIncident(ctx context.Context, inc Incident) error
}

type alertSink interface {
	Notify(ctx context.Context, severity notify.Severity, title, body string)
}

type safetySwitch interface {
	EnterCloseOnlyMode()
	RaiseKillFlag()
}

// Executor 驱动仓位恢复运行。每个 positionId 至多一次在途运行，
// 不同仓位的运行彼此独立。
type Executor struct {
	gateway broker.Gateway
	book    ledger.Ledger
	store   runStore
	alerts  alertSink
	safety  safetySwitch
	cfg     config.RecoveryConfig
	logger  *zap.Logger

	mu     sync.Mutex
	active map[string]*run
	wg     sync.WaitGroup
}

// NewExecutor 创建执行器。
func NewExecutor(gateway broker.Gateway, book ledger.Ledger, store runStore, alerts alertSink, safety safetySwitch, cfg config.RecoveryConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		gateway: gateway,
		book:    book,
		store:   store,
		alerts:  alerts,
		safety:  safety,
		cfg:     cfg,
		logger:  logger,
		active:  make(map[string]*run),
	}
}

// BeginRecovery 为告警仓位启动恢复运行。幂等：positionId 已有
// 在途运行时为空操作并返回 false（compare-and-set 语义）。
func (e *Executor) BeginRecovery(ctx context.Context, alert Alert) bool {
	id := alert.Position.ID()

	e.mu.Lock()
	if _, exists := e.active[id]; exists {
		e.mu.Unlock()
		return false
	}

	r := &run{
		alert:      alert,
		positionID: id,
		symbol:     alert.Position.Symbol,
		startedAt:  time.Now().UTC(),
		level:      LevelSmartRetry,
		outcome:    OutcomePending,
		lastQty:    alert.Position.Quantity,
	}
	e.active[id] = r
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.Warn("开始仓位恢复",
		zap.String("position", id),
		zap.String("classification", string(alert.Classification)),
		zap.String("reason", alert.Reason),
		zap.Float64("quantity", alert.Position.Quantity),
	)

	e.persist(ctx, r)
	go e.runLoop(ctx, r)
	return true
}

// Resume 从持久化记录续跑一次恢复。级别按经过时间重新推算，
// 从不采信存储值：崩溃既不会让运行回到一级，也不会丢失运行。
func (e *Executor) Resume(ctx context.Context, rec RunRecord) bool {
	elapsed := time.Since(rec.StartedAt)
	level := LevelFromElapsed(e.cfg, elapsed)

	e.mu.Lock()
	if _, exists := e.active[rec.PositionID]; exists {
		e.mu.Unlock()
		return false
	}

	r := &run{
		alert: Alert{
			Position: ledger.Position{
				Symbol:    rec.Symbol,
				Quantity:  rec.Quantity,
				Direction: ledger.DirectionOf(rec.Quantity),
			},
			Classification: rec.Classification,
			DetectedAt:     rec.StartedAt,
			Reason:         rec.Reason,
		},
		positionID: rec.PositionID,
		symbol:     rec.Symbol,
		startedAt:  rec.StartedAt,
		level:      level,
		outcome:    OutcomePending,
		lastQty:    rec.Quantity,
	}
	e.active[rec.PositionID] = r
	e.wg.Add(1)
	e.mu.Unlock()

	r.record(level, "resume", fmt.Sprintf("elapsed=%s stored_level=%s", elapsed.Round(time.Second), rec.LastLevel))
	e.logger.Warn("续跑在途恢复",
		zap.String("position", rec.PositionID),
		zap.Duration("elapsed", elapsed),
		zap.Stringer("stored_level", rec.LastLevel),
		zap.Stringer("effective_level", level),
	)

	e.persist(ctx, r)
	go e.runLoop(ctx, r)
	return true
}

// InRecovery 返回仓位是否处于恢复中。
func (e *Executor) InRecovery(positionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[positionID]
	return ok
}

// Active 返回全部在途运行的快照。
func (e *Executor) Active() []RunSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]RunSnapshot, 0, len(e.active))
	for _, r := range e.active {
		out = append(out, r.snapshot())
	}
	return out
}

// Shutdown 等待全部在途运行退出，最长等待 timeout。
func (e *Executor) Shutdown(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		e.logger.Warn("等待恢复运行退出超时", zap.Duration("timeout", timeout))
	}
}

type waitResult int

const (
	waitTimeout waitResult = iota
	waitResolved
	waitCanceled
)

func (e *Executor) runLoop(ctx context.Context, r *run) {
	defer e.wg.Done()

	for {
		if flat, ok := e.checkFlat(ctx, r); ok && flat {
			e.resolve(ctx, r)
			return
		}

		e.enterLevel(ctx, r)

		switch e.waitLevel(ctx, r) {
		case waitResolved:
			e.resolve(ctx, r)
			return
		case waitCanceled:
			e.suspend(r)
			return
		case waitTimeout:
			// 绝对停机时限已过时逐级补齐状态转移直至五级，
			// 保证级别序列单调且不跳级。
			if time.Since(r.started()) >= e.cfg.ShutdownAfter {
				for r.currentLevel() < LevelSystemShutdown {
					e.escalate(ctx, r)
				}
			} else {
				e.escalate(ctx, r)
			}
		}
	}
}

// waitLevel 等待当前级别结束：成交确认、级别超时或取消。
// 四级起每个重试周期追加市价委托，五级永不超时。
func (e *Executor) waitLevel(ctx context.Context, r *run) waitResult {
	level := r.currentLevel()

	var deadlineCh <-chan time.Time
	if level < LevelSystemShutdown {
		deadline := r.started().Add(cumulativeEnd(e.cfg, level))
		if shutdownAt := r.started().Add(e.cfg.ShutdownAfter); shutdownAt.Before(deadline) {
			deadline = shutdownAt
		}
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		deadlineCh = timer.C
	}

	poll := time.NewTicker(e.cfg.PollInterval)
	defer poll.Stop()

	var retryCh <-chan time.Time
	if level >= LevelHumanEscalation {
		retry := time.NewTicker(e.cfg.RetryInterval)
		defer retry.Stop()
		retryCh = retry.C
	}

	for {
		select {
		case <-ctx.Done():
			return waitCanceled
		case <-deadlineCh:
			return waitTimeout
		case <-retryCh:
			e.submitMarketRetry(ctx, r)
		case <-poll.C:
			if e.pollFill(ctx, r) {
				return waitResolved
			}
		}
	}
}

func (e *Executor) escalate(ctx context.Context, r *run) {
	from, to := r.advance()
	elapsed := time.Since(r.started())

	r.record(to, "escalate", fmt.Sprintf("from=%s", from))
	e.logger.Warn("恢复升级",
		zap.String("position", r.positionID),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Duration("elapsed", elapsed),
	)
	e.persist(ctx, r)
}

// pollFill 结算在途市价委托的滑点并检查是否已平。
func (e *Executor) pollFill(ctx context.Context, r *run) bool {
	if orderID, mid := r.pending(); orderID != "" {
		status, err := e.gateway.OrderStatus(ctx, orderID, r.symbol)
		switch {
		case err != nil:
			e.logger.Debug("查询委托状态失败",
				zap.String("position", r.positionID),
				zap.String("order_id", orderID),
				zap.Error(err),
			)
		case status.State == broker.OrderStateFilled:
			if status.AvgFillPrice > 0 && mid > 0 {
				slip := math.Abs(status.AvgFillPrice - mid)
				r.addSlippage(slip)
				r.record(r.currentLevel(), "fill", fmt.Sprintf("order=%s avg=%.4f slippage=%.4f", orderID, status.AvgFillPrice, slip))
				e.logger.Info("市价委托成交",
					zap.String("position", r.positionID),
					zap.String("order_id", orderID),
					zap.Float64("avg_fill", status.AvgFillPrice),
					zap.Float64("slippage", slip),
				)
			}
			r.clearPending()
		case status.State.Terminal():
			r.record(r.currentLevel(), "order_terminal", fmt.Sprintf("order=%s state=%s", orderID, status.State))
			r.clearPending()
		}
	}

	flat, ok := e.checkFlat(ctx, r)
	return ok && flat
}

// checkFlat 以经纪商持仓为准判断是否已平。查询失败按结果未知
// 处理，不视为已平。
func (e *Executor) checkFlat(ctx context.Context, r *run) (flat bool, ok bool) {
	positions, err := e.gateway.OpenPositions(ctx)
	if err != nil {
		e.logger.Debug("获取经纪商持仓失败",
			zap.String("position", r.positionID),
			zap.Error(err),
		)
		return false, false
	}

	for _, pos := range positions {
		if pos.Symbol == r.symbol {
			r.setQty(pos.Quantity)
			return pos.Quantity == 0, true
		}
	}

	r.setQty(0)
	return true, true
}

func (e *Executor) resolve(ctx context.Context, r *run) {
	finishedAt := time.Now().UTC()
	level, slippage := r.finish(OutcomeResolved)
	duration := finishedAt.Sub(r.started())

	r.record(level, "resolved", fmt.Sprintf("duration=%s slippage=%.4f", duration.Round(time.Millisecond), slippage))

	wctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	incident := Incident{
		ID:             uuid.NewString(),
		PositionID:     r.positionID,
		Symbol:         r.symbol,
		Classification: r.alert.Classification,
		Outcome:        OutcomeResolved,
		FinalLevel:     level,
		StartedAt:      r.started(),
		FinishedAt:     finishedAt,
		Duration:       duration,
		Slippage:       slippage,
		Actions:        r.actionLog(),
	}

	if err := e.store.RecordIncident(wctx, incident); err != nil {
		e.logger.Error("写入恢复事件归档失败", zap.String("position", r.positionID), zap.Error(err))
	}
	if err := e.store.DeleteRun(wctx, r.positionID); err != nil {
		e.logger.Warn("清除持久化运行记录失败", zap.String("position", r.positionID), zap.Error(err))
	}

	e.book.Clear(r.symbol)
	e.release(r.positionID)

	e.logger.Info("仓位恢复完成",
		zap.String("position", r.positionID),
		zap.Stringer("final_level", level),
		zap.Duration("duration", duration),
		zap.Float64("slippage", slippage),
	)

	if level >= LevelHumanEscalation {
		e.alerts.Notify(wctx, notify.SeverityInfo,
			"仓位恢复完成",
			fmt.Sprintf("position=%s final_level=%s duration=%s slippage=%.4f", r.positionID, level, duration.Round(time.Second), slippage),
		)
	}
}

// suspend 在进程退出时持久化最终快照后放行，等待重启续跑。
func (e *Executor) suspend(r *run) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	e.persist(ctx, r)
	e.release(r.positionID)

	e.logger.Info("恢复运行已挂起，等待重启续跑",
		zap.String("position", r.positionID),
		zap.Stringer("level", r.currentLevel()),
		zap.Duration("elapsed", time.Since(r.started())),
	)
}

func (e *Executor) persist(ctx context.Context, r *run) {
	rec := RunRecord{
		PositionID:     r.positionID,
		Symbol:         r.symbol,
		Classification: r.alert.Classification,
		Reason:         r.alert.Reason,
		Quantity:       r.qty(),
		StartedAt:      r.started(),
		LastLevel:      r.currentLevel(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := e.store.SaveRun(ctx, rec); err != nil {
		e.logger.Warn("持久化运行状态失败", zap.String("position", r.positionID), zap.Error(err))
	}
}

func (e *Executor) release(positionID string) {
	e.mu.Lock()
	delete(e.active, positionID)
	e.mu.Unlock()
}

// run 为单个仓位的恢复运行状态。字段由运行协程写入，
// 状态接口并发读取，互斥锁保护。
type run struct {
	mu             sync.Mutex
	alert          Alert
	positionID     string
	symbol         string
	startedAt      time.Time
	level          Level
	outcome        Outcome
	slippage       float64
	actions        []ActionRecord
	lastQty        float64
	pendingOrderID string
	pendingMid     float64
}

func (r *run) started() time.Time {
	return r.startedAt
}

func (r *run) currentLevel() Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.level
}

func (r *run) advance() (from, to Level) {
	r.mu.Lock()
	defer r.mu.Unlock()
	from = r.level
	r.level++
	return from, r.level
}

func (r *run) qty() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastQty
}

func (r *run) setQty(qty float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastQty = qty
}

func (r *run) pending() (orderID string, mid float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingOrderID, r.pendingMid
}

func (r *run) setPending(orderID string, mid float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingOrderID = orderID
	r.pendingMid = mid
}

func (r *run) clearPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingOrderID = ""
	r.pendingMid = 0
}

func (r *run) addSlippage(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slippage += v
}

func (r *run) finish(outcome Outcome) (Level, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcome = outcome
	return r.level, r.slippage
}

func (r *run) record(level Level, action, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, ActionRecord{
		Level:     level,
		Action:    action,
		Result:    result,
		Timestamp: time.Now().UTC(),
	})
}

func (r *run) actionLog() []ActionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ActionRecord, len(r.actions))
	copy(out, r.actions)
	return out
}

func (r *run) snapshot() RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	actions := make([]ActionRecord, len(r.actions))
	copy(actions, r.actions)

	return RunSnapshot{
		PositionID:     r.positionID,
		Symbol:         r.symbol,
		Classification: r.alert.Classification,
		Level:          r.level,
		LevelName:      r.level.String(),
		StartedAt:      r.startedAt,
		Outcome:        r.outcome,
		Slippage:       r.slippage,
		Actions:        actions,
	}
}
