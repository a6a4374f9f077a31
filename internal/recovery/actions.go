package recovery

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"position-guard/internal/broker"
	"position-guard/internal/notify"
)

// enterLevel 执行进入当前级别时的一次性动作。动作提交失败按
// "已尝试、结果未知"处理并记录，级别计时器照常运行，下一次
// 转移仍由超时或成交确认驱动。
func (e *Executor) enterLevel(ctx context.Context, r *run) {
	level := r.currentLevel()

	defer func() {
		if rec := recover(); rec != nil {
			r.record(level, "panic", fmt.Sprintf("%v", rec))
			e.logger.Error("级别动作发生 panic",
				zap.String("position", r.positionID),
				zap.Stringer("level", level),
				zap.Any("panic", rec),
			)
		}
	}()

	var err error
	switch level {
	case LevelSmartRetry:
		err = e.actionSmartRetry(ctx, r)
	case LevelFreshStart:
		err = e.actionFreshStart(ctx, r)
	case LevelMarketOrder:
		err = e.actionMarketOrder(ctx, r)
	case LevelHumanEscalation:
		err = e.actionHumanEscalation(ctx, r)
	case LevelSystemShutdown:
		err = e.actionSystemShutdown(ctx, r)
	}

	if err != nil {
		r.record(level, "action_error", err.Error())
		e.logger.Warn("级别动作执行失败，按结果未知处理",
			zap.String("position", r.positionID),
			zap.Stringer("level", level),
			zap.Error(err),
		)
	}
}

// actionSmartRetry 一级：依据最近一次失败的离场委托重试一次。
// 限价单以更激进一个 tick 的价格重挂；止损单改为带更宽触发
// 区间的止损限价单。没有原始离场委托可参考时本级仅等待。
func (e *Executor) actionSmartRetry(ctx context.Context, r *run) error {
	orig := r.alert.Position.ExitOrder
	if orig == nil {
		r.record(LevelSmartRetry, "smart_retry", "no_original_exit_order")
		return nil
	}

	qty := r.qty()
	if qty == 0 {
		return nil
	}
	side := closeSide(qty)
	tick := e.cfg.TickSize(r.symbol)

	var req broker.OrderRequest
	switch orig.Type {
	case broker.OrderTypeLimit:
		price := orig.LimitPrice - tick
		if side == broker.SideBuy {
			price = orig.LimitPrice + tick
		}
		req = broker.OrderRequest{
			Symbol:     r.symbol,
			Side:       side,
			Type:       broker.OrderTypeLimit,
			Quantity:   math.Abs(qty),
			Price:      price,
			ReduceOnly: true,
		}
	case broker.OrderTypeStop, broker.OrderTypeStopLimit:
		gap := float64(e.cfg.StopLimitGapTicks) * tick
		limit := orig.StopPrice - gap
		if side == broker.SideBuy {
			limit = orig.StopPrice + gap
		}
		req = broker.OrderRequest{
			Symbol:     r.symbol,
			Side:       side,
			Type:       broker.OrderTypeStopLimit,
			Quantity:   math.Abs(qty),
			Price:      limit,
			StopPrice:  orig.StopPrice,
			ReduceOnly: true,
		}
	default:
		r.record(LevelSmartRetry, "smart_retry", fmt.Sprintf("unsupported_type=%s", orig.Type))
		return nil
	}

	orderID, err := e.gateway.SubmitOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("一级重试下单失败: %w", err)
	}

	r.record(LevelSmartRetry, "smart_retry", fmt.Sprintf("order=%s type=%s price=%.4f stop=%.4f", orderID, req.Type, req.Price, req.StopPrice))
	e.logger.Info("一级智能重试已下单",
		zap.String("position", r.positionID),
		zap.String("order_id", orderID),
		zap.String("type", string(req.Type)),
		zap.Float64("price", req.Price),
	)
	return nil
}

// actionFreshStart 二级：撤掉该合约全部在途委托，按最新盘口
// 重建离场委托。价差在一个 tick 以内挂本方最优价，否则直接
// 穿越价差挂可成交限价单。
func (e *Executor) actionFreshStart(ctx context.Context, r *run) error {
	if err := e.cancelAllOrders(ctx, r); err != nil {
		return err
	}

	top, err := e.gateway.BookTop(ctx, r.symbol)
	if err != nil {
		return fmt.Errorf("获取盘口失败: %w", err)
	}

	qty := r.qty()
	if qty == 0 {
		return nil
	}
	side := closeSide(qty)
	tick := e.cfg.TickSize(r.symbol)

	var price float64
	spread := top.Spread()
	if spread > 0 && spread <= tick {
		// 盘口紧贴，挂本方最优价等待成交
		if side == broker.SideSell {
			price = top.Ask
		} else {
			price = top.Bid
		}
	} else {
		// 穿越价差的可成交限价单
		if side == broker.SideSell {
			price = top.Bid
		} else {
			price = top.Ask
		}
	}
	if price <= 0 {
		r.record(LevelFreshStart, "fresh_start", "empty_book")
		return nil
	}

	orderID, err := e.gateway.SubmitOrder(ctx, broker.OrderRequest{
		Symbol:     r.symbol,
		Side:       side,
		Type:       broker.OrderTypeLimit,
		Quantity:   math.Abs(qty),
		Price:      price,
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("二级重建委托失败: %w", err)
	}

	r.record(LevelFreshStart, "fresh_start", fmt.Sprintf("order=%s price=%.4f spread=%.4f", orderID, price, spread))
	e.logger.Info("二级重建离场委托",
		zap.String("position", r.positionID),
		zap.String("order_id", orderID),
		zap.Float64("price", price),
		zap.Float64("spread", spread),
	)
	return nil
}

// actionMarketOrder 三级：撤单后直接市价平仓，并以提交时刻的
// 盘口中间价为基准记录滑点。
func (e *Executor) actionMarketOrder(ctx context.Context, r *run) error {
	if err := e.cancelAllOrders(ctx, r); err != nil {
		e.logger.Warn("三级撤单未完全确认，继续市价平仓",
			zap.String("position", r.positionID),
			zap.Error(err),
		)
	}
	return e.submitMarket(ctx, r, "market_order")
}

// actionHumanEscalation 四级：推送全通道严重告警，并按重试
// 周期持续提交市价委托直至平仓。
func (e *Executor) actionHumanEscalation(ctx context.Context, r *run) error {
	elapsed := time.Since(r.started())
	e.alerts.Notify(ctx, notify.SeverityCritical,
		"仓位恢复升级至人工介入",
		fmt.Sprintf("position=%s classification=%s quantity=%.4f elapsed=%s reason=%s",
			r.positionID, r.alert.Classification, r.qty(), elapsed.Round(time.Second), r.alert.Reason),
	)
	r.record(LevelHumanEscalation, "notify", "critical_alert_dispatched")

	return e.submitMarket(ctx, r, "market_retry")
}

// actionSystemShutdown 五级：拉起只平仓模式与全局停机标志，
// 推送停机告警，之后无限期重试市价平仓。
func (e *Executor) actionSystemShutdown(ctx context.Context, r *run) error {
	e.safety.EnterCloseOnlyMode()
	e.safety.RaiseKillFlag()

	e.alerts.Notify(ctx, notify.SeverityCritical,
		"系统停机保护已触发",
		fmt.Sprintf("position=%s classification=%s quantity=%.4f elapsed=%s",
			r.positionID, r.alert.Classification, r.qty(), time.Since(r.started()).Round(time.Second)),
	)
	r.record(LevelSystemShutdown, "system_shutdown", "close_only_and_kill_flag_raised")

	return e.submitMarket(ctx, r, "market_retry")
}

// cancelAllOrders 并发撤掉该合约全部在途委托，并在限定时间内
// 等待撤单确认。单笔撤单失败只记录不中断，等待超时不阻塞升级。
func (e *Executor) cancelAllOrders(ctx context.Context, r *run) error {
	orders, err := e.gateway.OpenOrders(ctx, r.symbol)
	if err != nil {
		return fmt.Errorf("查询在途委托失败: %w", err)
	}
	if len(orders) == 0 {
		return nil
	}

	group, gctx := errgroup.WithContext(ctx)
	for _, order := range orders {
		order := order
		group.Go(func() error {
			if err := e.gateway.CancelOrder(gctx, order.OrderID, r.symbol); err != nil {
				e.logger.Warn("撤单失败",
					zap.String("position", r.positionID),
					zap.String("order_id", order.OrderID),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = group.Wait()

	r.record(r.currentLevel(), "cancel_all", fmt.Sprintf("orders=%d", len(orders)))

	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.CancelWait)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("等待撤单确认超时(%s)", e.cfg.CancelWait)
		case <-ticker.C:
			remaining, err := e.gateway.OpenOrders(waitCtx, r.symbol)
			if err == nil && len(remaining) == 0 {
				return nil
			}
		}
	}
}

// submitMarket 提交 reduce-only 市价平仓委托，记录提交时刻的
// 盘口中间价作为滑点基准。
func (e *Executor) submitMarket(ctx context.Context, r *run, action string) error {
	qty := r.qty()
	if qty == 0 {
		return nil
	}

	var mid float64
	if top, err := e.gateway.BookTop(ctx, r.symbol); err == nil {
		mid = top.Mid()
	} else {
		e.logger.Debug("获取盘口中间价失败，滑点不计",
			zap.String("position", r.positionID),
			zap.Error(err),
		)
	}

	orderID, err := e.gateway.SubmitOrder(ctx, broker.OrderRequest{
		Symbol:     r.symbol,
		Side:       closeSide(qty),
		Type:       broker.OrderTypeMarket,
		Quantity:   math.Abs(qty),
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("市价平仓下单失败: %w", err)
	}

	r.setPending(orderID, mid)
	r.record(r.currentLevel(), action, fmt.Sprintf("order=%s mid=%.4f qty=%.4f", orderID, mid, math.Abs(qty)))
	e.logger.Info("市价平仓委托已提交",
		zap.String("position", r.positionID),
		zap.String("order_id", orderID),
		zap.Float64("mid", mid),
	)
	return nil
}

// submitMarketRetry 在重试周期内补发市价委托：仅当没有仍然
// 有效的在途委托时才重新提交。
func (e *Executor) submitMarketRetry(ctx context.Context, r *run) {
	if orderID, _ := r.pending(); orderID != "" {
		status, err := e.gateway.OrderStatus(ctx, orderID, r.symbol)
		if err != nil {
			return
		}
		if status.State == broker.OrderStateFilled || !status.State.Terminal() {
			// 成交结算与平仓确认交给轮询处理
			return
		}
		r.clearPending()
	}

	if err := e.submitMarket(ctx, r, "market_retry"); err != nil {
		r.record(r.currentLevel(), "action_error", err.Error())
		e.logger.Warn("市价重试下单失败",
			zap.String("position", r.positionID),
			zap.Error(err),
		)
	}
}

// closeSide 返回平掉带符号仓位所需的委托方向。
func closeSide(qty float64) broker.Side {
	if qty > 0 {
		return broker.SideSell
	}
	return broker.SideBuy
}
