package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"position-guard/internal/config"
)

// Client 基于 ccxt 的 Binance USDⓈ-M 网关实现，内置重试机制。
type Client struct {
	cfg      config.BrokerConfig
	logger   *zap.Logger
	exchange *ccxt.Binanceusdm

	marketsMu     sync.Mutex
	marketsLoaded bool
}

var _ Gateway = (*Client)(nil)

// NewClient 构造经纪商客户端。
func NewClient(cfg config.BrokerConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
	}, nil
}

// OpenPositions 查询全部净持仓，空头数量为负。
func (c *Client) OpenPositions(ctx context.Context) ([]Position, error) {
	var raw []ccxt.Position

	err := c.callWithRetry(ctx, "fetch_positions", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		result, err := c.exchange.FetchPositions()
		if err != nil {
			return err
		}

		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	positions := make([]Position, 0, len(raw))
	for _, pos := range raw {
		symbol := derefString(pos.Symbol)
		if symbol == "" {
			continue
		}

		qty := derefFloat(pos.Contracts)
		if qty == 0 {
			continue
		}
		if strings.EqualFold(derefString(pos.Side), "short") {
			qty = -qty
		}

		positions = append(positions, Position{
			Symbol:        symbol,
			Quantity:      qty,
			AvgPrice:      derefFloat(pos.EntryPrice),
			UnrealizedPnl: derefFloat(pos.UnrealizedPnl),
			Timestamp:     now,
		})
	}

	return positions, nil
}

// SubmitOrder 提交委托。
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	if req.Quantity <= 0 {
		return "", fmt.Errorf("broker: 委托数量无效 quantity=%.6f", req.Quantity)
	}

	params := map[string]interface{}{}
	if req.ReduceOnly {
		params["reduceOnly"] = true
	}

	var (
		orderType string
		opts      []ccxt.CreateOrderOptions
	)

	switch req.Type {
	case OrderTypeMarket:
		orderType = "market"
	case OrderTypeLimit:
		orderType = "limit"
		opts = append(opts, ccxt.WithCreateOrderPrice(req.Price))
	case OrderTypeStop:
		orderType = "market"
		params["stopPrice"] = req.StopPrice
	case OrderTypeStopLimit:
		orderType = "limit"
		opts = append(opts, ccxt.WithCreateOrderPrice(req.Price))
		params["stopPrice"] = req.StopPrice
	default:
		return "", fmt.Errorf("broker: 不支持的委托类型 %s", req.Type)
	}

	if len(params) > 0 {
		opts = append(opts, ccxt.WithCreateOrderParams(params))
	}

	var order ccxt.Order
	err := c.callWithRetry(ctx, "create_order", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		result, err := c.exchange.CreateOrder(req.Symbol, orderType, string(req.Side), req.Quantity, opts...)
		if err != nil {
			return err
		}

		order = result
		return nil
	})
	if err != nil {
		return "", err
	}

	orderID := derefString(order.Id)
	if orderID == "" {
		return "", fmt.Errorf("broker: 经纪商未返回订单号 symbol=%s", req.Symbol)
	}

	return orderID, nil
}

// CancelOrder 撤销委托。
func (c *Client) CancelOrder(ctx context.Context, orderID, symbol string) error {
	return c.callWithRetry(ctx, "cancel_order", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		_, err := c.exchange.CancelOrder(orderID, ccxt.WithCancelOrderSymbol(symbol))
		return err
	})
}

// OrderStatus 查询委托状态。
func (c *Client) OrderStatus(ctx context.Context, orderID, symbol string) (OrderStatus, error) {
	var raw ccxt.Order

	err := c.callWithRetry(ctx, "fetch_order", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		result, err := c.exchange.FetchOrder(orderID, ccxt.WithFetchOrderSymbol(symbol))
		if err != nil {
			return err
		}

		raw = result
		return nil
	})
	if err != nil {
		return OrderStatus{}, err
	}

	return convertOrder(raw), nil
}

// OpenOrders 查询指定合约的未完成委托。
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]OrderStatus, error) {
	var raw []ccxt.Order

	err := c.callWithRetry(ctx, "fetch_open_orders", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		result, err := c.exchange.FetchOpenOrders(ccxt.WithFetchOpenOrdersSymbol(symbol))
		if err != nil {
			return err
		}

		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	orders := make([]OrderStatus, 0, len(raw))
	for _, item := range raw {
		orders = append(orders, convertOrder(item))
	}

	return orders, nil
}

// BookTop 获取盘口一档快照。
func (c *Client) BookTop(ctx context.Context, symbol string) (BookTop, error) {
	var raw ccxt.OrderBook

	err := c.callWithRetry(ctx, "fetch_order_book", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		orderBook, err := c.exchange.FetchOrderBook(symbol, ccxt.WithFetchOrderBookLimit(5))
		if err != nil {
			return err
		}

		raw = orderBook
		return nil
	})
	if err != nil {
		return BookTop{}, err
	}

	top := BookTop{Symbol: symbol}
	if len(raw.Bids) > 0 && len(raw.Bids[0]) >= 2 {
		top.Bid = raw.Bids[0][0]
		top.BidSize = raw.Bids[0][1]
	}
	if len(raw.Asks) > 0 && len(raw.Asks[0]) >= 2 {
		top.Ask = raw.Asks[0][0]
		top.AskSize = raw.Asks[0][1]
	}
	if raw.Timestamp != nil {
		top.Timestamp = time.UnixMilli(*raw.Timestamp).UTC()
	} else {
		top.Timestamp = time.Now().UTC()
	}

	return top, nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	if c.marketsLoaded {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", func() error {
		_, err := c.exchange.LoadMarkets()
		return err
	})
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.String("broker", c.cfg.Name))
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("经纪商调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := c.classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("经纪商维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= c.cfg.Retry.MaxAttempts {
			c.logger.Error("经纪商调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("经纪商调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (c *Client) classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return err, true
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "broker under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		default:
			return err, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}

func convertOrder(order ccxt.Order) OrderStatus {
	status := OrderStatus{
		OrderID:      derefString(order.Id),
		Symbol:       derefString(order.Symbol),
		Side:         Side(strings.ToLower(derefString(order.Side))),
		Price:        derefFloat(order.Price),
		Quantity:     derefFloat(order.Amount),
		FilledQty:    derefFloat(order.Filled),
		AvgFillPrice: derefFloat(order.Average),
	}

	switch strings.ToLower(derefString(order.Type)) {
	case "market":
		status.Type = OrderTypeMarket
	case "limit":
		status.Type = OrderTypeLimit
	case "stop", "stop_market":
		status.Type = OrderTypeStop
	case "stop_limit", "stop_loss_limit":
		status.Type = OrderTypeStopLimit
	default:
		status.Type = OrderType(strings.ToLower(derefString(order.Type)))
	}

	if order.TriggerPrice != nil {
		status.StopPrice = *order.TriggerPrice
	}

	switch strings.ToLower(derefString(order.Status)) {
	case "open":
		status.State = OrderStateOpen
	case "closed":
		status.State = OrderStateFilled
	case "canceled", "cancelled":
		status.State = OrderStateCanceled
	case "rejected":
		status.State = OrderStateRejected
	case "expired":
		status.State = OrderStateFailed
	default:
		status.State = OrderStateUnknown
	}

	if order.Timestamp != nil {
		status.Timestamp = time.UnixMilli(*order.Timestamp).UTC()
	}

	return status
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
