package broker

import "time"

// Side 表示委托方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite 返回相反方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType 表示委托类型。
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// OrderState 表示委托状态。
type OrderState string

const (
	OrderStateOpen     OrderState = "open"
	OrderStateFilled   OrderState = "filled"
	OrderStateCanceled OrderState = "canceled"
	OrderStateRejected OrderState = "rejected"
	OrderStateFailed   OrderState = "failed"
	OrderStateUnknown  OrderState = "unknown"
)

// Terminal 判断委托是否已终结。
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCanceled, OrderStateRejected, OrderStateFailed:
		return true
	default:
		return false
	}
}

// Position 为经纪商侧的净持仓。数量带符号，空头为负。
type Position struct {
	Symbol        string
	Quantity      float64
	AvgPrice      float64
	UnrealizedPnl float64
	Timestamp     time.Time
}

// OrderRequest 抽象一笔待提交的委托。
type OrderRequest struct {
	Symbol     string
	Side       Side
	Type       OrderType
	Quantity   float64
	Price      float64
	StopPrice  float64
	ReduceOnly bool
}

// OrderStatus 为委托状态快照。
type OrderStatus struct {
	OrderID      string
	Symbol       string
	Side         Side
	Type         OrderType
	State        OrderState
	Price        float64
	StopPrice    float64
	Quantity     float64
	FilledQty    float64
	AvgFillPrice float64
	Timestamp    time.Time
}

// BookTop 为盘口一档快照。
type BookTop struct {
	Symbol    string
	Bid       float64
	Ask       float64
	BidSize   float64
	AskSize   float64
	Timestamp time.Time
}

// Mid 返回盘口中间价。
func (b BookTop) Mid() float64 {
	if b.Bid > 0 && b.Ask > 0 {
		return (b.Bid + b.Ask) / 2
	}
	if b.Bid > 0 {
		return b.Bid
	}
	return b.Ask
}

// Spread 返回买卖价差。
func (b BookTop) Spread() float64 {
	if b.Bid <= 0 || b.Ask <= 0 {
		return 0
	}
	return b.Ask - b.Bid
}
