// Package ledger 维护机器人自身的持仓账本。账本由成交回报、
// 对账器（broker 同步）与恢复执行器（确认平仓后清除）共同更新，
// 与经纪商侧状态冲突时以经纪商为准。
package ledger

import (
	"sync"
	"time"

	"position-guard/internal/broker"
)

// Direction 表示持仓方向。
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionFlat  Direction = "flat"
)

// DirectionOf 根据带符号数量推导方向。
func DirectionOf(qty float64) Direction {
	switch {
	case qty > 0:
		return DirectionLong
	case qty < 0:
		return DirectionShort
	default:
		return DirectionFlat
	}
}

// ExitOrder 记录最近一次离场委托，供僵死分类与一级恢复使用。
type ExitOrder struct {
	OrderID       string
	Type          broker.OrderType
	Side          broker.Side
	Quantity      float64
	LimitPrice    float64
	StopPrice     float64
	State         broker.OrderState
	SubmittedAt   time.Time
	LastAttemptAt time.Time
}

// Position 为账本中的单个持仓。Symbol 即 positionId：
// 期货账户下每个合约只有一个净持仓。
type Position struct {
	Symbol        string
	Quantity      float64
	Direction     Direction
	EntryPrice    float64
	UnrealizedPnl float64
	OpenedAt      time.Time
	Strategy      string
	ExitOrder     *ExitOrder
}

// ID 返回持仓标识。
func (p Position) ID() string {
	return p.Symbol
}

// Age 返回持仓已存在的时长。
func (p Position) Age(now time.Time) time.Duration {
	if p.OpenedAt.IsZero() {
		return 0
	}
	return now.Sub(p.OpenedAt)
}

// Ledger 是持仓账本的并发安全抽象，按构造注入各组件，
// 禁止以隐藏单例的方式共享。
type Ledger interface {
	// GetAll 返回全部持仓的快照副本。
	GetAll() []Position
	// Get 返回指定合约的持仓。
	Get(symbol string) (Position, bool)
	// Upsert 以经纪商数值覆盖写入持仓（broker-wins 规则）。
	Upsert(symbol string, qty float64, direction Direction)
	// Put 写入完整持仓记录。
	Put(pos Position)
	// SetExitOrder 更新持仓的离场委托记录。
	SetExitOrder(symbol string, order *ExitOrder)
	// Clear 移除持仓。
	Clear(symbol string)
}

// Memory 为进程内账本实现，读写锁保护，单写者纪律由上层保证。
type Memory struct {
	mu        sync.RWMutex
	positions map[string]Position
}

var _ Ledger = (*Memory)(nil)

// NewMemory 创建空账本。
func NewMemory() *Memory {
	return &Memory{positions: make(map[string]Position)}
}

// GetAll 返回全部持仓的快照副本。
func (m *Memory) GetAll() []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, clonePosition(pos))
	}
	return out
}

// Get 返回指定合约的持仓。
func (m *Memory) Get(symbol string) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pos, ok := m.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return clonePosition(pos), true
}

// Upsert 以经纪商数值覆盖写入。已有记录保留开仓时间与策略信息，
// 新记录以当前时间作为开仓时间。
func (m *Memory) Upsert(symbol string, qty float64, direction Direction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[symbol]
	if !ok {
		pos = Position{
			Symbol:   symbol,
			OpenedAt: time.Now().UTC(),
		}
	}
	pos.Quantity = qty
	pos.Direction = direction
	m.positions[symbol] = pos
}

// Put 写入完整持仓记录。
func (m *Memory) Put(pos Position) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pos.Direction == "" {
		pos.Direction = DirectionOf(pos.Quantity)
	}
	m.positions[pos.Symbol] = clonePosition(pos)
}

// SetExitOrder 更新持仓的离场委托记录。
func (m *Memory) SetExitOrder(symbol string, order *ExitOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[symbol]
	if !ok {
		return
	}
	if order == nil {
		pos.ExitOrder = nil
	} else {
		cloned := *order
		pos.ExitOrder = &cloned
	}
	m.positions[symbol] = pos
}

// Clear 移除持仓。
func (m *Memory) Clear(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.positions, symbol)
}

func clonePosition(pos Position) Position {
	if pos.ExitOrder != nil {
		cloned := *pos.ExitOrder
		pos.ExitOrder = &cloned
	}
	return pos
}
