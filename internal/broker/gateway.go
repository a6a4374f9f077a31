package broker

import "context"

// Gateway 是经纪商网关的统一抽象。所有恢复组件都通过它访问
// 权威持仓与委托状态，经纪商侧数据在任何冲突下均为准。
type Gateway interface {
	// OpenPositions 查询当前全部净持仓。
	OpenPositions(ctx context.Context) ([]Position, error)
	// SubmitOrder 提交委托并返回经纪商订单号。
	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)
	// CancelOrder 撤销指定委托。
	CancelOrder(ctx context.Context, orderID, symbol string) error
	// OrderStatus 查询委托状态。
	OrderStatus(ctx context.Context, orderID, symbol string) (OrderStatus, error)
	// OpenOrders 查询指定合约的全部未完成委托。
	OpenOrders(ctx context.Context, symbol string) ([]OrderStatus, error)
	// BookTop 获取盘口一档快照。
	BookTop(ctx context.Context, symbol string) (BookTop, error)
}
