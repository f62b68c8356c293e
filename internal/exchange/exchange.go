package exchange

import (
	"adaptive-grid-go/internal/models"
	"context"
	"errors"
)

// ErrOrderNotFound 撤单或查询时交易所找不到该订单
var ErrOrderNotFound = errors.New("order not found")

// ChartQuery K线查询参数. EndTime 为 0 表示取最新数据
type ChartQuery struct {
	Symbol   string
	Interval string
	Limit    int
	EndTime  int64
}

// OrderAck 下单回执. 市价单可能在回执中直接携带成交信息
type OrderAck struct {
	OrderID       string
	ClientOrderID string
	Status        models.OrderStatus
	FillPrice     float64
}

// Ticker 最新价格
type Ticker struct {
	Symbol string
	Price  float64
}

// OpenOrder 交易所上的挂单
type OpenOrder struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          models.Side
	Type          models.OrderType
	Price         float64
	Size          float64
}

// Gateway 定义了网格引擎需要的交易所能力.
// 实盘 (币安合约) 与模拟盘/回测共用这一接口.
type Gateway interface {
	GetChartData(ctx context.Context, q ChartQuery) ([]models.Candle, error)
	// CreateOrder 下单. LIMIT 单使用 price 作为限价, STOP 单使用 price 作为触发价, MARKET 单忽略 price
	CreateOrder(ctx context.Context, symbol string, side models.Side, orderType models.OrderType, size, price float64) (*OrderAck, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error)
}

// Publisher 接收交易所推送并转发到事件总线
type Publisher interface {
	Emit(topic string, payload interface{}) bool
}
