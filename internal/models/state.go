package models

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite 返回反方向, 用于平仓单
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Valid 判断方向是否合法
func (s Side) Valid() bool {
	return s == Buy || s == Sell
}

// Trend 由快慢EMA判断的趋势
type Trend string

const (
	Bullish Trend = "BULLISH"
	Bearish Trend = "BEARISH"
	Neutral Trend = "NEUTRAL"
)

// GridStatus 网格生命周期: CREATED -> PENDING -> ACTIVE -> COMPLETED
type GridStatus string

const (
	GridCreated   GridStatus = "CREATED"
	GridPending   GridStatus = "PENDING"
	GridActive    GridStatus = "ACTIVE"
	GridCompleted GridStatus = "COMPLETED"
)

// OrderStatus 订单状态: PENDING -> ACTIVE -> FILLED | CANCELED
type OrderStatus string

const (
	OrderPending  OrderStatus = "PENDING"
	OrderActive   OrderStatus = "ACTIVE"
	OrderFilled   OrderStatus = "FILLED"
	OrderCanceled OrderStatus = "CANCELED"
)

// OrderType 订单类型
type OrderType string

const (
	Limit  OrderType = "LIMIT"
	Stop   OrderType = "STOP"
	Market OrderType = "MARKET"
)

// PositionStatus 持仓状态: OPEN -> CLOSED
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// 网格完成原因
const (
	ReasonStopLoss           = "STOP_LOSS"
	ReasonTakeProfit         = "TAKE_PROFIT"
	ReasonTrailingStop       = "TRAILING_STOP"
	ReasonAllPositionsClosed = "ALL_POSITIONS_CLOSED"
	ReasonManualClose        = "MANUAL_CLOSE"
	ReasonExternalClose      = "EXTERNAL_CLOSE"
)

// Signal 交易信号, 被接收后只读
type Signal struct {
	ID         string   `json:"id,omitempty"`
	Pair       string   `json:"pair"`
	Direction  Side     `json:"direction"`
	EntryPoint float64  `json:"entryPoint"`
	StopLoss   *float64 `json:"stopLoss,omitempty"`
	TakeProfit *float64 `json:"takeProfit,omitempty"`
	Confidence float64  `json:"confidence"`
	Timestamp  int64    `json:"timestamp"`
	Source     string   `json:"source,omitempty"`
}

// SignalSnapshot 保存在网格中的信号摘要
type SignalSnapshot struct {
	ID         string  `json:"id,omitempty"`
	Confidence float64 `json:"confidence"`
	Timestamp  int64   `json:"timestamp"`
	Source     string  `json:"source"`
}

// MarketConditions 计算网格参数时的行情诊断
type MarketConditions struct {
	IsVolatile  bool    `json:"isVolatile"`
	VolumeRatio float64 `json:"volumeRatio"`
}

// GridParams 网格的核心参数
type GridParams struct {
	ATR                         float64          `json:"atr"`
	Trend                       Trend            `json:"trend"`
	GridStep                    float64          `json:"gridStep"`
	GridLevels                  int              `json:"gridLevels"`
	PositionSize                float64          `json:"positionSize"`
	TakeProfitDistance          float64          `json:"takeProfitDistance"`
	StopLossDistance            float64          `json:"stopLossDistance"`
	TrailingStopActivationLevel float64          `json:"trailingStopActivationLevel"`
	EMAFast                     float64          `json:"emaFast"`
	EMASlow                     float64          `json:"emaSlow"`
	MarketConditions            MarketConditions `json:"marketConditions"`
}

// Order 入场/止盈/止损单共用的结构
type Order struct {
	ID              string      `json:"id"`
	Price           float64     `json:"price"`
	Size            float64     `json:"size"`
	Type            OrderType   `json:"type"`
	Status          OrderStatus `json:"status"`
	Level           int         `json:"level"`
	EntryOrderID    string      `json:"entryOrderId,omitempty"`
	ExchangeOrderID string      `json:"exchangeOrderId,omitempty"`
	PositionID      string      `json:"positionId,omitempty"`
	FillPrice       float64     `json:"fillPrice,omitempty"`
	FillTime        int64       `json:"fillTime,omitempty"`
	CreatedAt       int64       `json:"created"`
	UpdatedAt       int64       `json:"updatedAt,omitempty"`

	// 下单失败后的重试状态
	Attempts      int   `json:"attempts,omitempty"`
	NextAttemptAt int64 `json:"nextAttemptAt,omitempty"`
}

// Position 由入场单成交产生的持仓
type Position struct {
	ID           string         `json:"id"`
	EntryOrderID string         `json:"entryOrderId"`
	Level        int            `json:"level"`
	EntryPrice   float64        `json:"entryPrice"`
	Size         float64        `json:"size"`
	Direction    Side           `json:"direction"`
	Status       PositionStatus `json:"status"`
	OpenTime     int64          `json:"openTime"`
	CloseTime    int64          `json:"closeTime,omitempty"`
	ClosePrice   float64        `json:"closePrice,omitempty"`
	CloseOrderID string         `json:"closeOrderId,omitempty"`
	CloseReason  string         `json:"closeReason,omitempty"`
	Profit       float64        `json:"profit"`
}

// GridStats 网格运行统计
type GridStats struct {
	TotalProfit     float64 `json:"totalProfit"`
	FilledOrders    int     `json:"filledOrders"`
	ClosedPositions int     `json:"closedPositions"`
	MaxDrawdown     float64 `json:"maxDrawdown"`
	HighestPrice    float64 `json:"highestPrice"`
	LowestPrice     float64 `json:"lowestPrice"`
	FinalProfit     float64 `json:"finalProfit,omitempty"`
	Duration        int64   `json:"duration,omitempty"` // 毫秒
}

// Grid 一个网格策略实例 (运行中或已完成)
type Grid struct {
	ID           string         `json:"id"`
	Pair         string         `json:"pair"`
	Direction    Side           `json:"direction"`
	StartPrice   float64        `json:"startPrice"`
	CurrentPrice float64        `json:"currentPrice"`
	Params       GridParams     `json:"params"`
	Signal       SignalSnapshot `json:"signal"`
	Stats        GridStats      `json:"stats"`

	EntryOrders      []Order    `json:"entryOrders"`
	TakeProfitOrders []Order    `json:"takeProfitOrders"`
	StopLossOrders   []Order    `json:"stopLossOrders"`
	Positions        []Position `json:"positions"`

	TrailingStopEnabled bool     `json:"trailingStopEnabled"`
	TrailingStopValue   *float64 `json:"trailingStopValue"` // nil 表示尚未激活

	EnablePartialTakeProfit   bool                     `json:"enablePartialTakeProfit"`
	PartialTakeProfitLevels   []PartialTakeProfitLevel `json:"partialTakeProfitLevels"`
	PartialTakeProfitExecuted []float64                `json:"partialTakeProfitExecuted"`

	Status           GridStatus `json:"status"`
	CompletionReason string     `json:"completionReason,omitempty"`
	CreatedAt        int64      `json:"createdAt"`
	LastUpdateTime   int64      `json:"lastUpdateTime"`
	LastCheckTime    int64      `json:"lastCheckTime"`
	CompletedAt      int64      `json:"completedAt,omitempty"`
}

// Clone 返回网格的深拷贝, 供并发读取与持久化使用
func (g *Grid) Clone() *Grid {
	if g == nil {
		return nil
	}
	c := *g
	c.EntryOrders = cloneSlice(g.EntryOrders)
	c.TakeProfitOrders = cloneSlice(g.TakeProfitOrders)
	c.StopLossOrders = cloneSlice(g.StopLossOrders)
	c.Positions = cloneSlice(g.Positions)
	c.PartialTakeProfitLevels = cloneSlice(g.PartialTakeProfitLevels)
	c.PartialTakeProfitExecuted = cloneSlice(g.PartialTakeProfitExecuted)
	if g.TrailingStopValue != nil {
		v := *g.TrailingStopValue
		c.TrailingStopValue = &v
	}
	return &c
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append(make([]T, 0, len(s)), s...)
}

// OpenPositions 返回所有未平仓持仓的索引
func (g *Grid) OpenPositions() []int {
	var idx []int
	for i := range g.Positions {
		if g.Positions[i].Status == PositionOpen {
			idx = append(idx, i)
		}
	}
	return idx
}

// HasActiveOrders 判断三条梯队中是否还有挂单
func (g *Grid) HasActiveOrders() bool {
	for _, ladder := range [][]Order{g.EntryOrders, g.TakeProfitOrders, g.StopLossOrders} {
		for _, o := range ladder {
			if o.Status == OrderActive {
				return true
			}
		}
	}
	return false
}
