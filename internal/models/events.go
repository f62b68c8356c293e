package models

// ModuleID 自适应网格模块的标识, 附加在所有对外事件中
const ModuleID = "adaptive-smart-grid"

// EventMeta 所有网格事件共有的元数据
type EventMeta struct {
	GridID    string `json:"gridId"`
	Timestamp int64  `json:"timestamp"`
	ModuleID  string `json:"moduleId"`
}

// --- 对外发布的事件 ---

type GridCreatedEvent struct {
	EventMeta
	Pair      string `json:"pair"`
	Direction Side   `json:"direction"`
}

type PositionOpenedEvent struct {
	EventMeta
	PositionID string  `json:"positionId"`
	Level      int     `json:"level"`
	Price      float64 `json:"price"`
	Size       float64 `json:"size"`
}

type GridPositionClosedEvent struct {
	EventMeta
	PositionID string  `json:"positionId"`
	Level      int     `json:"level"`
	EntryPrice float64 `json:"entryPrice"`
	ClosePrice float64 `json:"closePrice"`
	Profit     float64 `json:"profit"`
	Reason     string  `json:"reason"`
}

type PartialTakeProfitEvent struct {
	EventMeta
	Level           float64 `json:"level"`
	ProfitPercent   float64 `json:"profitPercent"`
	ClosedPositions int     `json:"closedPositions"`
	Price           float64 `json:"price"`
}

type GridAdjustedEvent struct {
	EventMeta
	OldATR      float64 `json:"oldATR"`
	NewATR      float64 `json:"newATR"`
	OldGridStep float64 `json:"oldGridStep"`
	NewGridStep float64 `json:"newGridStep"`
}

type TrailingStopActivatedEvent struct {
	EventMeta
	Value           float64 `json:"value"`
	ActivationPrice float64 `json:"activationPrice"`
}

type TrailingStopUpdatedEvent struct {
	EventMeta
	Value        float64 `json:"value"`
	CurrentPrice float64 `json:"currentPrice"`
}

type GridCompletedEvent struct {
	EventMeta
	Reason   string  `json:"reason"`
	Profit   float64 `json:"profit"`
	Duration int64   `json:"duration"`
}

// --- 订阅的外部事件 ---

// TradingSignalEvent trading-signal 事件
type TradingSignalEvent struct {
	Signal Signal `json:"signal"`
}

// OrderExecution order.executed 事件. GridID 为空时按交易所订单号查找网格
type OrderExecution struct {
	OrderID   string      `json:"orderId"`
	GridID    string      `json:"gridId,omitempty"`
	Status    OrderStatus `json:"status"`
	FillPrice float64     `json:"fillPrice,omitempty"`
	FillTime  int64       `json:"fillTime,omitempty"`
}

// PositionClosedEvent position.closed 事件
type PositionClosedEvent struct {
	PositionID string  `json:"positionId"`
	GridID     string  `json:"gridId"`
	Profit     float64 `json:"profit"`
}

// TradingPairChangedEvent tradingPair.changed 事件
type TradingPairChangedEvent struct {
	OldPair string `json:"oldPair,omitempty"`
	NewPair string `json:"newPair"`
}
