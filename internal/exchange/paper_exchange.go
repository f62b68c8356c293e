package exchange

import (
	"adaptive-grid-go/internal/models"
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// FillHandler 模拟成交/撤单的回调, 通常转发为 order.executed 事件
type FillHandler func(models.OrderExecution)

type paperOrder struct {
	id        int64
	symbol    string
	side      models.Side
	orderType models.OrderType
	price     float64
	size      float64
	status    models.OrderStatus
}

type paperPosition struct {
	qty      float64 // 带符号: 多头为正, 空头为负
	avgEntry float64
}

// PaperExchange 模拟交易所, 用于回测与模拟盘.
// 价格由 SetCandle 推进, 每根K线按 O->L->H->C 的路径检查挂单是否成交.
// 设置了 market 时, K线与行情取自真实交易所, 只有下单是模拟的.
type PaperExchange struct {
	mu sync.Mutex

	market   Gateway
	onFill   FillHandler
	history  map[string][]models.Candle
	prices   map[string]float64
	orders   map[int64]*paperOrder
	nextID   int64
	position map[string]*paperPosition
	now      time.Time

	InitialBalance float64
	Cash           float64
	TakerFeeRate   float64 // 吃单手续费率
	MakerFeeRate   float64 // 挂单手续费率
	SlippageRate   float64 // 滑点率
	TotalFees      float64 // 累积总手续费
	TradeLog       []models.CompletedTrade
	EquityCurve    []float64

	logger *zap.Logger
}

// NewPaperExchange 创建模拟交易所. market 为 nil 时为纯回测模式
func NewPaperExchange(cfg models.BacktestConfig, market Gateway, logger *zap.Logger) *PaperExchange {
	return &PaperExchange{
		market:         market,
		history:        make(map[string][]models.Candle),
		prices:         make(map[string]float64),
		orders:         make(map[int64]*paperOrder),
		nextID:         1,
		position:       make(map[string]*paperPosition),
		InitialBalance: cfg.InitialBalance,
		Cash:           cfg.InitialBalance,
		TakerFeeRate:   cfg.TakerFeeRate,
		MakerFeeRate:   cfg.MakerFeeRate,
		SlippageRate:   cfg.SlippageRate,
		TradeLog:       make([]models.CompletedTrade, 0),
		EquityCurve:    make([]float64, 0, 1024),
		logger:         logger.Named("paper"),
	}
}

// SetFillHandler 设置成交回调. 回调在锁外调用, 可以重入交易所
func (e *PaperExchange) SetFillHandler(fn FillHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFill = fn
}

// Now 返回模拟时钟: 最近一根K线的收盘时间
func (e *PaperExchange) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.now.IsZero() {
		return time.Now()
	}
	return e.now
}

// SetCandle 是回测的核心: 记录K线, 按 O->L->H->C 路径检查挂单, 更新权益
func (e *PaperExchange) SetCandle(symbol string, c models.Candle) {
	e.mu.Lock()
	e.history[symbol] = append(e.history[symbol], c)
	if c.CloseTime > 0 {
		e.now = time.UnixMilli(c.CloseTime)
	}

	var fills []models.OrderExecution
	for _, p := range []float64{c.Open, c.Low, c.High, c.Close} {
		fills = append(fills, e.matchAtPrice(symbol, p)...)
	}
	e.prices[symbol] = c.Close
	e.updateEquity()
	onFill := e.onFill
	e.mu.Unlock()

	if onFill != nil {
		for _, f := range fills {
			onFill(f)
		}
	}
}

// SetPrice 以单一价格推进行情 (模拟盘轮询使用)
func (e *PaperExchange) SetPrice(symbol string, price float64) {
	e.SetCandle(symbol, models.Candle{
		OpenTime:  time.Now().UnixMilli(),
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		CloseTime: time.Now().UnixMilli(),
	})
}

// matchAtPrice 检查在指定价格点可以成交的挂单. 必须在持有锁的情况下调用
func (e *PaperExchange) matchAtPrice(symbol string, price float64) []models.OrderExecution {
	ids := make([]int64, 0, len(e.orders))
	for id := range e.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var fills []models.OrderExecution
	for _, id := range ids {
		o := e.orders[id]
		if o.symbol != symbol || o.status != models.OrderActive {
			continue
		}
		if !triggers(o, price) {
			continue
		}
		// 限价单以挂单价成交, 止损单触发后按触发价加滑点成交
		execPrice := o.price
		feeRate := e.MakerFeeRate
		if o.orderType != models.Limit {
			execPrice = e.slip(o.side, o.price)
			feeRate = e.TakerFeeRate
		}
		fills = append(fills, e.fill(o, execPrice, feeRate))
	}
	return fills
}

func triggers(o *paperOrder, price float64) bool {
	switch o.orderType {
	case models.Limit:
		if o.side == models.Buy {
			return price <= o.price
		}
		return price >= o.price
	case models.Stop:
		if o.side == models.Buy {
			return price >= o.price
		}
		return price <= o.price
	}
	return false
}

func (e *PaperExchange) slip(side models.Side, price float64) float64 {
	if side == models.Buy {
		return price * (1 + e.SlippageRate)
	}
	return price * (1 - e.SlippageRate)
}

// fill 处理一个已成交的订单, 更新持仓与资金. 必须在持有锁的情况下调用
func (e *PaperExchange) fill(o *paperOrder, execPrice, feeRate float64) models.OrderExecution {
	o.status = models.OrderFilled
	fee := execPrice * o.size * feeRate
	e.TotalFees += fee
	e.Cash -= fee

	pos := e.position[o.symbol]
	if pos == nil {
		pos = &paperPosition{}
		e.position[o.symbol] = pos
	}
	signed := o.size
	if o.side == models.Sell {
		signed = -o.size
	}

	realized := 0.0
	switch {
	case pos.qty == 0 || (pos.qty > 0) == (signed > 0):
		// 开仓或加仓
		total := pos.qty + signed
		pos.avgEntry = (pos.avgEntry*abs(pos.qty) + execPrice*abs(signed)) / abs(total)
		pos.qty = total
	default:
		// 减仓, 超出部分反向开仓
		closing := minFloat(abs(signed), abs(pos.qty))
		if pos.qty > 0 {
			realized = (execPrice - pos.avgEntry) * closing
		} else {
			realized = (pos.avgEntry - execPrice) * closing
		}
		remaining := pos.qty + signed
		if abs(remaining) < 1e-12 {
			pos.qty, pos.avgEntry = 0, 0
		} else if (remaining > 0) != (pos.qty > 0) {
			pos.qty, pos.avgEntry = remaining, execPrice
		} else {
			pos.qty = remaining
		}
	}
	e.Cash += realized

	ts := e.now.UnixMilli()
	if e.now.IsZero() {
		ts = time.Now().UnixMilli()
	}
	e.TradeLog = append(e.TradeLog, models.CompletedTrade{
		OrderID:     strconv.FormatInt(o.id, 10),
		Symbol:      o.symbol,
		Side:        o.side,
		Type:        string(o.orderType),
		Quantity:    o.size,
		Price:       execPrice,
		Fee:         fee,
		RealizedPnL: realized,
		Time:        ts,
	})
	e.logger.Debug("paper fill",
		zap.String("order_id", strconv.FormatInt(o.id, 10)),
		zap.String("side", string(o.side)),
		zap.Float64("price", execPrice),
		zap.Float64("size", o.size),
		zap.Float64("realized", realized))

	return models.OrderExecution{
		OrderID:   strconv.FormatInt(o.id, 10),
		Status:    models.OrderFilled,
		FillPrice: execPrice,
		FillTime:  ts,
	}
}

// updateEquity 记录当前权益 = 现金 + 未实现盈亏. 必须在持有锁的情况下调用
func (e *PaperExchange) updateEquity() {
	e.EquityCurve = append(e.EquityCurve, e.equity())
}

func (e *PaperExchange) equity() float64 {
	eq := e.Cash
	for sym, p := range e.position {
		if p.qty == 0 {
			continue
		}
		if price, ok := e.prices[sym]; ok {
			eq += (price - p.avgEntry) * p.qty
		}
	}
	return eq
}

// Equity 返回当前权益
func (e *PaperExchange) Equity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.equity()
}

// PositionQty 返回带符号的净持仓
func (e *PaperExchange) PositionQty(symbol string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p := e.position[symbol]; p != nil {
		return p.qty
	}
	return 0
}

// --- Gateway 接口实现 ---

// GetChartData 返回截至当前模拟时间的K线; 设置了 market 时直接转发
func (e *PaperExchange) GetChartData(ctx context.Context, q ChartQuery) ([]models.Candle, error) {
	if e.market != nil {
		return e.market.GetChartData(ctx, q)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	candles := e.history[q.Symbol]
	if q.EndTime > 0 {
		end := sort.Search(len(candles), func(i int) bool { return candles[i].CloseTime > q.EndTime })
		candles = candles[:end]
	}
	if q.Limit > 0 && len(candles) > q.Limit {
		candles = candles[len(candles)-q.Limit:]
	}
	return append([]models.Candle(nil), candles...), nil
}

// CreateOrder 创建模拟订单. MARKET 单按当前价立即成交, 成交信息写入回执
func (e *PaperExchange) CreateOrder(ctx context.Context, symbol string, side models.Side, orderType models.OrderType, size, price float64) (*OrderAck, error) {
	if !side.Valid() {
		return nil, errors.Errorf("非法的方向: %q", side)
	}
	if size <= 0 {
		return nil, errors.Errorf("非法的数量: %v", size)
	}

	e.mu.Lock()
	o := &paperOrder{
		id:        e.nextID,
		symbol:    symbol,
		side:      side,
		orderType: orderType,
		price:     price,
		size:      size,
		status:    models.OrderActive,
	}
	switch orderType {
	case models.Limit, models.Stop:
		if price <= 0 {
			e.mu.Unlock()
			return nil, errors.Errorf("非法的价格: %v", price)
		}
	case models.Market:
	default:
		e.mu.Unlock()
		return nil, errors.Errorf("不支持的订单类型: %s", orderType)
	}
	e.nextID++
	e.orders[o.id] = o
	ack := &OrderAck{OrderID: strconv.FormatInt(o.id, 10), Status: models.OrderActive}

	if orderType == models.Market {
		last, ok := e.prices[symbol]
		if !ok {
			e.mu.Unlock()
			p, err := e.marketPrice(ctx, symbol)
			e.mu.Lock()
			if err != nil {
				delete(e.orders, o.id)
				e.mu.Unlock()
				return nil, errors.Wrapf(err, "市价单缺少 %s 的价格", symbol)
			}
			e.prices[symbol] = p
			last = p
		}
		exec := e.fill(o, e.slip(side, last), e.TakerFeeRate)
		ack.Status = models.OrderFilled
		ack.FillPrice = exec.FillPrice
	}
	e.mu.Unlock()
	return ack, nil
}

func (e *PaperExchange) marketPrice(ctx context.Context, symbol string) (float64, error) {
	if e.market == nil {
		return 0, errors.New("没有行情数据")
	}
	t, err := e.market.GetTicker(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return t.Price, nil
}

// CancelOrder 撤销挂单
func (e *PaperExchange) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	id, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return errors.Wrapf(ErrOrderNotFound, "非法的订单号 %q", exchangeOrderID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok || o.symbol != symbol {
		return errors.Wrapf(ErrOrderNotFound, "订单 %s", exchangeOrderID)
	}
	if o.status != models.OrderActive {
		return errors.Errorf("订单 %s 状态为 %s, 无法撤销", exchangeOrderID, o.status)
	}
	o.status = models.OrderCanceled
	return nil
}

// GetTicker 返回最新价格
func (e *PaperExchange) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	e.mu.Lock()
	price, ok := e.prices[symbol]
	e.mu.Unlock()
	if ok {
		return &Ticker{Symbol: symbol, Price: price}, nil
	}
	price, err := e.marketPrice(ctx, symbol)
	if err != nil {
		return nil, errors.Wrapf(err, "没有 %s 的价格", symbol)
	}
	return &Ticker{Symbol: symbol, Price: price}, nil
}

// GetOpenOrders 返回所有未成交的模拟挂单
func (e *PaperExchange) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int64, 0, len(e.orders))
	for id, o := range e.orders {
		if o.symbol == symbol && o.status == models.OrderActive {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]OpenOrder, 0, len(ids))
	for _, id := range ids {
		o := e.orders[id]
		out = append(out, OpenOrder{
			OrderID: strconv.FormatInt(o.id, 10),
			Symbol:  o.symbol,
			Side:    o.side,
			Type:    o.orderType,
			Price:   o.price,
			Size:    o.size,
		})
	}
	return out, nil
}

// PollPrices 模拟盘使用: 定期从 market 拉取最新价并推进行情, 直到 ctx 结束
func (e *PaperExchange) PollPrices(ctx context.Context, symbols func() []string, interval time.Duration) {
	if e.market == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sym := range symbols() {
				t, err := e.market.GetTicker(ctx, sym)
				if err != nil {
					e.logger.Warn("poll price failed", zap.String("pair", sym), zap.Error(err))
					continue
				}
				e.SetPrice(sym, t.Price)
			}
		}
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
