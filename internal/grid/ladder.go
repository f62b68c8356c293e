package grid

import (
	"adaptive-grid-go/internal/exchange"
	"adaptive-grid-go/internal/models"
	"adaptive-grid-go/internal/risk"
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Ladder 一个网格的三条订单梯队, 下标即层级
type Ladder struct {
	EntryOrders      []models.Order
	TakeProfitOrders []models.Order
	StopLossOrders   []models.Order
}

// GenerateGridOrders 生成入场/止盈/止损梯队. 所有订单初始为 PENDING.
// 入场价沿不利方向逐层远离起始价 (BUY 向下, SELL 向上), 止盈止损与入场单一一配对.
func GenerateGridOrders(g *models.Grid, cfg models.GridConfig, createdAt int64) Ladder {
	p := g.Params
	levels := p.GridLevels
	ladder := Ladder{
		EntryOrders:      make([]models.Order, 0, levels),
		TakeProfitOrders: make([]models.Order, 0, levels),
		StopLossOrders:   make([]models.Order, 0, levels),
	}

	for i := 0; i < levels; i++ {
		price := ladderPrice(g.Direction, g.StartPrice, i, p.GridStep)
		size := p.PositionSize
		if cfg.IsDynamicPositionSizing() {
			size = p.PositionSize * math.Pow(cfg.ScalingFactor, float64(i))
		}
		size = risk.RoundSize(size)
		tp, sl := exitPrices(g.Direction, price, p.TakeProfitDistance, p.StopLossDistance)

		entryID := fmt.Sprintf("%s_entry_%d", g.ID, i)
		ladder.EntryOrders = append(ladder.EntryOrders, models.Order{
			ID:        entryID,
			Price:     risk.RoundPrice(price),
			Size:      size,
			Type:      models.Limit,
			Status:    models.OrderPending,
			Level:     i,
			CreatedAt: createdAt,
		})
		ladder.TakeProfitOrders = append(ladder.TakeProfitOrders, models.Order{
			ID:           fmt.Sprintf("%s_tp_%d", g.ID, i),
			Price:        risk.RoundPrice(tp),
			Size:         size,
			Type:         models.Limit,
			Status:       models.OrderPending,
			Level:        i,
			EntryOrderID: entryID,
			CreatedAt:    createdAt,
		})
		ladder.StopLossOrders = append(ladder.StopLossOrders, models.Order{
			ID:           fmt.Sprintf("%s_sl_%d", g.ID, i),
			Price:        risk.RoundPrice(sl),
			Size:         size,
			Type:         models.Stop,
			Status:       models.OrderPending,
			Level:        i,
			EntryOrderID: entryID,
			CreatedAt:    createdAt,
		})
	}
	return ladder
}

func ladderPrice(dir models.Side, start float64, level int, step float64) float64 {
	if dir == models.Sell {
		return start + float64(level)*step
	}
	return start - float64(level)*step
}

func exitPrices(dir models.Side, entry, tpDistance, slDistance float64) (tp, sl float64) {
	if dir == models.Sell {
		return entry - tpDistance, entry + slDistance
	}
	return entry + tpDistance, entry - slDistance
}

// orderRef 订单在网格中的位置
type orderRef struct {
	kind  orderKind
	index int
}

type orderKind int

const (
	entryKind orderKind = iota
	takeProfitKind
	stopLossKind
)

func (k orderKind) String() string {
	switch k {
	case takeProfitKind:
		return "take_profit"
	case stopLossKind:
		return "stop_loss"
	default:
		return "entry"
	}
}

func ladderOf(g *models.Grid, kind orderKind) []models.Order {
	switch kind {
	case takeProfitKind:
		return g.TakeProfitOrders
	case stopLossKind:
		return g.StopLossOrders
	default:
		return g.EntryOrders
	}
}

func (r orderRef) order(g *models.Grid) *models.Order {
	return &ladderOf(g, r.kind)[r.index]
}

// findOrder 按内部 id 或交易所订单号查找订单
func findOrder(g *models.Grid, id string) (orderRef, bool) {
	for _, kind := range []orderKind{entryKind, takeProfitKind, stopLossKind} {
		for i, o := range ladderOf(g, kind) {
			if o.ID == id || (o.ExchangeOrderID != "" && o.ExchangeOrderID == id) {
				return orderRef{kind: kind, index: i}, true
			}
		}
	}
	return orderRef{}, false
}

// pairedOrders 返回与入场单配对的止盈/止损单下标, 找不到时为 -1
func pairedOrders(g *models.Grid, entryID string) (tp, sl int) {
	tp, sl = -1, -1
	for i := range g.TakeProfitOrders {
		if g.TakeProfitOrders[i].EntryOrderID == entryID {
			tp = i
			break
		}
	}
	for i := range g.StopLossOrders {
		if g.StopLossOrders[i].EntryOrderID == entryID {
			sl = i
			break
		}
	}
	return tp, sl
}

// retryDelay 第 attempts 次失败后的等待时间
func (e *Engine) retryDelay(attempts int) time.Duration {
	cfg := e.Config()
	b := &backoff.Backoff{
		Min:    time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond,
		Max:    time.Duration(cfg.RetryMaxDelayMs) * time.Millisecond,
		Factor: 2,
		Jitter: true,
	}
	return b.ForAttempt(float64(attempts - 1))
}

// placeOrder 向交易所提交订单. 失败时订单保持原状态, 并记录下次可重试的时间.
// 调用方必须持有网格锁.
func (e *Engine) placeOrder(ctx context.Context, g *models.Grid, ref orderRef, positionID string) (*exchange.OrderAck, error) {
	o := ref.order(g)
	now := e.now()
	if o.NextAttemptAt > 0 && now.UnixMilli() < o.NextAttemptAt {
		return nil, errors.Errorf("order %s backing off until %d", o.ID, o.NextAttemptAt)
	}

	side := g.Direction
	if ref.kind != entryKind {
		side = g.Direction.Opposite()
	}

	ack, err := e.gw.CreateOrder(ctx, g.Pair, side, o.Type, o.Size, o.Price)
	if err != nil {
		o.Attempts++
		o.NextAttemptAt = now.Add(e.retryDelay(o.Attempts)).UnixMilli()
		e.logger.Warn("place order failed",
			zap.String("grid_id", g.ID),
			zap.String("order_id", o.ID),
			zap.Int("attempts", o.Attempts),
			zap.Error(err))
		return nil, errors.Wrapf(err, "place order %s", o.ID)
	}

	o.Status = models.OrderActive
	o.ExchangeOrderID = ack.OrderID
	o.Attempts = 0
	o.NextAttemptAt = 0
	o.UpdatedAt = now.UnixMilli()
	if positionID != "" {
		o.PositionID = positionID
	}
	if ack.OrderID != "" {
		e.mu.Lock()
		e.orderIndex[ack.OrderID] = g.ID
		e.mu.Unlock()
	}

	e.logger.Info("order placed",
		zap.String("grid_id", g.ID),
		zap.String("order_id", o.ID),
		zap.String("kind", ref.kind.String()),
		zap.String("side", string(side)),
		zap.Float64("price", o.Price),
		zap.Float64("size", o.Size))
	return ack, nil
}

// submit 提交订单; 回执已成交时 (例如市价或立即成交的限价单) 直接按成交处理
func (e *Engine) submit(ctx context.Context, g *models.Grid, ref orderRef, positionID string) bool {
	ack, err := e.placeOrder(ctx, g, ref, positionID)
	if err != nil {
		return false
	}
	if ack.Status == models.OrderFilled {
		o := ref.order(g)
		price := ack.FillPrice
		if price <= 0 {
			price = o.Price
		}
		e.applyFill(ctx, g, ref, price, e.nowMs())
	}
	return true
}

// cancelOrder 撤销挂单. 交易所报告订单不存在时同样视为已撤销
func (e *Engine) cancelOrder(ctx context.Context, g *models.Grid, o *models.Order) bool {
	if o.Status != models.OrderActive {
		return false
	}
	if o.ExchangeOrderID != "" {
		if err := e.gw.CancelOrder(ctx, g.Pair, o.ExchangeOrderID); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			e.logger.Warn("cancel order failed",
				zap.String("grid_id", g.ID),
				zap.String("order_id", o.ID),
				zap.Error(err))
			return false
		}
	}
	o.Status = models.OrderCanceled
	o.UpdatedAt = e.nowMs()
	return true
}

// cancelAllOrders 撤销网格的全部挂单 (尽力而为)
func (e *Engine) cancelAllOrders(ctx context.Context, g *models.Grid) {
	for _, ladder := range [][]models.Order{g.EntryOrders, g.TakeProfitOrders, g.StopLossOrders} {
		for i := range ladder {
			e.cancelOrder(ctx, g, &ladder[i])
		}
	}
}
