package grid

import (
	"adaptive-grid-go/internal/eventbus"
	"adaptive-grid-go/internal/models"
	"context"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// HandleOrderExecuted 处理订单成交/撤销回报. 对已处于终态的订单重复回报是幂等的.
func (e *Engine) HandleOrderExecuted(ctx context.Context, ev models.OrderExecution) error {
	gridID := e.locateGrid(ev.GridID, ev.OrderID)
	if gridID == "" {
		return errors.Wrapf(ErrGridNotFound, "no grid owns order %s", ev.OrderID)
	}
	g, release := e.acquire(gridID)
	defer release()
	if g == nil {
		return errors.Wrapf(ErrGridNotFound, "grid %s", gridID)
	}

	ref, ok := findOrder(g, ev.OrderID)
	if !ok {
		return errors.Errorf("order %s not found in grid %s", ev.OrderID, gridID)
	}
	o := ref.order(g)

	switch ev.Status {
	case models.OrderFilled:
		price := ev.FillPrice
		if price <= 0 {
			price = o.Price
		}
		fillTime := ev.FillTime
		if fillTime <= 0 {
			fillTime = e.nowMs()
		}
		if !e.applyFill(ctx, g, ref, price, fillTime) {
			return nil
		}
	case models.OrderCanceled:
		if o.Status != models.OrderActive {
			return nil
		}
		o.Status = models.OrderCanceled
		o.UpdatedAt = e.nowMs()
		e.logger.Info("order canceled by exchange", zap.String("grid_id", g.ID), zap.String("order_id", o.ID))
	default:
		return nil
	}

	e.checkCompletion(ctx, g)
	e.commit(g)
	e.Persist()
	return nil
}

// HandlePositionClosed 处理外部平仓通知: 标记持仓已平, 撤销其止盈止损单
func (e *Engine) HandlePositionClosed(ctx context.Context, ev models.PositionClosedEvent) error {
	gridID := ev.GridID
	if gridID == "" {
		gridID = e.gridForPosition(ev.PositionID)
	}
	g, release := e.acquire(gridID)
	defer release()
	if g == nil {
		return errors.Wrapf(ErrGridNotFound, "grid %q for position %s", gridID, ev.PositionID)
	}

	idx := -1
	for i := range g.Positions {
		if g.Positions[i].ID == ev.PositionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errors.Errorf("position %s not found in grid %s", ev.PositionID, g.ID)
	}
	if g.Positions[idx].Status == models.PositionClosed {
		return nil
	}

	p := &g.Positions[idx]
	p.Status = models.PositionClosed
	p.CloseTime = e.nowMs()
	p.ClosePrice = g.CurrentPrice
	p.CloseReason = models.ReasonExternalClose
	p.Profit = ev.Profit
	g.Stats.TotalProfit += ev.Profit
	g.Stats.ClosedPositions++
	e.emitPositionClosed(g, *p)
	e.cancelPositionOrders(ctx, g, p.EntryOrderID, "")

	e.checkCompletion(ctx, g)
	e.commit(g)
	e.Persist()
	return nil
}

// applyFill 将订单标记为成交并推进状态. 返回 false 表示重复回报.
// 调用方必须持有网格锁.
func (e *Engine) applyFill(ctx context.Context, g *models.Grid, ref orderRef, price float64, fillTime int64) bool {
	o := ref.order(g)
	if o.Status == models.OrderFilled || o.Status == models.OrderCanceled {
		return false
	}
	o.Status = models.OrderFilled
	o.FillPrice = price
	o.FillTime = fillTime
	o.UpdatedAt = e.nowMs()

	if ref.kind == entryKind {
		e.openPosition(ctx, g, ref.index)
		return true
	}
	e.closeByExitOrder(ctx, g, ref)
	return true
}

// openPosition 入场单成交: 建仓, 挂出配对的止盈止损单, 并立即推进下一层入场单
func (e *Engine) openPosition(ctx context.Context, g *models.Grid, entryIdx int) {
	entry := g.EntryOrders[entryIdx]
	pos := models.Position{
		ID:           fmt.Sprintf("%s_position_%d", g.ID, entry.Level),
		EntryOrderID: entry.ID,
		Level:        entry.Level,
		EntryPrice:   entry.FillPrice,
		Size:         entry.Size,
		Direction:    g.Direction,
		Status:       models.PositionOpen,
		OpenTime:     entry.FillTime,
	}
	g.Positions = append(g.Positions, pos)
	g.EntryOrders[entryIdx].PositionID = pos.ID
	g.Stats.FilledOrders++

	e.logger.Info("position opened",
		zap.String("grid_id", g.ID),
		zap.String("position_id", pos.ID),
		zap.Float64("price", pos.EntryPrice),
		zap.Float64("size", pos.Size))
	e.emit(g.ID, eventbus.TopicGridPositionOpened, models.PositionOpenedEvent{
		EventMeta:  e.meta(g.ID),
		PositionID: pos.ID,
		Level:      pos.Level,
		Price:      pos.EntryPrice,
		Size:       pos.Size,
	})

	tp, sl := pairedOrders(g, entry.ID)
	if tp >= 0 {
		g.TakeProfitOrders[tp].PositionID = pos.ID
	}
	if sl >= 0 {
		g.StopLossOrders[sl].PositionID = pos.ID
	}
	if tp >= 0 && g.TakeProfitOrders[tp].Status == models.OrderPending {
		e.submit(ctx, g, orderRef{kind: takeProfitKind, index: tp}, pos.ID)
	}
	if sl >= 0 && g.StopLossOrders[sl].Status == models.OrderPending && e.positionOpen(g, pos.ID) {
		e.submit(ctx, g, orderRef{kind: stopLossKind, index: sl}, pos.ID)
	}

	next := entryIdx + 1
	if next < len(g.EntryOrders) && g.EntryOrders[next].Status == models.OrderPending {
		e.submit(ctx, g, orderRef{kind: entryKind, index: next}, "")
	}
}

// closeByExitOrder 止盈/止损单成交: 平掉对应持仓并撤销另一张配对单
func (e *Engine) closeByExitOrder(ctx context.Context, g *models.Grid, ref orderRef) {
	o := ref.order(g)
	idx := e.positionFor(g, o)
	if idx < 0 {
		e.logger.Warn("no position for exit order", zap.String("grid_id", g.ID), zap.String("order_id", o.ID))
		return
	}
	if g.Positions[idx].Status == models.PositionClosed {
		e.logger.Warn("exit order filled for closed position",
			zap.String("grid_id", g.ID),
			zap.String("order_id", o.ID),
			zap.String("position_id", g.Positions[idx].ID))
		return
	}
	reason := models.ReasonTakeProfit
	if ref.kind == stopLossKind {
		reason = models.ReasonStopLoss
	}
	e.closePosition(g, idx, o.FillPrice, o.FillTime, o.ID, reason)
	e.cancelPositionOrders(ctx, g, g.Positions[idx].EntryOrderID, o.ID)
}

// closePosition 标记持仓已平并计算盈亏
func (e *Engine) closePosition(g *models.Grid, idx int, price float64, closeTime int64, closeOrderID, reason string) {
	p := &g.Positions[idx]
	p.Status = models.PositionClosed
	p.CloseTime = closeTime
	p.ClosePrice = price
	p.CloseOrderID = closeOrderID
	p.CloseReason = reason
	p.Profit = positionProfit(p.Direction, p.EntryPrice, price, p.Size)

	g.Stats.TotalProfit += p.Profit
	g.Stats.ClosedPositions++

	e.logger.Info("position closed",
		zap.String("grid_id", g.ID),
		zap.String("position_id", p.ID),
		zap.Float64("price", price),
		zap.Float64("profit", p.Profit),
		zap.String("reason", reason))
	e.emitPositionClosed(g, *p)
}

func (e *Engine) emitPositionClosed(g *models.Grid, p models.Position) {
	e.emit(g.ID, eventbus.TopicGridPositionClosed, models.GridPositionClosedEvent{
		EventMeta:  e.meta(g.ID),
		PositionID: p.ID,
		Level:      p.Level,
		EntryPrice: p.EntryPrice,
		ClosePrice: p.ClosePrice,
		Profit:     p.Profit,
		Reason:     p.CloseReason,
	})
}

// closePositionsAtMarket 以市价单平掉指定持仓, 返回成功平仓的数量.
// 下单失败的持仓保持 OPEN, 下一轮检查再处理.
func (e *Engine) closePositionsAtMarket(ctx context.Context, g *models.Grid, ids []string, price float64, reason string) int {
	closed := 0
	for _, id := range ids {
		idx := positionIndex(g, id)
		if idx < 0 || g.Positions[idx].Status != models.PositionOpen {
			continue
		}
		p := g.Positions[idx]
		ack, err := e.gw.CreateOrder(ctx, g.Pair, g.Direction.Opposite(), models.Market, p.Size, 0)
		if err != nil {
			e.logger.Warn("market close failed",
				zap.String("grid_id", g.ID),
				zap.String("position_id", p.ID),
				zap.Error(err))
			continue
		}
		closePrice := price
		if ack.FillPrice > 0 {
			closePrice = ack.FillPrice
		}
		e.closePosition(g, idx, closePrice, e.nowMs(), ack.OrderID, reason)
		e.cancelPositionOrders(ctx, g, p.EntryOrderID, "")
		closed++
	}
	return closed
}

// cancelPositionOrders 撤销持仓剩余的止盈/止损单. 从未挂出的配对单直接作废
func (e *Engine) cancelPositionOrders(ctx context.Context, g *models.Grid, entryID, exceptID string) {
	tp, sl := pairedOrders(g, entryID)
	for _, ref := range []orderRef{{takeProfitKind, tp}, {stopLossKind, sl}} {
		if ref.index < 0 {
			continue
		}
		o := ref.order(g)
		if o.ID == exceptID {
			continue
		}
		switch o.Status {
		case models.OrderActive:
			e.cancelOrder(ctx, g, o)
		case models.OrderPending:
			o.Status = models.OrderCanceled
			o.UpdatedAt = e.nowMs()
		}
	}
}

// checkCompletion 所有持仓已平且没有挂单时, 以 ALL_POSITIONS_CLOSED 完成网格
func (e *Engine) checkCompletion(ctx context.Context, g *models.Grid) {
	if g.Status != models.GridActive || len(g.Positions) == 0 {
		return
	}
	if len(g.OpenPositions()) > 0 || g.HasActiveOrders() {
		return
	}
	e.completeLocked(ctx, g, models.ReasonAllPositionsClosed)
}

// locateGrid 按 gridId、交易所订单号或内部订单号定位网格
func (e *Engine) locateGrid(gridID, orderID string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if gridID != "" {
		if _, ok := e.active[gridID]; ok {
			return gridID
		}
	}
	if id, ok := e.orderIndex[orderID]; ok {
		return id
	}
	for id, snap := range e.snapshots {
		if _, ok := findOrder(snap, orderID); ok {
			return id
		}
	}
	return ""
}

func (e *Engine) gridForPosition(positionID string) string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for id, snap := range e.snapshots {
		if positionIndex(snap, positionID) >= 0 {
			return id
		}
	}
	return ""
}

func (e *Engine) positionFor(g *models.Grid, o *models.Order) int {
	if o.PositionID != "" {
		if idx := positionIndex(g, o.PositionID); idx >= 0 {
			return idx
		}
	}
	for i := range g.Positions {
		if g.Positions[i].EntryOrderID == o.EntryOrderID {
			return i
		}
	}
	return -1
}

func (e *Engine) positionOpen(g *models.Grid, id string) bool {
	idx := positionIndex(g, id)
	return idx >= 0 && g.Positions[idx].Status == models.PositionOpen
}

func positionIndex(g *models.Grid, id string) int {
	for i := range g.Positions {
		if g.Positions[i].ID == id {
			return i
		}
	}
	return -1
}

func positionProfit(dir models.Side, entry, exit, size float64) float64 {
	if dir == models.Sell {
		return (entry - exit) * size
	}
	return (exit - entry) * size
}
