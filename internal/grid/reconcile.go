package grid

import (
	"adaptive-grid-go/internal/eventbus"
	"adaptive-grid-go/internal/exchange"
	"adaptive-grid-go/internal/models"
	"adaptive-grid-go/internal/risk"
	"context"
	"math"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// escalationTolerance 下一层入场价的触发容差 (1%)
const escalationTolerance = 0.01

// CheckAllGrids 对所有运行中的网格执行一次检查. 单个网格的错误只记录日志, 不影响其它网格
func (e *Engine) CheckAllGrids(ctx context.Context) error {
	e.mu.RLock()
	ids := make([]string, 0, len(e.snapshots))
	for id := range e.snapshots {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	sort.Strings(ids)

	limit := e.Config().MaxParallelChecks
	if limit <= 0 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := e.CheckGridStatus(ctx, id); err != nil && !errors.Is(err, ErrGridNotFound) {
				e.logger.Warn("grid check failed", zap.String("grid_id", id), zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// CheckGridStatus 对单个网格执行一轮检查, 步骤顺序固定:
// 止损 -> 移动止损 -> 分批止盈 -> 挂单推进 -> 整体止盈 -> 波动率调整 -> 持久化.
// 任何一步完成了网格, 后续步骤都不再执行.
func (e *Engine) CheckGridStatus(ctx context.Context, id string) error {
	g, release := e.acquire(id)
	defer release()
	if g == nil {
		return errors.Wrapf(ErrGridNotFound, "grid %s", id)
	}
	if g.Status != models.GridActive {
		return nil
	}

	t, err := e.gw.GetTicker(ctx, g.Pair)
	if err != nil {
		return errors.Wrapf(err, "ticker %s", g.Pair)
	}
	price := t.Price
	g.CurrentPrice = price
	g.LastCheckTime = e.nowMs()
	if g.Stats.HighestPrice == 0 || price > g.Stats.HighestPrice {
		g.Stats.HighestPrice = price
	}
	if g.Stats.LowestPrice == 0 || price < g.Stats.LowestPrice {
		g.Stats.LowestPrice = price
	}

	if e.shouldStopLoss(g, price) {
		e.logger.Warn("max drawdown reached", zap.String("grid_id", g.ID), zap.Float64("price", price))
		return e.closeLocked(ctx, g, models.ReasonStopLoss, price)
	}

	if g.TrailingStopEnabled && e.updateTrailingStop(g, price) {
		e.logger.Info("trailing stop triggered", zap.String("grid_id", g.ID), zap.Float64("price", price))
		return e.closeLocked(ctx, g, models.ReasonTrailingStop, price)
	}

	if g.EnablePartialTakeProfit {
		e.partialTakeProfit(ctx, g, price)
	}

	e.escalate(ctx, g, price)
	e.retryExitOrders(ctx, g)

	if e.shouldTakeProfit(g) {
		e.logger.Info("grid take profit reached", zap.String("grid_id", g.ID), zap.Float64("profit", g.Stats.TotalProfit))
		return e.closeLocked(ctx, g, models.ReasonTakeProfit, price)
	}

	e.readjust(ctx, g)

	e.commit(g)
	e.Persist()
	return nil
}

// shouldStopLoss 计算未平仓持仓的浮亏比例, 更新最大回撤, 判断是否超过 maxDrawdownPercent
func (e *Engine) shouldStopLoss(g *models.Grid, price float64) bool {
	invested, value := 0.0, 0.0
	for _, i := range g.OpenPositions() {
		p := g.Positions[i]
		invested += p.EntryPrice * p.Size
		value += price * p.Size
	}
	if invested <= 0 {
		return false
	}
	pl := value - invested
	if g.Direction == models.Sell {
		pl = invested - value
	}
	drawdown := pl / invested * 100
	if drawdown < g.Stats.MaxDrawdown {
		g.Stats.MaxDrawdown = drawdown
	}
	return drawdown < 0 && -drawdown >= e.Config().MaxDrawdownPercent
}

// updateTrailingStop 激活或上移移动止损, 返回是否触发
func (e *Engine) updateTrailingStop(g *models.Grid, price float64) bool {
	step := g.Params.GridStep
	if g.TrailingStopValue == nil {
		activation := g.Params.TrailingStopActivationLevel
		crossed := price >= activation
		if g.Direction == models.Sell {
			crossed = price <= activation
		}
		if !crossed || activation <= 0 {
			return false
		}
		// 初始距离为止损距离的一半
		distance := g.Params.StopLossDistance / 2
		v := price - distance
		if g.Direction == models.Sell {
			v = price + distance
		}
		g.TrailingStopValue = &v
		e.logger.Info("trailing stop activated", zap.String("grid_id", g.ID), zap.Float64("value", v), zap.Float64("price", price))
		e.emit(g.ID, eventbus.TopicGridTrailingStopActivated, models.TrailingStopActivatedEvent{
			EventMeta:       e.meta(g.ID),
			Value:           v,
			ActivationPrice: price,
		})
	} else {
		cur := *g.TrailingStopValue
		next, moved := cur, false
		if g.Direction == models.Buy && price-step > cur {
			next, moved = price-step, true
		} else if g.Direction == models.Sell && price+step < cur {
			next, moved = price+step, true
		}
		if moved {
			g.TrailingStopValue = &next
			e.logger.Debug("trailing stop moved", zap.String("grid_id", g.ID), zap.Float64("value", next))
			e.emit(g.ID, eventbus.TopicGridTrailingStopUpdated, models.TrailingStopUpdatedEvent{
				EventMeta:    e.meta(g.ID),
				Value:        next,
				CurrentPrice: price,
			})
		}
	}

	v := *g.TrailingStopValue
	if g.Direction == models.Sell {
		return price >= v
	}
	return price <= v
}

// partialTakeProfit 按阈值从低到高检查分批止盈, 遇到第一个未达到的阈值即停止.
// 每个比例只执行一次; 先平入场价最差的持仓.
func (e *Engine) partialTakeProfit(ctx context.Context, g *models.Grid, price float64) {
	open := g.OpenPositions()
	if len(open) == 0 || len(g.PartialTakeProfitLevels) == 0 {
		return
	}
	cost, size := 0.0, 0.0
	for _, i := range open {
		cost += g.Positions[i].EntryPrice * g.Positions[i].Size
		size += g.Positions[i].Size
	}
	if size <= 0 {
		return
	}
	avgEntry := cost / size
	profitPct := (price - avgEntry) / avgEntry * 100
	if g.Direction == models.Sell {
		profitPct = (avgEntry - price) / avgEntry * 100
	}

	levels := append([]models.PartialTakeProfitLevel(nil), g.PartialTakeProfitLevels...)
	sort.SliceStable(levels, func(i, j int) bool {
		if levels[i].ProfitPercent == levels[j].ProfitPercent {
			return levels[i].Level < levels[j].Level
		}
		return levels[i].ProfitPercent < levels[j].ProfitPercent
	})

	for _, lvl := range levels {
		if partialExecuted(g, lvl.Level) {
			continue
		}
		if profitPct < lvl.ProfitPercent {
			break
		}
		targets := worstPositions(g, lvl.Level)
		if len(targets) == 0 {
			break
		}
		reason := "PARTIAL_TP_" + strconv.FormatFloat(lvl.Level, 'f', -1, 64)
		closed := e.closePositionsAtMarket(ctx, g, targets, price, reason)
		if closed == 0 {
			break
		}
		g.PartialTakeProfitExecuted = append(g.PartialTakeProfitExecuted, lvl.Level)
		e.logger.Info("partial take profit",
			zap.String("grid_id", g.ID),
			zap.Float64("level", lvl.Level),
			zap.Float64("profit_percent", profitPct),
			zap.Int("closed", closed))
		e.emit(g.ID, eventbus.TopicGridPartialTakeProfit, models.PartialTakeProfitEvent{
			EventMeta:       e.meta(g.ID),
			Level:           lvl.Level,
			ProfitPercent:   math.Round(profitPct*100) / 100,
			ClosedPositions: closed,
			Price:           price,
		})
	}
}

func partialExecuted(g *models.Grid, level float64) bool {
	for _, l := range g.PartialTakeProfitExecuted {
		if l == level {
			return true
		}
	}
	return false
}

// worstPositions 选出 ceil(未平仓数 * level) 个入场价最差的持仓 (BUY 最高, SELL 最低)
func worstPositions(g *models.Grid, level float64) []string {
	open := g.OpenPositions()
	sort.SliceStable(open, func(i, j int) bool {
		a, b := g.Positions[open[i]].EntryPrice, g.Positions[open[j]].EntryPrice
		if g.Direction == models.Sell {
			return a < b
		}
		return a > b
	})
	n := int(math.Ceil(float64(len(open)) * level))
	if n > len(open) {
		n = len(open)
	}
	ids := make([]string, 0, n)
	for _, i := range open[:n] {
		ids = append(ids, g.Positions[i].ID)
	}
	return ids
}

// escalate 价格到达下一层 (1% 容差) 时挂出该层入场单.
// 没有任何已挂出/已成交的入场单时, 重新提交第一张待挂单.
func (e *Engine) escalate(ctx context.Context, g *models.Grid, price float64) {
	deepest := -1
	firstPending := -1
	for i, o := range g.EntryOrders {
		switch o.Status {
		case models.OrderActive, models.OrderFilled:
			if o.Level > deepest {
				deepest = o.Level
			}
		case models.OrderPending:
			if firstPending < 0 {
				firstPending = i
			}
		}
	}
	if firstPending < 0 {
		return
	}
	if deepest < 0 {
		e.submit(ctx, g, orderRef{kind: entryKind, index: firstPending}, "")
		return
	}

	for i, o := range g.EntryOrders {
		if o.Level != deepest+1 || o.Status != models.OrderPending {
			continue
		}
		crossed := price <= o.Price*(1+escalationTolerance)
		if g.Direction == models.Sell {
			crossed = price >= o.Price*(1-escalationTolerance)
		}
		if crossed {
			e.submit(ctx, g, orderRef{kind: entryKind, index: i}, "")
		}
		return
	}
}

// retryExitOrders 重新提交未平仓持仓上仍为 PENDING 的止盈/止损单
func (e *Engine) retryExitOrders(ctx context.Context, g *models.Grid) {
	type pending struct {
		ref        orderRef
		positionID string
	}
	var todo []pending
	for _, i := range g.OpenPositions() {
		p := g.Positions[i]
		tp, sl := pairedOrders(g, p.EntryOrderID)
		if tp >= 0 && g.TakeProfitOrders[tp].Status == models.OrderPending {
			todo = append(todo, pending{orderRef{takeProfitKind, tp}, p.ID})
		}
		if sl >= 0 && g.StopLossOrders[sl].Status == models.OrderPending {
			todo = append(todo, pending{orderRef{stopLossKind, sl}, p.ID})
		}
	}
	for _, t := range todo {
		if !e.positionOpen(g, t.positionID) || t.ref.order(g).Status != models.OrderPending {
			continue
		}
		e.submit(ctx, g, t.ref, t.positionID)
	}
}

// shouldTakeProfit 所有持仓都已平, 或已实现收益达到 targetProfitPercent
func (e *Engine) shouldTakeProfit(g *models.Grid) bool {
	if len(g.Positions) == 0 {
		return false
	}
	if len(g.OpenPositions()) == 0 {
		return true
	}
	invested := 0.0
	for _, p := range g.Positions {
		invested += p.EntryPrice * p.Size
	}
	if invested < 1e-4 {
		return false
	}
	return g.Stats.TotalProfit/invested*100 >= e.Config().TargetProfitPercent
}

// readjust 重新计算 ATR; 与网格记录的 ATR 之比超出 [0.7, 1.5] 时按新波动率重排未挂出的订单.
// 已挂出的订单保持不变.
func (e *Engine) readjust(ctx context.Context, g *models.Grid) {
	cfg := e.Config()
	candles, err := e.gw.GetChartData(ctx, exchange.ChartQuery{
		Symbol:   g.Pair,
		Interval: cfg.ChartInterval,
		Limit:    cfg.ChartLimit,
	})
	if err != nil {
		e.logger.Warn("readjust: fetch chart data failed", zap.String("grid_id", g.ID), zap.Error(err))
		return
	}
	newATR := risk.ComputeATR(candles, cfg.ATRPeriod)
	oldATR := g.Params.ATR
	if newATR <= 0 || !risk.ShouldRescale(oldATR, newATR) {
		return
	}

	// 沿用网格创建时的倍数
	oldStep := g.Params.GridStep
	spacing, tpFactor, slFactor := cfg.GridSpacingATRMultiplier, cfg.TakeProfitFactor, cfg.StopLossFactor
	if oldATR > 0 && oldStep > 0 {
		spacing = oldStep / oldATR
		tpFactor = g.Params.TakeProfitDistance / oldStep
		slFactor = g.Params.StopLossDistance / oldStep
	}
	newStep := newATR * spacing

	g.Params.ATR = newATR
	g.Params.GridStep = newStep
	g.Params.TakeProfitDistance = newStep * tpFactor
	g.Params.StopLossDistance = newStep * slFactor

	repriced := 0
	for i := range g.EntryOrders {
		o := &g.EntryOrders[i]
		if o.Status != models.OrderPending {
			continue
		}
		price := ladderPrice(g.Direction, g.StartPrice, o.Level, newStep)
		o.Price = risk.RoundPrice(price)
		o.UpdatedAt = e.nowMs()
		tpPrice, slPrice := exitPrices(g.Direction, price, g.Params.TakeProfitDistance, g.Params.StopLossDistance)
		tp, sl := pairedOrders(g, o.ID)
		if tp >= 0 && g.TakeProfitOrders[tp].Status == models.OrderPending {
			g.TakeProfitOrders[tp].Price = risk.RoundPrice(tpPrice)
		}
		if sl >= 0 && g.StopLossOrders[sl].Status == models.OrderPending {
			g.StopLossOrders[sl].Price = risk.RoundPrice(slPrice)
		}
		repriced++
	}

	e.logger.Info("grid readjusted",
		zap.String("grid_id", g.ID),
		zap.Float64("old_atr", oldATR),
		zap.Float64("new_atr", newATR),
		zap.Float64("new_grid_step", newStep),
		zap.Int("repriced", repriced))
	e.emit(g.ID, eventbus.TopicGridAdjusted, models.GridAdjustedEvent{
		EventMeta:   e.meta(g.ID),
		OldATR:      oldATR,
		NewATR:      newATR,
		OldGridStep: oldStep,
		NewGridStep: newStep,
	})
}
