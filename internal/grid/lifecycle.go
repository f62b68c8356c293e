package grid

import (
	"adaptive-grid-go/internal/eventbus"
	"adaptive-grid-go/internal/models"
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// CloseGrid 以市价平掉所有持仓, 然后完成网格. reason 为空时使用 MANUAL_CLOSE
func (e *Engine) CloseGrid(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = models.ReasonManualClose
	}
	g, release := e.acquire(id)
	defer release()
	if g == nil {
		return errors.Wrapf(ErrGridNotFound, "grid %s", id)
	}
	return e.closeLocked(ctx, g, reason, 0)
}

// CompleteGrid 撤销挂单并将网格移入历史, 不处理持仓
func (e *Engine) CompleteGrid(ctx context.Context, id, reason string) error {
	g, release := e.acquire(id)
	defer release()
	if g == nil {
		return errors.Wrapf(ErrGridNotFound, "grid %s", id)
	}
	e.completeLocked(ctx, g, reason)
	return nil
}

// closeLocked 平仓并完成网格. price <= 0 时从交易所获取最新价
func (e *Engine) closeLocked(ctx context.Context, g *models.Grid, reason string, price float64) error {
	open := g.OpenPositions()
	if len(open) > 0 {
		if price <= 0 {
			t, err := e.gw.GetTicker(ctx, g.Pair)
			switch {
			case err == nil:
				price = t.Price
				g.CurrentPrice = price
			case g.CurrentPrice > 0:
				e.logger.Warn("ticker unavailable, closing at last price",
					zap.String("grid_id", g.ID), zap.Float64("price", g.CurrentPrice), zap.Error(err))
				price = g.CurrentPrice
			default:
				return errors.Wrapf(err, "close grid %s", g.ID)
			}
		}
		ids := make([]string, 0, len(open))
		for _, i := range open {
			ids = append(ids, g.Positions[i].ID)
		}
		// 有持仓未能平掉时网格保持运行, 其止盈止损单仍在交易所, 下一轮检查重试
		if closed := e.closePositionsAtMarket(ctx, g, ids, price, reason); closed < len(ids) {
			e.commit(g)
			e.Persist()
			return errors.Errorf("close grid %s: %d of %d positions still open", g.ID, len(ids)-closed, len(ids))
		}
	}
	e.completeLocked(ctx, g, reason)
	return nil
}

// completeLocked 撤销所有挂单, 设置完成状态并移入历史. 调用方必须持有网格锁
func (e *Engine) completeLocked(ctx context.Context, g *models.Grid, reason string) {
	if g.Status == models.GridCompleted {
		return
	}
	e.cancelAllOrders(ctx, g)

	now := e.nowMs()
	g.Status = models.GridCompleted
	g.CompletionReason = reason
	g.CompletedAt = now
	g.LastUpdateTime = now
	g.Stats.FinalProfit = g.Stats.TotalProfit
	g.Stats.Duration = now - g.CreatedAt
	done := g.Clone()

	e.mu.Lock()
	delete(e.active, g.ID)
	delete(e.snapshots, g.ID)
	delete(e.locks, g.ID)
	e.unindexGridLocked(g)
	e.history = append(e.history, done)
	e.trimHistoryLocked()
	e.mu.Unlock()

	e.logger.Info("grid completed",
		zap.String("grid_id", g.ID),
		zap.String("pair", g.Pair),
		zap.String("reason", reason),
		zap.Float64("profit", done.Stats.FinalProfit),
		zap.Int64("duration_ms", done.Stats.Duration))

	e.Persist()
	if e.archiver != nil {
		if err := e.archiver.ArchiveGrid(done); err != nil {
			e.logger.Error("archive grid failed", zap.String("grid_id", g.ID), zap.Error(err))
		}
	}
	e.emit(g.ID, eventbus.TopicGridCompleted, models.GridCompletedEvent{
		EventMeta: e.meta(g.ID),
		Reason:    reason,
		Profit:    done.Stats.FinalProfit,
		Duration:  done.Stats.Duration,
	})
}
