package grid

import (
	"adaptive-grid-go/internal/eventbus"
	"adaptive-grid-go/internal/exchange"
	"adaptive-grid-go/internal/models"
	"adaptive-grid-go/internal/risk"
	"context"
	"math"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// CreateResult 网格创建结果
type CreateResult struct {
	GridID           string
	Pair             string
	Direction        models.Side
	EntryOrders      []models.Order
	TakeProfitOrders []models.Order
	StopLossOrders   []models.Order
}

// ValidateSignal 检查信号的结构是否合法
func ValidateSignal(s models.Signal) error {
	switch {
	case strings.TrimSpace(s.Pair) == "":
		return errors.Wrap(ErrInvalidSignal, "pair is required")
	case !s.Direction.Valid():
		return errors.Wrapf(ErrInvalidSignal, "direction must be BUY or SELL, got %q", s.Direction)
	case !(s.EntryPoint > 0) || math.IsInf(s.EntryPoint, 0):
		return errors.Wrapf(ErrInvalidSignal, "entryPoint must be positive, got %v", s.EntryPoint)
	case math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1:
		return errors.Wrapf(ErrInvalidSignal, "confidence must be within [0,1], got %v", s.Confidence)
	case s.StopLoss != nil && !(*s.StopLoss > 0):
		return errors.Wrapf(ErrInvalidSignal, "stopLoss must be positive, got %v", *s.StopLoss)
	case s.TakeProfit != nil && !(*s.TakeProfit > 0):
		return errors.Wrapf(ErrInvalidSignal, "takeProfit must be positive, got %v", *s.TakeProfit)
	}
	return nil
}

// CreateGridFromSignal 由信号创建网格: 准入检查 -> 获取K线 -> 计算参数 -> 生成梯队 -> 提交第0层入场单.
// 任一步失败都会撤回预占, 运行中的网格目录里不会留下任何东西.
func (e *Engine) CreateGridFromSignal(ctx context.Context, signal models.Signal, opts risk.Options) (*CreateResult, error) {
	if e.gw == nil {
		return nil, ErrNotInitialized
	}
	if err := ValidateSignal(signal); err != nil {
		return nil, err
	}
	cfg := e.Config()
	if signal.Confidence < cfg.MinimumSignalConfidence {
		return nil, errors.Wrapf(ErrLowConfidence, "confidence %.2f < %.2f", signal.Confidence, cfg.MinimumSignalConfidence)
	}

	now := e.nowMs()
	g := &models.Grid{
		ID:         e.ids.GridID(),
		Pair:       signal.Pair,
		Direction:  signal.Direction,
		StartPrice: signal.EntryPoint,
		Signal: models.SignalSnapshot{
			ID:         signal.ID,
			Confidence: signal.Confidence,
			Timestamp:  signal.Timestamp,
			Source:     signal.Source,
		},
		Stats: models.GridStats{
			HighestPrice: signal.EntryPoint,
			LowestPrice:  signal.EntryPoint,
		},
		TrailingStopEnabled:       cfg.IsTrailingStopEnabled(),
		EnablePartialTakeProfit:   cfg.IsPartialTakeProfitEnabled(),
		PartialTakeProfitLevels:   append([]models.PartialTakeProfitLevel(nil), cfg.PartialTakeProfitLevels...),
		PartialTakeProfitExecuted: []float64{},
		Positions:                 []models.Position{},
		Status:                    models.GridCreated,
		CreatedAt:                 now,
		LastUpdateTime:            now,
	}

	// 准入与预占在同一把锁内完成
	lock := &sync.Mutex{}
	lock.Lock()
	release := e.releaser(g.ID, lock)
	e.mu.Lock()
	if cfg.MaxConcurrentGrids > 0 && len(e.active) >= cfg.MaxConcurrentGrids {
		e.mu.Unlock()
		return nil, errors.Wrapf(ErrCapacityReached, "%d active grids", cfg.MaxConcurrentGrids)
	}
	if e.hasPairLocked(signal.Pair) {
		e.mu.Unlock()
		return nil, errors.Wrapf(ErrPairActive, "pair %s", signal.Pair)
	}
	g.Status = models.GridPending
	e.active[g.ID] = g
	e.locks[g.ID] = lock
	e.mu.Unlock()
	defer release()

	log := e.logger.With(zap.String("grid_id", g.ID), zap.String("pair", g.Pair))

	ack, err := e.activate(ctx, g, signal, cfg, opts)
	if err != nil {
		e.discard(g)
		log.Warn("grid creation failed", zap.Error(err))
		return nil, err
	}

	g.Status = models.GridActive
	e.commit(g)
	log.Info("grid created",
		zap.String("direction", string(g.Direction)),
		zap.Float64("start_price", g.StartPrice),
		zap.Int("levels", g.Params.GridLevels),
		zap.Float64("grid_step", g.Params.GridStep),
		zap.Float64("position_size", g.Params.PositionSize))
	e.emit(g.ID, eventbus.TopicGridCreated, models.GridCreatedEvent{
		EventMeta: e.meta(g.ID),
		Pair:      g.Pair,
		Direction: g.Direction,
	})
	// 首单立即成交时直接建仓
	if ack.Status == models.OrderFilled {
		price := ack.FillPrice
		if price <= 0 {
			price = g.EntryOrders[0].Price
		}
		e.applyFill(ctx, g, orderRef{kind: entryKind, index: 0}, price, e.nowMs())
		e.commit(g)
	}
	e.Persist()

	snap := g.Clone()
	return &CreateResult{
		GridID:           snap.ID,
		Pair:             snap.Pair,
		Direction:        snap.Direction,
		EntryOrders:      snap.EntryOrders,
		TakeProfitOrders: snap.TakeProfitOrders,
		StopLossOrders:   snap.StopLossOrders,
	}, nil
}

// activate 计算参数、生成梯队并提交第0层入场单. 调用方持有网格锁
func (e *Engine) activate(ctx context.Context, g *models.Grid, signal models.Signal, cfg models.GridConfig, opts risk.Options) (*exchange.OrderAck, error) {
	candles, err := e.gw.GetChartData(ctx, exchange.ChartQuery{
		Symbol:   signal.Pair,
		Interval: cfg.ChartInterval,
		Limit:    cfg.ChartLimit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "fetch chart data")
	}

	params, err := risk.CalculateGridParameters(signal, candles, cfg, opts)
	if err != nil {
		return nil, errors.Wrap(err, "calculate grid parameters")
	}
	g.Params = params

	ladder := GenerateGridOrders(g, cfg, g.CreatedAt)
	g.EntryOrders = ladder.EntryOrders
	g.TakeProfitOrders = ladder.TakeProfitOrders
	g.StopLossOrders = ladder.StopLossOrders

	return e.placeOrder(ctx, g, orderRef{kind: entryKind, index: 0}, "")
}

// discard 撤回创建失败的网格
func (e *Engine) discard(g *models.Grid) {
	e.mu.Lock()
	delete(e.active, g.ID)
	delete(e.snapshots, g.ID)
	delete(e.locks, g.ID)
	e.unindexGridLocked(g)
	e.mu.Unlock()
}
