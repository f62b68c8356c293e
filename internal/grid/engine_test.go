package grid

import (
	"adaptive-grid-go/internal/eventbus"
	"adaptive-grid-go/internal/models"
	"adaptive-grid-go/internal/persistence"
	"adaptive-grid-go/internal/risk"
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func createGrid(t *testing.T, h *harness, pair string) *CreateResult {
	t.Helper()
	res, err := h.engine.CreateGridFromSignal(context.Background(), buySignal(pair), risk.Options{})
	require.NoError(t, err)
	return res
}

func TestCreateGridFromSignal_PlacesFirstEntryOnly(t *testing.T) {
	h := newHarness(t, nil)

	res := createGrid(t, h, "BTCUSDT")

	assert.Equal(t, "BTCUSDT", res.Pair)
	assert.Equal(t, models.Buy, res.Direction)
	require.Len(t, res.EntryOrders, 5)
	assert.Equal(t, []float64{100, 99, 98, 97, 96}, prices(res.EntryOrders))
	assert.Equal(t, models.OrderActive, res.EntryOrders[0].Status)
	for _, o := range res.EntryOrders[1:] {
		assert.Equal(t, models.OrderPending, o.Status)
	}

	placed := h.gw.placedOrders()
	require.Len(t, placed, 1)
	assert.Equal(t, placedOrder{ID: "ex-1", Symbol: "BTCUSDT", Side: models.Buy, Type: models.Limit, Size: 2.5, Price: 100}, placed[0])

	g := h.grid(t, res.GridID)
	assert.Equal(t, models.GridActive, g.Status)
	assert.InDelta(t, 2.0, g.Params.ATR, 1e-9)
	assert.InDelta(t, 1.0, g.Params.GridStep, 1e-9)
	assert.Equal(t, models.Neutral, g.Params.Trend)
	assert.InDelta(t, 100.75, g.Params.TrailingStopActivationLevel, 1e-9)
	assert.True(t, g.TrailingStopEnabled)
	assert.Len(t, g.PartialTakeProfitLevels, 3)
	assert.Empty(t, g.PartialTakeProfitExecuted)

	assert.Equal(t, []string{eventbus.TopicGridCreated}, h.events.topics())
	created := h.events.last(eventbus.TopicGridCreated).(models.GridCreatedEvent)
	assert.Equal(t, res.GridID, created.GridID)
	assert.Equal(t, models.ModuleID, created.ModuleID)
}

func TestCreateGridFromSignal_Admission(t *testing.T) {
	h := newHarness(t, func(c *models.GridConfig) { c.MaxConcurrentGrids = 2 })
	createGrid(t, h, "BTCUSDT")

	_, err := h.engine.CreateGridFromSignal(context.Background(), buySignal("BTCUSDT"), risk.Options{})
	assert.True(t, errors.Is(err, ErrPairActive))

	createGrid(t, h, "ETHUSDT")
	_, err = h.engine.CreateGridFromSignal(context.Background(), buySignal("SOLUSDT"), risk.Options{})
	assert.True(t, errors.Is(err, ErrCapacityReached))
	assert.Equal(t, 2, h.engine.ActiveCount())
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, h.engine.ActivePairs())
}

func TestCreateGridFromSignal_RejectsBadSignals(t *testing.T) {
	h := newHarness(t, nil)

	low := buySignal("BTCUSDT")
	low.Confidence = 0.5
	_, err := h.engine.CreateGridFromSignal(context.Background(), low, risk.Options{})
	assert.True(t, errors.Is(err, ErrLowConfidence))

	bad := buySignal("BTCUSDT")
	bad.Direction = "HOLD"
	_, err = h.engine.CreateGridFromSignal(context.Background(), bad, risk.Options{})
	assert.True(t, errors.Is(err, ErrInvalidSignal))

	noPrice := buySignal("BTCUSDT")
	noPrice.EntryPoint = 0
	_, err = h.engine.CreateGridFromSignal(context.Background(), noPrice, risk.Options{})
	assert.True(t, errors.Is(err, ErrInvalidSignal))

	assert.Empty(t, h.gw.placedOrders())
	assert.Zero(t, h.engine.ActiveCount())
}

func TestCreateGridFromSignal_FailureLeavesNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.gw.createErr = errors.New("insufficient margin")

	_, err := h.engine.CreateGridFromSignal(context.Background(), buySignal("BTCUSDT"), risk.Options{})
	require.Error(t, err)
	assert.Zero(t, h.engine.ActiveCount())
	assert.False(t, h.engine.HasActivePair("BTCUSDT"))
	assert.Empty(t, h.engine.ActiveGrids())
	assert.Empty(t, h.events.topics())

	h.gw.createErr = nil
	h.gw.chartErr = errors.New("timeout")
	_, err = h.engine.CreateGridFromSignal(context.Background(), buySignal("BTCUSDT"), risk.Options{})
	require.Error(t, err)
	assert.Zero(t, h.engine.ActiveCount())

	h.gw.chartErr = nil
	createGrid(t, h, "BTCUSDT")
	assert.Equal(t, 1, h.engine.ActiveCount())
}

func TestCreateGridFromSignal_Overrides(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.engine.CreateGridFromSignal(context.Background(), buySignal("BTCUSDT"), risk.Options{GridLevels: 3, PositionSize: 0.5})
	require.NoError(t, err)

	require.Len(t, res.EntryOrders, 3)
	assert.Equal(t, 0.5, res.EntryOrders[0].Size)
}

func TestCreateGridFromSignal_NotInitialized(t *testing.T) {
	e := New(testGridConfig(), Deps{Logger: zap.NewNop()})
	_, err := e.CreateGridFromSignal(context.Background(), buySignal("BTCUSDT"), risk.Options{})
	assert.Equal(t, ErrNotInitialized, err)
}

func TestEntryFill_OpensPositionAndAdvances(t *testing.T) {
	h := newHarness(t, nil)
	res := createGrid(t, h, "BTCUSDT")

	h.fill(t, "ex-1", 100)

	placed := h.gw.placedOrders()
	require.Len(t, placed, 4)
	assert.Equal(t, placedOrder{ID: "ex-2", Symbol: "BTCUSDT", Side: models.Sell, Type: models.Limit, Size: 2.5, Price: 101.5}, placed[1])
	assert.Equal(t, placedOrder{ID: "ex-3", Symbol: "BTCUSDT", Side: models.Sell, Type: models.Stop, Size: 2.5, Price: 98}, placed[2])
	assert.Equal(t, placedOrder{ID: "ex-4", Symbol: "BTCUSDT", Side: models.Buy, Type: models.Limit, Size: 2.5, Price: 99}, placed[3])

	g := h.grid(t, res.GridID)
	require.Len(t, g.Positions, 1)
	pos := g.Positions[0]
	assert.Equal(t, res.GridID+"_position_0", pos.ID)
	assert.Equal(t, models.PositionOpen, pos.Status)
	assert.Equal(t, 100.0, pos.EntryPrice)
	assert.Equal(t, 1, g.Stats.FilledOrders)
	assert.Equal(t, pos.ID, g.TakeProfitOrders[0].PositionID)
	assert.Equal(t, pos.ID, g.StopLossOrders[0].PositionID)
	assert.Equal(t, models.OrderActive, g.EntryOrders[1].Status)

	opened := h.events.last(eventbus.TopicGridPositionOpened).(models.PositionOpenedEvent)
	assert.Equal(t, pos.ID, opened.PositionID)

	// 重复回报不产生任何变化
	h.fill(t, "ex-1", 100)
	assert.Len(t, h.gw.placedOrders(), 4)
	assert.Len(t, h.grid(t, res.GridID).Positions, 1)
}

func TestTakeProfitFill_ClosesPositionAndCompletes(t *testing.T) {
	h := newHarness(t, nil)
	res := createGrid(t, h, "BTCUSDT")
	h.fill(t, "ex-1", 100)

	h.fill(t, "ex-2", 101.5)

	g := h.grid(t, res.GridID)
	assert.Equal(t, models.GridActive, g.Status)
	assert.Equal(t, models.PositionClosed, g.Positions[0].Status)
	assert.Equal(t, models.ReasonTakeProfit, g.Positions[0].CloseReason)
	assert.InDelta(t, 3.75, g.Positions[0].Profit, 1e-9)
	assert.InDelta(t, 3.75, g.Stats.TotalProfit, 1e-9)
	assert.Equal(t, models.OrderCanceled, g.StopLossOrders[0].Status)
	assert.Contains(t, h.gw.canceledOrders(), "ex-3")

	require.NoError(t, h.engine.HandleOrderExecuted(context.Background(), models.OrderExecution{
		OrderID: "ex-4",
		Status:  models.OrderCanceled,
	}))

	assert.Empty(t, h.engine.ActiveGrids())
	assert.False(t, h.engine.HasActivePair("BTCUSDT"))
	done := h.grid(t, res.GridID)
	assert.Equal(t, models.GridCompleted, done.Status)
	assert.Equal(t, models.ReasonAllPositionsClosed, done.CompletionReason)
	assert.InDelta(t, 3.75, done.Stats.FinalProfit, 1e-9)

	history := h.engine.GridHistory(0)
	require.Len(t, history, 1)
	assert.Equal(t, res.GridID, history[0].ID)

	completed := h.events.last(eventbus.TopicGridCompleted).(models.GridCompletedEvent)
	assert.Equal(t, models.ReasonAllPositionsClosed, completed.Reason)

	// 完成后的回报找不到网格
	err := h.engine.HandleOrderExecuted(context.Background(), models.OrderExecution{OrderID: "ex-4", Status: models.OrderFilled})
	assert.True(t, errors.Is(err, ErrGridNotFound))
}

func TestHandlePositionClosed_External(t *testing.T) {
	h := newHarness(t, nil)
	res := createGrid(t, h, "BTCUSDT")
	h.fill(t, "ex-1", 100)
	posID := res.GridID + "_position_0"

	require.NoError(t, h.engine.HandlePositionClosed(context.Background(), models.PositionClosedEvent{
		PositionID: posID,
		Profit:     5,
	}))

	g := h.grid(t, res.GridID)
	assert.Equal(t, models.PositionClosed, g.Positions[0].Status)
	assert.Equal(t, models.ReasonExternalClose, g.Positions[0].CloseReason)
	assert.Equal(t, 5.0, g.Stats.TotalProfit)
	assert.Equal(t, models.OrderCanceled, g.TakeProfitOrders[0].Status)
	assert.Equal(t, models.OrderCanceled, g.StopLossOrders[0].Status)
	assert.ElementsMatch(t, []string{"ex-2", "ex-3"}, h.gw.canceledOrders())
	// 下一层入场单仍挂着, 网格继续运行
	assert.Equal(t, models.GridActive, g.Status)

	require.NoError(t, h.engine.HandlePositionClosed(context.Background(), models.PositionClosedEvent{PositionID: posID, Profit: 5}))
	assert.Equal(t, 5.0, h.grid(t, res.GridID).Stats.TotalProfit)

	err := h.engine.HandlePositionClosed(context.Background(), models.PositionClosedEvent{PositionID: "nope"})
	assert.True(t, errors.Is(err, ErrGridNotFound))
}

func TestCloseGrid_Manual(t *testing.T) {
	h := newHarness(t, nil)
	res := createGrid(t, h, "BTCUSDT")
	h.fill(t, "ex-1", 100)
	h.gw.setPrice("BTCUSDT", 101)

	require.NoError(t, h.engine.CloseGrid(context.Background(), res.GridID, ""))

	g := h.grid(t, res.GridID)
	assert.Equal(t, models.GridCompleted, g.Status)
	assert.Equal(t, models.ReasonManualClose, g.CompletionReason)
	assert.Equal(t, models.ReasonManualClose, g.Positions[0].CloseReason)
	assert.InDelta(t, 2.5, g.Stats.FinalProfit, 1e-9)
	assert.False(t, g.HasActiveOrders())
	assert.ElementsMatch(t, []string{"ex-2", "ex-3", "ex-4"}, h.gw.canceledOrders())

	market := h.gw.placedOrders()[4]
	assert.Equal(t, models.Market, market.Type)
	assert.Equal(t, models.Sell, market.Side)

	err := h.engine.CloseGrid(context.Background(), res.GridID, "")
	assert.True(t, errors.Is(err, ErrGridNotFound))
	err = h.engine.CloseGrid(context.Background(), "grid_missing", "")
	assert.True(t, errors.Is(err, ErrGridNotFound))
}

func TestGridInfo_NotFound(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.GridInfo("grid_missing")
	assert.True(t, errors.Is(err, ErrGridNotFound))
}

func TestGridHistory_LimitAndOrder(t *testing.T) {
	h := newHarness(t, func(c *models.GridConfig) { c.HistoryLimit = 2 })

	var ids []string
	for i := 0; i < 3; i++ {
		res := createGrid(t, h, "BTCUSDT")
		h.clock.Advance(time.Minute)
		require.NoError(t, h.engine.CloseGrid(context.Background(), res.GridID, ""))
		ids = append(ids, res.GridID)
	}

	history := h.engine.GridHistory(0)
	require.Len(t, history, 2)
	assert.Equal(t, ids[2], history[0].ID)
	assert.Equal(t, ids[1], history[1].ID)
	assert.Equal(t, int64(time.Minute/time.Millisecond), history[0].Stats.Duration)

	assert.Len(t, h.engine.GridHistory(1), 1)
	_, err := h.engine.GridInfo(ids[0])
	assert.True(t, errors.Is(err, ErrGridNotFound))
}

func TestPersistAndLoad_RoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	res := createGrid(t, h, "BTCUSDT")
	done := createGrid(t, h, "ETHUSDT")
	require.NoError(t, h.engine.CloseGrid(context.Background(), done.GridID, ""))

	store, err := persistence.NewJSONStore(h.dir)
	require.NoError(t, err)
	restored := New(h.engine.Config(), Deps{
		Gateway: h.gw,
		Store:   store,
		Events:  h.events,
		Now:     h.clock.Now,
		Logger:  zap.NewNop(),
	})
	require.NoError(t, restored.Load(context.Background()))

	active := restored.ActiveGrids()
	require.Len(t, active, 1)
	assert.Equal(t, res.GridID, active[0].ID)
	assert.Equal(t, "ex-1", active[0].EntryOrders[0].ExchangeOrderID)
	require.Len(t, restored.GridHistory(0), 1)
	assert.Equal(t, done.GridID, restored.GridHistory(0)[0].ID)
	assert.True(t, restored.HasActivePair("BTCUSDT"))

	// 恢复后的订单索引可以定位成交回报
	require.NoError(t, restored.HandleOrderExecuted(context.Background(), models.OrderExecution{
		OrderID:   "ex-1",
		Status:    models.OrderFilled,
		FillPrice: 100,
	}))
	g, err := restored.GridInfo(res.GridID)
	require.NoError(t, err)
	assert.Len(t, g.Positions, 1)
}

func TestSetConfig_AppliesToNewGridsOnly(t *testing.T) {
	h := newHarness(t, nil)
	res := createGrid(t, h, "BTCUSDT")

	cfg := h.engine.Config()
	cfg.GridSpacingATRMultiplier = 1
	h.engine.SetConfig(cfg)

	assert.InDelta(t, 1.0, h.grid(t, res.GridID).Params.GridStep, 1e-9)
	other := createGrid(t, h, "ETHUSDT")
	assert.InDelta(t, 2.0, h.grid(t, other.GridID).Params.GridStep, 1e-9)
}
