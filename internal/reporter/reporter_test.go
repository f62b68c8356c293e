package reporter

import (
	"adaptive-grid-go/internal/exchange"
	"adaptive-grid-go/internal/models"
	"adaptive-grid-go/internal/storage"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCalculateHistoryMetrics(t *testing.T) {
	results := []GridResult{
		{ID: "g1", Pair: "BTCUSDT", CompletionReason: models.ReasonTakeProfit, Profit: 6, MaxDrawdown: -1, Duration: time.Hour},
		{ID: "g2", Pair: "BTCUSDT", CompletionReason: models.ReasonStopLoss, Profit: -3, MaxDrawdown: -10.5, Duration: 3 * time.Hour},
		{ID: "g3", Pair: "ETHUSDT", CompletionReason: models.ReasonTakeProfit, Profit: 2, MaxDrawdown: 0, Duration: 2 * time.Hour},
	}

	m := CalculateHistoryMetrics(results)
	assert.Equal(t, 3, m.TotalGrids)
	assert.Equal(t, 2, m.WinningGrids)
	assert.Equal(t, 1, m.LosingGrids)
	assert.InDelta(t, 66.666, m.WinRate, 0.01)
	assert.InDelta(t, 5.0, m.TotalProfit, 1e-9)
	// 平均盈利 4 / 平均亏损 3
	assert.InDelta(t, 4.0/3.0, m.AvgProfitLoss, 1e-9)
	assert.Equal(t, -10.5, m.WorstDrawdown)
	assert.Equal(t, 2*time.Hour, m.AvgDuration)
	assert.Equal(t, map[string]int{models.ReasonTakeProfit: 2, models.ReasonStopLoss: 1}, m.ByReason)
	assert.Equal(t, 2, m.ByPair["BTCUSDT"])
}

func TestCalculateHistoryMetrics_Empty(t *testing.T) {
	m := CalculateHistoryMetrics(nil)
	assert.Zero(t, m.TotalGrids)
	assert.Zero(t, m.WinRate)
	assert.Zero(t, m.AvgDuration)
}

func TestFromGridsAndArchive(t *testing.T) {
	g := &models.Grid{
		ID:               "grid_1",
		Pair:             "BTCUSDT",
		Direction:        models.Buy,
		CompletionReason: models.ReasonManualClose,
		CompletedAt:      99,
		Stats:            models.GridStats{FinalProfit: 1.5, MaxDrawdown: -2, Duration: 60000, FilledOrders: 2, ClosedPositions: 2},
	}
	fromGrid := FromGrids([]*models.Grid{g})[0]

	fromArchive := FromArchive([]storage.ArchivedGrid{{
		ID:               "grid_1",
		Pair:             "BTCUSDT",
		Direction:        models.Buy,
		CompletionReason: models.ReasonManualClose,
		FinalProfit:      1.5,
		MaxDrawdown:      -2,
		FilledOrders:     2,
		ClosedPositions:  2,
		DurationMs:       60000,
		CompletedAt:      99,
	}})[0]

	assert.Equal(t, fromGrid, fromArchive)
	assert.Equal(t, time.Minute, fromGrid.Duration)
}

func TestRenderHistory(t *testing.T) {
	results := []GridResult{{ID: "grid_abc", Pair: "BTCUSDT", Direction: models.Buy, CompletionReason: models.ReasonTakeProfit, Profit: 3.75}}
	var buf bytes.Buffer
	RenderHistory(&buf, results, CalculateHistoryMetrics(results))

	out := buf.String()
	assert.Contains(t, out, "grid_abc")
	assert.Contains(t, out, "3.7500")
	assert.Contains(t, out, models.ReasonTakeProfit)
}

func TestCalculateMaxDrawdown(t *testing.T) {
	assert.Zero(t, calculateMaxDrawdown([]float64{100}))
	assert.InDelta(t, 0.2, calculateMaxDrawdown([]float64{100, 120, 96, 110}), 1e-9)
}

func TestCalculateBacktestMetrics(t *testing.T) {
	px := exchange.NewPaperExchange(models.BacktestConfig{InitialBalance: 1000}, nil, zap.NewNop())
	ctx := context.Background()
	px.SetPrice("BTCUSDT", 100)

	_, err := px.CreateOrder(ctx, "BTCUSDT", models.Buy, models.Market, 1, 0)
	require.NoError(t, err)
	px.SetPrice("BTCUSDT", 110)
	_, err = px.CreateOrder(ctx, "BTCUSDT", models.Sell, models.Market, 1, 0)
	require.NoError(t, err)

	m := CalculateBacktestMetrics(px)
	assert.Equal(t, 1, m.TotalTrades)
	assert.Equal(t, 1, m.WinningTrades)
	assert.InDelta(t, 10.0, m.TotalProfit, 1e-9)
	assert.InDelta(t, 1.0, m.ProfitPercentage, 1e-9)

	var buf bytes.Buffer
	RenderBacktest(&buf, "data.csv", "BTCUSDT", m)
	assert.Contains(t, buf.String(), "1010.00 USDT")
}
