package risk

import (
	"adaptive-grid-go/internal/models"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flatCandles 生成收盘价恒定, 振幅为 rng 的K线
func flatCandles(n int, price, rng float64) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		out[i] = models.Candle{
			OpenTime: int64(i) * 3600000,
			Open:     price,
			High:     price + rng/2,
			Low:      price - rng/2,
			Close:    price,
			Volume:   100,
		}
	}
	return out
}

func TestComputeATR_KnownTrueRanges(t *testing.T) {
	// 收盘价保持在 100, 每根K线以收盘价为中心, 真实波幅依次为 2,4,6,8
	candles := []models.Candle{
		{High: 100, Low: 100, Close: 100},
		{High: 101, Low: 99, Close: 100},
		{High: 102, Low: 98, Close: 100},
		{High: 103, Low: 97, Close: 100},
		{High: 104, Low: 96, Close: 100},
	}

	assert.InDelta(t, 5.0, ComputeATR(candles, 4), 1e-9)
	assert.InDelta(t, 7.0, ComputeATR(candles, 2), 1e-9)
}

func TestComputeATR_InsufficientData(t *testing.T) {
	candles := flatCandles(4, 100, 2)
	assert.Zero(t, ComputeATR(candles, 4))
	assert.Zero(t, ComputeATR(nil, 14))
	assert.Zero(t, ComputeATR(candles, 0))
}

func TestComputeATR_GapUsesPreviousClose(t *testing.T) {
	candles := []models.Candle{
		{High: 101, Low: 99, Close: 100},
		{High: 111, Low: 109, Close: 110},
	}
	// |low - prevClose| = 9 超过振幅 2, |high - prevClose| = 11
	assert.InDelta(t, 11.0, ComputeATR(candles, 1), 1e-9)
}

func TestComputeEMA(t *testing.T) {
	candles := make([]models.Candle, 0, 5)
	for _, c := range []float64{1, 2, 3, 4, 5} {
		candles = append(candles, models.Candle{Close: c})
	}

	// 种子 = (1+2+3)/3 = 2, k = 0.5: 2 -> 3 -> 4
	assert.InDelta(t, 4.0, ComputeEMA(candles, 3), 1e-9)
	assert.Zero(t, ComputeEMA(candles, 6))
	assert.InDelta(t, 5.0, ComputeEMA(candles, 1), 1e-9)
}

func TestComputeAverageATR(t *testing.T) {
	candles := []models.Candle{
		{High: 100, Low: 100, Close: 100},
		{High: 101, Low: 99, Close: 100},
		{High: 102, Low: 98, Close: 100},
		{High: 103, Low: 97, Close: 100},
	}

	// 窗口: TR[4,6]=5, TR[2,4]=3; 第三个窗口数据不足
	assert.InDelta(t, 4.0, ComputeAverageATR(candles, 2, 5), 1e-9)
	assert.Zero(t, ComputeAverageATR(candles[:2], 2, 5))
}

func TestComputeVolumeRatio(t *testing.T) {
	candles := flatCandles(6, 100, 2)
	candles[5].Volume = 300

	assert.InDelta(t, 3.0, ComputeVolumeRatio(candles, 5), 1e-9)
	assert.Equal(t, 1.0, ComputeVolumeRatio(candles[:3], 5))

	for i := range candles {
		candles[i].Volume = 0
	}
	assert.Equal(t, 1.0, ComputeVolumeRatio(candles, 5))
}

func TestDetermineTrend(t *testing.T) {
	assert.Equal(t, models.Bullish, DetermineTrend(105, 100))
	assert.Equal(t, models.Bearish, DetermineTrend(95, 100))
	assert.Equal(t, models.Neutral, DetermineTrend(100, 100))
	assert.Equal(t, models.Neutral, DetermineTrend(100, 0))
}

func TestDetermineOptimalGridLevels(t *testing.T) {
	tests := []struct {
		name       string
		direction  models.Side
		trend      models.Trend
		confidence float64
		want       int
	}{
		{"buy with trend", models.Buy, models.Bullish, 0.8, 7},
		{"buy against trend", models.Buy, models.Bearish, 0.8, 3},
		{"sell with trend", models.Sell, models.Bearish, 0.8, 7},
		{"sell against trend", models.Sell, models.Bullish, 0.8, 3},
		{"neutral", models.Buy, models.Neutral, 0.8, 5},
		{"high confidence", models.Buy, models.Bullish, 0.95, 9},
		{"low confidence", models.Sell, models.Bullish, 0.7, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := models.Signal{Direction: tt.direction, Confidence: tt.confidence}
			assert.Equal(t, tt.want, DetermineOptimalGridLevels(sig, tt.trend))
		})
	}
}

func testGridConfig() models.GridConfig {
	return models.GridConfig{
		MaxGridSize:                   10,
		GridSpacingATRMultiplier:      0.5,
		DefaultLotSize:                0.01,
		ScalingFactor:                 1.2,
		TakeProfitFactor:              1.5,
		StopLossFactor:                2,
		TrailingStopActivationPercent: 0.5,
		ATRPeriod:                     14,
		EMAFastPeriod:                 5,
		EMASlowPeriod:                 10,
		AccountBalance:                1000,
		MaxRiskPerTrade:               1,
	}
}

func TestCalculatePositionSize(t *testing.T) {
	cfg := testGridConfig()
	sig := models.Signal{EntryPoint: 100}

	// 风险 10 USDT, 止损距离 2*2=4 => 10 / 4 = 2.5
	assert.InDelta(t, 2.5, CalculatePositionSize(sig, 2, cfg, 0), 1e-9)

	stop := 97.0
	sig.StopLoss = &stop
	// 止损距离 3 => 3.333 向下取整
	assert.InDelta(t, 3.333, CalculatePositionSize(sig, 2, cfg, 0), 1e-9)

	assert.Equal(t, 0.5, CalculatePositionSize(sig, 2, cfg, 0.5))

	stop = 100
	assert.Equal(t, cfg.DefaultLotSize, CalculatePositionSize(sig, 2, cfg, 0))
	sig.StopLoss = nil
	assert.Equal(t, cfg.DefaultLotSize, CalculatePositionSize(sig, 0, cfg, 0))
}

func TestCalculateGridParameters(t *testing.T) {
	cfg := testGridConfig()
	candles := flatCandles(30, 100, 2)
	sig := models.Signal{Pair: "BTCUSDT", Direction: models.Buy, EntryPoint: 100, Confidence: 0.8}

	params, err := CalculateGridParameters(sig, candles, cfg, Options{GridLevels: 3})
	require.NoError(t, err)

	assert.InDelta(t, 2.0, params.ATR, 1e-9)
	assert.InDelta(t, 1.0, params.GridStep, 1e-9)
	assert.Equal(t, 3, params.GridLevels)
	assert.InDelta(t, 1.5, params.TakeProfitDistance, 1e-9)
	assert.InDelta(t, 2.0, params.StopLossDistance, 1e-9)
	assert.InDelta(t, 100.75, params.TrailingStopActivationLevel, 1e-9)
	assert.Equal(t, models.Neutral, params.Trend)
	assert.False(t, params.MarketConditions.IsVolatile)
	assert.InDelta(t, 1.0, params.MarketConditions.VolumeRatio, 1e-9)

	sig.Direction = models.Sell
	params, err = CalculateGridParameters(sig, candles, cfg, Options{})
	require.NoError(t, err)
	assert.InDelta(t, 99.25, params.TrailingStopActivationLevel, 1e-9)
	assert.Equal(t, 5, params.GridLevels)
}

func TestCalculateGridParameters_ClampsLevels(t *testing.T) {
	cfg := testGridConfig()
	cfg.MaxGridSize = 4
	candles := flatCandles(30, 100, 2)
	sig := models.Signal{Direction: models.Buy, EntryPoint: 100, Confidence: 0.95}

	params, err := CalculateGridParameters(sig, candles, cfg, Options{GridLevels: 20})
	require.NoError(t, err)
	assert.Equal(t, 4, params.GridLevels)

	params, err = CalculateGridParameters(sig, candles, cfg, Options{GridLevels: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, params.GridLevels)
}

func TestCalculateGridParameters_InsufficientData(t *testing.T) {
	cfg := testGridConfig()
	sig := models.Signal{Direction: models.Buy, EntryPoint: 100, Confidence: 0.8}

	params, err := CalculateGridParameters(sig, flatCandles(3, 100, 2), cfg, Options{})
	require.NoError(t, err)
	assert.Zero(t, params.ATR)
	assert.Equal(t, models.Neutral, params.Trend)
	assert.Equal(t, cfg.DefaultLotSize, params.PositionSize)

	_, err = CalculateGridParameters(models.Signal{Direction: models.Buy}, nil, cfg, Options{})
	assert.Error(t, err)
}

func TestShouldRescale(t *testing.T) {
	assert.False(t, ShouldRescale(2, 2))
	assert.False(t, ShouldRescale(2, 1.4))
	assert.False(t, ShouldRescale(2, 3))
	assert.True(t, ShouldRescale(2, 1.39))
	assert.True(t, ShouldRescale(2, 3.1))
	assert.True(t, ShouldRescale(0, 1))
	assert.False(t, ShouldRescale(2, 0))
}

func TestRounding(t *testing.T) {
	assert.Equal(t, 101.5, RoundPrice(101.4999999))
	assert.Equal(t, 99.13, RoundPrice(99.125))
	assert.Equal(t, 1.234, RoundSize(1.2349))
	assert.Equal(t, 3.333, RoundSize(10.0/3))
}
