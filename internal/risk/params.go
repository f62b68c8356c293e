package risk

import (
	"adaptive-grid-go/internal/models"
	"math"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	minGridLevels = 2
	maxGridLevels = 10

	// averageATRWindows trailing slices used as the volatility baseline.
	averageATRWindows = 5
	// volumeRatioPeriods candles averaged for the volume baseline.
	volumeRatioPeriods = 5
	// volatileFactor atr above baseline*volatileFactor marks the market volatile.
	volatileFactor = 1.5
)

// Options 创建网格时调用方可覆盖的参数
type Options struct {
	GridLevels   int     `json:"gridLevels,omitempty"`
	PositionSize float64 `json:"positionSize,omitempty"`
}

// DetermineOptimalGridLevels 根据信号方向与趋势是否一致, 以及信号置信度决定网格层数
func DetermineOptimalGridLevels(signal models.Signal, trend models.Trend) int {
	levels := 5
	with, against := models.Bullish, models.Bearish
	if signal.Direction == models.Sell {
		with, against = models.Bearish, models.Bullish
	}
	switch trend {
	case with:
		levels = 7
	case against:
		levels = 3
	}

	if signal.Confidence > 0.9 {
		levels += 2
	} else if signal.Confidence < 0.75 {
		levels--
	}
	return clampLevels(levels, maxGridLevels)
}

// CalculatePositionSize 按单笔风险计算基础仓位.
// 风险金额 = 资金 * maxRiskPerTrade%, 仓位 = 风险金额 / 止损距离.
func CalculatePositionSize(signal models.Signal, atr float64, cfg models.GridConfig, override float64) float64 {
	if override > 0 {
		return override
	}
	riskAmount := cfg.AccountBalance * (cfg.MaxRiskPerTrade / 100)

	stopDistance := atr * cfg.StopLossFactor
	if signal.StopLoss != nil {
		stopDistance = math.Abs(signal.EntryPoint - *signal.StopLoss)
	}
	if stopDistance <= 0 || signal.EntryPoint <= 0 {
		return cfg.DefaultLotSize
	}

	// riskAmount / (entry * stopDistance/entry) 化简为 riskAmount / stopDistance
	size := RoundSize(riskAmount / stopDistance)
	if size <= 0 || math.IsNaN(size) || math.IsInf(size, 0) {
		return cfg.DefaultLotSize
	}
	return size
}

// CalculateGridParameters 综合 ATR/EMA/成交量等指标, 计算网格的核心参数
func CalculateGridParameters(signal models.Signal, candles []models.Candle, cfg models.GridConfig, opts Options) (models.GridParams, error) {
	if signal.EntryPoint <= 0 {
		return models.GridParams{}, errors.Errorf("入场价格无效: %v", signal.EntryPoint)
	}

	atr := ComputeATR(candles, cfg.ATRPeriod)
	emaFast := ComputeEMA(candles, cfg.EMAFastPeriod)
	emaSlow := ComputeEMA(candles, cfg.EMASlowPeriod)
	trend := DetermineTrend(emaFast, emaSlow)

	gridStep := atr * cfg.GridSpacingATRMultiplier

	levels := opts.GridLevels
	if levels <= 0 {
		levels = DetermineOptimalGridLevels(signal, trend)
	}
	levels = clampLevels(levels, cfg.MaxGridSize)

	tpDistance := gridStep * cfg.TakeProfitFactor
	slDistance := gridStep * cfg.StopLossFactor

	activation := signal.EntryPoint + tpDistance*cfg.TrailingStopActivationPercent
	if signal.Direction == models.Sell {
		activation = signal.EntryPoint - tpDistance*cfg.TrailingStopActivationPercent
	}

	avgATR := ComputeAverageATR(candles, cfg.ATRPeriod, averageATRWindows)

	return models.GridParams{
		ATR:                         atr,
		Trend:                       trend,
		GridStep:                    gridStep,
		GridLevels:                  levels,
		PositionSize:                CalculatePositionSize(signal, atr, cfg, opts.PositionSize),
		TakeProfitDistance:          tpDistance,
		StopLossDistance:            slDistance,
		TrailingStopActivationLevel: activation,
		EMAFast:                     emaFast,
		EMASlow:                     emaSlow,
		MarketConditions: models.MarketConditions{
			IsVolatile:  avgATR > 0 && atr > avgATR*volatileFactor,
			VolumeRatio: ComputeVolumeRatio(candles, volumeRatioPeriods),
		},
	}, nil
}

// ShouldRescale 判断新旧 ATR 之比是否超出 [0.7, 1.5]
func ShouldRescale(oldATR, newATR float64) bool {
	if oldATR <= 0 || newATR <= 0 {
		return newATR > 0 && oldATR <= 0
	}
	ratio := newATR / oldATR
	return ratio < 0.7 || ratio > 1.5
}

// RoundPrice 价格保留2位小数
func RoundPrice(p float64) float64 {
	return decimal.NewFromFloat(p).Round(2).InexactFloat64()
}

// RoundSize 数量向下保留3位小数
func RoundSize(s float64) float64 {
	if math.IsNaN(s) || math.IsInf(s, 0) {
		return s
	}
	return decimal.NewFromFloat(s).RoundFloor(3).InexactFloat64()
}

func clampLevels(levels, maxSize int) int {
	if maxSize <= 0 || maxSize > maxGridLevels {
		maxSize = maxGridLevels
	}
	if levels > maxSize {
		levels = maxSize
	}
	if levels < minGridLevels {
		levels = minGridLevels
	}
	return levels
}
