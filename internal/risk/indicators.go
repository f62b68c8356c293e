// Package risk computes volatility indicators and grid parameters from candle history.
// All functions are pure: no I/O, no shared state.
package risk

import (
	"adaptive-grid-go/internal/models"
	"math"

	"github.com/markcheno/go-talib"
)

// TrueRange of candle i against the previous close.
func TrueRange(cur, prev models.Candle) float64 {
	return math.Max(cur.High-cur.Low, math.Max(math.Abs(cur.High-prev.Close), math.Abs(cur.Low-prev.Close)))
}

// ComputeATR returns the arithmetic mean of the last period true ranges.
// Returns 0 when fewer than period+1 candles are available.
func ComputeATR(candles []models.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 0
	}
	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += TrueRange(candles[i], candles[i-1])
	}
	return sum / float64(period)
}

// ComputeEMA returns the last EMA value over closes, seeded with the SMA of the
// first period closes. Returns 0 when fewer than period candles are available.
func ComputeEMA(candles []models.Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return 0
	}
	if period == 1 {
		return candles[len(candles)-1].Close
	}
	ema := talib.Ema(closes(candles), period)
	return ema[len(ema)-1]
}

// ComputeAverageATR averages ATR over windows trailing slices, each one candle
// shorter than the previous. Slices too short for an ATR are skipped.
func ComputeAverageATR(candles []models.Candle, period, windows int) float64 {
	if windows <= 0 {
		return 0
	}
	sum, n := 0.0, 0
	for w := 0; w < windows; w++ {
		end := len(candles) - w
		if end < period+1 {
			break
		}
		sum += ComputeATR(candles[:end], period)
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// ComputeVolumeRatio divides the last volume by the mean volume of the
// preceding periods candles; 1 when there is not enough data or no baseline.
func ComputeVolumeRatio(candles []models.Candle, periods int) float64 {
	if periods <= 0 || len(candles) < periods+1 {
		return 1
	}
	prev := make([]float64, 0, periods)
	for _, c := range candles[len(candles)-1-periods : len(candles)-1] {
		prev = append(prev, c.Volume)
	}
	var avg float64
	if periods == 1 {
		avg = prev[0]
	} else {
		sma := talib.Sma(prev, periods)
		avg = sma[len(sma)-1]
	}
	if avg <= 0 {
		return 1
	}
	return candles[len(candles)-1].Volume / avg
}

// DetermineTrend compares fast and slow EMAs.
func DetermineTrend(emaFast, emaSlow float64) models.Trend {
	switch {
	case emaFast == 0 || emaSlow == 0:
		return models.Neutral
	case emaFast > emaSlow:
		return models.Bullish
	case emaFast < emaSlow:
		return models.Bearish
	default:
		return models.Neutral
	}
}

func closes(candles []models.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
