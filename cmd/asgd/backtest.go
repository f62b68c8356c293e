package main

import (
	"adaptive-grid-go/internal/eventbus"
	"adaptive-grid-go/internal/exchange"
	"adaptive-grid-go/internal/grid"
	"adaptive-grid-go/internal/intake"
	"adaptive-grid-go/internal/models"
	"adaptive-grid-go/internal/risk"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// reasonBacktestEnd 回测结束时仍在运行的网格以此原因关闭
const reasonBacktestEnd = "BACKTEST_END"

// backtestResult 回测结束后的状态, 用于生成报告
type backtestResult struct {
	px      *exchange.PaperExchange
	engine  *grid.Engine
	signals int
	start   time.Time
	end     time.Time
}

// extractSymbolFromPath 从数据文件路径中提取交易对名称
// 例如: "data/BNBUSDT-1m-2025-03-15-2025-06-15.csv" -> "BNBUSDT"
func extractSymbolFromPath(path string) string {
	name := strings.TrimSuffix(path, ".csv")
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return strings.Split(name, "-")[0]
}

// runBacktest 在模拟交易所上逐根K线回放历史数据.
// 预热K线只用于计算指标; 之后每当该交易对没有运行中的网格, 就按当前趋势生成一个信号开新网格.
func runBacktest(ctx context.Context, cfg *models.Config, symbol string, candles []models.Candle, log *zap.Logger) (*backtestResult, error) {
	warmup := cfg.Backtest.WarmupCandles
	if warmup >= len(candles) {
		return nil, errors.Errorf("K线数量 %d 不足预热所需的 %d 根", len(candles), warmup)
	}

	px := exchange.NewPaperExchange(cfg.Backtest, nil, log)
	bus := eventbus.New(log)
	engine := grid.New(cfg.Grid, grid.Deps{
		Gateway: px,
		Events:  bus,
		Now:     px.Now,
		Logger:  log,
	})
	in := intake.New(engine, log)

	// 回测中成交回报同步交给引擎
	px.SetFillHandler(func(ex models.OrderExecution) {
		if err := engine.HandleOrderExecuted(ctx, ex); err != nil && !errors.Is(err, grid.ErrGridNotFound) {
			log.Warn("backtest fill handling failed", zap.String("order_id", ex.OrderID), zap.Error(err))
		}
	})

	for _, c := range candles[:warmup] {
		px.SetCandle(symbol, c)
	}

	res := &backtestResult{
		px:     px,
		engine: engine,
		start:  time.UnixMilli(candles[warmup].OpenTime),
		end:    time.UnixMilli(candles[len(candles)-1].OpenTime),
	}
	for _, c := range candles[warmup:] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !engine.HasActivePair(symbol) {
			sig, err := backtestSignal(ctx, px, symbol, cfg.Grid, res.signals+1)
			if err == nil {
				if _, err = in.Accept(ctx, sig, risk.Options{}); err == nil {
					res.signals++
				}
			}
			if err != nil {
				log.Debug("backtest signal not accepted", zap.Error(err))
			}
		}
		px.SetCandle(symbol, c)
		if err := engine.CheckAllGrids(ctx); err != nil {
			return nil, err
		}
	}

	for _, g := range engine.ActiveGrids() {
		if err := engine.CloseGrid(ctx, g.ID, reasonBacktestEnd); err != nil {
			log.Warn("close grid at backtest end failed", zap.String("grid_id", g.ID), zap.Error(err))
		}
	}
	return res, nil
}

// backtestSignal 以最新收盘价为入场价, 方向跟随EMA趋势 (看跌时做空, 否则做多)
func backtestSignal(ctx context.Context, px *exchange.PaperExchange, symbol string, cfg models.GridConfig, seq int) (models.Signal, error) {
	candles, err := px.GetChartData(ctx, exchange.ChartQuery{Symbol: symbol, Limit: cfg.ChartLimit})
	if err != nil {
		return models.Signal{}, err
	}
	if len(candles) == 0 {
		return models.Signal{}, errors.Errorf("%s 没有K线数据", symbol)
	}
	last := candles[len(candles)-1]

	direction := models.Buy
	trend := risk.DetermineTrend(risk.ComputeEMA(candles, cfg.EMAFastPeriod), risk.ComputeEMA(candles, cfg.EMASlowPeriod))
	if trend == models.Bearish {
		direction = models.Sell
	}
	return models.Signal{
		ID:         fmt.Sprintf("backtest-%d", seq),
		Pair:       symbol,
		Direction:  direction,
		EntryPoint: last.Close,
		Confidence: 1,
		Timestamp:  last.CloseTime,
		Source:     "backtest",
	}, nil
}
