package reporter

import (
	"adaptive-grid-go/internal/exchange"
	"adaptive-grid-go/internal/models"
	"adaptive-grid-go/internal/storage"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// GridResult 一个已完成网格的结果摘要, 可以来自内存历史或 SQLite 归档
type GridResult struct {
	ID               string        `json:"id"`
	Pair             string        `json:"pair"`
	Direction        models.Side   `json:"direction"`
	CompletionReason string        `json:"completionReason"`
	Profit           float64       `json:"profit"`
	MaxDrawdown      float64       `json:"maxDrawdown"`
	FilledOrders     int           `json:"filledOrders"`
	ClosedPositions  int           `json:"closedPositions"`
	Duration         time.Duration `json:"duration"`
	CompletedAt      int64         `json:"completedAt"`
}

// FromGrids 将内存中的历史网格转换为结果摘要
func FromGrids(grids []*models.Grid) []GridResult {
	out := make([]GridResult, 0, len(grids))
	for _, g := range grids {
		out = append(out, GridResult{
			ID:               g.ID,
			Pair:             g.Pair,
			Direction:        g.Direction,
			CompletionReason: g.CompletionReason,
			Profit:           g.Stats.FinalProfit,
			MaxDrawdown:      g.Stats.MaxDrawdown,
			FilledOrders:     g.Stats.FilledOrders,
			ClosedPositions:  g.Stats.ClosedPositions,
			Duration:         time.Duration(g.Stats.Duration) * time.Millisecond,
			CompletedAt:      g.CompletedAt,
		})
	}
	return out
}

// FromArchive 将 SQLite 归档记录转换为结果摘要
func FromArchive(rows []storage.ArchivedGrid) []GridResult {
	out := make([]GridResult, 0, len(rows))
	for _, r := range rows {
		out = append(out, GridResult{
			ID:               r.ID,
			Pair:             r.Pair,
			Direction:        r.Direction,
			CompletionReason: r.CompletionReason,
			Profit:           r.FinalProfit,
			MaxDrawdown:      r.MaxDrawdown,
			FilledOrders:     r.FilledOrders,
			ClosedPositions:  r.ClosedPositions,
			Duration:         time.Duration(r.DurationMs) * time.Millisecond,
			CompletedAt:      r.CompletedAt,
		})
	}
	return out
}

// HistoryMetrics 已完成网格的汇总指标
type HistoryMetrics struct {
	TotalGrids    int            `json:"totalGrids"`
	WinningGrids  int            `json:"winningGrids"`
	LosingGrids   int            `json:"losingGrids"`
	WinRate       float64        `json:"winRate"` // 百分比
	TotalProfit   float64        `json:"totalProfit"`
	AvgProfitLoss float64        `json:"avgProfitLoss"` // 平均盈利 / 平均亏损
	WorstDrawdown float64        `json:"worstDrawdown"` // 单个网格的最大回撤 (百分比, 负数)
	AvgDuration   time.Duration  `json:"avgDuration"`
	ByReason      map[string]int `json:"byReason"`
	ByPair        map[string]int `json:"byPair"`
}

// CalculateHistoryMetrics 计算网格历史的汇总指标
func CalculateHistoryMetrics(results []GridResult) HistoryMetrics {
	m := HistoryMetrics{
		TotalGrids: len(results),
		ByReason:   make(map[string]int),
		ByPair:     make(map[string]int),
	}
	var totalWin, totalLoss float64
	var totalDuration time.Duration
	for _, r := range results {
		m.TotalProfit += r.Profit
		if r.Profit > 0 {
			m.WinningGrids++
			totalWin += r.Profit
		} else {
			m.LosingGrids++
			totalLoss += r.Profit
		}
		if r.MaxDrawdown < m.WorstDrawdown {
			m.WorstDrawdown = r.MaxDrawdown
		}
		totalDuration += r.Duration
		m.ByReason[r.CompletionReason]++
		m.ByPair[r.Pair]++
	}
	if m.TotalGrids > 0 {
		m.WinRate = float64(m.WinningGrids) / float64(m.TotalGrids) * 100
		m.AvgDuration = totalDuration / time.Duration(m.TotalGrids)
	}
	if m.WinningGrids > 0 && m.LosingGrids > 0 && totalLoss != 0 {
		avgWin := totalWin / float64(m.WinningGrids)
		avgLoss := math.Abs(totalLoss / float64(m.LosingGrids))
		m.AvgProfitLoss = avgWin / avgLoss
	}
	return m
}

// RenderHistory 以表格形式输出网格历史与汇总指标
func RenderHistory(w io.Writer, results []GridResult, m HistoryMetrics) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("网格历史")
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"网格", "交易对", "方向", "完成原因", "成交单", "平仓数", "最大回撤%", "盈亏", "时长"})
	for _, r := range results {
		t.AppendRow(table.Row{
			r.ID, r.Pair, r.Direction, r.CompletionReason, r.FilledOrders, r.ClosedPositions,
			fmt.Sprintf("%.2f", r.MaxDrawdown), fmt.Sprintf("%.4f", r.Profit), r.Duration.Round(time.Second),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "合计", fmt.Sprintf("%.4f", m.TotalProfit), ""})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 7, Align: text.AlignRight},
		{Number: 8, Align: text.AlignRight},
	})
	t.Render()

	s := table.NewWriter()
	s.SetOutputMirror(w)
	s.SetTitle("汇总")
	s.SetStyle(table.StyleLight)
	s.AppendRows([]table.Row{
		{"网格总数", m.TotalGrids},
		{"盈利网格", m.WinningGrids},
		{"亏损网格", m.LosingGrids},
		{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"总盈亏", fmt.Sprintf("%.4f", m.TotalProfit)},
		{"平均盈亏比", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
		{"最差回撤", fmt.Sprintf("%.2f%%", m.WorstDrawdown)},
		{"平均时长", m.AvgDuration.Round(time.Second)},
	})
	for _, reason := range sortedKeys(m.ByReason) {
		s.AppendRow(table.Row{"完成原因: " + reason, m.ByReason[reason]})
	}
	s.Render()
}

// BacktestMetrics 存储计算出的所有回测性能指标
type BacktestMetrics struct {
	InitialBalance   float64
	FinalBalance     float64
	TotalProfit      float64
	ProfitPercentage float64
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	WinRate          float64
	AvgProfitLoss    float64
	MaxDrawdown      float64
	TotalFees        float64
	EndingCash       float64
	StartTime        time.Time
	EndTime          time.Time
}

// CalculateBacktestMetrics 根据模拟交易所的状态计算回测指标.
// 只统计产生了已实现盈亏的成交 (平仓成交).
func CalculateBacktestMetrics(px *exchange.PaperExchange) BacktestMetrics {
	m := BacktestMetrics{
		InitialBalance: px.InitialBalance,
		FinalBalance:   px.Equity(),
		EndingCash:     px.Cash,
		TotalFees:      px.TotalFees,
	}

	var totalWin, totalLoss float64
	for _, trade := range px.TradeLog {
		if trade.RealizedPnL == 0 {
			continue
		}
		m.TotalTrades++
		if trade.RealizedPnL > 0 {
			m.WinningTrades++
			totalWin += trade.RealizedPnL
		} else {
			m.LosingTrades++
			totalLoss += trade.RealizedPnL
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	}
	if m.LosingTrades > 0 && m.WinningTrades > 0 {
		avgWin := totalWin / float64(m.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(m.LosingTrades))
		m.AvgProfitLoss = avgWin / avgLoss
	}

	m.TotalProfit = m.FinalBalance - m.InitialBalance
	if m.InitialBalance != 0 {
		m.ProfitPercentage = (m.TotalProfit / m.InitialBalance) * 100
	}
	m.MaxDrawdown = calculateMaxDrawdown(px.EquityCurve) * 100
	return m
}

// RenderBacktest 输出回测报告
func RenderBacktest(w io.Writer, dataPath, symbol string, m BacktestMetrics) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("回测结果报告")
	t.SetStyle(table.StyleLight)
	t.AppendRows([]table.Row{
		{"数据文件", dataPath},
		{"交易对", symbol},
		{"回测周期", fmt.Sprintf("%s 到 %s", m.StartTime.Format("2006-01-02 15:04"), m.EndTime.Format("2006-01-02 15:04"))},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"初始资金", fmt.Sprintf("%.2f USDT", m.InitialBalance)},
		{"最终权益", fmt.Sprintf("%.2f USDT", m.FinalBalance)},
		{"总利润", fmt.Sprintf("%.2f USDT", m.TotalProfit)},
		{"收益率", fmt.Sprintf("%.2f%%", m.ProfitPercentage)},
		{"手续费", fmt.Sprintf("%.4f USDT", m.TotalFees)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"平仓交易次数", m.TotalTrades},
		{"盈利次数", m.WinningTrades},
		{"亏损次数", m.LosingTrades},
		{"胜率", fmt.Sprintf("%.2f%%", m.WinRate)},
		{"平均盈亏比", fmt.Sprintf("%.2f", m.AvgProfitLoss)},
		{"最大回撤", fmt.Sprintf("%.2f%%", m.MaxDrawdown)},
		{"期末现金", fmt.Sprintf("%.2f USDT", m.EndingCash)},
	})
	t.Render()
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
