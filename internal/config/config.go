package config

import (
	"adaptive-grid-go/internal/models"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadConfig 从指定路径加载配置文件 (JSON 或 YAML) 并解析到Config结构体中.
// 加载后自动填充默认值并校验.
func LoadConfig(path string) (*models.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "读取配置文件 %s 失败", path)
	}

	cfg := &models.Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		// YAML 先解码为通用结构, 再转成 JSON, 以便沿用同一套 json tag
		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, errors.Wrap(err, "解析YAML配置失败")
		}
		if data, err = json.Marshal(raw); err != nil {
			return nil, errors.Wrap(err, "转换YAML配置失败")
		}
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "解析JSON配置失败")
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 返回一份填充了所有默认值的配置
func Default() *models.Config {
	cfg := &models.Config{}
	ApplyDefaults(cfg)
	return cfg
}

// DefaultPartialTakeProfitLevels 默认的分批止盈档位
func DefaultPartialTakeProfitLevels() []models.PartialTakeProfitLevel {
	return []models.PartialTakeProfitLevel{
		{Level: 0.3, ProfitPercent: 0.5},
		{Level: 0.5, ProfitPercent: 1.0},
		{Level: 0.7, ProfitPercent: 1.5},
	}
}

// ApplyDefaults 为所有零值字段填充默认值
func ApplyDefaults(cfg *models.Config) {
	if cfg.Exchange == "" {
		cfg.Exchange = "paper"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.LiveAPIURL == "" {
		cfg.LiveAPIURL = "https://fapi.binance.com"
	}
	if cfg.LiveWSURL == "" {
		cfg.LiveWSURL = "wss://fstream.binance.com"
	}
	if cfg.TestnetAPIURL == "" {
		cfg.TestnetAPIURL = "https://testnet.binancefuture.com"
	}
	if cfg.TestnetWSURL == "" {
		cfg.TestnetWSURL = "wss://stream.binancefuture.com"
	}
	if cfg.IsTestnet {
		cfg.BaseURL, cfg.WSBaseURL = cfg.TestnetAPIURL, cfg.TestnetWSURL
	} else {
		cfg.BaseURL, cfg.WSBaseURL = cfg.LiveAPIURL, cfg.LiveWSURL
	}
	if cfg.ExchangeRateLimit <= 0 {
		cfg.ExchangeRateLimit = 10
	}
	if cfg.ExchangeRateBurst <= 0 {
		cfg.ExchangeRateBurst = 20
	}
	if cfg.WebSocketPingIntervalSec <= 0 {
		cfg.WebSocketPingIntervalSec = 54
	}
	if cfg.WebSocketPongTimeoutSec <= 0 {
		cfg.WebSocketPongTimeoutSec = 60
	}

	ApplyGridDefaults(&cfg.Grid)

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "json"
	}
	if cfg.Storage.BadgerPath == "" {
		cfg.Storage.BadgerPath = filepath.Join(cfg.DataDir, "badger")
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.RateLimit <= 0 {
		cfg.Server.RateLimit = 20
	}
	if cfg.Server.RateBurst <= 0 {
		cfg.Server.RateBurst = 40
	}
	if cfg.Server.RequestTimeoutSec <= 0 {
		cfg.Server.RequestTimeoutSec = 30
	}

	if cfg.Backtest.InitialBalance <= 0 {
		cfg.Backtest.InitialBalance = cfg.Grid.AccountBalance
	}
	if cfg.Backtest.TakerFeeRate <= 0 {
		cfg.Backtest.TakerFeeRate = 0.0004
	}
	if cfg.Backtest.MakerFeeRate <= 0 {
		cfg.Backtest.MakerFeeRate = 0.0002
	}
	if cfg.Backtest.WarmupCandles <= 0 {
		cfg.Backtest.WarmupCandles = cfg.Grid.ChartLimit
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "console"
	}
}

// ApplyGridDefaults 为网格策略参数填充默认值
func ApplyGridDefaults(g *models.GridConfig) {
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setFloat := func(v *float64, def float64) {
		if *v <= 0 {
			*v = def
		}
	}

	setInt(&g.MaxGridSize, 10)
	setFloat(&g.GridSpacingATRMultiplier, 0.5)
	setFloat(&g.DefaultLotSize, 0.01)
	setFloat(&g.ScalingFactor, 1.2)
	setFloat(&g.TakeProfitFactor, 1.5)
	setFloat(&g.StopLossFactor, 2.0)
	setFloat(&g.TrailingStopActivationPercent, 0.5)
	setFloat(&g.TargetProfitPercent, 2.0)
	if len(g.PartialTakeProfitLevels) == 0 {
		g.PartialTakeProfitLevels = DefaultPartialTakeProfitLevels()
	}

	setInt(&g.ATRPeriod, 14)
	setInt(&g.EMAFastPeriod, 50)
	setInt(&g.EMASlowPeriod, 200)
	if g.ChartInterval == "" {
		g.ChartInterval = "1h"
	}
	setInt(&g.ChartLimit, 200)

	setFloat(&g.VolumeThreshold, 1.5)
	setFloat(&g.MinimumSignalConfidence, 0.7)

	setFloat(&g.AccountBalance, 1000)
	setFloat(&g.MaxRiskPerTrade, 1.0)
	setFloat(&g.MaxDrawdownPercent, 10)
	setInt(&g.MaxConcurrentGrids, 3)

	setInt(&g.StatusCheckIntervalMs, 60000)
	setInt(&g.MaxParallelChecks, 4)
	setInt(&g.RetryInitialDelayMs, 1000)
	setInt(&g.RetryMaxDelayMs, 60000)
	setInt(&g.HistoryLimit, 500)
}

// Validate 检查配置是否合法
func Validate(cfg *models.Config) error {
	switch cfg.Exchange {
	case "binance", "paper":
	default:
		return errors.Errorf("不支持的交易所网关: %q", cfg.Exchange)
	}
	switch cfg.Storage.Driver {
	case "json", "badger":
	default:
		return errors.Errorf("不支持的存储驱动: %q", cfg.Storage.Driver)
	}
	return ValidateGrid(cfg.Grid)
}

// ValidateGrid 检查网格策略参数
func ValidateGrid(g models.GridConfig) error {
	if g.MaxGridSize < 2 || g.MaxGridSize > 10 {
		return errors.Errorf("max_grid_size 必须在 [2,10] 之间, 当前为 %d", g.MaxGridSize)
	}
	if g.MinimumSignalConfidence < 0 || g.MinimumSignalConfidence > 1 {
		return errors.Errorf("minimum_signal_confidence 必须在 [0,1] 之间, 当前为 %v", g.MinimumSignalConfidence)
	}
	if g.MaxDrawdownPercent <= 0 || g.MaxDrawdownPercent > 100 {
		return errors.Errorf("max_drawdown_percent 必须在 (0,100] 之间, 当前为 %v", g.MaxDrawdownPercent)
	}
	if g.EMAFastPeriod >= g.EMASlowPeriod {
		return errors.Errorf("ema_fast_period (%d) 必须小于 ema_slow_period (%d)", g.EMAFastPeriod, g.EMASlowPeriod)
	}
	if g.RetryInitialDelayMs > g.RetryMaxDelayMs {
		return errors.New("retry_initial_delay_ms 不能大于 retry_max_delay_ms")
	}
	for _, f := range []float64{g.GridSpacingATRMultiplier, g.TakeProfitFactor, g.StopLossFactor, g.ScalingFactor, g.AccountBalance} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errors.New("网格参数中包含非法数值")
		}
	}
	seen := make(map[float64]bool, len(g.PartialTakeProfitLevels))
	for _, l := range g.PartialTakeProfitLevels {
		if l.Level <= 0 || l.Level > 1 {
			return errors.Errorf("分批止盈比例必须在 (0,1] 之间, 当前为 %v", l.Level)
		}
		if l.ProfitPercent <= 0 {
			return errors.Errorf("分批止盈阈值必须大于0, 当前为 %v", l.ProfitPercent)
		}
		if seen[l.Level] {
			return errors.Errorf("分批止盈比例 %v 重复", l.Level)
		}
		seen[l.Level] = true
	}
	return nil
}

// MergeGridConfig 将 JSON 补丁合并到当前网格配置上, 返回新的配置值.
// 当前配置不会被修改.
func MergeGridConfig(current models.GridConfig, patch []byte) (models.GridConfig, error) {
	merged := current
	merged.PartialTakeProfitLevels = append([]models.PartialTakeProfitLevel(nil), current.PartialTakeProfitLevels...)
	// json 会写入已有指针指向的值, 先复制开关, 避免改动 current
	merged.DynamicPositionSizing = cloneBool(current.DynamicPositionSizing)
	merged.TrailingStopEnabled = cloneBool(current.TrailingStopEnabled)
	merged.EnablePartialTakeProfit = cloneBool(current.EnablePartialTakeProfit)
	// 数组字段 (partial_take_profit_levels) 由 json 整体替换
	if err := json.Unmarshal(patch, &merged); err != nil {
		return current, errors.Wrap(err, "解析配置补丁失败")
	}
	ApplyGridDefaults(&merged)
	if err := ValidateGrid(merged); err != nil {
		return current, err
	}
	return merged, nil
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}
