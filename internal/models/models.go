package models

// Config 结构体定义了整个进程的所有配置参数
type Config struct {
	IsTestnet     bool   `json:"is_testnet"` // 是否使用测试网
	Exchange      string `json:"exchange"`   // 交易所网关: "binance" 或 "paper"
	DataDir       string `json:"data_dir"`   // 数据目录, asg_grids.json / asg_history.json 存放位置
	LiveAPIURL    string `json:"live_api_url"`
	LiveWSURL     string `json:"live_ws_url"`
	TestnetAPIURL string `json:"testnet_api_url"`
	TestnetWSURL  string `json:"testnet_ws_url"`

	// 交易所请求限速 (每秒请求数 / 突发量)
	ExchangeRateLimit float64 `json:"exchange_rate_limit"`
	ExchangeRateBurst int     `json:"exchange_rate_burst"`

	// WebSocket 心跳参数
	WebSocketPingIntervalSec int `json:"websocket_ping_interval_sec,omitempty"`
	WebSocketPongTimeoutSec  int `json:"websocket_pong_timeout_sec,omitempty"`

	Grid     GridConfig     `json:"grid"`     // 自适应网格策略配置
	Storage  StorageConfig  `json:"storage"`  // 持久化配置
	Server   ServerConfig   `json:"server"`   // HTTP 服务配置
	Backtest BacktestConfig `json:"backtest"` // 回测/模拟盘配置
	Log      LogConfig      `json:"log"`      // 日志配置

	BaseURL   string `json:"-"` // REST API基础地址 (由程序根据 is_testnet 动态设置)
	WSBaseURL string `json:"-"` // WebSocket基础地址 (由程序根据 is_testnet 动态设置)
}

// GridConfig 定义了自适应网格 (ASG) 的全部策略参数
type GridConfig struct {
	// 网格参数
	MaxGridSize              int     `json:"max_grid_size"`               // 网格最大层数
	GridSpacingATRMultiplier float64 `json:"grid_spacing_atr_multiplier"` // 网格间距 = ATR * 该系数
	DefaultLotSize           float64 `json:"default_lot_size"`            // 无法计算仓位时的默认下单量
	ScalingFactor            float64 `json:"scaling_factor"`              // 逐层放大的仓位系数
	DynamicPositionSizing    *bool   `json:"dynamic_position_sizing"`     // 是否逐层放大仓位

	// 止盈止损
	TakeProfitFactor              float64 `json:"take_profit_factor"`               // 止盈距离 = 网格间距 * 该系数
	StopLossFactor                float64 `json:"stop_loss_factor"`                 // 止损距离 = 网格间距 * 该系数
	TrailingStopEnabled           *bool   `json:"trailing_stop_enabled"`            // 是否启用移动止损
	TrailingStopActivationPercent float64 `json:"trailing_stop_activation_percent"` // 激活距离占止盈距离的比例
	TargetProfitPercent           float64 `json:"target_profit_percent"`            // 整体止盈百分比

	// 分批止盈
	EnablePartialTakeProfit *bool                    `json:"enable_partial_take_profit"`
	PartialTakeProfitLevels []PartialTakeProfitLevel `json:"partial_take_profit_levels"`

	// 行情分析
	ATRPeriod     int    `json:"atr_period"`
	EMAFastPeriod int    `json:"ema_fast_period"`
	EMASlowPeriod int    `json:"ema_slow_period"`
	ChartInterval string `json:"chart_interval"` // 计算参数所用的K线周期
	ChartLimit    int    `json:"chart_limit"`    // 计算参数所用的K线数量

	// 过滤条件
	VolumeThreshold         float64 `json:"volume_threshold"`
	MinimumSignalConfidence float64 `json:"minimum_signal_confidence"`

	// 风控
	AccountBalance     float64 `json:"account_balance"`      // 用于仓位计算的账户资金 (USDT)
	MaxRiskPerTrade    float64 `json:"max_risk_per_trade"`   // 单笔最大风险 (占资金百分比)
	MaxDrawdownPercent float64 `json:"max_drawdown_percent"` // 网格最大回撤百分比, 超过则止损
	MaxConcurrentGrids int     `json:"max_concurrent_grids"` // 同时运行的网格上限

	// 调度与重试
	StatusCheckIntervalMs int `json:"status_check_interval_ms"` // 巡检周期 (毫秒)
	MaxParallelChecks     int `json:"max_parallel_checks"`      // 单次巡检并发的网格数
	RetryInitialDelayMs   int `json:"retry_initial_delay_ms"`   // 下单失败后的初始退避
	RetryMaxDelayMs       int `json:"retry_max_delay_ms"`       // 下单失败后的最大退避
	HistoryLimit          int `json:"history_limit"`            // 内存与文件中保留的历史网格数量
}

// PartialTakeProfitLevel 描述一档分批止盈: 达到 ProfitPercent 的浮盈后, 平掉 Level 比例的持仓
type PartialTakeProfitLevel struct {
	Level         float64 `json:"level"`          // 平仓比例 (0,1]
	ProfitPercent float64 `json:"profit_percent"` // 触发阈值 (相对持仓均价的百分比)
}

// IsDynamicPositionSizing 返回是否逐层放大仓位 (默认开启)
func (c GridConfig) IsDynamicPositionSizing() bool {
	return c.DynamicPositionSizing == nil || *c.DynamicPositionSizing
}

// IsTrailingStopEnabled 返回是否启用移动止损 (默认开启)
func (c GridConfig) IsTrailingStopEnabled() bool {
	return c.TrailingStopEnabled == nil || *c.TrailingStopEnabled
}

// IsPartialTakeProfitEnabled 返回是否启用分批止盈 (默认开启)
func (c GridConfig) IsPartialTakeProfitEnabled() bool {
	return c.EnablePartialTakeProfit == nil || *c.EnablePartialTakeProfit
}

// StorageConfig 定义了持久化相关的配置
type StorageConfig struct {
	Driver      string `json:"driver"`       // "json" (默认) 或 "badger"
	BadgerPath  string `json:"badger_path"`  // BadgerDB 目录
	JournalPath string `json:"journal_path"` // SQLite 归档文件, 为空则不归档
}

// ServerConfig 定义了 HTTP 服务的配置
type ServerConfig struct {
	Addr              string  `json:"addr"`
	Debug             bool    `json:"debug"` // 为 true 时错误响应中包含堆栈
	RateLimit         float64 `json:"rate_limit"`
	RateBurst         int     `json:"rate_burst"`
	RequestTimeoutSec int     `json:"request_timeout_sec"`
}

// BacktestConfig 定义了模拟盘与回测使用的参数
type BacktestConfig struct {
	InitialBalance float64 `json:"initial_balance"`
	TakerFeeRate   float64 `json:"taker_fee_rate"` // 吃单手续费率
	MakerFeeRate   float64 `json:"maker_fee_rate"` // 挂单手续费率
	SlippageRate   float64 `json:"slippage_rate"`  // 滑点率
	WarmupCandles  int     `json:"warmup_candles"` // 开始交易前用于计算指标的K线数量
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level"`       // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output"`      // 输出模式: "console", "file", "both"
	File       string `json:"file"`        // 日志文件路径
	MaxSize    int    `json:"max_size"`    // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age"`     // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress"`    // 是否压缩旧日志文件
}

// Candle 定义了一根K线
type Candle struct {
	OpenTime  int64   `json:"openTime"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	CloseTime int64   `json:"closeTime"`
}

// CompletedTrade 记录模拟成交, 用于回测报告
type CompletedTrade struct {
	OrderID     string  `json:"order_id"`
	Symbol      string  `json:"symbol"`
	Side        Side    `json:"side"`
	Type        string  `json:"type"`
	Quantity    float64 `json:"quantity"`
	Price       float64 `json:"price"`
	Fee         float64 `json:"fee"`
	RealizedPnL float64 `json:"realized_pnl"`
	Time        int64   `json:"time"`
}
