package main

import (
	"adaptive-grid-go/internal/asg"
	"adaptive-grid-go/internal/config"
	"adaptive-grid-go/internal/downloader"
	"adaptive-grid-go/internal/eventbus"
	"adaptive-grid-go/internal/exchange"
	"adaptive-grid-go/internal/idgen"
	"adaptive-grid-go/internal/logger"
	"adaptive-grid-go/internal/models"
	"adaptive-grid-go/internal/module"
	"adaptive-grid-go/internal/persistence"
	"adaptive-grid-go/internal/reporter"
	"adaptive-grid-go/internal/server"
	"adaptive-grid-go/internal/storage"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// paperPollInterval 模拟盘从真实行情拉取价格的间隔
const paperPollInterval = 5 * time.Second

type options struct {
	configPath string
	mode       string
	dataPath   string
	symbol     string
	interval   string
	startDate  string
	endDate    string
	limit      int
}

func main() {
	// --- 命令行参数定义 ---
	var opts options
	flag.StringVar(&opts.configPath, "config", "config.json", "path to the config file (json or yaml)")
	flag.StringVar(&opts.mode, "mode", "", "running mode: live, paper, backtest, download or report (default: from config exchange)")
	flag.StringVar(&opts.dataPath, "data", "", "path to historical data file for backtesting")
	flag.StringVar(&opts.symbol, "symbol", "", "symbol to download or backtest (e.g., BNBUSDT)")
	flag.StringVar(&opts.interval, "interval", "", "kline interval for download (default: grid chart interval)")
	flag.StringVar(&opts.startDate, "start", "", "start date (YYYY-MM-DD)")
	flag.StringVar(&opts.endDate, "end", "", "end date (YYYY-MM-DD)")
	flag.IntVar(&opts.limit, "limit", 0, "number of grids shown in report mode (default: history limit)")
	flag.Parse()

	// 加载配置前先使用默认日志
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %+v", err)
	}

	log := logger.InitLogger(cfg.Log)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mode := opts.mode
	if mode == "" {
		mode = "paper"
		if cfg.Exchange == "binance" {
			mode = "live"
		}
	}

	switch mode {
	case "live", "paper":
		err = runService(ctx, cfg, mode, log)
	case "backtest":
		err = runBacktestMode(ctx, cfg, opts, log)
	case "download":
		_, err = download(ctx, cfg, opts, log)
	case "report":
		err = runReportMode(cfg, opts.limit)
	default:
		err = errors.Errorf("未知的运行模式: %s。请选择 live, paper, backtest, download 或 report。", mode)
	}
	if err != nil {
		if cfg.Server.Debug {
			logger.S().Fatalf("%+v", err)
		}
		logger.S().Fatal(err)
	}
}

// runService 启动常驻服务: 交易所网关、模块注册表与HTTP接口, 直到收到退出信号
func runService(ctx context.Context, cfg *models.Config, mode string, log *zap.Logger) error {
	log.Info("启动服务", zap.String("mode", mode), zap.Bool("testnet", cfg.IsTestnet), zap.String("api", cfg.BaseURL))

	apiKey := os.Getenv("BINANCE_API_KEY")
	secretKey := os.Getenv("BINANCE_SECRET_KEY")
	if mode == "live" && (apiKey == "" || secretKey == "") {
		return errors.New("BINANCE_API_KEY 和 BINANCE_SECRET_KEY 环境变量必须被设置")
	}

	bus := eventbus.New(log)
	binance := exchange.NewLiveExchange(apiKey, secretKey, cfg.BaseURL, cfg.ExchangeRateLimit, cfg.ExchangeRateBurst, idgen.New(), log)
	g, gctx := errgroup.WithContext(ctx)

	var gw exchange.Gateway = binance
	var px *exchange.PaperExchange
	if mode == "live" {
		stream := exchange.NewUserStream(binance, bus, exchange.UserStreamConfig{
			WSBaseURL:    cfg.WSBaseURL,
			PingInterval: time.Duration(cfg.WebSocketPingIntervalSec) * time.Second,
			PongWait:     time.Duration(cfg.WebSocketPongTimeoutSec) * time.Second,
		}, log)
		g.Go(func() error { return stream.Run(gctx) })
	} else {
		// 模拟盘: 行情来自币安公共接口, 撮合在本地完成
		px = exchange.NewPaperExchange(cfg.Backtest, binance, log)
		px.SetFillHandler(func(ex models.OrderExecution) { bus.Emit(eventbus.TopicOrderExecuted, ex) })
		gw = px
	}

	reg := module.NewRegistry(log)
	grids := asg.New()
	if err := reg.Register(grids); err != nil {
		return err
	}
	if err := reg.InitializeAll(ctx, module.NewCore(bus, gw, cfg, log)); err != nil {
		return multierr.Append(err, reg.CleanupAll(context.Background()))
	}

	if px != nil {
		g.Go(func() error {
			px.PollPrices(gctx, grids.Engine().ActivePairs, paperPollInterval)
			return nil
		})
	}

	srv := server.New(cfg.Server, log)
	reg.MountRoutes(srv.Router())
	g.Go(func() error { return srv.Run(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("正在停止服务...")
	err = multierr.Append(err, reg.CleanupAll(context.Background()))
	if px != nil {
		m := reporter.CalculateBacktestMetrics(px)
		m.EndTime = time.Now()
		reporter.RenderBacktest(os.Stdout, "paper", "", m)
	}
	return err
}

// runBacktestMode 准备数据 (必要时下载), 回放并打印报告
func runBacktestMode(ctx context.Context, cfg *models.Config, opts options, log *zap.Logger) error {
	dataPath := opts.dataPath
	if dataPath == "" {
		if opts.symbol == "" || opts.startDate == "" || opts.endDate == "" {
			return errors.New("回测模式需要通过 --data 或 --symbol/start/end 参数指定数据源")
		}
		var err error
		if dataPath, err = download(ctx, cfg, opts, log); err != nil {
			return err
		}
	}

	symbol := opts.symbol
	if symbol == "" {
		symbol = extractSymbolFromPath(dataPath)
	}
	if symbol == "" {
		return errors.Errorf("无法从数据文件路径 %s 中提取交易对", dataPath)
	}

	candles, err := downloader.ReadCandles(dataPath)
	if err != nil {
		return err
	}
	log.Info("开始回测", zap.String("pair", symbol), zap.Int("candles", len(candles)), zap.String("data", dataPath))

	res, err := runBacktest(ctx, cfg, symbol, candles, log)
	if err != nil {
		return err
	}
	log.Info("回测结束", zap.Int("signals", res.signals))

	m := reporter.CalculateBacktestMetrics(res.px)
	m.StartTime, m.EndTime = res.start, res.end
	reporter.RenderBacktest(os.Stdout, dataPath, symbol, m)

	results := reporter.FromGrids(res.engine.GridHistory(cfg.Grid.HistoryLimit))
	reporter.RenderHistory(os.Stdout, results, reporter.CalculateHistoryMetrics(results))
	return nil
}

// download 下载K线到数据目录, 返回文件路径
func download(ctx context.Context, cfg *models.Config, opts options, log *zap.Logger) (string, error) {
	if opts.symbol == "" || opts.startDate == "" || opts.endDate == "" {
		return "", errors.New("下载需要 --symbol, --start 和 --end 参数")
	}
	startTime, err1 := time.Parse("2006-01-02", opts.startDate)
	endTime, err2 := time.Parse("2006-01-02", opts.endDate)
	if err1 != nil || err2 != nil {
		return "", errors.Errorf("日期格式错误，请使用 YYYY-MM-DD 格式。start: %v, end: %v", err1, err2)
	}
	interval := opts.interval
	if interval == "" {
		interval = cfg.Grid.ChartInterval
	}

	fileName := filepath.Join(cfg.DataDir, fmt.Sprintf("%s-%s-%s-%s.csv", opts.symbol, interval, opts.startDate, opts.endDate))
	d := downloader.NewKlineDownloader(cfg.BaseURL, log)
	if err := d.DownloadKlines(ctx, opts.symbol, interval, fileName, startTime, endTime); err != nil {
		return "", err
	}
	return fileName, nil
}

// runReportMode 打印已完成网格的统计. 优先使用 SQLite 归档, 否则读取状态存储中的历史
func runReportMode(cfg *models.Config, limit int) error {
	if limit <= 0 {
		limit = cfg.Grid.HistoryLimit
	}

	var results []reporter.GridResult
	if cfg.Storage.JournalPath != "" {
		j, err := storage.OpenJournal(cfg.Storage.JournalPath)
		if err != nil {
			return err
		}
		defer j.Close()
		rows, err := j.ListGrids(limit)
		if err != nil {
			return err
		}
		results = reporter.FromArchive(rows)
	} else {
		store, err := persistence.Open(cfg.Storage, cfg.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()
		_, history, err := store.Load()
		if err != nil {
			return err
		}
		// 存储中按完成顺序保存, 报告中最新的在前
		for i := len(history) - 1; i >= 0 && len(results) < limit; i-- {
			results = append(results, reporter.FromGrids(history[i:i+1])...)
		}
	}

	reporter.RenderHistory(os.Stdout, results, reporter.CalculateHistoryMetrics(results))
	return nil
}
