// Package asg 自适应网格 (Adaptive Smart Grid) 模块:
// 组装网格引擎、信号准入、事件分发与定时检查, 并提供HTTP接口.
package asg

import (
	"adaptive-grid-go/internal/dispatcher"
	"adaptive-grid-go/internal/grid"
	"adaptive-grid-go/internal/idgen"
	"adaptive-grid-go/internal/intake"
	"adaptive-grid-go/internal/models"
	"adaptive-grid-go/internal/module"
	"adaptive-grid-go/internal/persistence"
	"adaptive-grid-go/internal/risk"
	"adaptive-grid-go/internal/storage"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	moduleName  = "Adaptive Smart Grid"
	routePrefix = "adaptive-grid"

	defaultCheckInterval = time.Minute
)

// Option 自定义模块的依赖, 主要用于测试
type Option func(*Module)

// WithStore 使用给定的状态存储, 模块不负责关闭它
func WithStore(store persistence.Store) Option {
	return func(m *Module) { m.store = store }
}

// WithJournal 使用给定的归档库, 模块不负责关闭它
func WithJournal(j *storage.Journal) Option {
	return func(m *Module) { m.journal = j }
}

// WithClock 替换时间来源
func WithClock(now func() time.Time) Option {
	return func(m *Module) { m.now = now }
}

// WithIDGenerator 替换ID生成器
func WithIDGenerator(ids *idgen.Generator) Option {
	return func(m *Module) { m.ids = ids }
}

// Module 自适应网格模块
type Module struct {
	store   persistence.Store
	journal *storage.Journal
	now     func() time.Time
	ids     *idgen.Generator

	ownsStore   bool
	ownsJournal bool

	cfg        *models.Config
	engine     *grid.Engine
	intake     *intake.Intake
	dispatcher *dispatcher.Dispatcher
	logger     *zap.Logger

	stopLoop     context.CancelFunc
	stopDispatch context.CancelFunc
	wg           sync.WaitGroup
	cleanupOnce  sync.Once
	cleanupErr   error
}

var (
	_ module.Module        = (*Module)(nil)
	_ module.RoutePrefixer = (*Module)(nil)
	_ dispatcher.Handler   = (*Module)(nil)
)

// New 创建模块. 依赖在 Initialize 时才会建立
func New(opts ...Option) *Module {
	m := &Module{now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Module) ID() string          { return models.ModuleID }
func (m *Module) Name() string        { return moduleName }
func (m *Module) RoutePrefix() string { return routePrefix }

// Engine 返回网格引擎, Initialize 之前为 nil
func (m *Module) Engine() *grid.Engine {
	return m.engine
}

// Initialize 打开存储, 恢复状态, 订阅事件并启动定时检查
func (m *Module) Initialize(ctx context.Context, core module.Core) error {
	m.cfg = core.Config()
	if m.cfg == nil {
		return errors.New("asg: missing configuration")
	}
	m.logger = core.Logger().Named("asg")

	if err := m.openStorage(); err != nil {
		return err
	}

	deps := grid.Deps{
		Gateway: core.Gateway(),
		Store:   m.store,
		IDs:     m.ids,
		Now:     m.now,
		Logger:  core.Logger(),
	}
	if m.journal != nil {
		deps.Archiver = m.journal
	}
	bus := core.Bus()
	if bus != nil {
		deps.Events = bus
	}
	m.engine = grid.New(m.cfg.Grid, deps)
	if err := m.engine.Load(ctx); err != nil {
		return multierr.Append(err, m.closeStorage())
	}
	m.intake = intake.New(m.engine, core.Logger())

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	m.stopDispatch = stopDispatch
	m.dispatcher = dispatcher.New(m, core.Logger())
	m.dispatcher.Start(dispatchCtx)
	if bus != nil {
		m.dispatcher.Subscribe(bus)
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	m.stopLoop = stopLoop
	m.wg.Add(1)
	go m.reconcileLoop(loopCtx)

	m.logger.Info("adaptive grid module initialized",
		zap.Int("active_grids", m.engine.ActiveCount()),
		zap.String("storage", m.cfg.Storage.Driver))
	return nil
}

// Cleanup 停止定时检查与事件分发, 保存最终状态并关闭存储. 重复调用只执行一次
func (m *Module) Cleanup(ctx context.Context) error {
	if m.engine == nil {
		return nil
	}
	m.cleanupOnce.Do(func() { m.cleanupErr = m.cleanup() })
	return m.cleanupErr
}

func (m *Module) cleanup() error {
	if m.stopLoop != nil {
		m.stopLoop()
	}
	m.wg.Wait()

	if m.dispatcher != nil {
		m.dispatcher.Stop()
	}
	if m.stopDispatch != nil {
		m.stopDispatch()
	}

	err := m.engine.Persist()
	err = multierr.Append(err, m.closeStorage())
	m.logger.Info("adaptive grid module stopped", zap.Int("active_grids", m.engine.ActiveCount()))
	return err
}

func (m *Module) openStorage() error {
	if m.store == nil {
		store, err := persistence.Open(m.cfg.Storage, m.cfg.DataDir)
		if err != nil {
			return errors.Wrap(err, "打开网格存储失败")
		}
		m.store, m.ownsStore = store, true
	}

	if m.journal == nil && m.cfg.Storage.JournalPath != "" {
		j, err := storage.OpenJournal(m.cfg.Storage.JournalPath)
		if err != nil {
			return multierr.Append(errors.Wrap(err, "打开归档库失败"), m.closeStorage())
		}
		m.journal, m.ownsJournal = j, true
	}
	return nil
}

func (m *Module) closeStorage() error {
	var err error
	if m.ownsStore && m.store != nil {
		err = multierr.Append(err, m.store.Close())
		m.store, m.ownsStore = nil, false
	}
	if m.ownsJournal && m.journal != nil {
		err = multierr.Append(err, m.journal.Close())
		m.journal, m.ownsJournal = nil, false
	}
	return err
}

// reconcileLoop 启动后立即检查一次, 之后按配置的间隔检查. 间隔随配置更新
func (m *Module) reconcileLoop(ctx context.Context) {
	defer m.wg.Done()

	interval := m.checkInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.checkAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx)
			if next := m.checkInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
				m.logger.Info("status check interval changed", zap.Duration("interval", interval))
			}
		}
	}
}

func (m *Module) checkInterval() time.Duration {
	ms := m.engine.Config().StatusCheckIntervalMs
	if ms <= 0 {
		return defaultCheckInterval
	}
	return time.Duration(ms) * time.Millisecond
}

func (m *Module) checkAll(ctx context.Context) {
	if err := m.engine.CheckAllGrids(ctx); err != nil && ctx.Err() == nil {
		m.logger.Warn("grid status check failed", zap.Error(err))
	}
}

// --- 事件处理, 由 dispatcher 串行调用 ---

// HandleOrderExecuted 将成交回报交给引擎. 不属于任何网格的订单被忽略
func (m *Module) HandleOrderExecuted(ctx context.Context, ev models.OrderExecution) error {
	err := m.engine.HandleOrderExecuted(ctx, ev)
	if errors.Is(err, grid.ErrGridNotFound) {
		m.logger.Debug("order execution for unknown grid", zap.String("order_id", ev.OrderID))
		return nil
	}
	return err
}

// HandlePositionClosed 同步外部平仓
func (m *Module) HandlePositionClosed(ctx context.Context, ev models.PositionClosedEvent) error {
	err := m.engine.HandlePositionClosed(ctx, ev)
	if errors.Is(err, grid.ErrGridNotFound) {
		m.logger.Debug("position closed for unknown grid", zap.String("position_id", ev.PositionID))
		return nil
	}
	return err
}

// HandleTradingSignal 交易信号经过准入检查后创建网格. 被拒绝的信号只记录日志
func (m *Module) HandleTradingSignal(ctx context.Context, sig models.Signal) error {
	_, err := m.intake.Accept(ctx, sig, risk.Options{})
	if isRejection(err) {
		return nil
	}
	return err
}

// HandleTradingPairChanged 只记录日志, 已有网格不受影响
func (m *Module) HandleTradingPairChanged(ctx context.Context, ev models.TradingPairChangedEvent) error {
	m.logger.Info("trading pair changed", zap.String("old_pair", ev.OldPair), zap.String("pair", ev.NewPair))
	return nil
}

func isRejection(err error) bool {
	return errors.Is(err, grid.ErrInvalidSignal) ||
		errors.Is(err, grid.ErrLowConfidence) ||
		errors.Is(err, grid.ErrCapacityReached) ||
		errors.Is(err, grid.ErrPairActive)
}
