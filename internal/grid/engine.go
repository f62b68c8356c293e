package grid

import (
	"adaptive-grid-go/internal/exchange"
	"adaptive-grid-go/internal/idgen"
	"adaptive-grid-go/internal/models"
	"adaptive-grid-go/internal/persistence"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrInvalidSignal   = errors.New("invalid signal")
	ErrLowConfidence   = errors.New("signal confidence below minimum")
	ErrCapacityReached = errors.New("maximum concurrent grids reached")
	ErrPairActive      = errors.New("pair already has an active grid")
	ErrGridNotFound    = errors.New("grid not found")
	ErrNotInitialized  = errors.New("grid engine not initialized")
)

// defaultHistoryQuery GridHistory 未指定 limit 时返回的条数
const defaultHistoryQuery = 50

// Publisher 网格事件的发布者, 通常是事件总线
type Publisher interface {
	Emit(topic string, payload interface{}) bool
}

// Archiver 已完成网格的归档 (SQLite 日志)
type Archiver interface {
	ArchiveGrid(g *models.Grid) error
}

// Deps 引擎的外部依赖. Store/Archiver/Events 可以为空
type Deps struct {
	Gateway  exchange.Gateway
	Store    persistence.Store
	Archiver Archiver
	Events   Publisher
	IDs      *idgen.Generator
	Now      func() time.Time
	Logger   *zap.Logger
}

// Engine 管理所有网格的生命周期.
// 每个网格的所有修改路径 (定时检查、成交回报、外部平仓、手动关闭) 都持有该网格的互斥锁;
// 目录 (active/history/索引) 由 mu 保护. 读取方只看到每次修改后生成的不可变快照.
type Engine struct {
	cfgMu sync.RWMutex
	cfg   models.GridConfig

	mu         sync.RWMutex
	active     map[string]*models.Grid // 仅在持有对应网格锁时修改
	snapshots  map[string]*models.Grid // 只读快照
	history    []*models.Grid          // 按完成顺序追加
	orderIndex map[string]string       // exchangeOrderID -> gridID
	locks      map[string]*sync.Mutex

	saveMu sync.Mutex

	outboxMu sync.Mutex
	outbox   map[string][]queuedEvent // 持锁期间产生的事件, 释放网格锁后再发布

	gw       exchange.Gateway
	store    persistence.Store
	archiver Archiver
	events   Publisher
	ids      *idgen.Generator
	now      func() time.Time
	logger   *zap.Logger
}

// New 创建网格引擎
func New(cfg models.GridConfig, deps Deps) *Engine {
	if deps.IDs == nil {
		deps.IDs = idgen.New()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Engine{
		cfg:        cfg,
		active:     make(map[string]*models.Grid),
		snapshots:  make(map[string]*models.Grid),
		orderIndex: make(map[string]string),
		locks:      make(map[string]*sync.Mutex),
		outbox:     make(map[string][]queuedEvent),
		gw:         deps.Gateway,
		store:      deps.Store,
		archiver:   deps.Archiver,
		events:     deps.Events,
		ids:        deps.IDs,
		now:        deps.Now,
		logger:     deps.Logger.Named("grid"),
	}
}

// Config 返回当前配置的副本
func (e *Engine) Config() models.GridConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// SetConfig 替换配置. 已创建的网格保留各自的参数
func (e *Engine) SetConfig(cfg models.GridConfig) {
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
	e.logger.Info("grid config updated",
		zap.Int("max_grid_size", cfg.MaxGridSize),
		zap.Int("max_concurrent_grids", cfg.MaxConcurrentGrids),
		zap.Float64("max_drawdown_percent", cfg.MaxDrawdownPercent))
}

// Load 从存储恢复运行中的网格与历史
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	active, history, err := e.store.Load()
	if err != nil {
		return errors.Wrap(err, "加载网格状态失败")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, g := range active {
		if g == nil {
			continue
		}
		if g.ID == "" {
			g.ID = id
		}
		e.active[g.ID] = g
		e.snapshots[g.ID] = g.Clone()
		e.locks[g.ID] = &sync.Mutex{}
		e.indexGridLocked(g)
	}
	sort.SliceStable(history, func(i, j int) bool { return history[i].CompletedAt < history[j].CompletedAt })
	e.history = history
	e.trimHistoryLocked()
	e.logger.Info("grid state loaded", zap.Int("active", len(e.active)), zap.Int("history", len(e.history)))
	return nil
}

// Persist 将当前快照写入存储. 失败只记录日志, 内存状态仍然是权威数据
func (e *Engine) Persist() error {
	if e.store == nil {
		return nil
	}
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	e.mu.RLock()
	active := make(map[string]*models.Grid, len(e.snapshots))
	for id, g := range e.snapshots {
		active[id] = g
	}
	history := append([]*models.Grid(nil), e.history...)
	e.mu.RUnlock()

	if err := e.store.Save(active, history); err != nil {
		e.logger.Error("persist grid state failed", zap.Error(err))
		return err
	}
	return nil
}

// --- 查询 ---

// ActiveGrids 返回所有运行中网格的副本, 按创建时间排序
func (e *Engine) ActiveGrids() []*models.Grid {
	e.mu.RLock()
	out := make([]*models.Grid, 0, len(e.snapshots))
	for _, g := range e.snapshots {
		out = append(out, g.Clone())
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

// GridHistory 返回最近完成的网格, 最新的在前. limit <= 0 时返回 50 条
func (e *Engine) GridHistory(limit int) []*models.Grid {
	if limit <= 0 {
		limit = defaultHistoryQuery
	}
	e.mu.RLock()
	all := append([]*models.Grid(nil), e.history...)
	e.mu.RUnlock()

	sort.SliceStable(all, func(i, j int) bool { return all[i].CompletedAt > all[j].CompletedAt })
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]*models.Grid, len(all))
	for i, g := range all {
		out[i] = g.Clone()
	}
	return out
}

// GridInfo 按 id 查找网格, 先查运行中, 再查历史
func (e *Engine) GridInfo(id string) (*models.Grid, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if g, ok := e.snapshots[id]; ok {
		return g.Clone(), nil
	}
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].ID == id {
			return e.history[i].Clone(), nil
		}
	}
	return nil, errors.Wrapf(ErrGridNotFound, "grid %s", id)
}

// ActivePairs 返回当前有运行中网格的交易对
func (e *Engine) ActivePairs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pairs := make([]string, 0, len(e.active))
	for _, g := range e.active {
		pairs = append(pairs, g.Pair)
	}
	sort.Strings(pairs)
	return pairs
}

// ActiveCount 运行中 (含正在创建) 的网格数量
func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.active)
}

// HasActivePair 判断交易对是否已有运行中的网格
func (e *Engine) HasActivePair(pair string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hasPairLocked(pair)
}

func (e *Engine) hasPairLocked(pair string) bool {
	for _, g := range e.active {
		if g.Pair == pair {
			return true
		}
	}
	return false
}

// --- 锁与快照 ---

// acquire 获取网格锁并返回可修改的网格. 网格不存在 (或已完成) 时返回 nil
func (e *Engine) acquire(id string) (*models.Grid, func()) {
	e.mu.RLock()
	lock, ok := e.locks[id]
	e.mu.RUnlock()
	if !ok {
		return nil, func() {}
	}
	lock.Lock()

	e.mu.RLock()
	g, ok := e.active[id]
	e.mu.RUnlock()
	if !ok {
		lock.Unlock()
		return nil, func() {}
	}
	return g, e.releaser(id, lock)
}

// releaser 释放网格锁, 然后发布该网格在持锁期间排队的事件.
// 事件处理器因此可以安全地重入引擎.
func (e *Engine) releaser(id string, lock *sync.Mutex) func() {
	return func() {
		lock.Unlock()
		e.flush(id)
	}
}

// commit 在一次修改结束后刷新快照与订单索引. 调用方必须持有网格锁.
// 已完成的网格归历史所有, 不再修改.
func (e *Engine) commit(g *models.Grid) {
	if g.Status == models.GridCompleted {
		return
	}
	g.LastUpdateTime = e.nowMs()
	snap := g.Clone()
	e.mu.Lock()
	if _, ok := e.active[g.ID]; ok && g.Status != models.GridPending {
		e.snapshots[g.ID] = snap
	}
	e.indexGridLocked(g)
	e.mu.Unlock()
}

func (e *Engine) indexGridLocked(g *models.Grid) {
	for _, ladder := range [][]models.Order{g.EntryOrders, g.TakeProfitOrders, g.StopLossOrders} {
		for _, o := range ladder {
			if o.ExchangeOrderID != "" {
				e.orderIndex[o.ExchangeOrderID] = g.ID
			}
		}
	}
}

func (e *Engine) unindexGridLocked(g *models.Grid) {
	for _, ladder := range [][]models.Order{g.EntryOrders, g.TakeProfitOrders, g.StopLossOrders} {
		for _, o := range ladder {
			if o.ExchangeOrderID != "" && e.orderIndex[o.ExchangeOrderID] == g.ID {
				delete(e.orderIndex, o.ExchangeOrderID)
			}
		}
	}
}

// trimHistoryLocked 只保留最近 historyLimit 个已完成网格
func (e *Engine) trimHistoryLocked() {
	limit := e.Config().HistoryLimit
	if limit > 0 && len(e.history) > limit {
		e.history = append([]*models.Grid(nil), e.history[len(e.history)-limit:]...)
	}
}

func (e *Engine) nowMs() int64 {
	return e.now().UnixMilli()
}

type queuedEvent struct {
	topic   string
	payload interface{}
}

// emit 为网格排队一个事件. 调用方必须持有网格锁
func (e *Engine) emit(gridID, topic string, payload interface{}) {
	if e.events == nil {
		return
	}
	e.outboxMu.Lock()
	e.outbox[gridID] = append(e.outbox[gridID], queuedEvent{topic, payload})
	e.outboxMu.Unlock()
}

func (e *Engine) flush(gridID string) {
	e.outboxMu.Lock()
	queued := e.outbox[gridID]
	delete(e.outbox, gridID)
	e.outboxMu.Unlock()
	for _, q := range queued {
		e.events.Emit(q.topic, q.payload)
	}
}

func (e *Engine) meta(gridID string) models.EventMeta {
	return models.EventMeta{GridID: gridID, Timestamp: e.nowMs(), ModuleID: models.ModuleID}
}
