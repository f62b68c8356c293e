package grid

import (
	"adaptive-grid-go/internal/config"
	"adaptive-grid-go/internal/exchange"
	"adaptive-grid-go/internal/models"
	"adaptive-grid-go/internal/persistence"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type placedOrder struct {
	ID     string
	Symbol string
	Side   models.Side
	Type   models.OrderType
	Size   float64
	Price  float64
}

// fakeGateway 记录所有下单/撤单调用的交易所替身
type fakeGateway struct {
	mu        sync.Mutex
	candles   []models.Candle
	chartErr  error
	prices    map[string]float64
	tickerErr error
	failNext  int
	createErr error
	nextID    int
	placed    []placedOrder
	canceled  []string
}

func newFakeGateway(atr float64) *fakeGateway {
	return &fakeGateway{
		candles: flatCandles(200, 100, atr),
		prices:  map[string]float64{},
	}
}

// flatCandles 收盘价恒定, 每根K线的真实波幅都等于 tr
func flatCandles(n int, close, tr float64) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		out[i] = models.Candle{
			OpenTime:  int64(i) * 3600000,
			Open:      close,
			High:      close + tr/2,
			Low:       close - tr/2,
			Close:     close,
			Volume:    10,
			CloseTime: int64(i)*3600000 + 3599999,
		}
	}
	return out
}

func (f *fakeGateway) setCandles(c []models.Candle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candles = c
}

func (f *fakeGateway) setPrice(symbol string, p float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = p
}

func (f *fakeGateway) failNextCreates(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

func (f *fakeGateway) placedOrders() []placedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]placedOrder(nil), f.placed...)
}

func (f *fakeGateway) canceledOrders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.canceled...)
}

func (f *fakeGateway) GetChartData(ctx context.Context, q exchange.ChartQuery) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chartErr != nil {
		return nil, f.chartErr
	}
	return append([]models.Candle(nil), f.candles...), nil
}

func (f *fakeGateway) CreateOrder(ctx context.Context, symbol string, side models.Side, orderType models.OrderType, size, price float64) (*exchange.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.failNext > 0 {
		f.failNext--
		return nil, errors.New("exchange unavailable")
	}
	f.nextID++
	id := fmt.Sprintf("ex-%d", f.nextID)
	f.placed = append(f.placed, placedOrder{ID: id, Symbol: symbol, Side: side, Type: orderType, Size: size, Price: price})
	ack := &exchange.OrderAck{OrderID: id, Status: models.OrderActive}
	if orderType == models.Market {
		ack.Status = models.OrderFilled
		ack.FillPrice = f.prices[symbol]
	}
	return ack, nil
}

func (f *fakeGateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, exchangeOrderID)
	return nil
}

func (f *fakeGateway) GetTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tickerErr != nil {
		return nil, f.tickerErr
	}
	p, ok := f.prices[symbol]
	if !ok {
		return nil, errors.Errorf("no price for %s", symbol)
	}
	return &exchange.Ticker{Symbol: symbol, Price: p}, nil
}

func (f *fakeGateway) GetOpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	return nil, nil
}

type recordedEvent struct {
	Topic   string
	Payload interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) Emit(topic string, payload interface{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{topic, payload})
	return true
}

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Topic
	}
	return out
}

func (p *recordingPublisher) last(topic string) interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Topic == topic {
			return p.events[i].Payload
		}
	}
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine *Engine
	gw     *fakeGateway
	events *recordingPublisher
	clock  *testClock
	store  persistence.Store
	dir    string
}

func testGridConfig() models.GridConfig {
	cfg := config.Default().Grid
	off := false
	cfg.DynamicPositionSizing = &off
	return cfg
}

func newHarness(t *testing.T, mutate func(*models.GridConfig)) *harness {
	t.Helper()
	cfg := testGridConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	dir := t.TempDir()
	store, err := persistence.NewJSONStore(dir)
	require.NoError(t, err)

	h := &harness{
		gw:     newFakeGateway(2),
		events: &recordingPublisher{},
		clock:  &testClock{now: time.UnixMilli(1700000000000)},
		store:  store,
		dir:    dir,
	}
	h.engine = New(cfg, Deps{
		Gateway: h.gw,
		Store:   store,
		Events:  h.events,
		Now:     h.clock.Now,
		Logger:  zap.NewNop(),
	})
	return h
}

func buySignal(pair string) models.Signal {
	return models.Signal{
		Pair:       pair,
		Direction:  models.Buy,
		EntryPoint: 100,
		Confidence: 0.8,
		Timestamp:  1700000000000,
		Source:     "test",
	}
}

// mutateGrid 在测试中直接修改运行中的网格
func mutateGrid(t *testing.T, e *Engine, id string, fn func(g *models.Grid)) {
	t.Helper()
	g, release := e.acquire(id)
	require.NotNil(t, g)
	fn(g)
	e.commit(g)
	release()
}

func (h *harness) fill(t *testing.T, exchangeID string, price float64) {
	t.Helper()
	require.NoError(t, h.engine.HandleOrderExecuted(context.Background(), models.OrderExecution{
		OrderID:   exchangeID,
		Status:    models.OrderFilled,
		FillPrice: price,
		FillTime:  h.clock.Now().UnixMilli(),
	}))
}

func (h *harness) grid(t *testing.T, id string) *models.Grid {
	t.Helper()
	g, err := h.engine.GridInfo(id)
	require.NoError(t, err)
	return g
}
