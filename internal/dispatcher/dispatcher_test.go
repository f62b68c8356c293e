package dispatcher

import (
	"adaptive-grid-go/internal/eventbus"
	"adaptive-grid-go/internal/models"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// mockHandler records every call and signals doneChan after each one.
type mockHandler struct {
	sync.Mutex
	executions  []models.OrderExecution
	closures    []models.PositionClosedEvent
	signals     []models.Signal
	pairs       []models.TradingPairChangedEvent
	inFlight    int
	maxInFlight int
	err         error
	doneChan    chan bool
}

func newMockHandler() *mockHandler {
	return &mockHandler{doneChan: make(chan bool, 64)}
}

func (m *mockHandler) enter() {
	m.Lock()
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	m.Unlock()
	time.Sleep(time.Millisecond)
}

func (m *mockHandler) leave() {
	m.Lock()
	m.inFlight--
	m.Unlock()
	m.doneChan <- true
}

func (m *mockHandler) HandleOrderExecuted(_ context.Context, ev models.OrderExecution) error {
	m.enter()
	defer m.leave()
	m.Lock()
	m.executions = append(m.executions, ev)
	m.Unlock()
	return m.err
}

func (m *mockHandler) HandlePositionClosed(_ context.Context, ev models.PositionClosedEvent) error {
	m.enter()
	defer m.leave()
	m.Lock()
	m.closures = append(m.closures, ev)
	m.Unlock()
	return m.err
}

func (m *mockHandler) HandleTradingSignal(_ context.Context, sig models.Signal) error {
	m.enter()
	defer m.leave()
	m.Lock()
	m.signals = append(m.signals, sig)
	m.Unlock()
	return m.err
}

func (m *mockHandler) HandleTradingPairChanged(_ context.Context, ev models.TradingPairChangedEvent) error {
	m.enter()
	defer m.leave()
	m.Lock()
	m.pairs = append(m.pairs, ev)
	m.Unlock()
	return m.err
}

func waitDone(t *testing.T, h *mockHandler, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.doneChan:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
}

func TestDispatcher_RoutesBusEvents(t *testing.T) {
	h := newMockHandler()
	bus := eventbus.New(zap.NewNop())
	d := New(h, zap.NewNop())
	d.Subscribe(bus)
	d.Start(context.Background())
	defer d.Stop()

	bus.Emit(eventbus.TopicOrderExecuted, models.OrderExecution{OrderID: "g_entry_0", GridID: "g", Status: models.OrderFilled, FillPrice: 100})
	bus.Emit(eventbus.TopicPositionClosed, &models.PositionClosedEvent{PositionID: "g_position_0", GridID: "g", Profit: 1.5})
	bus.Emit(eventbus.TopicTradingSignal, map[string]interface{}{
		"signal": map[string]interface{}{"pair": "BTCUSDT", "direction": "BUY", "entryPoint": 100.0, "confidence": 0.8},
	})
	bus.Emit(eventbus.TopicTradingPairChanged, []byte(`{"oldPair":"BTCUSDT","newPair":"ETHUSDT"}`))

	waitDone(t, h, 4)

	h.Lock()
	defer h.Unlock()
	require.Len(t, h.executions, 1)
	assert.Equal(t, 100.0, h.executions[0].FillPrice)
	require.Len(t, h.closures, 1)
	assert.Equal(t, 1.5, h.closures[0].Profit)
	require.Len(t, h.signals, 1)
	assert.Equal(t, "BTCUSDT", h.signals[0].Pair)
	assert.Equal(t, models.Buy, h.signals[0].Direction)
	require.Len(t, h.pairs, 1)
	assert.Equal(t, "ETHUSDT", h.pairs[0].NewPair)
}

func TestDispatcher_ProcessesSerially(t *testing.T) {
	h := newMockHandler()
	d := New(h, zap.NewNop())
	d.Start(context.Background())
	defer d.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.DispatchEvent(NormalizedEvent{Type: OrderExecutedEvent, Timestamp: time.Now(), Data: models.OrderExecution{OrderID: "x"}})
		}()
	}
	wg.Wait()
	waitDone(t, h, 20)

	h.Lock()
	defer h.Unlock()
	assert.Len(t, h.executions, 20)
	assert.Equal(t, 1, h.maxInFlight)
}

func TestDispatcher_BadPayloadAndHandlerErrorsDoNotStopLoop(t *testing.T) {
	h := newMockHandler()
	h.err = errors.New("grid not found")
	d := New(h, zap.NewNop())
	d.Start(context.Background())
	defer d.Stop()

	d.DispatchEvent(NormalizedEvent{Type: OrderExecutedEvent, Data: 42})
	d.DispatchEvent(NormalizedEvent{Type: EventType(99), Data: nil})
	d.DispatchEvent(NormalizedEvent{Type: PositionClosedEvent, Data: models.PositionClosedEvent{GridID: "g"}})

	waitDone(t, h, 1)
	h.Lock()
	defer h.Unlock()
	assert.Empty(t, h.executions)
	assert.Len(t, h.closures, 1)
}

func TestDispatcher_StopDrainsAndUnsubscribes(t *testing.T) {
	h := newMockHandler()
	bus := eventbus.New(zap.NewNop())
	d := New(h, zap.NewNop())
	d.Subscribe(bus)
	d.Start(context.Background())

	bus.Emit(eventbus.TopicOrderExecuted, models.OrderExecution{OrderID: "a"})
	d.Stop()

	h.Lock()
	assert.Len(t, h.executions, 1)
	h.Unlock()

	assert.Equal(t, 0, bus.ListenerCount(eventbus.TopicOrderExecuted))
	assert.False(t, d.DispatchEvent(NormalizedEvent{Type: OrderExecutedEvent}))
	assert.NotPanics(t, d.Stop)
}
