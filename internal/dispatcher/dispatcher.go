package dispatcher

import (
	"adaptive-grid-go/internal/eventbus"
	"adaptive-grid-go/internal/models"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// EventType defines the type of a normalized event
type EventType int

const (
	OrderExecutedEvent EventType = iota
	PositionClosedEvent
	TradingSignalEvent
	TradingPairChangedEvent
)

func (t EventType) String() string {
	switch t {
	case OrderExecutedEvent:
		return eventbus.TopicOrderExecuted
	case PositionClosedEvent:
		return eventbus.TopicPositionClosed
	case TradingSignalEvent:
		return eventbus.TopicTradingSignal
	case TradingPairChangedEvent:
		return eventbus.TopicTradingPairChanged
	}
	return "unknown"
}

// NormalizedEvent is a standardized internal representation of a bus event
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// Handler receives the decoded events one at a time.
type Handler interface {
	HandleOrderExecuted(ctx context.Context, ev models.OrderExecution) error
	HandlePositionClosed(ctx context.Context, ev models.PositionClosedEvent) error
	HandleTradingSignal(ctx context.Context, sig models.Signal) error
	HandleTradingPairChanged(ctx context.Context, ev models.TradingPairChangedEvent) error
}

// Dispatcher turns inbound bus events into serial handler calls.
// Events from any goroutine are queued and processed by a single loop, so the
// handler never sees two events at once.
type Dispatcher struct {
	handler      Handler
	eventChannel chan NormalizedEvent
	stopChan     chan struct{}
	doneChan     chan struct{}
	logger       *zap.Logger

	mu      sync.Mutex
	bus     *eventbus.Bus
	subs    []eventbus.Subscription
	started bool
	stopped bool
}

// New creates a new Dispatcher.
func New(handler Handler, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		handler:      handler,
		eventChannel: make(chan NormalizedEvent, 1024), // Buffered channel
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
		logger:       logger.Named("dispatcher"),
	}
}

// Subscribe registers the dispatcher on the inbound topics of bus.
func (d *Dispatcher) Subscribe(bus *eventbus.Bus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bus = bus
	d.subs = append(d.subs,
		bus.On(eventbus.TopicOrderExecuted, d.enqueue(OrderExecutedEvent)),
		bus.On(eventbus.TopicPositionClosed, d.enqueue(PositionClosedEvent)),
		bus.On(eventbus.TopicTradingSignal, d.enqueue(TradingSignalEvent)),
		bus.On(eventbus.TopicTradingPairChanged, d.enqueue(TradingPairChangedEvent)),
	)
}

func (d *Dispatcher) enqueue(t EventType) eventbus.Handler {
	return func(payload interface{}) {
		if !d.DispatchEvent(NormalizedEvent{Type: t, Timestamp: time.Now(), Data: payload}) {
			d.logger.Warn("dispatcher stopped, dropping event", zap.Stringer("type", t))
		}
	}
}

// Start begins the event processing loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	go d.eventLoop(ctx)
	d.logger.Info("dispatcher started")
}

// Stop unsubscribes from the bus, processes what is already queued and waits
// for the loop to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	if d.bus != nil {
		for _, s := range d.subs {
			d.bus.Off(s)
		}
		d.subs = nil
	}
	started := d.started
	d.mu.Unlock()

	close(d.stopChan)
	if started {
		<-d.doneChan
	}
	d.logger.Info("dispatcher stopped")
}

// DispatchEvent queues an event. Returns false once the dispatcher is stopped.
func (d *Dispatcher) DispatchEvent(event NormalizedEvent) bool {
	select {
	case <-d.stopChan:
		return false
	default:
	}
	select {
	case d.eventChannel <- event:
		return true
	case <-d.stopChan:
		return false
	}
}

// eventLoop handles all incoming events serially.
func (d *Dispatcher) eventLoop(ctx context.Context) {
	defer close(d.doneChan)
	for {
		select {
		case event := <-d.eventChannel:
			d.processEvent(ctx, event)
		case <-d.stopChan:
			d.drain(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case event := <-d.eventChannel:
			d.processEvent(ctx, event)
		default:
			return
		}
	}
}

// processEvent decodes the payload and calls the matching handler method.
func (d *Dispatcher) processEvent(ctx context.Context, event NormalizedEvent) {
	var err error
	switch event.Type {
	case OrderExecutedEvent:
		var ev models.OrderExecution
		if err = decode(event.Data, &ev); err == nil {
			err = d.handler.HandleOrderExecuted(ctx, ev)
		}
	case PositionClosedEvent:
		var ev models.PositionClosedEvent
		if err = decode(event.Data, &ev); err == nil {
			err = d.handler.HandlePositionClosed(ctx, ev)
		}
	case TradingSignalEvent:
		var ev models.TradingSignalEvent
		if err = decode(event.Data, &ev); err == nil {
			err = d.handler.HandleTradingSignal(ctx, ev.Signal)
		}
	case TradingPairChangedEvent:
		var ev models.TradingPairChangedEvent
		if err = decode(event.Data, &ev); err == nil {
			err = d.handler.HandleTradingPairChanged(ctx, ev)
		}
	default:
		d.logger.Warn("received event with unexpected type", zap.Int("type", int(event.Type)))
		return
	}
	if err != nil {
		d.logger.Warn("event handling failed", zap.Stringer("type", event.Type), zap.Error(err))
	}
}

// decode accepts the typed payload, a pointer to it, raw JSON or a generic map.
func decode[T any](data interface{}, out *T) error {
	switch v := data.(type) {
	case T:
		*out = v
		return nil
	case *T:
		if v == nil {
			return errors.New("nil payload")
		}
		*out = *v
		return nil
	case []byte:
		return errors.Wrap(json.Unmarshal(v, out), "decode payload")
	case json.RawMessage:
		return errors.Wrap(json.Unmarshal(v, out), "decode payload")
	case map[string]interface{}:
		raw, err := json.Marshal(v)
		if err != nil {
			return errors.Wrap(err, "encode payload")
		}
		return errors.Wrap(json.Unmarshal(raw, out), "decode payload")
	}
	return errors.Errorf("unexpected payload type %T", data)
}
