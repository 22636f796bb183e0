// Package invalidation broadcasts "this collection changed" signals to
// in-process consumers and, through a Binding, to sibling processes.
package invalidation

import (
	"context"
	"sync"
	"time"

	"github.com/erauner12/tenantmirror/internal/metrics"
	"github.com/rs/zerolog/log"
)

// AllSources addresses every collection
const AllSources = "*"

// DefaultWindow matches the stats debounce window
const DefaultWindow = 400 * time.Millisecond

// Origin says where an event came from
type Origin string

const (
	OriginLocal    Origin = "local"
	OriginCrossTab Origin = "cross-tab"
)

// Event is one invalidation signal
type Event struct {
	Source       string
	Field        string
	ForceRefresh bool
	Origin       Origin
	At           time.Time
}

// Binding carries events between processes
type Binding interface {
	// Publish forwards a local event
	Publish(ctx context.Context, ev Event) error
	// Listen blocks, calling fn for every remote event, until ctx ends
	Listen(ctx context.Context, fn func(Event)) error
}

type key struct {
	source string
	field  string
}

type pending struct {
	ev    Event
	timer *time.Timer
}

type handler struct {
	source string
	fn     func(Event)
}

// Bus debounces events per (source, field) and fans them out
type Bus struct {
	window  time.Duration
	metrics *metrics.Metrics

	mu       sync.Mutex
	handlers map[int]handler
	nextID   int
	pending  map[key]*pending
	bindings []Binding
	cancel   context.CancelFunc
	ctx      context.Context
	wg       sync.WaitGroup
	closed   bool
}

// NewBus creates a bus; window <= 0 uses DefaultWindow
func NewBus(window time.Duration, m *metrics.Metrics) *Bus {
	if window <= 0 {
		window = DefaultWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		window:   window,
		metrics:  m,
		handlers: make(map[int]handler),
		pending:  make(map[key]*pending),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// On registers fn for events whose Source is source. Subscribing to
// AllSources receives everything; events addressed to AllSources reach
// every handler.
func (b *Bus) On(source string, fn func(Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler{source: source, fn: fn}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Emit schedules ev for delivery after the debounce window. Further events
// with the same source and field restart the window and are merged.
func (b *Bus) Emit(ev Event) {
	if ev.Origin == "" {
		ev.Origin = OriginLocal
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	k := key{source: ev.Source, field: ev.Field}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if p, ok := b.pending[k]; ok {
		p.ev.ForceRefresh = p.ev.ForceRefresh || ev.ForceRefresh
		p.ev.At = ev.At
		if ev.Origin == OriginLocal {
			p.ev.Origin = OriginLocal
		}
		p.timer.Reset(b.window)
		return
	}

	p := &pending{ev: ev}
	p.timer = time.AfterFunc(b.window, func() { b.fire(k, p) })
	b.pending[k] = p
}

func (b *Bus) fire(k key, p *pending) {
	b.mu.Lock()
	if b.pending[k] != p {
		b.mu.Unlock()
		return
	}
	delete(b.pending, k)
	ev := p.ev
	b.mu.Unlock()

	b.deliver(ev)
}

// Flush delivers every pending event immediately
func (b *Bus) Flush() {
	b.mu.Lock()
	evs := make([]Event, 0, len(b.pending))
	for k, p := range b.pending {
		p.timer.Stop()
		evs = append(evs, p.ev)
		delete(b.pending, k)
	}
	b.mu.Unlock()

	for _, ev := range evs {
		b.deliver(ev)
	}
}

func (b *Bus) deliver(ev Event) {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.handlers))
	for _, h := range b.handlers {
		if h.source == AllSources || ev.Source == AllSources || h.source == ev.Source {
			fns = append(fns, h.fn)
		}
	}
	bindings := append([]Binding(nil), b.bindings...)
	ctx := b.ctx
	b.mu.Unlock()

	b.metrics.Invalidation(string(ev.Origin))
	log.Debug().
		Str("source", ev.Source).
		Str("field", ev.Field).
		Bool("forceRefresh", ev.ForceRefresh).
		Str("origin", string(ev.Origin)).
		Int("handlers", len(fns)).
		Msg("invalidation delivered")

	for _, fn := range fns {
		fn(ev)
	}

	// Only locally originated events travel to other processes
	if ev.Origin != OriginLocal {
		return
	}
	for _, bd := range bindings {
		if err := bd.Publish(ctx, ev); err != nil {
			log.Warn().Err(err).Msg("cross-process invalidation publish failed")
		}
	}
}

// Attach forwards local events to bd and feeds bd's remote events into the
// bus until Close.
func (b *Bus) Attach(bd Binding) {
	b.mu.Lock()
	b.bindings = append(b.bindings, bd)
	ctx := b.ctx
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		err := bd.Listen(ctx, func(ev Event) {
			ev.Origin = OriginCrossTab
			b.Emit(ev)
		})
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("invalidation binding stopped")
		}
	}()
}

// Close delivers pending events, stops bindings and drops further emits
func (b *Bus) Close() {
	b.Flush()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
}
