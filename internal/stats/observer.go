package stats

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/erauner12/tenantmirror/internal/collection"
	"github.com/erauner12/tenantmirror/internal/metrics"
	"github.com/rs/zerolog/log"
)

// DefaultWindow is the recompute debounce window
const DefaultWindow = 400 * time.Millisecond

// Source is one observed collection
type Source interface {
	Collection() string
	Snapshot() []collection.Row
	Version() uint64
	// Watch calls fn after every change and returns a cancel func
	Watch(fn func()) func()
}

// ObserverOptions configures an Observer
type ObserverOptions struct {
	Window  time.Duration
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// fingerprint identifies the inputs of one computation
type fingerprint struct {
	scope   Scope
	sources string
}

// Observer keeps a Snapshot current with its sources. Bursts of change
// notifications inside the window cause a single evaluation, and an
// evaluation that finds nothing changed keeps the previous Snapshot pointer.
type Observer struct {
	sources []Source
	window  time.Duration
	metrics *metrics.Metrics
	now     func() time.Time

	mu         sync.Mutex
	scope      Scope
	current    *Snapshot
	last       fingerprint
	timer      *time.Timer
	recomputes int
	listeners  map[int]func(*Snapshot)
	nextID     int
	stops      []func()
	closed     bool
}

// NewObserver computes an initial snapshot and starts watching sources
func NewObserver(sources []Source, scope Scope, opts ObserverOptions) *Observer {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	o := &Observer{
		sources:   sources,
		window:    opts.Window,
		metrics:   opts.Metrics,
		now:       opts.Now,
		scope:     scope,
		listeners: make(map[int]func(*Snapshot)),
	}

	o.mu.Lock()
	o.recomputeLocked()
	o.mu.Unlock()

	for _, src := range sources {
		o.stops = append(o.stops, src.Watch(o.schedule))
	}
	return o
}

// Snapshot returns the current aggregates. Consecutive calls with no
// intervening data change return the same pointer.
func (o *Observer) Snapshot() *Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Recomputes counts how many times Compute actually ran
func (o *Observer) Recomputes() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.recomputes
}

// SetScope changes the scope and schedules an evaluation
func (o *Observer) SetScope(scope Scope) {
	o.mu.Lock()
	o.scope = scope
	o.mu.Unlock()
	o.schedule()
}

// OnUpdate registers fn for every newly computed snapshot
func (o *Observer) OnUpdate(fn func(*Snapshot)) func() {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

func (o *Observer) schedule() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if o.timer != nil {
		o.timer.Reset(o.window)
		return
	}
	o.timer = time.AfterFunc(o.window, o.evaluate)
}

// Flush runs a pending evaluation now
func (o *Observer) Flush() {
	o.mu.Lock()
	if o.timer == nil {
		o.mu.Unlock()
		return
	}
	o.timer.Stop()
	o.mu.Unlock()
	o.evaluate()
}

func (o *Observer) evaluate() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.timer = nil
	prev := o.current
	o.recomputeLocked()
	snap := o.current
	var fns []func(*Snapshot)
	if snap != prev {
		for _, fn := range o.listeners {
			fns = append(fns, fn)
		}
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// recomputeLocked runs Compute when the fingerprint moved; o.mu must be held
func (o *Observer) recomputeLocked() {
	fp := o.fingerprint()
	if o.current != nil && fp == o.last {
		log.Debug().Msg("stats fingerprint unchanged, keeping snapshot")
		return
	}

	var ds Dataset
	for _, src := range o.sources {
		switch src.Collection() {
		case collection.Customers:
			ds.Customers = src.Snapshot()
		case collection.Resellers:
			ds.Resellers = src.Snapshot()
		case collection.Invoices:
			ds.Invoices = src.Snapshot()
		}
	}

	o.current = Compute(ds, o.scope, o.now())
	o.last = fp
	o.recomputes++
	o.metrics.Recompute()
}

func (o *Observer) fingerprint() fingerprint {
	var b strings.Builder
	for _, src := range o.sources {
		b.WriteString(src.Collection())
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(len(src.Snapshot())))
		b.WriteByte(':')
		b.WriteString(strconv.FormatUint(src.Version(), 10))
		b.WriteByte(';')
	}
	return fingerprint{scope: o.scope, sources: b.String()}
}

// Close stops watching sources and drops pending evaluations
func (o *Observer) Close() {
	o.mu.Lock()
	o.closed = true
	if o.timer != nil {
		o.timer.Stop()
	}
	stops := o.stops
	o.stops = nil
	o.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}
