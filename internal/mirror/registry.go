package mirror

import (
	"context"
	"sort"
	"sync"

	"github.com/erauner12/tenantmirror/internal/collection"
	"github.com/erauner12/tenantmirror/internal/metrics"
	"github.com/erauner12/tenantmirror/internal/push"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Registry owns every mounted mirror. A mirror is created by the first
// Subscribe for its collection and torn down when the last Handle closes.
type Registry struct {
	specs      *collection.Registry
	fetcher    Fetcher
	subscriber push.Subscriber
	schema     string
	metrics    *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mirror *Mirror
	refs   int
	ready  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	sub    push.Subscription
}

// RegistryOptions configures a Registry
type RegistryOptions struct {
	Specs      *collection.Registry
	Fetcher    Fetcher
	Subscriber push.Subscriber // nil disables the push channel
	Schema     string
	Metrics    *metrics.Metrics
}

// NewRegistry creates an empty registry
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Specs == nil {
		opts.Specs = collection.NewRegistry()
	}
	if opts.Subscriber == nil {
		opts.Subscriber = push.Nop{}
	}
	if opts.Schema == "" {
		opts.Schema = "public"
	}
	return &Registry{
		specs:      opts.Specs,
		fetcher:    opts.Fetcher,
		subscriber: opts.Subscriber,
		schema:     opts.Schema,
		metrics:    opts.Metrics,
		entries:    make(map[string]*entry),
	}
}

// Subscribe mounts (or joins) the mirror for name. The first subscriber
// waits for the initial pull; a failed pull still yields a usable, empty
// mirror whose Err reports the failure.
func (r *Registry) Subscribe(ctx context.Context, name string) (*Handle, error) {
	spec, err := r.specs.Lookup(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	e, ok := r.entries[name]
	if ok {
		e.refs++
		r.mu.Unlock()
	} else {
		mountCtx, cancel := context.WithCancel(context.Background())
		e = &entry{
			mirror: New(spec, r.fetcher, r.metrics),
			refs:   1,
			ready:  make(chan struct{}),
			ctx:    mountCtx,
			cancel: cancel,
		}
		r.entries[name] = e
		r.mu.Unlock()

		r.mount(e)
	}

	h := &Handle{registry: r, name: name, entry: e}
	select {
	case <-e.ready:
		return h, nil
	case <-ctx.Done():
		h.Close()
		return nil, ctx.Err()
	}
}

// mount runs the initial pull and opens the push channel concurrently;
// deltas that race the pull are journaled and replayed by Refresh.
func (r *Registry) mount(e *entry) {
	defer close(e.ready)
	m := e.mirror
	name := m.spec.Name

	var g errgroup.Group
	g.Go(func() error {
		_, _ = m.Refresh(e.ctx)
		return nil
	})
	g.Go(func() error {
		sub, err := r.subscriber.Subscribe(e.ctx, push.TopicConfig{
			Event:  "*",
			Schema: r.schema,
			Table:  name,
		}, push.Handler{
			OnChange: m.ApplyChange,
			OnStatus: m.setStatus,
		})
		if err != nil {
			log.Warn().Err(err).Str("collection", name).Msg("push subscription failed, mirror will rely on refresh")
			m.setStatus(push.StatusChannelError, err)
			return nil
		}
		r.mu.Lock()
		e.sub = sub
		r.mu.Unlock()
		return nil
	})
	_ = g.Wait()

	r.metrics.MirrorMounted(1)
	log.Info().Str("collection", name).Int("rows", len(m.Snapshot())).Msg("mirror mounted")
}

// release drops one reference and tears the mirror down at zero
func (r *Registry) release(name string, e *entry) {
	r.mu.Lock()
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return
	}
	if r.entries[name] == e {
		delete(r.entries, name)
	}
	sub := e.sub
	e.sub = nil
	r.mu.Unlock()

	e.cancel()
	<-e.ready
	if sub == nil {
		// the subscription may have been installed after we read it
		r.mu.Lock()
		sub = e.sub
		e.sub = nil
		r.mu.Unlock()
	}
	if sub != nil {
		if err := sub.Close(); err != nil {
			log.Debug().Err(err).Str("collection", name).Msg("push subscription close")
		}
	}
	r.metrics.MirrorMounted(-1)
	log.Info().Str("collection", name).Msg("mirror torn down")
}

// Get returns the mounted mirror for name
func (r *Registry) Get(name string) (*Mirror, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.mirror, true
}

// Mounted lists mounted collections in sorted order
func (r *Registry) Mounted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Refresh re-pulls a mounted mirror. Unmounted names are ignored.
func (r *Registry) Refresh(ctx context.Context, name string) error {
	r.mu.Lock()
	e, ok := r.entries[name]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	ctx, cancel := boundTo(ctx, e.ctx)
	defer cancel()
	_, err := e.mirror.Refresh(ctx)
	return err
}

// RefreshAll re-pulls every mounted mirror concurrently
func (r *Registry) RefreshAll(ctx context.Context) error {
	var g errgroup.Group
	for _, name := range r.Mounted() {
		name := name
		g.Go(func() error { return r.Refresh(ctx, name) })
	}
	return g.Wait()
}

// boundTo derives a context from ctx that is also cancelled when owner ends
func boundTo(ctx, owner context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(owner, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Handle is one consumer's view of a mounted mirror
type Handle struct {
	registry *Registry
	name     string
	entry    *entry
	once     sync.Once

	mu      sync.Mutex
	cancels []func()
}

// Mirror exposes the underlying mirror (used by the mutation gateway)
func (h *Handle) Mirror() *Mirror { return h.entry.mirror }

func (h *Handle) Snapshot() []collection.Row { return h.entry.mirror.Snapshot() }
func (h *Handle) Version() uint64            { return h.entry.mirror.Version() }
func (h *Handle) Err() error                 { return h.entry.mirror.Err() }

// Refresh re-pulls the collection; it is cancelled if the mirror is torn down
func (h *Handle) Refresh(ctx context.Context) ([]collection.Row, error) {
	ctx, cancel := boundTo(ctx, h.entry.ctx)
	defer cancel()
	return h.entry.mirror.Refresh(ctx)
}

// OnChange registers fn until the returned func is called or the handle closes
func (h *Handle) OnChange(fn func(Event)) func() {
	cancel := h.entry.mirror.OnChange(fn)
	h.mu.Lock()
	h.cancels = append(h.cancels, cancel)
	h.mu.Unlock()
	return cancel
}

// Close releases this consumer. The last Close cancels in-flight pulls and
// closes the push channel. Safe to call more than once.
func (h *Handle) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		cancels := h.cancels
		h.cancels = nil
		h.mu.Unlock()
		for _, c := range cancels {
			c()
		}
		h.registry.release(h.name, h.entry)
	})
}
