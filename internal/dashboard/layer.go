// Package dashboard assembles the synchronization layer: one Layer owns the
// credential resolver, fetcher, mirrors, invalidation bus, mutation gateway
// and stats observer for a process.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/erauner12/tenantmirror/internal/collection"
	"github.com/erauner12/tenantmirror/internal/config"
	"github.com/erauner12/tenantmirror/internal/credential"
	"github.com/erauner12/tenantmirror/internal/fetch"
	"github.com/erauner12/tenantmirror/internal/invalidation"
	"github.com/erauner12/tenantmirror/internal/kvstore"
	"github.com/erauner12/tenantmirror/internal/metrics"
	"github.com/erauner12/tenantmirror/internal/mirror"
	"github.com/erauner12/tenantmirror/internal/mutation"
	"github.com/erauner12/tenantmirror/internal/push"
	"github.com/erauner12/tenantmirror/internal/schema"
	"github.com/erauner12/tenantmirror/internal/stats"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// StatsCollections are mounted by Stats
var StatsCollections = []string{"customers", "resellers", "invoices"}

// ErrClosed is returned by calls on a closed Layer
var ErrClosed = errors.New("dashboard: layer closed")

// Options configures a Layer. Store and Resolver override what Config
// would build; HTTPClient and Metrics are optional.
type Options struct {
	Config     *config.Config
	Store      kvstore.Store
	Resolver   credential.Resolver
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
}

// Layer is the synchronization layer of one dashboard process
type Layer struct {
	cfg       *config.Config
	store     kvstore.Store
	ownsStore bool
	resolver  credential.Resolver
	specs     *collection.Registry
	fetcher   *fetch.Client
	mirrors   *mirror.Registry
	bus       *invalidation.Bus
	gateway   *mutation.Gateway
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stopOn func()

	mu       sync.Mutex
	handles  map[string]*mirror.Handle
	observer *stats.Observer
	closed   bool
}

// New builds a Layer from opts.Config (DefaultConfig when nil). The config
// is validated unless both Store and Resolver are supplied.
func New(ctx context.Context, opts Options) (*Layer, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if opts.Store == nil || opts.Resolver == nil {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}

	l := &Layer{
		cfg:     cfg,
		store:   opts.Store,
		specs:   collection.NewRegistry(),
		metrics: opts.Metrics,
		handles: make(map[string]*mirror.Handle),
	}

	if l.store == nil {
		store, err := kvstore.Open(ctx, kvstore.Config{
			Driver:   cfg.Storage.Driver,
			Path:     cfg.Storage.Path,
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
			Prefix:   cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		l.store = store
		l.ownsStore = true
	}

	l.resolver = opts.Resolver
	if l.resolver == nil {
		r, err := credential.NewStoreResolver(l.store, cfg.SessionKeyPattern)
		if err != nil {
			l.closeStore()
			return nil, err
		}
		l.resolver = r
	}

	validator, err := schema.New()
	if err != nil {
		l.closeStore()
		return nil, fmt.Errorf("failed to load schemas: %w", err)
	}

	l.fetcher = fetch.New(fetch.Options{
		BaseURL:      cfg.APIBaseURL,
		APIKey:       cfg.APIKey,
		Resolver:     l.resolver,
		ReadTimeout:  cfg.Timing.ReadTimeout.Std(),
		WriteTimeout: cfg.Timing.WriteTimeout.Std(),
		HTTPClient:   opts.HTTPClient,
		Metrics:      l.metrics,
	})

	var subscriber push.Subscriber = push.Nop{}
	if cfg.RealtimeURL != "" {
		subscriber = push.NewClient(push.Options{
			URL:         cfg.RealtimeURL,
			APIKey:      cfg.APIKey,
			Resolver:    l.resolver,
			JoinTimeout: cfg.Timing.JoinTimeout.Std(),
		})
	}

	l.mirrors = mirror.NewRegistry(mirror.RegistryOptions{
		Specs:      l.specs,
		Fetcher:    l.fetcher,
		Subscriber: subscriber,
		Schema:     cfg.Schema,
		Metrics:    l.metrics,
	})

	l.bus = invalidation.NewBus(cfg.Timing.Debounce.Std(), l.metrics)
	if cfg.CrossTab.Enabled {
		watch := ""
		if cfg.CrossTab.WatchFile && cfg.Storage.Driver == "sqlite" {
			watch = cfg.Storage.Path
		}
		l.bus.Attach(invalidation.NewCrossTab(l.store, invalidation.CrossTabOptions{
			Key:          cfg.CrossTab.Key,
			PollInterval: cfg.CrossTab.PollInterval.Std(),
			WatchPath:    watch,
		}))
	}

	l.gateway = mutation.New(mutation.Options{
		Collections: l.specs,
		Fetcher:     l.fetcher,
		Mirrors:     l.mirrors,
		Resolver:    l.resolver,
		Schema:      validator,
		Bus:         l.bus,
		Metrics:     l.metrics,
		VerifyGrace: cfg.Timing.VerifyGrace.Std(),
	})

	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.stopOn = l.bus.On(invalidation.AllSources, l.onInvalidate)

	log.Info().
		Str("apiBaseUrl", cfg.APIBaseURL).
		Bool("push", cfg.RealtimeURL != "").
		Bool("crossTab", cfg.CrossTab.Enabled).
		Str("storage", cfg.Storage.Driver).
		Msg("synchronization layer ready")
	return l, nil
}

// onInvalidate re-pulls mirrors for events that ask for it. Local mutation
// events are skipped; the gateway already reconciled the mirror.
func (l *Layer) onInvalidate(ev invalidation.Event) {
	if !ev.ForceRefresh {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		var err error
		if ev.Source == invalidation.AllSources {
			err = l.mirrors.RefreshAll(l.ctx)
		} else {
			err = l.mirrors.Refresh(l.ctx, ev.Source)
		}
		if err != nil && l.ctx.Err() == nil {
			log.Warn().Err(err).Str("source", ev.Source).Str("origin", string(ev.Origin)).Msg("invalidation refresh failed")
			return
		}
		log.Debug().Str("source", ev.Source).Str("origin", string(ev.Origin)).Msg("mirrors refreshed after invalidation")
	}()
}

// Mount subscribes the layer to each named collection concurrently and
// returns once every initial pull has finished. Mounting an already
// mounted collection is a no-op.
func (l *Layer) Mount(ctx context.Context, names ...string) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	var todo []string
	for _, name := range names {
		if _, ok := l.handles[name]; !ok {
			todo = append(todo, name)
		}
	}
	l.mu.Unlock()

	handles := make([]*mirror.Handle, len(todo))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range todo {
		i, name := i, name
		g.Go(func() error {
			h, err := l.mirrors.Subscribe(gctx, name)
			if err != nil {
				return fmt.Errorf("mount %s: %w", name, err)
			}
			handles[i] = h
			return nil
		})
	}
	err := g.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	for i, h := range handles {
		if h == nil {
			continue
		}
		if err != nil || l.closed || l.handles[todo[i]] != nil {
			h.Close()
			continue
		}
		l.handles[todo[i]] = h
	}
	if err == nil && l.closed {
		return ErrClosed
	}
	return err
}

// Handle returns the layer's handle on a mounted collection
func (l *Layer) Handle(name string) (*mirror.Handle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handles[name]
	return h, ok
}

// Scope derives the stats scope from the current principal
func (l *Layer) Scope(ctx context.Context) stats.Scope {
	scope := stats.Scope{IncludeUnassigned: l.cfg.IncludeUnassigned}
	if cred, ok := l.resolver.Resolve(ctx); ok {
		scope.PrincipalID = cred.Principal.TenantID
		scope.Admin = cred.Principal.IsAdmin()
	}
	return scope
}

// Stats mounts the collections the statistics need and returns the layer's
// observer. A non-nil override replaces the principal-derived scope.
func (l *Layer) Stats(ctx context.Context, override *stats.Scope) (*stats.Observer, error) {
	if err := l.Mount(ctx, StatsCollections...); err != nil {
		return nil, err
	}
	scope := l.Scope(ctx)
	if override != nil {
		scope = *override
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if l.observer != nil {
		l.observer.SetScope(scope)
		return l.observer, nil
	}

	sources := make([]stats.Source, 0, len(StatsCollections))
	for _, name := range StatsCollections {
		sources = append(sources, mirrorSource{h: l.handles[name]})
	}
	l.observer = stats.NewObserver(sources, scope, stats.ObserverOptions{
		Window:  l.cfg.Timing.Debounce.Std(),
		Metrics: l.metrics,
	})
	return l.observer, nil
}

// Gateway returns the write path
func (l *Layer) Gateway() *mutation.Gateway { return l.gateway }

// Bus returns the invalidation bus
func (l *Layer) Bus() *invalidation.Bus { return l.bus }

// Mirrors returns the mirror registry
func (l *Layer) Mirrors() *mirror.Registry { return l.mirrors }

// Close releases every mirror, stops the bus and closes the store if the
// layer opened it.
func (l *Layer) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	observer := l.observer
	handles := l.handles
	l.handles = make(map[string]*mirror.Handle)
	l.mu.Unlock()

	l.stopOn()
	if observer != nil {
		observer.Close()
	}
	l.bus.Close()
	l.cancel()
	l.wg.Wait()
	for _, h := range handles {
		h.Close()
	}
	return l.closeStore()
}

func (l *Layer) closeStore() error {
	if !l.ownsStore {
		return nil
	}
	return l.store.Close()
}
