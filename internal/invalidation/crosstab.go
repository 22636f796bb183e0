package invalidation

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/erauner12/tenantmirror/internal/kvstore"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultCrossTabKey  = "tenantmirror:last-mutation"
	DefaultPollInterval = 2 * time.Second
)

// CrossTabOptions configures a CrossTab binding
type CrossTabOptions struct {
	Key          string
	PollInterval time.Duration

	// WatchPath, when set, is a file whose writes trigger an immediate check
	// (the sqlite store file). Polling continues regardless.
	WatchPath string
}

// CrossTab signals sibling processes through one timestamp key in a shared
// key-value store. Any local event writes the key as "<unix ms>:<origin>";
// a changed value this process did not write becomes a force-refresh of
// every collection.
type CrossTab struct {
	store  kvstore.Store
	opts   CrossTabOptions
	origin string

	mu          sync.Mutex
	lastSeen    string
	lastWritten string
	lastMs      int64
}

// NewCrossTab creates a binding over store
func NewCrossTab(store kvstore.Store, opts CrossTabOptions) *CrossTab {
	if opts.Key == "" {
		opts.Key = DefaultCrossTabKey
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &CrossTab{store: store, opts: opts, origin: uuid.NewString()[:8]}
}

// Publish writes the event time and this binding's origin to the shared key.
// Times written by one binding never go backwards.
func (c *CrossTab) Publish(ctx context.Context, ev Event) error {
	ms := ev.At.UnixMilli()

	c.mu.Lock()
	if ms <= c.lastMs {
		ms = c.lastMs + 1
	}
	c.lastMs = ms
	v := strconv.FormatInt(ms, 10) + ":" + c.origin
	c.lastWritten = v
	c.lastSeen = v
	c.mu.Unlock()

	return c.store.Set(ctx, c.opts.Key, v)
}

// Listen polls the key (and watches WatchPath when configured) until ctx ends
func (c *CrossTab) Listen(ctx context.Context, fn func(Event)) error {
	if v, err := c.store.Get(ctx, c.opts.Key); err == nil {
		c.mu.Lock()
		if c.lastSeen == "" {
			c.lastSeen = v
		}
		c.mu.Unlock()
	}

	var fsEvents <-chan fsnotify.Event
	if c.opts.WatchPath != "" {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			log.Warn().Err(err).Msg("file watch unavailable, polling only")
		} else {
			defer w.Close()
			if err := w.Add(filepath.Dir(c.opts.WatchPath)); err != nil {
				log.Warn().Err(err).Str("path", c.opts.WatchPath).Msg("file watch failed, polling only")
			} else {
				fsEvents = w.Events
			}
		}
	}
	base := filepath.Base(c.opts.WatchPath)

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.check(ctx, fn)
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			// sqlite writes land in the main file or its -wal/-shm siblings
			if strings.HasPrefix(filepath.Base(ev.Name), base) && ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				c.check(ctx, fn)
			}
		}
	}
}

func (c *CrossTab) check(ctx context.Context, fn func(Event)) {
	v, err := c.store.Get(ctx, c.opts.Key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return
	}
	if err != nil {
		log.Debug().Err(err).Msg("cross-tab key read failed")
		return
	}

	c.mu.Lock()
	if v == c.lastSeen {
		c.mu.Unlock()
		return
	}
	c.lastSeen = v
	own := v == c.lastWritten
	c.mu.Unlock()
	if own {
		return
	}

	at := time.Now()
	stamp, _, _ := strings.Cut(v, ":")
	if ms, err := strconv.ParseInt(stamp, 10, 64); err == nil {
		at = time.UnixMilli(ms)
	}
	fn(Event{Source: AllSources, ForceRefresh: true, Origin: OriginCrossTab, At: at})
}
