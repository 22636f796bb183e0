package fetch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// flight is one outbound read for a resource key. At most one live flight
// exists per key; starting a new one cancels the current one and links it
// through next so its waiters follow the newer result.
type flight struct {
	id        uint64
	key       string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	waiters   int

	// set under Client.mu
	next *flight

	// set before done is closed
	res Result
	err error
}

// read registers the caller on a new flight for req's resource, superseding
// any flight already running for it, and waits for the newest result.
func (c *Client) read(ctx context.Context, req Request) (Result, error) {
	key := req.ResourceKey()

	// The flight outlives any single waiter; it is cancelled when superseded,
	// when it times out, or when its last waiter leaves.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.readTimeout)

	c.mu.Lock()
	c.seq++
	f := &flight{
		id:        c.seq,
		key:       key,
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
		waiters:   1,
	}
	if prev, ok := c.inflight[key]; ok {
		prev.next = f
		f.waiters += prev.waiters
		prev.waiters = 0
		prev.cancel()
		c.metrics.Superseded(req.Collection)
		log.Debug().
			Str("collection", req.Collection).
			Uint64("superseded", prev.id).
			Uint64("by", f.id).
			Msg("read superseded by newer request")
	}
	c.inflight[key] = f
	c.mu.Unlock()

	go c.fly(fctx, f, req)

	return c.wait(ctx, f)
}

func (c *Client) fly(ctx context.Context, f *flight, req Request) {
	res, err := c.execute(ctx, req)

	c.mu.Lock()
	if c.inflight[f.key] == f {
		delete(c.inflight, f.key)
	}
	f.res, f.err = res, err
	c.mu.Unlock()

	f.cancel()
	close(f.done)
}

// wait blocks until the newest flight in f's chain completes or ctx ends
func (c *Client) wait(ctx context.Context, f *flight) (Result, error) {
	for {
		select {
		case <-f.done:
			c.mu.Lock()
			next := f.next
			c.mu.Unlock()
			if next != nil {
				f = next
				continue
			}
			return f.res, f.err

		case <-ctx.Done():
			c.leave(f)
			return Result{}, contextError(ctx, ctx.Err())
		}
	}
}

// leave drops one waiter from the live end of f's chain, cancelling the
// flight when nobody is left to receive its result.
func (c *Client) leave(f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for f.next != nil {
		f = f.next
	}
	f.waiters--
	if f.waiters <= 0 {
		f.cancel()
		if c.inflight[f.key] == f {
			delete(c.inflight, f.key)
		}
	}
}

// InFlight reports how many resources currently have a read outstanding
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
