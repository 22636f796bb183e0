package invalidation

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/erauner12/tenantmirror/internal/kvstore"
	"github.com/stretchr/testify/require"
)

type collected struct {
	mu     sync.Mutex
	events []Event
}

func (c *collected) add(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collected) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestBus_DebounceCoalesces(t *testing.T) {
	bus := NewBus(40*time.Millisecond, nil)
	defer bus.Close()

	var got collected
	bus.On("customers", got.add)

	for i := 0; i < 10; i++ {
		bus.Emit(Event{Source: "customers", Field: "paid", ForceRefresh: i == 3})
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)

	events := got.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, "paid", events[0].Field)
	require.True(t, events[0].ForceRefresh, "ForceRefresh must survive coalescing")
	require.Equal(t, OriginLocal, events[0].Origin)
}

func TestBus_DistinctFieldsAreNotMerged(t *testing.T) {
	bus := NewBus(20*time.Millisecond, nil)
	defer bus.Close()

	var got collected
	bus.On("customers", got.add)

	bus.Emit(Event{Source: "customers", Field: "paid"})
	bus.Emit(Event{Source: "customers", Field: "status"})
	bus.Emit(Event{Source: "invoices"})

	require.Eventually(t, func() bool { return len(got.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestBus_RoutingAndUnsubscribe(t *testing.T) {
	bus := NewBus(10*time.Millisecond, nil)
	defer bus.Close()

	var all, invoices collected
	bus.On(AllSources, all.add)
	stop := bus.On("invoices", invoices.add)

	bus.Emit(Event{Source: "customers"})
	bus.Emit(Event{Source: AllSources, ForceRefresh: true})
	bus.Flush()

	require.Len(t, all.snapshot(), 2)
	require.Len(t, invoices.snapshot(), 1, "wildcard events reach every handler")

	stop()
	bus.Emit(Event{Source: "invoices"})
	bus.Flush()
	require.Len(t, invoices.snapshot(), 1)
}

func TestBus_DropsAfterClose(t *testing.T) {
	bus := NewBus(10*time.Millisecond, nil)
	var got collected
	bus.On(AllSources, got.add)

	bus.Emit(Event{Source: "customers"})
	bus.Close()
	require.Len(t, got.snapshot(), 1, "Close flushes pending events")

	bus.Emit(Event{Source: "customers"})
	time.Sleep(30 * time.Millisecond)
	require.Len(t, got.snapshot(), 1)
}

func TestCrossTab_SignalsSiblingOnly(t *testing.T) {
	store := kvstore.NewMemory("")
	opts := CrossTabOptions{PollInterval: 10 * time.Millisecond}

	tabA := NewBus(10*time.Millisecond, nil)
	tabB := NewBus(10*time.Millisecond, nil)
	defer tabA.Close()
	defer tabB.Close()

	var seenA, seenB collected
	tabA.On(AllSources, seenA.add)
	tabB.On(AllSources, seenB.add)

	tabA.Attach(NewCrossTab(store, opts))
	tabB.Attach(NewCrossTab(store, opts))
	time.Sleep(30 * time.Millisecond)

	tabA.Emit(Event{Source: "customers", Field: "paid"})

	require.Eventually(t, func() bool {
		for _, ev := range seenB.snapshot() {
			if ev.Origin == OriginCrossTab && ev.ForceRefresh && ev.Source == AllSources {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	for _, ev := range seenA.snapshot() {
		require.NotEqual(t, OriginCrossTab, ev.Origin, "a tab must ignore its own signal")
	}

	v, err := store.Get(context.Background(), DefaultCrossTabKey)
	require.NoError(t, err)
	require.NotEmpty(t, v)
}

func TestCrossTab_PublishIsMonotonic(t *testing.T) {
	store := kvstore.NewMemory("")
	ct := NewCrossTab(store, CrossTabOptions{})
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, ct.Publish(ctx, Event{At: at}))
	require.NoError(t, ct.Publish(ctx, Event{At: at}))

	v, err := store.Get(ctx, DefaultCrossTabKey)
	require.NoError(t, err)
	require.Equal(t, "1700000000001:"+ct.origin, v)
}

func TestCrossTab_SameMillisecondSiblingIsNotOwn(t *testing.T) {
	store := kvstore.NewMemory("")
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_000)

	tabA := NewCrossTab(store, CrossTabOptions{})
	tabB := NewCrossTab(store, CrossTabOptions{})
	require.NotEqual(t, tabA.origin, tabB.origin)

	var signaled []Event
	require.NoError(t, tabA.Publish(ctx, Event{At: at}))
	require.NoError(t, tabB.Publish(ctx, Event{At: at}))

	tabA.check(ctx, func(ev Event) { signaled = append(signaled, ev) })
	require.Len(t, signaled, 1, "sibling write in the same millisecond must signal")
	require.Equal(t, OriginCrossTab, signaled[0].Origin)
	require.Equal(t, at.UnixMilli(), signaled[0].At.UnixMilli())

	tabB.check(ctx, func(ev Event) { signaled = append(signaled, ev) })
	require.Len(t, signaled, 1, "a binding ignores its own write")
}

func TestCrossTab_FileWatchWakesListener(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "kv.db")
	store, err := kvstore.OpenSQLite(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	// Long poll interval so only the file watch can deliver in time
	listener := NewCrossTab(store, CrossTabOptions{PollInterval: time.Hour, WatchPath: path})
	writer := NewCrossTab(store, CrossTabOptions{})

	var fired int32
	go listener.Listen(ctx, func(Event) { atomic.AddInt32(&fired, 1) })
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, writer.Publish(ctx, Event{At: time.Now()}))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) > 0 }, 2*time.Second, 10*time.Millisecond)
}
