package mirror

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/erauner12/tenantmirror/internal/collection"
	"github.com/erauner12/tenantmirror/internal/fetch"
	"github.com/erauner12/tenantmirror/internal/push"
)

type fakeSubscription struct {
	mu     sync.Mutex
	closed int
}

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

type fakeSubscriber struct {
	mu       sync.Mutex
	handlers map[string]push.Handler
	subs     map[string]*fakeSubscription
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{handlers: map[string]push.Handler{}, subs: map[string]*fakeSubscription{}}
}

func (f *fakeSubscriber) Subscribe(_ context.Context, cfg push.TopicConfig, h push.Handler) (push.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSubscription{}
	f.handlers[cfg.Table] = h
	f.subs[cfg.Table] = s
	return s, nil
}

func (f *fakeSubscriber) deliver(table string, c push.Change) {
	f.mu.Lock()
	h := f.handlers[table]
	f.mu.Unlock()
	h.OnChange(c)
}

func TestRegistry_RefCountedMount(t *testing.T) {
	f := &scriptedFetcher{}
	f.push(scripted{res: rowsResult(time.Now(), collection.Row{"id": float64(1)})})
	subs := newFakeSubscriber()

	reg := NewRegistry(RegistryOptions{Fetcher: f, Subscriber: subs})
	ctx := context.Background()

	h1, err := reg.Subscribe(ctx, "customers")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	h2, err := reg.Subscribe(ctx, "customers")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if f.calls != 1 {
		t.Errorf("pull calls = %d, want 1 for a shared mirror", f.calls)
	}
	if h1.Mirror() != h2.Mirror() {
		t.Error("handles do not share the mirror")
	}
	equalIDs(t, h2.Snapshot(), "1")

	var got []Event
	var mu sync.Mutex
	h2.OnChange(func(ev Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	subs.deliver("customers", push.Change{Kind: push.KindInsert, New: collection.Row{"id": float64(2)}})
	equalIDs(t, h1.Snapshot(), "1", "2")
	mu.Lock()
	if len(got) != 1 || got[0].Cause != CauseDelta {
		t.Errorf("events = %+v", got)
	}
	mu.Unlock()

	h1.Close()
	if _, ok := reg.Get("customers"); !ok {
		t.Fatal("mirror torn down while a consumer remains")
	}
	if subs.subs["customers"].closed != 0 {
		t.Error("push channel closed while a consumer remains")
	}

	h2.Close()
	h2.Close()
	if _, ok := reg.Get("customers"); ok {
		t.Error("mirror still registered after last consumer closed")
	}
	if subs.subs["customers"].closed != 1 {
		t.Errorf("push channel closed %d times, want 1", subs.subs["customers"].closed)
	}
}

func TestRegistry_UnknownCollection(t *testing.T) {
	reg := NewRegistry(RegistryOptions{Fetcher: &scriptedFetcher{}})
	if _, err := reg.Subscribe(context.Background(), "widgets"); err == nil {
		t.Fatal("expected error for unknown collection")
	}
}

func TestRegistry_InitialPullFailureStillMounts(t *testing.T) {
	f := &scriptedFetcher{}
	f.push(scripted{err: &fetch.Error{Kind: fetch.KindPermissionDenied, Status: 403}})
	reg := NewRegistry(RegistryOptions{Fetcher: f})

	h, err := reg.Subscribe(context.Background(), "invoices")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer h.Close()

	if len(h.Snapshot()) != 0 {
		t.Errorf("expected empty mirror")
	}
	if fetch.KindOf(h.Err()) != fetch.KindPermissionDenied {
		t.Errorf("Err() = %v", h.Err())
	}
}

func TestRegistry_TeardownCancelsInFlightRefresh(t *testing.T) {
	f := &scriptedFetcher{started: make(chan struct{}, 2)}
	f.push(scripted{res: rowsResult(time.Now(), collection.Row{"id": float64(1)})})
	f.push(scripted{gate: make(chan struct{})})

	reg := NewRegistry(RegistryOptions{Fetcher: f})
	h, err := reg.Subscribe(context.Background(), "resellers")
	if err != nil {
		t.Fatal(err)
	}
	<-f.started

	errc := make(chan error, 1)
	go func() {
		_, err := h.Refresh(context.Background())
		errc <- err
	}()
	<-f.started

	h.Close()

	select {
	case err := <-errc:
		if fetch.KindOf(err) != fetch.KindCanceled {
			t.Errorf("Refresh() error = %v, want Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("refresh was not cancelled by teardown")
	}
}

func TestRegistry_RefreshAll(t *testing.T) {
	f := &scriptedFetcher{}
	reg := NewRegistry(RegistryOptions{Fetcher: f})
	ctx := context.Background()

	a, _ := reg.Subscribe(ctx, "customers")
	b, _ := reg.Subscribe(ctx, "invoices")
	defer a.Close()
	defer b.Close()

	f.push(scripted{res: rowsResult(time.Now(), collection.Row{"id": "x"})})
	f.push(scripted{res: rowsResult(time.Now(), collection.Row{"id": "x"})})

	if err := reg.RefreshAll(ctx); err != nil {
		t.Fatalf("RefreshAll() error = %v", err)
	}
	if f.calls != 4 {
		t.Errorf("calls = %d, want 4", f.calls)
	}
	if got := reg.Mounted(); len(got) != 2 || got[0] != "customers" || got[1] != "invoices" {
		t.Errorf("Mounted() = %v", got)
	}
}
