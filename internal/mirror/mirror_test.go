package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/erauner12/tenantmirror/internal/collection"
	"github.com/erauner12/tenantmirror/internal/fetch"
	"github.com/erauner12/tenantmirror/internal/push"
)

var customers = collection.Spec{Name: "customers", IDField: "id", TenantField: "reseller_id", NaturalKey: "username"}

// scriptedFetcher returns queued results in order; a result with a gate
// blocks until the gate is closed or the context ends.
type scriptedFetcher struct {
	mu      sync.Mutex
	queue   []scripted
	calls   int
	started chan struct{}
}

type scripted struct {
	res  fetch.Result
	err  error
	gate chan struct{}
}

func (f *scriptedFetcher) push(s scripted) {
	f.mu.Lock()
	f.queue = append(f.queue, s)
	f.mu.Unlock()
}

func (f *scriptedFetcher) Do(ctx context.Context, req fetch.Request) (fetch.Result, error) {
	f.mu.Lock()
	f.calls++
	if len(f.queue) == 0 {
		f.mu.Unlock()
		return fetch.Result{Empty: true, StartedAt: time.Now()}, nil
	}
	s := f.queue[0]
	f.queue = f.queue[1:]
	started := f.started
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return fetch.Result{}, &fetch.Error{Kind: fetch.KindCanceled, Err: ctx.Err()}
		}
	}
	return s.res, s.err
}

func rowsResult(startedAt time.Time, rows ...collection.Row) fetch.Result {
	return fetch.Result{Rows: rows, Status: 200, StartedAt: startedAt}
}

func ids(rows []collection.Row) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		id, _ := customers.ID(r)
		out = append(out, id)
	}
	return out
}

func equalIDs(t *testing.T, got []collection.Row, want ...string) {
	t.Helper()
	g := ids(got)
	if len(g) != len(want) {
		t.Fatalf("ids = %v, want %v", g, want)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("ids = %v, want %v", g, want)
		}
	}
}

func TestApplyChangeRules(t *testing.T) {
	base := []collection.Row{{"id": float64(1), "status": "active"}, {"id": float64(2), "status": "active"}}

	tests := []struct {
		name        string
		change      push.Change
		wantIDs     []string
		wantChanged bool
	}{
		{name: "insert appends", change: push.Change{Kind: push.KindInsert, New: collection.Row{"id": float64(3)}}, wantIDs: []string{"1", "2", "3"}, wantChanged: true},
		{name: "insert collision is no-op", change: push.Change{Kind: push.KindInsert, New: collection.Row{"id": "1"}}, wantIDs: []string{"1", "2"}},
		{name: "update replaces", change: push.Change{Kind: push.KindUpdate, New: collection.Row{"id": float64(2), "status": "suspended"}}, wantIDs: []string{"1", "2"}, wantChanged: true},
		{name: "update of absent row is no-op", change: push.Change{Kind: push.KindUpdate, New: collection.Row{"id": float64(9)}}, wantIDs: []string{"1", "2"}},
		{name: "delete removes", change: push.Change{Kind: push.KindDelete, Old: collection.Row{"id": float64(1)}}, wantIDs: []string{"2"}, wantChanged: true},
		{name: "delete of absent row is no-op", change: push.Change{Kind: push.KindDelete, Old: collection.Row{"id": float64(9)}}, wantIDs: []string{"1", "2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := applyChange(customers, base, tt.change)
			if changed != tt.wantChanged {
				t.Errorf("changed = %v, want %v", changed, tt.wantChanged)
			}
			equalIDs(t, got, tt.wantIDs...)
			equalIDs(t, base, "1", "2")
			if base[1]["status"] != "active" {
				t.Error("input row was modified")
			}
		})
	}
}

func TestMirror_SnapshotsAreImmutable(t *testing.T) {
	f := &scriptedFetcher{}
	f.push(scripted{res: rowsResult(time.Now(), collection.Row{"id": float64(1)})})
	m := New(customers, f, nil)

	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := m.Snapshot()
	v := m.Version()

	m.ApplyChange(push.Change{Kind: push.KindInsert, New: collection.Row{"id": float64(2)}})

	equalIDs(t, before, "1")
	equalIDs(t, m.Snapshot(), "1", "2")
	if m.Version() != v+1 {
		t.Errorf("version = %d, want %d", m.Version(), v+1)
	}
}

func TestMirror_DeltasRacingPullAreReplayed(t *testing.T) {
	gate := make(chan struct{})
	f := &scriptedFetcher{started: make(chan struct{}, 1)}

	m := New(customers, f, nil)

	// A delta received before the pull started is already in the pull result
	early := push.Change{Kind: push.KindInsert, New: collection.Row{"id": float64(1)}, ReceivedAt: time.Now()}
	time.Sleep(2 * time.Millisecond)
	pullStart := time.Now()
	f.push(scripted{gate: gate, res: rowsResult(pullStart, collection.Row{"id": float64(1)}, collection.Row{"id": float64(2), "status": "active"})})

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Refresh(context.Background())
	}()
	<-f.started

	m.ApplyChange(early)
	m.ApplyChange(push.Change{Kind: push.KindInsert, New: collection.Row{"id": float64(3)}, ReceivedAt: pullStart.Add(time.Millisecond)})
	m.ApplyChange(push.Change{Kind: push.KindUpdate, New: collection.Row{"id": float64(2), "status": "suspended"}, ReceivedAt: pullStart.Add(2 * time.Millisecond)})
	m.ApplyChange(push.Change{Kind: push.KindDelete, Old: collection.Row{"id": float64(1)}, ReceivedAt: pullStart.Add(3 * time.Millisecond)})

	close(gate)
	<-done

	rows := m.Snapshot()
	equalIDs(t, rows, "2", "3")
	if rows[0]["status"] != "suspended" {
		t.Errorf("row 2 status = %v, want suspended", rows[0]["status"])
	}
	if len(m.journal) != 0 {
		t.Errorf("journal not cleared: %d entries", len(m.journal))
	}
}

func TestMirror_LocalWritesRacingPullAreReplayed(t *testing.T) {
	f := &scriptedFetcher{}
	f.push(scripted{res: rowsResult(time.Now(), collection.Row{"id": float64(1), "paid": false})})
	m := New(customers, f, nil)
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	gate := make(chan struct{})
	f.started = make(chan struct{}, 1)
	pullStart := time.Now()
	// The pull snapshot predates both local writes below.
	f.push(scripted{gate: gate, res: rowsResult(pullStart, collection.Row{"id": float64(1), "paid": false})})

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Refresh(context.Background())
	}()
	<-f.started
	time.Sleep(2 * time.Millisecond)

	if err := m.Upsert(collection.Row{"id": float64(2), "username": "bob"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Patch("1", collection.Row{"paid": true}); !ok {
		t.Fatal("Patch() reported missing row")
	}
	equalIDs(t, m.Snapshot(), "1", "2")

	close(gate)
	<-done

	rows := m.Snapshot()
	equalIDs(t, rows, "1", "2")
	if rows[0]["paid"] != true {
		t.Errorf("patched field lost after pull: %v", rows[0])
	}
	if rows[0]["id"] != float64(1) {
		t.Errorf("patch replay rewrote id: %#v", rows[0]["id"])
	}
	if len(m.journal) != 0 {
		t.Errorf("journal not cleared: %d entries", len(m.journal))
	}
}

func TestMirror_RevertKeepsNewerPullData(t *testing.T) {
	f := &scriptedFetcher{}
	f.push(scripted{res: rowsResult(time.Now(), collection.Row{"id": float64(1), "status": "active", "notes": "a"})})
	m := New(customers, f, nil)
	m.Refresh(context.Background())

	prev, ok := m.Patch("1", collection.Row{"status": "suspended", "notes": "b"})
	if !ok {
		t.Fatal("Patch() reported missing row")
	}

	// Another client changed notes meanwhile; the pull brings the server row.
	f.push(scripted{res: rowsResult(time.Now(), collection.Row{"id": float64(1), "status": "active", "notes": "c"})})
	m.Refresh(context.Background())

	if err := m.Revert(prev, collection.Row{"status": "suspended", "notes": "b"}); err != nil {
		t.Fatal(err)
	}
	row, _ := m.Find("1")
	if row["notes"] != "c" || row["status"] != "active" {
		t.Errorf("Revert() clobbered pulled row: %v", row)
	}

	// Without an intervening pull only the patched values are reset.
	prev, _ = m.Patch("1", collection.Row{"status": "suspended", "paid": true})
	if err := m.Revert(prev, collection.Row{"status": "suspended", "paid": true}); err != nil {
		t.Fatal(err)
	}
	row, _ = m.Find("1")
	if row["status"] != "active" || row["notes"] != "c" {
		t.Errorf("reverted row = %v", row)
	}
	if _, has := row["paid"]; has {
		t.Errorf("field absent before patch survived revert: %v", row)
	}
}

func TestMirror_FailedPullKeepsStaleRows(t *testing.T) {
	f := &scriptedFetcher{}
	f.push(scripted{res: rowsResult(time.Now(), collection.Row{"id": float64(1)}, collection.Row{"id": float64(2)})})
	pullErr := &fetch.Error{Kind: fetch.KindTimeout, Message: "request timed out"}
	f.push(scripted{err: pullErr})

	m := New(customers, f, nil)
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	var events []Event
	m.OnChange(func(ev Event) { events = append(events, ev) })

	rows, err := m.Refresh(context.Background())
	if !errors.Is(err, pullErr) {
		t.Fatalf("Refresh() error = %v", err)
	}
	equalIDs(t, rows, "1", "2")
	equalIDs(t, m.Snapshot(), "1", "2")
	if !errors.Is(m.Err(), pullErr) {
		t.Errorf("Err() = %v", m.Err())
	}
	if len(events) != 1 || events[0].Cause != CauseError {
		t.Errorf("events = %+v, want one error event", events)
	}

	f.push(scripted{res: rowsResult(time.Now(), collection.Row{"id": float64(3)})})
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Err() != nil {
		t.Errorf("Err() not cleared after successful pull: %v", m.Err())
	}
}

func TestMirror_LocalEntryPoints(t *testing.T) {
	f := &scriptedFetcher{}
	f.push(scripted{res: rowsResult(time.Now(), collection.Row{"id": float64(1), "paid": false})})
	m := New(customers, f, nil)
	m.Refresh(context.Background())

	prev, ok := m.Patch("1", collection.Row{"paid": true})
	if !ok || prev["paid"] != false {
		t.Fatalf("Patch() = %v, %v", prev, ok)
	}
	if row, _ := m.Find("1"); row["paid"] != true {
		t.Errorf("patched row = %v", row)
	}

	if err := m.Upsert(prev); err != nil {
		t.Fatal(err)
	}
	if row, _ := m.Find("1"); row["paid"] != false {
		t.Errorf("restored row = %v", row)
	}

	if err := m.Upsert(collection.Row{"id": float64(1), "paid": true}); err != nil {
		t.Fatal(err)
	}
	equalIDs(t, m.Snapshot(), "1")

	if err := m.Upsert(collection.Row{"name": "no id"}); !errors.Is(err, ErrNoID) {
		t.Errorf("Upsert without id error = %v", err)
	}

	if _, ok := m.Remove("1"); !ok {
		t.Error("Remove() reported missing row")
	}
	if _, ok := m.Remove("1"); ok {
		t.Error("second Remove() should report missing row")
	}
}
