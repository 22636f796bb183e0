// Package mirror keeps in-memory copies of remote collections consistent
// across bulk pulls, push-channel deltas and local optimistic mutations.
package mirror

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/erauner12/tenantmirror/internal/collection"
	"github.com/erauner12/tenantmirror/internal/fetch"
	"github.com/erauner12/tenantmirror/internal/metrics"
	"github.com/erauner12/tenantmirror/internal/push"
	"github.com/rs/zerolog/log"
)

// Cause says why a mirror changed
type Cause string

const (
	CausePull   Cause = "pull"
	CauseDelta  Cause = "delta"
	CauseLocal  Cause = "local"
	CauseStatus Cause = "status"
	CauseError  Cause = "error"
)

// Event is delivered to OnChange listeners
type Event struct {
	Collection string
	Cause      Cause
	Version    uint64
	Status     push.Status // CauseStatus
	Err        error       // CauseError
}

// Fetcher is the read/write surface a mirror needs
type Fetcher interface {
	Do(ctx context.Context, req fetch.Request) (fetch.Result, error)
}

// Mirror is the local copy of one collection. Rows handed out by Snapshot
// are never modified afterwards; every change installs a new slice.
type Mirror struct {
	spec    collection.Spec
	fetcher Fetcher
	metrics *metrics.Metrics

	mu        sync.Mutex
	rows      []collection.Row
	version   uint64
	err       error
	pulls     int
	journal   []push.Change
	status    push.Status
	listeners map[int]func(Event)
	nextID    int
}

// New creates an empty mirror for spec
func New(spec collection.Spec, fetcher Fetcher, m *metrics.Metrics) *Mirror {
	return &Mirror{
		spec:      spec,
		fetcher:   fetcher,
		metrics:   m,
		rows:      []collection.Row{},
		listeners: make(map[int]func(Event)),
	}
}

// Spec returns the collection this mirror holds
func (m *Mirror) Spec() collection.Spec { return m.spec }

// Snapshot returns the current rows. Callers must not modify the slice or
// its rows.
func (m *Mirror) Snapshot() []collection.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows
}

// Version increases on every change to the rows
func (m *Mirror) Version() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// Err returns the error of the most recent failed pull, cleared by the next
// successful one
func (m *Mirror) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Status returns the last push-channel status
func (m *Mirror) Status() push.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Find returns the row with id from the current snapshot
func (m *Mirror) Find(id string) (collection.Row, bool) {
	rows := m.Snapshot()
	if i := indexOf(m.spec, rows, id); i >= 0 {
		return rows[i], true
	}
	return nil, false
}

// OnChange registers fn for every change. The returned func unregisters it.
func (m *Mirror) OnChange(fn func(Event)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// emit must be called without m.mu held
func (m *Mirror) emit(ev Event) {
	m.mu.Lock()
	fns := make([]func(Event), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	ev.Collection = m.spec.Name
	for _, fn := range fns {
		fn(ev)
	}
}

// install replaces the rows; m.mu must be held
func (m *Mirror) install(rows []collection.Row) uint64 {
	m.rows = rows
	m.version++
	m.metrics.MirrorRows(m.spec.Name, len(rows))
	return m.version
}

// Refresh re-issues the bulk pull and replaces the mirror wholesale. On
// failure the previous rows stay in place and the error is recorded.
func (m *Mirror) Refresh(ctx context.Context) ([]collection.Row, error) {
	m.mu.Lock()
	m.pulls++
	m.mu.Unlock()

	res, err := m.fetcher.Do(ctx, fetch.Request{Collection: m.spec.Name, Select: "*"})

	m.mu.Lock()
	m.pulls--
	if err != nil {
		if m.pulls == 0 {
			m.journal = nil
		}
		rows := m.rows
		canceled := fetch.KindOf(err) == fetch.KindCanceled
		if !canceled {
			m.err = err
		}
		m.mu.Unlock()

		if canceled {
			return rows, err
		}
		m.metrics.PullFailed(m.spec.Name)
		log.Warn().Err(err).Str("collection", m.spec.Name).Int("staleRows", len(rows)).Msg("bulk pull failed, keeping stale rows")
		m.emit(Event{Cause: CauseError, Err: err})
		return rows, err
	}

	rows := make([]collection.Row, len(res.Rows))
	copy(rows, res.Rows)
	replayed := 0
	for _, change := range m.journal {
		if change.ReceivedAt.Before(res.StartedAt) {
			continue
		}
		var changed bool
		if rows, changed = applyChange(m.spec, rows, change); changed {
			replayed++
		}
	}
	if m.pulls == 0 {
		m.journal = nil
	}
	m.err = nil
	version := m.install(rows)
	m.mu.Unlock()

	log.Debug().
		Str("collection", m.spec.Name).
		Int("rows", len(rows)).
		Int("replayed", replayed).
		Msg("bulk pull applied")
	m.emit(Event{Cause: CausePull, Version: version})
	return rows, nil
}

// ApplyChange applies a push-channel delta
func (m *Mirror) ApplyChange(change push.Change) {
	if change.ReceivedAt.IsZero() {
		change.ReceivedAt = time.Now()
	}
	version, changed := m.apply(change)
	m.metrics.Delta(m.spec.Name, string(change.Kind))
	if changed {
		m.emit(Event{Cause: CauseDelta, Version: version})
	}
}

// apply installs change and, while a pull is outstanding, journals it so it
// can be replayed onto the pull's result. Local entry points go through here
// too.
func (m *Mirror) apply(change push.Change) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pulls > 0 {
		m.journal = append(m.journal, change)
	}
	rows, changed := applyChange(m.spec, m.rows, change)
	if !changed {
		return m.version, false
	}
	return m.install(rows), true
}

// local applies a change made through a local entry point
func (m *Mirror) local(kind push.Kind, row, old collection.Row) bool {
	version, changed := m.apply(push.Change{Kind: kind, New: row, Old: old, ReceivedAt: time.Now()})
	if changed {
		m.emit(Event{Cause: CauseLocal, Version: version})
	}
	return changed
}

// setStatus records a push-channel status transition
func (m *Mirror) setStatus(s push.Status, err error) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
	m.emit(Event{Cause: CauseStatus, Status: s, Err: err})
}

// ErrNoID is returned by local mutation entry points for rows without an id
var ErrNoID = errors.New("mirror: row has no identifier")

// Upsert inserts row, or replaces the row with the same id. Used by the
// mutation gateway to merge a confirmed row; it never creates duplicates.
func (m *Mirror) Upsert(row collection.Row) error {
	if _, ok := m.spec.ID(row); !ok {
		return ErrNoID
	}
	m.local(kindUpsert, row, nil)
	return nil
}

// Patch merges fields into the row with id and returns the previous row so
// the caller can roll back with Revert.
func (m *Mirror) Patch(id string, fields collection.Row) (collection.Row, bool) {
	prev, ok := m.Find(id)
	if !ok {
		return nil, false
	}
	if !m.local(kindPatch, m.withID(fields, id), nil) {
		return nil, false
	}
	return prev, true
}

// Remove deletes the row with id and returns it
func (m *Mirror) Remove(id string) (collection.Row, bool) {
	prev, ok := m.Find(id)
	if !ok {
		return nil, false
	}
	if !m.local(push.KindDelete, nil, m.withID(nil, id)) {
		return nil, false
	}
	return prev, true
}

// Revert undoes a Patch of fields on the row prev was captured from. Only
// fields still holding the patched value are reset, so newer data from a
// pull or delta that landed in between is kept.
func (m *Mirror) Revert(prev, fields collection.Row) error {
	id, ok := m.spec.ID(prev)
	if !ok {
		return ErrNoID
	}
	m.local(kindRevert, m.withID(fields, id), prev)
	return nil
}

func (m *Mirror) withID(fields collection.Row, id string) collection.Row {
	out := collection.Clone(fields)
	if out == nil {
		out = collection.Row{}
	}
	out[m.spec.IDField] = id
	return out
}
