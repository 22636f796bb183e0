// Package mutation submits creates, updates and deletes to the remote
// service and reconciles the local mirrors with what the service accepted.
//
// A 2xx answer without the requested representation is ambiguous: row
// policies may have filtered the echo, or silently dropped the write. Such
// writes enter verify-pending and are confirmed with one read after a short
// grace interval.
package mutation

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/erauner12/tenantmirror/internal/collection"
	"github.com/erauner12/tenantmirror/internal/credential"
	"github.com/erauner12/tenantmirror/internal/fetch"
	"github.com/erauner12/tenantmirror/internal/invalidation"
	"github.com/erauner12/tenantmirror/internal/metrics"
	"github.com/erauner12/tenantmirror/internal/mirror"
	"github.com/erauner12/tenantmirror/internal/schema"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultVerifyGrace is the wait before verifying an empty acknowledgement
const DefaultVerifyGrace = 750 * time.Millisecond

// Fetcher issues REST calls
type Fetcher interface {
	Do(ctx context.Context, req fetch.Request) (fetch.Result, error)
}

// Mirrors finds mounted mirrors. Writes to unmounted collections still go
// through; there is just nothing local to reconcile.
type Mirrors interface {
	Get(name string) (*mirror.Mirror, bool)
}

// Emitter receives invalidation events for successful mutations
type Emitter interface {
	Emit(ev invalidation.Event)
}

// Options configures a Gateway
type Options struct {
	Collections *collection.Registry
	Fetcher     Fetcher
	Mirrors     Mirrors
	Resolver    credential.Resolver
	Schema      *schema.Validator
	Bus         Emitter
	Metrics     *metrics.Metrics
	VerifyGrace time.Duration
}

// Gateway is the single write path to the remote service
type Gateway struct {
	opts Options

	mu      sync.Mutex
	pending map[uuid.UUID]*Pending
}

// New creates a gateway
func New(opts Options) *Gateway {
	if opts.Collections == nil {
		opts.Collections = collection.NewRegistry()
	}
	if opts.VerifyGrace <= 0 {
		opts.VerifyGrace = DefaultVerifyGrace
	}
	return &Gateway{opts: opts, pending: make(map[uuid.UUID]*Pending)}
}

func (g *Gateway) mirrorFor(name string) *mirror.Mirror {
	if g.opts.Mirrors == nil {
		return nil
	}
	m, _ := g.opts.Mirrors.Get(name)
	return m
}

// Create inserts draft into collection. The owning tenant is attached from
// the current session unless an administrator supplied one.
func (g *Gateway) Create(ctx context.Context, name string, draft collection.Row) (bool, error) {
	spec, err := g.opts.Collections.Lookup(name)
	if err != nil {
		return g.reject(nil, name, OpCreate, &Failure{Kind: fetch.KindValidation, Message: Message(fetch.KindValidation, err.Error(), 0), Cause: err})
	}

	draft = collection.Clone(draft)
	if draft == nil {
		draft = collection.Row{}
	}
	g.attachTenant(ctx, spec, draft)

	p := g.track(OpCreate, name, "", draftKey(spec, draft))

	if err := g.opts.Schema.Validate(name, draft, false); err != nil {
		return g.reject(p, name, OpCreate, failureFrom(err))
	}

	res, err := g.opts.Fetcher.Do(ctx, fetch.Request{
		Collection:           name,
		Method:               http.MethodPost,
		Body:                 draft,
		ReturnRepresentation: true,
	})
	if err != nil {
		return g.reject(p, name, OpCreate, failureFrom(err))
	}

	m := g.mirrorFor(name)
	if !res.Empty && len(res.Rows) > 0 {
		g.advance(p, StateAcknowledged)
		for _, row := range res.Rows {
			if m != nil {
				if err := m.Upsert(row); err != nil {
					log.Warn().Err(err).Str("collection", name).Msg("created row has no identifier, not merged")
				}
			}
		}
		return g.succeed(p, name, OpCreate, "")
	}

	// Empty acknowledgement: confirm by natural key
	g.advance(p, StateVerifyPending)
	if spec.NaturalKey == "" || draft[spec.NaturalKey] == nil {
		return g.reject(p, name, OpCreate, denied(ErrNoNaturalKey))
	}
	rows, err := g.verify(ctx, name, fetch.Eq(spec.NaturalKey, draft[spec.NaturalKey]))
	if err != nil {
		return g.reject(p, name, OpCreate, failureFrom(err))
	}
	if len(rows) == 0 {
		return g.reject(p, name, OpCreate, denied(ErrNotVerified))
	}
	if m != nil {
		if err := m.Upsert(rows[0]); err != nil {
			log.Warn().Err(err).Str("collection", name).Msg("verified row has no identifier, not merged")
		}
	}
	g.advance(p, StateVerified)
	return g.succeed(p, name, OpCreate, "")
}

// Update applies patch to the row with id, optimistically in the mirror
// first. The mirror is rolled back or corrected when the service disagrees.
func (g *Gateway) Update(ctx context.Context, name, id string, patch collection.Row) (bool, error) {
	spec, err := g.opts.Collections.Lookup(name)
	if err != nil {
		return g.reject(nil, name, OpUpdate, &Failure{Kind: fetch.KindValidation, Message: Message(fetch.KindValidation, err.Error(), 0), Cause: err})
	}
	p := g.track(OpUpdate, name, id, "")

	if err := g.opts.Schema.Validate(name, patch, true); err != nil {
		return g.reject(p, name, OpUpdate, failureFrom(err))
	}

	m := g.mirrorFor(name)
	var prev collection.Row
	var patched bool
	if m != nil {
		prev, patched = m.Patch(id, patch)
	}
	rollback := func() {
		if patched {
			if err := m.Revert(prev, patch); err != nil {
				log.Warn().Err(err).Str("collection", name).Str("id", id).Msg("rollback failed")
			}
		}
	}

	res, err := g.opts.Fetcher.Do(ctx, fetch.Request{
		Collection:           name,
		Method:               http.MethodPatch,
		Filters:              []fetch.Filter{fetch.Eq(spec.IDField, id)},
		Body:                 patch,
		ReturnRepresentation: true,
	})
	if err != nil {
		rollback()
		return g.reject(p, name, OpUpdate, failureFrom(err))
	}

	if !res.Empty && len(res.Rows) > 0 {
		g.advance(p, StateAcknowledged)
		if m != nil {
			if err := m.Upsert(res.Rows[0]); err != nil {
				log.Warn().Err(err).Str("collection", name).Msg("updated row has no identifier, not merged")
			}
		}
		return g.succeed(p, name, OpUpdate, singleField(patch))
	}

	g.advance(p, StateVerifyPending)
	rows, err := g.verify(ctx, name, fetch.Eq(spec.IDField, id))
	if err != nil {
		rollback()
		return g.reject(p, name, OpUpdate, failureFrom(err))
	}
	if len(rows) == 0 {
		if m != nil {
			m.Remove(id)
		}
		return g.reject(p, name, OpUpdate, &Failure{Kind: fetch.KindNotFound, Message: Message(fetch.KindNotFound, "", 0), Cause: ErrNotVerified})
	}

	server := rows[0]
	if m != nil {
		if err := m.Upsert(server); err != nil {
			log.Warn().Err(err).Str("collection", name).Msg("verified row has no identifier, not merged")
		}
	}
	if !collection.Matches(server, patch) {
		return g.reject(p, name, OpUpdate, denied(ErrNotVerified))
	}
	g.advance(p, StateVerified)
	return g.succeed(p, name, OpUpdate, singleField(patch))
}

// Delete removes the row with id. The mirror only changes once the service
// confirms the row is gone.
func (g *Gateway) Delete(ctx context.Context, name, id string) (bool, error) {
	spec, err := g.opts.Collections.Lookup(name)
	if err != nil {
		return g.reject(nil, name, OpDelete, &Failure{Kind: fetch.KindValidation, Message: Message(fetch.KindValidation, err.Error(), 0), Cause: err})
	}
	p := g.track(OpDelete, name, id, "")

	res, err := g.opts.Fetcher.Do(ctx, fetch.Request{
		Collection:           name,
		Method:               http.MethodDelete,
		Filters:              []fetch.Filter{fetch.Eq(spec.IDField, id)},
		ReturnRepresentation: true,
	})
	if err != nil {
		return g.reject(p, name, OpDelete, failureFrom(err))
	}

	m := g.mirrorFor(name)
	if !res.Empty && len(res.Rows) > 0 {
		g.advance(p, StateAcknowledged)
		if m != nil {
			m.Remove(id)
		}
		return g.succeed(p, name, OpDelete, "")
	}

	g.advance(p, StateVerifyPending)
	rows, err := g.verify(ctx, name, fetch.Eq(spec.IDField, id))
	if err != nil {
		return g.reject(p, name, OpDelete, failureFrom(err))
	}
	if len(rows) > 0 {
		return g.reject(p, name, OpDelete, denied(ErrNotVerified))
	}
	if m != nil {
		m.Remove(id)
	}
	g.advance(p, StateVerified)
	return g.succeed(p, name, OpDelete, "")
}

// verify waits the grace interval and reads once
func (g *Gateway) verify(ctx context.Context, name string, by fetch.Filter) ([]collection.Row, error) {
	t := time.NewTimer(g.opts.VerifyGrace)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, &fetch.Error{Kind: fetch.KindCanceled, Message: "verification abandoned", Err: ctx.Err()}
	case <-t.C:
	}

	res, err := g.opts.Fetcher.Do(ctx, fetch.Request{
		Collection: name,
		Filters:    []fetch.Filter{by},
		Select:     "*",
		Limit:      1,
	})
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}

func (g *Gateway) attachTenant(ctx context.Context, spec collection.Spec, draft collection.Row) {
	if !spec.Scoped() || g.opts.Resolver == nil {
		return
	}
	cred, ok := g.opts.Resolver.Resolve(ctx)
	if !ok || cred.Principal.TenantID == "" {
		return
	}
	if cred.Principal.IsAdmin() && draft[spec.TenantField] != nil {
		return
	}
	draft[spec.TenantField] = cred.Principal.TenantID
}

func (g *Gateway) succeed(p *Pending, name string, op Op, field string) (bool, error) {
	g.mu.Lock()
	outcome := "acknowledged"
	if p.State == StateVerified {
		outcome = "verified"
	}
	g.mu.Unlock()
	g.resolve(p, nil)
	g.opts.Metrics.Mutation(name, string(op), outcome)

	log.Info().
		Str("collection", name).
		Str("op", string(op)).
		Str("id", p.TargetID).
		Str("outcome", outcome).
		Msg("mutation applied")

	if g.opts.Bus != nil {
		g.opts.Bus.Emit(invalidation.Event{Source: name, Field: field})
	}
	return true, nil
}

func (g *Gateway) reject(p *Pending, name string, op Op, f *Failure) (bool, error) {
	if p != nil {
		g.resolve(p, f)
	}
	g.opts.Metrics.Mutation(name, string(op), string(f.Kind))

	ev := log.Warn()
	if f.Kind == fetch.KindUnknown {
		ev = log.Error()
	}
	ev.Err(f.Cause).
		Str("collection", name).
		Str("op", string(op)).
		Str("kind", string(f.Kind)).
		Msg(f.Message)
	return false, f
}

// singleField names the patched field when exactly one changed, so
// consumers can limit what they recompute.
func singleField(patch collection.Row) string {
	if len(patch) != 1 {
		return ""
	}
	for k := range patch {
		return k
	}
	return ""
}

func draftKey(spec collection.Spec, draft collection.Row) string {
	if spec.NaturalKey == "" {
		return ""
	}
	return collection.Stringify(draft[spec.NaturalKey])
}

// Pending lists mutations that have not resolved yet, oldest first
func (g *Gateway) Pending() []Pending {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Pending, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

func (g *Gateway) track(op Op, name, id, key string) *Pending {
	p := &Pending{
		ID:          uuid.New(),
		Op:          op,
		Collection:  name,
		TargetID:    id,
		NaturalKey:  key,
		State:       StateSubmitted,
		SubmittedAt: time.Now(),
	}
	g.mu.Lock()
	g.pending[p.ID] = p
	g.mu.Unlock()
	return p
}

func (g *Gateway) advance(p *Pending, s State) {
	g.mu.Lock()
	p.State = s
	g.mu.Unlock()
	log.Debug().Str("mutation", p.ID.String()).Str("state", string(s)).Msg("mutation state")
}

func (g *Gateway) resolve(p *Pending, f *Failure) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p.ResolvedAt = time.Now()
	if f != nil {
		p.State = StateFailed
		p.Err = f
	}
	delete(g.pending, p.ID)
}
