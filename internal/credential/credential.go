// Package credential locates the current session's access token in the
// persistent key-value store and decodes the principal it identifies.
package credential

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"time"

	"github.com/erauner12/tenantmirror/internal/kvstore"
	"github.com/rs/zerolog/log"
)

// DefaultKeyPattern matches the session keys written by the auth flow
const DefaultKeyPattern = `^sb-[a-z0-9-]+-auth-token$`

// Credential is an access token plus where it came from. It is resolved per
// request and never cached, so a refreshed session is picked up immediately.
type Credential struct {
	AccessToken string
	StorageKey  string
	Principal   Principal
}

// Resolver returns the current credential, or false when there is no session
type Resolver interface {
	Resolve(ctx context.Context) (Credential, bool)
}

// StoreResolver scans a kvstore for session keys
type StoreResolver struct {
	store   kvstore.Store
	pattern *regexp.Regexp
}

// NewStoreResolver builds a resolver for keys matching pattern
// (DefaultKeyPattern when empty).
func NewStoreResolver(store kvstore.Store, pattern string) (*StoreResolver, error) {
	if pattern == "" {
		pattern = DefaultKeyPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &StoreResolver{store: store, pattern: re}, nil
}

// storedSession covers both layouts the auth flow has written over time
type storedSession struct {
	AccessToken    string `json:"access_token"`
	CurrentSession *struct {
		AccessToken string `json:"access_token"`
	} `json:"currentSession"`
}

// Resolve returns the first (in key order) session entry that holds an
// unexpired access token, falling back to the first expired one so the
// remote can report the expiry. Malformed entries are skipped.
func (r *StoreResolver) Resolve(ctx context.Context) (Credential, bool) {
	keys, err := r.store.Keys(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("credential store scan failed")
		return Credential{}, false
	}
	sort.Strings(keys)

	now := time.Now()
	var stale *Credential
	for _, key := range keys {
		if !r.pattern.MatchString(key) {
			continue
		}
		raw, err := r.store.Get(ctx, key)
		if err != nil {
			continue
		}
		token := extractToken(raw)
		if token == "" {
			log.Debug().Str("key", key).Msg("skipping session entry without access token")
			continue
		}
		c := Credential{AccessToken: token, StorageKey: key, Principal: DecodePrincipal(token)}
		if !c.Principal.Expired(now) {
			return c, true
		}
		log.Debug().Str("key", key).Time("exp", c.Principal.ExpiresAt).Msg("session entry expired")
		if stale == nil {
			stale = &c
		}
	}
	if stale != nil {
		return *stale, true
	}
	return Credential{}, false
}

func extractToken(raw string) string {
	var s storedSession
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return ""
	}
	if s.AccessToken != "" {
		return s.AccessToken
	}
	if s.CurrentSession != nil {
		return s.CurrentSession.AccessToken
	}
	return ""
}

// Static always resolves to the same token. An empty token resolves to nothing.
type Static string

func (s Static) Resolve(context.Context) (Credential, bool) {
	if s == "" {
		return Credential{}, false
	}
	return Credential{AccessToken: string(s), Principal: DecodePrincipal(string(s))}, true
}
