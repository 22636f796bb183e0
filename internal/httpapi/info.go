package httpapi

import (
	"net/http"
	"time"
)

// ServerInfo describes the development service and the policy it enforces
type ServerInfo struct {
	APIVersion  string                    `json:"apiVersion"`
	ServerTime  string                    `json:"serverTime"`
	Collections map[string]CollectionInfo `json:"collections"`
	Policy      Policy                    `json:"policy"`
	RateLimit   *RateLimitInfo            `json:"rateLimit,omitempty"`
	Hints       *ClientHints              `json:"hints,omitempty"`
}

// RateLimitInfo describes the server's rate limiting policy
type RateLimitInfo struct {
	WindowSeconds int `json:"windowSeconds"` // e.g. 60
	MaxRequests   int `json:"maxRequests"`   // per window
	Burst         int `json:"burst"`         // token bucket size
}

// DefaultRateLimitConfig allows interactive bursts and 10 req/s sustained
var DefaultRateLimitConfig = RateLimitInfo{WindowSeconds: 60, MaxRequests: 600, Burst: 120}

// ClientHints provides recommendations for client behavior
type ClientHints struct {
	BackoffMsOn429 int `json:"backoffMsOn429"` // default backoff if Retry-After missing
}

// CollectionInfo describes one exposed collection
type CollectionInfo struct {
	IDField     string `json:"idField"`
	TenantField string `json:"tenantField,omitempty"`
	NaturalKey  string `json:"naturalKey,omitempty"`
	Realtime    bool   `json:"realtime"`
}

// Info handles GET /info
// This endpoint can be called without authentication to allow capability discovery
func (s *Server) Info(w http.ResponseWriter, r *http.Request) {
	info := ServerInfo{
		APIVersion:  "1",
		ServerTime:  time.Now().UTC().Format(time.RFC3339Nano),
		Collections: make(map[string]CollectionInfo),
		Policy:      s.Policy,
		RateLimit:   &s.RateLimitConfig,
		Hints:       &ClientHints{BackoffMsOn429: 1500},
	}
	for _, name := range s.Collections.Names() {
		spec, _ := s.Collections.Lookup(name)
		info.Collections[name] = CollectionInfo{
			IDField:     spec.IDField,
			TenantField: spec.TenantField,
			NaturalKey:  spec.NaturalKey,
			Realtime:    s.Hub != nil,
		}
	}

	writeJSON(w, http.StatusOK, info)
}
