// Package httpapi serves a development stand-in for the remote service the
// dashboard talks to: a PostgREST-style collection endpoint with row-level
// policies and a websocket change feed.
package httpapi

import (
	"net/http"

	"github.com/erauner12/tenantmirror/internal/auth"
	"github.com/erauner12/tenantmirror/internal/collection"
	"github.com/erauner12/tenantmirror/internal/db"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	Store           db.Store
	Collections     *collection.Registry
	Policy          Policy
	Hub             *Hub
	RateLimitConfig RateLimitInfo
}

// Routes creates the HTTP router. The websocket endpoint authenticates the
// subscribe frame itself, so it sits outside the REST auth group.
func (s *Server) Routes(jwt auth.JWTCfg) http.Handler {
	if s.Collections == nil {
		s.Collections = collection.NewRegistry()
	}
	if s.RateLimitConfig.MaxRequests == 0 {
		s.RateLimitConfig = DefaultRateLimitConfig
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(CorrelationMiddleware)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})
	r.Get("/info", s.Info)

	if s.Hub != nil {
		r.Get("/realtime/v1/websocket", s.Hub.ServeWS)
	}

	r.Route("/rest/v1", func(r chi.Router) {
		r.Use(RequestLogger)
		r.Use(auth.Middleware(jwt))
		r.Use(RateLimitMiddleware(s.RateLimitConfig))

		r.Get("/{collection}", s.List)
		r.Post("/{collection}", s.Create)
		r.Patch("/{collection}", s.Update)
		r.Delete("/{collection}", s.Delete)
	})

	log.Info().
		Strs("collections", s.Collections.Names()).
		Bool("realtime", s.Hub != nil).
		Str("violation", string(s.Policy.Violation)).
		Msg("HTTP routes registered")
	return r
}
