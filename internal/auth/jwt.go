// Package auth authenticates requests to the development remote service:
// project API key plus HS256 bearer tokens carrying tenant claims.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/erauner12/tenantmirror/internal/credential"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const ctxPrincipal ctxKey = "principal"

var (
	ErrMissingToken  = errors.New("missing bearer token")
	ErrInvalidAPIKey = errors.New("invalid API key")
	ErrMissingSub    = errors.New("token has no subject")
)

// JWTCfg holds authentication configuration
type JWTCfg struct {
	HS256Secret string // HMAC secret for HS256 tokens
	APIKey      string // required apikey header value; empty disables the check
	Issuer      string // expected iss claim; empty skips the check
	DevMode     bool   // Allow X-Debug-Sub header (DANGEROUS: only for local dev)
}

// ValidateToken verifies tok and maps its claims to a principal
func ValidateToken(tok string, cfg JWTCfg) (credential.Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	claims := jwt.MapClaims{}
	t, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return []byte(cfg.HS256Secret), nil
	}, opts...)
	if err != nil {
		return credential.Principal{}, err
	}
	if !t.Valid {
		return credential.Principal{}, jwt.ErrTokenSignatureInvalid
	}

	p := credential.PrincipalFromClaims(claims)
	if p.Subject == "" {
		return credential.Principal{}, ErrMissingSub
	}
	return p, nil
}

// CheckAPIKey compares the presented key against the configured one
func CheckAPIKey(presented string, cfg JWTCfg) error {
	if cfg.APIKey == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(cfg.APIKey)) != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}

// Middleware creates HTTP middleware for API key and JWT authentication.
// Supports two modes:
// 1. Production: Bearer token with JWT validation
// 2. Development: X-Debug-Sub / X-Debug-Role headers (ONLY when DevMode=true)
func Middleware(cfg JWTCfg) func(http.Handler) http.Handler {
	if cfg.DevMode {
		log.Warn().Msg("SECURITY WARNING: DevMode enabled - X-Debug-Sub header will bypass JWT authentication")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("apikey")
			if key == "" {
				key = r.URL.Query().Get("apikey")
			}
			if err := CheckAPIKey(key, cfg); err != nil {
				log.Warn().Str("path", r.URL.Path).Msg("rejected request with invalid API key")
				unauthorized(w, "", "Invalid API key")
				return
			}

			tok := ""
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				tok = strings.TrimPrefix(h, "Bearer ")
			}

			var p credential.Principal
			switch {
			case tok != "":
				var err error
				p, err = ValidateToken(tok, cfg)
				if err != nil {
					log.Warn().Err(err).Msg("jwt validation failed")
					msg := "JWT invalid"
					if errors.Is(err, jwt.ErrTokenExpired) {
						msg = "JWT expired"
					}
					unauthorized(w, "PGRST301", msg)
					return
				}

			case cfg.DevMode && r.Header.Get("X-Debug-Sub") != "":
				sub := r.Header.Get("X-Debug-Sub")
				p = credential.Principal{Subject: sub, TenantID: sub, Role: r.Header.Get("X-Debug-Role")}
				log.Debug().Str("sub", sub).Msg("using X-Debug-Sub header (dev mode)")

			default:
				log.Warn().Msg("missing subject (no JWT or X-Debug-Sub header)")
				unauthorized(w, "PGRST302", "Anonymous access is disabled")
				return
			}

			logger := log.Ctx(r.Context()).With().Str("sub", p.Subject).Logger()
			ctx := logger.WithContext(WithPrincipal(r.Context(), p))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": msg})
}

// WithPrincipal stores p in ctx
func WithPrincipal(ctx context.Context, p credential.Principal) context.Context {
	return context.WithValue(ctx, ctxPrincipal, p)
}

// PrincipalFrom returns the authenticated principal
func PrincipalFrom(ctx context.Context) (credential.Principal, bool) {
	p, ok := ctx.Value(ctxPrincipal).(credential.Principal)
	return p, ok
}

// UserID extracts the authenticated subject from request context
// Returns empty string if not authenticated (should never happen after middleware)
func UserID(ctx context.Context) string {
	p, _ := PrincipalFrom(ctx)
	return p.Subject
}
