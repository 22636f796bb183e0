// Command server runs a local stand-in for the remote collection service:
// REST endpoints under /rest/v1 and a change feed under /realtime/v1.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/erauner12/tenantmirror/internal/auth"
	"github.com/erauner12/tenantmirror/internal/collection"
	"github.com/erauner12/tenantmirror/internal/db"
	"github.com/erauner12/tenantmirror/internal/httpapi"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envBool(k string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(k))
	if err != nil {
		return def
	}
	return v
}

func main() {
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "tenantmirror-remote").Logger()
	if env("ENV", "dev") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	ctx := context.Background()
	specs := collection.NewRegistry()

	var store db.Store
	if pgURL := env("DATABASE_URL", ""); pgURL != "" {
		pool, err := db.Open(ctx, pgURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		defer pool.Close()

		pg := db.NewPGStore(pool, specs)
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate")
		}
		store = pg
	} else {
		log.Warn().Msg("DATABASE_URL not set, rows are kept in memory")
		store = db.NewMemoryStore(specs)
	}

	jwtCfg := auth.JWTCfg{
		HS256Secret: env("JWT_HS256_SECRET", "dev-secret-change-in-production"),
		APIKey:      env("API_KEY", ""),
		Issuer:      env("JWT_ISSUER", ""),
		DevMode:     envBool("DEV_MODE", false),
	}
	policy := httpapi.Policy{
		IncludeUnassigned:  envBool("POLICY_INCLUDE_UNASSIGNED", true),
		Violation:          httpapi.Violation(env("POLICY_VIOLATION", string(httpapi.ViolationReject))),
		HideRepresentation: envBool("POLICY_HIDE_REPRESENTATION", false),
	}

	srv := &httpapi.Server{
		Store:       store,
		Collections: specs,
		Policy:      policy,
		Hub:         httpapi.NewHub(policy, jwtCfg, specs),
	}

	httpAddr := env("HTTP_ADDR", ":8081")
	// No WriteTimeout: websocket connections are long-lived.
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           srv.Routes(jwtCfg),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", httpAddr).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
