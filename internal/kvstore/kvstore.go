// Package kvstore provides the persistent client-side key-value store that
// holds sessions and the cross-process invalidation marker.
//
// Backends:
//   - memory (in-process, for tests and one-shot commands)
//   - sqlite (file on disk, shared by processes on one host)
//   - redis (shared by processes on any host)
package kvstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the key does not exist
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the key-value contract used by the credential resolver and the
// cross-tab invalidation binding.
type Store interface {
	// Get returns the value for key or ErrNotFound
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key without expiry
	Set(ctx context.Context, key, value string) error

	// Delete removes key; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error

	// Keys lists every key currently stored, without the backend prefix
	Keys(ctx context.Context) ([]string, error)

	Close() error
}

// Config selects and configures a backend
type Config struct {
	Driver   string // "memory" | "sqlite" | "redis"
	Path     string // sqlite file
	Addr     string // redis host:port
	Password string
	DB       int
	Prefix   string // prepended to every key (redis and memory)
}

// Open creates a Store for cfg.Driver
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "memory", "":
		return NewMemory(cfg.Prefix), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path)
	case "redis":
		return NewRedis(ctx, cfg)
	default:
		return nil, fmt.Errorf("kvstore: unknown driver %q", cfg.Driver)
	}
}
