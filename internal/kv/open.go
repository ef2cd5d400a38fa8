package kv

import (
	"fmt"
	"log/slog"
	"time"
)

// Backend identifies a Store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendSQLite Backend = "sqlite"
	BackendValkey Backend = "valkey"
)

// Options selects and configures a backend for Open.
type Options struct {
	Backend    Backend
	SQLitePath string
	// SQLiteCleanup is the expired-row purge interval (default 5m).
	SQLiteCleanup time.Duration
	Valkey        ValkeyConfig
}

// Open builds the Store described by opts.
func Open(opts Options, logger *slog.Logger) (Store, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		interval := opts.SQLiteCleanup
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		return NewSQLiteStore(opts.SQLitePath, interval, logger)
	case BackendValkey:
		return NewValkeyStore(opts.Valkey)
	default:
		return nil, fmt.Errorf("unsupported storage backend %q (must be memory, sqlite or valkey)", opts.Backend)
	}
}
