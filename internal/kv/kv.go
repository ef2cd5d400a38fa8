// Package kv defines the key-value persistence contract shared by the
// credential store, the event identity registry and the handshake module,
// together with memory, SQLite and Valkey implementations.
package kv

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Entry is a single key/value pair returned by List.
type Entry struct {
	Key   string
	Value []byte
}

// Store is a minimal key-value store with optional per-key expiry.
//
// A zero ttl means the key never expires. Delete on a missing key is not an
// error. Take atomically reads and removes a key, so at most one caller can
// observe a given value through Take.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Take(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]Entry, error)
	Ping(ctx context.Context) error
	Close() error
}

// Key joins path-escaped components with "/". Components that contain "/"
// are escaped so that prefixes built from the same components never collide.
func Key(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return strings.Join(escaped, "/")
}

// Prefix is Key with a trailing separator, suitable for List.
func Prefix(parts ...string) string {
	return Key(parts...) + "/"
}

// LastSegment returns the unescaped final component of a key built with Key.
func LastSegment(key string) string {
	i := strings.LastIndexByte(key, '/')
	seg := key[i+1:]
	if s, err := url.PathUnescape(seg); err == nil {
		return s
	}
	return seg
}

// Segments returns the unescaped components of a key built with Key.
func Segments(key string) []string {
	raw := strings.Split(key, "/")
	out := make([]string, len(raw))
	for i, seg := range raw {
		if s, err := url.PathUnescape(seg); err == nil {
			out[i] = s
		} else {
			out[i] = seg
		}
	}
	return out
}
