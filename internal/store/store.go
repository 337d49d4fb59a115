// Package store is the key-value layer behind board scenes. Keys carry a
// version that increments on every write so callers can detect concurrent
// writers with CompareAndSwap. Versions never go backwards: deleting a key
// or letting it expire keeps its last version.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrVersionConflict is returned by CompareAndSwap when the key changed
	// since the caller read it.
	ErrVersionConflict = errors.New("version conflict")
	ErrUnknownBackend  = errors.New("unknown store backend")
)

// Versioned is a value read together with its version. A deleted or expired
// key reports the version it was last written at; a key never written has
// version 0.
type Versioned struct {
	Value   string
	Version int64
	Found   bool
}

type Store interface {
	Get(ctx context.Context, key string) (Versioned, error)
	// Set writes unconditionally. A ttl of 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) (int64, error)
	// CompareAndSwap writes only if the key is still at expected and returns
	// the new version. Absent keys compare by their last version too.
	CompareAndSwap(ctx context.Context, key string, expected int64, value string, ttl time.Duration) (int64, error)
	AddToSet(ctx context.Context, key string, members ...string) error
	Members(ctx context.Context, key string) ([]string, error)
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Options struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PostgresDSN   string
}

// Open connects to the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendRedis:
		return NewRedisStore(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
	case BackendPostgres:
		return NewPostgresStore(ctx, opts.PostgresDSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}

// SceneKey and AIElementsKey name the two keys kept per board.
func SceneKey(boardID string) string      { return "board:" + boardID + ":scene" }
func AIElementsKey(boardID string) string { return "board:" + boardID + ":ai_elements" }
