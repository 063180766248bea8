// Package queue provides the blocking-pop sources the dispatcher drains.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

//go:generate mockgen -destination=mocks/mock_source.go -package=mocks github.com/mattjoyce/pushpool/internal/queue Source

// Source is a durable FIFO queue keyed by name. Items are pushed at the tail
// and popped from the head.
type Source interface {
	// BlockingPop removes and returns the head item of key, waiting up to
	// timeout. It returns (nil, nil) when the timeout elapses with the queue
	// still empty.
	BlockingPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error)
	// Requeue puts data back at the head so it is popped next.
	Requeue(ctx context.Context, key string, data []byte) error
	// Push appends data at the tail.
	Push(ctx context.Context, key string, data []byte) error
	// Depth returns the number of waiting items.
	Depth(ctx context.Context, key string) (int64, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// ErrUnknownBackend is returned by Open for an unrecognised backend name.
var ErrUnknownBackend = errors.New("unknown queue backend")

// Options selects and configures a backend.
type Options struct {
	Backend string

	RedisURL string

	SQLitePath   string
	PollInterval time.Duration
}

// Open builds the Source described by opts.
func Open(ctx context.Context, opts Options) (Source, error) {
	switch opts.Backend {
	case BackendRedis, "":
		return NewRedisSource(ctx, RedisOptions{URL: opts.RedisURL})
	case BackendSQLite:
		return OpenSQLiteSource(ctx, opts.SQLitePath, opts.PollInterval)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}
