package pool

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/pushpool/internal/events"
	"github.com/mattjoyce/pushpool/internal/metrics"
	"github.com/mattjoyce/pushpool/internal/task"
)

const (
	DefaultSize          = 5
	DefaultMaxExecutions = 16000
	DefaultRespawnDelay  = 500 * time.Millisecond
)

// Handler processes one task payload. A returned error is logged and counted;
// a panic is treated as a worker crash.
type Handler interface {
	HandleTask(ctx context.Context, payload []byte) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, payload []byte) error

func (f HandlerFunc) HandleTask(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

// Hooks run inside the worker goroutine. OnWorkerStart failing counts as a
// crash of that worker.
type Hooks struct {
	OnWorkerStart func(ctx context.Context, rec WorkerRecord) error
	OnWorkerStop  func(ctx context.Context, rec WorkerRecord)
}

// Options configures a Pool. Zero values select defaults.
type Options struct {
	Size           int
	MaxExecutions  int
	HandlerTimeout time.Duration
	RespawnDelay   time.Duration

	// Spiller resolves spilled payloads. Required if tasks may be spilled.
	Spiller *task.Spiller
	Hooks   Hooks

	Logger  *slog.Logger
	Events  *events.Hub
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

func (o *Options) applyDefaults() {
	if o.Size <= 0 {
		o.Size = DefaultSize
	}
	if o.MaxExecutions <= 0 {
		o.MaxExecutions = DefaultMaxExecutions
	}
	if o.RespawnDelay <= 0 {
		o.RespawnDelay = DefaultRespawnDelay
	}
}
