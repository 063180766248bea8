package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	boff "github.com/Andrej220/go-utils/backoff"

	"github.com/mattjoyce/pushpool/internal/log"
	"github.com/mattjoyce/pushpool/internal/metrics"
	"github.com/mattjoyce/pushpool/internal/pool"
	"github.com/mattjoyce/pushpool/internal/queue"
	"github.com/mattjoyce/pushpool/internal/task"
)

const (
	DefaultPopTimeout     = 30 * time.Second
	defaultBackoffInitial = 200 * time.Millisecond
	defaultBackoffMax     = 10 * time.Second
	requeueTimeout        = 5 * time.Second
)

// Pool is the part of the worker pool the dispatcher needs.
type Pool interface {
	Dispatch(ctx context.Context, t *task.Task) error
}

// Options configures a Dispatcher.
type Options struct {
	Name           string
	Queue          string
	PopTimeout     time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Dispatcher pops from one queue and forwards into a pool.
type Dispatcher struct {
	src     queue.Source
	pool    Pool
	spiller *task.Spiller
	opts    Options
	logger  *slog.Logger

	pops     atomic.Uint64
	requeued atomic.Uint64
}

// New creates a new Dispatcher.
func New(src queue.Source, p Pool, spiller *task.Spiller, opts Options) *Dispatcher {
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = DefaultPopTimeout
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = defaultBackoffInitial
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	if opts.Name == "" {
		opts.Name = "dispatcher"
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("dispatch")
	}
	return &Dispatcher{
		src:     src,
		pool:    p,
		spiller: spiller,
		opts:    opts,
		logger:  logger.With("dispatcher", opts.Name, "queue", opts.Queue),
	}
}

// Pops returns the number of BlockingPop calls issued, timeouts included.
func (d *Dispatcher) Pops() uint64 { return d.pops.Load() }

// Requeued returns the number of payloads given back to the queue.
func (d *Dispatcher) Requeued() uint64 { return d.requeued.Load() }

// Run is the dispatch loop. It returns nil once ctx is cancelled or the pool
// closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatch loop started", "pop_timeout", d.opts.PopTimeout)
	defer d.logger.Info("dispatch loop stopped")

	// Pops run detached so a stop request never cuts one short.
	popCtx := context.WithoutCancel(ctx)
	next := d.newBackoff()
	failing := false

	for {
		if ctx.Err() != nil {
			return nil
		}

		d.pops.Add(1)
		data, err := d.src.BlockingPop(popCtx, d.opts.Queue, d.opts.PopTimeout)
		if err != nil {
			d.metric(func(m *metrics.Metrics) { m.QueueErrorTotal.Inc() })
			delay := next()
			d.logger.Error("queue pop failed; backing off", "error", err, "sleep", delay.String())
			failing = true
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}
		if failing {
			d.logger.Info("queue pop recovered")
			next = d.newBackoff()
			failing = false
		}

		if data == nil {
			d.metric(func(m *metrics.Metrics) { m.PopsTotal.WithLabelValues("timeout").Inc() })
			if err := d.pool.Dispatch(ctx, task.Tick); err != nil {
				if stopping(err) {
					return nil
				}
				d.logger.Warn("tick rejected", "error", err)
			}
			continue
		}
		d.metric(func(m *metrics.Metrics) { m.PopsTotal.WithLabelValues("data").Inc() })

		t, err := d.spiller.Wrap(data)
		if err != nil {
			d.logger.Error("spill failed, requeueing", "error", err, "bytes", len(data))
			d.requeue(ctx, data)
			if !sleep(ctx, next()) {
				return nil
			}
			continue
		}
		if t.Spilled() {
			d.metric(func(m *metrics.Metrics) { m.SpilledTotal.Inc() })
		}

		if err := d.pool.Dispatch(ctx, t); err != nil {
			d.giveBack(ctx, t, data)
			if stopping(err) {
				return nil
			}
			d.logger.Error("dispatch failed", "task_id", t.ID, "error", err)
			if !sleep(ctx, next()) {
				return nil
			}
		}
	}
}

// giveBack undoes a pop whose task never reached a worker.
func (d *Dispatcher) giveBack(ctx context.Context, t *task.Task, data []byte) {
	if err := d.spiller.Discard(t); err != nil {
		d.logger.Warn("discard spill file", "task_id", t.ID, "error", err)
	}
	d.requeue(ctx, data)
}

func (d *Dispatcher) requeue(ctx context.Context, data []byte) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
	defer cancel()

	if err := d.src.Requeue(rctx, d.opts.Queue, data); err != nil {
		d.logger.Error("requeue failed, message lost", "error", err, "bytes", len(data))
		return
	}
	d.requeued.Add(1)
	d.metric(func(m *metrics.Metrics) { m.RequeuedTotal.Inc() })
	d.logger.Info("message requeued at head", "bytes", len(data))
}

// newBackoff returns the delay generator of a fresh capped exponential
// backoff.
func (d *Dispatcher) newBackoff() func() time.Duration {
	b := boff.New(d.opts.BackoffInitial, d.opts.BackoffMax, time.Now().UnixNano())
	return b.Next
}

func (d *Dispatcher) metric(fn func(*metrics.Metrics)) {
	if d.opts.Metrics != nil {
		fn(d.opts.Metrics)
	}
}

func stopping(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, pool.ErrPoolClosed)
}

// sleep waits for d or until ctx is done; it reports whether the full delay
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
