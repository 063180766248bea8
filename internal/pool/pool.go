// Package pool runs a fixed number of workers that execute dispatched tasks
// one at a time, recycling each worker after a bounded number of executions
// and replacing workers that crash.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/mattjoyce/pushpool/internal/events"
	"github.com/mattjoyce/pushpool/internal/log"
	"github.com/mattjoyce/pushpool/internal/metrics"
	"github.com/mattjoyce/pushpool/internal/task"
)

var (
	// ErrPoolClosed is returned by Dispatch and Start once Close was called.
	ErrPoolClosed = errors.New("pool is closed")
	// ErrNotStarted is returned by Dispatch before Start.
	ErrNotStarted = errors.New("pool is not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("pool already started")
	// ErrHandlerPanic wraps a panic recovered from Handler.HandleTask.
	ErrHandlerPanic = errors.New("handler panicked")
)

const tracerName = "github.com/mattjoyce/pushpool/internal/pool"

// Pool owns the workers. Dispatch hands a task to the first idle worker and
// blocks while none is idle.
type Pool struct {
	opts    Options
	handler Handler
	logger  *slog.Logger

	idle    chan *worker
	exits   chan workerExit
	closing chan struct{} // closed first; unblocks waiting dispatches
	quit    chan struct{} // closed under gate; workers stop after current task
	supStop chan struct{}
	supDone chan struct{}
	done    chan struct{}

	// gate orders task handoff against shutdown: a task placed in an inbox
	// under the read lock is always seen by the worker's final drain.
	gate    sync.RWMutex
	started bool
	closed  bool
	base    context.Context

	workers   sync.WaitGroup
	closeOnce sync.Once

	recMu sync.Mutex
	slots []*worker

	stats counters
}

type counters struct {
	dispatched   atomic.Uint64
	processed    atomic.Uint64
	failed       atomic.Uint64
	decodeFailed atomic.Uint64
	lost         atomic.Uint64
	recycled     atomic.Uint64
	crashed      atomic.Uint64
	ticks        atomic.Uint64
}

// New validates opts and returns a stopped pool.
func New(opts Options, h Handler) (*Pool, error) {
	if h == nil {
		return nil, errors.New("pool handler is nil")
	}
	opts.applyDefaults()
	if opts.Logger == nil {
		opts.Logger = log.WithComponent("pool")
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Spiller == nil {
		opts.Spiller = task.NewSpiller(os.TempDir(), "pushpool", 0)
	}

	return &Pool{
		opts:    opts,
		handler: h,
		logger:  opts.Logger,
		idle:    make(chan *worker, opts.Size),
		exits:   make(chan workerExit, opts.Size),
		closing: make(chan struct{}),
		quit:    make(chan struct{}),
		supStop: make(chan struct{}),
		supDone: make(chan struct{}),
		done:    make(chan struct{}),
		slots:   make([]*worker, opts.Size),
	}, nil
}

// Size is the configured number of workers.
func (p *Pool) Size() int { return p.opts.Size }

// Start spawns the workers. Handlers and hooks run under a context derived
// from ctx that is never cancelled; stopping is done with Close.
func (p *Pool) Start(ctx context.Context) error {
	p.gate.Lock()
	defer p.gate.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true
	p.base = context.WithoutCancel(ctx)

	for slot := 0; slot < p.opts.Size; slot++ {
		p.spawnLocked(slot, 1)
	}
	go p.supervise()

	p.logger.Info("pool started", "workers", p.opts.Size, "max_executions", p.opts.MaxExecutions)
	return nil
}

// Dispatch hands t to an idle worker. Ticks return at once without occupying
// a worker. It blocks until a worker accepts, ctx is done or the pool closes.
func (p *Pool) Dispatch(ctx context.Context, t *task.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-p.closing:
		return ErrPoolClosed
	default:
	}

	p.gate.RLock()
	started := p.started
	p.gate.RUnlock()
	if !started {
		return ErrNotStarted
	}

	if t.IsTick() {
		p.stats.ticks.Add(1)
		return nil
	}
	if err := t.Validate(); err != nil {
		return err
	}

	var w *worker
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closing:
		return ErrPoolClosed
	case w = <-p.idle:
	}

	p.gate.RLock()
	defer p.gate.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	// An idle worker has an empty inbox and is parked on it.
	w.inbox <- t
	p.stats.dispatched.Add(1)
	return nil
}

// Close stops accepting tasks and waits until every worker finished its
// current task and terminated. In-flight handlers are never interrupted; if
// ctx ends first Close returns its error while shutdown continues.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		close(p.closing)

		p.gate.Lock()
		p.closed = true
		close(p.quit)
		started := p.started
		p.gate.Unlock()

		p.logger.Info("pool draining")
		go func() {
			p.workers.Wait()
			if started {
				close(p.supStop)
				<-p.supDone
			}
			p.logger.Info("pool stopped")
			close(p.done)
		}()
	})

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Close has finished.
func (p *Pool) Done() <-chan struct{} { return p.done }

// Snapshot returns a copy of the current record of every slot.
func (p *Pool) Snapshot() []WorkerRecord {
	p.recMu.Lock()
	defer p.recMu.Unlock()

	out := make([]WorkerRecord, 0, len(p.slots))
	for _, w := range p.slots {
		if w != nil {
			out = append(out, w.rec)
		}
	}
	return out
}

func (p *Pool) Stats() Stats {
	return Stats{
		Dispatched:   p.stats.dispatched.Load(),
		Processed:    p.stats.processed.Load(),
		Failed:       p.stats.failed.Load(),
		DecodeFailed: p.stats.decodeFailed.Load(),
		Lost:         p.stats.lost.Load(),
		Recycled:     p.stats.recycled.Load(),
		Crashed:      p.stats.crashed.Load(),
		Ticks:        p.stats.ticks.Load(),
	}
}

func (p *Pool) spawnLocked(slot, generation int) {
	w := newWorker(p, slot, generation)

	p.recMu.Lock()
	p.slots[slot] = w
	p.recMu.Unlock()

	p.workers.Add(1)
	go w.run()
}

func (p *Pool) respawn(slot, generation int) {
	p.gate.Lock()
	defer p.gate.Unlock()
	if p.closed {
		return
	}
	p.spawnLocked(slot, generation)
}

func (p *Pool) supervise() {
	defer close(p.supDone)
	for {
		select {
		case e := <-p.exits:
			p.onWorkerExit(e)
		case <-p.supStop:
			for {
				select {
				case e := <-p.exits:
					p.onWorkerExit(e)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) onWorkerExit(e workerExit) {
	data := events.WorkerData{
		WorkerID:       e.rec.ID,
		Slot:           e.rec.Slot,
		Generation:     e.rec.Generation,
		ExecutionCount: e.rec.ExecutionCount,
		Reason:         e.detail,
	}

	var delay time.Duration
	switch e.reason {
	case exitRecycled:
		p.stats.recycled.Add(1)
		p.metric(func(m *metrics.Metrics) { m.WorkerRecycles.Inc() })
		p.opts.Events.Publish(events.WorkerRecycled, data)
		p.logger.Info("worker recycled", "worker_id", e.rec.ID, "execution_count", e.rec.ExecutionCount)
	case exitCrashed:
		p.stats.crashed.Add(1)
		p.metric(func(m *metrics.Metrics) { m.WorkerCrashes.Inc() })
		p.opts.Events.Publish(events.WorkerCrashed, data)
		p.logger.Warn("worker crashed, respawning", "worker_id", e.rec.ID, "reason", e.detail, "delay", p.opts.RespawnDelay)
		delay = p.opts.RespawnDelay
	default:
		p.opts.Events.Publish(events.WorkerStopped, data)
		return
	}

	next := e.rec.Generation + 1
	if delay == 0 {
		p.respawn(e.rec.Slot, next)
		return
	}
	time.AfterFunc(delay, func() { p.respawn(e.rec.Slot, next) })
}

func (p *Pool) metric(fn func(*metrics.Metrics)) {
	if p.opts.Metrics != nil {
		fn(p.opts.Metrics)
	}
}
