package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/pushpool/internal/events"
	"github.com/mattjoyce/pushpool/internal/metrics"
	"github.com/mattjoyce/pushpool/internal/task"
)

type exitReason int

const (
	exitStopped exitReason = iota
	exitRecycled
	exitCrashed
)

type workerExit struct {
	rec    WorkerRecord
	reason exitReason
	detail string
}

// worker handles one task at a time from its inbox. rec is guarded by
// p.recMu; everything else belongs to the worker goroutine.
type worker struct {
	p      *Pool
	rec    WorkerRecord
	inbox  chan *task.Task
	logger *slog.Logger

	current *task.Task
}

func newWorker(p *Pool, slot, generation int) *worker {
	id := workerID(slot, generation)
	return &worker{
		p: p,
		rec: WorkerRecord{
			ID:         id,
			Slot:       slot,
			Generation: generation,
			State:      StateStarting,
			StartedAt:  time.Now().UTC(),
		},
		inbox:  make(chan *task.Task, 1),
		logger: p.logger.With("worker_id", id),
	}
}

func (w *worker) run() {
	p := w.p
	reason := exitStopped
	var detail string

	p.metric(func(m *metrics.Metrics) { m.WorkersLive.Inc() })
	defer func() {
		if r := recover(); r != nil {
			reason = exitCrashed
			detail = fmt.Sprintf("panic: %v", r)
			w.crashed(detail)
		}
		w.setState(StateTerminated)
		p.metric(func(m *metrics.Metrics) { m.WorkersLive.Dec() })
		p.exits <- workerExit{rec: w.record(), reason: reason, detail: detail}
		p.workers.Done()
	}()

	if err := w.start(); err != nil {
		reason = exitCrashed
		detail = err.Error()
		w.logger.Error("worker start failed", "error", err)
		return
	}

	for {
		t, ok := w.next()
		if !ok {
			w.retire()
			return
		}
		w.handle(t)

		if w.record().ExecutionCount >= p.opts.MaxExecutions {
			w.retire()
			reason = exitRecycled
			return
		}

		select {
		case <-p.quit:
			w.retire()
			return
		default:
		}
	}
}

func (w *worker) start() error {
	p := w.p
	if hook := p.opts.Hooks.OnWorkerStart; hook != nil {
		if err := hook(p.base, w.record()); err != nil {
			return fmt.Errorf("start hook: %w", err)
		}
	}
	rec := w.record()
	p.opts.Events.Publish(events.WorkerStarted, events.WorkerData{
		WorkerID:   rec.ID,
		Slot:       rec.Slot,
		Generation: rec.Generation,
	})
	w.logger.Debug("worker started", "slot", rec.Slot, "generation", rec.Generation)
	return nil
}

// next parks the worker as idle and waits for a task. After shutdown began it
// only returns a task that was already handed over.
func (w *worker) next() (*task.Task, bool) {
	w.setState(StateIdle)

	select {
	case w.p.idle <- w:
	case <-w.p.quit:
		return w.pending()
	}

	select {
	case t := <-w.inbox:
		return t, true
	case <-w.p.quit:
		return w.pending()
	}
}

func (w *worker) pending() (*task.Task, bool) {
	select {
	case t := <-w.inbox:
		return t, true
	default:
		return nil, false
	}
}

func (w *worker) retire() {
	w.setState(StateDraining)
	if hook := w.p.opts.Hooks.OnWorkerStop; hook != nil {
		hook(w.p.base, w.record())
	}
}

func (w *worker) handle(t *task.Task) {
	p := w.p
	w.current = t
	w.setState(StateBusy)
	p.metric(func(m *metrics.Metrics) { m.WorkersBusy.Inc() })

	logger := w.logger.With("task_id", t.ID)
	ctx, span := p.opts.Tracer.Start(p.base, "pool.handle", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("worker.id", w.rec.ID),
		attribute.Int64("task.bytes", t.Size()),
		attribute.Bool("task.spilled", t.Spilled()),
	))

	start := time.Now()
	completed := false
	defer func() {
		if !completed {
			span.SetStatus(codes.Error, "worker crashed")
		}
		span.End()
		p.metric(func(m *metrics.Metrics) { m.WorkersBusy.Dec() })
	}()

	data := events.TaskData{TaskID: t.ID, WorkerID: w.rec.ID, Bytes: t.Size(), Spilled: t.Spilled()}

	payload, err := p.opts.Spiller.Resolve(t)
	if errors.Is(err, task.ErrSpillCleanup) {
		logger.Warn("spill file not removed", "error", err)
		err = nil
	}
	if err != nil {
		logger.Error("task decode failed, dropping", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		p.stats.decodeFailed.Add(1)
		p.metric(func(m *metrics.Metrics) { m.TasksTotal.WithLabelValues(metrics.OutcomeDecodeFailed).Inc() })
		data.Error = err.Error()
		p.opts.Events.Publish(events.TaskFailed, data)
		w.finish()
		completed = true
		return
	}

	hctx := withTaskInfo(ctx, TaskInfo{TaskID: t.ID, WorkerID: w.rec.ID})
	if p.opts.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, p.opts.HandlerTimeout)
		defer cancel()
	}

	herr := w.invoke(hctx, payload, logger)
	elapsed := time.Since(start)
	data.DurationMS = elapsed.Milliseconds()
	p.metric(func(m *metrics.Metrics) { m.TaskDuration.Observe(elapsed.Seconds()) })

	if herr != nil {
		logger.Error("task handler failed", "error", herr, "duration", elapsed)
		span.RecordError(herr)
		span.SetStatus(codes.Error, "handler failed")
		p.stats.failed.Add(1)
		p.metric(func(m *metrics.Metrics) { m.TasksTotal.WithLabelValues(metrics.OutcomeFailed).Inc() })
		data.Error = herr.Error()
		p.opts.Events.Publish(events.TaskFailed, data)
	} else {
		logger.Debug("task completed", "duration", elapsed)
		span.SetStatus(codes.Ok, "")
		p.metric(func(m *metrics.Metrics) { m.TasksTotal.WithLabelValues(metrics.OutcomeOK).Inc() })
		p.opts.Events.Publish(events.TaskCompleted, data)
	}

	w.finish()
	completed = true
}

// invoke runs the handler. A handler panic is reported as an error so the
// worker keeps serving; panics anywhere else still crash the worker.
func (w *worker) invoke(ctx context.Context, payload []byte, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task handler panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return w.p.handler.HandleTask(ctx, payload)
}

func (w *worker) finish() {
	w.current = nil
	w.p.stats.processed.Add(1)

	w.p.recMu.Lock()
	w.rec.ExecutionCount++
	w.rec.LastTaskAt = time.Now().UTC()
	w.p.recMu.Unlock()
}

func (w *worker) crashed(detail string) {
	if t := w.current; t != nil {
		w.p.stats.lost.Add(1)
		w.p.metric(func(m *metrics.Metrics) { m.TasksTotal.WithLabelValues(metrics.OutcomeCrashed).Inc() })
		w.logger.Error("worker crashed, task lost", "task_id", t.ID, "reason", detail, "stack", string(debug.Stack()))
		w.p.opts.Events.Publish(events.TaskFailed, events.TaskData{
			TaskID: t.ID, WorkerID: w.rec.ID, Bytes: t.Size(), Spilled: t.Spilled(), Error: detail,
		})
		return
	}
	w.logger.Error("worker crashed", "reason", detail, "stack", string(debug.Stack()))
}

func (w *worker) setState(s State) {
	w.p.recMu.Lock()
	w.rec.State = s
	w.p.recMu.Unlock()
}

func (w *worker) record() WorkerRecord {
	w.p.recMu.Lock()
	defer w.p.recMu.Unlock()
	return w.rec
}
