package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/pushpool/internal/api"
	"github.com/mattjoyce/pushpool/internal/config"
	"github.com/mattjoyce/pushpool/internal/dispatch"
	"github.com/mattjoyce/pushpool/internal/events"
	"github.com/mattjoyce/pushpool/internal/handler"
	"github.com/mattjoyce/pushpool/internal/log"
	"github.com/mattjoyce/pushpool/internal/metrics"
	"github.com/mattjoyce/pushpool/internal/pool"
	"github.com/mattjoyce/pushpool/internal/queue"
	"github.com/mattjoyce/pushpool/internal/storage"
	"github.com/mattjoyce/pushpool/internal/task"
	"github.com/mattjoyce/pushpool/internal/tracing"
)

type serviceDeps struct {
	logger     *slog.Logger
	hub        *events.Hub
	pid        int
	version    string
	generation int
}

// serve runs one generation: pool, dispatchers and the status server. It
// returns nil once ctx is cancelled and every worker is terminated.
func serve(ctx context.Context, cfg *config.Config, deps serviceDeps) (err error) {
	logger := deps.logger.With("generation", deps.generation)

	shutdownTracing, err := tracing.Setup(cfg.Tracing.Enabled, cfg.Service.Name, os.Stderr)
	if err != nil {
		return wrapStage("tracing", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if terr := shutdownTracing(tctx); terr != nil {
			logger.Warn("tracing shutdown failed", "error", terr)
		}
	}()

	spiller, err := prepareSpill(cfg, logger)
	if err != nil {
		return err
	}

	src, err := queue.Open(ctx, queue.Options{
		Backend:      cfg.Queue.Backend,
		RedisURL:     cfg.Queue.Redis.URL,
		SQLitePath:   cfg.Queue.SQLite.Path,
		PollInterval: cfg.Queue.SQLite.PollInterval,
	})
	if err != nil {
		return wrapStage("queue", err)
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			logger.Warn("queue close failed", "error", cerr)
		}
	}()
	logger.Info("queue source opened", "backend", cfg.Queue.Backend, "queue", cfg.Queue.Name)

	h, err := handler.New(handler.Config{
		Type:    cfg.Handler.Type,
		Command: cfg.Handler.Command,
		Timeout: cfg.Handler.Timeout,
		Grace:   cfg.Handler.Grace,
		Env:     cfg.Handler.Env,
	}, log.WithComponent("handler"))
	if err != nil {
		return wrapStage("handler", err)
	}

	m := metrics.New(cfg.Service.Name)
	p, err := pool.New(pool.Options{
		Size:           cfg.Pool.CenterProcesses,
		MaxExecutions:  cfg.Pool.MaxExecutions,
		HandlerTimeout: cfg.Pool.HandlerTimeout,
		RespawnDelay:   cfg.Pool.RespawnDelay,
		Spiller:        spiller,
		Logger:         log.WithComponent("pool"),
		Events:         deps.hub,
		Metrics:        m,
		Tracer:         otel.Tracer("github.com/mattjoyce/pushpool/internal/pool"),
	}, h)
	if err != nil {
		return wrapStage("pool", err)
	}
	if err := p.Start(ctx); err != nil {
		return wrapStage("pool", err)
	}
	defer func() {
		if cerr := closePool(p, cfg.Service.DrainWarnInterval, logger); cerr != nil && err == nil {
			err = cerr
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := range cfg.Pool.LeftProcesses {
		d := dispatch.New(src, p, spiller, dispatch.Options{
			Name:       fmt.Sprintf("d%d", i),
			Queue:      cfg.Queue.Name,
			PopTimeout: cfg.Queue.PopTimeout,
			Logger:     log.WithComponent("dispatch"),
			Metrics:    m,
		})
		g.Go(func() error { return d.Run(gctx) })
	}

	if cfg.Status.Enabled {
		srv := api.New(api.Config{
			Listen:      cfg.Status.Listen,
			Token:       cfg.Status.Token,
			Service:     cfg.Service.Name,
			Backend:     cfg.Queue.Backend,
			Queue:       cfg.Queue.Name,
			Dispatchers: cfg.Pool.LeftProcesses,
			PID:         deps.pid,
		}, p, src, deps.hub, m, log.WithComponent("api"))
		g.Go(func() error { return wrapStage("status server", srv.Start(gctx)) })
	}

	deps.hub.Publish(events.DaemonStarted, map[string]any{
		"pid":         deps.pid,
		"version":     deps.version,
		"generation":  deps.generation,
		"workers":     cfg.Pool.CenterProcesses,
		"dispatchers": cfg.Pool.LeftProcesses,
	})
	logger.Info("pushpool running",
		"version", deps.version,
		"workers", cfg.Pool.CenterProcesses,
		"dispatchers", cfg.Pool.LeftProcesses,
		"status_api", cfg.Status.Enabled,
	)

	return g.Wait()
}

// prepareSpill creates the spill directory, warns when it is not on a
// memory filesystem and removes spill files left by a previous crash.
func prepareSpill(cfg *config.Config, logger *slog.Logger) (*task.Spiller, error) {
	dir := cfg.Pool.TempDir
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create temp dir %s: %w", dir, err)
	}
	if volatile, known := storage.IsVolatile(dir); known && !volatile {
		logger.Warn("temp dir is not on tmpfs; spillover will hit disk", "temp_dir", dir)
	}

	spiller := task.NewSpiller(dir, cfg.Service.Name, cfg.Pool.SpillThreshold)
	n, err := spiller.Sweep()
	if err != nil {
		return nil, wrapStage("sweep spill files", err)
	}
	if n > 0 {
		logger.Warn("removed orphaned spill files", "count", n, "temp_dir", dir)
	}
	return spiller, nil
}

// closePool waits for every worker to finish its in-flight task. It never
// gives up while a handler runs; every warnEvery it logs the workers that are
// still busy.
func closePool(p *pool.Pool, warnEvery time.Duration, logger *slog.Logger) error {
	logger.Info("draining workers")
	start := time.Now()
	for {
		ctx := context.Background()
		cancel := context.CancelFunc(func() {})
		if warnEvery > 0 {
			ctx, cancel = context.WithTimeout(ctx, warnEvery)
		}
		err := p.Close(ctx)
		cancel()
		if err == nil {
			break
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("drain workers: %w", err)
		}
		logger.Warn("workers still draining",
			"elapsed", time.Since(start).Round(time.Millisecond).String(),
			"busy", busyWorkers(p.Snapshot()),
		)
	}

	st := p.Stats()
	logger.Info("workers drained",
		"duration_ms", time.Since(start).Milliseconds(),
		"processed", st.Processed,
		"failed", st.Failed,
		"lost", st.Lost,
	)
	return nil
}

func busyWorkers(records []pool.WorkerRecord) []string {
	var ids []string
	for _, r := range records {
		if r.State != pool.StateTerminated {
			ids = append(ids, r.ID)
		}
	}
	return ids
}
