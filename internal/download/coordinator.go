// Package download runs batches of content-URL fetches for deposits on
// supervised goroutines.
package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"gopkg.in/tomb.v2"

	"github.com/mattjoyce/depositd/internal/metrics"
	"github.com/mattjoyce/depositd/internal/workspace"
)

// ErrStopped is returned by Spawn once the coordinator is shutting down.
var ErrStopped = errors.New("download coordinator stopped")

// Batch is one set of content URLs fetched for a deposit.
type Batch struct {
	TaskID      string
	DepositUUID string
	URLs        []string
}

// Result summarizes a finished batch.
type Result struct {
	TaskID      string
	DepositUUID string
	Attempted   int
	Completed   int
	FailedURLs  []string
	// Aborted is set when the batch stopped before every URL was tried, for
	// example on shutdown. Err carries the cause.
	Aborted bool
	Err     error
}

// Handler receives the coordinator's callbacks for one batch.
type Handler interface {
	// FileFetched commits a fetched file from scratch into the deposit.
	FileFetched(ctx context.Context, b Batch, scratchPath string) error
	// BatchFinished is called exactly once per spawned batch.
	BatchFinished(ctx context.Context, r Result)
}

// Config bounds the coordinator.
type Config struct {
	MaxBatches     int
	URLConcurrency int
	Attempts       int
	RetryDelay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxBatches <= 0 {
		c.MaxBatches = 4
	}
	if c.URLConcurrency <= 0 {
		c.URLConcurrency = 4
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return c
}

// Coordinator owns every running batch. Stop cancels them and waits.
type Coordinator struct {
	cfg        Config
	fetcher    Fetcher
	workspaces workspace.Manager
	clock      clock.Clock
	logger     *slog.Logger
	batches    *semaphore.Weighted

	mu       sync.Mutex
	tomb     tomb.Tomb
	inFlight map[string]int
}

// New starts a coordinator. A nil clock uses the wall clock.
func New(cfg Config, fetcher Fetcher, workspaces workspace.Manager, clk clock.Clock, logger *slog.Logger) *Coordinator {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		cfg:        cfg,
		fetcher:    fetcher,
		workspaces: workspaces,
		clock:      clk,
		logger:     logger.With("component", "download"),
		batches:    semaphore.NewWeighted(int64(cfg.MaxBatches)),
		inFlight:   make(map[string]int),
	}
	// Keeps the tomb alive between batches so Go stays legal until Stop.
	c.tomb.Go(func() error {
		<-c.tomb.Dying()
		return nil
	})
	return c
}

// Spawn schedules b in the background. h.BatchFinished is always called for a
// batch that Spawn accepted.
func (c *Coordinator) Spawn(b Batch, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.tomb.Alive() {
		return ErrStopped
	}
	c.inFlight[b.DepositUUID]++
	c.tomb.Go(func() error {
		c.run(b, h)
		return nil
	})
	return nil
}

// InFlight reports whether any batch for the deposit is still running.
func (c *Coordinator) InFlight(depositUUID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight[depositUUID] > 0
}

// Stop cancels running batches and waits for them to report.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	c.tomb.Kill(nil)
	c.mu.Unlock()
	return c.tomb.Wait()
}

func (c *Coordinator) done(depositUUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[depositUUID] <= 1 {
		delete(c.inFlight, depositUUID)
		return
	}
	c.inFlight[depositUUID]--
}

func (c *Coordinator) run(b Batch, h Handler) {
	ctx := c.tomb.Context(nil)
	logger := c.logger.With("deposit_id", b.DepositUUID, "task_id", b.TaskID)
	res := Result{TaskID: b.TaskID, DepositUUID: b.DepositUUID, Attempted: len(b.URLs)}

	defer c.done(b.DepositUUID)
	defer func() {
		h.BatchFinished(context.WithoutCancel(ctx), res)
	}()

	if err := c.batches.Acquire(ctx, 1); err != nil {
		res.Aborted, res.Err = true, err
		return
	}
	defer c.batches.Release(1)
	metrics.BatchesInFlight.Inc()
	defer metrics.BatchesInFlight.Dec()

	ws, err := c.workspaces.Create(ctx, "batch-"+b.TaskID)
	if err != nil {
		res.Aborted, res.Err = true, fmt.Errorf("create scratch: %w", err)
		return
	}
	defer func() {
		if err := c.workspaces.Remove(context.WithoutCancel(ctx), ws.ID); err != nil {
			logger.Warn("failed to remove batch scratch", "error", err)
		}
	}()

	logger.Info("download batch started", "urls", len(b.URLs))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.URLConcurrency)
	for i, u := range b.URLs {
		i, u := i, u
		g.Go(func() error {
			dir := filepath.Join(ws.Dir, strconv.Itoa(i))
			err := c.fetchOne(gctx, logger, b, h, u, dir)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.FailedURLs = append(res.FailedURLs, u)
				metrics.FilesFetched.WithLabelValues("failed").Inc()
				logger.Warn("content url skipped", "url", u, "error", err)
			} else {
				res.Completed++
				metrics.FilesFetched.WithLabelValues("ok").Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		res.Aborted, res.Err = true, err
	}
	logger.Info("download batch finished", "completed", res.Completed, "attempted", res.Attempted, "aborted", res.Aborted)
}

func (c *Coordinator) fetchOne(ctx context.Context, logger *slog.Logger, b Batch, h Handler, u, dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	var path string
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			path, err = c.fetcher.Fetch(ctx, u, dir)
			return err
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, ErrPermanent) || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debug("fetch attempt failed", "url", u, "attempt", attempt, "error", err)
		},
		Attempts: c.cfg.Attempts,
		Delay:    c.cfg.RetryDelay,
		Clock:    c.clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		return retry.LastError(err)
	}
	return h.FileFetched(ctx, b, path)
}
