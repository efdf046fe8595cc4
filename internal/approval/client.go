// Package approval hands a finalized deposit to its processing pipeline: the
// deposit directory is relocated into the pipeline's watched directory and the
// transfer is approved over the pipeline's HTTP API.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/mattjoyce/depositd/internal/fsutil"
	"github.com/mattjoyce/depositd/internal/location"
	"github.com/mattjoyce/depositd/internal/metrics"
)

var (
	// ErrMisconfigured means the pipeline or its processing location cannot
	// accept a transfer.
	ErrMisconfigured = errors.New("pipeline misconfigured")
	// ErrTransport means the approval call did not complete.
	ErrTransport = errors.New("pipeline unreachable")
	// ErrRejected means the pipeline answered with an error or an unreadable body.
	ErrRejected = errors.New("pipeline rejected transfer")
)

// standardTransferDir is where the pipeline watches for standard transfers,
// relative to its currently-processing location.
const standardTransferDir = "watchedDirectories/activeTransfers/standardTransfer"

const maxResponseBytes = 1 << 20

const (
	recordAttempts   = 3
	recordRetryDelay = 100 * time.Millisecond
)

// Request identifies the deposit to hand off.
type Request struct {
	DepositUUID  string
	DepositName  string
	DepositPath  string
	PipelineUUID string
}

// Outcome is the pipeline's answer to an approval call.
type Outcome struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	Path    string `json:"path"`
}

// Pipelines loads pipeline records.
type Pipelines interface {
	GetPipeline(ctx context.Context, uuid string) (*location.Pipeline, error)
}

// ProcessingLocator resolves a pipeline's currently-processing location.
type ProcessingLocator interface {
	ProcessingLocation(ctx context.Context, pipelineUUID string) (*location.Location, string, error)
}

// SubmissionRecorder stamps a deposit once the pipeline has accepted it.
type SubmissionRecorder interface {
	MarkSubmitted(ctx context.Context, depositUUID, path string, at time.Time) error
}

// Config tunes the approval call.
type Config struct {
	// WatchDelay is how long to wait after relocation so the pipeline's
	// directory watcher notices the transfer before it is approved.
	WatchDelay time.Duration
	// Timeout bounds the approval HTTP call.
	Timeout time.Duration
	// Scheme of the pipeline API, "http" unless overridden.
	Scheme string
}

// Client runs the relocate-and-approve saga.
type Client struct {
	pipelines Pipelines
	locator   ProcessingLocator
	recorder  SubmissionRecorder
	clock     clock.Clock
	http      *http.Client
	cfg       Config
	logger    *slog.Logger
}

// New constructs a Client. A nil clock uses the wall clock.
func New(pipelines Pipelines, locator ProcessingLocator, recorder SubmissionRecorder, clk clock.Clock, cfg Config, logger *slog.Logger) *Client {
	if clk == nil {
		clk = clock.WallClock
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		pipelines: pipelines,
		locator:   locator,
		recorder:  recorder,
		clock:     clk,
		http:      &http.Client{Timeout: cfg.Timeout},
		cfg:       cfg,
		logger:    logger.With("component", "approval"),
	}
}

// Activate relocates the deposit into the pipeline and approves it. Any
// failure after relocation moves the content back, so a deposit is never left
// relocated without being submitted.
func (c *Client) Activate(ctx context.Context, req Request) (*Outcome, error) {
	logger := c.logger.With("deposit_id", req.DepositUUID, "pipeline", req.PipelineUUID)

	pipeline, err := c.pipelines.GetPipeline(ctx, req.PipelineUUID)
	if errors.Is(err, location.ErrNotFound) {
		metrics.Approvals.WithLabelValues("misconfigured").Inc()
		return nil, fmt.Errorf("pipeline %s: %w", req.PipelineUUID, ErrMisconfigured)
	}
	if err != nil {
		return nil, fmt.Errorf("load pipeline: %w", err)
	}
	if err := checkPipeline(pipeline); err != nil {
		metrics.Approvals.WithLabelValues("misconfigured").Inc()
		return nil, err
	}

	_, cpPath, err := c.locator.ProcessingLocation(ctx, pipeline.UUID)
	if err != nil {
		if errors.Is(err, location.ErrMisconfigured) || errors.Is(err, location.ErrNotFound) {
			metrics.Approvals.WithLabelValues("misconfigured").Inc()
			return nil, fmt.Errorf("%w: %v", ErrMisconfigured, err)
		}
		return nil, fmt.Errorf("resolve processing location: %w", err)
	}

	watchDir := filepath.Join(cpPath, standardTransferDir)
	if err := os.MkdirAll(watchDir, 0o770); err != nil {
		return nil, fmt.Errorf("create watched directory: %w", err)
	}
	dest, err := fsutil.PadPath(filepath.Join(watchDir, filepath.Base(req.DepositPath)))
	if err != nil {
		return nil, err
	}
	if err := fsutil.Move(ctx, req.DepositPath, dest); err != nil {
		return nil, fmt.Errorf("relocate deposit: %w", err)
	}
	logger.Info("deposit relocated for approval", "path", dest)

	if err := c.waitForWatcher(ctx); err != nil {
		c.moveBack(ctx, logger, dest, req.DepositPath)
		return nil, err
	}

	// Once the approval is on the wire the outcome must be recorded or undone,
	// whatever happens to the caller.
	detached := context.WithoutCancel(ctx)
	outcome, err := c.approve(detached, pipeline, dest)
	if err != nil {
		c.moveBack(detached, logger, dest, req.DepositPath)
		return outcome, err
	}

	if err := c.recordSubmission(detached, logger, req.DepositUUID, dest); err != nil {
		c.moveBack(detached, logger, dest, req.DepositPath)
		metrics.Approvals.WithLabelValues("unrecorded").Inc()
		return outcome, fmt.Errorf("record submission: %w", err)
	}
	metrics.Approvals.WithLabelValues("approved").Inc()
	logger.Info("transfer approved", "message", outcome.Message, "path", outcome.Path)
	return outcome, nil
}

func (c *Client) waitForWatcher(ctx context.Context) error {
	if c.cfg.WatchDelay <= 0 {
		return nil
	}
	select {
	case <-c.clock.After(c.cfg.WatchDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) recordSubmission(ctx context.Context, logger *slog.Logger, depositUUID, dest string) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return c.recorder.MarkSubmitted(ctx, depositUUID, dest, c.clock.Now().UTC())
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Warn("recording submission failed", "attempt", attempt, "error", err)
		},
		Attempts: recordAttempts,
		Delay:    recordRetryDelay,
		Clock:    c.clock,
	})
	if err != nil {
		return retry.LastError(err)
	}
	return nil
}

func (c *Client) approve(ctx context.Context, pipeline *location.Pipeline, dest string) (*Outcome, error) {
	form := url.Values{
		"username":  {pipeline.APIUsername},
		"api_key":   {pipeline.APIKey},
		"directory": {filepath.Base(dest)},
		"type":      {"standard"},
	}
	endpoint := fmt.Sprintf("%s://%s/api/transfer/approve/", c.cfg.Scheme, pipeline.RemoteName)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.Approvals.WithLabelValues("transport_error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		metrics.Approvals.WithLabelValues("transport_error").Inc()
		return nil, fmt.Errorf("%w: read response: %v", ErrTransport, err)
	}

	var outcome Outcome
	if err := json.Unmarshal(body, &outcome); err != nil {
		metrics.Approvals.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: status %d, unreadable body: %v", ErrRejected, resp.StatusCode, err)
	}
	if outcome.Error {
		metrics.Approvals.WithLabelValues("rejected").Inc()
		return &outcome, fmt.Errorf("%w: %s", ErrRejected, outcome.Message)
	}
	return &outcome, nil
}

func (c *Client) moveBack(ctx context.Context, logger *slog.Logger, from, to string) {
	if err := fsutil.Move(context.WithoutCancel(ctx), from, to); err != nil {
		logger.Error("failed to move deposit back after unsuccessful approval", "from", from, "to", to, "error", err)
		return
	}
	logger.Warn("deposit moved back after unsuccessful approval", "path", to)
}

func checkPipeline(p *location.Pipeline) error {
	switch {
	case !p.Enabled:
		return fmt.Errorf("pipeline %s is disabled: %w", p.UUID, ErrMisconfigured)
	case p.RemoteName == "":
		return fmt.Errorf("pipeline %s has no remote name: %w", p.UUID, ErrMisconfigured)
	case p.APIUsername == "" || p.APIKey == "":
		return fmt.Errorf("pipeline %s has no API credentials: %w", p.UUID, ErrMisconfigured)
	}
	return nil
}
