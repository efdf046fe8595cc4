package deposit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/im7mortal/kmutex"

	"github.com/mattjoyce/depositd/internal/approval"
	"github.com/mattjoyce/depositd/internal/download"
	"github.com/mattjoyce/depositd/internal/fsutil"
	"github.com/mattjoyce/depositd/internal/location"
	"github.com/mattjoyce/depositd/internal/metrics"
	"github.com/mattjoyce/depositd/internal/workspace"
)

// depositDirMode is drwxrws---.
const depositDirMode = 0o770 | os.ModeSetgid

const untitled = "Untitled"

//go:generate mockgen -destination=mocks/mock_approver.go -package=mocks github.com/mattjoyce/depositd/internal/deposit Approver

// Approver hands a deposit to its pipeline.
type Approver interface {
	Activate(ctx context.Context, req approval.Request) (*approval.Outcome, error)
}

// Downloader runs batch downloads in the background.
type Downloader interface {
	Spawn(b download.Batch, h download.Handler) error
	InFlight(depositUUID string) bool
}

// Progress is what a content submission led to.
type Progress int

const (
	// ProgressAccepted means more content is expected.
	ProgressAccepted Progress = iota
	// ProgressDeferred means the deposit is ready and finalizes once its
	// downloads complete.
	ProgressDeferred
	// ProgressFinalized means the deposit was handed to its pipeline.
	ProgressFinalized
)

// Deps are the collaborators of a Service.
type Deps struct {
	Store      *Store
	Locations  *location.Store
	Resolver   *location.Resolver
	Approver   Approver
	Downloads  Downloader
	Workspaces workspace.Manager
	Now        func() time.Time
	Logger     *slog.Logger
}

// Service is the deposit state machine. Every mutation of a deposit runs under
// that deposit's lock, including the whole approval call.
type Service struct {
	store      *Store
	locations  *location.Store
	resolver   *location.Resolver
	approver   Approver
	downloads  Downloader
	workspaces workspace.Manager
	locks      *kmutex.Kmutex
	now        func() time.Time
	logger     *slog.Logger
}

var _ download.Handler = (*Service)(nil)

func NewService(d Deps) *Service {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{
		store:      d.Store,
		locations:  d.Locations,
		resolver:   d.Resolver,
		approver:   d.Approver,
		downloads:  d.Downloads,
		workspaces: d.Workspaces,
		locks:      kmutex.New(),
		now:        func() time.Time { return d.Now().UTC() },
		logger:     d.Logger.With("component", "deposit"),
	}
}

func (s *Service) lock(key string) func() {
	s.locks.Lock(key)
	return func() { s.locks.Unlock(key) }
}

// CreateRequest describes a new deposit.
type CreateRequest struct {
	SpaceUUID string
	Name      string
	// Source records provenance, e.g. the On-Behalf-Of header.
	Source string
	// CopyFrom populates the deposit with a copy of this directory.
	CopyFrom string
}

// Create makes the deposit directory under the space root and records it.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Deposit, error) {
	space, err := s.space(ctx, req.SpaceUUID)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(space.Path); err != nil || !info.IsDir() {
		return nil, newError(KindSpaceUnavailable, err, "Space path (%s) does not exist: contact an administrator.", space.Path)
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = untitled
	}

	d := &Deposit{
		UUID:      uuid.NewString(),
		SpaceUUID: space.UUID,
		Name:      name,
		Source:    req.Source,
		CreatedAt: s.now(),
	}

	unlock := s.lock("space:" + space.UUID)
	path, err := s.makeDepositDir(filepath.Join(space.Path, directoryName(name)), req.CopyFrom)
	unlock()
	if err != nil {
		return nil, err
	}
	d.RelativePath = filepath.Base(path)
	d.Path = path

	if err := s.store.Create(ctx, *d); err != nil {
		_ = os.RemoveAll(path)
		return nil, newError(KindInternal, err, "Could not create deposit: contact an administrator.")
	}
	metrics.DepositsCreated.Inc()
	s.logger.Info("deposit created", "deposit_id", d.UUID, "path", path, "source", d.Source)
	return d, nil
}

func (s *Service) makeDepositDir(want, copyFrom string) (string, error) {
	path, err := fsutil.PadPath(want)
	if err != nil {
		return "", newError(KindInternal, err, "Could not create deposit: contact an administrator.")
	}
	if copyFrom != "" {
		if err := fsutil.CopyFresh(copyFrom, path); err != nil {
			_ = os.RemoveAll(path)
			return "", newError(KindInternal, err, "Could not copy deposit content: contact an administrator.")
		}
		return path, nil
	}
	if err := os.Mkdir(path, 0o770); err != nil {
		return "", newError(KindInternal, err, "Could not create deposit: contact an administrator.")
	}
	// Mkdir is subject to the umask and drops the setgid bit.
	if err := os.Chmod(path, depositDirMode); err != nil {
		_ = os.Remove(path)
		return "", newError(KindInternal, err, "Could not create deposit: contact an administrator.")
	}
	return path, nil
}

// directoryName turns a deposit name into a single path segment.
func directoryName(name string) string {
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == 0 {
			return '_'
		}
		return r
	}, name)
	if !fsutil.SafeName(name) {
		return untitled
	}
	return name
}

func (s *Service) space(ctx context.Context, spaceUUID string) (*location.Space, error) {
	space, err := s.locations.GetSpace(ctx, spaceUUID)
	if errors.Is(err, location.ErrNotFound) {
		return nil, newError(KindNotFound, err, "Space %s does not exist.", spaceUUID)
	}
	if err != nil {
		return nil, newError(KindInternal, err, "Could not load space: contact an administrator.")
	}
	return space, nil
}

// Get returns a deposit by uuid.
func (s *Service) Get(ctx context.Context, depositUUID string) (*Deposit, error) {
	d, err := s.store.Get(ctx, depositUUID)
	if errors.Is(err, ErrDepositNotFound) {
		return nil, newError(KindNotFound, err, "Deposit location %s does not exist.", depositUUID)
	}
	if err != nil {
		return nil, newError(KindInternal, err, "Could not load deposit: contact an administrator.")
	}
	return d, nil
}

// Editable returns the deposit if it has not been submitted yet.
func (s *Service) Editable(ctx context.Context, depositUUID string) (*Deposit, error) {
	d, err := s.Get(ctx, depositUUID)
	if err != nil {
		return nil, err
	}
	if d.Submitted() {
		return nil, errAlreadySubmitted
	}
	return d, nil
}

// List returns the deposits of a space.
func (s *Service) List(ctx context.Context, spaceUUID string) (*location.Space, []Deposit, error) {
	space, err := s.space(ctx, spaceUUID)
	if err != nil {
		return nil, nil, err
	}
	deposits, err := s.store.ListBySpace(ctx, spaceUUID)
	if err != nil {
		return nil, nil, newError(KindInternal, err, "Could not list deposits: contact an administrator.")
	}
	return space, deposits, nil
}

// SubmitContent records an intake. URLs are fetched by a background batch;
// finalize marks the deposit ready so it is handed off once every batch has
// completed. finalize without URLs attempts finalization now.
func (s *Service) SubmitContent(ctx context.Context, depositUUID string, urls []string, finalize bool) (Progress, error) {
	defer s.lock(depositUUID)()

	d, err := s.Editable(ctx, depositUUID)
	if err != nil {
		return ProgressAccepted, err
	}
	if err := s.store.TouchIntake(ctx, d.UUID, s.now()); err != nil {
		return ProgressAccepted, newError(KindInternal, err, "Could not update deposit: contact an administrator.")
	}

	if len(urls) == 0 {
		if !finalize {
			return ProgressAccepted, nil
		}
		return s.finalizeOrDeferLocked(ctx, d)
	}

	if finalize {
		if err := s.store.SetReady(ctx, d.UUID); err != nil {
			return ProgressAccepted, newError(KindInternal, err, "Could not update deposit: contact an administrator.")
		}
	}
	task := Task{UUID: uuid.NewString(), DepositUUID: d.UUID, Attempted: len(urls), CreatedAt: s.now()}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return ProgressAccepted, newError(KindInternal, err, "Could not record download task: contact an administrator.")
	}
	if err := s.downloads.Spawn(download.Batch{TaskID: task.UUID, DepositUUID: d.UUID, URLs: urls}, s); err != nil {
		_ = s.store.FailTask(context.WithoutCancel(ctx), task.UUID, err.Error(), s.now())
		return ProgressAccepted, newError(KindInternal, err, "Could not start downloads: contact an administrator.")
	}
	s.logger.Info("download batch spawned", "deposit_id", d.UUID, "task_id", task.UUID, "urls", len(urls), "finalize", finalize)

	if finalize {
		return ProgressDeferred, nil
	}
	return ProgressAccepted, nil
}

// FinalizeOrDefer finalizes the deposit when its downloads are complete and
// otherwise marks it ready so the last batch finalizes it.
func (s *Service) FinalizeOrDefer(ctx context.Context, depositUUID string) (Progress, error) {
	defer s.lock(depositUUID)()

	d, err := s.Editable(ctx, depositUUID)
	if err != nil {
		return ProgressAccepted, err
	}
	return s.finalizeOrDeferLocked(ctx, d)
}

func (s *Service) finalizeOrDeferLocked(ctx context.Context, d *Deposit) (Progress, error) {
	if err := s.store.SetReady(ctx, d.UUID); err != nil {
		return ProgressAccepted, newError(KindInternal, err, "Could not update deposit: contact an administrator.")
	}
	d.ReadyForFinalization = true

	status, err := s.status(ctx, d.UUID)
	if err != nil {
		return ProgressAccepted, err
	}
	if status != DownloadComplete {
		s.logger.Info("finalization deferred", "deposit_id", d.UUID, "downloading", status)
		return ProgressDeferred, nil
	}
	if err := s.finalizeLocked(ctx, d); err != nil {
		return ProgressAccepted, err
	}
	return ProgressFinalized, nil
}

// finalizeLocked hands a deposit to its pipeline and stamps its completion.
// On failure the deposit stays ready for finalization.
func (s *Service) finalizeLocked(ctx context.Context, d *Deposit) error {
	empty, err := fsutil.IsEmptyDir(d.Path)
	if err != nil {
		return newError(KindInternal, err, "Could not read deposit directory: contact an administrator.")
	}
	if empty {
		return errEmpty
	}

	pipeline, err := s.resolver.PipelineForSpace(ctx, d.SpaceUUID)
	if err != nil {
		if errors.Is(err, location.ErrMisconfigured) {
			return newError(KindPipelineMisconfigured, err, "No pipeline is associated with this deposit's space: contact an administrator.")
		}
		return newError(KindInternal, err, "Could not resolve pipeline: contact an administrator.")
	}

	_, err = s.approver.Activate(ctx, approval.Request{
		DepositUUID:  d.UUID,
		DepositName:  d.Name,
		DepositPath:  d.Path,
		PipelineUUID: pipeline.UUID,
	})
	if err != nil {
		s.logger.Error("pipeline approval failed", "deposit_id", d.UUID, "pipeline", pipeline.UUID, "error", err)
		return approvalError(err, pipeline.UUID)
	}

	if err := s.store.MarkCompleted(context.WithoutCancel(ctx), d.UUID, s.now()); err != nil {
		return newError(KindInternal, err, "Deposit was submitted but could not be marked complete: contact an administrator.")
	}
	metrics.DepositsFinalized.Inc()
	s.logger.Info("deposit finalized", "deposit_id", d.UUID, "pipeline", pipeline.UUID)
	return nil
}

func approvalError(err error, pipelineUUID string) error {
	switch {
	case errors.Is(err, approval.ErrMisconfigured):
		return newError(KindPipelineMisconfigured, err, "Pipeline %s is not configured for transfer approval: contact an administrator.", pipelineUUID)
	case errors.Is(err, approval.ErrTransport):
		return newError(KindApprovalFailed, err, "Request to pipeline %s transfer approval API failed: check credentials and REST API IP whitelist.", pipelineUUID)
	case errors.Is(err, approval.ErrRejected):
		return newError(KindApprovalFailed, err, "Pipeline %s did not approve the transfer: contact an administrator.", pipelineUUID)
	default:
		return newError(KindInternal, err, "Could not submit deposit: contact an administrator.")
	}
}

func (s *Service) status(ctx context.Context, depositUUID string) (DownloadStatus, error) {
	tasks, err := s.store.Tasks(ctx, depositUUID)
	if err != nil {
		return "", newError(KindInternal, err, "Could not read download tasks: contact an administrator.")
	}
	return Aggregate(tasks), nil
}

// DownloadingStatus describes the deposit's batch downloads for the state
// document. A deposit that never had a batch reports DownloadNone.
func (s *Service) DownloadingStatus(ctx context.Context, depositUUID string) (DownloadStatus, error) {
	if _, err := s.Get(ctx, depositUUID); err != nil {
		return "", err
	}
	tasks, err := s.store.Tasks(ctx, depositUUID)
	if err != nil {
		return "", newError(KindInternal, err, "Could not read download tasks: contact an administrator.")
	}
	return Describe(tasks), nil
}

// Delete removes the deposit directory and its rows. Download tasks remain.
func (s *Service) Delete(ctx context.Context, depositUUID string) error {
	defer s.lock(depositUUID)()

	d, err := s.Editable(ctx, depositUUID)
	if err != nil {
		return err
	}
	if s.downloads.InFlight(d.UUID) {
		return newError(KindDownloadInProgress, nil, "Content is still being downloaded into this deposit; try again once it completes.")
	}
	if err := os.RemoveAll(d.Path); err != nil {
		return newError(KindInternal, err, "Could not remove deposit files: contact an administrator.")
	}
	if err := s.store.Delete(ctx, d.UUID); err != nil {
		return newError(KindInternal, err, "Could not delete deposit: contact an administrator.")
	}
	s.logger.Info("deposit deleted", "deposit_id", d.UUID)
	return nil
}

// FileFetched moves a downloaded file into the deposit and counts it.
func (s *Service) FileFetched(ctx context.Context, b download.Batch, scratchPath string) error {
	defer s.lock(b.DepositUUID)()

	d, err := s.store.Get(ctx, b.DepositUUID)
	if err != nil {
		return err
	}
	if d.Submitted() {
		return fmt.Errorf("deposit %s was submitted while downloading", d.UUID)
	}
	dest, err := fsutil.PadPath(filepath.Join(d.Path, filepath.Base(scratchPath)))
	if err != nil {
		return err
	}
	if err := fsutil.Move(ctx, scratchPath, dest); err != nil {
		return err
	}
	return s.store.IncrementCompleted(ctx, b.TaskID)
}

// BatchFinished stamps the task and finalizes the deposit if it was waiting
// on this batch.
func (s *Service) BatchFinished(ctx context.Context, r download.Result) {
	defer s.lock(r.DepositUUID)()
	logger := s.logger.With("deposit_id", r.DepositUUID, "task_id", r.TaskID)

	var err error
	if r.Aborted {
		reason := "interrupted"
		if r.Err != nil && !errors.Is(r.Err, context.Canceled) {
			reason = r.Err.Error()
		}
		err = s.store.FailTask(ctx, r.TaskID, reason, s.now())
	} else {
		err = s.store.FinishTask(ctx, r.TaskID, s.now())
	}
	if err != nil {
		logger.Error("failed to record batch completion", "error", err)
		return
	}

	d, err := s.store.Get(ctx, r.DepositUUID)
	if err != nil {
		logger.Warn("deposit gone after batch download", "error", err)
		return
	}
	if !d.ReadyForFinalization || d.Submitted() {
		return
	}
	status, err := s.status(ctx, d.UUID)
	if err != nil {
		logger.Error("failed to compute downloading status", "error", err)
		return
	}
	if status != DownloadComplete {
		logger.Debug("deposit still downloading", "status", status)
		return
	}
	if err := s.finalizeLocked(ctx, d); err != nil {
		logger.Error("deferred finalization failed", "error", err)
	}
}

// ImportRequest creates a deposit from content already on the storage
// server. Either SpaceUUID or PipelineUUID selects the SWORD space.
type ImportRequest struct {
	SpaceUUID      string
	PipelineUUID   string
	SourceLocation string
	RelativePath   string
}

// ImportFromLocation copies a directory from a location into a new deposit
// and finalizes it immediately.
func (s *Service) ImportFromLocation(ctx context.Context, req ImportRequest) (*Deposit, error) {
	if req.SourceLocation == "" || req.RelativePath == "" {
		return nil, newError(KindBadRequest, nil, "Both source_location and relative_path_to_files must be set.")
	}

	spaceUUID := req.SpaceUUID
	if spaceUUID == "" {
		if req.PipelineUUID == "" {
			return nil, newError(KindBadRequest, nil, "A space or a pipeline must be given.")
		}
		space, err := s.resolver.SpaceForPipeline(ctx, req.PipelineUUID)
		if errors.Is(err, location.ErrMisconfigured) {
			return nil, newError(KindPipelineMisconfigured, err, "Pipeline %s has no SWORD space: contact an administrator.", req.PipelineUUID)
		}
		if err != nil {
			return nil, newError(KindInternal, err, "Could not resolve pipeline space: contact an administrator.")
		}
		spaceUUID = space.UUID
	}

	root, _, _, err := s.resolver.LocationPath(ctx, req.SourceLocation)
	if errors.Is(err, location.ErrNotFound) {
		return nil, newError(KindNotFound, err, "Location %s does not exist.", req.SourceLocation)
	}
	if err != nil {
		return nil, newError(KindInternal, err, "Could not resolve source location: contact an administrator.")
	}
	src := filepath.Join(root, req.RelativePath)
	if rel, err := filepath.Rel(root, src); err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return nil, newError(KindBadRequest, err, "Relative path %s leaves the source location.", req.RelativePath)
	}
	if info, err := os.Stat(src); err != nil || !info.IsDir() {
		return nil, newError(KindBadRequest, err, "Path %s is not a directory in location %s.", req.RelativePath, req.SourceLocation)
	}

	d, err := s.Create(ctx, CreateRequest{SpaceUUID: spaceUUID, Name: filepath.Base(src), Source: src, CopyFrom: src})
	if err != nil {
		return nil, err
	}

	defer s.lock(d.UUID)()
	if err := s.store.SetReady(ctx, d.UUID); err != nil {
		return d, newError(KindInternal, err, "Could not update deposit: contact an administrator.")
	}
	d.ReadyForFinalization = true
	if err := s.finalizeLocked(ctx, d); err != nil {
		return d, err
	}
	return s.store.Get(ctx, d.UUID)
}

// Recover flags tasks left open by a previous process as failed.
func (s *Service) Recover(ctx context.Context) (int64, error) {
	n, err := s.store.FailOpenTasks(ctx, "interrupted", s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("flagged interrupted download tasks as failed", "tasks", n)
	}
	return n, nil
}
