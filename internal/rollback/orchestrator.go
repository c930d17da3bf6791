// Package rollback restores a story's files from its snapshot as an ordered
// sequence of recorded steps.
//
// The first three steps (lock, load snapshot, validate) are preconditions: a
// failure aborts before any file is touched. Later steps collect per-file
// failures and degrade the outcome to partial instead of aborting. The story
// lock is released on every path and the log is persisted before Execute
// returns.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/storygate/internal/fsutil"
	"github.com/fyrsmithlabs/storygate/internal/lock"
	"github.com/fyrsmithlabs/storygate/internal/metrics"
	"github.com/fyrsmithlabs/storygate/internal/snapshot"
	"github.com/fyrsmithlabs/storygate/internal/vcs"
)

const instrumentationName = "github.com/fyrsmithlabs/storygate/internal/rollback"

// Locker is the lock surface the orchestrator needs.
type Locker interface {
	Get(ctx context.Context, path string) (*lock.Lock, error)
	Acquire(ctx context.Context, path, ownerID string, timeout time.Duration) (*lock.Lock, error)
	Release(ctx context.Context, path, ownerID string) (bool, error)
}

// SnapshotStore is the snapshot surface the orchestrator needs.
type SnapshotStore interface {
	Get(ctx context.Context, storyID string) (*snapshot.Snapshot, error)
	ReadContent(snap *snapshot.Snapshot, path string) ([]byte, error)
}

// ResetFunc moves the repository at root back to commit.
type ResetFunc func(root, commit string) error

// Config configures the orchestrator.
type Config struct {
	// Root is the repository root snapshot paths are relative to.
	Root string

	// Dir holds rollback logs and backups.
	Dir string

	// StateDir locates the story lock namespace.
	StateDir string

	// ArtifactsDir holds per-story artifact directories.
	ArtifactsDir string

	// Artifacts are file names removed by the cleanup step.
	Artifacts []string
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithMetrics records rollback outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithResetFunc overrides how VCS state is restored.
func WithResetFunc(fn ResetFunc) Option {
	return func(o *Orchestrator) { o.reset = fn }
}

// Orchestrator executes and records rollbacks.
type Orchestrator struct {
	cfg       Config
	locks     Locker
	snapshots SnapshotStore
	reset     ResetFunc
	now       func() time.Time

	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg *Config, locks Locker, snapshots SnapshotStore, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if cfg == nil || cfg.Dir == "" {
		return nil, errors.New("rollback directory is required")
	}
	if locks == nil || snapshots == nil {
		return nil, errors.New("lock manager and snapshot store are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		cfg:       *cfg,
		locks:     locks,
		snapshots: snapshots,
		reset:     resetWithGit,
		now:       time.Now,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
	}
	if o.cfg.Root == "" {
		o.cfg.Root = "."
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func resetWithGit(root, commit string) error {
	repo, err := vcs.Open(root)
	if err != nil {
		return err
	}
	return repo.ResetMixed(commit)
}

// execution carries state between steps of one rollback.
type execution struct {
	storyID  string
	opts     Options
	log      *Log
	snap     *snapshot.Snapshot
	lockPath string
	ownLock  bool
}

type stepFunc func(ctx context.Context, ex *execution) (StepStatus, string, error)

type step struct {
	name  string
	fatal bool
	run   stepFunc
}

// Execute rolls storyID back to its current snapshot.
//
// A fatal precondition failure returns the failed log and the cause. Per-file
// or optional-step failures return the log with ErrPartial.
func (o *Orchestrator) Execute(ctx context.Context, storyID string, opts Options) (*Log, error) {
	ctx, span := o.tracer.Start(ctx, "rollback.execute")
	defer span.End()
	span.SetAttributes(attribute.String("story.id", storyID))

	if !fsutil.SafeName(storyID) {
		return nil, fmt.Errorf("invalid story id %q", storyID)
	}
	if opts.OwnerID == "" {
		return nil, errors.New("owner id is required")
	}

	started := o.now()
	ex := &execution{
		storyID:  storyID,
		opts:     opts,
		lockPath: lock.StoryPath(o.cfg.StateDir, storyID),
		log: &Log{
			RollbackID:    uuid.New().String(),
			StoryID:       storyID,
			OwnerID:       opts.OwnerID,
			Timestamp:     started.UTC(),
			Status:        StatusStarted,
			Steps:         []StepResult{},
			RestoredFiles: []string{},
			DeletedFiles:  []string{},
			FailedFiles:   []FileError{},
		},
	}

	o.logger.Info("rollback started",
		zap.String("story_id", storyID),
		zap.String("rollback_id", ex.log.RollbackID),
		zap.String("owner", opts.OwnerID),
		zap.String("reason", opts.Reason))

	steps := []step{
		{StepAcquireLock, true, o.acquireLock},
		{StepLoadSnapshot, true, o.loadSnapshot},
		{StepValidate, true, o.validate},
		{StepBackup, false, o.backup},
		{StepRestore, false, o.restore},
		{StepCleanupArtifacts, false, o.cleanupArtifacts},
		{StepRestoreVCS, false, o.restoreVCS},
	}

	var fatalErr error
	for i, s := range steps {
		if err := o.runStep(ctx, ex, s); err != nil && s.fatal {
			fatalErr = fmt.Errorf("%s: %w", s.name, err)
			for _, rest := range steps[i+1:] {
				o.skip(ex, rest.name, "aborted")
			}
			break
		}
	}
	_ = o.runStep(ctx, ex, step{StepReleaseLock, false, o.releaseLock})

	ex.log.Status = finalStatus(ex.log, fatalErr)
	ex.log.FinishedAt = o.now().UTC()

	persistErr := o.persist(ex.log)
	o.metrics.RecordRollback(string(ex.log.Status), ex.log.FinishedAt.Sub(started).Seconds())
	span.SetAttributes(attribute.String("rollback.status", string(ex.log.Status)))

	o.logger.Info("rollback finished",
		zap.String("story_id", storyID),
		zap.String("rollback_id", ex.log.RollbackID),
		zap.String("status", string(ex.log.Status)),
		zap.Int("restored", len(ex.log.RestoredFiles)),
		zap.Int("deleted", len(ex.log.DeletedFiles)),
		zap.Int("failed", len(ex.log.FailedFiles)))

	switch ex.log.Status {
	case StatusFailed:
		span.SetStatus(codes.Error, "rollback failed")
		return ex.log, errors.Join(fatalErr, persistErr)
	case StatusPartial:
		return ex.log, errors.Join(fmt.Errorf("story %s: %w", storyID, ErrPartial), persistErr)
	}
	return ex.log, persistErr
}

func (o *Orchestrator) runStep(ctx context.Context, ex *execution, s step) error {
	res := StepResult{Name: s.name, StartedAt: o.now().UTC()}
	status, detail, err := s.run(ctx, ex)
	res.FinishedAt = o.now().UTC()
	res.Status = status
	res.Detail = detail
	if err != nil {
		res.Error = err.Error()
		if status == "" || status == StepCompleted {
			res.Status = StepFailed
		}
		o.logger.Warn("rollback step failed",
			zap.String("story_id", ex.storyID),
			zap.String("step", s.name),
			zap.Bool("fatal", s.fatal),
			zap.Error(err))
	}
	ex.log.Steps = append(ex.log.Steps, res)
	return err
}

func (o *Orchestrator) skip(ex *execution, name, detail string) {
	now := o.now().UTC()
	ex.log.Steps = append(ex.log.Steps, StepResult{
		Name: name, Status: StepSkipped, StartedAt: now, FinishedAt: now, Detail: detail,
	})
}

// finalStatus derives the overall outcome. The release step never changes it.
func finalStatus(l *Log, fatalErr error) Status {
	if fatalErr != nil {
		return StatusFailed
	}
	if len(l.FailedFiles) > 0 {
		return StatusPartial
	}
	for _, s := range l.Steps {
		if s.Name == StepReleaseLock {
			continue
		}
		if s.Status == StepFailed || s.Status == StepPartial {
			return StatusPartial
		}
	}
	return StatusCompleted
}

func (o *Orchestrator) acquireLock(ctx context.Context, ex *execution) (StepStatus, string, error) {
	if held, err := o.locks.Get(ctx, ex.lockPath); err == nil && held.OwnerID == ex.opts.OwnerID {
		return StepCompleted, "lock already held by " + ex.opts.OwnerID, nil
	}
	l, err := o.locks.Acquire(ctx, ex.lockPath, ex.opts.OwnerID, ex.opts.LockTimeout)
	if err != nil {
		return StepFailed, "", err
	}
	ex.ownLock = true
	return StepCompleted, "acquired " + l.LockID, nil
}

func (o *Orchestrator) loadSnapshot(ctx context.Context, ex *execution) (StepStatus, string, error) {
	snap, err := o.snapshots.Get(ctx, ex.storyID)
	if err != nil {
		return StepFailed, "", err
	}
	ex.snap = snap
	ex.log.SnapshotID = snap.SnapshotID
	return StepCompleted, "snapshot " + snap.SnapshotID, nil
}

func (o *Orchestrator) validate(ctx context.Context, ex *execution) (StepStatus, string, error) {
	if err := ex.snap.Validate(); err != nil {
		return StepFailed, "", err
	}
	if len(ex.snap.Files) == 0 {
		return StepFailed, "", fmt.Errorf("snapshot %s captured no files", ex.snap.SnapshotID)
	}
	for _, p := range ex.snap.Paths() {
		if _, err := o.resolve(p); err != nil {
			return StepFailed, "", err
		}
	}
	return StepCompleted, fmt.Sprintf("%d paths", len(ex.snap.Files)), nil
}

// backup copies the current state of every snapshotted path aside.
func (o *Orchestrator) backup(ctx context.Context, ex *execution) (StepStatus, string, error) {
	runDir := filepath.Join(o.cfg.Dir, ex.storyID, ex.log.RollbackID)
	backupDir := filepath.Join(runDir, "backup")
	ex.log.BackupDir = backupDir

	manifest := make(map[string]*string, len(ex.snap.Files))
	var errs []error
	for _, p := range ex.snap.Paths() {
		abs, _ := o.resolve(p)
		h, err := fsutil.HashFile(abs)
		if errors.Is(err, fs.ErrNotExist) {
			manifest[p] = nil
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		if err := fsutil.CopyFile(abs, filepath.Join(backupDir, filepath.FromSlash(p)), fsutil.FilePerm); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		manifest[p] = &h
	}
	if err := fsutil.WriteJSON(filepath.Join(runDir, "manifest.json"), manifest); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return StepPartial, "", errors.Join(errs...)
	}
	return StepCompleted, fmt.Sprintf("%d paths backed up", len(manifest)), nil
}

// restore writes snapshot content back and deletes files created since.
//
// Declared paths are always restored. Any other captured path is skipped,
// and recorded as failed, while another owner holds a live lock on it.
func (o *Orchestrator) restore(ctx context.Context, ex *execution) (StepStatus, string, error) {
	declared := make(map[string]struct{})
	for _, p := range ex.snap.Declared() {
		declared[p] = struct{}{}
	}
	for _, p := range ex.snap.Paths() {
		abs, _ := o.resolve(p)
		if _, ok := declared[p]; !ok {
			if holder := o.heldByOther(ctx, abs, ex.opts.OwnerID); holder != "" {
				ex.log.FailedFiles = append(ex.log.FailedFiles, FileError{Path: p, Error: "locked by " + holder})
				continue
			}
		}
		if ex.snap.Files[p] == nil {
			err := os.Remove(abs)
			switch {
			case err == nil:
				ex.log.DeletedFiles = append(ex.log.DeletedFiles, p)
			case errors.Is(err, fs.ErrNotExist):
			default:
				ex.log.FailedFiles = append(ex.log.FailedFiles, FileError{Path: p, Error: err.Error()})
			}
			continue
		}

		data, err := o.snapshots.ReadContent(ex.snap, p)
		if err == nil {
			err = fsutil.WriteFileAtomic(abs, data, filePerm(abs))
		}
		if err != nil {
			ex.log.FailedFiles = append(ex.log.FailedFiles, FileError{Path: p, Error: err.Error()})
			continue
		}
		ex.log.RestoredFiles = append(ex.log.RestoredFiles, p)
	}

	detail := fmt.Sprintf("%d restored, %d deleted", len(ex.log.RestoredFiles), len(ex.log.DeletedFiles))
	switch {
	case len(ex.log.FailedFiles) == 0:
		return StepCompleted, detail, nil
	case len(ex.log.RestoredFiles)+len(ex.log.DeletedFiles) == 0:
		return StepFailed, detail, fmt.Errorf("%d files failed to restore", len(ex.log.FailedFiles))
	}
	return StepPartial, detail, fmt.Errorf("%d files failed to restore", len(ex.log.FailedFiles))
}

// heldByOther returns the owner of a live lock on abs when that owner is not
// ownerID, or "" otherwise.
func (o *Orchestrator) heldByOther(ctx context.Context, abs, ownerID string) string {
	l, err := o.locks.Get(ctx, abs)
	if err != nil {
		if !errors.Is(err, lock.ErrNotFound) {
			o.logger.Debug("lock lookup failed during restore", zap.String("path", abs), zap.Error(err))
		}
		return ""
	}
	if l.OwnerID == ownerID || l.IsStale(o.now()) {
		return ""
	}
	return l.OwnerID
}

func (o *Orchestrator) cleanupArtifacts(ctx context.Context, ex *execution) (StepStatus, string, error) {
	if !ex.opts.CleanupArtifacts || o.cfg.ArtifactsDir == "" || len(o.cfg.Artifacts) == 0 {
		return StepSkipped, "not requested", nil
	}
	dir := filepath.Join(o.cfg.ArtifactsDir, ex.storyID)
	var removed []string
	var errs []error
	for _, name := range o.cfg.Artifacts {
		err := os.Remove(filepath.Join(dir, name))
		switch {
		case err == nil:
			removed = append(removed, name)
		case errors.Is(err, fs.ErrNotExist):
		default:
			errs = append(errs, err)
		}
	}
	detail := "removed " + strings.Join(removed, ", ")
	if len(removed) == 0 {
		detail = "nothing to remove"
	}
	if len(errs) > 0 {
		return StepPartial, detail, errors.Join(errs...)
	}
	return StepCompleted, detail, nil
}

func (o *Orchestrator) restoreVCS(ctx context.Context, ex *execution) (StepStatus, string, error) {
	if !ex.opts.RestoreVCS {
		return StepSkipped, "not requested", nil
	}
	commit := ex.snap.Metadata[snapshot.MetaGitCommit]
	if commit == "" {
		return StepSkipped, "snapshot recorded no commit", nil
	}
	if err := o.reset(o.cfg.Root, commit); err != nil {
		return StepFailed, "", err
	}
	return StepCompleted, "reset to " + commit, nil
}

func (o *Orchestrator) releaseLock(ctx context.Context, ex *execution) (StepStatus, string, error) {
	if !ex.ownLock {
		return StepSkipped, "lock not taken by this rollback", nil
	}
	if _, err := o.locks.Release(ctx, ex.lockPath, ex.opts.OwnerID); err != nil {
		return StepFailed, "", err
	}
	return StepCompleted, "", nil
}

// resolve maps a snapshot path to disk, rejecting escapes from the root.
func (o *Orchestrator) resolve(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("snapshot path %s escapes the repository", rel)
	}
	return filepath.Join(o.cfg.Root, clean), nil
}

func filePerm(path string) os.FileMode {
	if info, err := os.Stat(path); err == nil {
		return info.Mode().Perm()
	}
	return fsutil.FilePerm
}

func (o *Orchestrator) persist(l *Log) error {
	path := filepath.Join(o.cfg.Dir, l.StoryID, l.RollbackID+".json")
	if err := fsutil.WriteJSON(path, l); err != nil {
		o.logger.Error("failed to persist rollback log", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("persisting rollback log: %w", err)
	}
	return nil
}

// List returns the story's rollback logs, oldest first.
func (o *Orchestrator) List(ctx context.Context, storyID string) ([]*Log, error) {
	if !fsutil.SafeName(storyID) {
		return nil, fmt.Errorf("invalid story id %q", storyID)
	}
	dir := filepath.Join(o.cfg.Dir, storyID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []*Log{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading rollback logs: %w", err)
	}

	logs := make([]*Log, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var l Log
		if err := fsutil.ReadJSON(filepath.Join(dir, e.Name()), &l); err != nil {
			o.logger.Warn("skipping unreadable rollback log", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		if err := l.Validate(); err != nil {
			continue
		}
		logs = append(logs, &l)
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].Timestamp.Before(logs[j].Timestamp) })
	return logs, nil
}

// Show returns one rollback log.
func (o *Orchestrator) Show(ctx context.Context, storyID, rollbackID string) (*Log, error) {
	if !fsutil.SafeName(storyID) || !fsutil.SafeName(rollbackID) {
		return nil, fmt.Errorf("invalid story or rollback id")
	}
	var l Log
	if err := fsutil.ReadJSON(filepath.Join(o.cfg.Dir, storyID, rollbackID+".json"), &l); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("rollback %s for %s: %w", rollbackID, storyID, ErrNotFound)
		}
		return nil, err
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// Status returns the story's most recent rollback log.
func (o *Orchestrator) Status(ctx context.Context, storyID string) (*Log, error) {
	logs, err := o.List(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, fmt.Errorf("story %s: %w", storyID, ErrNotFound)
	}
	return logs[len(logs)-1], nil
}
