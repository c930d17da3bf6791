// Package executor drives a story through its change cycle: Begin locks the
// story and its declared files and captures the baseline snapshot; Finish runs
// the dev gate, rolls back when the gate blocks, and releases every lock.
//
// Begin and Finish usually run in separate processes, so the set of locks a
// story holds is kept in a session file under the state directory.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/storygate/internal/fsutil"
	"github.com/fyrsmithlabs/storygate/internal/gate"
	"github.com/fyrsmithlabs/storygate/internal/lock"
	"github.com/fyrsmithlabs/storygate/internal/logging"
	"github.com/fyrsmithlabs/storygate/internal/plan"
	"github.com/fyrsmithlabs/storygate/internal/rollback"
	"github.com/fyrsmithlabs/storygate/internal/snapshot"
	"github.com/fyrsmithlabs/storygate/internal/vcs"
)

const instrumentationName = "github.com/fyrsmithlabs/storygate/internal/executor"

var (
	// ErrNoSession indicates Finish was called for a story that was not begun.
	ErrNoSession = errors.New("no active session for story")

	// ErrSessionOwner indicates the session belongs to another owner.
	ErrSessionOwner = errors.New("session is owned by another runner")
)

// Locker is the lock surface the executor needs.
type Locker interface {
	lock.Acquirer
	Release(ctx context.Context, path, ownerID string) (bool, error)
}

// SnapshotCreator captures baselines.
type SnapshotCreator interface {
	Create(ctx context.Context, storyID string, paths []string, metadata map[string]string) (*snapshot.Snapshot, error)
}

// FileLister lists the repository files drift detection tracks.
type FileLister interface {
	Files(ctx context.Context) ([]string, error)
}

// GateRunner runs a gate.
type GateRunner interface {
	Enforce(ctx context.Context, g gate.Gate, storyID string) (*gate.Result, error)
}

// RollbackRunner restores a story from its baseline.
type RollbackRunner interface {
	Execute(ctx context.Context, storyID string, opts rollback.Options) (*rollback.Log, error)
}

// Phase is a step reported through the progress callback.
type Phase string

const (
	PhaseLockStory Phase = "lock-story"
	PhaseLockFiles Phase = "lock-files"
	PhaseSnapshot  Phase = "snapshot"
	PhaseGate      Phase = "dev-gate"
	PhaseRollback  Phase = "rollback"
	PhaseRelease   Phase = "release"
)

// Progress reports one phase transition.
type Progress struct {
	StoryID string `json:"storyId"`
	Phase   Phase  `json:"phase"`
	Message string `json:"message"`
}

// ProgressCallback receives progress updates.
type ProgressCallback func(p Progress)

// Config configures the executor.
type Config struct {
	Root         string
	StateDir     string
	ArtifactsDir string

	// OwnerID identifies this runner on every lock it takes.
	OwnerID string

	// LockTimeout is the lease on story and file locks.
	LockTimeout time.Duration

	// RetryInterval and WaitTimeout bound waiting for busy locks.
	RetryInterval time.Duration
	WaitTimeout   time.Duration

	// AutoRollback restores the baseline when the dev gate blocks.
	AutoRollback bool

	// Rollback holds the options used for automatic rollbacks.
	Rollback rollback.Options
}

// Session records what Begin locked and captured.
type Session struct {
	StoryID     string    `json:"storyId"`
	OwnerID     string    `json:"ownerId"`
	SnapshotID  string    `json:"snapshotId"`
	StartedAt   time.Time `json:"startedAt"`
	Declared    []string  `json:"declared"`
	LockedPaths []string  `json:"lockedPaths"`
}

// Outcome is the result of Finish.
type Outcome struct {
	Gate     *gate.Result  `json:"gate,omitempty"`
	Rollback *rollback.Log `json:"rollback,omitempty"`
	Released int           `json:"released"`
}

// Option customises an Executor.
type Option func(*Executor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// Executor runs story change cycles.
type Executor struct {
	cfg       Config
	locks     Locker
	snapshots SnapshotCreator
	files     FileLister
	gates     GateRunner
	rollbacks RollbackRunner
	progress  ProgressCallback
	now       func() time.Time

	logger *zap.Logger
	tracer trace.Tracer
}

// New creates an executor.
func New(cfg *Config, locks Locker, snapshots SnapshotCreator, files FileLister, gates GateRunner, rollbacks RollbackRunner, logger *zap.Logger, opts ...Option) (*Executor, error) {
	if cfg == nil || cfg.Root == "" || cfg.StateDir == "" {
		return nil, errors.New("root and state directory are required")
	}
	if cfg.OwnerID == "" {
		return nil, errors.New("owner id is required")
	}
	if locks == nil || snapshots == nil || gates == nil || rollbacks == nil {
		return nil, errors.New("locks, snapshots, gates and rollbacks are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		cfg:       *cfg,
		locks:     locks,
		snapshots: snapshots,
		files:     files,
		gates:     gates,
		rollbacks: rollbacks,
		now:       time.Now,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
	}
	if e.cfg.Rollback.OwnerID == "" {
		e.cfg.Rollback.OwnerID = e.cfg.OwnerID
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// OnProgress sets the progress callback.
func (e *Executor) OnProgress(cb ProgressCallback) {
	e.progress = cb
}

func (e *Executor) report(storyID string, phase Phase, format string, args ...any) {
	if e.progress != nil {
		e.progress(Progress{StoryID: storyID, Phase: phase, Message: fmt.Sprintf(format, args...)})
	}
}

// Begin locks storyID and every declared file, then snapshots the declared
// files together with every tracked file. Declared files come from the
// story's patch plan, if present, plus extra, and are recorded in the
// snapshot so rollback and drift can tell them from tracked context. On
// failure every lock taken so far is released.
func (e *Executor) Begin(ctx context.Context, storyID string, extra []string) (sess *Session, err error) {
	ctx, span := e.tracer.Start(ctx, "executor.begin")
	defer span.End()
	span.SetAttributes(attribute.String("story.id", storyID))

	if !fsutil.SafeName(storyID) {
		return nil, fmt.Errorf("invalid story id %q", storyID)
	}
	ctx = logging.WithOwnerID(logging.WithStoryID(ctx, storyID), e.cfg.OwnerID)
	log := logging.Ctx(ctx, e.logger)

	sess = &Session{
		StoryID:   storyID,
		OwnerID:   e.cfg.OwnerID,
		StartedAt: e.now().UTC(),
	}
	defer func() {
		if err != nil {
			if _, rerr := e.release(ctx, sess); rerr != nil {
				log.Warn("failed to release locks after begin failure", zap.Error(rerr))
			}
			sess = nil
		}
	}()

	storyLock := lock.StoryPath(e.cfg.StateDir, storyID)
	if err := e.acquire(ctx, storyLock); err != nil {
		return sess, fmt.Errorf("locking story %s: %w", storyID, err)
	}
	sess.LockedPaths = append(sess.LockedPaths, storyLock)
	e.report(storyID, PhaseLockStory, "story locked by %s", e.cfg.OwnerID)

	declared, err := e.declared(storyID, extra)
	if err != nil {
		return sess, err
	}
	sess.Declared = declared
	for _, rel := range declared {
		abs := filepath.Join(e.cfg.Root, filepath.FromSlash(rel))
		if err := e.acquire(ctx, abs); err != nil {
			return sess, fmt.Errorf("locking %s: %w", rel, err)
		}
		sess.LockedPaths = append(sess.LockedPaths, abs)
	}
	e.report(storyID, PhaseLockFiles, "%d files locked", len(declared))

	paths := append([]string(nil), declared...)
	if e.files != nil {
		tracked, err := e.files.Files(ctx)
		if err != nil {
			return sess, fmt.Errorf("listing tracked files: %w", err)
		}
		paths = union(paths, tracked)
	}

	snap, err := e.snapshots.Create(ctx, storyID, paths, e.metadata(declared))
	if err != nil {
		return sess, fmt.Errorf("creating baseline: %w", err)
	}
	sess.SnapshotID = snap.SnapshotID
	e.report(storyID, PhaseSnapshot, "baseline %s captured %d files", snap.SnapshotID, len(snap.Files))

	if err := fsutil.WriteJSON(e.sessionPath(storyID), sess); err != nil {
		return sess, fmt.Errorf("writing session: %w", err)
	}

	log.Info("story begun",
		zap.String("snapshot_id", snap.SnapshotID),
		zap.Int("declared", len(declared)))
	return sess, nil
}

// Finish runs the dev gate for storyID, rolls back if the gate blocks and
// AutoRollback is set, and releases the session's locks. The returned error
// is the gate's, if it failed.
func (e *Executor) Finish(ctx context.Context, storyID string) (*Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "executor.finish")
	defer span.End()
	span.SetAttributes(attribute.String("story.id", storyID))

	sess, err := e.Session(storyID)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != e.cfg.OwnerID {
		return nil, fmt.Errorf("%w: %s", ErrSessionOwner, sess.OwnerID)
	}
	ctx = logging.WithOwnerID(logging.WithStoryID(ctx, storyID), sess.OwnerID)
	log := logging.Ctx(ctx, e.logger)

	out := &Outcome{}
	defer func() {
		released, rerr := e.release(ctx, sess)
		out.Released = released
		if rerr != nil {
			log.Warn("failed to release story locks", zap.Error(rerr))
		}
		e.report(storyID, PhaseRelease, "%d locks released", released)
	}()

	res, gateErr := e.gates.Enforce(ctx, gate.Dev, storyID)
	out.Gate = res
	if gateErr == nil {
		e.report(storyID, PhaseGate, "dev gate passed")
		return out, nil
	}
	e.report(storyID, PhaseGate, "dev gate blocked: %v", gateErr)

	if !e.cfg.AutoRollback || !errors.Is(gateErr, gate.ErrGateFailed) {
		return out, gateErr
	}

	opts := e.cfg.Rollback
	opts.Reason = "dev gate blocked"
	rb, rbErr := e.rollbacks.Execute(ctx, storyID, opts)
	out.Rollback = rb
	if rb != nil {
		e.report(storyID, PhaseRollback, "rollback %s %s", rb.RollbackID, rb.Status)
	}
	if rbErr != nil {
		log.Error("automatic rollback did not complete", zap.Error(rbErr))
		return out, errors.Join(gateErr, fmt.Errorf("automatic rollback: %w", rbErr))
	}
	return out, gateErr
}

// Session returns the active session of storyID.
func (e *Executor) Session(storyID string) (*Session, error) {
	var sess Session
	if err := fsutil.ReadJSON(e.sessionPath(storyID), &sess); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", storyID, ErrNoSession)
		}
		return nil, err
	}
	return &sess, nil
}

// release frees the session's locks and removes the session file.
func (e *Executor) release(ctx context.Context, sess *Session) (int, error) {
	released := 0
	var errs []error
	for i := len(sess.LockedPaths) - 1; i >= 0; i-- {
		ok, err := e.locks.Release(ctx, sess.LockedPaths[i], sess.OwnerID)
		if err != nil && !errors.Is(err, lock.ErrNotFound) {
			errs = append(errs, err)
		}
		if ok {
			released++
		}
	}
	if err := os.Remove(e.sessionPath(sess.StoryID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, err)
	}
	return released, errors.Join(errs...)
}

func (e *Executor) acquire(ctx context.Context, path string) error {
	_, err := lock.AcquireWithRetry(ctx, e.locks, path, e.cfg.OwnerID,
		e.cfg.LockTimeout, e.cfg.RetryInterval, e.cfg.WaitTimeout)
	return err
}

// declared returns the sorted union of the patch plan's paths and extra.
func (e *Executor) declared(storyID string, extra []string) ([]string, error) {
	var paths []string
	if e.cfg.ArtifactsDir != "" {
		p, err := plan.Load(filepath.Join(e.cfg.ArtifactsDir, "stories", storyID, gate.PatchPlanFile))
		switch {
		case errors.Is(err, plan.ErrNotFound):
		case err != nil:
			return nil, fmt.Errorf("loading patch plan: %w", err)
		default:
			if err := p.Validate(); err != nil {
				return nil, fmt.Errorf("invalid patch plan: %w", err)
			}
			paths = p.Paths()
		}
	}
	for _, x := range extra {
		rel, err := fsutil.RelPath(e.cfg.Root, x)
		if err != nil {
			return nil, err
		}
		paths = append(paths, rel)
	}
	return union(paths, nil), nil
}

func (e *Executor) metadata(declared []string) map[string]string {
	meta := map[string]string{
		snapshot.MetaOwner:    e.cfg.OwnerID,
		snapshot.MetaReason:   "story begin",
		snapshot.MetaDeclared: snapshot.EncodeDeclared(declared),
	}
	info, err := vcs.Inspect(e.cfg.Root)
	if err != nil {
		e.logger.Debug("no vcs metadata for baseline", zap.Error(err))
		return meta
	}
	meta[snapshot.MetaGitCommit] = info.Commit
	if info.Branch != "" {
		meta[snapshot.MetaGitBranch] = info.Branch
	}
	meta[snapshot.MetaGitDirty] = strconv.Itoa(info.Dirty)
	return meta
}

func (e *Executor) sessionPath(storyID string) string {
	return filepath.Join(e.cfg.StateDir, "sessions", storyID+".json")
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, p := range list {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
