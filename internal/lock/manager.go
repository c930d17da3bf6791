// Package lock provides lease-based, cross-process mutual exclusion per file path.
//
// Ownership lives entirely in descriptor files under a shared directory; the
// descriptor name is the SHA-256 of the normalized absolute path. A descriptor
// is created by linking a fully written temp file into place, so at most one
// process can win a race for an absent name. Leases bound how long a crashed
// holder can block a path. The manager never retries; callers that want to
// wait poll Acquire themselves.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/storygate/internal/fsutil"
	"github.com/fyrsmithlabs/storygate/internal/metrics"
)

const instrumentationName = "github.com/fyrsmithlabs/storygate/internal/lock"

// DefaultTimeout is the lease used when Acquire is called with a zero timeout.
const DefaultTimeout = 30 * time.Second

// maxAcquireAttempts bounds the create/evict loop when other processes race us.
const maxAcquireAttempts = 3

// Config configures the lock manager.
type Config struct {
	// Root is the repository root relative paths are resolved against.
	Root string

	// Dir holds the descriptor files.
	Dir string

	// DefaultTimeout is the lease for Acquire calls with a zero timeout.
	DefaultTimeout time.Duration
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics records conflicts and evictions.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// Manager acquires and releases path locks.
type Manager struct {
	root           string
	dir            string
	defaultTimeout time.Duration
	pid            int
	now            func() time.Time

	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
}

// NewManager creates a lock manager storing descriptors in cfg.Dir.
func NewManager(cfg *Config, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if cfg == nil || cfg.Dir == "" {
		return nil, errors.New("lock directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	root := cfg.Root
	if root == "" {
		root = "."
	}

	m := &Manager{
		root:           root,
		dir:            cfg.Dir,
		defaultTimeout: timeout,
		pid:            os.Getpid(),
		now:            time.Now,
		logger:         logger,
		tracer:         otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Acquire takes the lock on path for ownerID.
//
// Re-acquiring a lock already held by ownerID returns the existing descriptor.
// A stale lock held by anyone else is evicted and retaken. A live lock held by
// someone else yields a *ConflictError.
func (m *Manager) Acquire(ctx context.Context, path, ownerID string, timeout time.Duration) (*Lock, error) {
	ctx, span := m.tracer.Start(ctx, "lock.acquire")
	defer span.End()

	if ownerID == "" {
		return nil, errors.New("owner id is required")
	}
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	abs, err := fsutil.NormalizePath(m.root, path)
	if err != nil {
		return nil, fmt.Errorf("normalizing lock path: %w", err)
	}
	descPath := m.descriptorPath(abs)
	span.SetAttributes(
		attribute.String("lock.path", abs),
		attribute.String("lock.owner", ownerID),
	)

	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		existing, err := m.read(descPath)
		switch {
		case errors.Is(err, ErrNotFound):
			l, err := m.create(descPath, abs, ownerID, timeout)
			if errors.Is(err, fsutil.ErrExist) {
				// Another process created it between our read and link.
				continue
			}
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "create failed")
				return nil, err
			}
			m.logger.Debug("lock acquired",
				zap.String("path", abs),
				zap.String("owner", ownerID),
				zap.String("lock_id", l.LockID))
			return l, nil

		case errors.Is(err, ErrInvalidLock):
			m.logger.Warn("evicting corrupt lock descriptor", zap.String("path", abs), zap.Error(err))
			if err := m.evict(descPath, ""); err != nil {
				return nil, err
			}
			continue

		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, "read failed")
			return nil, err
		}

		if existing.OwnerID == ownerID {
			return existing, nil
		}

		now := m.now()
		if existing.IsStale(now) {
			m.logger.Info("evicting stale lock",
				zap.String("path", abs),
				zap.String("holder", existing.OwnerID),
				zap.Duration("age", existing.Age(now)),
				zap.String("new_owner", ownerID))
			if err := m.evict(descPath, existing.LockID); err != nil {
				return nil, err
			}
			m.metrics.RecordLockEviction()
			continue
		}

		m.metrics.RecordLockConflict()
		conflict := &ConflictError{
			Path:            abs,
			HolderID:        existing.OwnerID,
			HolderProcessID: existing.HolderProcessID,
			LockID:          existing.LockID,
			Age:             existing.Age(now),
			Timeout:         existing.Timeout(),
		}
		span.SetStatus(codes.Error, "conflict")
		return nil, conflict
	}

	return nil, fmt.Errorf("acquiring lock on %s: lost %d races: %w", abs, maxAcquireAttempts, ErrConflict)
}

// Release removes ownerID's lock on path.
func (m *Manager) Release(ctx context.Context, path, ownerID string) (bool, error) {
	_, span := m.tracer.Start(ctx, "lock.release")
	defer span.End()

	abs, err := fsutil.NormalizePath(m.root, path)
	if err != nil {
		return false, fmt.Errorf("normalizing lock path: %w", err)
	}
	descPath := m.descriptorPath(abs)

	existing, err := m.read(descPath)
	if err != nil {
		return false, fmt.Errorf("releasing %s: %w", abs, err)
	}
	if existing.OwnerID != ownerID {
		return false, fmt.Errorf("releasing %s held by %s: %w", abs, existing.OwnerID, ErrNotOwner)
	}

	if err := os.Remove(descPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("releasing %s: %w", abs, ErrNotFound)
		}
		return false, fmt.Errorf("removing lock descriptor: %w", err)
	}

	m.logger.Debug("lock released", zap.String("path", abs), zap.String("owner", ownerID))
	return true, nil
}

// Get returns the current descriptor for path.
func (m *Manager) Get(ctx context.Context, path string) (*Lock, error) {
	abs, err := fsutil.NormalizePath(m.root, path)
	if err != nil {
		return nil, fmt.Errorf("normalizing lock path: %w", err)
	}
	return m.read(m.descriptorPath(abs))
}

// Status lists live locks and deletes stale or corrupt descriptors.
func (m *Manager) Status(ctx context.Context) (*Status, error) {
	_, span := m.tracer.Start(ctx, "lock.status")
	defer span.End()

	locks, stale, err := m.scan()
	if err != nil {
		return nil, err
	}

	for _, p := range stale {
		if _, err := m.removeStale(p); err != nil {
			m.logger.Warn("failed to remove stale lock", zap.String("descriptor", p), zap.Error(err))
		}
	}

	span.SetAttributes(
		attribute.Int("lock.active", len(locks)),
		attribute.Int("lock.stale", len(stale)),
	)
	return &Status{ActiveLocks: locks, StaleCount: len(stale)}, nil
}

// Cleanup removes stale descriptors and, when ownerID is set, every lock that
// owner holds. It returns the number of descriptors removed.
func (m *Manager) Cleanup(ctx context.Context, ownerID string) (int, error) {
	locks, stale, err := m.scan()
	if err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, p := range stale {
		ok, err := m.removeStale(p)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			removed++
			m.metrics.RecordLockEviction()
		}
	}

	if ownerID == "" {
		m.logger.Info("lock cleanup finished", zap.Int("removed", removed))
		return removed, errors.Join(errs...)
	}
	for _, l := range locks {
		if l.OwnerID != ownerID {
			continue
		}
		if err := os.Remove(m.descriptorPath(l.FilePath)); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		removed++
	}

	m.logger.Info("lock cleanup finished",
		zap.String("owner", ownerID),
		zap.Int("removed", removed))
	return removed, errors.Join(errs...)
}

// scan reads every descriptor, splitting live locks from stale descriptor paths.
func (m *Manager) scan() ([]*Lock, []string, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []*Lock{}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading lock directory: %w", err)
	}

	now := m.now()
	locks := make([]*Lock, 0, len(entries))
	var stale []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		p := filepath.Join(m.dir, e.Name())
		l, err := m.read(p)
		switch {
		case errors.Is(err, ErrNotFound):
			continue
		case errors.Is(err, ErrInvalidLock):
			stale = append(stale, p)
		case err != nil:
			return nil, nil, err
		case l.IsStale(now):
			stale = append(stale, p)
		default:
			locks = append(locks, l)
		}
	}
	return locks, stale, nil
}

// removeStale re-reads a descriptor judged stale and evicts it if it still is.
func (m *Manager) removeStale(descPath string) (bool, error) {
	l, err := m.read(descPath)
	switch {
	case errors.Is(err, ErrNotFound):
		return false, nil
	case errors.Is(err, ErrInvalidLock):
		return true, m.evict(descPath, "")
	case err != nil:
		return false, err
	case !l.IsStale(m.now()):
		return false, nil
	}
	return true, m.evict(descPath, l.LockID)
}

func (m *Manager) descriptorPath(absPath string) string {
	return filepath.Join(m.dir, fsutil.HashString(absPath)+".json")
}

func (m *Manager) read(descPath string) (*Lock, error) {
	data, err := os.ReadFile(descPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading lock descriptor: %w", err)
	}

	var l Lock
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLock, err)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

func (m *Manager) create(descPath, absPath, ownerID string, timeout time.Duration) (*Lock, error) {
	l := &Lock{
		LockID:          uuid.New().String(),
		OwnerID:         ownerID,
		FilePath:        absPath,
		AcquiredAt:      m.now().UnixMilli(),
		TimeoutMs:       timeout.Milliseconds(),
		HolderProcessID: m.pid,
	}
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling lock descriptor: %w", err)
	}
	if err := os.MkdirAll(m.dir, fsutil.DirPerm); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	if err := fsutil.CreateExclusive(descPath, data, fsutil.FilePerm); err != nil {
		return nil, err
	}
	return l, nil
}

// evict removes a stale descriptor. The descriptor is first renamed to a
// private name so that a lock freshly created by a racing process is never
// deleted by mistake: if the moved descriptor is not the one we judged stale
// it is linked back into place.
func (m *Manager) evict(descPath, staleLockID string) error {
	tomb := descPath + ".evict-" + uuid.New().String()
	if err := os.Rename(descPath, tomb); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("evicting lock descriptor: %w", err)
	}
	defer os.Remove(tomb)

	if staleLockID == "" {
		return nil
	}
	moved, err := m.read(tomb)
	if err != nil || moved.LockID == staleLockID {
		return nil
	}
	if err := os.Link(tomb, descPath); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("restoring raced lock descriptor: %w", err)
	}
	return nil
}
