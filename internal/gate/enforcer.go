// Package gate enforces the planning, dev and qa checkpoints of the story
// pipeline and records every outcome in a per-story ledger.
//
// A gate that fails still persists its result before Enforce returns an
// error wrapping ErrGateFailed.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/storygate/internal/drift"
	"github.com/fyrsmithlabs/storygate/internal/lock"
	"github.com/fyrsmithlabs/storygate/internal/logging"
	"github.com/fyrsmithlabs/storygate/internal/metrics"
	"github.com/fyrsmithlabs/storygate/internal/plan"
	"github.com/fyrsmithlabs/storygate/internal/preflight"
)

const instrumentationName = "github.com/fyrsmithlabs/storygate/internal/gate"

// Locker is the lock surface the enforcer needs.
type Locker interface {
	lock.Acquirer
	Get(ctx context.Context, path string) (*lock.Lock, error)
	Release(ctx context.Context, path, ownerID string) (bool, error)
}

// DriftDetector checks a story against its baseline.
type DriftDetector interface {
	DetectPatchDrift(ctx context.Context, storyID string, expected []string, p *plan.PatchPlan) (*drift.Report, error)
}

// Config configures the enforcer.
type Config struct {
	// Root is the repository root.
	Root string

	// StateDir holds the gates/ ledger directory and lock namespace.
	StateDir string

	// ArtifactsDir holds planning/ and stories/<id>/ artifacts.
	ArtifactsDir string

	// SchemaDir overrides embedded schemas by file name.
	SchemaDir string

	// SignedBy is recorded on auto-signed patch plans.
	SignedBy string

	// OwnerID identifies this process to the lock manager.
	OwnerID string

	// LockTimeout is the lease on the ledger lock.
	LockTimeout time.Duration

	// RetryInterval and WaitTimeout bound waiting for a busy ledger.
	RetryInterval time.Duration
	WaitTimeout   time.Duration
}

// Option customises an Enforcer.
type Option func(*Enforcer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) { e.now = now }
}

// WithMetrics records gate outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Enforcer) { e.metrics = m }
}

// WithCheck adds a preflight check to the dev gate.
func WithCheck(name string, check preflight.CheckFunc) Option {
	return func(e *Enforcer) { e.preflight.Register(name, check) }
}

type handler func(ctx context.Context, storyID string, res *Result) error

// Enforcer runs gates.
type Enforcer struct {
	cfg       Config
	locks     Locker
	detector  DriftDetector
	schemas   *Schemas
	preflight *preflight.Registry
	handlers  map[Gate]handler
	now       func() time.Time

	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
}

// NewEnforcer creates an enforcer. detector may be nil only if the dev gate
// is never run.
func NewEnforcer(cfg *Config, locks Locker, detector DriftDetector, logger *zap.Logger, opts ...Option) (*Enforcer, error) {
	if cfg == nil || cfg.StateDir == "" || cfg.ArtifactsDir == "" {
		return nil, errors.New("state and artifacts directories are required")
	}
	if locks == nil {
		return nil, errors.New("lock manager is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Enforcer{
		cfg:       *cfg,
		locks:     locks,
		detector:  detector,
		schemas:   NewSchemas(cfg.SchemaDir),
		preflight: preflight.NewRegistry(),
		now:       time.Now,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
	}
	if e.cfg.OwnerID == "" {
		e.cfg.OwnerID = "storygate-gate"
	}
	if e.cfg.SignedBy == "" {
		e.cfg.SignedBy = e.cfg.OwnerID
	}
	if e.cfg.LockTimeout <= 0 {
		e.cfg.LockTimeout = 30 * time.Second
	}
	if e.cfg.RetryInterval <= 0 {
		e.cfg.RetryInterval = 100 * time.Millisecond
	}
	if e.cfg.WaitTimeout <= 0 {
		e.cfg.WaitTimeout = 10 * time.Second
	}

	e.preflight.Register("story-lock", e.storyLockCheck)
	for _, opt := range opts {
		opt(e)
	}

	e.handlers = map[Gate]handler{
		Planning: e.planning,
		Dev:      e.dev,
		QA:       e.qa,
	}
	return e, nil
}

// Enforce runs gate g for storyID and merges the result into the ledger.
// storyID may be empty for the planning gate only.
func (e *Enforcer) Enforce(ctx context.Context, g Gate, storyID string) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "gate.enforce")
	defer span.End()
	span.SetAttributes(
		attribute.String("gate.name", string(g)),
		attribute.String("story.id", storyID),
	)

	run, ok := e.handlers[g]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGate, g)
	}
	if storyID != "" && !validStoryID(storyID) {
		return nil, fmt.Errorf("invalid story id %q", storyID)
	}
	if storyID == "" && g != Planning {
		return nil, fmt.Errorf("%s gate requires a story id", g)
	}

	ctx = logging.WithGate(logging.WithStoryID(ctx, storyID), string(g))
	log := logging.Ctx(ctx, e.logger)

	res := &Result{
		Gate:      g,
		StoryID:   storyID,
		Timestamp: e.now().UTC(),
		Checks:    []Check{},
	}

	cause := run(ctx, storyID, res)
	res.Passed = cause == nil
	for _, c := range res.Checks {
		if !c.Passed {
			res.Passed = false
		}
	}
	if !res.Passed && cause == nil {
		cause = errors.New("one or more checks failed")
	}
	if cause != nil {
		res.Error = cause.Error()
	}

	e.metrics.RecordGateResult(string(g), res.Passed)
	span.SetAttributes(attribute.Bool("gate.passed", res.Passed))

	if err := e.record(ctx, res); err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("recording %s gate result: %w", g, err)
	}

	if cause != nil {
		span.SetStatus(codes.Error, "gate failed")
		log.Warn("gate failed", zap.Error(cause))
		return res, fmt.Errorf("%w: %s: %w", ErrGateFailed, g, cause)
	}
	for _, w := range res.Warnings() {
		log.Warn("gate passed with warning",
			zap.String("check", w.Name),
			zap.String("message", w.Message))
	}
	log.Info("gate passed", zap.Int("checks", len(res.Checks)))
	return res, nil
}

// storyLockCheck fails while another owner holds a live lock on the story.
func (e *Enforcer) storyLockCheck(ctx context.Context, in preflight.Input) (preflight.Result, error) {
	l, err := e.locks.Get(ctx, lock.StoryPath(e.cfg.StateDir, in.StoryID))
	switch {
	case errors.Is(err, lock.ErrNotFound), errors.Is(err, lock.ErrInvalidLock):
		return preflight.Result{Passed: true, Message: "story is not locked"}, nil
	case err != nil:
		return preflight.Result{}, err
	}
	if l.OwnerID == e.cfg.OwnerID {
		return preflight.Result{Passed: true, Message: "story locked by this owner"}, nil
	}
	if l.IsStale(e.now()) {
		return preflight.Result{Passed: true, Message: fmt.Sprintf("stale lock held by %s", l.OwnerID)}, nil
	}
	return preflight.Result{
		Passed:  false,
		Message: fmt.Sprintf("story is locked by %s (pid %d)", l.OwnerID, l.HolderProcessID),
	}, nil
}
