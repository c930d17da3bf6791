package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/storygate/internal/gate"
	"github.com/fyrsmithlabs/storygate/internal/lock"
	"github.com/fyrsmithlabs/storygate/internal/plan"
	"github.com/fyrsmithlabs/storygate/internal/rollback"
	"github.com/fyrsmithlabs/storygate/internal/snapshot"
)

// MockGateRunner is a mock implementation of GateRunner
type MockGateRunner struct {
	mock.Mock
}

func (m *MockGateRunner) Enforce(ctx context.Context, g gate.Gate, storyID string) (*gate.Result, error) {
	args := m.Called(ctx, g, storyID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gate.Result), args.Error(1)
}

// MockRollbackRunner is a mock implementation of RollbackRunner
type MockRollbackRunner struct {
	mock.Mock
}

func (m *MockRollbackRunner) Execute(ctx context.Context, storyID string, opts rollback.Options) (*rollback.Log, error) {
	args := m.Called(ctx, storyID, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*rollback.Log), args.Error(1)
}

type staticFiles []string

func (s staticFiles) Files(ctx context.Context) ([]string, error) {
	return s, nil
}

type execEnv struct {
	root      string
	state     string
	artifacts string
	locks     *lock.Manager
	snapshots *snapshot.Manager
	gates     *MockGateRunner
	rollbacks *MockRollbackRunner
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newExecEnv(t *testing.T) *execEnv {
	t.Helper()
	root := t.TempDir()
	state := filepath.Join(root, ".storygate")
	writeFile(t, root, "src/x.js", "x")
	writeFile(t, root, "src/y.js", "y")

	locks, err := lock.NewManager(&lock.Config{
		Root:           root,
		Dir:            filepath.Join(state, "locks"),
		DefaultTimeout: 30 * time.Second,
	}, nil)
	require.NoError(t, err)
	snaps, err := snapshot.NewManager(&snapshot.Config{
		Root: root,
		Dir:  filepath.Join(state, "snapshots"),
	}, nil)
	require.NoError(t, err)

	return &execEnv{
		root:      root,
		state:     state,
		artifacts: filepath.Join(root, "docs", "storygate"),
		locks:     locks,
		snapshots: snaps,
		gates:     new(MockGateRunner),
		rollbacks: new(MockRollbackRunner),
	}
}

func (env *execEnv) executor(t *testing.T, owner string, autoRollback bool) *Executor {
	t.Helper()
	ex, err := New(&Config{
		Root:         env.root,
		StateDir:     env.state,
		ArtifactsDir: env.artifacts,
		OwnerID:      owner,
		LockTimeout:  time.Minute,
		AutoRollback: autoRollback,
		Rollback:     rollback.Options{CleanupArtifacts: true},
	}, env.locks, env.snapshots, staticFiles{"src/x.js", "src/y.js"}, env.gates, env.rollbacks, nil)
	require.NoError(t, err)
	return ex
}

func (env *execEnv) writePlan(t *testing.T, storyID string, paths ...string) {
	t.Helper()
	p := &plan.PatchPlan{StoryID: storyID}
	for _, path := range paths {
		p.Changes = append(p.Changes, plan.Change{Path: path, Action: plan.ActionCreate})
	}
	require.NoError(t, plan.Save(filepath.Join(env.artifacts, "stories", storyID, gate.PatchPlanFile), p))
}

func (env *execEnv) activeLocks(t *testing.T) []*lock.Lock {
	t.Helper()
	status, err := env.locks.Status(context.Background())
	require.NoError(t, err)
	return status.ActiveLocks
}

func TestBegin_LocksAndSnapshots(t *testing.T) {
	env := newExecEnv(t)
	env.writePlan(t, "S-1", "src/new.js")
	ex := env.executor(t, "runner-1", false)

	sess, err := ex.Begin(context.Background(), "S-1", []string{"src/x.js"})
	require.NoError(t, err)
	assert.Equal(t, []string{"src/new.js", "src/x.js"}, sess.Declared)
	assert.Len(t, sess.LockedPaths, 3)
	assert.Len(t, env.activeLocks(t), 3)

	snap, err := env.snapshots.Get(context.Background(), "S-1")
	require.NoError(t, err)
	assert.Equal(t, sess.SnapshotID, snap.SnapshotID)
	assert.ElementsMatch(t, []string{"src/new.js", "src/x.js", "src/y.js"}, snap.Paths())
	_, exists := snap.Hash("src/new.js")
	assert.True(t, snap.Contains("src/new.js"))
	assert.False(t, exists, "a file the story will create is recorded as absent")
	assert.Equal(t, "runner-1", snap.Metadata[snapshot.MetaOwner])

	stored, err := ex.Session("S-1")
	require.NoError(t, err)
	assert.Equal(t, sess.LockedPaths, stored.LockedPaths)
}

func TestBegin_ConflictReleasesPartialLocks(t *testing.T) {
	env := newExecEnv(t)
	_, err := env.locks.Acquire(context.Background(), filepath.Join(env.root, "src", "y.js"), "other", time.Minute)
	require.NoError(t, err)

	ex := env.executor(t, "runner-1", false)
	_, err = ex.Begin(context.Background(), "S-1", []string{"src/x.js", "src/y.js"})
	require.Error(t, err)
	assert.ErrorIs(t, err, lock.ErrConflict)

	active := env.activeLocks(t)
	require.Len(t, active, 1)
	assert.Equal(t, "other", active[0].OwnerID)

	_, err = ex.Session("S-1")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestBegin_StoryAlreadyRunning(t *testing.T) {
	env := newExecEnv(t)
	_, err := env.executor(t, "runner-1", false).Begin(context.Background(), "S-1", nil)
	require.NoError(t, err)

	_, err = env.executor(t, "runner-2", false).Begin(context.Background(), "S-1", nil)
	assert.ErrorIs(t, err, lock.ErrConflict)
	assert.Len(t, env.activeLocks(t), 1)
}

func TestFinish_GatePassesReleasesLocks(t *testing.T) {
	env := newExecEnv(t)
	ex := env.executor(t, "runner-1", true)
	_, err := ex.Begin(context.Background(), "S-1", []string{"src/x.js"})
	require.NoError(t, err)

	result := &gate.Result{Gate: gate.Dev, StoryID: "S-1", Passed: true, Timestamp: time.Now()}
	env.gates.On("Enforce", mock.Anything, gate.Dev, "S-1").Return(result, nil)

	out, err := ex.Finish(context.Background(), "S-1")
	require.NoError(t, err)
	assert.Same(t, result, out.Gate)
	assert.Nil(t, out.Rollback)
	assert.Equal(t, 2, out.Released)
	assert.Empty(t, env.activeLocks(t))

	_, err = ex.Session("S-1")
	assert.ErrorIs(t, err, ErrNoSession)
	env.gates.AssertExpectations(t)
	env.rollbacks.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything)
}

func TestFinish_BlockedGateRollsBack(t *testing.T) {
	env := newExecEnv(t)
	ex := env.executor(t, "runner-1", true)
	_, err := ex.Begin(context.Background(), "S-1", []string{"src/x.js"})
	require.NoError(t, err)

	gateErr := fmt.Errorf("%w: dev: critical drift", gate.ErrGateFailed)
	env.gates.On("Enforce", mock.Anything, gate.Dev, "S-1").
		Return(&gate.Result{Gate: gate.Dev, StoryID: "S-1", Timestamp: time.Now()}, gateErr)
	log := &rollback.Log{RollbackID: "rb-1", StoryID: "S-1", Status: rollback.StatusCompleted}
	env.rollbacks.On("Execute", mock.Anything, "S-1", rollback.Options{
		OwnerID:          "runner-1",
		CleanupArtifacts: true,
		Reason:           "dev gate blocked",
	}).Return(log, nil)

	var phases []Phase
	ex.OnProgress(func(p Progress) { phases = append(phases, p.Phase) })

	out, err := ex.Finish(context.Background(), "S-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, gate.ErrGateFailed)
	assert.Same(t, log, out.Rollback)
	assert.Empty(t, env.activeLocks(t))
	assert.Equal(t, []Phase{PhaseGate, PhaseRollback, PhaseRelease}, phases)
	env.rollbacks.AssertExpectations(t)
}

func TestFinish_NoAutoRollback(t *testing.T) {
	env := newExecEnv(t)
	ex := env.executor(t, "runner-1", false)
	_, err := ex.Begin(context.Background(), "S-1", nil)
	require.NoError(t, err)

	env.gates.On("Enforce", mock.Anything, gate.Dev, "S-1").
		Return(nil, fmt.Errorf("%w: dev", gate.ErrGateFailed))

	out, err := ex.Finish(context.Background(), "S-1")
	assert.ErrorIs(t, err, gate.ErrGateFailed)
	assert.Nil(t, out.Rollback)
	env.rollbacks.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything)
}

func TestFinish_SessionErrors(t *testing.T) {
	env := newExecEnv(t)
	_, err := env.executor(t, "runner-1", false).Finish(context.Background(), "S-1")
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = env.executor(t, "runner-1", false).Begin(context.Background(), "S-1", nil)
	require.NoError(t, err)
	_, err = env.executor(t, "runner-2", false).Finish(context.Background(), "S-1")
	assert.ErrorIs(t, err, ErrSessionOwner)
}

func TestBegin_RejectsBadStoryID(t *testing.T) {
	env := newExecEnv(t)
	_, err := env.executor(t, "runner-1", false).Begin(context.Background(), "../escape", nil)
	assert.Error(t, err)
}

func TestFinish_RollbackLeavesOtherStoriesFiles(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	orch, err := rollback.NewOrchestrator(&rollback.Config{
		Root:     env.root,
		Dir:      filepath.Join(env.state, "rollback"),
		StateDir: env.state,
	}, env.locks, env.snapshots, nil)
	require.NoError(t, err)

	exA := env.executor(t, "runner-a", false)
	exB, err := New(&Config{
		Root:         env.root,
		StateDir:     env.state,
		OwnerID:      "runner-b",
		LockTimeout:  time.Minute,
		AutoRollback: true,
	}, env.locks, env.snapshots, staticFiles{"src/x.js", "src/y.js"}, env.gates, orch, nil)
	require.NoError(t, err)

	_, err = exA.Begin(ctx, "STORY-A", []string{"src/x.js"})
	require.NoError(t, err)
	_, err = exB.Begin(ctx, "STORY-B", []string{"src/y.js"})
	require.NoError(t, err)

	snapB, err := env.snapshots.Get(ctx, "STORY-B")
	require.NoError(t, err)
	assert.Equal(t, []string{"src/y.js"}, snapB.Declared())

	writeFile(t, env.root, "src/x.js", "x from A")
	writeFile(t, env.root, "src/y.js", "y from B")

	env.gates.On("Enforce", mock.Anything, gate.Dev, "STORY-B").
		Return(&gate.Result{Gate: gate.Dev, StoryID: "STORY-B", Timestamp: time.Now()},
			fmt.Errorf("%w: dev: drift", gate.ErrGateFailed))

	out, err := exB.Finish(ctx, "STORY-B")
	require.Error(t, err)
	assert.ErrorIs(t, err, gate.ErrGateFailed)
	assert.ErrorIs(t, err, rollback.ErrPartial)

	require.NotNil(t, out.Rollback)
	assert.Equal(t, rollback.StatusPartial, out.Rollback.Status)
	assert.Equal(t, []string{"src/y.js"}, out.Rollback.RestoredFiles)
	require.Len(t, out.Rollback.FailedFiles, 1)
	assert.Equal(t, "src/x.js", out.Rollback.FailedFiles[0].Path)
	assert.Contains(t, out.Rollback.FailedFiles[0].Error, "runner-a")

	x, err := os.ReadFile(filepath.Join(env.root, "src", "x.js"))
	require.NoError(t, err)
	assert.Equal(t, "x from A", string(x))
	y, err := os.ReadFile(filepath.Join(env.root, "src", "y.js"))
	require.NoError(t, err)
	assert.Equal(t, "y", string(y))

	active := env.activeLocks(t)
	require.Len(t, active, 2)
	for _, l := range active {
		assert.Equal(t, "runner-a", l.OwnerID)
	}
}
