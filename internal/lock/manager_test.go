package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T) (*Manager, *fakeClock, string) {
	t.Helper()
	root := t.TempDir()
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	m, err := NewManager(&Config{
		Root: root,
		Dir:  filepath.Join(root, ".storygate", "locks"),
	}, nil, WithClock(clock.Now))
	require.NoError(t, err)
	return m, clock, root
}

func TestNewManager_RequiresDir(t *testing.T) {
	_, err := NewManager(&Config{}, nil)
	assert.Error(t, err)
	_, err = NewManager(nil, nil)
	assert.Error(t, err)
}

func TestAcquire_IdempotentForSameOwner(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.Acquire(ctx, "src/app.js", "agent-a", time.Minute)
	require.NoError(t, err)

	second, err := m.Acquire(ctx, "src/app.js", "agent-a", time.Minute)
	require.NoError(t, err)

	assert.Equal(t, first.LockID, second.LockID)
	assert.Equal(t, "agent-a", second.OwnerID)
	assert.Equal(t, os.Getpid(), second.HolderProcessID)
}

func TestAcquire_ConflictForOtherOwner(t *testing.T) {
	m, _, root := newTestManager(t)
	ctx := context.Background()

	held, err := m.Acquire(ctx, "src/app.js", "agent-a", time.Minute)
	require.NoError(t, err)

	// Same file through an absolute path hashes to the same descriptor.
	_, err = m.Acquire(ctx, filepath.Join(root, "src", "app.js"), "agent-b", time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))

	var conflict *ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "agent-a", conflict.HolderID)
	assert.Equal(t, held.LockID, conflict.LockID)
	assert.Contains(t, err.Error(), "agent-a")

	// No state change.
	current, err := m.Get(ctx, "src/app.js")
	require.NoError(t, err)
	assert.Equal(t, held.LockID, current.LockID)

	released, err := m.Release(ctx, "src/app.js", "agent-a")
	require.NoError(t, err)
	assert.True(t, released)

	taken, err := m.Acquire(ctx, "src/app.js", "agent-b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "agent-b", taken.OwnerID)
}

func TestAcquire_EvictsStaleLock(t *testing.T) {
	m, clock, _ := newTestManager(t)
	ctx := context.Background()

	stale, err := m.Acquire(ctx, "a.txt", "agent-a", 1000*time.Millisecond)
	require.NoError(t, err)

	clock.Advance(1500 * time.Millisecond)

	fresh, err := m.Acquire(ctx, "a.txt", "agent-b", 0)
	require.NoError(t, err)
	assert.Equal(t, "agent-b", fresh.OwnerID)
	assert.NotEqual(t, stale.LockID, fresh.LockID)
	assert.Equal(t, DefaultTimeout.Milliseconds(), fresh.TimeoutMs)

	_, err = m.Release(ctx, "a.txt", "agent-a")
	assert.True(t, errors.Is(err, ErrNotOwner))
}

func TestAcquire_NotStaleAtExactLease(t *testing.T) {
	m, clock, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "a.txt", "agent-a", time.Second)
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = m.Acquire(ctx, "a.txt", "agent-b", time.Second)
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestAcquire_CorruptDescriptorIsReplaced(t *testing.T) {
	m, _, root := newTestManager(t)
	ctx := context.Background()

	abs := filepath.Join(root, "a.txt")
	require.NoError(t, os.MkdirAll(m.dir, 0o755))
	require.NoError(t, os.WriteFile(m.descriptorPath(abs), []byte("{not json"), 0o644))

	l, err := m.Acquire(ctx, "a.txt", "agent-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", l.OwnerID)
}

func TestAcquire_RequiresOwner(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Acquire(context.Background(), "a.txt", "", time.Minute)
	assert.Error(t, err)
}

func TestRelease(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Release(ctx, "missing.txt", "agent-a")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = m.Acquire(ctx, "a.txt", "agent-a", time.Minute)
	require.NoError(t, err)

	ok, err := m.Release(ctx, "a.txt", "agent-b")
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrNotOwner))

	ok, err = m.Release(ctx, "a.txt", "agent-a")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.Get(ctx, "a.txt")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStatus_RemovesStale(t *testing.T) {
	m, clock, _ := newTestManager(t)
	ctx := context.Background()

	status, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, status.ActiveLocks)

	_, err = m.Acquire(ctx, "short.txt", "agent-a", time.Second)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "long.txt", "agent-a", time.Hour)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)

	status, err = m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status.ActiveLocks, 1)
	assert.Equal(t, 1, status.StaleCount)
	assert.Contains(t, status.ActiveLocks[0].FilePath, "long.txt")

	status, err = m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.StaleCount)
}

func TestCleanup(t *testing.T) {
	m, clock, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "a.txt", "agent-a", time.Hour)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "b.txt", "agent-b", time.Hour)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "c.txt", "agent-c", time.Second)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)

	removed, err := m.Cleanup(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	status, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status.ActiveLocks, 1)
	assert.Equal(t, "agent-b", status.ActiveLocks[0].OwnerID)
}

func TestAcquire_ConcurrentSingleWinner(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			if _, err := m.Acquire(ctx, "shared.txt", owner, time.Minute); err == nil {
				mu.Lock()
				winners = append(winners, owner)
				mu.Unlock()
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()

	assert.Len(t, winners, 1)
}

func TestLock_Validate(t *testing.T) {
	valid := Lock{LockID: "id", OwnerID: "o", FilePath: "/p", AcquiredAt: 1, TimeoutMs: 1}
	assert.NoError(t, valid.Validate())

	missing := valid
	missing.OwnerID = ""
	assert.True(t, errors.Is(missing.Validate(), ErrInvalidLock))
}

type scriptedAcquirer struct {
	failures int
	calls    int
}

func (s *scriptedAcquirer) Acquire(ctx context.Context, path, ownerID string, timeout time.Duration) (*Lock, error) {
	s.calls++
	if s.calls <= s.failures {
		return nil, &ConflictError{Path: path, HolderID: "other"}
	}
	return &Lock{LockID: "won", OwnerID: ownerID, FilePath: path}, nil
}

func TestAcquireWithRetry(t *testing.T) {
	ctx := context.Background()

	a := &scriptedAcquirer{failures: 2}
	l, err := AcquireWithRetry(ctx, a, "p", "me", time.Minute, time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "won", l.LockID)
	assert.Equal(t, 3, a.calls)

	never := &scriptedAcquirer{failures: 1 << 30}
	_, err = AcquireWithRetry(ctx, never, "p", "me", time.Minute, 5*time.Millisecond, 30*time.Millisecond)
	assert.True(t, errors.Is(err, ErrConflict))

	single := &scriptedAcquirer{failures: 1}
	_, err = AcquireWithRetry(ctx, single, "p", "me", time.Minute, time.Millisecond, 0)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, 1, single.calls)
}
