package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	root string
	now  time.Time
	mgr  *Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		root: t.TempDir(),
		now:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	mgr, err := NewManager(&Config{
		Root: env.root,
		Dir:  filepath.Join(env.root, ".storygate", "snapshots"),
	}, nil, WithClock(func() time.Time { return env.now }))
	require.NoError(t, err)
	env.mgr = mgr
	return env
}

func (e *testEnv) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(e.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestCreate_RecordsNullForAbsentFiles(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.write(t, "src/a.js", "alpha")

	snap, err := env.mgr.Create(ctx, "S-1", []string{"src/a.js", "src/new.js"}, map[string]string{MetaGitCommit: "abc123"})
	require.NoError(t, err)

	require.Contains(t, snap.Files, "src/new.js")
	assert.Nil(t, snap.Files["src/new.js"])
	require.Contains(t, snap.Hashes, "src/new.js")
	assert.Nil(t, snap.Hashes["src/new.js"])

	require.NotNil(t, snap.Files["src/a.js"])
	assert.Equal(t, int64(5), snap.Files["src/a.js"].Size)
	assert.Equal(t, []string{"src"}, snap.Structure)
	assert.Equal(t, "abc123", snap.Metadata[MetaGitCommit])

	loaded, err := env.mgr.Get(ctx, "S-1")
	require.NoError(t, err)
	assert.Equal(t, snap.SnapshotID, loaded.SnapshotID)
	assert.Nil(t, loaded.Hashes["src/new.js"])
	assert.True(t, loaded.Contains("src/new.js"))
}

func TestCompare_RoundTripUnchanged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.write(t, "f1.txt", "one")
	env.write(t, "f2.txt", "two")

	_, err := env.mgr.Create(ctx, "S-1", []string{"f1.txt", "f2.txt"}, nil)
	require.NoError(t, err)

	cmp, err := env.mgr.Compare(ctx, "S-1", []string{"f1.txt", "f2.txt"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"f1.txt", "f2.txt"}, cmp.Unchanged)
	assert.Empty(t, cmp.Changed())
}

func TestCompare_Classification(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.write(t, "a.txt", "original")
	env.write(t, "mod.txt", "before")
	env.write(t, "same.txt", "same")

	_, err := env.mgr.Create(ctx, "S-1", []string{"a.txt", "mod.txt", "same.txt", "later.txt"}, nil)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(env.root, "a.txt")))
	env.write(t, "mod.txt", "after")
	env.write(t, "later.txt", "created")

	cmp, err := env.mgr.Compare(ctx, "S-1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, cmp.Deleted)
	assert.Equal(t, []string{"mod.txt"}, cmp.Modified)
	assert.Equal(t, []string{"later.txt"}, cmp.New)
	assert.Equal(t, []string{"same.txt"}, cmp.Unchanged)
	assert.Equal(t, []string{"a.txt", "later.txt", "mod.txt"}, cmp.Changed())
}

func TestGet_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.mgr.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = env.mgr.Compare(context.Background(), "nope", nil)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCreate_RejectsBadStoryID(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"", "../x", "content", "S-1.previous"} {
		_, err := env.mgr.Create(context.Background(), id, nil, nil)
		assert.Error(t, err, id)
	}
}

func TestCreate_RotatesSingleGeneration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.write(t, "a.txt", "v1")

	first, err := env.mgr.Create(ctx, "S-1", []string{"a.txt"}, nil)
	require.NoError(t, err)

	_, err = env.mgr.GetPrevious(ctx, "S-1")
	assert.True(t, errors.Is(err, ErrNotFound))

	env.write(t, "a.txt", "v2")
	second, err := env.mgr.Create(ctx, "S-1", []string{"a.txt"}, nil)
	require.NoError(t, err)

	env.write(t, "a.txt", "v3")
	third, err := env.mgr.Create(ctx, "S-1", []string{"a.txt"}, nil)
	require.NoError(t, err)

	current, err := env.mgr.Get(ctx, "S-1")
	require.NoError(t, err)
	assert.Equal(t, third.SnapshotID, current.SnapshotID)

	prev, err := env.mgr.GetPrevious(ctx, "S-1")
	require.NoError(t, err)
	assert.Equal(t, second.SnapshotID, prev.SnapshotID)
	assert.NotEqual(t, first.SnapshotID, prev.SnapshotID)

	diff := Diff(prev, current)
	assert.Equal(t, []string{"a.txt"}, diff.Modified)
}

func TestCreate_FailedWriteKeepsCurrent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.write(t, "a.txt", "v1")

	first, err := env.mgr.Create(ctx, "S-1", []string{"a.txt"}, nil)
	require.NoError(t, err)

	orig := writeManifest
	writeManifest = func(string, any) error { return errors.New("disk full") }
	t.Cleanup(func() { writeManifest = orig })

	env.write(t, "a.txt", "v2")
	_, err = env.mgr.Create(ctx, "S-1", []string{"a.txt"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	current, err := env.mgr.Get(ctx, "S-1")
	require.NoError(t, err)
	assert.Equal(t, first.SnapshotID, current.SnapshotID)

	_, err = env.mgr.GetPrevious(ctx, "S-1")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoDirExists(t, env.mgr.storyDir("S-1")+stagingSuffix)

	writeManifest = orig
	second, err := env.mgr.Create(ctx, "S-1", []string{"a.txt"}, nil)
	require.NoError(t, err)
	prev, err := env.mgr.GetPrevious(ctx, "S-1")
	require.NoError(t, err)
	assert.Equal(t, first.SnapshotID, prev.SnapshotID)

	ids, err := env.mgr.stories()
	require.NoError(t, err)
	assert.Equal(t, []string{"S-1"}, ids)
	assert.NotEqual(t, first.SnapshotID, second.SnapshotID)
}

func TestSnapshot_Declared(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.write(t, "a.txt", "a")
	env.write(t, "b.txt", "b")

	snap, err := env.mgr.Create(ctx, "S-1", []string{"a.txt", "b.txt"},
		map[string]string{MetaDeclared: EncodeDeclared([]string{"b.txt", "a.txt", "b.txt"})})
	require.NoError(t, err)
	assert.Equal(t, "a.txt\nb.txt", snap.Metadata[MetaDeclared])
	assert.Equal(t, []string{"a.txt", "b.txt"}, snap.Declared())
	assert.True(t, snap.IsDeclared("a.txt"))

	plain, err := env.mgr.Create(ctx, "S-2", []string{"a.txt"}, nil)
	require.NoError(t, err)
	assert.Empty(t, plain.Declared())
	assert.False(t, plain.IsDeclared("a.txt"))
}

func TestReadContent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.write(t, "a.txt", "payload")

	snap, err := env.mgr.Create(ctx, "S-1", []string{"a.txt", "gone.txt"}, nil)
	require.NoError(t, err)

	data, err := env.mgr.ReadContent(snap, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	_, err = env.mgr.ReadContent(snap, "gone.txt")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, os.WriteFile(env.mgr.contentPath(snap.Files["a.txt"].ContentRef), []byte("tampered"), 0o644))
	_, err = env.mgr.ReadContent(snap, "a.txt")
	assert.True(t, errors.Is(err, ErrContentMismatch))
}

func TestCreate_DeduplicatesContent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.write(t, "a.txt", "same")
	env.write(t, "b.txt", "same")

	_, err := env.mgr.Create(ctx, "S-1", []string{"a.txt"}, nil)
	require.NoError(t, err)
	_, err = env.mgr.Create(ctx, "S-2", []string{"b.txt"}, nil)
	require.NoError(t, err)

	blobs, err := os.ReadDir(filepath.Join(env.mgr.dir, contentDirName))
	require.NoError(t, err)
	assert.Len(t, blobs, 1)
}

func TestList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.write(t, "a.txt", "x")

	_, err := env.mgr.Create(ctx, "S-2", []string{"a.txt"}, nil)
	require.NoError(t, err)
	_, err = env.mgr.Create(ctx, "S-1", []string{"a.txt"}, nil)
	require.NoError(t, err)
	_, err = env.mgr.Create(ctx, "S-1", []string{"a.txt"}, nil)
	require.NoError(t, err)

	list, err := env.mgr.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "S-1", list[0].StoryID)
	assert.True(t, list[0].HasPrevious)
	assert.False(t, list[1].HasPrevious)
}

func TestCleanup_RetentionWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.write(t, "old.txt", "old")
	env.write(t, "new.txt", "new")

	_, err := env.mgr.Create(ctx, "OLD", []string{"old.txt"}, nil)
	require.NoError(t, err)

	env.now = env.now.Add(10 * 24 * time.Hour)
	_, err = env.mgr.Create(ctx, "NEW", []string{"new.txt"}, nil)
	require.NoError(t, err)

	res, err := env.mgr.Cleanup(ctx, "NEW", 7)
	require.NoError(t, err)
	assert.Empty(t, res.RemovedStories)

	res, err = env.mgr.Cleanup(ctx, "", 7)
	require.NoError(t, err)
	assert.Equal(t, []string{"OLD"}, res.RemovedStories)
	assert.Equal(t, 1, res.RemovedContent)

	_, err = env.mgr.Get(ctx, "OLD")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = env.mgr.Get(ctx, "NEW")
	assert.NoError(t, err)
}

func TestSnapshot_Validate(t *testing.T) {
	h := "abc"
	valid := &Snapshot{
		StoryID:    "S",
		SnapshotID: "id",
		Files:      map[string]*FileEntry{"a": {ContentRef: "abc"}, "b": nil},
		Hashes:     map[string]*string{"a": &h, "b": nil},
	}
	assert.NoError(t, valid.Validate())

	broken := *valid
	broken.Hashes = map[string]*string{"a": nil, "b": nil}
	assert.True(t, errors.Is(broken.Validate(), ErrInvalidSnapshot))
}
