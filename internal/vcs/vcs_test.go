package vcs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commitFile(t *testing.T, repo *git.Repository, dir, name, content string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)
	hash, err := wt.Commit("update "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

func TestOpen_NotARepo(t *testing.T) {
	_, err := Open(t.TempDir())
	assert.True(t, errors.Is(err, ErrNotGitRepo))

	_, err = Inspect(t.TempDir())
	assert.True(t, errors.Is(err, ErrNotGitRepo))
}

func TestHead_EmptyRepo(t *testing.T) {
	dir := t.TempDir()
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	r, err := Open(dir)
	require.NoError(t, err)
	_, err = r.Head()
	assert.True(t, errors.Is(err, ErrNoCommits))
}

func TestHeadAndDirtyFiles(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	commit := commitFile(t, repo, dir, "a.txt", "one")

	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	info, err := Inspect(sub)
	require.NoError(t, err)
	assert.Equal(t, commit, info.Commit)
	assert.NotEmpty(t, info.Branch)
	assert.False(t, info.Detached)
	assert.Zero(t, info.Dirty)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("two"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("new"), 0o644))

	r, err := Open(dir)
	require.NoError(t, err)
	dirty, err := r.DirtyFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, dirty)

	info, err = Inspect(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Dirty)
}

func TestResetMixed(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	first := commitFile(t, repo, dir, "a.txt", "one")
	second := commitFile(t, repo, dir, "a.txt", "two")
	require.NotEqual(t, first, second)

	r, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, r.ResetMixed(first))

	info, err := r.Head()
	require.NoError(t, err)
	assert.Equal(t, first, info.Commit)

	// Mixed reset leaves file contents untouched.
	data, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	assert.Error(t, r.ResetMixed("not-a-hash"))
	assert.Error(t, r.ResetMixed("0123456789012345678901234567890123456789"))
}
