package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "file.json")

	require.NoError(t, WriteFileAtomic(path, []byte("one"), FilePerm))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), FilePerm))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestCreateExclusive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lock.json")

	require.NoError(t, CreateExclusive(path, []byte("first"), FilePerm))

	err := CreateExclusive(path, []byte("second"), FilePerm)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExist))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	got, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", got)
	assert.Equal(t, got, HashBytes([]byte("hello")))

	_, err = HashFile(filepath.Join(dir, "missing"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestNormalizePath(t *testing.T) {
	root := t.TempDir()

	a, err := NormalizePath(root, "src/../src/x.go")
	require.NoError(t, err)
	b, err := NormalizePath(root, filepath.Join(root, "src", "x.go"))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	_, err = NormalizePath(root, "")
	assert.Error(t, err)
}

func TestRelPath(t *testing.T) {
	root := t.TempDir()

	rel, err := RelPath(root, filepath.Join(root, "a", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a/b.txt", rel)

	rel, err = RelPath(root, "c.txt")
	require.NoError(t, err)
	assert.Equal(t, "c.txt", rel)

	_, err = RelPath(root, "../outside.txt")
	assert.Error(t, err)
}

func TestSafeName(t *testing.T) {
	assert.True(t, SafeName("STORY-12"))
	assert.False(t, SafeName(""))
	assert.False(t, SafeName(".."))
	assert.False(t, SafeName("a/b"))
}
