package drift

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func testScannerConfig(root string) ScannerConfig {
	return ScannerConfig{
		Root:       root,
		StateDir:   ".storygate",
		Extensions: []string{".js", ".go", ".json"},
		Include:    []string{"Makefile", "go.mod"},
		Ignore:     []string{"node_modules/", "dist/"},
	}
}

func TestScanner_Scan(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/app.js", "app")
	writeFile(t, root, "src/readme.txt", "ignored extension")
	writeFile(t, root, "Makefile", "all:")
	writeFile(t, root, "go.mod", "module x")
	writeFile(t, root, "node_modules/dep/index.js", "dep")
	writeFile(t, root, "dist/bundle.js", "bundle")
	writeFile(t, root, ".storygate/locks/x.json", "{}")
	writeFile(t, root, "gen/skip.go", "package gen")
	writeFile(t, root, ".gitignore", "# generated\ngen/\n")

	s, err := NewScanner(testScannerConfig(root))
	require.NoError(t, err)

	tree, err := s.Scan(context.Background())
	require.NoError(t, err)

	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, []string{"src/app.js", "Makefile", "go.mod"}, keys)

	files, err := s.Files(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Makefile", "go.mod", "src/app.js"}, files)
}

func TestScanner_Structure(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.js", "a")
	writeFile(t, root, "lib/b.js", "b")
	writeFile(t, root, "node_modules/x/y.js", "y")
	writeFile(t, root, ".storygate/state.json", "{}")
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))

	s, err := NewScanner(testScannerConfig(root))
	require.NoError(t, err)

	dirs, err := s.Structure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"lib", "src"}, dirs)
}

func TestMatcher(t *testing.T) {
	m := NewMatcher([]string{"/package.json", "/go.mod", "**/*.lock", "/.github/", ".env", ".env.*", "# comment", ""})

	assert.True(t, m.Match("package.json", false))
	assert.False(t, m.Match("web/package.json", false), "anchored pattern only matches at root")
	assert.True(t, m.Match("go.mod", false))
	assert.True(t, m.Match("web/yarn.lock", false))
	assert.True(t, m.Match(".github/workflows/ci.yml", false))
	assert.True(t, m.Match("config/.env", false))
	assert.True(t, m.Match(".env.local", false))
	assert.False(t, m.Match("src/environment.js", false), "no substring matching")
	assert.False(t, m.Match("", false))

	var nilMatcher *Matcher
	assert.False(t, nilMatcher.Match("go.mod", false))
}

func TestLoadIgnorePatterns(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".gitignore", "dist/\n\n# c\n*.log\n")
	writeFile(t, root, ".storygateignore", "fixtures/\ndist/\n")

	patterns, err := LoadIgnorePatterns(root, []string{"vendor/"})
	require.NoError(t, err)
	assert.Equal(t, []string{"vendor/", "dist/", "*.log", "fixtures/"}, patterns)
}
