package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RunsInNameOrder(t *testing.T) {
	r := NewRegistry()
	var order []string
	for _, name := range []string{"zeta", "alpha", "mid"} {
		name := name
		r.Register(name, func(ctx context.Context, in Input) (Result, error) {
			order = append(order, name)
			return Result{Passed: true}, nil
		})
	}

	results, err := r.Run(context.Background(), Input{})
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, order)
	assert.Equal(t, "alpha", results[0].Name)
	assert.True(t, Passed(results))
}

func TestRegistry_ErrorFailsCheckButContinues(t *testing.T) {
	r := NewRegistry()
	r.Register("broken", func(ctx context.Context, in Input) (Result, error) {
		return Result{}, errors.New("boom")
	})
	r.Register("fine", func(ctx context.Context, in Input) (Result, error) {
		return Result{Passed: true}, nil
	})

	results, err := r.Run(context.Background(), Input{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "preflight broken")
	require.Len(t, results, 2)
	assert.False(t, results[0].Passed)
	assert.Equal(t, "boom", results[0].Message)
	assert.True(t, results[1].Passed)
	assert.False(t, Passed(results))
}

func fakeDetector(needle string) DetectFunc {
	return func(content string) ([]Finding, error) {
		var out []Finding
		for i, line := range strings.Split(content, "\n") {
			if strings.Contains(line, needle) {
				out = append(out, Finding{RuleID: "fake", Line: i + 1, Preview: preview(needle)})
			}
		}
		return out, nil
	}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestSecretScan_ReportsFindings(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/config.go", "package src\nconst key = \"SECRETVALUE\"\n")
	writeFile(t, root, "src/clean.go", "package src\n")

	check := SecretScan(fakeDetector("SECRETVALUE"), nil)
	res, err := check(context.Background(), Input{
		Root:  root,
		Files: []string{"src/config.go", "src/clean.go", "src/missing.go"},
	})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	require.Len(t, res.Details, 1)
	assert.Contains(t, res.Details[0], "src/config.go:2")
	assert.NotContains(t, res.Details[0], "SECRETVALUE")
}

func TestSecretScan_PathAllowlist(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "testdata/fixture.txt", "SECRETVALUE\n")

	allow := &Allowlist{Paths: []string{`^testdata/`}}
	check := SecretScan(fakeDetector("SECRETVALUE"), allow)
	res, err := check(context.Background(), Input{Root: root, Files: []string{"testdata/fixture.txt"}})
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestSecretScan_GitleaksCleanContent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "main.go", "package main\n\nfunc main() {}\n")

	check := SecretScan(GitleaksDetector(nil), nil)
	res, err := check(context.Background(), Input{Root: root, Files: []string{"main.go"}})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, "no secrets in 1 files", res.Message)
}

func TestLoadAllowlists(t *testing.T) {
	project := t.TempDir()
	writeFile(t, project, ".gitleaks.toml", "[allowlist]\npaths = ['''^vendor/''']\nregexes = ['''EXAMPLE''']\n")
	user := filepath.Join(t.TempDir(), "user.toml")
	require.NoError(t, os.WriteFile(user, []byte("[allowlist]\npaths = ['''\\.md$''']\n"), 0o644))

	al, err := LoadAllowlists(project, user)
	require.NoError(t, err)
	assert.Equal(t, []string{`^vendor/`, `\.md$`}, al.Paths)
	assert.Equal(t, []string{"EXAMPLE"}, al.Regexes)
	assert.True(t, al.AllowsPath("vendor/lib.go"))
	assert.True(t, al.AllowsPath("README.md"))
	assert.False(t, al.AllowsPath("src/main.go"))
}

func TestLoadAllowlists_MissingFilesIgnored(t *testing.T) {
	al, err := LoadAllowlists(t.TempDir(), filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Empty(t, al.Paths)
}

func TestLoadAllowlists_Invalid(t *testing.T) {
	project := t.TempDir()
	writeFile(t, project, ".gitleaks.toml", "[allowlist\n")
	_, err := LoadAllowlists(project, "")
	assert.ErrorIs(t, err, ErrInvalidTOML)

	writeFile(t, project, ".gitleaks.toml", "[allowlist]\npaths = ['''([''']\n")
	_, err = LoadAllowlists(project, "")
	assert.ErrorIs(t, err, ErrInvalidRegex)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "***", preview("abc"))
	assert.Equal(t, "abcd****", preview("abcdefghij"))
}
