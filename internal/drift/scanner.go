package drift

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/storygate/internal/fsutil"
)

// ScannerConfig selects which files count as tracked source.
type ScannerConfig struct {
	// Root is the repository root.
	Root string

	// StateDir is skipped entirely. Relative paths are resolved against Root.
	StateDir string

	// Extensions are tracked file extensions including the dot.
	Extensions []string

	// Include lists exact base names tracked regardless of extension.
	Include []string

	// Ignore holds gitignore-style patterns for paths never tracked.
	Ignore []string
}

// Scanner hashes the tracked files of a repository.
type Scanner struct {
	root       string
	stateRel   string
	extensions map[string]struct{}
	include    map[string]struct{}
	ignore     *Matcher
}

// NewScanner creates a scanner. Ignore files in the root are merged into
// cfg.Ignore.
func NewScanner(cfg ScannerConfig) (*Scanner, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}
	patterns, err := LoadIgnorePatterns(root, cfg.Ignore)
	if err != nil {
		return nil, fmt.Errorf("loading ignore files: %w", err)
	}

	s := &Scanner{
		root:       root,
		extensions: make(map[string]struct{}, len(cfg.Extensions)),
		include:    make(map[string]struct{}, len(cfg.Include)),
		ignore:     NewMatcher(append(patterns, ".git/")),
	}
	for _, ext := range cfg.Extensions {
		s.extensions[strings.ToLower(ext)] = struct{}{}
	}
	for _, name := range cfg.Include {
		s.include[name] = struct{}{}
	}
	if cfg.StateDir != "" {
		state := cfg.StateDir
		if !filepath.IsAbs(state) {
			state = filepath.Join(root, state)
		}
		if rel, err := filepath.Rel(root, state); err == nil && !strings.HasPrefix(rel, "..") {
			s.stateRel = filepath.ToSlash(rel)
		}
	}
	return s, nil
}

// Root returns the absolute repository root.
func (s *Scanner) Root() string {
	return s.root
}

// Tracked reports whether a file at rel would be included in a scan.
func (s *Scanner) Tracked(rel string) bool {
	if s.inStateDir(rel) || s.ignore.Match(rel, false) {
		return false
	}
	base := rel
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		base = rel[i+1:]
	}
	if _, ok := s.include[base]; ok {
		return true
	}
	_, ok := s.extensions[strings.ToLower(filepath.Ext(base))]
	return ok
}

// SkipDir reports whether a directory at rel is excluded from scans.
func (s *Scanner) SkipDir(rel string) bool {
	return s.inStateDir(rel) || s.ignore.Match(rel, true)
}

func (s *Scanner) inStateDir(rel string) bool {
	return s.stateRel != "" && (rel == s.stateRel || strings.HasPrefix(rel, s.stateRel+"/"))
}

// Scan walks the repository and returns tracked path -> sha256.
func (s *Scanner) Scan(ctx context.Context) (map[string]string, error) {
	tree := make(map[string]string)
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if path == s.root {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if s.SkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !s.Tracked(rel) {
			return nil
		}

		h, err := fsutil.HashFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		tree[rel] = h
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", s.root, err)
	}
	return tree, nil
}

// Files returns the sorted tracked paths from a scan.
func (s *Scanner) Files(ctx context.Context) ([]string, error) {
	tree, err := s.Scan(ctx)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(tree))
	for p := range tree {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// Structure lists the tracked top-level directories.
func (s *Scanner) Structure(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.root, err)
	}
	dirs := []string{}
	for _, e := range entries {
		if e.IsDir() && !s.SkipDir(e.Name()) {
			dirs = append(dirs, e.Name())
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}
