// Package vcs provides best-effort git inspection and reset for storygate.
//
// Every caller treats git as optional: a checkout that is not a repository
// yields ErrNotGitRepo and the caller carries on without VCS metadata.
package vcs

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

var (
	// ErrNotGitRepo indicates the directory is not inside a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrNoCommits indicates the repository has no HEAD commit yet.
	ErrNoCommits = errors.New("repository has no commits")
)

// Info describes the checked-out HEAD.
type Info struct {
	Commit   string `json:"commit"`
	Branch   string `json:"branch,omitempty"`
	Detached bool   `json:"detached"`
	// Dirty counts worktree paths with uncommitted changes.
	Dirty int `json:"dirty"`
}

// Repo wraps an opened repository.
type Repo struct {
	repo *git.Repository
	path string
}

// Open opens the repository containing path, searching parent directories.
func Open(path string) (*Repo, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotGitRepo, path)
		}
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	return &Repo{repo: repo, path: path}, nil
}

// Head returns the current commit and branch.
func (r *Repo) Head() (*Info, error) {
	head, err := r.repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, ErrNoCommits
		}
		return nil, fmt.Errorf("resolving HEAD: %w", err)
	}

	info := &Info{Commit: head.Hash().String()}
	if head.Name().IsBranch() {
		info.Branch = head.Name().Short()
	} else {
		info.Detached = true
	}
	return info, nil
}

// DirtyFiles returns worktree paths whose status is not unmodified.
func (r *Repo) DirtyFiles() ([]string, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}

	files := make([]string, 0, len(status))
	for path, s := range status {
		if s.Worktree != git.Unmodified || s.Staging != git.Unmodified {
			files = append(files, path)
		}
	}
	sort.Strings(files)
	return files, nil
}

// ResetMixed moves HEAD and the index to commit, leaving the worktree alone.
// File contents are restored separately from snapshots.
func (r *Repo) ResetMixed(commit string) error {
	if !plumbing.IsHash(commit) {
		return fmt.Errorf("invalid commit hash %q", commit)
	}
	hash := plumbing.NewHash(commit)
	if _, err := r.repo.CommitObject(hash); err != nil {
		return fmt.Errorf("resolving commit %s: %w", commit, err)
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Commit: hash, Mode: git.MixedReset}); err != nil {
		return fmt.Errorf("resetting to %s: %w", commit, err)
	}
	return nil
}

// Inspect returns HEAD information for the repository containing path,
// including the number of dirty worktree paths.
func Inspect(path string) (*Info, error) {
	r, err := Open(path)
	if err != nil {
		return nil, err
	}
	info, err := r.Head()
	if err != nil {
		return nil, err
	}
	dirty, err := r.DirtyFiles()
	if err != nil {
		return nil, err
	}
	info.Dirty = len(dirty)
	return info, nil
}
