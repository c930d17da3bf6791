package snapshot

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates no snapshot exists for the story.
	ErrNotFound = errors.New("snapshot not found")

	// ErrInvalidSnapshot indicates a manifest failed validation.
	ErrInvalidSnapshot = errors.New("invalid snapshot")

	// ErrContentMismatch indicates stored content no longer matches its hash.
	ErrContentMismatch = errors.New("snapshot content does not match recorded hash")
)

// Metadata keys recorded by storygate itself.
const (
	MetaGitCommit = "gitCommit"
	MetaGitBranch = "gitBranch"
	MetaGitDirty  = "gitDirty"
	MetaOwner     = "owner"
	MetaReason    = "reason"

	// MetaDeclared lists the paths the story declared it would change,
	// newline separated. Other captured paths are context only.
	MetaDeclared = "declared"
)

// FileEntry describes a captured file. A nil *FileEntry in Snapshot.Files
// records that the path did not exist at capture time.
type FileEntry struct {
	ContentRef   string `json:"contentRef"`
	Size         int64  `json:"size"`
	LastModified int64  `json:"lastModified"` // epoch milliseconds
}

// Snapshot is an immutable point-in-time record of a story's file set.
//
// Paths are relative to the repository root with forward slashes.
type Snapshot struct {
	StoryID    string                `json:"storyId"`
	SnapshotID string                `json:"snapshotId"`
	Timestamp  time.Time             `json:"timestamp"`
	Metadata   map[string]string     `json:"metadata"`
	Files      map[string]*FileEntry `json:"files"`
	Hashes     map[string]*string    `json:"hashes"`
	Structure  []string              `json:"structure"`
}

// Validate checks identifiers and that Files and Hashes agree on every path.
func (s *Snapshot) Validate() error {
	if s.StoryID == "" {
		return fmt.Errorf("%w: storyId is required", ErrInvalidSnapshot)
	}
	if s.SnapshotID == "" {
		return fmt.Errorf("%w: snapshotId is required", ErrInvalidSnapshot)
	}
	if len(s.Files) != len(s.Hashes) {
		return fmt.Errorf("%w: files and hashes differ in size", ErrInvalidSnapshot)
	}
	for p, entry := range s.Files {
		h, ok := s.Hashes[p]
		if !ok {
			return fmt.Errorf("%w: %s has no hash entry", ErrInvalidSnapshot, p)
		}
		if (entry == nil) != (h == nil) {
			return fmt.Errorf("%w: %s file and hash disagree on existence", ErrInvalidSnapshot, p)
		}
		if entry != nil && entry.ContentRef != *h {
			return fmt.Errorf("%w: %s content ref does not match hash", ErrInvalidSnapshot, p)
		}
	}
	return nil
}

// Paths returns the captured paths in sorted order.
func (s *Snapshot) Paths() []string {
	paths := make([]string, 0, len(s.Hashes))
	for p := range s.Hashes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Hash returns the recorded hash for path and whether the file existed.
// Paths not in the snapshot report as absent.
func (s *Snapshot) Hash(path string) (string, bool) {
	h := s.Hashes[path]
	if h == nil {
		return "", false
	}
	return *h, true
}

// Contains reports whether path was captured, existing or not.
func (s *Snapshot) Contains(path string) bool {
	_, ok := s.Hashes[path]
	return ok
}

// Declared returns the paths recorded under MetaDeclared, sorted.
func (s *Snapshot) Declared() []string {
	raw := s.Metadata[MetaDeclared]
	if raw == "" {
		return []string{}
	}
	return strings.Split(raw, "\n")
}

// IsDeclared reports whether path is in the declared set.
func (s *Snapshot) IsDeclared(path string) bool {
	for _, p := range s.Declared() {
		if p == path {
			return true
		}
	}
	return false
}

// EncodeDeclared formats paths for the MetaDeclared metadata value.
func EncodeDeclared(paths []string) string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok || p == "" {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return strings.Join(out, "\n")
}

// Summary is a short listing entry for a story's current snapshot.
type Summary struct {
	StoryID     string    `json:"storyId"`
	SnapshotID  string    `json:"snapshotId"`
	Timestamp   time.Time `json:"timestamp"`
	FileCount   int       `json:"fileCount"`
	HasPrevious bool      `json:"hasPrevious"`
}

// Comparison buckets paths by how they changed since capture.
type Comparison struct {
	Modified  []string `json:"modified"`
	Unchanged []string `json:"unchanged"`
	New       []string `json:"new"`
	Deleted   []string `json:"deleted"`
}

// Changed returns every path that is not unchanged.
func (c *Comparison) Changed() []string {
	out := make([]string, 0, len(c.Modified)+len(c.New)+len(c.Deleted))
	out = append(out, c.Modified...)
	out = append(out, c.New...)
	out = append(out, c.Deleted...)
	sort.Strings(out)
	return out
}

// CleanupResult reports what Cleanup removed.
type CleanupResult struct {
	RemovedStories []string `json:"removedStories"`
	RemovedContent int      `json:"removedContent"`
}

// classify places one path into the comparison given its old and new hash.
func (c *Comparison) classify(path string, old, current *string) {
	switch {
	case old == nil && current == nil:
		c.Unchanged = append(c.Unchanged, path)
	case old == nil:
		c.New = append(c.New, path)
	case current == nil:
		c.Deleted = append(c.Deleted, path)
	case *old != *current:
		c.Modified = append(c.Modified, path)
	default:
		c.Unchanged = append(c.Unchanged, path)
	}
}

// Diff compares two snapshots of the same story over the union of their paths.
func Diff(older, newer *Snapshot) *Comparison {
	seen := make(map[string]struct{})
	var paths []string
	for _, s := range []*Snapshot{older, newer} {
		for p := range s.Hashes {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				paths = append(paths, p)
			}
		}
	}
	sort.Strings(paths)

	c := newComparison()
	for _, p := range paths {
		c.classify(p, older.Hashes[p], newer.Hashes[p])
	}
	return c
}

func newComparison() *Comparison {
	return &Comparison{
		Modified:  []string{},
		Unchanged: []string{},
		New:       []string{},
		Deleted:   []string{},
	}
}
