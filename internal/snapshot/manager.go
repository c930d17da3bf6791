// Package snapshot captures content-addressed, per-story baselines of a file
// set so that drift can be measured and changes rolled back.
//
// Layout under the snapshot directory:
//
//	<story>/snapshot.json           current manifest
//	<story>.previous/snapshot.json  the manifest it replaced
//	<story>.staging/snapshot.json   a manifest being written
//	content/<sha256>                raw file bytes, shared by all stories
//
// Only one previous generation is kept.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/storygate/internal/fsutil"
)

const instrumentationName = "github.com/fyrsmithlabs/storygate/internal/snapshot"

const (
	manifestName   = "snapshot.json"
	contentDirName = "content"
	previousSuffix = ".previous"
	stagingSuffix  = ".staging"
)

// writeManifest persists a manifest; tests replace it to simulate failures.
var writeManifest = fsutil.WriteJSON

// StructureFunc lists the top-level tracked directories of the repository.
type StructureFunc func(ctx context.Context) ([]string, error)

// Config configures the snapshot manager.
type Config struct {
	// Root is the repository root captured paths are relative to.
	Root string

	// Dir holds manifests and the content store.
	Dir string

	// Structure overrides how top-level directories are listed.
	Structure StructureFunc
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager creates, reads and compares snapshots.
type Manager struct {
	root      string
	dir       string
	structure StructureFunc
	now       func() time.Time

	logger *zap.Logger
	tracer trace.Tracer
}

// NewManager creates a snapshot manager.
func NewManager(cfg *Config, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if cfg == nil || cfg.Dir == "" {
		return nil, errors.New("snapshot directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	root := cfg.Root
	if root == "" {
		root = "."
	}

	m := &Manager{
		root:      root,
		dir:       cfg.Dir,
		structure: cfg.Structure,
		now:       time.Now,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
	}
	if m.structure == nil {
		m.structure = m.defaultStructure
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Create captures paths for storyID. Paths that do not exist are recorded
// with null entries. The story's existing snapshot becomes its previous one.
func (m *Manager) Create(ctx context.Context, storyID string, paths []string, metadata map[string]string) (*Snapshot, error) {
	ctx, span := m.tracer.Start(ctx, "snapshot.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("story.id", storyID),
		attribute.Int("snapshot.paths", len(paths)),
	)

	if err := validateStoryID(storyID); err != nil {
		return nil, err
	}

	snap := &Snapshot{
		StoryID:    storyID,
		SnapshotID: uuid.New().String(),
		Timestamp:  m.now().UTC(),
		Metadata:   map[string]string{},
		Files:      make(map[string]*FileEntry, len(paths)),
		Hashes:     make(map[string]*string, len(paths)),
	}
	for k, v := range metadata {
		snap.Metadata[k] = v
	}

	for _, p := range paths {
		rel, err := fsutil.RelPath(m.root, p)
		if err != nil {
			return nil, fmt.Errorf("resolving %s: %w", p, err)
		}
		entry, err := m.capture(rel)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "capture failed")
			return nil, err
		}
		snap.Files[rel] = entry
		if entry == nil {
			snap.Hashes[rel] = nil
		} else {
			h := entry.ContentRef
			snap.Hashes[rel] = &h
		}
	}

	structure, err := m.structure(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing structure: %w", err)
	}
	snap.Structure = structure

	if err := m.commit(storyID, snap); err != nil {
		return nil, err
	}

	m.logger.Info("snapshot created",
		zap.String("story_id", storyID),
		zap.String("snapshot_id", snap.SnapshotID),
		zap.Int("files", len(snap.Files)))
	return snap, nil
}

// capture copies one file into the content store, or returns nil if absent.
func (m *Manager) capture(rel string) (*FileEntry, error) {
	abs := filepath.Join(m.root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", rel)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rel, err)
	}
	hash := fsutil.HashBytes(data)

	contentPath := m.contentPath(hash)
	if !fsutil.Exists(contentPath) {
		if err := fsutil.WriteFileAtomic(contentPath, data, fsutil.FilePerm); err != nil {
			return nil, fmt.Errorf("storing content for %s: %w", rel, err)
		}
	}

	return &FileEntry{
		ContentRef:   hash,
		Size:         info.Size(),
		LastModified: info.ModTime().UnixMilli(),
	}, nil
}

// commit stages the new manifest beside the story directory and only then
// rotates the current one out, so a failed write leaves the current
// snapshot in place.
func (m *Manager) commit(storyID string, snap *Snapshot) error {
	current := m.storyDir(storyID)
	staging := current + stagingSuffix
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("clearing staged snapshot: %w", err)
	}
	if err := writeManifest(filepath.Join(staging, manifestName), snap); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("writing snapshot manifest: %w", err)
	}
	if err := m.rotate(storyID); err != nil {
		_ = os.RemoveAll(staging)
		return err
	}
	if err := os.Rename(staging, current); err != nil {
		previous := current + previousSuffix
		if !fsutil.Exists(current) && fsutil.Exists(previous) {
			_ = os.Rename(previous, current)
		}
		return fmt.Errorf("installing snapshot manifest: %w", err)
	}
	return nil
}

// rotate moves the current manifest to the previous slot.
func (m *Manager) rotate(storyID string) error {
	current := m.storyDir(storyID)
	if !fsutil.Exists(filepath.Join(current, manifestName)) {
		return nil
	}
	previous := current + previousSuffix
	if err := os.RemoveAll(previous); err != nil {
		return fmt.Errorf("discarding previous snapshot: %w", err)
	}
	if err := os.Rename(current, previous); err != nil {
		return fmt.Errorf("rotating snapshot: %w", err)
	}
	return nil
}

// Get returns the story's current snapshot.
func (m *Manager) Get(ctx context.Context, storyID string) (*Snapshot, error) {
	if err := validateStoryID(storyID); err != nil {
		return nil, err
	}
	return m.load(m.manifestPath(storyID), storyID)
}

// GetPrevious returns the snapshot the current one replaced.
func (m *Manager) GetPrevious(ctx context.Context, storyID string) (*Snapshot, error) {
	if err := validateStoryID(storyID); err != nil {
		return nil, err
	}
	return m.load(filepath.Join(m.storyDir(storyID)+previousSuffix, manifestName), storyID)
}

func (m *Manager) load(path, storyID string) (*Snapshot, error) {
	var snap Snapshot
	if err := fsutil.ReadJSON(path, &snap); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("story %s: %w", storyID, ErrNotFound)
		}
		return nil, fmt.Errorf("loading snapshot for %s: %w", storyID, err)
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Compare hashes paths on disk against the story's snapshot. An empty path
// list compares every captured path.
func (m *Manager) Compare(ctx context.Context, storyID string, paths []string) (*Comparison, error) {
	_, span := m.tracer.Start(ctx, "snapshot.compare")
	defer span.End()

	snap, err := m.Get(ctx, storyID)
	if err != nil {
		return nil, err
	}

	rels := make([]string, 0, len(paths))
	if len(paths) == 0 {
		rels = snap.Paths()
	} else {
		for _, p := range paths {
			rel, err := fsutil.RelPath(m.root, p)
			if err != nil {
				return nil, fmt.Errorf("resolving %s: %w", p, err)
			}
			rels = append(rels, rel)
		}
	}

	c := newComparison()
	for _, rel := range rels {
		current, err := m.currentHash(rel)
		if err != nil {
			return nil, err
		}
		c.classify(rel, snap.Hashes[rel], current)
	}
	return c, nil
}

func (m *Manager) currentHash(rel string) (*string, error) {
	h, err := fsutil.HashFile(filepath.Join(m.root, filepath.FromSlash(rel)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hashing %s: %w", rel, err)
	}
	return &h, nil
}

// ReadContent returns the captured bytes for path, verifying them against
// the recorded hash.
func (m *Manager) ReadContent(snap *Snapshot, path string) ([]byte, error) {
	entry, ok := snap.Files[path]
	if !ok {
		return nil, fmt.Errorf("%s not in snapshot %s: %w", path, snap.SnapshotID, ErrNotFound)
	}
	if entry == nil {
		return nil, fmt.Errorf("%s did not exist at capture: %w", path, ErrNotFound)
	}
	data, err := os.ReadFile(m.contentPath(entry.ContentRef))
	if err != nil {
		return nil, fmt.Errorf("reading content for %s: %w", path, err)
	}
	if fsutil.HashBytes(data) != entry.ContentRef {
		return nil, fmt.Errorf("%s: %w", path, ErrContentMismatch)
	}
	return data, nil
}

// List summarises every story with a current snapshot.
func (m *Manager) List(ctx context.Context) ([]Summary, error) {
	stories, err := m.stories()
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(stories))
	for _, id := range stories {
		snap, err := m.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			m.logger.Warn("skipping unreadable snapshot", zap.String("story_id", id), zap.Error(err))
			continue
		}
		summaries = append(summaries, Summary{
			StoryID:     id,
			SnapshotID:  snap.SnapshotID,
			Timestamp:   snap.Timestamp,
			FileCount:   len(snap.Files),
			HasPrevious: fsutil.Exists(filepath.Join(m.storyDir(id)+previousSuffix, manifestName)),
		})
	}
	return summaries, nil
}

// Cleanup removes snapshots older than retentionDays for storyID, or for
// every story when storyID is empty, then drops unreferenced content.
func (m *Manager) Cleanup(ctx context.Context, storyID string, retentionDays int) (*CleanupResult, error) {
	_, span := m.tracer.Start(ctx, "snapshot.cleanup")
	defer span.End()

	stories := []string{storyID}
	if storyID == "" {
		var err error
		if stories, err = m.stories(); err != nil {
			return nil, err
		}
	} else if err := validateStoryID(storyID); err != nil {
		return nil, err
	}

	cutoff := m.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	result := &CleanupResult{RemovedStories: []string{}}
	var errs []error

	for _, id := range stories {
		dir := m.storyDir(id)
		if prev, err := m.load(filepath.Join(dir+previousSuffix, manifestName), id); err == nil && prev.Timestamp.Before(cutoff) {
			if err := os.RemoveAll(dir + previousSuffix); err != nil {
				errs = append(errs, err)
			}
		}

		snap, err := m.load(filepath.Join(dir, manifestName), id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil || !snap.Timestamp.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("removing snapshot for %s: %w", id, err))
			continue
		}
		if err := os.RemoveAll(dir + previousSuffix); err != nil {
			errs = append(errs, err)
		}
		result.RemovedStories = append(result.RemovedStories, id)
	}

	removed, err := m.collectGarbage()
	if err != nil {
		errs = append(errs, err)
	}
	result.RemovedContent = removed

	m.logger.Info("snapshot cleanup finished",
		zap.Strings("removed_stories", result.RemovedStories),
		zap.Int("removed_content", removed))
	return result, errors.Join(errs...)
}

// collectGarbage deletes content files no manifest references.
func (m *Manager) collectGarbage() (int, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	referenced := make(map[string]struct{})
	for _, e := range entries {
		if !e.IsDir() || e.Name() == contentDirName {
			continue
		}
		var snap Snapshot
		if err := fsutil.ReadJSON(filepath.Join(m.dir, e.Name(), manifestName), &snap); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			// An unreadable manifest might still reference content.
			return 0, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		for _, h := range snap.Hashes {
			if h != nil {
				referenced[*h] = struct{}{}
			}
		}
	}

	blobs, err := os.ReadDir(filepath.Join(m.dir, contentDirName))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, b := range blobs {
		if _, ok := referenced[b.Name()]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, contentDirName, b.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// stories lists story ids that have a current snapshot directory.
func (m *Manager) stories() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot directory: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || name == contentDirName || strings.HasSuffix(name, previousSuffix) || strings.HasSuffix(name, stagingSuffix) {
			continue
		}
		ids = append(ids, name)
	}
	sort.Strings(ids)
	return ids, nil
}

// defaultStructure lists non-hidden top-level directories under root.
func (m *Manager) defaultStructure(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, err
	}
	dirs := []string{}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			dirs = append(dirs, e.Name())
		}
	}
	return dirs, nil
}

func (m *Manager) storyDir(storyID string) string {
	return filepath.Join(m.dir, storyID)
}

func (m *Manager) manifestPath(storyID string) string {
	return filepath.Join(m.storyDir(storyID), manifestName)
}

func (m *Manager) contentPath(hash string) string {
	return filepath.Join(m.dir, contentDirName, hash)
}

func validateStoryID(storyID string) error {
	if !fsutil.SafeName(storyID) || storyID == contentDirName ||
		strings.HasSuffix(storyID, previousSuffix) || strings.HasSuffix(storyID, stagingSuffix) {
		return fmt.Errorf("invalid story id %q", storyID)
	}
	return nil
}
