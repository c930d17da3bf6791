package drift

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/storygate/internal/plan"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// PlanFunc returns the current patch plan, or nil when there is none.
// It is called before every detection so edits to the plan are picked up.
type PlanFunc func() (*plan.PatchPlan, error)

// Watcher re-runs drift detection whenever tracked files change.
type Watcher struct {
	detector *Detector
	storyID  string
	expected []string
	planFn   PlanFunc
	debounce time.Duration
	logger   *zap.Logger

	watcher *fsnotify.Watcher
	reports chan *Report
}

// NewWatcher creates a watcher for one story.
func NewWatcher(d *Detector, storyID string, expected []string, planFn PlanFunc, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if d == nil {
		return nil, errors.New("detector is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if planFn == nil {
		planFn = func() (*plan.PatchPlan, error) { return nil, nil }
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	return &Watcher{
		detector: d,
		storyID:  storyID,
		expected: expected,
		planFn:   planFn,
		debounce: debounce,
		logger:   logger,
		watcher:  fw,
		reports:  make(chan *Report, 4),
	}, nil
}

// Reports returns the channel detections are delivered on. It is closed
// when Run returns.
func (w *Watcher) Reports() <-chan *Report {
	return w.reports
}

// Run watches the repository until ctx is done. Every settled burst of
// changes to tracked files triggers one detection.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.reports)
	defer w.watcher.Close()

	if err := w.addTree(w.detector.scanner.Root()); err != nil {
		return err
	}

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if !pending {
				pending = true
			} else if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)

		case <-timer.C:
			pending = false
			w.detect(ctx)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) detect(ctx context.Context) {
	p, err := w.planFn()
	if err != nil {
		w.logger.Warn("loading patch plan", zap.Error(err))
	}
	report, err := w.detector.DetectPatchDrift(ctx, w.storyID, w.expected, p)
	if err != nil {
		w.logger.Warn("drift detection failed", zap.String("story_id", w.storyID), zap.Error(err))
		return
	}
	select {
	case w.reports <- report:
	case <-ctx.Done():
	}
}

// relevant filters events to tracked files and registers new directories.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	root := w.detector.scanner.Root()
	rel, err := filepath.Rel(root, event.Name)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if w.detector.scanner.SkipDir(rel) {
				return false
			}
			if err := w.addTree(event.Name); err != nil {
				w.logger.Debug("watching new directory", zap.String("dir", rel), zap.Error(err))
			}
			// A new top-level directory is a structural change.
			return filepath.Dir(filepath.FromSlash(rel)) == "."
		}
	}
	if event.Op == fsnotify.Chmod {
		return false
	}
	return w.detector.scanner.Tracked(rel) || event.Has(fsnotify.Remove)
}

// addTree watches dir and every non-skipped directory beneath it.
func (w *Watcher) addTree(dir string) error {
	root := w.detector.scanner.Root()
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			if w.detector.scanner.SkipDir(filepath.ToSlash(rel)) {
				return filepath.SkipDir
			}
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}
