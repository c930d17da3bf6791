// Package drift detects file changes a story made outside its declared patch
// plan and grades them by severity.
//
// Detection compares a fresh scan of the repository against the story's
// snapshot. Paths that changed but were not declared are unlisted, declared
// paths absent from disk are missing, undeclared changes to critical files
// (package manifests, lock files, CI configuration) are critical, and
// top-level directories that appeared or vanished are unexpected. High and
// critical reports are persisted together with an alarm file.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/storygate/internal/fsutil"
	"github.com/fyrsmithlabs/storygate/internal/lock"
	"github.com/fyrsmithlabs/storygate/internal/metrics"
	"github.com/fyrsmithlabs/storygate/internal/plan"
	"github.com/fyrsmithlabs/storygate/internal/snapshot"
)

const instrumentationName = "github.com/fyrsmithlabs/storygate/internal/drift"

const (
	reportsDirName = "reports"
	alarmsDirName  = "alarms"
	stampLayout    = "20060102T150405.000000000Z"
)

// SnapshotSource provides the baseline a detection compares against.
type SnapshotSource interface {
	Get(ctx context.Context, storyID string) (*snapshot.Snapshot, error)
}

// LockReader looks up the lock held on a path.
type LockReader interface {
	Get(ctx context.Context, path string) (*lock.Lock, error)
}

// Config configures the detector.
type Config struct {
	// Dir holds reports/ and alarms/.
	Dir string

	// Critical holds gitignore-style patterns for critical files.
	Critical []string

	Thresholds Thresholds
}

// Option customises a Detector.
type Option func(*Detector)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithMetrics records report severities.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// WithLocks excludes paths that another live owner has locked from a
// story's unlisted changes. The story's owner is read from its snapshot.
func WithLocks(r LockReader) Option {
	return func(d *Detector) { d.locks = r }
}

// Detector runs drift detection for stories.
type Detector struct {
	dir        string
	critical   *Matcher
	thresholds Thresholds
	scanner    *Scanner
	snapshots  SnapshotSource
	locks      LockReader
	now        func() time.Time

	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.Metrics
}

// NewDetector creates a detector.
func NewDetector(cfg *Config, scanner *Scanner, snapshots SnapshotSource, logger *zap.Logger, opts ...Option) (*Detector, error) {
	if cfg == nil || cfg.Dir == "" {
		return nil, errors.New("drift directory is required")
	}
	if scanner == nil {
		return nil, errors.New("scanner is required")
	}
	if snapshots == nil {
		return nil, errors.New("snapshot source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	thresholds := cfg.Thresholds
	if thresholds.UnlistedHigh <= 0 || thresholds.UnexpectedHigh <= 0 {
		thresholds = DefaultThresholds()
	}

	d := &Detector{
		dir:        cfg.Dir,
		critical:   NewMatcher(cfg.Critical),
		thresholds: thresholds,
		scanner:    scanner,
		snapshots:  snapshots,
		now:        time.Now,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// DetectPatchDrift compares the repository against storyID's snapshot.
//
// expected and the paths declared by p (which may be nil) together form the
// declared set. Files the plan deletes are never reported missing.
func (d *Detector) DetectPatchDrift(ctx context.Context, storyID string, expected []string, p *plan.PatchPlan) (*Report, error) {
	ctx, span := d.tracer.Start(ctx, "drift.detect")
	defer span.End()
	span.SetAttributes(attribute.String("story.id", storyID))

	snap, err := d.snapshots.Get(ctx, storyID)
	if err != nil {
		return nil, fmt.Errorf("loading baseline: %w", err)
	}
	tree, err := d.scanner.Scan(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		return nil, err
	}

	declared := make(map[string]struct{})
	var mustExist []string
	for _, e := range expected {
		rel, err := fsutil.RelPath(d.scanner.Root(), e)
		if err != nil {
			return nil, fmt.Errorf("resolving expected file %s: %w", e, err)
		}
		declared[rel] = struct{}{}
		if !p.IsDelete(rel) {
			mustExist = append(mustExist, rel)
		}
	}
	for _, path := range p.Paths() {
		rel, err := fsutil.RelPath(d.scanner.Root(), path)
		if err != nil {
			return nil, fmt.Errorf("resolving planned file %s: %w", path, err)
		}
		declared[rel] = struct{}{}
	}
	for _, path := range p.ExpectedPaths() {
		rel, err := fsutil.RelPath(d.scanner.Root(), path)
		if err != nil {
			return nil, fmt.Errorf("resolving planned file %s: %w", path, err)
		}
		mustExist = append(mustExist, rel)
	}
	for _, path := range snap.Declared() {
		declared[path] = struct{}{}
	}
	owner := snap.Metadata[snapshot.MetaOwner]

	changes := Changes{
		Unlisted:   []string{},
		Missing:    []string{},
		Unexpected: []string{},
		Critical:   []string{},
	}

	for _, path := range candidatePaths(tree, snap) {
		changed, err := d.changed(path, tree, snap)
		if err != nil {
			return nil, err
		}
		if !changed {
			continue
		}
		if _, ok := declared[path]; ok {
			continue
		}
		if d.lockedByOther(ctx, path, owner) {
			continue
		}
		changes.Unlisted = append(changes.Unlisted, path)
		if d.critical.Match(path, false) {
			changes.Critical = append(changes.Critical, path)
		}
	}

	seenMissing := make(map[string]struct{})
	for _, path := range mustExist {
		if _, dup := seenMissing[path]; dup {
			continue
		}
		seenMissing[path] = struct{}{}
		if !fsutil.Exists(filepath.Join(d.scanner.Root(), filepath.FromSlash(path))) {
			changes.Missing = append(changes.Missing, path)
		}
	}
	sort.Strings(changes.Missing)

	if snap.Structure != nil {
		structure, err := d.scanner.Structure(ctx)
		if err != nil {
			return nil, err
		}
		changes.Unexpected = diffStructure(snap.Structure, structure)
	}

	sev := Classify(changes, d.thresholds)
	report := &Report{
		StoryID:         storyID,
		Timestamp:       d.now().UTC(),
		SnapshotID:      snap.SnapshotID,
		ExpectedFiles:   sortedKeys(declared),
		DetectedChanges: changes,
		Severity:        sev,
		Alarms:          buildAlarms(changes, sev),
	}

	span.SetAttributes(
		attribute.String("drift.severity", string(sev)),
		attribute.Int("drift.unlisted", len(changes.Unlisted)),
		attribute.Int("drift.critical", len(changes.Critical)),
	)
	d.metrics.RecordDriftReport(string(sev))

	if sev.AtLeast(SeverityHigh) {
		if err := d.Save(ctx, report); err != nil {
			return report, err
		}
		for _, a := range report.Alarms {
			d.logger.Warn("drift alarm",
				zap.String("story_id", storyID),
				zap.String("type", string(a.Type)),
				zap.String("severity", string(a.Severity)),
				zap.String("impact", a.Impact),
				zap.Strings("paths", a.Paths))
		}
	} else {
		d.logger.Debug("drift checked",
			zap.String("story_id", storyID),
			zap.String("severity", string(sev)))
	}
	return report, nil
}

// lockedByOther reports whether an owner other than owner holds a live lock
// on path. That owner's story accounts for the change.
func (d *Detector) lockedByOther(ctx context.Context, path, owner string) bool {
	if d.locks == nil {
		return false
	}
	l, err := d.locks.Get(ctx, filepath.Join(d.scanner.Root(), filepath.FromSlash(path)))
	if err != nil {
		return false
	}
	return l.OwnerID != owner && !l.IsStale(d.now())
}

// changed reports whether path differs from the baseline. Paths the
// snapshot did not capture count as new only when written after it.
func (d *Detector) changed(path string, tree map[string]string, snap *snapshot.Snapshot) (bool, error) {
	current, inTree := tree[path]
	abs := filepath.Join(d.scanner.Root(), filepath.FromSlash(path))

	if !snap.Contains(path) {
		if !inTree {
			return false, nil
		}
		info, err := os.Stat(abs)
		if err != nil {
			return false, nil
		}
		return info.ModTime().After(snap.Timestamp), nil
	}

	if !inTree {
		h, err := fsutil.HashFile(abs)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			current = ""
		case err != nil:
			return false, fmt.Errorf("hashing %s: %w", path, err)
		default:
			current = h
		}
	}

	old, existed := snap.Hash(path)
	exists := current != ""
	if existed != exists {
		return true, nil
	}
	return existed && old != current, nil
}

// Save persists the report and its alarm file.
func (d *Detector) Save(ctx context.Context, report *Report) error {
	if !fsutil.SafeName(report.StoryID) {
		return fmt.Errorf("invalid story id %q", report.StoryID)
	}
	stamp := report.Timestamp.UTC().Format(stampLayout)
	report.ReportPath = filepath.Join(d.dir, reportsDirName, report.StoryID, "drift-"+stamp+".json")
	report.AlarmPath = filepath.Join(d.dir, alarmsDirName, report.StoryID, "alarm-"+stamp+".json")

	if err := fsutil.WriteJSON(report.ReportPath, report); err != nil {
		return fmt.Errorf("writing drift report: %w", err)
	}

	alarm := AlarmFile{
		StoryID:   report.StoryID,
		Timestamp: report.Timestamp,
		Report:    report.ReportPath,
		Alarms:    report.Alarms,
		Summary: AlarmSummary{
			Severity:       report.Severity,
			Unlisted:       len(report.DetectedChanges.Unlisted),
			Missing:        len(report.DetectedChanges.Missing),
			Unexpected:     len(report.DetectedChanges.Unexpected),
			Critical:       len(report.DetectedChanges.Critical),
			Recommendation: Recommendation(report.Severity),
		},
	}
	if err := fsutil.WriteJSON(report.AlarmPath, alarm); err != nil {
		return fmt.Errorf("writing drift alarm: %w", err)
	}
	return nil
}

// List returns the story's persisted reports, oldest first.
func (d *Detector) List(ctx context.Context, storyID string) ([]*Report, error) {
	if !fsutil.SafeName(storyID) {
		return nil, fmt.Errorf("invalid story id %q", storyID)
	}
	dir := filepath.Join(d.dir, reportsDirName, storyID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []*Report{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading drift reports: %w", err)
	}

	reports := make([]*Report, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var r Report
		if err := fsutil.ReadJSON(filepath.Join(dir, e.Name()), &r); err != nil {
			d.logger.Warn("skipping unreadable drift report", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		reports = append(reports, &r)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Timestamp.Before(reports[j].Timestamp) })
	return reports, nil
}

// Clear deletes the story's reports and alarms and returns how many files
// were removed.
func (d *Detector) Clear(ctx context.Context, storyID string) (int, error) {
	if !fsutil.SafeName(storyID) {
		return 0, fmt.Errorf("invalid story id %q", storyID)
	}
	removed := 0
	var errs []error
	for _, sub := range []string{reportsDirName, alarmsDirName} {
		dir := filepath.Join(d.dir, sub, storyID)
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		removed += len(entries)
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

func candidatePaths(tree map[string]string, snap *snapshot.Snapshot) []string {
	set := make(map[string]struct{}, len(tree)+len(snap.Hashes))
	for p := range tree {
		set[p] = struct{}{}
	}
	for p := range snap.Hashes {
		set[p] = struct{}{}
	}
	return sortedKeys(set)
}

// diffStructure returns directories present in exactly one of the lists.
func diffStructure(before, after []string) []string {
	in := func(list []string) map[string]struct{} {
		m := make(map[string]struct{}, len(list))
		for _, s := range list {
			m[s] = struct{}{}
		}
		return m
	}
	b, a := in(before), in(after)
	out := []string{}
	for dir := range a {
		if _, ok := b[dir]; !ok {
			out = append(out, dir)
		}
	}
	for dir := range b {
		if _, ok := a[dir]; !ok {
			out = append(out, dir)
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
