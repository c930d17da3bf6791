package gate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/storygate/internal/fsutil"
	"github.com/fyrsmithlabs/storygate/internal/lock"
)

// ProjectLedger is the ledger name used when a gate runs without a story.
// It is reserved and never accepted as a story id.
const ProjectLedger = "_project"

// ErrNoLedger indicates no gate has run for the story.
var ErrNoLedger = errors.New("no gate ledger")

// validStoryID reports whether id can name a story ledger.
func validStoryID(id string) bool {
	return fsutil.SafeName(id) && id != ProjectLedger
}

func (e *Enforcer) ledgerPath(storyID string) string {
	if storyID == "" {
		storyID = ProjectLedger
	}
	return filepath.Join(e.cfg.StateDir, "gates", storyID+".json")
}

// record merges res into the ledger under the ledger lock. Other gates'
// entries are preserved.
func (e *Enforcer) record(ctx context.Context, res *Result) error {
	if err := res.Validate(); err != nil {
		return err
	}
	path := e.ledgerPath(res.StoryID)

	if _, err := lock.AcquireWithRetry(ctx, e.locks, path, e.cfg.OwnerID,
		e.cfg.LockTimeout, e.cfg.RetryInterval, e.cfg.WaitTimeout); err != nil {
		return fmt.Errorf("locking ledger: %w", err)
	}
	defer func() {
		if _, err := e.locks.Release(ctx, path, e.cfg.OwnerID); err != nil {
			e.logger.Warn("failed to release ledger lock", zap.String("path", path), zap.Error(err))
		}
	}()

	ledger, err := readLedger(path)
	if err != nil && !errors.Is(err, ErrNoLedger) {
		return err
	}
	if ledger == nil {
		ledger = Ledger{}
	}
	ledger[res.Gate] = res
	return fsutil.WriteJSON(path, ledger)
}

// Ledger returns every recorded gate result for storyID.
func (e *Enforcer) Ledger(ctx context.Context, storyID string) (Ledger, error) {
	if storyID != "" && !validStoryID(storyID) {
		return nil, fmt.Errorf("invalid story id %q", storyID)
	}
	return readLedger(e.ledgerPath(storyID))
}

func readLedger(path string) (Ledger, error) {
	var ledger Ledger
	if err := fsutil.ReadJSON(path, &ledger); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrNoLedger)
		}
		return nil, err
	}
	for g, r := range ledger {
		if r == nil || r.Gate != g {
			return nil, fmt.Errorf("%w: entry %s", ErrInvalidResult, g)
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	return ledger, nil
}
