package lock

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

var (
	// ErrConflict indicates the path is held by another owner whose lease is live.
	ErrConflict = errors.New("lock held by another owner")

	// ErrNotFound indicates no descriptor exists for the path.
	ErrNotFound = errors.New("lock not found")

	// ErrNotOwner indicates a release was attempted by someone other than the holder.
	ErrNotOwner = errors.New("lock owned by another owner")

	// ErrInvalidLock indicates a descriptor failed validation.
	ErrInvalidLock = errors.New("invalid lock descriptor")
)

// Lock is the on-disk descriptor for a held path.
type Lock struct {
	LockID          string `json:"lockId"`
	OwnerID         string `json:"ownerId"`
	FilePath        string `json:"filePath"`
	AcquiredAt      int64  `json:"acquiredAt"` // epoch milliseconds
	TimeoutMs       int64  `json:"timeoutMs"`
	HolderProcessID int    `json:"holderProcessId"`
}

// Validate checks that all required descriptor fields are set.
func (l *Lock) Validate() error {
	if l.LockID == "" {
		return fmt.Errorf("%w: lockId is required", ErrInvalidLock)
	}
	if l.OwnerID == "" {
		return fmt.Errorf("%w: ownerId is required", ErrInvalidLock)
	}
	if l.FilePath == "" {
		return fmt.Errorf("%w: filePath is required", ErrInvalidLock)
	}
	if l.AcquiredAt <= 0 {
		return fmt.Errorf("%w: acquiredAt must be positive", ErrInvalidLock)
	}
	if l.TimeoutMs <= 0 {
		return fmt.Errorf("%w: timeoutMs must be positive", ErrInvalidLock)
	}
	return nil
}

// Age returns how long the lock has been held at now.
func (l *Lock) Age(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-l.AcquiredAt) * time.Millisecond
}

// IsStale reports whether the lease has expired at now.
func (l *Lock) IsStale(now time.Time) bool {
	return now.UnixMilli()-l.AcquiredAt > l.TimeoutMs
}

// Timeout returns the lease duration.
func (l *Lock) Timeout() time.Duration {
	return time.Duration(l.TimeoutMs) * time.Millisecond
}

// Status is a point-in-time view of all descriptors.
type Status struct {
	ActiveLocks []*Lock `json:"activeLocks"`
	StaleCount  int     `json:"staleCount"`
}

// ConflictError reports the live holder of a contested path.
type ConflictError struct {
	Path            string
	HolderID        string
	HolderProcessID int
	LockID          string
	Age             time.Duration
	Timeout         time.Duration
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s is locked by %s (pid %d) for %s of %s lease",
		e.Path, e.HolderID, e.HolderProcessID, e.Age.Round(time.Millisecond), e.Timeout)
}

// Is makes errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// StoryPath returns the pseudo path that represents a whole story in the
// lock namespace. It never exists as a file.
func StoryPath(stateDir, storyID string) string {
	return filepath.Join(stateDir, "stories", storyID+".story")
}
