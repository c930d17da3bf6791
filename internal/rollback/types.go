package rollback

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates no rollback log matches.
	ErrNotFound = errors.New("rollback log not found")

	// ErrPartial is returned alongside a log whose status is partial.
	ErrPartial = errors.New("rollback completed partially")

	// ErrInvalidLog indicates a log failed validation.
	ErrInvalidLog = errors.New("invalid rollback log")
)

// Status is the overall outcome of a rollback.
type Status string

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusPartial   Status = "partial"
	StatusFailed    Status = "failed"
)

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepPartial   StepStatus = "partial"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step names, in execution order.
const (
	StepAcquireLock      = "acquire-lock"
	StepLoadSnapshot     = "load-snapshot"
	StepValidate         = "validate"
	StepBackup           = "backup"
	StepRestore          = "restore"
	StepCleanupArtifacts = "cleanup-artifacts"
	StepRestoreVCS       = "restore-vcs"
	StepReleaseLock      = "release-lock"
)

// StepResult records one step.
type StepResult struct {
	Name       string     `json:"name"`
	Status     StepStatus `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt time.Time  `json:"finishedAt"`
	Error      string     `json:"error,omitempty"`
	Detail     string     `json:"detail,omitempty"`
}

// FileError records a path that could not be restored.
type FileError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Log is the audit record of one rollback attempt. It is written once.
type Log struct {
	RollbackID    string       `json:"rollbackId"`
	StoryID       string       `json:"storyId"`
	OwnerID       string       `json:"ownerId"`
	SnapshotID    string       `json:"snapshotId,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
	FinishedAt    time.Time    `json:"finishedAt"`
	Status        Status       `json:"status"`
	Steps         []StepResult `json:"steps"`
	RestoredFiles []string     `json:"restoredFiles"`
	DeletedFiles  []string     `json:"deletedFiles"`
	FailedFiles   []FileError  `json:"failedFiles"`
	BackupDir     string       `json:"backupDir,omitempty"`
}

// Validate checks identifiers and that status and steps are known values.
func (l *Log) Validate() error {
	if l.RollbackID == "" || l.StoryID == "" {
		return fmt.Errorf("%w: rollbackId and storyId are required", ErrInvalidLog)
	}
	switch l.Status {
	case StatusStarted, StatusCompleted, StatusPartial, StatusFailed:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidLog, l.Status)
	}
	for _, s := range l.Steps {
		switch s.Status {
		case StepCompleted, StepPartial, StepFailed, StepSkipped:
		default:
			return fmt.Errorf("%w: step %s has unknown status %q", ErrInvalidLog, s.Name, s.Status)
		}
	}
	return nil
}

// Step returns the named step result, if recorded.
func (l *Log) Step(name string) (StepResult, bool) {
	for _, s := range l.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// Options controls one rollback.
type Options struct {
	// OwnerID holds the story lock during the rollback.
	OwnerID string

	// LockTimeout is the lease on the story lock; zero uses the lock default.
	LockTimeout time.Duration

	// CleanupArtifacts deletes the story's generated artifacts.
	CleanupArtifacts bool

	// RestoreVCS resets HEAD to the commit recorded in the snapshot.
	RestoreVCS bool

	// Reason is recorded in logs.
	Reason string
}
