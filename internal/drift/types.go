package drift

import (
	"time"
)

// Severity grades a drift report.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank orders severities for comparisons.
func (s Severity) rank() int {
	switch s {
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// Changes buckets the paths a detection found.
type Changes struct {
	Unlisted   []string `json:"unlisted"`
	Missing    []string `json:"missing"`
	Unexpected []string `json:"unexpected"`
	Critical   []string `json:"critical"`
}

// Empty reports whether nothing drifted.
func (c Changes) Empty() bool {
	return len(c.Unlisted) == 0 && len(c.Missing) == 0 && len(c.Unexpected) == 0 && len(c.Critical) == 0
}

// AlarmType names the kind of drift an alarm describes.
type AlarmType string

const (
	AlarmCritical   AlarmType = "critical_file_change"
	AlarmUnlisted   AlarmType = "unlisted_changes"
	AlarmMissing    AlarmType = "missing_changes"
	AlarmStructural AlarmType = "structural_change"
)

// Alarm is one finding with its impact statement.
type Alarm struct {
	Type     AlarmType `json:"type"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	Impact   string    `json:"impact"`
	Paths    []string  `json:"paths"`
}

// Report is the result of one drift detection.
type Report struct {
	StoryID         string    `json:"storyId"`
	Timestamp       time.Time `json:"timestamp"`
	SnapshotID      string    `json:"snapshotId,omitempty"`
	ExpectedFiles   []string  `json:"expectedFiles"`
	DetectedChanges Changes   `json:"detectedChanges"`
	Severity        Severity  `json:"severity"`
	Alarms          []Alarm   `json:"alarms"`

	// ReportPath and AlarmPath are set when the report was persisted.
	ReportPath string `json:"reportPath,omitempty"`
	AlarmPath  string `json:"alarmPath,omitempty"`
}

// AlarmSummary is the human-facing part of an alarm file.
type AlarmSummary struct {
	Severity       Severity `json:"severity"`
	Unlisted       int      `json:"unlisted"`
	Missing        int      `json:"missing"`
	Unexpected     int      `json:"unexpected"`
	Critical       int      `json:"critical"`
	Recommendation string   `json:"recommendation"`
}

// AlarmFile is written next to high and critical reports.
type AlarmFile struct {
	StoryID   string       `json:"storyId"`
	Timestamp time.Time    `json:"timestamp"`
	Report    string       `json:"report"`
	Alarms    []Alarm      `json:"alarms"`
	Summary   AlarmSummary `json:"summary"`
}
