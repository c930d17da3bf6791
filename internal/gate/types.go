package gate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/storygate/internal/drift"
)

var (
	// ErrGateFailed wraps every gate failure so callers can halt a phase
	// transition without inspecting the cause.
	ErrGateFailed = errors.New("gate failed")

	// ErrUnknownGate indicates a gate name outside planning, dev and qa.
	ErrUnknownGate = errors.New("unknown gate")

	// ErrInvalidResult indicates a malformed ledger entry.
	ErrInvalidResult = errors.New("invalid gate result")
)

// Gate names a pipeline checkpoint.
type Gate string

const (
	Planning Gate = "planning"
	Dev      Gate = "dev"
	QA       Gate = "qa"
)

// Gates lists every gate in pipeline order.
var Gates = []Gate{Planning, Dev, QA}

// Parse converts a user-supplied gate name.
func Parse(s string) (Gate, error) {
	g := Gate(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Gates {
		if g == known {
			return g, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownGate, s)
}

// Check severities. A warning check passes but is surfaced to the user.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// Check is one verification performed by a gate.
type Check struct {
	Name     string   `json:"name"`
	Passed   bool     `json:"passed"`
	Severity string   `json:"severity,omitempty"`
	Message  string   `json:"message,omitempty"`
	Details  []string `json:"details,omitempty"`
}

// Result is the outcome of one gate invocation.
type Result struct {
	Gate        Gate          `json:"gate"`
	StoryID     string        `json:"storyId,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	Passed      bool          `json:"passed"`
	Checks      []Check       `json:"checks"`
	Error       string        `json:"error,omitempty"`
	DriftReport *drift.Report `json:"driftReport,omitempty"`
}

// Validate checks a result read from or written to the ledger.
func (r *Result) Validate() error {
	if _, err := Parse(string(r.Gate)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidResult)
	}
	if r.Passed && r.Error != "" {
		return fmt.Errorf("%w: passed result carries error", ErrInvalidResult)
	}
	return nil
}

// Warnings returns the checks that passed with a warning.
func (r *Result) Warnings() []Check {
	var out []Check
	for _, c := range r.Checks {
		if c.Passed && c.Severity == SeverityWarning {
			out = append(out, c)
		}
	}
	return out
}

func (r *Result) add(c Check) {
	if c.Severity == "" {
		if c.Passed {
			c.Severity = SeverityInfo
		} else {
			c.Severity = SeverityError
		}
	}
	r.Checks = append(r.Checks, c)
}

// Ledger holds the latest result of each gate for one story.
type Ledger map[Gate]*Result

// FieldError is one schema violation.
type FieldError struct {
	// Path is a JSON pointer into the artifact ("" is the document root).
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (f FieldError) String() string {
	path := f.Path
	if path == "" {
		path = "/"
	}
	return path + ": " + f.Message
}

// SchemaValidationError reports an artifact that does not match its schema.
type SchemaValidationError struct {
	Artifact    string
	FieldErrors []FieldError
}

func (e *SchemaValidationError) Error() string {
	parts := make([]string, 0, len(e.FieldErrors))
	for _, f := range e.FieldErrors {
		parts = append(parts, f.String())
	}
	return fmt.Sprintf("%s failed schema validation: %s", e.Artifact, strings.Join(parts, "; "))
}

// DriftSeverityError blocks the dev gate on critical drift.
//
// Critical is empty when the severity comes from the volume of unlisted and
// unexpected changes rather than from a critical file.
type DriftSeverityError struct {
	StoryID    string
	Severity   drift.Severity
	Critical   []string
	Unlisted   []string
	Unexpected []string
}

func (e *DriftSeverityError) Error() string {
	if len(e.Critical) > 0 {
		return fmt.Sprintf("story %s has %s drift in %s", e.StoryID, e.Severity, strings.Join(e.Critical, ", "))
	}
	var parts []string
	if len(e.Unexpected) > 0 {
		parts = append(parts, "unexpected directories "+strings.Join(e.Unexpected, ", "))
	}
	if len(e.Unlisted) > 0 {
		parts = append(parts, "unlisted files "+strings.Join(e.Unlisted, ", "))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("story %s has %s drift", e.StoryID, e.Severity)
	}
	return fmt.Sprintf("story %s has %s drift: %s", e.StoryID, e.Severity, strings.Join(parts, "; "))
}
