// Package preflight runs named checks before the dev gate accepts a change.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrInvalidRegex indicates an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates an allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)

// Input is what every check sees.
type Input struct {
	// Root is the repository root.
	Root string

	// StoryID identifies the story under check.
	StoryID string

	// Files are repository-relative paths the story declares.
	Files []string
}

// Result is the outcome of one check.
type Result struct {
	Name    string   `json:"name"`
	Passed  bool     `json:"passed"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// CheckFunc evaluates one check. A returned error means the check could not
// run; a failing check returns Result.Passed == false and a nil error.
type CheckFunc func(ctx context.Context, in Input) (Result, error)

// Registry holds checks by name and runs them in name order.
type Registry struct {
	checks map[string]CheckFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]CheckFunc)}
}

// Register adds or replaces the check called name.
func (r *Registry) Register(name string, check CheckFunc) {
	r.checks[name] = check
}

// Names returns registered check names in run order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes every check. A check that errors is reported as failed and
// the remaining checks still run; the joined errors are returned as well.
func (r *Registry) Run(ctx context.Context, in Input) ([]Result, error) {
	results := make([]Result, 0, len(r.checks))
	var errs []error
	for _, name := range r.Names() {
		res, err := r.checks[name](ctx, in)
		res.Name = name
		if err != nil {
			res.Passed = false
			res.Message = err.Error()
			errs = append(errs, fmt.Errorf("preflight %s: %w", name, err))
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// Passed reports whether every result passed.
func Passed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}
