// Package plan defines the patch plan: the list of file changes a story
// declares before it mutates the repository.
package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fyrsmithlabs/storygate/internal/fsutil"
)

// ErrNotFound indicates the patch plan file does not exist.
var ErrNotFound = errors.New("patch plan not found")

// Action is what a change does to its path.
type Action string

const (
	ActionCreate Action = "create"
	ActionModify Action = "modify"
	ActionDelete Action = "delete"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionModify, ActionDelete:
		return true
	}
	return false
}

// Change is one declared file change.
type Change struct {
	Path        string `json:"path"`
	Action      Action `json:"action"`
	Description string `json:"description,omitempty"`
}

// PatchPlan is the declared change set of a story.
type PatchPlan struct {
	StoryID   string     `json:"storyId"`
	Summary   string     `json:"summary,omitempty"`
	Changes   []Change   `json:"changes"`
	Signature string     `json:"signature,omitempty"`
	SignedAt  *time.Time `json:"signedAt,omitempty"`
	SignedBy  string     `json:"signedBy,omitempty"`
}

// Validate checks the structural rules the JSON schema cannot express.
func (p *PatchPlan) Validate() error {
	if p.StoryID == "" {
		return errors.New("storyId is required")
	}
	seen := make(map[string]struct{}, len(p.Changes))
	for i, c := range p.Changes {
		if c.Path == "" {
			return fmt.Errorf("changes[%d]: path is required", i)
		}
		clean := CleanPath(c.Path)
		if path.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
			return fmt.Errorf("changes[%d]: path %s is not relative to the repository", i, c.Path)
		}
		if !c.Action.Valid() {
			return fmt.Errorf("changes[%d]: unknown action %q", i, c.Action)
		}
		if _, dup := seen[clean]; dup {
			return fmt.Errorf("changes[%d]: duplicate path %s", i, c.Path)
		}
		seen[clean] = struct{}{}
	}
	return nil
}

// CleanPath puts a declared path in the slash-separated form snapshots use,
// so "./src/x.js" and "src//x.js" both become "src/x.js".
func CleanPath(p string) string {
	return path.Clean(filepath.ToSlash(p))
}

// Paths returns every declared path, cleaned, in sorted order.
func (p *PatchPlan) Paths() []string {
	if p == nil {
		return nil
	}
	out := make([]string, 0, len(p.Changes))
	for _, c := range p.Changes {
		out = append(out, CleanPath(c.Path))
	}
	sort.Strings(out)
	return out
}

// ExpectedPaths returns declared paths that should exist after the change.
func (p *PatchPlan) ExpectedPaths() []string {
	if p == nil {
		return nil
	}
	var out []string
	for _, c := range p.Changes {
		if c.Action != ActionDelete {
			out = append(out, CleanPath(c.Path))
		}
	}
	sort.Strings(out)
	return out
}

// IsDelete reports whether rel is declared for deletion.
func (p *PatchPlan) IsDelete(rel string) bool {
	if p == nil {
		return false
	}
	rel = CleanPath(rel)
	for _, c := range p.Changes {
		if c.Action == ActionDelete && CleanPath(c.Path) == rel {
			return true
		}
	}
	return false
}

// canonicalBody is the signed portion of a plan.
type canonicalBody struct {
	StoryID string   `json:"storyId"`
	Summary string   `json:"summary"`
	Changes []Change `json:"changes"`
}

// Digest returns the SHA-256 over the plan's canonical body. Changes are
// ordered by path so that reordering does not alter the digest.
func (p *PatchPlan) Digest() (string, error) {
	changes := append([]Change(nil), p.Changes...)
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	if changes == nil {
		changes = []Change{}
	}
	data, err := json.Marshal(canonicalBody{StoryID: p.StoryID, Summary: p.Summary, Changes: changes})
	if err != nil {
		return "", err
	}
	return fsutil.HashBytes(data), nil
}

// Sign records the digest, signer and time on the plan.
func (p *PatchPlan) Sign(signedBy string, at time.Time) error {
	digest, err := p.Digest()
	if err != nil {
		return fmt.Errorf("computing plan digest: %w", err)
	}
	at = at.UTC()
	p.Signature = "sha256:" + digest
	p.SignedAt = &at
	p.SignedBy = signedBy
	return nil
}

// IsSigned reports whether the plan carries a signature.
func (p *PatchPlan) IsSigned() bool {
	return p.Signature != ""
}

// VerifySignature reports whether the signature matches the current body.
func (p *PatchPlan) VerifySignature() (bool, error) {
	if !p.IsSigned() {
		return false, nil
	}
	digest, err := p.Digest()
	if err != nil {
		return false, err
	}
	return p.Signature == "sha256:"+digest, nil
}

// Load reads a patch plan from path.
func Load(path string) (*PatchPlan, error) {
	var p PatchPlan
	if err := fsutil.ReadJSON(path, &p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, err
	}
	return &p, nil
}

// Save writes the plan to path atomically.
func Save(path string, p *PatchPlan) error {
	return fsutil.WriteJSON(path, p)
}
