package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/storygate/internal/drift"
	"github.com/fyrsmithlabs/storygate/internal/plan"
	"github.com/fyrsmithlabs/storygate/internal/preflight"
)

// Artifact file names.
const (
	PatchPlanFile   = "patch-plan.json"
	TestResultsFile = "test-results.json"
	ContractFile    = "contract.yaml"
)

var planningArtifacts = []string{SchemaBrief, SchemaPRD, SchemaArchitecture}

// TestResults is the acceptance test summary the qa gate reads.
type TestResults struct {
	Total    int `json:"total"`
	Passed   int `json:"passed"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped,omitempty"`
	Failures []struct {
		Name    string `json:"name"`
		Message string `json:"message,omitempty"`
	} `json:"failures,omitempty"`
}

// Contract is the story contract the qa gate reads post-conditions from.
type Contract struct {
	StoryID        string          `yaml:"storyId"`
	Title          string          `yaml:"title,omitempty"`
	PostConditions []PostCondition `yaml:"postConditions"`
}

// PostCondition is one outcome the story promises. A bare string in the
// contract is read as its description.
type PostCondition struct {
	ID          string `yaml:"id"`
	Description string `yaml:"description"`
	Verify      string `yaml:"verify,omitempty"`
}

// UnmarshalYAML accepts either a mapping or a plain string.
func (pc *PostCondition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		pc.Description = node.Value
		return nil
	}
	type plain PostCondition
	var v plain
	if err := node.Decode(&v); err != nil {
		return err
	}
	*pc = PostCondition(v)
	return nil
}

// StoryDir returns the artifact directory of storyID.
func (e *Enforcer) StoryDir(storyID string) string {
	return filepath.Join(e.cfg.ArtifactsDir, "stories", storyID)
}

// validateArtifact reads and schema-checks one artifact, recording a check.
// It returns the raw bytes, or nil with a blocking error.
func (e *Enforcer) validateArtifact(res *Result, schema, path string) ([]byte, error) {
	name := filepath.Base(path)
	data, err := os.ReadFile(path)
	if err != nil {
		res.add(Check{Name: schema + "-schema", Message: err.Error()})
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	if err := e.schemas.Validate(schema, name, data); err != nil {
		c := Check{Name: schema + "-schema", Message: err.Error()}
		var sve *SchemaValidationError
		if errors.As(err, &sve) {
			c.Message = fmt.Sprintf("%s does not match the %s schema", name, schema)
			for _, f := range sve.FieldErrors {
				c.Details = append(c.Details, f.String())
			}
		}
		res.add(c)
		return nil, err
	}
	res.add(Check{Name: schema + "-schema", Passed: true, Message: name + " is valid"})
	return data, nil
}

func (e *Enforcer) planning(ctx context.Context, storyID string, res *Result) error {
	var errs []error
	present := 0
	for _, name := range planningArtifacts {
		path := filepath.Join(e.cfg.ArtifactsDir, "planning", name+".json")
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		present++
		if _, err := e.validateArtifact(res, name, path); err != nil {
			errs = append(errs, err)
		}
	}
	if present == 0 {
		res.add(Check{Name: "planning-artifacts", Passed: true, Message: "no planning artifacts present"})
	}
	return errors.Join(errs...)
}

func (e *Enforcer) dev(ctx context.Context, storyID string, res *Result) error {
	if e.detector == nil {
		return errors.New("dev gate requires a drift detector")
	}

	planPath := filepath.Join(e.StoryDir(storyID), PatchPlanFile)
	data, err := e.validateArtifact(res, SchemaPatchPlan, planPath)
	if err != nil {
		return err
	}
	var p plan.PatchPlan
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decoding patch plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		res.add(Check{Name: "patch-plan", Message: err.Error()})
		return fmt.Errorf("invalid patch plan: %w", err)
	}
	if p.StoryID != storyID {
		msg := fmt.Sprintf("patch plan belongs to story %s", p.StoryID)
		res.add(Check{Name: "patch-plan", Message: msg})
		return errors.New(msg)
	}

	results, err := e.preflight.Run(ctx, preflight.Input{Root: e.cfg.Root, StoryID: storyID, Files: p.Paths()})
	for _, r := range results {
		res.add(Check{Name: "preflight:" + r.Name, Passed: r.Passed, Message: r.Message, Details: r.Details})
	}
	if err != nil {
		return err
	}
	if !preflight.Passed(results) {
		return errors.New("preflight checks failed")
	}

	if err := e.sign(res, planPath, &p); err != nil {
		return err
	}

	report, err := e.detector.DetectPatchDrift(ctx, storyID, nil, &p)
	if err != nil {
		res.add(Check{Name: "drift", Message: err.Error()})
		return fmt.Errorf("drift detection: %w", err)
	}
	res.DriftReport = report

	c := Check{
		Name:    "drift",
		Passed:  true,
		Message: fmt.Sprintf("%s drift", report.Severity),
	}
	for _, a := range report.Alarms {
		c.Details = append(c.Details, a.Message)
	}
	switch report.Severity {
	case drift.SeverityCritical:
		c.Passed = false
		res.add(c)
		return &DriftSeverityError{
			StoryID:    storyID,
			Severity:   report.Severity,
			Critical:   report.DetectedChanges.Critical,
			Unlisted:   report.DetectedChanges.Unlisted,
			Unexpected: report.DetectedChanges.Unexpected,
		}
	case drift.SeverityHigh:
		c.Severity = SeverityWarning
	}
	res.add(c)
	return nil
}

// sign verifies a signed plan or signs an unsigned one in place.
func (e *Enforcer) sign(res *Result, path string, p *plan.PatchPlan) error {
	if p.IsSigned() {
		ok, err := p.VerifySignature()
		if err != nil {
			return err
		}
		if !ok {
			res.add(Check{Name: "patch-plan-signature", Message: "plan changed after it was signed"})
			return errors.New("patch plan signature does not match its content")
		}
		res.add(Check{Name: "patch-plan-signature", Passed: true, Message: "signed by " + p.SignedBy})
		return nil
	}

	if err := p.Sign(e.cfg.SignedBy, e.now()); err != nil {
		return err
	}
	if err := plan.Save(path, p); err != nil {
		return fmt.Errorf("writing signed patch plan: %w", err)
	}
	res.add(Check{Name: "patch-plan-signature", Passed: true, Message: "auto-signed by " + e.cfg.SignedBy})
	return nil
}

func (e *Enforcer) qa(ctx context.Context, storyID string, res *Result) error {
	dir := e.StoryDir(storyID)
	data, err := e.validateArtifact(res, SchemaTestResults, filepath.Join(dir, TestResultsFile))
	if err != nil {
		return err
	}
	var tr TestResults
	if err := json.Unmarshal(data, &tr); err != nil {
		return fmt.Errorf("decoding test results: %w", err)
	}

	c := Check{
		Name:    "acceptance-tests",
		Passed:  tr.Failed == 0,
		Message: fmt.Sprintf("%d passed, %d failed, %d skipped of %d", tr.Passed, tr.Failed, tr.Skipped, tr.Total),
	}
	for _, f := range tr.Failures {
		c.Details = append(c.Details, f.Name+": "+f.Message)
	}
	res.add(c)

	contract, err := loadContract(filepath.Join(dir, ContractFile))
	if err != nil {
		res.add(Check{Name: "contract", Message: err.Error()})
		return err
	}
	if contract != nil {
		for _, cond := range contract.PostConditions {
			verify := "acceptance suite"
			if cond.Verify != "" {
				verify = cond.Verify
			}
			res.add(Check{
				Name:     "post-condition:" + cond.ID,
				Passed:   true,
				Severity: SeverityInfo,
				Message:  cond.Description,
				Details:  []string{"verified by " + verify},
			})
		}
	}

	if tr.Failed > 0 {
		return fmt.Errorf("%d acceptance tests failed", tr.Failed)
	}
	return nil
}

// loadContract returns nil when the story has no contract.
func loadContract(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c Contract
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	for i := range c.PostConditions {
		if c.PostConditions[i].ID == "" {
			c.PostConditions[i].ID = fmt.Sprintf("PC-%d", i+1)
		}
	}
	return &c, nil
}
