package preflight

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// SecretScanName is the registry name of the secret scan check.
const SecretScanName = "secret-scan"

// maxScanSize skips files too large to be hand-written source.
const maxScanSize = 1 << 20

// Finding is one detected secret. The secret itself is never kept.
type Finding struct {
	Path    string
	RuleID  string
	Line    int
	Preview string
}

// DetectFunc finds secrets in content.
type DetectFunc func(content string) ([]Finding, error)

// GitleaksDetector returns a DetectFunc backed by gitleaks' default rules
// with the allowlist merged in.
func GitleaksDetector(allowlist *Allowlist) DetectFunc {
	var (
		once     sync.Once
		detector *detect.Detector
		initErr  error
	)
	return func(content string) ([]Finding, error) {
		once.Do(func() {
			detector, initErr = detect.NewDetectorDefaultConfig()
			if initErr == nil && allowlist != nil {
				applyAllowlist(&detector.Config, allowlist)
			}
		})
		if initErr != nil {
			return nil, initErr
		}

		found := detector.DetectString(content)
		out := make([]Finding, 0, len(found))
		for _, f := range found {
			out = append(out, Finding{RuleID: f.RuleID, Line: f.StartLine, Preview: preview(f.Secret)})
		}
		return out, nil
	}
}

// applyAllowlist merges allowlist content patterns into the gitleaks config.
// Patterns were compiled when the allowlist was loaded.
func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) {
	global := &gitleaksConfig.Allowlist{Description: "storygate allowlist"}
	for _, pattern := range allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
}

// SecretScan returns a check that scans the declared files for secrets.
// Missing, oversized and path-allowlisted files are skipped.
func SecretScan(detectFn DetectFunc, allowlist *Allowlist) CheckFunc {
	return func(ctx context.Context, in Input) (Result, error) {
		var findings []Finding
		scanned := 0
		for _, rel := range in.Files {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			if allowlist.AllowsPath(rel) {
				continue
			}
			abs := filepath.Join(in.Root, filepath.FromSlash(rel))
			info, err := os.Stat(abs)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return Result{}, err
			}
			if info.IsDir() || info.Size() > maxScanSize {
				continue
			}
			data, err := os.ReadFile(abs)
			if err != nil {
				return Result{}, fmt.Errorf("reading %s: %w", rel, err)
			}
			scanned++

			found, err := detectFn(string(data))
			if err != nil {
				return Result{}, fmt.Errorf("scanning %s: %w", rel, err)
			}
			for _, f := range found {
				f.Path = rel
				findings = append(findings, f)
			}
		}

		if len(findings) == 0 {
			return Result{Passed: true, Message: fmt.Sprintf("no secrets in %d files", scanned)}, nil
		}
		details := make([]string, 0, len(findings))
		for _, f := range findings {
			details = append(details, fmt.Sprintf("%s:%d %s (%s)", f.Path, f.Line, f.RuleID, f.Preview))
		}
		return Result{
			Passed:  false,
			Message: fmt.Sprintf("%d potential secrets found", len(findings)),
			Details: details,
		}, nil
	}
}

// preview keeps enough of a secret to locate it without disclosing it.
func preview(secret string) string {
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", 4)
}
