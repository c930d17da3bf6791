package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Allowlist contains path and content regex patterns excluded from secret scans.
type Allowlist struct {
	Paths   []string // File path regex patterns to ignore
	Regexes []string // Content regex patterns to ignore

	paths []*regexp.Regexp
}

// LoadAllowlists merges the project's .gitleaks.toml and an optional user
// allowlist file. Missing files are ignored; invalid ones are errors.
func LoadAllowlists(projectPath, userPath string) (*Allowlist, error) {
	merged := &Allowlist{Paths: []string{}, Regexes: []string{}}

	files := []string{}
	if projectPath != "" {
		files = append(files, filepath.Join(projectPath, ".gitleaks.toml"))
	}
	if userPath != "" {
		files = append(files, userPath)
	}

	for _, f := range files {
		al, err := loadTOML(f)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		merged.Paths = append(merged.Paths, al.Paths...)
		merged.Regexes = append(merged.Regexes, al.Regexes...)
	}

	if err := merged.compile(); err != nil {
		return nil, err
	}
	return merged, nil
}

// AllowsPath reports whether path matches an allowlisted path pattern.
func (a *Allowlist) AllowsPath(path string) bool {
	if a == nil {
		return false
	}
	if a.paths == nil && len(a.Paths) > 0 {
		if err := a.compile(); err != nil {
			return false
		}
	}
	for _, re := range a.paths {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func (a *Allowlist) compile() error {
	a.paths = make([]*regexp.Regexp, 0, len(a.Paths))
	for _, p := range a.Paths {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
		}
		a.paths = append(a.paths, re)
	}
	for _, p := range a.Regexes {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
		}
	}
	return nil
}

// loadTOML loads a single allowlist file in gitleaks' [allowlist] format.
func loadTOML(path string) (*Allowlist, error) {
	var config struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}

	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	return &Allowlist{
		Paths:   config.Allowlist.Paths,
		Regexes: config.Allowlist.Regexes,
	}, nil
}
