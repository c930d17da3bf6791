package drift

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// IgnoreFiles are read from the repository root, in order, on top of the
// configured ignore patterns.
var IgnoreFiles = []string{".gitignore", ".storygateignore"}

// Matcher matches repository-relative slash paths against gitignore-style
// patterns. The zero value matches nothing.
type Matcher struct {
	m gitignore.Matcher
}

// NewMatcher compiles patterns rooted at the repository root.
func NewMatcher(patterns []string) *Matcher {
	ps := make([]gitignore.Pattern, 0, len(patterns))
	for _, p := range patterns {
		if line := parseLine(p); line != "" {
			ps = append(ps, gitignore.ParsePattern(line, nil))
		}
	}
	return &Matcher{m: gitignore.NewMatcher(ps)}
}

// Match reports whether the slash-separated path matches.
func (m *Matcher) Match(rel string, isDir bool) bool {
	if m == nil || m.m == nil || rel == "" || rel == "." {
		return false
	}
	return m.m.Match(strings.Split(rel, "/"), isDir)
}

// LoadIgnorePatterns returns base followed by the patterns found in the
// repository's ignore files. Missing ignore files are skipped.
func LoadIgnorePatterns(root string, base []string) ([]string, error) {
	patterns := append([]string(nil), base...)
	for _, name := range IgnoreFiles {
		filePatterns, err := parseFile(filepath.Join(root, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		patterns = append(patterns, filePatterns...)
	}
	return deduplicate(patterns), nil
}

// parseFile reads a single gitignore-style file and returns its patterns.
func parseFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var patterns []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if pattern := parseLine(scanner.Text()); pattern != "" {
			patterns = append(patterns, pattern)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return patterns, nil
}

// parseLine trims a pattern line, returning "" for blanks and comments.
// Negations are kept; the matcher honours them.
func parseLine(line string) string {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	return line
}

func deduplicate(patterns []string) []string {
	seen := make(map[string]bool, len(patterns))
	result := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if !seen[p] {
			seen[p] = true
			result = append(result, p)
		}
	}
	return result
}
