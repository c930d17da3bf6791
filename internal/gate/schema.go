package gate

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Artifact schema names.
const (
	SchemaBrief        = "brief"
	SchemaPRD          = "prd"
	SchemaArchitecture = "architecture"
	SchemaPatchPlan    = "patch-plan"
	SchemaTestResults  = "test-results"
)

//go:embed schemas/*.schema.json
var embedded embed.FS

// Schemas compiles and caches artifact schemas. A file named
// <name>.schema.json in the override directory replaces the embedded one.
type Schemas struct {
	dir string

	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

// NewSchemas creates a schema registry. dir may be empty.
func NewSchemas(dir string) *Schemas {
	return &Schemas{dir: dir, compiled: make(map[string]*jsonschema.Schema)}
}

func (s *Schemas) schema(name string) (*jsonschema.Schema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sch, ok := s.compiled[name]; ok {
		return sch, nil
	}

	file := name + ".schema.json"
	var data []byte
	var err error
	if s.dir != "" {
		data, err = os.ReadFile(filepath.Join(s.dir, file))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading schema %s: %w", file, err)
		}
	}
	if data == nil {
		data, err = embedded.ReadFile("schemas/" + file)
		if err != nil {
			return nil, fmt.Errorf("no schema named %s", name)
		}
	}

	url := "storygate:///" + file
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("adding schema %s: %w", file, err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compiling schema %s: %w", file, err)
	}
	s.compiled[name] = sch
	return sch, nil
}

// Validate checks raw JSON against the named schema. Violations are
// returned as *SchemaValidationError, anything else as a plain error.
func (s *Schemas) Validate(name, artifact string, data []byte) error {
	sch, err := s.schema(name)
	if err != nil {
		return err
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return &SchemaValidationError{
			Artifact:    artifact,
			FieldErrors: []FieldError{{Message: "invalid JSON: " + err.Error()}},
		}
	}

	err = sch.Validate(doc)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err
	}
	return &SchemaValidationError{Artifact: artifact, FieldErrors: fieldErrors(verr)}
}

// fieldErrors flattens a validation tree into its leaf violations.
// Missing required properties are reported at the property's own path.
func fieldErrors(root *jsonschema.ValidationError) []FieldError {
	var out []FieldError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, c := range e.Causes {
				walk(c)
			}
			return
		}
		if names, ok := missingProperties(e.Message); ok {
			for _, n := range names {
				out = append(out, FieldError{
					Path:    e.InstanceLocation + "/" + n,
					Message: "required property is missing",
				})
			}
			return
		}
		out = append(out, FieldError{Path: e.InstanceLocation, Message: e.Message})
	}
	walk(root)

	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func missingProperties(msg string) ([]string, bool) {
	const prefix = "missing properties: "
	if !strings.HasPrefix(msg, prefix) {
		return nil, false
	}
	var names []string
	for _, part := range strings.Split(strings.TrimPrefix(msg, prefix), ",") {
		name := strings.Trim(strings.TrimSpace(part), `'"`)
		if name != "" {
			names = append(names, name)
		}
	}
	return names, len(names) > 0
}
