package replay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ExpectedSuffix names the baseline paired with a vector file.
const ExpectedSuffix = ".expected.json"

const vectorSchemaURL = "replay://vector.schema.json"

const vectorSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["contract_version", "request_path"],
  "properties": {
    "vector_id":        {"type": "string", "minLength": 1},
    "id":               {"type": "string", "minLength": 1},
    "vector_version":   {"type": "string"},
    "contract_version": {"type": "string", "minLength": 1},
    "request_path":     {"type": "string", "minLength": 1},
    "description":      {"type": "string"},
    "include_paths":    {"type": "array", "items": {"type": "string", "minLength": 1}}
  }
}`

// Vector is a replay fixture. IncludePaths is nil when the file does not
// name any, in which case the default artifact set is fingerprinted.
type Vector struct {
	Path string `json:"-"`

	VectorID        string   `json:"vector_id,omitempty"`
	ID              string   `json:"id,omitempty"`
	VectorVersion   string   `json:"vector_version,omitempty"`
	ContractVersion string   `json:"contract_version"`
	RequestPath     string   `json:"request_path"`
	Description     string   `json:"description,omitempty"`
	IncludePaths    []string `json:"include_paths,omitempty"`
}

// Name is the identifier reported for the vector: vector_id, then id, then
// the file stem.
func (v Vector) Name() string {
	switch {
	case v.VectorID != "":
		return v.VectorID
	case v.ID != "":
		return v.ID
	}
	return strings.TrimSuffix(filepath.Base(v.Path), ".json")
}

func compileVectorSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(vectorSchemaURL, strings.NewReader(vectorSchema)); err != nil {
		return nil, fmt.Errorf("replay: vector schema: %w", err)
	}
	return c.Compile(vectorSchemaURL)
}

// Discover lists the vector files in dir in name order. Baselines are skipped.
func Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: vectors dir: %v", ErrBadInput, err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ExpectedSuffix) {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// ExpectedPath returns the baseline path for a vector file.
func ExpectedPath(vectorPath string) string {
	return strings.TrimSuffix(vectorPath, ".json") + ExpectedSuffix
}

func decodeVector(schema *jsonschema.Schema, path string) (Vector, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Vector{}, fmt.Errorf("%w: %s: %v", ErrInvalidVector, filepath.Base(path), err)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Vector{}, fmt.Errorf("%w: %s: %v", ErrInvalidVector, filepath.Base(path), err)
	}
	if err := schema.Validate(doc); err != nil {
		return Vector{}, fmt.Errorf("%w: %s: %v", ErrInvalidVector, filepath.Base(path), err)
	}
	var v Vector
	if err := json.Unmarshal(raw, &v); err != nil {
		return Vector{}, fmt.Errorf("%w: %s: %v", ErrInvalidVector, filepath.Base(path), err)
	}
	v.Path = path
	return v, nil
}
