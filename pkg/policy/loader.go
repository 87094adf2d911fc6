package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Policy file names inside a policy directory.
const (
	RolesFile        = "roles.yaml"
	LanesFile        = "lanes.yaml"
	ToolRegistryFile = "tool_registry.yaml"
	ProhibitionsFile = "prohibitions.yaml"
)

// Loader reads versioned policy files from a directory.
type Loader struct {
	dir string
}

// NewLoader creates a loader for the given policy directory.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// Dir returns the policy directory.
func (l *Loader) Dir() string { return l.dir }

// LoadDocuments reads the policy files without compiling them.
func (l *Loader) LoadDocuments() (Documents, error) {
	var docs Documents
	if err := decodeFile(filepath.Join(l.dir, RolesFile), &docs.Roles, false); err != nil {
		return docs, err
	}
	if err := decodeFile(filepath.Join(l.dir, LanesFile), &docs.Lanes, false); err != nil {
		return docs, err
	}
	if err := decodeFile(filepath.Join(l.dir, ToolRegistryFile), &docs.Tools, false); err != nil {
		return docs, err
	}
	if err := decodeFile(filepath.Join(l.dir, ProhibitionsFile), &docs.Prohibitions, true); err != nil {
		return docs, err
	}
	return docs, nil
}

// Load reads and compiles the policy directory into a Snapshot.
func (l *Loader) Load(ctx context.Context) (*Snapshot, error) {
	docs, err := l.LoadDocuments()
	if err != nil {
		return nil, err
	}
	return Compile(ctx, docs)
}

func decodeFile(path string, out interface{}, optional bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("policy: read %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("policy: parse %s: %w", filepath.Base(path), err)
	}
	return nil
}
