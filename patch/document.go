package patch

import (
	"encoding/json"
	"fmt"
)

// Document is a tree's state together with a count of applied changes.
type Document struct {
	State   State
	Version int
}

// NewDocument creates an empty document.
func NewDocument() *Document {
	return &Document{State: State{}}
}

// Apply applies patches to the document, bumping the version.
func (d *Document) Apply(patches []Patch) error {
	if len(patches) == 0 {
		return nil
	}
	if err := Apply(d.State, patches); err != nil {
		return fmt.Errorf("apply to document v%d: %w", d.Version, err)
	}
	d.Version++
	return nil
}

// Set records and applies the change of path to value. It returns the
// forward and inverse patches, or nil slices if nothing changed.
func (d *Document) Set(path string, value json.RawMessage) (forward, inverse []Patch, err error) {
	fwd, inv, changed := Diff(d.State, path, value)
	if !changed {
		return nil, nil, nil
	}
	if err := d.Apply([]Patch{fwd}); err != nil {
		return nil, nil, err
	}
	return []Patch{fwd}, []Patch{inv}, nil
}

// Get returns the value at path.
func (d *Document) Get(path string) (json.RawMessage, bool) {
	v, ok := d.State[path]
	return v, ok
}
