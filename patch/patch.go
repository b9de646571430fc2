package patch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
)

// Patch operations.
const (
	OpAdd     = "add"
	OpReplace = "replace"
	OpRemove  = "remove"
)

// Patch is a single reversible step against a State.
// Path addresses exactly one value; Value is empty for removals.
type Patch struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

func (p Patch) IsAdd() bool     { return p.Op == OpAdd }
func (p Patch) IsReplace() bool { return p.Op == OpReplace }
func (p Patch) IsRemove() bool  { return p.Op == OpRemove }

// State is the flat path-to-value view of a tree that patches apply to.
type State map[string]json.RawMessage

// Clone returns a shallow copy; values are treated as immutable.
func (s State) Clone() State {
	return maps.Clone(s)
}

// Apply applies patches to s in order. Either all patches apply or s is
// left unchanged.
func Apply(s State, patches []Patch) error {
	if s == nil {
		return fmt.Errorf("apply to nil state")
	}
	next := s.Clone()
	for i, p := range patches {
		if err := applyOne(next, p); err != nil {
			return fmt.Errorf("patch %d: %w", i, err)
		}
	}
	clear(s)
	maps.Copy(s, next)
	return nil
}

func applyOne(s State, p Patch) error {
	if p.Path == "" {
		return fmt.Errorf("empty path")
	}
	_, exists := s[p.Path]
	switch {
	case p.IsAdd():
		if exists {
			return fmt.Errorf("add %q: path already exists", p.Path)
		}
		s[p.Path] = p.Value
	case p.IsReplace():
		if !exists {
			return fmt.Errorf("replace %q: path not found", p.Path)
		}
		s[p.Path] = p.Value
	case p.IsRemove():
		if !exists {
			return fmt.Errorf("remove %q: path not found", p.Path)
		}
		delete(s, p.Path)
	default:
		return fmt.Errorf("unknown op %q", p.Op)
	}
	return nil
}

// Diff returns the patch that sets path to value in s and the patch that
// reverts it. A nil value means removal. changed is false when s already
// holds an equal value, in which case no patches are produced.
func Diff(s State, path string, value json.RawMessage) (forward, inverse Patch, changed bool) {
	old, exists := s[path]
	switch {
	case value == nil && !exists:
		return Patch{}, Patch{}, false
	case value == nil:
		return Patch{Op: OpRemove, Path: path}, Patch{Op: OpAdd, Path: path, Value: old}, true
	case !exists:
		return Patch{Op: OpAdd, Path: path, Value: value}, Patch{Op: OpRemove, Path: path}, true
	case Equal(old, value):
		return Patch{}, Patch{}, false
	default:
		return Patch{Op: OpReplace, Path: path, Value: value}, Patch{Op: OpReplace, Path: path, Value: old}, true
	}
}

// Reverse returns patches in reverse order, which is the order inverse
// patches must be applied in.
func Reverse(patches []Patch) []Patch {
	out := make([]Patch, len(patches))
	for i, p := range patches {
		out[len(patches)-1-i] = p
	}
	return out
}

// Equal reports whether two JSON values are equal ignoring insignificant
// whitespace.
func Equal(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return false
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
