package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/flatimage/flatimage/internal/pkg/env"
)

// BindKind selects which bwrap directive a user-defined binding expands to.
type BindKind string

const (
	BindRO  BindKind = "ro"
	BindRW  BindKind = "rw"
	BindDev BindKind = "dev"
)

// Binding is one entry of the user-defined bind database (§4.6 item 7):
// a source/destination pair plus the access mode to bind it with.
type Binding struct {
	Kind BindKind `json:"type"`
	Src  string   `json:"src"`
	Dst  string   `json:"dst"`
}

// LoadBindings reads the JSON bind database at path, returning entries in
// key order (decimal index keys in numeric order). A missing file is not
// an error: it means no extra bindings were configured.
func LoadBindings(path string) ([]Binding, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading bind database %s: %w", path, err)
	}

	var entries map[string]Binding
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parsing bind database %s: %w", path, err)
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) < len(keys[j])
		}
		return keys[i] < keys[j]
	})

	bindings := make([]Binding, 0, len(entries))
	for _, k := range keys {
		b := entries[k]
		if b.Kind != BindRO && b.Kind != BindRW && b.Kind != BindDev {
			return nil, fmt.Errorf("invalid binding type %q", b.Kind)
		}
		bindings = append(bindings, b)
	}
	return bindings, nil
}

// SaveBindings writes the bind database back to path as a JSON object
// keyed by decimal index, mirroring the shape LoadBindings reads.
func SaveBindings(path string, bindings []Binding) error {
	entries := make(map[string]Binding, len(bindings))
	for i, b := range bindings {
		entries[fmt.Sprintf("%d", i)] = b
	}
	buf, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding bind database: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, buf, 0o644)
}

func (b Binding) flag() string {
	switch b.Kind {
	case BindRO:
		return "--ro-bind-try"
	case BindDev:
		return "--dev-bind-try"
	default:
		return "--bind-try"
	}
}

func (b Binding) expand() (src, dst string) {
	return env.Expand(b.Src), env.Expand(b.Dst)
}
