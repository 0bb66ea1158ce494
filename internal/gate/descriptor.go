// Package gate implements the two local interceptors that admit or refuse
// pending work: the prompt gate and the operation gate. Both read the
// identity descriptor the session launcher writes and consult local git
// state; they share the identity contract with the broker.
package gate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DescriptorName is the identity descriptor path relative to the project
// root's .claude directory.
const DescriptorName = "instance-identity.json"

// claudeDir marks the project root; the gates walk up from the working
// directory until they find it.
const claudeDir = ".claude"

// Descriptor is the per-session identity file written by the launcher.
type Descriptor struct {
	InstanceID     string   `json:"instance_id"`
	BranchPrefix   string   `json:"branch_prefix"`
	ForbiddenPaths []string `json:"forbidden_paths,omitempty"`
	CanMerge       bool     `json:"can_merge"`

	// CheckCommands are optional helper commands the operation gate runs
	// against a pending file modification; each must emit the checker
	// result contract on stdout.
	CheckCommands []string `json:"check_commands,omitempty"`
}

// ErrNoProjectRoot reports that no ancestor directory contains .claude.
var ErrNoProjectRoot = errors.New("no .claude directory found in any ancestor")

// FindProjectRoot walks up from dir to the nearest ancestor containing a
// .claude directory.
func FindProjectRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		info, err := os.Stat(filepath.Join(dir, claudeDir))
		if err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNoProjectRoot
		}
		dir = parent
	}
}

// DescriptorPath returns the descriptor location under a project root.
func DescriptorPath(root string) string {
	return filepath.Join(root, claudeDir, DescriptorName)
}

// LoadDescriptor reads and validates the identity descriptor. The file must
// at least name an instance_id.
func LoadDescriptor(root string) (*Descriptor, error) {
	path := DescriptorPath(root)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if d.InstanceID == "" {
		return nil, fmt.Errorf("%s: instance_id is empty", path)
	}
	return &d, nil
}

// WriteDescriptor persists the descriptor, creating .claude if needed.
func WriteDescriptor(root string, d *Descriptor) error {
	dir := filepath.Join(root, claudeDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, DescriptorName), append(data, '\n'), 0o644)
}
