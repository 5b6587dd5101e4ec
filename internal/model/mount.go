package model

import (
	"fmt"
	"path/filepath"
	"strings"
)

// MountAccess is the access mode of a mount.
type MountAccess string

const (
	MountAccessReadOnly  MountAccess = "read-only"
	MountAccessReadWrite MountAccess = "read-write"
)

// Allows returns true if this access is enough for the requested one.
func (a MountAccess) Allows(requested MountAccess) bool {
	if a == MountAccessReadWrite {
		return true
	}
	return a == MountAccessReadOnly && requested == MountAccessReadOnly
}

// Mount is a host path exposed to a container.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Access returns the access the mount needs.
func (m Mount) Access() MountAccess {
	if m.ReadOnly {
		return MountAccessReadOnly
	}
	return MountAccessReadWrite
}

// AdditionalMount is a user configured mount for a thread. The container path is
// always placed under the extra mounts directory.
type AdditionalMount struct {
	HostPath string `yaml:"hostPath"`
	Name     string `yaml:"name"`
	ReadOnly bool   `yaml:"readOnly"`
}

// Validate validates the additional mount.
func (m AdditionalMount) Validate() error {
	if m.HostPath == "" {
		return fmt.Errorf("host path is required: %w", ErrNotValid)
	}
	name := m.Name
	if name == "" {
		name = filepath.Base(m.HostPath)
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid mount name %q: %w", name, ErrNotValid)
	}
	return nil
}

// ContainerName returns the name used under the extra mounts directory.
func (m AdditionalMount) ContainerName() string {
	if m.Name != "" {
		return m.Name
	}
	return filepath.Base(m.HostPath)
}

// AllowlistEntry is one allowed host path prefix.
type AllowlistEntry struct {
	PathPrefix  string      `yaml:"path"`
	Access      MountAccess `yaml:"access"`
	Description string      `yaml:"description,omitempty"`
}

// MountAllowlist is the ordered process wide allowlist.
type MountAllowlist struct {
	Entries []AllowlistEntry `yaml:"allowedRoots"`
	// BlockedPatterns are path components that are never mounted, even under an allowed prefix.
	BlockedPatterns []string `yaml:"blockedPatterns"`
	// NonMainReadOnly forces every additional mount of a non main thread to be read-only.
	NonMainReadOnly bool `yaml:"nonMainReadOnly"`
}

// Validate validates the allowlist.
func (a MountAllowlist) Validate() error {
	for i, e := range a.Entries {
		if e.PathPrefix == "" {
			return fmt.Errorf("allowlist entry %d: path is required: %w", i, ErrNotValid)
		}
		switch e.Access {
		case MountAccessReadOnly, MountAccessReadWrite:
		default:
			return fmt.Errorf("allowlist entry %d: unknown access %q: %w", i, e.Access, ErrNotValid)
		}
	}
	return nil
}
