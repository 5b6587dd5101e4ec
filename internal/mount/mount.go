// Package mount validates the host paths exposed to sandboxes against an ordered allowlist.
//
// Validation is fail closed: every mount of a run (system mounts included) must resolve
// inside an allowed prefix with enough access, otherwise the run is rejected before spawn.
package mount

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
	"k8s.io/client-go/util/homedir"

	"github.com/slok/codeclaw/internal/conventions"
	"github.com/slok/codeclaw/internal/log"
	"github.com/slok/codeclaw/internal/model"
)

// DefaultBlockedPatterns are path components that are never mounted.
var DefaultBlockedPatterns = []string{
	".ssh", ".gnupg", ".gpg", ".aws", ".azure", ".gcloud", ".kube", ".docker",
	"credentials", ".env", ".netrc", ".npmrc", ".pypirc",
	"id_rsa", "id_ed25519", "private_key", ".secret",
}

// SystemEntries returns the allowlist entries for the directories codeclaw itself
// mounts into every sandbox.
func SystemEntries(dataDir string) []model.AllowlistEntry {
	return []model.AllowlistEntry{
		{PathPrefix: conventions.GroupsRoot(dataDir), Access: model.MountAccessReadWrite, Description: "thread working directories"},
		{PathPrefix: filepath.Join(dataDir, conventions.SessionsDir), Access: model.MountAccessReadWrite, Description: "agent sessions"},
		{PathPrefix: filepath.Join(dataDir, conventions.IPCDir), Access: model.MountAccessReadWrite, Description: "ipc mailboxes"},
	}
}

// LoadAllowlist loads a YAML allowlist file. A missing file returns an empty
// allowlist, so only the system entries are allowed.
func LoadAllowlist(path string) (model.MountAllowlist, error) {
	var a model.MountAllowlist
	if path == "" {
		return a, nil
	}

	data, err := os.ReadFile(ExpandHome(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return a, nil
		}
		return a, fmt.Errorf("reading allowlist: %w", err)
	}

	if err := yaml.Unmarshal(data, &a); err != nil {
		return a, fmt.Errorf("parsing allowlist: %w: %w", err, model.ErrNotValid)
	}
	if err := a.Validate(); err != nil {
		return a, err
	}

	return a, nil
}

// ExpandHome expands a leading `~` into the user home directory.
func ExpandHome(p string) string {
	if p == "~" {
		return homedir.HomeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(homedir.HomeDir(), p[2:])
	}
	return p
}

// Request is a mount to validate.
type Request struct {
	Mount  model.Mount
	IsMain bool
	// Additional marks user configured mounts, the ones affected by the non main read-only policy.
	Additional bool
}

type compiledEntry struct {
	prefix string
	entry  model.AllowlistEntry
}

type compiled struct {
	entries         []compiledEntry
	blocked         []string
	nonMainReadOnly bool
}

// ValidatorConfig is the configuration of the Validator.
type ValidatorConfig struct {
	// SystemEntries are always placed before the user allowlist entries.
	SystemEntries []model.AllowlistEntry
	Allowlist     model.MountAllowlist
	Logger        log.Logger
}

func (c *ValidatorConfig) defaults() error {
	if err := c.Allowlist.Validate(); err != nil {
		return err
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "mount.Validator"})
	return nil
}

// Validator validates mounts. The allowlist can be swapped at runtime, every
// validation uses a consistent snapshot of it.
type Validator struct {
	system  []model.AllowlistEntry
	current atomic.Pointer[compiled]
	logger  log.Logger
}

// NewValidator returns a new mount validator.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	v := &Validator{
		system: cfg.SystemEntries,
		logger: cfg.Logger,
	}
	v.current.Store(v.compile(cfg.Allowlist))

	return v, nil
}

// SetAllowlist replaces the user allowlist atomically.
func (v *Validator) SetAllowlist(a model.MountAllowlist) error {
	if err := a.Validate(); err != nil {
		return err
	}

	c := v.compile(a)
	v.current.Store(c)
	v.logger.Infof("Mount allowlist loaded with %d entries and %d blocked patterns", len(c.entries), len(c.blocked))

	return nil
}

// ReloadFile loads the allowlist file and swaps it. On error the previous allowlist is kept.
func (v *Validator) ReloadFile(path string) error {
	a, err := LoadAllowlist(path)
	if err != nil {
		return err
	}
	return v.SetAllowlist(a)
}

func (v *Validator) compile(a model.MountAllowlist) *compiled {
	c := &compiled{nonMainReadOnly: a.NonMainReadOnly}

	entries := append(append([]model.AllowlistEntry{}, v.system...), a.Entries...)
	for _, e := range entries {
		c.entries = append(c.entries, compiledEntry{prefix: resolvePrefix(e.PathPrefix), entry: e})
	}

	seen := map[string]struct{}{}
	for _, p := range append(append([]string{}, DefaultBlockedPatterns...), a.BlockedPatterns...) {
		if _, ok := seen[p]; ok || p == "" {
			continue
		}
		seen[p] = struct{}{}
		c.blocked = append(c.blocked, p)
	}

	return c
}

// Validate validates a single mount and returns it with the host path resolved.
func (v *Validator) Validate(req Request) (model.Mount, error) {
	return v.validate(v.current.Load(), req)
}

// ValidateAll validates every mount with the same allowlist snapshot. A single
// rejection rejects the whole set.
func (v *Validator) ValidateAll(reqs []Request) ([]model.Mount, error) {
	c := v.current.Load()

	mounts := make([]model.Mount, 0, len(reqs))
	for _, req := range reqs {
		m, err := v.validate(c, req)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, m)
	}

	return mounts, nil
}

func (v *Validator) validate(c *compiled, req Request) (model.Mount, error) {
	m := req.Mount

	if err := validateContainerPath(m.ContainerPath); err != nil {
		return model.Mount{}, err
	}

	abs, err := filepath.Abs(ExpandHome(m.HostPath))
	if err != nil {
		return model.Mount{}, fmt.Errorf("invalid host path %q: %w", m.HostPath, model.ErrMountRejected)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return model.Mount{}, fmt.Errorf("host path %q does not exist: %w", m.HostPath, model.ErrMountRejected)
	}

	if p := matchBlocked(real, c.blocked); p != "" {
		return model.Mount{}, fmt.Errorf("host path %q matches blocked pattern %q: %w", real, p, model.ErrMountRejected)
	}

	if req.Additional && !req.IsMain && c.nonMainReadOnly && !m.ReadOnly {
		return model.Mount{}, fmt.Errorf("read-write mount %q is not allowed for non main threads: %w", real, model.ErrMountRejected)
	}

	// The first matching prefix decides.
	for _, ce := range c.entries {
		if !isUnder(real, ce.prefix) {
			continue
		}
		if !ce.entry.Access.Allows(m.Access()) {
			return model.Mount{}, fmt.Errorf("host path %q requires %s but %q only allows %s: %w", real, m.Access(), ce.entry.PathPrefix, ce.entry.Access, model.ErrMountRejected)
		}

		m.HostPath = real
		v.logger.Debugf("Mount %s -> %s allowed by %q", real, m.ContainerPath, ce.entry.PathPrefix)
		return m, nil
	}

	return model.Mount{}, fmt.Errorf("host path %q is not under any allowed root: %w", real, model.ErrMountRejected)
}

func resolvePrefix(p string) string {
	abs, err := filepath.Abs(ExpandHome(p))
	if err != nil {
		return filepath.Clean(p)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	return abs
}

func isUnder(p, prefix string) bool {
	rel, err := filepath.Rel(prefix, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func matchBlocked(p string, patterns []string) string {
	parts := strings.Split(p, string(filepath.Separator))
	for _, pattern := range patterns {
		for _, part := range parts {
			if strings.Contains(part, pattern) {
				return pattern
			}
		}
	}
	return ""
}

func validateContainerPath(p string) error {
	if p == "" || !strings.HasPrefix(p, "/") {
		return fmt.Errorf("container path %q must be absolute: %w", p, model.ErrMountRejected)
	}
	if path.Clean(p) != p || strings.Contains(p, "..") {
		return fmt.Errorf("container path %q must be clean: %w", p, model.ErrMountRejected)
	}
	return nil
}
