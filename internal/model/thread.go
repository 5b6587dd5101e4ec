package model

import (
	"fmt"
	"regexp"
	"strings"
)

// GlobalThreadID is reserved for the shared global memory directory.
const GlobalThreadID = "global"

var (
	threadIDRegexp      = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,127}$`)
	threadIDInvalidRune = regexp.MustCompile(`[^A-Za-z0-9_.\-]+`)
)

// ValidateThreadID checks the ID is safe to be used as a folder name.
func ValidateThreadID(id string) error {
	if id == "" {
		return fmt.Errorf("thread id is required: %w", ErrNotValid)
	}
	if !threadIDRegexp.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid thread id %q: %w", id, ErrNotValid)
	}
	if strings.EqualFold(id, GlobalThreadID) {
		return fmt.Errorf("thread id %q is reserved: %w", id, ErrNotValid)
	}
	return nil
}

// NormalizeThreadID converts an external conversation reference (e.g. `owner/repo#12`)
// into a folder safe thread ID (e.g. `owner-repo-12`).
func NormalizeThreadID(ref string) (string, error) {
	id := threadIDInvalidRune.ReplaceAllString(strings.TrimSpace(ref), "-")
	id = strings.Trim(id, "-._")
	for strings.Contains(id, "..") {
		id = strings.ReplaceAll(id, "..", ".")
	}
	if len(id) > 128 {
		id = id[:128]
	}
	if err := ValidateThreadID(id); err != nil {
		return "", fmt.Errorf("could not normalize %q: %w", ref, err)
	}
	return id, nil
}
