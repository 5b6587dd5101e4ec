// Package file provides file helpers shared by the file based spools and mailboxes.
package file

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteAtomic writes data into a temporary file in the same directory and renames it,
// so readers never observe a partial file.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("could not create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // No-op after a successful rename.

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("could not write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("could not chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("could not close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("could not rename temp file: %w", err)
	}

	return nil
}

// MoveToDir moves a file into dir keeping its name, creating dir if required.
func MoveToDir(path, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("could not create directory: %w", err)
	}

	dst := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("could not move file: %w", err)
	}

	return dst, nil
}

// IsTemp returns true for the temporary files created by WriteAtomic.
func IsTemp(name string) bool {
	base := filepath.Base(name)
	return len(base) > 0 && base[0] == '.'
}
