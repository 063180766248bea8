package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

var volatileFilesystems = map[string]struct{}{
	"tmpfs": {},
	"ramfs": {},
}

// validateSQLiteFilesystem ensures the DB path is on a local filesystem.
func validateSQLiteFilesystem(path string) error {
	return validateSQLiteFilesystemWithDetector(path, detectFilesystemType)
}

func validateSQLiteFilesystemWithDetector(path string, detector func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}

	inspectPath, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve database path %q: %w", path, err)
	}

	fsType, err := detector(inspectPath)
	if err != nil {
		// Unknown platform or statfs failure: don't block startup on a guess.
		return nil
	}

	if isNetworkFilesystem(fsType) {
		return fmt.Errorf(
			"queue database %q is on network filesystem %q; SQLite requires a local filesystem for reliable locking. Point queue.sqlite.path at local disk",
			path,
			fsType,
		)
	}

	return nil
}

// IsVolatile reports whether dir sits on a memory-backed filesystem. Spill
// files are short-lived, so a tmpfs directory such as /dev/shm avoids disk
// writes entirely. The second return is false when detection is unsupported.
func IsVolatile(dir string) (volatile bool, known bool) {
	return isVolatileWithDetector(dir, detectFilesystemType)
}

func isVolatileWithDetector(dir string, detector func(string) (string, error)) (bool, bool) {
	inspectPath, err := nearestExistingPath(dir)
	if err != nil {
		return false, false
	}
	fsType, err := detector(inspectPath)
	if err != nil {
		return false, false
	}
	_, found := volatileFilesystems[strings.TrimSpace(strings.ToLower(fsType))]
	return found, true
}

func nearestExistingPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path: %w", err)
	}

	candidate := absPath
	for {
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", absPath)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	normalized := strings.TrimSpace(strings.ToLower(fsType))
	_, found := networkFilesystems[normalized]
	return found
}
