//go:build !darwin && !linux

package storage

import (
	"errors"
	"fmt"
)

func detectFilesystemType(path string) (string, error) {
	return "", fmt.Errorf("statfs %q: %w", path, errors.ErrUnsupported)
}
