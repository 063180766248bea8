//go:build linux

package storage

import (
	"os"
	"strings"
	"testing"
)

func TestDetectFilesystemTypeOnLocalDir(t *testing.T) {
	t.Parallel()

	fs, err := detectFilesystemType(t.TempDir())
	if err != nil {
		t.Fatalf("detectFilesystemType: %v", err)
	}
	if fs == "" {
		t.Fatal("expected a filesystem name or magic")
	}
	if isNetworkFilesystem(fs) {
		t.Fatalf("temp dir reported as network filesystem %q", fs)
	}
}

func TestDetectFilesystemTypeMissingPath(t *testing.T) {
	t.Parallel()

	_, err := detectFilesystemType("/nonexistent/pushpool/spill")
	if err == nil || !strings.Contains(err.Error(), "statfs") {
		t.Fatalf("expected statfs error, got %v", err)
	}
}

func TestIsVolatileDevShm(t *testing.T) {
	t.Parallel()

	mounts, err := os.ReadFile("/proc/mounts")
	if err != nil || !strings.Contains(string(mounts), " /dev/shm tmpfs ") {
		t.Skip("/dev/shm is not a tmpfs mount here")
	}
	vol, known := IsVolatile("/dev/shm")
	if !vol || !known {
		t.Fatalf("IsVolatile(/dev/shm)=(%v,%v), want (true,true)", vol, known)
	}
}
