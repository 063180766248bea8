package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLockThenLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "pool:\n  center_processes: 2\n")

	manifest, err := Lock(path)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if manifest.Hashes["config.yaml"] == "" {
		t.Fatalf("manifest missing hash: %+v", manifest)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load after lock: %v", err)
	}

	if err := os.WriteFile(path, []byte("pool:\n  center_processes: 3\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err = Load(path)
	if err == nil || !strings.Contains(err.Error(), "config verification failed") {
		t.Fatalf("expected verification failure, got %v", err)
	}

	if _, err := Lock(path); err != nil {
		t.Fatalf("re-Lock: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load after re-lock: %v", err)
	}
}

func TestVerifyChecksumWithoutManifest(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "{}\n")
	if err := VerifyChecksum(path); err != nil {
		t.Fatalf("expected no-op without manifest, got %v", err)
	}
}

func TestVerifyChecksumFileNotListed(t *testing.T) {
	dir := t.TempDir()
	other := filepath.Join(dir, "other.yaml")
	if err := os.WriteFile(other, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Lock(other); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	path := writeConfig(t, dir, "{}\n")
	err := VerifyChecksum(path)
	if err == nil || !strings.Contains(err.Error(), "has no hash") {
		t.Fatalf("expected missing hash error, got %v", err)
	}
}

func TestLoadChecksumsRejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ChecksumFile), []byte("version: 7\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadChecksums(dir); err == nil {
		t.Fatal("expected version error")
	}
}
