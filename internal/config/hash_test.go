package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLockThenLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "inventory.yaml", "inventory:\n  spaces:\n    - uuid: s\n      path: /srv/s\n")
	path := writeFile(t, dir, "config.yaml", "include: [inventory.yaml]\n")

	locked, err := Lock(path)
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if len(locked) != 2 {
		t.Fatalf("len(locked) = %d, want 2", len(locked))
	}

	manifest, err := LoadChecksums(dir)
	if err != nil {
		t.Fatalf("LoadChecksums() failed: %v", err)
	}
	if len(manifest.Hashes) != 2 {
		t.Fatalf("len(manifest.Hashes) = %d, want 2", len(manifest.Hashes))
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load() of locked config failed: %v", err)
	}

	writeFile(t, dir, "inventory.yaml", "inventory:\n  spaces:\n    - uuid: evil\n      path: /\n")
	_, err = Load(path)
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("Load() error = %v, want hash mismatch", err)
	}
}

func TestLoadChecksumsMissing(t *testing.T) {
	if _, err := LoadChecksums(t.TempDir()); err == nil {
		t.Fatal("LoadChecksums() succeeded without a manifest")
	}
}

func TestVerifyFileHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}
	hash, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(hash) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(hash))
	}
	if err := VerifyFileHash(path, hash); err != nil {
		t.Errorf("VerifyFileHash() = %v", err)
	}
	if err := VerifyFileHash(path, strings.Repeat("0", 64)); err == nil {
		t.Error("VerifyFileHash() accepted a wrong hash")
	}
}
