package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFSWorkspaceManagerCreate(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "scratch")
	mgr, err := NewFSManager(baseDir)
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	ws, err := mgr.Create(context.Background(), "batch-a")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	wantPath := filepath.Join(baseDir, "batch-a")
	if ws.Dir != wantPath {
		t.Fatalf("Create() dir = %q, want %q", ws.Dir, wantPath)
	}

	info, err := os.Stat(ws.Dir)
	if err != nil {
		t.Fatalf("Stat(workspace) error = %v", err)
	}
	if !info.IsDir() || info.Mode().Perm() != 0o700 {
		t.Fatalf("workspace should be a private directory, mode = %v", info.Mode())
	}

	if _, err := mgr.Create(context.Background(), "batch-a"); err == nil {
		t.Fatal("Create() of an existing workspace should fail")
	}
}

func TestFSWorkspaceManagerRemove(t *testing.T) {
	mgr, err := NewFSManager(filepath.Join(t.TempDir(), "scratch"))
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	ws, err := mgr.Create(context.Background(), "upload-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(ws.Dir, "payload"), []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if err := mgr.Remove(context.Background(), "upload-1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(ws.Dir); !os.IsNotExist(err) {
		t.Fatalf("workspace should be gone, err = %v", err)
	}
	if err := mgr.Remove(context.Background(), "upload-1"); err != nil {
		t.Fatalf("Remove() of missing workspace error = %v", err)
	}
}

func TestFSWorkspaceManagerRejectsBadIDs(t *testing.T) {
	mgr, err := NewFSManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if _, err := mgr.Create(context.Background(), id); err == nil {
			t.Errorf("Create(%q) should fail", id)
		}
	}
}

func TestFSWorkspaceManagerCleanup(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "scratch")
	mgr, err := NewFSManager(baseDir)
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	oldWS, err := mgr.Create(context.Background(), "batch-old")
	if err != nil {
		t.Fatalf("Create(old) error = %v", err)
	}
	newWS, err := mgr.Create(context.Background(), "batch-new")
	if err != nil {
		t.Fatalf("Create(new) error = %v", err)
	}

	oldTime := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldWS.Dir, oldTime, oldTime); err != nil {
		t.Fatalf("Chtimes(old workspace) error = %v", err)
	}

	report, err := mgr.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if report.DeletedDirs != 1 {
		t.Fatalf("Cleanup() deleted = %d, want 1", report.DeletedDirs)
	}

	if _, err := os.Stat(oldWS.Dir); !os.IsNotExist(err) {
		t.Fatalf("old workspace should be deleted, err = %v", err)
	}
	if _, err := os.Stat(newWS.Dir); err != nil {
		t.Fatalf("new workspace should still exist, err = %v", err)
	}
}
