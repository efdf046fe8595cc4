package location

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/depositd/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestSaveSpaceRoundTripsNFSExtension(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	sp := Space{
		UUID:     "space-nfs",
		Protocol: ProtocolNFS,
		Path:     "/mnt/archive",
		NFS:      &NFSDetails{RemoteName: "nas01", RemotePath: "/export/archive", ManuallyMounted: true},
	}
	if err := st.SaveSpace(ctx, sp); err != nil {
		t.Fatalf("SaveSpace() error = %v", err)
	}

	got, err := st.GetSpace(ctx, "space-nfs")
	if err != nil {
		t.Fatalf("GetSpace() error = %v", err)
	}
	if got.NFS == nil || got.NFS.RemoteName != "nas01" || !got.NFS.ManuallyMounted {
		t.Fatalf("unexpected NFS details: %#v", got.NFS)
	}
	if got.NFS.Version != "nfs4" {
		t.Fatalf("Version = %q, want default nfs4", got.NFS.Version)
	}

	// Switching protocol replaces the extension row.
	sp.Protocol = ProtocolLocal
	sp.NFS = nil
	if err := st.SaveSpace(ctx, sp); err != nil {
		t.Fatalf("SaveSpace(local) error = %v", err)
	}
	got, err = st.GetSpace(ctx, "space-nfs")
	if err != nil {
		t.Fatalf("GetSpace() error = %v", err)
	}
	if got.NFS != nil || got.Protocol != ProtocolLocal {
		t.Fatalf("expected local space without NFS details, got %#v", got)
	}
}

func TestSaveSpaceRejectsRelativePath(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	err := st.SaveSpace(context.Background(), Space{UUID: "s", Protocol: ProtocolLocal, Path: "relative/path"})
	if err == nil {
		t.Fatal("expected validation error for relative path")
	}
}

func TestUpdateSpaceVerification(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	if err := st.SaveSpace(ctx, Space{UUID: "s1", Protocol: ProtocolLocal, Path: "/data"}); err != nil {
		t.Fatalf("SaveSpace() error = %v", err)
	}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := st.UpdateSpaceVerification(ctx, "s1", true, at); err != nil {
		t.Fatalf("UpdateSpaceVerification() error = %v", err)
	}
	got, err := st.GetSpace(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSpace() error = %v", err)
	}
	if !got.Verified || got.LastVerified == nil || !got.LastVerified.Equal(at) {
		t.Fatalf("unexpected verification: verified=%v last=%v", got.Verified, got.LastVerified)
	}

	if err := st.UpdateSpaceVerification(ctx, "missing", true, at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetMissingRowsReturnNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	if _, err := st.GetSpace(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSpace: expected ErrNotFound, got %v", err)
	}
	if _, err := st.GetLocation(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetLocation: expected ErrNotFound, got %v", err)
	}
	if _, err := st.GetPipeline(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetPipeline: expected ErrNotFound, got %v", err)
	}
	if _, err := st.GetFile(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetFile: expected ErrNotFound, got %v", err)
	}
}

func TestFileLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	if err := st.SaveSpace(ctx, Space{UUID: "s1", Protocol: ProtocolLocal, Path: "/data"}); err != nil {
		t.Fatalf("SaveSpace() error = %v", err)
	}
	if err := st.SaveLocation(ctx, Location{UUID: "aip", SpaceUUID: "s1", Purpose: PurposeAIPStorage, RelativePath: "aips"}); err != nil {
		t.Fatalf("SaveLocation() error = %v", err)
	}
	f := File{UUID: "f1", CurrentLocation: "aip", CurrentPath: "pkg.7z", OriginPath: "/tmp/pkg.7z", PackageType: PackageAIP}
	if err := st.CreateFile(ctx, f); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	if err := st.MarkFileStored(ctx, "f1", "abc123", 42); err != nil {
		t.Fatalf("MarkFileStored() error = %v", err)
	}
	got, err := st.GetFile(ctx, "f1")
	if err != nil {
		t.Fatalf("GetFile() error = %v", err)
	}
	if !got.Uploaded || got.Checksum != "abc123" || got.Size != 42 || got.OriginLocation != "" {
		t.Fatalf("unexpected file: %#v", got)
	}
}

func TestListSwordSpaces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	for _, id := range []string{"plain", "sword"} {
		if err := st.SaveSpace(ctx, Space{UUID: id, Protocol: ProtocolLocal, Path: "/" + id}); err != nil {
			t.Fatalf("SaveSpace(%s) error = %v", id, err)
		}
	}
	if err := st.SavePipeline(ctx, Pipeline{UUID: "p1", Enabled: true}); err != nil {
		t.Fatalf("SavePipeline() error = %v", err)
	}
	if err := st.SaveSwordServer(ctx, SwordServer{UUID: "w1", SpaceUUID: "sword", PipelineUUID: "p1"}); err != nil {
		t.Fatalf("SaveSwordServer() error = %v", err)
	}

	spaces, err := st.ListSwordSpaces(ctx)
	if err != nil {
		t.Fatalf("ListSwordSpaces() error = %v", err)
	}
	if len(spaces) != 1 || spaces[0].UUID != "sword" {
		t.Fatalf("unexpected sword spaces: %#v", spaces)
	}
}
