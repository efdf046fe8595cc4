package config

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/depositd/internal/backend"
	"github.com/mattjoyce/depositd/internal/location"
	"github.com/mattjoyce/depositd/internal/space"
	"github.com/mattjoyce/depositd/internal/storage"
)

func TestInventorySeed(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	store := location.NewStore(db)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	verifier := space.NewVerifier(store, backend.NewRegistry(backend.Options{Logger: logger}), time.Minute, logger)
	swordRoot := t.TempDir()

	disabled := false
	inv := Inventory{
		Spaces: []SpaceConf{
			{UUID: "sword", Protocol: "FS", Path: swordRoot},
			{UUID: "shared", Protocol: "NFS", Path: "/mnt/shared", NFS: &NFSConf{RemoteName: "filer", RemotePath: "/export", Version: "nfs4"}},
		},
		Pipelines: []PipelineConf{
			{UUID: "pipe", RemoteName: "am", APIUsername: "demo", APIKey: "k"},
			{UUID: "off", RemoteName: "old", Enabled: &disabled},
		},
		Locations: []LocationConf{
			{UUID: "cp", Space: "shared", Purpose: "CP", RelativePath: "currentlyProcessing", Pipelines: []string{"pipe"}},
		},
		SwordServers: []SwordServerConf{{UUID: "sw", Space: "sword", Pipeline: "pipe"}},
	}

	// Seeding twice must be harmless.
	for i := 0; i < 2; i++ {
		if err := inv.Seed(ctx, verifier, store); err != nil {
			t.Fatalf("Seed() #%d failed: %v", i, err)
		}
	}

	sword, err := store.GetSpace(ctx, "sword")
	if err != nil {
		t.Fatal(err)
	}
	if !sword.Verified || sword.LastVerified == nil {
		t.Errorf("local space should be verified on seed: %+v", sword)
	}
	if _, ok := verifier.Cached("sword"); !ok {
		t.Error("seeded space verification should be cached")
	}

	sp, err := store.GetSpace(ctx, "shared")
	if err != nil {
		t.Fatal(err)
	}
	if sp.NFS == nil || sp.NFS.RemoteName != "filer" {
		t.Errorf("NFS details not stored: %+v", sp.NFS)
	}

	p, err := store.GetPipeline(ctx, "off")
	if err != nil {
		t.Fatal(err)
	}
	if p.Enabled {
		t.Error("pipeline off should be disabled")
	}

	_, cpPath, err := location.NewResolver(store).ProcessingLocation(ctx, "pipe")
	if err != nil {
		t.Fatalf("ProcessingLocation() failed: %v", err)
	}
	if cpPath != "/mnt/shared/currentlyProcessing" {
		t.Errorf("processing path = %q", cpPath)
	}

	w, err := store.SwordServerForSpace(ctx, "sword")
	if err != nil {
		t.Fatal(err)
	}
	if w.PipelineUUID != "pipe" {
		t.Errorf("sword server pipeline = %q", w.PipelineUUID)
	}
}

func TestInventorySeedRejectsInvalidSpace(t *testing.T) {
	inv := Inventory{Spaces: []SpaceConf{{UUID: "s", Protocol: "FS", Path: "relative"}}}
	if err := inv.Seed(context.Background(), nil, nil); err == nil {
		t.Fatal("Seed() accepted a relative space path")
	}
}
