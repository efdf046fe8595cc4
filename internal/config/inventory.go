package config

import (
	"context"
	"fmt"

	"github.com/mattjoyce/depositd/internal/backend"
	"github.com/mattjoyce/depositd/internal/location"
)

// SpaceSaver persists a space and verifies its storage.
type SpaceSaver interface {
	Save(ctx context.Context, sp location.Space) (backend.Verification, error)
}

// InventoryStore is where the rest of the configured inventory is written.
type InventoryStore interface {
	SaveLocation(ctx context.Context, loc location.Location) error
	SavePipeline(ctx context.Context, p location.Pipeline) error
	SaveSwordServer(ctx context.Context, w location.SwordServer) error
	LinkPipeline(ctx context.Context, locationUUID, pipelineUUID string) error
}

// spaceRows converts the configured spaces to inventory rows.
func (inv Inventory) spaceRows() []location.Space {
	out := make([]location.Space, 0, len(inv.Spaces))
	for _, sc := range inv.Spaces {
		sp := location.Space{
			UUID:     sc.UUID,
			Protocol: location.Protocol(sc.Protocol),
			Path:     sc.Path,
			Size:     sc.Size,
		}
		if sc.NFS != nil {
			sp.NFS = &location.NFSDetails{
				RemoteName:      sc.NFS.RemoteName,
				RemotePath:      sc.NFS.RemotePath,
				Version:         sc.NFS.Version,
				ManuallyMounted: sc.NFS.ManuallyMounted,
			}
		}
		out = append(out, sp)
	}
	return out
}

// Seed upserts the inventory. Spaces are verified as they are saved; an
// unverified space is stored, not rejected. Pipelines go before locations so
// locations can link to them.
func (inv Inventory) Seed(ctx context.Context, spaces SpaceSaver, store InventoryStore) error {
	for _, sp := range inv.spaceRows() {
		if err := sp.Validate(); err != nil {
			return err
		}
		if _, err := spaces.Save(ctx, sp); err != nil {
			return fmt.Errorf("seed space %s: %w", sp.UUID, err)
		}
	}

	for _, pc := range inv.Pipelines {
		enabled := pc.Enabled == nil || *pc.Enabled
		err := store.SavePipeline(ctx, location.Pipeline{
			UUID:        pc.UUID,
			Description: pc.Description,
			RemoteName:  pc.RemoteName,
			APIUsername: pc.APIUsername,
			APIKey:      pc.APIKey,
			Enabled:     enabled,
		})
		if err != nil {
			return fmt.Errorf("seed pipeline %s: %w", pc.UUID, err)
		}
	}

	for _, lc := range inv.Locations {
		err := store.SaveLocation(ctx, location.Location{
			UUID:         lc.UUID,
			SpaceUUID:    lc.Space,
			Purpose:      location.Purpose(lc.Purpose),
			RelativePath: lc.RelativePath,
			Description:  lc.Description,
			Quota:        lc.Quota,
			Disabled:     lc.Disabled,
		})
		if err != nil {
			return fmt.Errorf("seed location %s: %w", lc.UUID, err)
		}
		for _, p := range lc.Pipelines {
			if err := store.LinkPipeline(ctx, lc.UUID, p); err != nil {
				return fmt.Errorf("link location %s to pipeline %s: %w", lc.UUID, p, err)
			}
		}
	}

	for _, wc := range inv.SwordServers {
		err := store.SaveSwordServer(ctx, location.SwordServer{UUID: wc.UUID, SpaceUUID: wc.Space, PipelineUUID: wc.Pipeline})
		if err != nil {
			return fmt.Errorf("seed sword server %s: %w", wc.UUID, err)
		}
	}
	return nil
}
