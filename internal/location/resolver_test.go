package location

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedPipeline(t *testing.T, st *Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, st.SaveSpace(ctx, Space{UUID: "sp", Protocol: ProtocolLocal, Path: "/var/archivematica"}))
	require.NoError(t, st.SavePipeline(ctx, Pipeline{UUID: "pipe", RemoteName: "am.local", APIUsername: "demo", APIKey: "k", Enabled: true}))
	require.NoError(t, st.SaveSwordServer(ctx, SwordServer{UUID: "sw", SpaceUUID: "sp", PipelineUUID: "pipe"}))
}

func TestFullPath(t *testing.T) {
	t.Parallel()

	got := FullPath(Space{Path: "/var/archivematica"}, Location{RelativePath: "sharedDirectory/"})
	assert.Equal(t, "/var/archivematica/sharedDirectory", got)
}

func TestProcessingLocation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	seedPipeline(t, st)
	r := NewResolver(st)

	_, _, err := r.ProcessingLocation(ctx, "pipe")
	assert.ErrorIs(t, err, ErrMisconfigured, "no processing location")

	require.NoError(t, st.SaveLocation(ctx, Location{UUID: "cp1", SpaceUUID: "sp", Purpose: PurposeCurrentlyProcessing, RelativePath: "sharedDirectory"}))
	require.NoError(t, st.LinkPipeline(ctx, "cp1", "pipe"))

	loc, path, err := r.ProcessingLocation(ctx, "pipe")
	require.NoError(t, err)
	assert.Equal(t, "cp1", loc.UUID)
	assert.Equal(t, "/var/archivematica/sharedDirectory", path)

	require.NoError(t, st.SaveLocation(ctx, Location{UUID: "cp2", SpaceUUID: "sp", Purpose: PurposeCurrentlyProcessing, RelativePath: "other"}))
	require.NoError(t, st.LinkPipeline(ctx, "cp2", "pipe"))

	_, _, err = r.ProcessingLocation(ctx, "pipe")
	assert.ErrorIs(t, err, ErrMisconfigured, "two processing locations")
}

func TestSpaceAndPipelineLookups(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	seedPipeline(t, st)
	r := NewResolver(st)

	sp, err := r.SpaceForPipeline(ctx, "pipe")
	require.NoError(t, err)
	assert.Equal(t, "sp", sp.UUID)

	_, err = r.SpaceForPipeline(ctx, "unknown")
	assert.True(t, errors.Is(err, ErrMisconfigured))

	p, err := r.PipelineForSpace(ctx, "sp")
	require.NoError(t, err)
	assert.Equal(t, "am.local", p.RemoteName)

	require.NoError(t, st.SaveSpace(ctx, Space{UUID: "bare", Protocol: ProtocolLocal, Path: "/bare"}))
	_, err = r.PipelineForSpace(ctx, "bare")
	assert.ErrorIs(t, err, ErrMisconfigured)
}
