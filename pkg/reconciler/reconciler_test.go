package reconciler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/storage"
	"github.com/quarrylabs/quarry/pkg/types"
)

func newStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSweepMarksSilentHostsDown(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.CreateHost(&types.Host{
		ID:            "host-1",
		Name:          "host-1",
		Status:        types.HostStatusReady,
		LastHeartbeat: time.Now().Add(-2 * time.Minute),
	}))
	require.NoError(t, store.CreateHost(&types.Host{
		ID:            "host-2",
		Name:          "host-2",
		Status:        types.HostStatusReady,
		LastHeartbeat: time.Now(),
	}))

	r := New(store, 0)
	require.NoError(t, r.reconcile())

	h1, err := store.GetHost("host-1")
	require.NoError(t, err)
	assert.Equal(t, types.HostStatusDown, h1.Status)

	h2, err := store.GetHost("host-2")
	require.NoError(t, err)
	assert.Equal(t, types.HostStatusReady, h2.Status)
}

func TestSweepErrorsStuckVolumes(t *testing.T) {
	store := newStore(t)

	stale := time.Now().Add(-time.Hour)
	require.NoError(t, store.CreateVolume(&types.Volume{
		ID:        "vol-stuck",
		ProjectID: "p1",
		Status:    types.VolumeStatusCreating,
		UpdatedAt: stale,
	}))
	require.NoError(t, store.CreateVolume(&types.Volume{
		ID:        "vol-fine",
		ProjectID: "p1",
		Status:    types.VolumeStatusAvailable,
		UpdatedAt: stale,
	}))

	r := New(store, 0)
	require.NoError(t, r.reconcile())

	got, err := store.GetVolume("vol-stuck")
	require.NoError(t, err)
	assert.Equal(t, types.VolumeStatusError, got.Status)

	fine, err := store.GetVolume("vol-fine")
	require.NoError(t, err)
	assert.Equal(t, types.VolumeStatusAvailable, fine.Status)
}

func TestSweepLeavesFreshTransitionsAlone(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.CreateVolume(&types.Volume{
		ID:        "vol-1",
		ProjectID: "p1",
		Status:    types.VolumeStatusDownloading,
		UpdatedAt: time.Now(),
	}))

	r := New(store, 0)
	require.NoError(t, r.reconcile())

	got, err := store.GetVolume("vol-1")
	require.NoError(t, err)
	assert.Equal(t, types.VolumeStatusDownloading, got.Status)
}
