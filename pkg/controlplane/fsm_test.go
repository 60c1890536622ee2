package controlplane

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/storage"
	"github.com/quarrylabs/quarry/pkg/types"
)

func newFSM(t *testing.T) (*FSM, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewFSM(store), store
}

func applyCommand(t *testing.T, fsm *FSM, op string, payload interface{}) interface{} {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	cmd, err := json.Marshal(Command{Op: op, Data: data})
	require.NoError(t, err)
	return fsm.Apply(&raft.Log{Data: cmd})
}

func TestFSMApplyVolumeLifecycle(t *testing.T) {
	fsm, store := newFSM(t)

	vol := &types.Volume{ID: "vol-1", ProjectID: "p1", SizeGB: 5, Status: types.VolumeStatusCreating}
	assert.Nil(t, applyCommand(t, fsm, "create_volume", vol))

	stored, err := store.GetVolume("vol-1")
	require.NoError(t, err)
	assert.Equal(t, 5, stored.SizeGB)

	stored.Status = types.VolumeStatusAvailable
	assert.Nil(t, applyCommand(t, fsm, "update_volume", stored))

	stored, err = store.GetVolume("vol-1")
	require.NoError(t, err)
	assert.Equal(t, types.VolumeStatusAvailable, stored.Status)

	assert.Nil(t, applyCommand(t, fsm, "delete_volume", "vol-1"))
	_, err = store.GetVolume("vol-1")
	assert.Error(t, err)
}

func TestFSMApplyQuotaUsage(t *testing.T) {
	fsm, store := newFSM(t)

	usage := &types.QuotaUsage{ProjectID: "p1", Resource: "gigabytes", InUse: 42}
	assert.Nil(t, applyCommand(t, fsm, "put_quota_usage", usage))

	stored, err := store.GetQuotaUsage("p1", "gigabytes")
	require.NoError(t, err)
	assert.Equal(t, 42, stored.InUse)
}

func TestFSMApplyUnknownCommand(t *testing.T) {
	fsm, _ := newFSM(t)
	resp := applyCommand(t, fsm, "explode", "boom")
	err, ok := resp.(error)
	require.True(t, ok)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestFSMSnapshotRestore(t *testing.T) {
	fsm, store := newFSM(t)

	require.NoError(t, store.CreateVolume(&types.Volume{ID: "vol-1", ProjectID: "p1", SizeGB: 3}))
	require.NoError(t, store.CreateSnapshot(&types.Snapshot{ID: "snap-1", VolumeID: "vol-1", VolumeSizeGB: 3}))
	require.NoError(t, store.CreateHost(&types.Host{ID: "host-1", Name: "host-1", CapacityGB: 100}))
	require.NoError(t, store.CreateVolumeType(&types.VolumeType{ID: "vt-1", Name: "fast"}))
	require.NoError(t, store.PutQuotaUsage(&types.QuotaUsage{ProjectID: "p1", Resource: "gigabytes", InUse: 3}))
	require.NoError(t, store.CreateVolumeImageMetadata("vol-1", map[string]string{"image_id": "img-1"}))
	require.NoError(t, store.CopyImageMetadataToSnapshot("vol-1", "snap-1"))

	snap, err := fsm.Snapshot()
	require.NoError(t, err)

	var buf bytes.Buffer
	sink := &memorySink{Buffer: &buf}
	require.NoError(t, snap.Persist(sink))
	snap.Release()

	restored, freshStore := newFSM(t)
	require.NoError(t, restored.Restore(io.NopCloser(&buf)))

	vol, err := freshStore.GetVolume("vol-1")
	require.NoError(t, err)
	assert.Equal(t, 3, vol.SizeGB)

	_, err = freshStore.GetSnapshot("snap-1")
	require.NoError(t, err)

	usage, err := freshStore.GetQuotaUsage("p1", "gigabytes")
	require.NoError(t, err)
	assert.Equal(t, 3, usage.InUse)

	md, err := freshStore.GetVolumeImageMetadata("vol-1")
	require.NoError(t, err)
	assert.Equal(t, "img-1", md["image_id"])

	smd, err := freshStore.GetSnapshotImageMetadata("snap-1")
	require.NoError(t, err)
	assert.Equal(t, "img-1", smd["image_id"])
}

// memorySink is an in-memory raft.SnapshotSink for tests
type memorySink struct {
	*bytes.Buffer
}

func (s *memorySink) Close() error  { return nil }
func (s *memorySink) Cancel() error { return nil }
func (s *memorySink) ID() string    { return "test" }
