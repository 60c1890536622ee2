package driver

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"

	"github.com/quarrylabs/quarry/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCatalog struct {
	bits []byte
}

func (c *staticCatalog) Show(ctx context.Context, imageID string) (*types.ImageMeta, error) {
	return &types.ImageMeta{ID: imageID, SizeBytes: int64(len(c.bits))}, nil
}

func (c *staticCatalog) GetLocation(ctx context.Context, imageID string) (*types.ImageLocation, error) {
	return &types.ImageLocation{}, nil
}

func (c *staticCatalog) Download(ctx context.Context, imageID string, sink io.Writer) error {
	_, err := sink.Write(c.bits)
	return err
}

func TestLocalCreateAndDelete(t *testing.T) {
	d, err := NewLocalDriver(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	vol := &types.Volume{ID: "vol-1", SizeGB: 1}
	update, err := d.CreateVolume(ctx, vol)
	require.NoError(t, err)
	assert.Equal(t, "file://"+d.VolumePath(vol), update.ProviderLocation)

	info, err := os.Stat(d.VolumePath(vol))
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), info.Size())

	require.NoError(t, d.DeleteVolume(ctx, vol))
	_, err = os.Stat(d.VolumePath(vol))
	assert.True(t, os.IsNotExist(err))

	// Deleting again is not an error
	require.NoError(t, d.DeleteVolume(ctx, vol))
}

func TestLocalClonedVolume(t *testing.T) {
	base := t.TempDir()
	d, err := NewLocalDriver(base)
	require.NoError(t, err)
	ctx := context.Background()

	src := &types.Volume{ID: "vol-src", SizeGB: 1}
	require.NoError(t, os.WriteFile(d.VolumePath(src), []byte("source data"), 0600))

	clone := &types.Volume{ID: "vol-clone", SizeGB: 1}
	_, err = d.CreateClonedVolume(ctx, clone, src)
	require.NoError(t, err)

	data := make([]byte, 11)
	f, err := os.Open(d.VolumePath(clone))
	require.NoError(t, err)
	defer f.Close()
	_, err = io.ReadFull(f, data)
	require.NoError(t, err)
	assert.Equal(t, []byte("source data"), data)

	info, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<30), info.Size())
}

func TestLocalFromSnapshot(t *testing.T) {
	d, err := NewLocalDriver(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	src := &types.Volume{ID: "vol-src", SizeGB: 1}
	require.NoError(t, os.WriteFile(d.VolumePath(src), []byte("snapshot data"), 0600))

	snap := &types.Snapshot{ID: "snap-1", VolumeSizeGB: 1}
	require.NoError(t, d.CreateSnapshot(ctx, snap, src))

	vol := &types.Volume{ID: "vol-1", SizeGB: 1}
	_, err = d.CreateVolumeFromSnapshot(ctx, vol, snap)
	require.NoError(t, err)

	data, err := os.ReadFile(d.VolumePath(vol))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("snapshot data")))
}

func TestLocalSnapshotDelete(t *testing.T) {
	d, err := NewLocalDriver(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	src := &types.Volume{ID: "vol-src", SizeGB: 1}
	require.NoError(t, os.WriteFile(d.VolumePath(src), []byte("data"), 0600))

	snap := &types.Snapshot{ID: "snap-1", VolumeSizeGB: 1}
	require.NoError(t, d.CreateSnapshot(ctx, snap, src))
	_, err = os.Stat(d.SnapshotPath(snap))
	require.NoError(t, err)

	require.NoError(t, d.DeleteSnapshot(ctx, snap))
	_, err = os.Stat(d.SnapshotPath(snap))
	assert.True(t, os.IsNotExist(err))

	// Deleting again is a no-op
	require.NoError(t, d.DeleteSnapshot(ctx, snap))
}

func TestLocalCloneImageDeclines(t *testing.T) {
	d, err := NewLocalDriver(t.TempDir())
	require.NoError(t, err)

	_, cloned, err := d.CloneImage(context.Background(), &types.Volume{ID: "vol-1"}, &types.ImageLocation{}, "img-1")
	require.NoError(t, err)
	assert.False(t, cloned)
}

func TestLocalCopyImageToVolume(t *testing.T) {
	d, err := NewLocalDriver(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	vol := &types.Volume{ID: "vol-1", SizeGB: 1}
	_, err = d.CreateVolume(ctx, vol)
	require.NoError(t, err)

	catalog := &staticCatalog{bits: []byte("image payload")}
	require.NoError(t, d.CopyImageToVolume(ctx, vol, catalog, "img-1"))

	data := make([]byte, 13)
	f, err := os.Open(d.VolumePath(vol))
	require.NoError(t, err)
	defer f.Close()
	_, err = io.ReadFull(f, data)
	require.NoError(t, err)
	assert.Equal(t, []byte("image payload"), data)
}

func TestLocalExtend(t *testing.T) {
	d, err := NewLocalDriver(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	vol := &types.Volume{ID: "vol-1", SizeGB: 1}
	_, err = d.CreateVolume(ctx, vol)
	require.NoError(t, err)

	require.NoError(t, d.ExtendVolume(ctx, vol, 2))
	info, err := os.Stat(d.VolumePath(vol))
	require.NoError(t, err)
	assert.Equal(t, int64(2<<30), info.Size())
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	fake := NewFake()
	reg.Register("fake", fake)

	d, err := reg.Get("fake")
	require.NoError(t, err)
	assert.Same(t, Driver(fake), d)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownDriver)
}
