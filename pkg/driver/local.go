package driver

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/c2h5oh/datasize"

	"github.com/quarrylabs/quarry/pkg/image"
	"github.com/quarrylabs/quarry/pkg/types"
)

// DefaultVolumesPath is the base directory for local volumes
const DefaultVolumesPath = "/var/lib/quarry/volumes"

func gbToBytes(sizeGB int) int64 {
	return int64(sizeGB) * int64(datasize.GB)
}

// LocalDriver implements a file-backed reference driver. Each volume is a
// sparse file sized to the volume's capacity; snapshots and clones are byte
// copies. Production backends (LVM, RBD, SAN appliances) implement the same
// Driver interface against their own control paths.
type LocalDriver struct {
	basePath string
}

// NewLocalDriver creates a new local volume driver
func NewLocalDriver(basePath string) (*LocalDriver, error) {
	if basePath == "" {
		basePath = DefaultVolumesPath
	}

	// Ensure base directory exists
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create volumes directory: %w", err)
	}

	return &LocalDriver{
		basePath: basePath,
	}, nil
}

// VolumePath returns the backing file path for a volume
func (d *LocalDriver) VolumePath(vol *types.Volume) string {
	return filepath.Join(d.basePath, vol.ID)
}

// SnapshotPath returns the backing file path for a snapshot
func (d *LocalDriver) SnapshotPath(snap *types.Snapshot) string {
	return filepath.Join(d.basePath, "snapshots", snap.ID)
}

// CreateVolume provisions a sparse file of the volume's size
func (d *LocalDriver) CreateVolume(ctx context.Context, vol *types.Volume) (*types.ModelUpdate, error) {
	path := d.VolumePath(vol)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create volume file: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(gbToBytes(vol.SizeGB)); err != nil {
		return nil, fmt.Errorf("failed to size volume file: %w", err)
	}

	return &types.ModelUpdate{
		ProviderLocation: "file://" + path,
	}, nil
}

// CreateVolumeFromSnapshot provisions a volume seeded from a snapshot's data
func (d *LocalDriver) CreateVolumeFromSnapshot(ctx context.Context, vol *types.Volume, snap *types.Snapshot) (*types.ModelUpdate, error) {
	if err := d.copyInto(d.SnapshotPath(snap), vol); err != nil {
		return nil, fmt.Errorf("failed to restore snapshot %s: %w", snap.ID, err)
	}
	return &types.ModelUpdate{
		ProviderLocation: "file://" + d.VolumePath(vol),
	}, nil
}

// CreateSnapshot copies the volume's backing file under snapshots/
func (d *LocalDriver) CreateSnapshot(ctx context.Context, snap *types.Snapshot, vol *types.Volume) error {
	if err := os.MkdirAll(filepath.Join(d.basePath, "snapshots"), 0755); err != nil {
		return fmt.Errorf("failed to create snapshots directory: %w", err)
	}

	src, err := os.Open(d.VolumePath(vol))
	if err != nil {
		return fmt.Errorf("failed to open volume file: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(d.SnapshotPath(snap), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to copy snapshot data: %w", err)
	}
	return nil
}

// DeleteSnapshot removes the snapshot's backing file
func (d *LocalDriver) DeleteSnapshot(ctx context.Context, snap *types.Snapshot) error {
	if err := os.Remove(d.SnapshotPath(snap)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete snapshot file: %w", err)
	}
	return nil
}

// CreateClonedVolume provisions a volume cloned from a source volume
func (d *LocalDriver) CreateClonedVolume(ctx context.Context, vol *types.Volume, src *types.Volume) (*types.ModelUpdate, error) {
	if err := d.copyInto(d.VolumePath(src), vol); err != nil {
		return nil, fmt.Errorf("failed to clone volume %s: %w", src.ID, err)
	}
	return &types.ModelUpdate{
		ProviderLocation: "file://" + d.VolumePath(vol),
	}, nil
}

// CloneImage always declines: the local driver has no zero-copy path, so
// callers fall back to CreateVolume plus CopyImageToVolume
func (d *LocalDriver) CloneImage(ctx context.Context, vol *types.Volume, location *types.ImageLocation, imageID string) (*types.ModelUpdate, bool, error) {
	return nil, false, nil
}

// CopyImageToVolume streams the image's bits into the volume's backing file
func (d *LocalDriver) CopyImageToVolume(ctx context.Context, vol *types.Volume, catalog image.Client, imageID string) error {
	f, err := os.OpenFile(d.VolumePath(vol), os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open volume file: %w", err)
	}
	defer f.Close()

	if err := catalog.Download(ctx, imageID, f); err != nil {
		return fmt.Errorf("failed to write image %s into volume: %w", imageID, err)
	}
	return nil
}

// CreateExport records the backing file location as the export
func (d *LocalDriver) CreateExport(ctx context.Context, vol *types.Volume) (*types.ModelUpdate, error) {
	path := d.VolumePath(vol)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("volume backing file missing: %w", err)
	}
	return &types.ModelUpdate{
		ProviderLocation: "file://" + path,
	}, nil
}

// EnsureExport verifies the backing file still exists after a restart
func (d *LocalDriver) EnsureExport(ctx context.Context, vol *types.Volume) error {
	if _, err := os.Stat(d.VolumePath(vol)); err != nil {
		return fmt.Errorf("volume backing file missing: %w", err)
	}
	return nil
}

// DeleteVolume removes the backing file
func (d *LocalDriver) DeleteVolume(ctx context.Context, vol *types.Volume) error {
	path := d.VolumePath(vol)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete volume file: %w", err)
	}
	return nil
}

// ExtendVolume grows the backing file
func (d *LocalDriver) ExtendVolume(ctx context.Context, vol *types.Volume, newSizeGB int) error {
	f, err := os.OpenFile(d.VolumePath(vol), os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open volume file: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(gbToBytes(newSizeGB)); err != nil {
		return fmt.Errorf("failed to extend volume file: %w", err)
	}
	return nil
}

// copyInto copies a source file into the volume's backing file, then pads
// it out to the volume's full size
func (d *LocalDriver) copyInto(srcPath string, vol *types.Volume) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(d.VolumePath(vol), os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return dst.Truncate(gbToBytes(vol.SizeGB))
}
