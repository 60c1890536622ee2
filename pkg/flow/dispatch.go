package flow

import (
	"context"
	"fmt"

	"github.com/quarrylabs/quarry/pkg/driver"
	"github.com/quarrylabs/quarry/pkg/types"
)

// Glance-style image attributes copied onto volumes created from images
const (
	imageAttrID              = "image_id"
	imageAttrName            = "image_name"
	imageAttrSize            = "size"
	imageAttrDiskFormat      = "disk_format"
	imageAttrContainerFormat = "container_format"
	imageAttrMinDisk         = "min_disk"
	imageAttrMinRAM          = "min_ram"
)

// populate fills the volume's data according to its task spec and persists
// any model update the backend hands back. Driver errors propagate untagged;
// the failure branch classifies them as reschedulable by default.
func (f *Flow) populate(ctx context.Context, vol *types.Volume, spec TaskSpec) error {
	d, err := f.hostDriver(vol.Host)
	if err != nil {
		return fmt.Errorf("no driver for host %s: %w", vol.Host, err)
	}

	var update *types.ModelUpdate
	switch s := spec.(type) {
	case RawSpec:
		update, err = d.CreateVolume(ctx, vol)

	case *FromSnapshotSpec:
		update, err = d.CreateVolumeFromSnapshot(ctx, vol, s.Snapshot)
		if err == nil {
			err = f.inheritSnapshotImageMetadata(vol, s.Snapshot)
		}

	case *FromSourceSpec:
		update, err = d.CreateClonedVolume(ctx, vol, s.Source)
		if err == nil {
			err = f.inheritSourceImageMetadata(vol, s.Source)
		}

	case *FromImageSpec:
		update, err = f.populateFromImage(ctx, vol, d, s)

	default:
		return fmt.Errorf("unhandled task spec %T", spec)
	}
	if err != nil {
		return err
	}

	update.Apply(vol)
	// The backend already holds the data; rescheduling would duplicate it
	if err := f.store.UpdateVolume(vol); err != nil {
		return Wrap(KindMetadataUpdateFailure, "failed to persist volume after populate", err)
	}
	return nil
}

// populateFromImage tries a zero-copy clone first, then falls back to
// provisioning raw storage and streaming the image in. The volume sits in
// downloading for the duration of the stream.
func (f *Flow) populateFromImage(ctx context.Context, vol *types.Volume, d driver.Driver, s *FromImageSpec) (*types.ModelUpdate, error) {
	update, cloned, err := d.CloneImage(ctx, vol, s.Location, s.ImageID)
	if err != nil {
		return nil, Wrap(KindImageCopyFailure, "image clone failed", err)
	}
	if !cloned {
		update, err = d.CreateVolume(ctx, vol)
		if err != nil {
			return nil, err
		}

		vol.Status = types.VolumeStatusDownloading
		if err := f.store.UpdateVolume(vol); err != nil {
			return nil, fmt.Errorf("failed to mark volume downloading: %w", err)
		}

		if err := d.CopyImageToVolume(ctx, vol, f.catalog, s.ImageID); err != nil {
			return nil, Wrap(KindImageCopyFailure, "failed to copy image to volume", err)
		}

		vol.Status = types.VolumeStatusCreating
		if err := f.store.UpdateVolume(vol); err != nil {
			return nil, fmt.Errorf("failed to clear downloading status: %w", err)
		}
	}

	vol.Bootable = true
	if err := f.store.CreateVolumeImageMetadata(vol.ID, imageAttributes(s.Meta)); err != nil {
		return nil, Wrap(KindMetadataCreateFailure, "failed to record image metadata", err)
	}
	return update, nil
}

// inheritSnapshotImageMetadata carries the bootable flag and image metadata
// from the snapshot's lineage onto the new volume
func (f *Flow) inheritSnapshotImageMetadata(vol *types.Volume, snap *types.Snapshot) error {
	md, err := f.store.GetSnapshotImageMetadata(snap.ID)
	if err != nil {
		return Wrap(KindMetadataCopyFailure, "failed to read snapshot image metadata", err)
	}
	if len(md) == 0 {
		// Lineage may still be bootable even without snapshot metadata: fall
		// back to the snapshot's owning volume
		owner, err := f.store.GetVolume(snap.VolumeID)
		if err != nil {
			return nil // Owner gone, nothing to inherit
		}
		if !owner.Bootable {
			return nil
		}
		if err := f.store.CopyImageMetadataVolumeToVolume(owner.ID, vol.ID); err != nil {
			return Wrap(KindMetadataCopyFailure, "failed to copy image metadata from snapshot owner", err)
		}
		vol.Bootable = true
		return nil
	}
	if err := f.store.CopyImageMetadataFromSnapshot(snap.ID, vol.ID); err != nil {
		return Wrap(KindMetadataCopyFailure, "failed to copy image metadata from snapshot", err)
	}
	vol.Bootable = true
	return nil
}

// inheritSourceImageMetadata carries bootability from a cloned source volume
func (f *Flow) inheritSourceImageMetadata(vol *types.Volume, src *types.Volume) error {
	if !src.Bootable {
		return nil
	}
	if err := f.store.CopyImageMetadataVolumeToVolume(src.ID, vol.ID); err != nil {
		return Wrap(KindMetadataCopyFailure, "failed to copy image metadata from source volume", err)
	}
	vol.Bootable = true
	return nil
}

// imageAttributes flattens catalog metadata into the persisted attribute map
func imageAttributes(meta *types.ImageMeta) map[string]string {
	if meta == nil {
		return nil
	}
	attrs := map[string]string{
		imageAttrID:              meta.ID,
		imageAttrName:            meta.Name,
		imageAttrSize:            fmt.Sprintf("%d", meta.SizeBytes),
		imageAttrDiskFormat:      meta.DiskFormat,
		imageAttrContainerFormat: meta.ContainerFormat,
		imageAttrMinDisk:         fmt.Sprintf("%d", meta.MinDiskGB),
		imageAttrMinRAM:          fmt.Sprintf("%d", meta.MinRAMMB),
	}
	for k, v := range meta.Properties {
		attrs[k] = v
	}
	return attrs
}
