package flow

import (
	"context"
	"errors"

	"github.com/quarrylabs/quarry/pkg/image"
	"github.com/quarrylabs/quarry/pkg/storage"
	"github.com/quarrylabs/quarry/pkg/types"
)

// TaskSpec is the sealed description of how a volume's data gets populated.
// Exactly one concrete implementation exists per creation strategy; dispatch
// switches over them exhaustively.
type TaskSpec interface {
	// Strategy names the creation strategy for logs and metrics
	Strategy() string

	isTaskSpec()
}

// RawSpec creates an empty volume
type RawSpec struct{}

func (RawSpec) Strategy() string { return "raw" }
func (RawSpec) isTaskSpec()      {}

// FromSnapshotSpec populates the volume from a snapshot
type FromSnapshotSpec struct {
	Snapshot *types.Snapshot
}

func (*FromSnapshotSpec) Strategy() string { return "snapshot" }
func (*FromSnapshotSpec) isTaskSpec()      {}

// FromSourceSpec clones the volume from an existing volume. SourceStatus is
// captured at build time so a failed clone can put the source back the way it
// was found.
type FromSourceSpec struct {
	Source       *types.Volume
	SourceStatus types.VolumeStatus
}

func (*FromSourceSpec) Strategy() string { return "source_volume" }
func (*FromSourceSpec) isTaskSpec()      {}

// FromImageSpec populates the volume from a catalog image. Meta and Location
// are fetched eagerly so dispatch never talks to the catalog for metadata.
type FromImageSpec struct {
	ImageID  string
	Meta     *types.ImageMeta
	Location *types.ImageLocation
}

func (*FromImageSpec) Strategy() string { return "image" }
func (*FromImageSpec) isTaskSpec()      {}

// BuildTaskSpec resolves the creation strategy for a committed volume entry.
// Priority when several sources appear: snapshot, then source volume, then
// image, then raw.
func BuildTaskSpec(ctx context.Context, store storage.Store, catalog image.Client, vol *types.Volume) (TaskSpec, error) {
	switch {
	case vol.SnapshotID != "":
		snap, err := store.GetSnapshot(vol.SnapshotID)
		if err != nil {
			if errors.Is(err, storage.ErrSnapshotNotFound) {
				return nil, Wrap(KindSnapshotNotFound, "snapshot vanished before dispatch", err)
			}
			return nil, err
		}
		return &FromSnapshotSpec{Snapshot: snap}, nil

	case vol.SourceVolID != "":
		src, err := store.GetVolume(vol.SourceVolID)
		if err != nil {
			if errors.Is(err, storage.ErrVolumeNotFound) {
				return nil, Wrap(KindVolumeNotFound, "source volume vanished before dispatch", err)
			}
			return nil, err
		}
		return &FromSourceSpec{Source: src, SourceStatus: src.Status}, nil

	case vol.ImageID != "":
		meta, err := catalog.Show(ctx, vol.ImageID)
		if err != nil {
			if errors.Is(err, image.ErrImageNotFound) {
				return nil, Wrap(KindImageUnacceptable, "image vanished before dispatch", err)
			}
			return nil, err
		}
		loc, err := catalog.GetLocation(ctx, vol.ImageID)
		if err != nil && !errors.Is(err, image.ErrImageNotFound) {
			return nil, err
		}
		return &FromImageSpec{ImageID: vol.ImageID, Meta: meta, Location: loc}, nil

	default:
		return RawSpec{}, nil
	}
}
