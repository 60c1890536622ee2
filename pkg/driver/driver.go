package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/quarrylabs/quarry/pkg/image"
	"github.com/quarrylabs/quarry/pkg/types"
)

// ErrUnknownDriver means no driver with that name is registered
var ErrUnknownDriver = errors.New("unknown storage driver")

// Driver is the capability set every storage backend implements.
// A returned ModelUpdate, when non-nil, contains volume fields the backend
// wants persisted (provider location, auth). A nil update means nothing
// to persist.
type Driver interface {
	// CreateVolume provisions a raw volume
	CreateVolume(ctx context.Context, vol *types.Volume) (*types.ModelUpdate, error)

	// CreateVolumeFromSnapshot provisions a volume seeded from a snapshot
	CreateVolumeFromSnapshot(ctx context.Context, vol *types.Volume, snap *types.Snapshot) (*types.ModelUpdate, error)

	// CreateClonedVolume provisions a volume cloned from a live source volume
	CreateClonedVolume(ctx context.Context, vol *types.Volume, src *types.Volume) (*types.ModelUpdate, error)

	// CloneImage attempts a zero-copy clone from an image location.
	// The bool reports whether the clone actually happened; false tells the
	// caller to fall back to CreateVolume plus CopyImageToVolume.
	CloneImage(ctx context.Context, vol *types.Volume, location *types.ImageLocation, imageID string) (*types.ModelUpdate, bool, error)

	// CopyImageToVolume streams an image's bits into an existing volume
	CopyImageToVolume(ctx context.Context, vol *types.Volume, catalog image.Client, imageID string) error

	// CreateSnapshot captures a point-in-time copy of the volume's data
	CreateSnapshot(ctx context.Context, snap *types.Snapshot, vol *types.Volume) error

	// DeleteSnapshot removes a snapshot's backing data
	DeleteSnapshot(ctx context.Context, snap *types.Snapshot) error

	// CreateExport makes the volume reachable by consumers
	CreateExport(ctx context.Context, vol *types.Volume) (*types.ModelUpdate, error)

	// EnsureExport re-establishes an export after a host restart
	EnsureExport(ctx context.Context, vol *types.Volume) error

	// DeleteVolume removes the backing storage
	DeleteVolume(ctx context.Context, vol *types.Volume) error

	// ExtendVolume grows the backing storage to newSizeGB
	ExtendVolume(ctx context.Context, vol *types.Volume, newSizeGB int) error
}

// Registry routes volume operations to the driver owning each backend name
type Registry struct {
	drivers map[string]Driver
}

// NewRegistry creates an empty driver registry
func NewRegistry() *Registry {
	return &Registry{
		drivers: make(map[string]Driver),
	}
}

// Register adds a driver under the given backend name
func (r *Registry) Register(name string, d Driver) {
	r.drivers[name] = d
}

// Get returns the driver for a backend name
func (r *Registry) Get(name string) (Driver, error) {
	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, name)
	}
	return d, nil
}
