package driver

import (
	"context"
	"sync"

	"github.com/quarrylabs/quarry/pkg/image"
	"github.com/quarrylabs/quarry/pkg/types"
)

// Fake is an in-memory driver for tests. Each method records its calls and
// can be forced to fail or, for CloneImage, to decline the zero-copy path.
type Fake struct {
	mu sync.Mutex

	CreateCalls         int
	FromSnapshotCalls   int
	ClonedCalls         int
	CloneImageCalls     int
	CopyImageCalls      int
	SnapshotCalls       int
	SnapshotDeleteCalls int
	ExportCalls         int
	DeleteCalls         int
	ExtendCalls         int

	CreateErr         error
	FromSnapshotErr   error
	ClonedErr         error
	CloneImageErr     error
	CopyImageErr      error
	SnapshotErr       error
	SnapshotDeleteErr error
	ExportErr         error
	DeleteErr         error
	ExtendErr         error

	// CloneImageSupported controls whether CloneImage reports a zero-copy
	// clone or declines
	CloneImageSupported bool

	// Update is returned from every successful provisioning call
	Update *types.ModelUpdate
}

// NewFake creates a fake driver that succeeds everywhere and declines
// zero-copy image clones
func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) CreateVolume(ctx context.Context, vol *types.Volume) (*types.ModelUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	return f.Update, nil
}

func (f *Fake) CreateVolumeFromSnapshot(ctx context.Context, vol *types.Volume, snap *types.Snapshot) (*types.ModelUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FromSnapshotCalls++
	if f.FromSnapshotErr != nil {
		return nil, f.FromSnapshotErr
	}
	return f.Update, nil
}

func (f *Fake) CreateClonedVolume(ctx context.Context, vol *types.Volume, src *types.Volume) (*types.ModelUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ClonedCalls++
	if f.ClonedErr != nil {
		return nil, f.ClonedErr
	}
	return f.Update, nil
}

func (f *Fake) CloneImage(ctx context.Context, vol *types.Volume, location *types.ImageLocation, imageID string) (*types.ModelUpdate, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CloneImageCalls++
	if f.CloneImageErr != nil {
		return nil, false, f.CloneImageErr
	}
	if !f.CloneImageSupported {
		return nil, false, nil
	}
	return f.Update, true, nil
}

func (f *Fake) CopyImageToVolume(ctx context.Context, vol *types.Volume, catalog image.Client, imageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CopyImageCalls++
	return f.CopyImageErr
}

func (f *Fake) CreateSnapshot(ctx context.Context, snap *types.Snapshot, vol *types.Volume) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SnapshotCalls++
	return f.SnapshotErr
}

func (f *Fake) DeleteSnapshot(ctx context.Context, snap *types.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SnapshotDeleteCalls++
	return f.SnapshotDeleteErr
}

func (f *Fake) CreateExport(ctx context.Context, vol *types.Volume) (*types.ModelUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ExportCalls++
	if f.ExportErr != nil {
		return nil, f.ExportErr
	}
	return f.Update, nil
}

func (f *Fake) EnsureExport(ctx context.Context, vol *types.Volume) error {
	return nil
}

func (f *Fake) DeleteVolume(ctx context.Context, vol *types.Volume) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeleteCalls++
	return f.DeleteErr
}

func (f *Fake) ExtendVolume(ctx context.Context, vol *types.Volume, newSizeGB int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ExtendCalls++
	return f.ExtendErr
}
