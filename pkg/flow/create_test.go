package flow

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/driver"
	"github.com/quarrylabs/quarry/pkg/events"
	"github.com/quarrylabs/quarry/pkg/image"
	"github.com/quarrylabs/quarry/pkg/keys"
	"github.com/quarrylabs/quarry/pkg/quota"
	"github.com/quarrylabs/quarry/pkg/storage"
	"github.com/quarrylabs/quarry/pkg/types"
)

type fakeCatalog struct {
	images map[string]*types.ImageMeta
}

func (c *fakeCatalog) Show(ctx context.Context, imageID string) (*types.ImageMeta, error) {
	meta, ok := c.images[imageID]
	if !ok {
		return nil, image.ErrImageNotFound
	}
	return meta, nil
}

func (c *fakeCatalog) GetLocation(ctx context.Context, imageID string) (*types.ImageLocation, error) {
	if _, ok := c.images[imageID]; !ok {
		return nil, image.ErrImageNotFound
	}
	return &types.ImageLocation{DirectURL: "fake://" + imageID}, nil
}

func (c *fakeCatalog) Download(ctx context.Context, imageID string, sink io.Writer) error {
	if _, ok := c.images[imageID]; !ok {
		return image.ErrImageNotFound
	}
	_, err := sink.Write([]byte("image-bits"))
	return err
}

type fakeRescheduler struct {
	calls int
	err   error
}

func (r *fakeRescheduler) CreateVolume(ctx context.Context, volumeID string, req *types.VolumeRequest) error {
	r.calls++
	return r.err
}

type harness struct {
	store   storage.Store
	ledger  *quota.Ledger
	drv     *driver.Fake
	catalog *fakeCatalog
	resched *fakeRescheduler
	flow    *Flow
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.CreateHost(&types.Host{
		ID:         "host-1",
		Name:       "host-1",
		Driver:     "fake",
		Status:     types.HostStatusReady,
		CapacityGB: 1000,
	}))

	drv := driver.NewFake()
	registry := driver.NewRegistry()
	registry.Register("fake", drv)

	catalog := &fakeCatalog{images: map[string]*types.ImageMeta{}}
	ledger := quota.NewLedger(store, nil)
	keyMgr := keys.NewMemoryManager()
	validator := NewValidator(store, catalog, keyMgr, ValidatorConfig{DefaultZone: "nova"})
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	f := New(store, ledger, registry, catalog, keyMgr, broker, validator)
	resched := &fakeRescheduler{}
	f.SetRescheduler(resched)

	return &harness{
		store:   store,
		ledger:  ledger,
		drv:     drv,
		catalog: catalog,
		resched: resched,
		flow:    f,
	}
}

// schedule stands in for the placement loop in tests
func (h *harness) schedule(t *testing.T, vol *types.Volume) {
	t.Helper()
	vol.Host = "host-1"
	require.NoError(t, h.store.UpdateVolume(vol))
}

func (h *harness) usage(t *testing.T, projectID, resource string) *types.QuotaUsage {
	t.Helper()
	u, err := h.ledger.Usage(projectID, resource)
	require.NoError(t, err)
	return u
}

func TestPrepareRejectsMultipleSources(t *testing.T) {
	h := newHarness(t)

	_, err := h.flow.Prepare(context.Background(), &types.VolumeRequest{
		ProjectID:   "p1",
		SizeGB:      1,
		SnapshotID:  "snap-1",
		SourceVolID: "vol-1",
	})
	require.Error(t, err)
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestPrepareRejectsNonPositiveSize(t *testing.T) {
	h := newHarness(t)

	for _, size := range []int{0, -3} {
		_, err := h.flow.Prepare(context.Background(), &types.VolumeRequest{
			ProjectID: "p1",
			SizeGB:    size,
		})
		require.Error(t, err)
		assert.Equal(t, KindInvalidInput, KindOf(err))
	}
}

func TestPrepareInheritsSizeFromSnapshot(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.CreateSnapshot(&types.Snapshot{
		ID:           "snap-1",
		VolumeID:     "vol-src",
		VolumeSizeGB: 7,
		Status:       types.SnapshotStatusAvailable,
	}))

	vol, err := h.flow.Prepare(context.Background(), &types.VolumeRequest{
		ProjectID:  "p1",
		SnapshotID: "snap-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 7, vol.SizeGB)
}

func TestPrepareRejectsShrinkingFromSnapshot(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.CreateSnapshot(&types.Snapshot{
		ID:           "snap-1",
		VolumeID:     "vol-src",
		VolumeSizeGB: 10,
		Status:       types.SnapshotStatusAvailable,
	}))

	_, err := h.flow.Prepare(context.Background(), &types.VolumeRequest{
		ProjectID:  "p1",
		SizeGB:     5,
		SnapshotID: "snap-1",
	})
	require.Error(t, err)
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestPrepareRejectsUnavailableSnapshot(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.CreateSnapshot(&types.Snapshot{
		ID:           "snap-1",
		VolumeID:     "vol-src",
		VolumeSizeGB: 1,
		Status:       types.SnapshotStatusCreating,
	}))

	_, err := h.flow.Prepare(context.Background(), &types.VolumeRequest{
		ProjectID:  "p1",
		SnapshotID: "snap-1",
	})
	require.Error(t, err)
	assert.Equal(t, KindInvalidSnapshot, KindOf(err))
}

func TestPrepareCommitsQuota(t *testing.T) {
	h := newHarness(t)

	vol, err := h.flow.Prepare(context.Background(), &types.VolumeRequest{
		ProjectID: "p1",
		SizeGB:    5,
	})
	require.NoError(t, err)

	gb := h.usage(t, "p1", quota.ResourceGigabytes)
	assert.Equal(t, 5, gb.InUse)
	assert.Equal(t, 0, gb.Reserved)
	count := h.usage(t, "p1", quota.ResourceVolumes)
	assert.Equal(t, 1, count.InUse)

	stored, err := h.store.GetVolume(vol.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VolumeStatusCreating, stored.Status)
}

func TestPrepareOverQuotaLeavesNothingBehind(t *testing.T) {
	h := newHarness(t)

	_, err := h.flow.Prepare(context.Background(), &types.VolumeRequest{
		ProjectID: "p1",
		SizeGB:    5000, // DefaultLimits caps gigabytes at 1000
	})
	require.Error(t, err)
	assert.Equal(t, KindSizeExceedsQuota, KindOf(err))

	var oq *quota.OverQuotaError
	assert.True(t, errors.As(err, &oq))

	gb := h.usage(t, "p1", quota.ResourceGigabytes)
	assert.Equal(t, 0, gb.InUse)
	assert.Equal(t, 0, gb.Reserved)

	vols, err := h.store.ListVolumes()
	require.NoError(t, err)
	assert.Empty(t, vols)
}

func TestPrepareVolumeCountQuota(t *testing.T) {
	h := newHarness(t)
	h.ledger = quota.NewLedger(h.store, quota.Limits{
		quota.ResourceVolumes:   0,
		quota.ResourceGigabytes: 1000,
	})
	h.flow.ledger = h.ledger

	_, err := h.flow.Prepare(context.Background(), &types.VolumeRequest{
		ProjectID: "p1",
		SizeGB:    1,
	})
	require.Error(t, err)
	assert.Equal(t, KindLimitExceeded, KindOf(err))
}

func TestRunRawVolume(t *testing.T) {
	h := newHarness(t)

	vol, err := h.flow.Prepare(context.Background(), &types.VolumeRequest{ProjectID: "p1", SizeGB: 2})
	require.NoError(t, err)
	h.schedule(t, vol)

	require.NoError(t, h.flow.Run(context.Background(), vol.ID, nil))

	stored, err := h.store.GetVolume(vol.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VolumeStatusAvailable, stored.Status)
	assert.False(t, stored.LaunchedAt.IsZero())
	assert.False(t, stored.Bootable)
	assert.Equal(t, 1, h.drv.CreateCalls)
	assert.Equal(t, 1, h.drv.ExportCalls)
}

func TestRunAppliesModelUpdate(t *testing.T) {
	h := newHarness(t)
	h.drv.Update = &types.ModelUpdate{ProviderLocation: "iscsi://host-1/lun0"}

	vol, err := h.flow.Prepare(context.Background(), &types.VolumeRequest{ProjectID: "p1", SizeGB: 1})
	require.NoError(t, err)
	h.schedule(t, vol)

	require.NoError(t, h.flow.Run(context.Background(), vol.ID, nil))

	stored, err := h.store.GetVolume(vol.ID)
	require.NoError(t, err)
	assert.Equal(t, "iscsi://host-1/lun0", stored.ProviderLocation)
}

func TestRunTargetStatusOverride(t *testing.T) {
	h := newHarness(t)

	req := &types.VolumeRequest{
		ProjectID:    "p1",
		SizeGB:       1,
		TargetStatus: types.VolumeStatusMigrationTarget,
	}
	vol, err := h.flow.Prepare(context.Background(), req)
	require.NoError(t, err)
	h.schedule(t, vol)

	require.NoError(t, h.flow.Run(context.Background(), vol.ID, req))

	stored, err := h.store.GetVolume(vol.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VolumeStatusMigrationTarget, stored.Status)
}

func TestRunFromImageFallsBackToCopy(t *testing.T) {
	h := newHarness(t)
	h.catalog.images["img-1"] = &types.ImageMeta{
		ID:         "img-1",
		Name:       "cirros",
		SizeBytes:  1 << 20,
		DiskFormat: "raw",
	}

	vol, err := h.flow.Prepare(context.Background(), &types.VolumeRequest{
		ProjectID: "p1",
		SizeGB:    1,
		ImageID:   "img-1",
	})
	require.NoError(t, err)
	h.schedule(t, vol)

	require.NoError(t, h.flow.Run(context.Background(), vol.ID, nil))

	assert.Equal(t, 1, h.drv.CloneImageCalls)
	assert.Equal(t, 1, h.drv.CreateCalls)
	assert.Equal(t, 1, h.drv.CopyImageCalls)

	stored, err := h.store.GetVolume(vol.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VolumeStatusAvailable, stored.Status)
	assert.True(t, stored.Bootable)

	md, err := h.store.GetVolumeImageMetadata(vol.ID)
	require.NoError(t, err)
	assert.Equal(t, "img-1", md["image_id"])
	assert.Equal(t, "cirros", md["image_name"])
}

func TestRunFromImageZeroCopyClone(t *testing.T) {
	h := newHarness(t)
	h.drv.CloneImageSupported = true
	h.catalog.images["img-1"] = &types.ImageMeta{ID: "img-1", SizeBytes: 1 << 20}

	vol, err := h.flow.Prepare(context.Background(), &types.VolumeRequest{
		ProjectID: "p1",
		SizeGB:    1,
		ImageID:   "img-1",
	})
	require.NoError(t, err)
	h.schedule(t, vol)

	require.NoError(t, h.flow.Run(context.Background(), vol.ID, nil))

	assert.Equal(t, 1, h.drv.CloneImageCalls)
	assert.Equal(t, 0, h.drv.CreateCalls)
	assert.Equal(t, 0, h.drv.CopyImageCalls)

	stored, err := h.store.GetVolume(vol.ID)
	require.NoError(t, err)
	assert.True(t, stored.Bootable)
}

func TestPrepareRejectsImageLargerThanVolume(t *testing.T) {
	h := newHarness(t)
	h.catalog.images["img-big"] = &types.ImageMeta{ID: "img-big", SizeBytes: 3 << 30}

	_, err := h.flow.Prepare(context.Background(), &types.VolumeRequest{
		ProjectID: "p1",
		SizeGB:    1,
		ImageID:   "img-big",
	})
	require.Error(t, err)
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestPrepareRejectsNonActiveImage(t *testing.T) {
	h := newHarness(t)
	h.catalog.images["img-q"] = &types.ImageMeta{ID: "img-q", SizeBytes: 1 << 20, Status: "queued"}
	h.catalog.images["img-a"] = &types.ImageMeta{ID: "img-a", SizeBytes: 1 << 20, Status: types.ImageStatusActive}

	_, err := h.flow.Prepare(context.Background(), &types.VolumeRequest{
		ProjectID: "p1",
		SizeGB:    1,
		ImageID:   "img-q",
	})
	require.Error(t, err)
	assert.Equal(t, KindImageUnacceptable, KindOf(err))

	_, err = h.flow.Prepare(context.Background(), &types.VolumeRequest{
		ProjectID: "p1",
		SizeGB:    1,
		ImageID:   "img-a",
	})
	require.NoError(t, err)
}

func TestRunFromSnapshotInheritsBootable(t *testing.T) {
	h := newHarness(t)

	owner := &types.Volume{
		ID:        "vol-owner",
		ProjectID: "p1",
		SizeGB:    1,
		Status:    types.VolumeStatusAvailable,
		Bootable:  true,
	}
	require.NoError(t, h.store.CreateVolume(owner))
	require.NoError(t, h.store.CreateVolumeImageMetadata(owner.ID, map[string]string{"image_id": "img-9"}))
	require.NoError(t, h.store.CreateSnapshot(&types.Snapshot{
		ID:           "snap-1",
		VolumeID:     owner.ID,
		VolumeSizeGB: 1,
		Status:       types.SnapshotStatusAvailable,
	}))
	require.NoError(t, h.store.CopyImageMetadataToSnapshot(owner.ID, "snap-1"))

	vol, err := h.flow.Prepare(context.Background(), &types.VolumeRequest{
		ProjectID:  "p1",
		SnapshotID: "snap-1",
	})
	require.NoError(t, err)
	h.schedule(t, vol)

	require.NoError(t, h.flow.Run(context.Background(), vol.ID, nil))

	stored, err := h.store.GetVolume(vol.ID)
	require.NoError(t, err)
	assert.True(t, stored.Bootable)

	md, err := h.store.GetVolumeImageMetadata(vol.ID)
	require.NoError(t, err)
	assert.Equal(t, "img-9", md["image_id"])
}

func TestRunDriverFailureReschedules(t *testing.T) {
	h := newHarness(t)
	h.drv.CreateErr = errors.New("backend out of space")

	req := &types.VolumeRequest{
		ProjectID: "p1",
		SizeGB:    2,
		FilterProperties: &types.FilterProperties{
			Retry: &types.RetryInfo{MaxAttempts: 3},
		},
	}
	vol, err := h.flow.Prepare(context.Background(), req)
	require.NoError(t, err)
	h.schedule(t, vol)

	err = h.flow.Run(context.Background(), vol.ID, req)
	require.Error(t, err)

	assert.Equal(t, 1, h.resched.calls)
	assert.Equal(t, 1, req.FilterProperties.Retry.NumAttempts)
	assert.Len(t, req.FilterProperties.Retry.Errors, 1)

	// Rescheduled, not failed: the entry stays in creating and quota stays
	// committed for the next attempt
	stored, err := h.store.GetVolume(vol.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VolumeStatusCreating, stored.Status)
	assert.Empty(t, stored.Host)

	gb := h.usage(t, "p1", quota.ResourceGigabytes)
	assert.Equal(t, 2, gb.InUse)
}

func TestRunFailureWithoutRetryBudgetIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.drv.CreateErr = errors.New("backend exploded")

	vol, err := h.flow.Prepare(context.Background(), &types.VolumeRequest{ProjectID: "p1", SizeGB: 2})
	require.NoError(t, err)
	h.schedule(t, vol)

	err = h.flow.Run(context.Background(), vol.ID, nil)
	require.Error(t, err)

	assert.Equal(t, 0, h.resched.calls)

	stored, err := h.store.GetVolume(vol.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VolumeStatusError, stored.Status)

	// Quota is compensated on terminal failure
	gb := h.usage(t, "p1", quota.ResourceGigabytes)
	assert.Equal(t, 0, gb.InUse)
	count := h.usage(t, "p1", quota.ResourceVolumes)
	assert.Equal(t, 0, count.InUse)
}

func TestRunRetryBudgetExhausted(t *testing.T) {
	h := newHarness(t)
	h.drv.CreateErr = errors.New("still failing")

	req := &types.VolumeRequest{
		ProjectID: "p1",
		SizeGB:    1,
		FilterProperties: &types.FilterProperties{
			Retry: &types.RetryInfo{NumAttempts: 3, MaxAttempts: 3},
		},
	}
	vol, err := h.flow.Prepare(context.Background(), req)
	require.NoError(t, err)
	h.schedule(t, vol)

	err = h.flow.Run(context.Background(), vol.ID, req)
	require.Error(t, err)

	assert.Equal(t, 0, h.resched.calls)
	stored, err := h.store.GetVolume(vol.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VolumeStatusError, stored.Status)
}

func TestRunImageCopyFailureNeverReschedules(t *testing.T) {
	h := newHarness(t)
	h.drv.CopyImageErr = errors.New("stream truncated")
	h.catalog.images["img-1"] = &types.ImageMeta{ID: "img-1", SizeBytes: 1 << 20}

	req := &types.VolumeRequest{
		ProjectID: "p1",
		SizeGB:    1,
		ImageID:   "img-1",
		FilterProperties: &types.FilterProperties{
			Retry: &types.RetryInfo{MaxAttempts: 3},
		},
	}
	vol, err := h.flow.Prepare(context.Background(), req)
	require.NoError(t, err)
	h.schedule(t, vol)

	err = h.flow.Run(context.Background(), vol.ID, req)
	require.Error(t, err)
	assert.Equal(t, KindImageCopyFailure, KindOf(err))

	// Copy failures fail identically on every host, so the retry budget
	// is ignored
	assert.Equal(t, 0, h.resched.calls)
	stored, err := h.store.GetVolume(vol.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VolumeStatusError, stored.Status)
}

func TestRunVanishedVolumeTypeIsTerminal(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.CreateVolumeType(&types.VolumeType{
		ID:   "vt-1",
		Name: "standard",
	}))

	req := &types.VolumeRequest{
		ProjectID:    "p1",
		SizeGB:       2,
		VolumeTypeID: "vt-1",
		FilterProperties: &types.FilterProperties{
			Retry: &types.RetryInfo{MaxAttempts: 3},
		},
	}
	vol, err := h.flow.Prepare(context.Background(), req)
	require.NoError(t, err)
	h.schedule(t, vol)

	require.NoError(t, h.store.DeleteVolumeType("vt-1"))

	err = h.flow.Run(context.Background(), vol.ID, req)
	require.Error(t, err)
	assert.Equal(t, KindVolumeTypeNotFound, KindOf(err))
	assert.Equal(t, 0, h.resched.calls)

	stored, err := h.store.GetVolume(vol.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VolumeStatusError, stored.Status)
}

func TestFinalizeSkipsDeletedVolume(t *testing.T) {
	h := newHarness(t)

	vol, err := h.flow.Prepare(context.Background(), &types.VolumeRequest{ProjectID: "p1", SizeGB: 1})
	require.NoError(t, err)
	h.schedule(t, vol)

	// A concurrent cleanup (e.g. an expired migration) removed the record
	// while the flow was still working
	require.NoError(t, h.store.DeleteVolume(vol.ID))

	h.flow.finalize(vol, nil)

	_, err = h.store.GetVolume(vol.ID)
	assert.ErrorIs(t, err, storage.ErrVolumeNotFound)
}

func TestRunExportFailureNeverReschedules(t *testing.T) {
	h := newHarness(t)
	h.drv.ExportErr = errors.New("target refused")

	req := &types.VolumeRequest{
		ProjectID: "p1",
		SizeGB:    1,
		FilterProperties: &types.FilterProperties{
			Retry: &types.RetryInfo{MaxAttempts: 3},
		},
	}
	vol, err := h.flow.Prepare(context.Background(), req)
	require.NoError(t, err)
	h.schedule(t, vol)

	err = h.flow.Run(context.Background(), vol.ID, req)
	require.Error(t, err)
	assert.Equal(t, KindExportFailure, KindOf(err))
	assert.Equal(t, 0, h.resched.calls)
}

func TestRestoreSourceStatus(t *testing.T) {
	h := newHarness(t)

	src := &types.Volume{
		ID:        "vol-src",
		ProjectID: "p1",
		SizeGB:    1,
		Status:    types.VolumeStatusCreating, // Mutated since capture
	}
	require.NoError(t, h.store.CreateVolume(src))

	h.flow.restoreSource(&FromSourceSpec{
		Source:       src,
		SourceStatus: types.VolumeStatusInUse,
	})

	stored, err := h.store.GetVolume(src.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VolumeStatusInUse, stored.Status)
}

func TestRunCloneRestoresSourceOnFailure(t *testing.T) {
	h := newHarness(t)
	h.drv.ClonedErr = errors.New("clone failed")

	src := &types.Volume{
		ID:        "vol-src",
		ProjectID: "p1",
		SizeGB:    1,
		Status:    types.VolumeStatusAvailable,
	}
	require.NoError(t, h.store.CreateVolume(src))

	vol, err := h.flow.Prepare(context.Background(), &types.VolumeRequest{
		ProjectID:   "p1",
		SourceVolID: src.ID,
	})
	require.NoError(t, err)
	h.schedule(t, vol)

	err = h.flow.Run(context.Background(), vol.ID, nil)
	require.Error(t, err)

	stored, err := h.store.GetVolume(src.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VolumeStatusAvailable, stored.Status)
}

func TestPrepareEncryptedTypeGetsFreshKey(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.CreateVolumeType(&types.VolumeType{
		ID:        "vt-luks",
		Name:      "luks",
		Encrypted: true,
	}))

	vol, err := h.flow.Prepare(context.Background(), &types.VolumeRequest{
		ProjectID:    "p1",
		SizeGB:       1,
		VolumeTypeID: "vt-luks",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, vol.EncryptionKeyID)
}

func TestPrepareEncryptedCloneCopiesKey(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.CreateVolumeType(&types.VolumeType{
		ID:        "vt-luks",
		Name:      "luks",
		Encrypted: true,
	}))

	keyID, err := h.flow.keys.CreateKey(context.Background(), "p1")
	require.NoError(t, err)

	src := &types.Volume{
		ID:              "vol-src",
		ProjectID:       "p1",
		SizeGB:          1,
		Status:          types.VolumeStatusAvailable,
		VolumeTypeID:    "vt-luks",
		EncryptionKeyID: keyID,
	}
	require.NoError(t, h.store.CreateVolume(src))

	vol, err := h.flow.Prepare(context.Background(), &types.VolumeRequest{
		ProjectID:   "p1",
		SourceVolID: src.ID,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, vol.EncryptionKeyID)
	assert.NotEqual(t, keyID, vol.EncryptionKeyID)
}

func TestPrepareSnapshotTypeWinsOverRequested(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.CreateVolumeType(&types.VolumeType{ID: "vt-a", Name: "fast"}))
	require.NoError(t, h.store.CreateVolumeType(&types.VolumeType{ID: "vt-b", Name: "slow"}))
	require.NoError(t, h.store.CreateSnapshot(&types.Snapshot{
		ID:           "snap-1",
		VolumeID:     "vol-x",
		VolumeSizeGB: 1,
		Status:       types.SnapshotStatusAvailable,
		VolumeTypeID: "vt-a",
	}))

	vol, err := h.flow.Prepare(context.Background(), &types.VolumeRequest{
		ProjectID:    "p1",
		SnapshotID:   "snap-1",
		VolumeTypeID: "vt-b",
	})
	require.NoError(t, err)
	assert.Equal(t, "vt-a", vol.VolumeTypeID)
}

func TestPrepareMetadataLimits(t *testing.T) {
	h := newHarness(t)
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'x'
	}

	cases := []struct {
		name string
		md   map[string]string
		kind Kind
	}{
		{"empty key", map[string]string{"": "v"}, KindInvalidMetadata},
		{"long key", map[string]string{string(long): "v"}, KindInvalidMetadataSize},
		{"long value", map[string]string{"k": string(long)}, KindInvalidMetadataSize},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.flow.Prepare(context.Background(), &types.VolumeRequest{
				ProjectID: "p1",
				SizeGB:    1,
				Metadata:  tc.md,
			})
			require.Error(t, err)
			assert.Equal(t, tc.kind, KindOf(err))
		})
	}
}

func TestPrepareDefaultAvailabilityZone(t *testing.T) {
	h := newHarness(t)

	vol, err := h.flow.Prepare(context.Background(), &types.VolumeRequest{ProjectID: "p1", SizeGB: 1})
	require.NoError(t, err)
	assert.Equal(t, "nova", vol.AvailabilityZone)
}
