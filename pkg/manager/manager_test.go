package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/pkg/driver"
	"github.com/quarrylabs/quarry/pkg/events"
	"github.com/quarrylabs/quarry/pkg/flow"
	"github.com/quarrylabs/quarry/pkg/keys"
	"github.com/quarrylabs/quarry/pkg/quota"
	"github.com/quarrylabs/quarry/pkg/scheduler"
	"github.com/quarrylabs/quarry/pkg/storage"
	"github.com/quarrylabs/quarry/pkg/types"
)

type fixture struct {
	store storage.Store
	drv   *driver.Fake
	mgr   *VolumeManager
}

// newFixture wires the full creation pipeline with a synchronous dispatcher:
// scheduling and population complete before Create returns
func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	for _, h := range []*types.Host{
		{ID: "host-1", Name: "host-1", Driver: "fake", Status: types.HostStatusReady, CapacityGB: 100},
		{ID: "host-2", Name: "host-2", Driver: "fake", Status: types.HostStatusReady, CapacityGB: 100},
	} {
		require.NoError(t, store.CreateHost(h))
	}

	drv := driver.NewFake()
	registry := driver.NewRegistry()
	registry.Register("fake", drv)

	ledger := quota.NewLedger(store, nil)
	keyMgr := keys.NewMemoryManager()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	validator := flow.NewValidator(store, nil, keyMgr, flow.ValidatorConfig{DefaultZone: ""})
	fl := flow.New(store, ledger, registry, nil, keyMgr, broker, validator)

	sched := scheduler.NewScheduler(store, scheduler.DispatchFunc(
		func(ctx context.Context, host, volumeID string, req *types.VolumeRequest) {
			_ = fl.Run(ctx, volumeID, req)
		}), broker)
	fl.SetRescheduler(sched)

	mgr := New(Config{
		Store:                 store,
		Ledger:                ledger,
		Drivers:               registry,
		Broker:                broker,
		Keys:                  keyMgr,
		Flow:                  fl,
		Scheduler:             sched,
		MigrationPollInterval: 10 * time.Millisecond,
	})

	return &fixture{store: store, drv: drv, mgr: mgr}
}

func (f *fixture) create(t *testing.T, sizeGB int) *types.Volume {
	t.Helper()
	vol, err := f.mgr.Create(context.Background(), &types.VolumeRequest{
		ProjectID: "p1",
		SizeGB:    sizeGB,
	})
	require.NoError(t, err)
	require.Equal(t, types.VolumeStatusAvailable, vol.Status)
	return vol
}

func TestCreateEndToEnd(t *testing.T) {
	f := newFixture(t)

	vol := f.create(t, 10)
	assert.NotEmpty(t, vol.Host)
	assert.Equal(t, 1, f.drv.CreateCalls)
	assert.Equal(t, 1, f.drv.ExportCalls)

	host, err := f.store.GetHost(vol.Host)
	require.NoError(t, err)
	assert.Equal(t, 10, host.AllocatedGB)
}

func TestCreateReschedulesAcrossHosts(t *testing.T) {
	f := newFixture(t)
	f.drv.CreateErr = errors.New("flaky backend")

	req := &types.VolumeRequest{
		ProjectID: "p1",
		SizeGB:    10,
		FilterProperties: &types.FilterProperties{
			Retry: &types.RetryInfo{MaxAttempts: 2},
		},
	}

	// Both hosts fail with the injected error and the budget runs out;
	// with a synchronous dispatcher the terminal state is visible on return
	vol, err := f.mgr.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, f.drv.CreateCalls)
	assert.Len(t, req.FilterProperties.Retry.Hosts, 2)
	assert.Equal(t, 2, req.FilterProperties.Retry.NumAttempts)
	assert.Equal(t, types.VolumeStatusError, vol.Status)

	// Every failed placement returned its capacity; nothing was provisioned
	for _, name := range []string{"host-1", "host-2"} {
		host, err := f.store.GetHost(name)
		require.NoError(t, err)
		assert.Equal(t, 0, host.AllocatedGB, "host %s kept a stale allocation", name)
	}
}

func TestTerminalFailureKeepsHostAllocationForDelete(t *testing.T) {
	f := newFixture(t)
	f.drv.ExportErr = errors.New("target unreachable")

	vol, err := f.mgr.Create(context.Background(), &types.VolumeRequest{
		ProjectID: "p1",
		SizeGB:    10,
		FilterProperties: &types.FilterProperties{
			Retry: &types.RetryInfo{MaxAttempts: 3},
		},
	})
	require.NoError(t, err)
	require.Equal(t, types.VolumeStatusError, vol.Status)

	// Export failures are terminal on the host that holds the data, so the
	// allocation stays charged until the volume is deleted
	require.NotEmpty(t, vol.Host)
	host, err := f.store.GetHost(vol.Host)
	require.NoError(t, err)
	assert.Equal(t, 10, host.AllocatedGB)

	require.NoError(t, f.mgr.Delete(context.Background(), vol.ID))
	host, err = f.store.GetHost(host.Name)
	require.NoError(t, err)
	assert.Equal(t, 0, host.AllocatedGB)
}

func TestCreateNoValidHost(t *testing.T) {
	f := newFixture(t)

	_, err := f.mgr.Create(context.Background(), &types.VolumeRequest{
		ProjectID: "p1",
		SizeGB:    500, // Exceeds every host's capacity
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, scheduler.ErrNoValidHost))

	// Terminal: the entry exists in error and quota was compensated
	vols, err := f.store.ListVolumes()
	require.NoError(t, err)
	require.Len(t, vols, 1)
	assert.Equal(t, types.VolumeStatusError, vols[0].Status)

	usage, err := f.store.GetQuotaUsage("p1", quota.ResourceGigabytes)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.InUse)
}

func TestSnapshotDataPath(t *testing.T) {
	f := newFixture(t)
	vol := f.create(t, 5)

	snap, err := f.mgr.CreateSnapshot(context.Background(), vol.ID, "before-upgrade")
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotStatusAvailable, snap.Status)
	assert.Equal(t, 1, f.drv.SnapshotCalls)

	// The snapshot's data exists on the backend, so restoring from it works
	restored, err := f.mgr.Create(context.Background(), &types.VolumeRequest{
		ProjectID:  "p1",
		SnapshotID: snap.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, types.VolumeStatusAvailable, restored.Status)
	assert.Equal(t, 1, f.drv.FromSnapshotCalls)

	require.NoError(t, f.mgr.DeleteSnapshot(context.Background(), snap.ID))
	assert.Equal(t, 1, f.drv.SnapshotDeleteCalls)
	_, err = f.store.GetSnapshot(snap.ID)
	assert.True(t, errors.Is(err, storage.ErrSnapshotNotFound))
}

func TestSnapshotBackendFailureMarksError(t *testing.T) {
	f := newFixture(t)
	vol := f.create(t, 5)
	f.drv.SnapshotErr = errors.New("copy interrupted")

	_, err := f.mgr.CreateSnapshot(context.Background(), vol.ID, "doomed")
	require.Error(t, err)

	snaps, err := f.store.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, types.SnapshotStatusError, snaps[0].Status)
}

func TestDeleteReleasesEverything(t *testing.T) {
	f := newFixture(t)
	vol := f.create(t, 10)
	host := vol.Host

	require.NoError(t, f.mgr.Delete(context.Background(), vol.ID))

	_, err := f.store.GetVolume(vol.ID)
	assert.True(t, errors.Is(err, storage.ErrVolumeNotFound))
	assert.Equal(t, 1, f.drv.DeleteCalls)

	usage, err := f.store.GetQuotaUsage("p1", quota.ResourceGigabytes)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.InUse)

	h, err := f.store.GetHost(host)
	require.NoError(t, err)
	assert.Equal(t, 0, h.AllocatedGB)
}

func TestDeleteErrorVolumeSkipsQuotaRelease(t *testing.T) {
	f := newFixture(t)
	vol := f.create(t, 10)

	// Force the volume into error: creation already compensated nothing
	// here, so fake the compensated state by zeroing usage manually
	vol.Status = types.VolumeStatusError
	require.NoError(t, f.store.UpdateVolume(vol))
	usage, err := f.store.GetQuotaUsage("p1", quota.ResourceGigabytes)
	require.NoError(t, err)
	usage.InUse = 0
	require.NoError(t, f.store.PutQuotaUsage(usage))

	require.NoError(t, f.mgr.Delete(context.Background(), vol.ID))

	// Releasing again would have driven the counter negative
	usage, err = f.store.GetQuotaUsage("p1", quota.ResourceGigabytes)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.InUse)
}

func TestDeleteBackendFailureMarksErrorDeleting(t *testing.T) {
	f := newFixture(t)
	vol := f.create(t, 10)
	f.drv.DeleteErr = errors.New("lun busy")

	err := f.mgr.Delete(context.Background(), vol.ID)
	require.Error(t, err)

	stored, err := f.store.GetVolume(vol.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VolumeStatusErrorDeleting, stored.Status)

	// error_deleting volumes stay deletable once the backend recovers
	f.drv.DeleteErr = nil
	require.NoError(t, f.mgr.Delete(context.Background(), vol.ID))
}

func TestDeleteRefusesAttached(t *testing.T) {
	f := newFixture(t)
	vol := f.create(t, 10)
	require.NoError(t, f.mgr.Attach(context.Background(), vol.ID, "instance-1"))

	err := f.mgr.Delete(context.Background(), vol.ID)
	assert.True(t, errors.Is(err, ErrVolumeAttached))
}

func TestAttachDetach(t *testing.T) {
	f := newFixture(t)
	vol := f.create(t, 10)

	require.NoError(t, f.mgr.Attach(context.Background(), vol.ID, "instance-1"))
	stored, err := f.store.GetVolume(vol.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VolumeStatusInUse, stored.Status)
	assert.Equal(t, types.AttachStatusAttached, stored.AttachStatus)
	assert.Equal(t, "instance-1", stored.AttachedTo)

	// Double attach is refused
	err = f.mgr.Attach(context.Background(), vol.ID, "instance-2")
	assert.True(t, errors.Is(err, ErrInvalidStatus))

	require.NoError(t, f.mgr.Detach(context.Background(), vol.ID))
	stored, err = f.store.GetVolume(vol.ID)
	require.NoError(t, err)
	assert.Equal(t, types.VolumeStatusAvailable, stored.Status)
	assert.Empty(t, stored.AttachedTo)
}

func TestExtend(t *testing.T) {
	f := newFixture(t)
	vol := f.create(t, 10)

	require.NoError(t, f.mgr.Extend(context.Background(), vol.ID, 25))

	stored, err := f.store.GetVolume(vol.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, stored.SizeGB)
	assert.Equal(t, types.VolumeStatusAvailable, stored.Status)
	assert.Equal(t, 1, f.drv.ExtendCalls)

	usage, err := f.store.GetQuotaUsage("p1", quota.ResourceGigabytes)
	require.NoError(t, err)
	assert.Equal(t, 25, usage.InUse)
	assert.Equal(t, 0, usage.Reserved)
}

func TestExtendRejectsShrink(t *testing.T) {
	f := newFixture(t)
	vol := f.create(t, 10)

	assert.Error(t, f.mgr.Extend(context.Background(), vol.ID, 10))
	assert.Error(t, f.mgr.Extend(context.Background(), vol.ID, 5))
}

func TestExtendBackendFailureRollsBackQuota(t *testing.T) {
	f := newFixture(t)
	vol := f.create(t, 10)
	f.drv.ExtendErr = errors.New("no space on backend")

	err := f.mgr.Extend(context.Background(), vol.ID, 50)
	require.Error(t, err)

	stored, err := f.store.GetVolume(vol.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, stored.SizeGB)
	assert.Equal(t, types.VolumeStatusAvailable, stored.Status)

	usage, err := f.store.GetQuotaUsage("p1", quota.ResourceGigabytes)
	require.NoError(t, err)
	assert.Equal(t, 10, usage.InUse)
	assert.Equal(t, 0, usage.Reserved)
}

func TestExtendOverQuota(t *testing.T) {
	f := newFixture(t)
	vol := f.create(t, 10)

	err := f.mgr.Extend(context.Background(), vol.ID, 5000)
	require.Error(t, err)
	var oq *quota.OverQuotaError
	assert.True(t, errors.As(err, &oq))
}

func TestMigrate(t *testing.T) {
	f := newFixture(t)
	vol := f.create(t, 10)

	dest := "host-2"
	if vol.Host == "host-2" {
		dest = "host-1"
	}

	target, err := f.mgr.Migrate(context.Background(), vol.ID, dest, time.Second)
	require.NoError(t, err)
	assert.Equal(t, dest, target.Host)
	assert.Equal(t, types.VolumeStatusMigrationTarget, target.Status)
	assert.Equal(t, vol.ID, target.SourceVolID)
}

func TestMigrateTargetError(t *testing.T) {
	f := newFixture(t)
	vol := f.create(t, 10)
	f.drv.ClonedErr = errors.New("replication link down")

	dest := "host-2"
	if vol.Host == "host-2" {
		dest = "host-1"
	}

	_, err := f.mgr.Migrate(context.Background(), vol.ID, dest, time.Second)
	require.Error(t, err)
}

func TestInitHost(t *testing.T) {
	f := newFixture(t)
	f.create(t, 10)

	require.NoError(t, f.mgr.InitHost(context.Background(), "host-1"))
	require.NoError(t, f.mgr.InitHost(context.Background(), "host-2"))
}
