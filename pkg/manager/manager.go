package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quarrylabs/quarry/pkg/driver"
	"github.com/quarrylabs/quarry/pkg/events"
	"github.com/quarrylabs/quarry/pkg/flow"
	"github.com/quarrylabs/quarry/pkg/keys"
	"github.com/quarrylabs/quarry/pkg/log"
	"github.com/quarrylabs/quarry/pkg/quota"
	"github.com/quarrylabs/quarry/pkg/scheduler"
	"github.com/quarrylabs/quarry/pkg/storage"
	"github.com/quarrylabs/quarry/pkg/types"
)

var (
	// ErrInvalidStatus means the volume's current status does not permit
	// the requested operation
	ErrInvalidStatus = errors.New("operation not allowed in current volume status")

	// ErrVolumeAttached means the volume must be detached first
	ErrVolumeAttached = errors.New("volume is attached")

	// ErrMigrationFailed means the migration target never became available
	// within the deadline
	ErrMigrationFailed = errors.New("volume migration failed")
)

// VolumeManager drives the full volume lifecycle. Creation is delegated to
// the workflow in pkg/flow; the remaining operations (delete, attach, extend,
// migrate) live here.
type VolumeManager struct {
	store     storage.Store
	ledger    *quota.Ledger
	drivers   *driver.Registry
	broker    *events.Broker
	keys      keys.Manager
	flow      *flow.Flow
	scheduler *scheduler.Scheduler

	// migrationPollInterval controls how often Migrate checks the target
	migrationPollInterval time.Duration

	logger zerolog.Logger
}

// Config holds VolumeManager construction parameters
type Config struct {
	Store                 storage.Store
	Ledger                *quota.Ledger
	Drivers               *driver.Registry
	Broker                *events.Broker
	Keys                  keys.Manager
	Flow                  *flow.Flow
	Scheduler             *scheduler.Scheduler
	MigrationPollInterval time.Duration
}

// New creates a volume manager
func New(cfg Config) *VolumeManager {
	interval := cfg.MigrationPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &VolumeManager{
		store:                 cfg.Store,
		ledger:                cfg.Ledger,
		drivers:               cfg.Drivers,
		broker:                cfg.Broker,
		keys:                  cfg.Keys,
		flow:                  cfg.Flow,
		scheduler:             cfg.Scheduler,
		migrationPollInterval: interval,
		logger:                log.WithComponent("manager"),
	}
}

// Create runs the full creation path: prepare the entry, schedule it, and
// execute the population workflow. With a retry budget in the request,
// host-local failures are retried on other hosts transparently.
func (m *VolumeManager) Create(ctx context.Context, req *types.VolumeRequest) (*types.Volume, error) {
	vol, err := m.flow.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := m.scheduler.CreateVolume(ctx, vol.ID, req); err != nil {
		// Nothing accepted the volume: terminal, compensate via the failure
		// branch by marking it errored
		m.flow.FailUnscheduled(ctx, vol, err)
		return nil, err
	}
	return m.store.GetVolume(vol.ID)
}

// Delete removes a volume, its backing storage, its encryption key, and its
// quota usage. Attached or busy volumes are refused; error volumes are
// deletable but release no quota since creation failure already compensated.
func (m *VolumeManager) Delete(ctx context.Context, volumeID string) error {
	vol, err := m.store.GetVolume(volumeID)
	if err != nil {
		return err
	}

	if vol.AttachStatus == types.AttachStatusAttached {
		return ErrVolumeAttached
	}
	switch vol.Status {
	case types.VolumeStatusAvailable, types.VolumeStatusError, types.VolumeStatusErrorDeleting:
	default:
		return fmt.Errorf("%w: %s", ErrInvalidStatus, vol.Status)
	}
	wasError := vol.Status == types.VolumeStatusError || vol.Status == types.VolumeStatusErrorDeleting

	m.notify(events.EventVolumeDeleteStart, vol, "")

	vol.Status = types.VolumeStatusDeleting
	if err := m.store.UpdateVolume(vol); err != nil {
		return err
	}

	if vol.Host != "" {
		d, err := m.hostDriver(vol.Host)
		if err == nil {
			err = d.DeleteVolume(ctx, vol)
		}
		if err != nil {
			vol.Status = types.VolumeStatusErrorDeleting
			if uerr := m.store.UpdateVolume(vol); uerr != nil {
				m.logger.Error().Err(uerr).Str("volume_id", vol.ID).
					Msg("Failed to mark volume error_deleting")
			}
			return fmt.Errorf("backend delete failed: %w", err)
		}
	}

	if vol.EncryptionKeyID != "" {
		if err := m.keys.DeleteKey(ctx, vol.EncryptionKeyID); err != nil {
			m.logger.Warn().Err(err).Str("volume_id", vol.ID).
				Msg("Failed to delete encryption key")
		}
	}

	if err := m.store.DeleteVolume(vol.ID); err != nil {
		return err
	}

	if vol.Host != "" {
		m.releaseHostCapacity(vol)
	}
	if !wasError {
		m.releaseQuota(ctx, vol)
	}

	m.notify(events.EventVolumeDeleteEnd, vol, "")
	m.logger.Info().Str("volume_id", vol.ID).Msg("Volume deleted")
	return nil
}

// CreateSnapshot captures a point-in-time snapshot of an available or
// attached volume. The snapshot inherits the volume's size, zone, type, and
// image metadata; its encryption key is a copy, never a reference.
func (m *VolumeManager) CreateSnapshot(ctx context.Context, volumeID, name string) (*types.Snapshot, error) {
	vol, err := m.store.GetVolume(volumeID)
	if err != nil {
		return nil, err
	}
	if vol.Status != types.VolumeStatusAvailable && vol.Status != types.VolumeStatusInUse {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, vol.Status)
	}

	snap := &types.Snapshot{
		ID:               uuid.New().String(),
		ProjectID:        vol.ProjectID,
		VolumeID:         vol.ID,
		Name:             name,
		VolumeSizeGB:     vol.SizeGB,
		Status:           types.SnapshotStatusCreating,
		AvailabilityZone: vol.AvailabilityZone,
		VolumeTypeID:     vol.VolumeTypeID,
		CreatedAt:        time.Now(),
	}

	if vol.EncryptionKeyID != "" {
		keyID, err := m.keys.CopyKey(ctx, vol.ProjectID, vol.EncryptionKeyID)
		if err != nil {
			return nil, fmt.Errorf("failed to copy encryption key: %w", err)
		}
		snap.EncryptionKeyID = keyID
	}

	if err := m.store.CreateSnapshot(snap); err != nil {
		return nil, err
	}

	d, err := m.hostDriver(vol.Host)
	if err == nil {
		err = d.CreateSnapshot(ctx, snap, vol)
	}
	if err != nil {
		snap.Status = types.SnapshotStatusError
		if uerr := m.store.UpdateSnapshot(snap); uerr != nil {
			m.logger.Error().Err(uerr).Str("snapshot_id", snap.ID).
				Msg("Failed to mark snapshot as errored")
		}
		return nil, fmt.Errorf("failed to snapshot volume data: %w", err)
	}

	if vol.Bootable {
		if err := m.store.CopyImageMetadataToSnapshot(vol.ID, snap.ID); err != nil {
			m.logger.Warn().Err(err).Str("snapshot_id", snap.ID).
				Msg("Failed to copy image metadata to snapshot")
		}
	}

	snap.Status = types.SnapshotStatusAvailable
	if err := m.store.UpdateSnapshot(snap); err != nil {
		return nil, err
	}
	m.logger.Info().Str("snapshot_id", snap.ID).Str("volume_id", vol.ID).Msg("Snapshot created")
	return snap, nil
}

// DeleteSnapshot removes a snapshot and its copied encryption key
func (m *VolumeManager) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	snap, err := m.store.GetSnapshot(snapshotID)
	if err != nil {
		return err
	}
	if snap.Status != types.SnapshotStatusAvailable && snap.Status != types.SnapshotStatusError {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, snap.Status)
	}

	// The owning volume names the host that holds the snapshot data. A
	// vanished volume means the data is already unreachable; only the
	// record is left to remove.
	if vol, verr := m.store.GetVolume(snap.VolumeID); verr == nil && vol.Host != "" {
		d, derr := m.hostDriver(vol.Host)
		if derr == nil {
			derr = d.DeleteSnapshot(ctx, snap)
		}
		if derr != nil {
			snap.Status = types.SnapshotStatusError
			if uerr := m.store.UpdateSnapshot(snap); uerr != nil {
				m.logger.Error().Err(uerr).Str("snapshot_id", snap.ID).
					Msg("Failed to mark snapshot as errored")
			}
			return fmt.Errorf("failed to delete snapshot data: %w", derr)
		}
	}

	if snap.EncryptionKeyID != "" {
		if err := m.keys.DeleteKey(ctx, snap.EncryptionKeyID); err != nil {
			m.logger.Warn().Err(err).Str("snapshot_id", snap.ID).
				Msg("Failed to delete snapshot encryption key")
		}
	}
	return m.store.DeleteSnapshot(snap.ID)
}

// Attach marks a volume as attached to a consumer
func (m *VolumeManager) Attach(ctx context.Context, volumeID, consumer string) error {
	vol, err := m.store.GetVolume(volumeID)
	if err != nil {
		return err
	}
	if vol.Status != types.VolumeStatusAvailable {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, vol.Status)
	}

	vol.Status = types.VolumeStatusAttaching
	if err := m.store.UpdateVolume(vol); err != nil {
		return err
	}

	if vol.Host != "" {
		d, err := m.hostDriver(vol.Host)
		if err == nil {
			err = d.EnsureExport(ctx, vol)
		}
		if err != nil {
			vol.Status = types.VolumeStatusAvailable
			if uerr := m.store.UpdateVolume(vol); uerr != nil {
				m.logger.Error().Err(uerr).Str("volume_id", vol.ID).
					Msg("Failed to revert attaching status")
			}
			return fmt.Errorf("failed to export volume for attach: %w", err)
		}
	}

	vol.Status = types.VolumeStatusInUse
	vol.AttachStatus = types.AttachStatusAttached
	vol.AttachedTo = consumer
	if err := m.store.UpdateVolume(vol); err != nil {
		return err
	}

	m.notify(events.EventVolumeAttach, vol, consumer)
	return nil
}

// Detach releases a volume from its consumer
func (m *VolumeManager) Detach(ctx context.Context, volumeID string) error {
	vol, err := m.store.GetVolume(volumeID)
	if err != nil {
		return err
	}
	if vol.Status != types.VolumeStatusInUse {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, vol.Status)
	}

	vol.Status = types.VolumeStatusAvailable
	vol.AttachStatus = types.AttachStatusDetached
	vol.AttachedTo = ""
	if err := m.store.UpdateVolume(vol); err != nil {
		return err
	}

	m.notify(events.EventVolumeDetach, vol, "")
	return nil
}

// Extend grows an available volume. The size delta goes through the same
// reserve/commit quota protocol as creation; the backend resize happens
// between the two, rolling the reservation back if it fails.
func (m *VolumeManager) Extend(ctx context.Context, volumeID string, newSizeGB int) error {
	vol, err := m.store.GetVolume(volumeID)
	if err != nil {
		return err
	}
	if vol.Status != types.VolumeStatusAvailable {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, vol.Status)
	}
	if newSizeGB <= vol.SizeGB {
		return fmt.Errorf("new size %d must exceed current size %d", newSizeGB, vol.SizeGB)
	}

	deltaGB := newSizeGB - vol.SizeGB
	deltas := quota.Deltas{quota.ResourceGigabytes: deltaGB}
	if name := m.typeName(vol.VolumeTypeID); name != "" {
		deltas[quota.ResourceGigabytes+"_"+name] = deltaGB
	}
	res, err := m.ledger.Reserve(ctx, vol.ProjectID, deltas)
	if err != nil {
		return err
	}

	m.notify(events.EventVolumeResizeStart, vol, "")
	vol.Status = types.VolumeStatusExtending
	if err := m.store.UpdateVolume(vol); err != nil {
		if rbErr := m.ledger.Rollback(ctx, res); rbErr != nil {
			quota.LogRollbackFailure(res.ID, rbErr)
		}
		return err
	}

	d, err := m.hostDriver(vol.Host)
	if err == nil {
		err = d.ExtendVolume(ctx, vol, newSizeGB)
	}
	if err != nil {
		if rbErr := m.ledger.Rollback(ctx, res); rbErr != nil {
			quota.LogRollbackFailure(res.ID, rbErr)
		}
		vol.Status = types.VolumeStatusAvailable
		if uerr := m.store.UpdateVolume(vol); uerr != nil {
			m.logger.Error().Err(uerr).Str("volume_id", vol.ID).
				Msg("Failed to revert extending status")
		}
		return fmt.Errorf("backend extend failed: %w", err)
	}

	if err := m.ledger.Commit(ctx, res); err != nil {
		m.logger.Error().Err(err).Str("volume_id", vol.ID).
			Msg("Failed to commit extend quota")
	}

	if host, herr := m.store.GetHost(vol.Host); herr == nil {
		host.AllocatedGB += deltaGB
		if uerr := m.store.UpdateHost(host); uerr != nil {
			m.logger.Warn().Err(uerr).Str("host", host.ID).
				Msg("Failed to bump host allocation after extend")
		}
	}

	vol.SizeGB = newSizeGB
	vol.Status = types.VolumeStatusAvailable
	if err := m.store.UpdateVolume(vol); err != nil {
		return err
	}

	m.notify(events.EventVolumeResizeEnd, vol, "")
	m.logger.Info().Str("volume_id", vol.ID).Int("size_gb", newSizeGB).Msg("Volume extended")
	return nil
}

// Migrate moves a volume to another host by creating a migration-target
// volume there and waiting for it to come up. The wait is bounded by
// deadline wall-clock time; a target stuck past it is torn down.
func (m *VolumeManager) Migrate(ctx context.Context, volumeID, destHost string, deadline time.Duration) (*types.Volume, error) {
	vol, err := m.store.GetVolume(volumeID)
	if err != nil {
		return nil, err
	}
	if vol.Status != types.VolumeStatusAvailable {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, vol.Status)
	}

	req := &types.VolumeRequest{
		ProjectID:        vol.ProjectID,
		Name:             vol.Name,
		SizeGB:           vol.SizeGB,
		SourceVolID:      vol.ID,
		VolumeTypeID:     vol.VolumeTypeID,
		AvailabilityZone: vol.AvailabilityZone,
		TargetStatus:     types.VolumeStatusMigrationTarget,
		FilterProperties: &types.FilterProperties{RequestedHost: destHost},
	}

	target, err := m.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration target: %w", err)
	}

	expire := time.Now().Add(deadline)
	ticker := time.NewTicker(m.migrationPollInterval)
	defer ticker.Stop()
	for {
		cur, err := m.store.GetVolume(target.ID)
		if err != nil {
			return nil, err
		}
		switch cur.Status {
		case types.VolumeStatusMigrationTarget:
			return cur, nil
		case types.VolumeStatusError:
			return nil, fmt.Errorf("%w: target errored", ErrMigrationFailed)
		}

		if time.Now().After(expire) {
			// Reclaim the stuck target as an ordinary volume so its quota
			// and host capacity are released on delete
			stuck := cur.Status
			cur.Status = types.VolumeStatusAvailable
			if uerr := m.store.UpdateVolume(cur); uerr == nil {
				if derr := m.Delete(ctx, cur.ID); derr != nil {
					m.logger.Warn().Err(derr).Str("volume_id", cur.ID).
						Msg("Failed to clean up stuck migration target")
				}
			}
			return nil, fmt.Errorf("%w: target stuck in %s past deadline", ErrMigrationFailed, stuck)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// InitHost re-establishes exports for every volume already placed on a host,
// typically after the host restarts. Failures are logged per volume and do
// not abort the sweep.
func (m *VolumeManager) InitHost(ctx context.Context, hostID string) error {
	host, err := m.store.GetHost(hostID)
	if err != nil {
		return err
	}
	d, err := m.drivers.Get(host.Driver)
	if err != nil {
		return err
	}

	vols, err := m.store.ListVolumesByHost(hostID)
	if err != nil {
		return err
	}
	for _, vol := range vols {
		if vol.Status != types.VolumeStatusAvailable && vol.Status != types.VolumeStatusInUse {
			continue
		}
		if err := d.EnsureExport(ctx, vol); err != nil {
			m.logger.Warn().Err(err).Str("volume_id", vol.ID).Str("host", hostID).
				Msg("Failed to re-establish export")
		}
	}
	m.logger.Info().Str("host", hostID).Int("volumes", len(vols)).Msg("Host initialized")
	return nil
}

func (m *VolumeManager) hostDriver(hostID string) (driver.Driver, error) {
	host, err := m.store.GetHost(hostID)
	if err != nil {
		return nil, err
	}
	return m.drivers.Get(host.Driver)
}

func (m *VolumeManager) typeName(typeID string) string {
	if typeID == "" {
		return ""
	}
	vt, err := m.store.GetVolumeType(typeID)
	if err != nil {
		return ""
	}
	return vt.Name
}

// releaseQuota returns a deleted volume's committed usage via a negative
// reserve-and-commit
func (m *VolumeManager) releaseQuota(ctx context.Context, vol *types.Volume) {
	deltas := quota.CreationDeltas(vol.SizeGB, m.typeName(vol.VolumeTypeID)).Negate()
	res, err := m.ledger.Reserve(ctx, vol.ProjectID, deltas)
	if err != nil {
		m.logger.Error().Err(err).Str("volume_id", vol.ID).
			Msg("Failed to reserve quota release")
		return
	}
	if err := m.ledger.Commit(ctx, res); err != nil {
		m.logger.Error().Err(err).Str("volume_id", vol.ID).
			Msg("Failed to commit quota release")
	}
}

func (m *VolumeManager) releaseHostCapacity(vol *types.Volume) {
	host, err := m.store.GetHost(vol.Host)
	if err != nil {
		return
	}
	host.AllocatedGB -= vol.SizeGB
	if host.AllocatedGB < 0 {
		host.AllocatedGB = 0
	}
	if err := m.store.UpdateHost(host); err != nil {
		m.logger.Warn().Err(err).Str("host", host.ID).
			Msg("Failed to release host capacity")
	}
}

func (m *VolumeManager) notify(eventType events.EventType, vol *types.Volume, msg string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		ProjectID: vol.ProjectID,
		VolumeID:  vol.ID,
		Message:   msg,
		Payload: map[string]string{
			"size_gb": fmt.Sprintf("%d", vol.SizeGB),
			"status":  string(vol.Status),
		},
	})
}
