package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quarrylabs/quarry/pkg/driver"
	"github.com/quarrylabs/quarry/pkg/events"
	"github.com/quarrylabs/quarry/pkg/image"
	"github.com/quarrylabs/quarry/pkg/keys"
	"github.com/quarrylabs/quarry/pkg/log"
	"github.com/quarrylabs/quarry/pkg/metrics"
	"github.com/quarrylabs/quarry/pkg/quota"
	"github.com/quarrylabs/quarry/pkg/storage"
	"github.com/quarrylabs/quarry/pkg/types"
)

// Rescheduler resubmits a creation request for placement on another host.
// *scheduler.Scheduler satisfies this.
type Rescheduler interface {
	CreateVolume(ctx context.Context, volumeID string, req *types.VolumeRequest) error
}

// Flow runs the volume creation workflow: validate, reserve quota, persist
// the entry, commit quota, then populate the volume on its scheduled host.
// The pre-commit steps unwind on failure; everything after the quota commit
// is handled by the failure branch instead, which either reschedules or marks
// the volume failed while compensating the committed quota.
type Flow struct {
	store       storage.Store
	ledger      *quota.Ledger
	drivers     *driver.Registry
	catalog     image.Client
	keys        keys.Manager
	broker      *events.Broker
	rescheduler Rescheduler
	validator   *Validator
	logger      zerolog.Logger
}

// New assembles a creation flow
func New(store storage.Store, ledger *quota.Ledger, drivers *driver.Registry, catalog image.Client, keyMgr keys.Manager, broker *events.Broker, validator *Validator) *Flow {
	return &Flow{
		store:     store,
		ledger:    ledger,
		drivers:   drivers,
		catalog:   catalog,
		keys:      keyMgr,
		broker:    broker,
		validator: validator,
		logger:    log.WithComponent("flow"),
	}
}

// SetRescheduler wires the placement loop back in. Set once at startup;
// without it every failure is terminal.
func (f *Flow) SetRescheduler(r Rescheduler) {
	f.rescheduler = r
}

// Prepare runs the pre-scheduling half of the workflow for a fresh request:
// request extraction, quota reservation, database entry, quota commit. On
// success the returned volume exists in the store with committed quota and
// status creating, ready for placement. On failure nothing is left behind.
func (f *Flow) Prepare(ctx context.Context, req *types.VolumeRequest) (*types.Volume, error) {
	spec, err := f.validator.Extract(ctx, req)
	if err != nil {
		return nil, err
	}

	deltas := quota.CreationDeltas(spec.SizeGB, f.typeName(spec.VolumeTypeID))
	res, err := f.ledger.Reserve(ctx, req.ProjectID, deltas)
	if err != nil {
		f.deleteKey(ctx, spec.EncryptionKeyID)
		var oq *quota.OverQuotaError
		if errors.As(err, &oq) {
			metrics.QuotaRejections.WithLabelValues(req.ProjectID).Inc()
			if oq.ExceedsGigabytes() {
				return nil, Wrap(KindSizeExceedsQuota,
					fmt.Sprintf("requested %d GB exceeds the gigabytes quota", spec.SizeGB), err)
			}
			return nil, Wrap(KindLimitExceeded, "volume count quota exceeded", err)
		}
		return nil, err
	}

	vol := newVolume(req, spec)
	if err := f.store.CreateVolume(vol); err != nil {
		if rbErr := f.ledger.Rollback(ctx, res); rbErr != nil {
			quota.LogRollbackFailure(res.ID, rbErr)
		}
		f.deleteKey(ctx, spec.EncryptionKeyID)
		return nil, fmt.Errorf("failed to create volume entry: %w", err)
	}

	if err := f.ledger.Commit(ctx, res); err != nil {
		if delErr := f.store.DeleteVolume(vol.ID); delErr != nil {
			f.logger.Warn().Err(delErr).Str("volume_id", vol.ID).
				Msg("Failed to remove volume entry during unwind")
		}
		if rbErr := f.ledger.Rollback(ctx, res); rbErr != nil && !errors.Is(rbErr, quota.ErrReservationConsumed) {
			quota.LogRollbackFailure(res.ID, rbErr)
		}
		f.deleteKey(ctx, spec.EncryptionKeyID)
		return nil, fmt.Errorf("failed to commit quota reservation: %w", err)
	}

	f.logger.Info().
		Str("volume_id", vol.ID).
		Str("project_id", vol.ProjectID).
		Int("size_gb", vol.SizeGB).
		Msg("Volume entry created, quota committed")
	return vol, nil
}

// Run executes the post-scheduling half of the workflow on the volume's
// scheduled host: build the task spec, populate the data, export, finalize.
// The volume entry always survives this phase; failures downgrade it to
// error (or hand it back to the scheduler) instead of deleting it.
func (f *Flow) Run(ctx context.Context, volumeID string, req *types.VolumeRequest) error {
	vol, err := f.store.GetVolume(volumeID)
	if err != nil {
		return Wrap(KindVolumeNotFound, "scheduled volume vanished", err)
	}

	if vol.VolumeTypeID != "" {
		if _, err := f.store.GetVolumeType(vol.VolumeTypeID); err != nil {
			err = Wrap(KindVolumeTypeNotFound, "volume type vanished before dispatch", err)
			f.handleFailure(ctx, vol, req, nil, err)
			return err
		}
	}

	taskSpec, err := BuildTaskSpec(ctx, f.store, f.catalog, vol)
	if err != nil {
		f.handleFailure(ctx, vol, req, nil, err)
		return err
	}

	timer := metrics.NewTimer(taskSpec.Strategy())
	defer timer.ObserveDuration()

	f.notify(events.EventVolumeCreateStart, vol, "")

	if err := f.populate(ctx, vol, taskSpec); err != nil {
		f.handleFailure(ctx, vol, req, taskSpec, err)
		return err
	}

	if err := f.export(ctx, vol); err != nil {
		f.handleFailure(ctx, vol, req, taskSpec, err)
		return err
	}

	f.finalize(vol, req)
	f.notify(events.EventVolumeCreateEnd, vol, "")
	metrics.VolumeCreations.WithLabelValues(taskSpec.Strategy(), "success").Inc()

	f.logger.Info().
		Str("volume_id", vol.ID).
		Str("host", vol.Host).
		Str("strategy", taskSpec.Strategy()).
		Msg("Volume created")
	return nil
}

// export publishes the volume through its backend so consumers can reach it
func (f *Flow) export(ctx context.Context, vol *types.Volume) error {
	d, err := f.hostDriver(vol.Host)
	if err != nil {
		return Wrap(KindExportFailure, "no driver for export", err)
	}
	update, err := d.CreateExport(ctx, vol)
	if err != nil {
		return Wrap(KindExportFailure, "failed to export volume", err)
	}
	update.Apply(vol)
	if err := f.store.UpdateVolume(vol); err != nil {
		return Wrap(KindExportFailure, "failed to persist export details", err)
	}
	return nil
}

// finalize moves the volume to its resting status and stamps launch time
func (f *Flow) finalize(vol *types.Volume, req *types.VolumeRequest) {
	// The record may have been deleted mid-flight (migration deadline
	// cleanup); updates are upserts, so writing now would resurrect it
	if _, err := f.store.GetVolume(vol.ID); err != nil {
		f.logger.Warn().Err(err).Str("volume_id", vol.ID).
			Msg("Volume record gone before finalize, leaving it deleted")
		return
	}

	status := types.VolumeStatusAvailable
	if req != nil && req.TargetStatus != "" {
		status = req.TargetStatus
	}
	vol.Status = status
	vol.LaunchedAt = time.Now()
	if err := f.store.UpdateVolume(vol); err != nil {
		// The data is on disk; a stale status row is recoverable, losing the
		// volume is not
		f.logger.Error().Err(err).Str("volume_id", vol.ID).
			Msg("Failed to persist final volume status")
	}
}

func (f *Flow) hostDriver(host string) (driver.Driver, error) {
	h, err := f.store.GetHost(host)
	if err != nil {
		return nil, err
	}
	return f.drivers.Get(h.Driver)
}

// typeName resolves a volume-type ID to its name for per-type quota counters
func (f *Flow) typeName(typeID string) string {
	if typeID == "" {
		return ""
	}
	vt, err := f.store.GetVolumeType(typeID)
	if err != nil {
		return ""
	}
	return vt.Name
}

func (f *Flow) deleteKey(ctx context.Context, keyID string) {
	if keyID == "" {
		return
	}
	if err := f.keys.DeleteKey(ctx, keyID); err != nil {
		f.logger.Warn().Err(err).Str("key_id", keyID).
			Msg("Failed to delete orphaned encryption key")
	}
}

// notify publishes a usage event; notification failure never fails the flow
func (f *Flow) notify(eventType events.EventType, vol *types.Volume, msg string) {
	if f.broker == nil {
		return
	}
	f.broker.Publish(&events.Event{
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

// newVolume materializes the persistent entry from a validated spec
func newVolume(req *types.VolumeRequest, spec *types.VolumeSpec) *types.Volume {
	now := time.Now()
	return &types.Volume{
		ID:               uuid.New().String(),
		ProjectID:        req.ProjectID,
		Name:             req.Name,
		Description:      req.Description,
		SizeGB:           spec.SizeGB,
		Status:           types.VolumeStatusCreating,
		AttachStatus:     types.AttachStatusDetached,
		AvailabilityZone: spec.AvailabilityZone,
		VolumeTypeID:     spec.VolumeTypeID,
		EncryptionKeyID:  spec.EncryptionKeyID,
		SnapshotID:       spec.SnapshotID,
		SourceVolID:      spec.SourceVolID,
		ImageID:          spec.ImageID,
		Metadata:         spec.Metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}
