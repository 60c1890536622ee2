package flow

import (
	"context"
	"time"

	"github.com/quarrylabs/quarry/pkg/events"
	"github.com/quarrylabs/quarry/pkg/metrics"
	"github.com/quarrylabs/quarry/pkg/quota"
	"github.com/quarrylabs/quarry/pkg/types"
)

// handleFailure is the post-commit failure branch. The volume entry is never
// deleted here: the request either goes back to the scheduler for another
// host, or the volume is marked error and its committed quota compensated.
func (f *Flow) handleFailure(ctx context.Context, vol *types.Volume, req *types.VolumeRequest, spec TaskSpec, cause error) {
	// A failed clone leaves the source volume as we found it
	if s, ok := spec.(*FromSourceSpec); ok {
		f.restoreSource(s)
	}

	strategy := "unknown"
	if spec != nil {
		strategy = spec.Strategy()
	}

	if f.shouldReschedule(req, cause) {
		failedHost := vol.Host
		err := f.reschedule(ctx, vol, req, cause)
		if err == nil {
			metrics.Reschedules.Inc()
			metrics.VolumeCreations.WithLabelValues(strategy, "rescheduled").Inc()
			f.logger.Info().
				Str("volume_id", vol.ID).
				Str("failed_host", failedHost).
				Err(cause).
				Msg("Volume creation rescheduled")
			return
		}
		f.logger.Warn().Err(err).Str("volume_id", vol.ID).
			Msg("Reschedule failed, marking volume as errored")
	}

	f.markError(ctx, vol, cause)
	metrics.VolumeCreations.WithLabelValues(strategy, "error").Inc()
}

// shouldReschedule applies the retry policy: a retry budget must exist and
// the failure kind must not be one that would fail identically on any host
func (f *Flow) shouldReschedule(req *types.VolumeRequest, cause error) bool {
	if f.rescheduler == nil || req == nil || req.FilterProperties == nil || req.FilterProperties.Retry == nil {
		return false
	}
	if req.FilterProperties.Retry.Exhausted() {
		return false
	}
	return IsReschedulable(KindOf(cause))
}

// reschedule resets the volume for another placement attempt and resubmits
// it. Quota stays committed: the volume entry still exists and still counts.
// The failed host's allocation is returned before the host is cleared; the
// next placement charges its own host.
func (f *Flow) reschedule(ctx context.Context, vol *types.Volume, req *types.VolumeRequest, cause error) error {
	retry := req.FilterProperties.Retry
	retry.NumAttempts++
	retry.Errors = append(retry.Errors, cause.Error())

	f.releaseHostAllocation(vol)

	vol.Status = types.VolumeStatusCreating
	vol.Host = ""
	vol.ScheduledAt = time.Now()
	if err := f.store.UpdateVolume(vol); err != nil {
		return err
	}

	return f.rescheduler.CreateVolume(ctx, vol.ID, req)
}

// FailUnscheduled terminally fails a prepared volume that placement could
// not find a host for
func (f *Flow) FailUnscheduled(ctx context.Context, vol *types.Volume, cause error) {
	f.markError(ctx, vol, Wrap(KindScheduleFailure, "no host accepted the volume", cause))
	metrics.VolumeCreations.WithLabelValues("unscheduled", "error").Inc()
}

// markError is the terminal branch: flip the volume to error, compensate the
// committed quota with a negative reservation, and emit the error event.
func (f *Flow) markError(ctx context.Context, vol *types.Volume, cause error) {
	vol.Status = types.VolumeStatusError
	if err := f.store.UpdateVolume(vol); err != nil {
		f.logger.Error().Err(err).Str("volume_id", vol.ID).
			Msg("Failed to mark volume as errored")
	}

	f.compensateQuota(ctx, vol)
	f.notify(events.EventVolumeCreateError, vol, cause.Error())

	f.logger.Error().
		Err(cause).
		Str("volume_id", vol.ID).
		Str("host", vol.Host).
		Msg("Volume creation failed")
}

// compensateQuota undoes the committed creation quota with a negative
// reserve-and-commit. Compensation deltas skip limit checks, so this cannot
// be rejected; failures are logged, leaving counters to drift until repaired.
func (f *Flow) compensateQuota(ctx context.Context, vol *types.Volume) {
	deltas := quota.CreationDeltas(vol.SizeGB, f.typeName(vol.VolumeTypeID)).Negate()
	res, err := f.ledger.Reserve(ctx, vol.ProjectID, deltas)
	if err != nil {
		f.logger.Error().Err(err).Str("volume_id", vol.ID).
			Msg("Failed to reserve quota compensation")
		return
	}
	if err := f.ledger.Commit(ctx, res); err != nil {
		f.logger.Error().Err(err).Str("volume_id", vol.ID).
			Msg("Failed to commit quota compensation")
	}
}

// releaseHostAllocation returns a failed placement's capacity to its host.
// Terminal failures keep their host set, so Delete releases them instead.
func (f *Flow) releaseHostAllocation(vol *types.Volume) {
	if vol.Host == "" {
		return
	}
	host, err := f.store.GetHost(vol.Host)
	if err != nil {
		f.logger.Warn().Err(err).Str("host", vol.Host).Str("volume_id", vol.ID).
			Msg("Failed to look up host for allocation release")
		return
	}
	host.AllocatedGB -= vol.SizeGB
	if host.AllocatedGB < 0 {
		host.AllocatedGB = 0
	}
	if err := f.store.UpdateHost(host); err != nil {
		f.logger.Warn().Err(err).Str("host", host.Name).Str("volume_id", vol.ID).
			Msg("Failed to release host allocation")
	}
}

// restoreSource puts a clone source back in its pre-clone status
func (f *Flow) restoreSource(s *FromSourceSpec) {
	src, err := f.store.GetVolume(s.Source.ID)
	if err != nil {
		return
	}
	if src.Status == s.SourceStatus {
		return
	}
	src.Status = s.SourceStatus
	if err := f.store.UpdateVolume(src); err != nil {
		f.logger.Warn().Err(err).Str("volume_id", src.ID).
			Msg("Failed to restore clone source status")
	}
}
