package reconciler

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarrylabs/quarry/pkg/log"
	"github.com/quarrylabs/quarry/pkg/metrics"
	"github.com/quarrylabs/quarry/pkg/storage"
	"github.com/quarrylabs/quarry/pkg/types"
)

const (
	defaultInterval = 10 * time.Second

	// heartbeatGrace is how long a host may go silent before it is down
	heartbeatGrace = 30 * time.Second

	// stuckGrace is how long a volume may sit in a transitional status
	// before the sweeper declares it abandoned
	stuckGrace = 30 * time.Minute
)

// Reconciler periodically sweeps control-plane state: hosts that stopped
// heartbeating are marked down, and volumes abandoned mid-transition (their
// workflow died with the host or the process) are moved to error so callers
// stop waiting on them.
type Reconciler struct {
	store    storage.Store
	interval time.Duration
	mu       sync.Mutex
	stopCh   chan struct{}
	logger   zerolog.Logger
}

// New creates a reconciler over the given store. interval <= 0 uses the
// default.
func New(store storage.Store, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reconciler{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("reconciler"),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.reconcile(); err != nil {
				r.logger.Error().Err(err).Msg("Reconciliation cycle failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// reconcile performs one sweep
func (r *Reconciler) reconcile() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.sweepHosts(); err != nil {
		return err
	}
	if err := r.sweepStuckVolumes(); err != nil {
		return err
	}
	return r.updateGauges()
}

// sweepHosts marks hosts without a recent heartbeat as down
func (r *Reconciler) sweepHosts() error {
	hosts, err := r.store.ListHosts()
	if err != nil {
		return fmt.Errorf("failed to list hosts: %w", err)
	}

	now := time.Now()
	for _, host := range hosts {
		silent := now.Sub(host.LastHeartbeat)
		if silent > heartbeatGrace && host.Status != types.HostStatusDown {
			r.logger.Warn().
				Str("host", host.ID).
				Dur("silent_for", silent).
				Msg("Host stopped heartbeating, marking down")
			host.Status = types.HostStatusDown
			if err := r.store.UpdateHost(host); err != nil {
				r.logger.Error().Err(err).Str("host", host.ID).
					Msg("Failed to mark host down")
			}
		}
	}
	return nil
}

// sweepStuckVolumes errors volumes abandoned in a transitional status
func (r *Reconciler) sweepStuckVolumes() error {
	volumes, err := r.store.ListVolumes()
	if err != nil {
		return fmt.Errorf("failed to list volumes: %w", err)
	}

	now := time.Now()
	for _, vol := range volumes {
		if !transitional(vol.Status) {
			continue
		}
		if now.Sub(vol.UpdatedAt) <= stuckGrace {
			continue
		}
		r.logger.Warn().
			Str("volume_id", vol.ID).
			Str("status", string(vol.Status)).
			Time("last_update", vol.UpdatedAt).
			Msg("Volume stuck in transitional status, marking errored")
		vol.Status = types.VolumeStatusError
		if err := r.store.UpdateVolume(vol); err != nil {
			r.logger.Error().Err(err).Str("volume_id", vol.ID).
				Msg("Failed to mark stuck volume errored")
		}
	}
	return nil
}

// transitional reports whether a status is a waypoint a live workflow must
// be driving
func transitional(status types.VolumeStatus) bool {
	switch status {
	case types.VolumeStatusCreating,
		types.VolumeStatusDownloading,
		types.VolumeStatusAttaching,
		types.VolumeStatusDetaching,
		types.VolumeStatusExtending,
		types.VolumeStatusDeleting:
		return true
	}
	return false
}

// updateGauges refreshes the population and capacity metrics
func (r *Reconciler) updateGauges() error {
	volumes, err := r.store.ListVolumes()
	if err != nil {
		return err
	}
	byStatus := make(map[types.VolumeStatus]int)
	for _, vol := range volumes {
		byStatus[vol.Status]++
	}
	metrics.VolumesByStatus.Reset()
	for status, n := range byStatus {
		metrics.VolumesByStatus.WithLabelValues(string(status)).Set(float64(n))
	}

	hosts, err := r.store.ListHosts()
	if err != nil {
		return err
	}
	for _, host := range hosts {
		metrics.HostFreeCapacity.WithLabelValues(host.ID).Set(float64(host.FreeGB()))
	}
	return nil
}
