package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quarrylabs/quarry/pkg/events"
	"github.com/quarrylabs/quarry/pkg/log"
	"github.com/quarrylabs/quarry/pkg/storage"
	"github.com/quarrylabs/quarry/pkg/types"
)

// ErrNoValidHost means no ready host can take the volume. Terminal: the
// caller marks the volume failed and notifies, it does not retry here.
var ErrNoValidHost = errors.New("no valid host was found")

// Dispatcher receives a scheduled creation request for execution on the
// chosen host. Fire-and-forget: implementations run the creation workflow
// asynchronously.
type Dispatcher interface {
	DispatchCreate(ctx context.Context, host string, volumeID string, req *types.VolumeRequest)
}

// DispatchFunc adapts a function to the Dispatcher interface
type DispatchFunc func(ctx context.Context, host string, volumeID string, req *types.VolumeRequest)

func (f DispatchFunc) DispatchCreate(ctx context.Context, host string, volumeID string, req *types.VolumeRequest) {
	f(ctx, host, volumeID, req)
}

// Scheduler places volumes onto storage hosts by capacity and availability
// zone, then hands the request to the dispatcher
type Scheduler struct {
	store      storage.Store
	dispatcher Dispatcher
	broker     *events.Broker
	mu         sync.Mutex
}

// NewScheduler creates a new scheduler
func NewScheduler(store storage.Store, dispatcher Dispatcher, broker *events.Broker) *Scheduler {
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		broker:     broker,
	}
}

// CreateVolume places the volume on a host and dispatches the creation
// request there. Fails with ErrNoValidHost when nothing fits; also used to
// resubmit rescheduled requests, in which case hosts already tried are
// excluded.
func (s *Scheduler) CreateVolume(ctx context.Context, volumeID string, req *types.VolumeRequest) error {
	hostName, err := s.place(volumeID, req)
	if err != nil {
		return err
	}
	// Dispatch outside the placement lock: a synchronous dispatcher may
	// reschedule, which re-enters CreateVolume
	s.dispatcher.DispatchCreate(ctx, hostName, volumeID, req)
	return nil
}

// place picks a host and records the placement, serialized so concurrent
// placements see consistent capacity
func (s *Scheduler) place(volumeID string, req *types.VolumeRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vol, err := s.store.GetVolume(volumeID)
	if err != nil {
		return "", fmt.Errorf("failed to load volume for scheduling: %w", err)
	}

	var excluded []string
	var requested string
	if req.FilterProperties != nil {
		if req.FilterProperties.Retry != nil {
			excluded = req.FilterProperties.Retry.Hosts
		}
		requested = req.FilterProperties.RequestedHost
	}

	var host *types.Host
	if requested != "" {
		host, err = s.requestedHost(requested, vol.SizeGB)
	} else {
		host, err = s.selectHost(vol.SizeGB, vol.AvailabilityZone, excluded)
	}
	if err != nil {
		if s.broker != nil {
			s.broker.Publish(&events.Event{
				Type:      events.EventSchedulerNoHost,
				ProjectID: vol.ProjectID,
				VolumeID:  vol.ID,
				Message:   err.Error(),
			})
		}
		return "", err
	}

	vol.Host = host.Name
	vol.Status = types.VolumeStatusCreating
	vol.ScheduledAt = time.Now()
	if err := s.store.UpdateVolume(vol); err != nil {
		return "", fmt.Errorf("failed to record placement: %w", err)
	}

	host.AllocatedGB += vol.SizeGB
	if err := s.store.UpdateHost(host); err != nil {
		return "", fmt.Errorf("failed to record host allocation: %w", err)
	}

	if req.FilterProperties != nil && req.FilterProperties.Retry != nil {
		req.FilterProperties.Retry.Hosts = append(req.FilterProperties.Retry.Hosts, host.Name)
	}

	logger := log.WithVolumeID(vol.ID)
	logger.Info().Str("host", host.Name).Msg("Volume scheduled")
	return host.Name, nil
}

// requestedHost honors an explicit placement request, used for migration
// targets. The named host must still be ready and have the capacity.
func (s *Scheduler) requestedHost(name string, sizeGB int) (*types.Host, error) {
	hosts, err := s.store.ListHosts()
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}
	for _, host := range hosts {
		if host.Name != name {
			continue
		}
		if host.Status != types.HostStatusReady || host.FreeGB() < sizeGB {
			return nil, ErrNoValidHost
		}
		return host, nil
	}
	return nil, ErrNoValidHost
}

// selectHost picks the ready host with the most free capacity that satisfies
// the zone and size constraints
func (s *Scheduler) selectHost(sizeGB int, zone string, excluded []string) (*types.Host, error) {
	hosts, err := s.store.ListHosts()
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}

	candidates := filterHosts(hosts, sizeGB, zone, excluded)
	if len(candidates) == 0 {
		return nil, ErrNoValidHost
	}

	var selected *types.Host
	for _, host := range candidates {
		if selected == nil || host.FreeGB() > selected.FreeGB() {
			selected = host
		}
	}
	return selected, nil
}

// filterHosts returns ready hosts matching the zone with enough free
// capacity, excluding hosts already tried
func filterHosts(hosts []*types.Host, sizeGB int, zone string, excluded []string) []*types.Host {
	tried := make(map[string]bool, len(excluded))
	for _, name := range excluded {
		tried[name] = true
	}

	var candidates []*types.Host
	for _, host := range hosts {
		if host.Status != types.HostStatusReady {
			continue
		}
		if tried[host.Name] {
			continue
		}
		if zone != "" && host.AvailabilityZone != zone {
			continue
		}
		if host.FreeGB() < sizeGB {
			continue
		}
		candidates = append(candidates, host)
	}
	return candidates
}
