/*
Package scheduler places volumes onto storage hosts.

Selection is capacity-based: among ready hosts in the requested availability
zone with enough free gigabytes, the host with the most free capacity wins.
Hosts that already failed a creation attempt for the same volume are
excluded, so retries spread across the pool. A request may also name an
explicit host (used by migration), which bypasses scoring but not the
readiness and capacity checks.

The scheduler does not run the creation itself. Placement happens under the
scheduler's lock (host lookup, allocation bump, record update); the request
is then handed to a Dispatcher outside the lock, so a synchronous dispatcher
that fails and reschedules can safely re-enter CreateVolume.

ErrNoValidHost is terminal: the caller marks the volume failed and notifies,
the scheduler never queues or retries on its own.

# Usage

	sched := scheduler.NewScheduler(store, scheduler.DispatchFunc(
		func(ctx context.Context, host, volumeID string, req *types.VolumeRequest) {
			go fl.Run(context.Background(), volumeID, req)
		},
	), broker)

	err := sched.CreateVolume(ctx, volumeID, req)

# See Also

  - pkg/flow for the workflow the dispatcher runs
  - pkg/reconciler for host health sweeping
*/
package scheduler
