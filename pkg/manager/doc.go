/*
Package manager provides the VolumeManager facade over the volume lifecycle.

Creation is delegated to pkg/flow (prepare, schedule, run); everything after
a volume exists lives here:

  - Delete: status-gated teardown with driver cleanup, encryption-key
    deletion, host capacity release, and quota release (skipped for
    error-status volumes whose quota was already compensated)
  - Attach / Detach: attach-status transitions with export verification
  - Extend: quota-checked growth with rollback on backend failure
  - Snapshots: creation from available or in-use volumes, with size, zone,
    type, encryption-key, and image-metadata inheritance
  - Migrate: creates a migration-target copy on the requested host via the
    ordinary creation path, then polls it against a wall-clock deadline;
    stuck targets are reclaimed and deleted so nothing leaks
  - InitHost: best-effort ensure-export sweep after a host restart

Operations are rejected with ErrInvalidStatus or ErrVolumeAttached when the
volume's current status does not permit them; the check and the status flip
happen before any backend work so concurrent calls cannot double-apply.

# Usage

	mgr := manager.New(manager.Config{
		Store: store, Ledger: ledger, Drivers: drivers,
		Broker: broker, Keys: keyMgr, Flow: fl, Scheduler: sched,
	})

	vol, err := mgr.Create(ctx, req)
	err = mgr.Delete(ctx, vol.ID)

# See Also

  - pkg/flow for the creation workflow
  - pkg/api for the HTTP surface over this facade
*/
package manager
