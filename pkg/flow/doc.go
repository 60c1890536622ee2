/*
Package flow implements the volume-creation workflow, the core of the quarry
control plane.

A creation request moves through two phases. Prepare runs synchronously in
the API path: it validates the request, reserves quota, writes the volume
record, and commits the reservation. Run executes later on the volume's
scheduled host: it builds a strategy-specific task spec, populates the data
through the backend driver, exports the volume, and finalizes the record.

# Architecture

	┌──────────────────── CREATION WORKFLOW ─────────────────────┐
	│                                                             │
	│  Prepare (synchronous, pre-scheduling)                      │
	│    1. Extract    - validate request into a VolumeSpec       │
	│    2. Reserve    - quota reservation (volumes, gigabytes)   │
	│    3. Entry      - persist the volume record (creating)     │
	│    4. Commit     - quota point of no return                 │
	│                                                             │
	│  ── scheduler places the volume on a host ──                │
	│                                                             │
	│  Run (asynchronous, on the scheduled host)                  │
	│    5. BuildTaskSpec - Raw / FromSnapshot / FromSource /     │
	│                       FromImage tagged union                │
	│    6. Notify     - volume.create.start                      │
	│    7. Populate   - driver call per strategy, metadata       │
	│                    and bootable-flag inheritance            │
	│    8. Export     - driver CreateExport, model update        │
	│    9. Finalize   - available (or target status), launch     │
	│                    timestamp, volume.create.end             │
	└─────────────────────────────────────────────────────────────┘

# Failure Handling

Failures before quota commit unwind completely: the reservation is rolled
back, the record deleted, any derived encryption key destroyed. Nothing is
left behind.

Failures after quota commit never delete the record. The failure branch
either hands the volume back to the scheduler (status reset to creating,
host cleared, attempt counter bumped) or marks it error and compensates the
committed quota with a negative reservation. Reschedulability is a pure
function of the error's Kind: export, image-copy, and metadata failures are
terminal everywhere, so relocating them would only duplicate resources.

For clone strategies the source volume's captured status is restored on
failure, whatever state the attempt left it in.

# Usage

	validator := flow.NewValidator(store, catalog, keyMgr, flow.ValidatorConfig{
		DefaultZone: "nova",
	})
	f := flow.New(store, ledger, drivers, catalog, keyMgr, broker, validator)
	f.SetRescheduler(sched)

	vol, err := f.Prepare(ctx, req)   // API path
	err = f.Run(ctx, vol.ID, req)     // dispatched by the scheduler

# Integration Points

  - pkg/quota: three-phase reservation protocol
  - pkg/driver: backend population and export
  - pkg/image: catalog metadata and image download
  - pkg/scheduler: placement and resubmission
  - pkg/events: usage notifications
  - pkg/manager: delete/attach/extend/migrate build on records this
    package creates

# See Also

  - pkg/manager for the surrounding lifecycle operations
  - pkg/scheduler for placement and the retry budget
*/
package flow
