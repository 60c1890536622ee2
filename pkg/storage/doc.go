/*
Package storage provides persistent state for the quarry control plane.

The Store interface covers every record the control plane keeps: volumes,
snapshots, volume types, hosts, quota usage counters, and per-volume and
per-snapshot image metadata. BoltStore is the single-node implementation
over a local BoltDB file, one bucket per entity, JSON-encoded records.

Each call is atomic on its own; callers must not assume transactionality
across calls. Missing records surface as the package's sentinel errors
(ErrVolumeNotFound and friends), checked with errors.Is.

In cluster mode pkg/controlplane wraps a BoltStore and replicates every
mutation through Raft while satisfying the same interface, so nothing above
the Store boundary knows which mode it runs in.

# Image Metadata

Volumes created from images carry the image's attributes (id, name, format,
sizing) as key-value metadata, mirrored onto snapshots taken from bootable
volumes. The copy helpers (CopyImageMetadataToSnapshot, ...FromSnapshot,
...VolumeToVolume) move whole metadata sets between owners and are the
building blocks of bootable-flag inheritance in pkg/flow.

# Usage

	store, err := storage.NewBoltStore("/var/lib/quarry")
	if err != nil {
		return err
	}
	defer store.Close()

	vol, err := store.GetVolume(id)
	if errors.Is(err, storage.ErrVolumeNotFound) {
		// handle missing record
	}

# See Also

  - pkg/controlplane for the replicated implementation
  - pkg/types for the persisted record shapes
*/
package storage
