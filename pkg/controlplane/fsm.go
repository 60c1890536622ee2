package controlplane

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/quarrylabs/quarry/pkg/storage"
	"github.com/quarrylabs/quarry/pkg/types"
)

// FSM implements the Raft finite state machine over the control-plane store.
// It applies committed log entries and handles snapshots.
type FSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewFSM creates a new FSM instance
func NewFSM(store storage.Store) *FSM {
	return &FSM{
		store: store,
	}
}

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// metadataCopy carries the owner IDs for image-metadata copy commands
type metadataCopy struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// volumeMetadata carries a volume's image attributes for the create command
type volumeMetadata struct {
	VolumeID string            `json:"volume_id"`
	Metadata map[string]string `json:"metadata"`
}

// Apply applies a committed Raft log entry to the FSM
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	// Volume operations
	case "create_volume":
		var volume types.Volume
		if err := json.Unmarshal(cmd.Data, &volume); err != nil {
			return err
		}
		return f.store.CreateVolume(&volume)

	case "update_volume":
		var volume types.Volume
		if err := json.Unmarshal(cmd.Data, &volume); err != nil {
			return err
		}
		return f.store.UpdateVolume(&volume)

	case "delete_volume":
		var volumeID string
		if err := json.Unmarshal(cmd.Data, &volumeID); err != nil {
			return err
		}
		return f.store.DeleteVolume(volumeID)

	// Snapshot operations
	case "create_snapshot":
		var snapshot types.Snapshot
		if err := json.Unmarshal(cmd.Data, &snapshot); err != nil {
			return err
		}
		return f.store.CreateSnapshot(&snapshot)

	case "update_snapshot":
		var snapshot types.Snapshot
		if err := json.Unmarshal(cmd.Data, &snapshot); err != nil {
			return err
		}
		return f.store.UpdateSnapshot(&snapshot)

	case "delete_snapshot":
		var snapshotID string
		if err := json.Unmarshal(cmd.Data, &snapshotID); err != nil {
			return err
		}
		return f.store.DeleteSnapshot(snapshotID)

	// Volume type operations
	case "create_volume_type":
		var vt types.VolumeType
		if err := json.Unmarshal(cmd.Data, &vt); err != nil {
			return err
		}
		return f.store.CreateVolumeType(&vt)

	case "delete_volume_type":
		var typeID string
		if err := json.Unmarshal(cmd.Data, &typeID); err != nil {
			return err
		}
		return f.store.DeleteVolumeType(typeID)

	// Host operations
	case "create_host":
		var host types.Host
		if err := json.Unmarshal(cmd.Data, &host); err != nil {
			return err
		}
		return f.store.CreateHost(&host)

	case "update_host":
		var host types.Host
		if err := json.Unmarshal(cmd.Data, &host); err != nil {
			return err
		}
		return f.store.UpdateHost(&host)

	case "delete_host":
		var hostID string
		if err := json.Unmarshal(cmd.Data, &hostID); err != nil {
			return err
		}
		return f.store.DeleteHost(hostID)

	// Quota usage
	case "put_quota_usage":
		var usage types.QuotaUsage
		if err := json.Unmarshal(cmd.Data, &usage); err != nil {
			return err
		}
		return f.store.PutQuotaUsage(&usage)

	// Image metadata
	case "create_volume_image_metadata":
		var vm volumeMetadata
		if err := json.Unmarshal(cmd.Data, &vm); err != nil {
			return err
		}
		return f.store.CreateVolumeImageMetadata(vm.VolumeID, vm.Metadata)

	case "create_snapshot_image_metadata":
		var vm volumeMetadata
		if err := json.Unmarshal(cmd.Data, &vm); err != nil {
			return err
		}
		return f.store.CreateSnapshotImageMetadata(vm.VolumeID, vm.Metadata)

	case "copy_image_metadata_to_snapshot":
		var cp metadataCopy
		if err := json.Unmarshal(cmd.Data, &cp); err != nil {
			return err
		}
		return f.store.CopyImageMetadataToSnapshot(cp.From, cp.To)

	case "copy_image_metadata_from_snapshot":
		var cp metadataCopy
		if err := json.Unmarshal(cmd.Data, &cp); err != nil {
			return err
		}
		return f.store.CopyImageMetadataFromSnapshot(cp.From, cp.To)

	case "copy_image_metadata_volume_to_volume":
		var cp metadataCopy
		if err := json.Unmarshal(cmd.Data, &cp); err != nil {
			return err
		}
		return f.store.CopyImageMetadataVolumeToVolume(cp.From, cp.To)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot creates a point-in-time snapshot of the FSM.
// Called periodically by Raft to compact the log.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	volumes, err := f.store.ListVolumes()
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %v", err)
	}

	snapshots, err := f.store.ListSnapshots()
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %v", err)
	}

	volumeTypes, err := f.store.ListVolumeTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to list volume types: %v", err)
	}

	hosts, err := f.store.ListHosts()
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %v", err)
	}

	usages, err := f.store.ListAllQuotaUsage()
	if err != nil {
		return nil, fmt.Errorf("failed to list quota usage: %v", err)
	}

	volumeMeta := make(map[string]map[string]string)
	for _, vol := range volumes {
		md, err := f.store.GetVolumeImageMetadata(vol.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to read volume image metadata: %v", err)
		}
		if len(md) > 0 {
			volumeMeta[vol.ID] = md
		}
	}

	snapshotMeta := make(map[string]map[string]string)
	for _, snap := range snapshots {
		md, err := f.store.GetSnapshotImageMetadata(snap.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to read snapshot image metadata: %v", err)
		}
		if len(md) > 0 {
			snapshotMeta[snap.ID] = md
		}
	}

	return &stateSnapshot{
		Volumes:      volumes,
		Snapshots:    snapshots,
		VolumeTypes:  volumeTypes,
		Hosts:        hosts,
		QuotaUsage:   usages,
		VolumeMeta:   volumeMeta,
		SnapshotMeta: snapshotMeta,
	}, nil
}

// Restore restores the FSM from a snapshot.
// Called when a node restarts or joins the cluster.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap stateSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, volume := range snap.Volumes {
		if err := f.store.CreateVolume(volume); err != nil {
			return fmt.Errorf("failed to restore volume: %v", err)
		}
	}
	for _, snapshot := range snap.Snapshots {
		if err := f.store.CreateSnapshot(snapshot); err != nil {
			return fmt.Errorf("failed to restore snapshot: %v", err)
		}
	}
	for _, vt := range snap.VolumeTypes {
		if err := f.store.CreateVolumeType(vt); err != nil {
			return fmt.Errorf("failed to restore volume type: %v", err)
		}
	}
	for _, host := range snap.Hosts {
		if err := f.store.CreateHost(host); err != nil {
			return fmt.Errorf("failed to restore host: %v", err)
		}
	}
	for _, usage := range snap.QuotaUsage {
		if err := f.store.PutQuotaUsage(usage); err != nil {
			return fmt.Errorf("failed to restore quota usage: %v", err)
		}
	}
	for volumeID, md := range snap.VolumeMeta {
		if err := f.store.CreateVolumeImageMetadata(volumeID, md); err != nil {
			return fmt.Errorf("failed to restore volume image metadata: %v", err)
		}
	}
	for snapshotID, md := range snap.SnapshotMeta {
		if err := f.store.CreateSnapshotImageMetadata(snapshotID, md); err != nil {
			return fmt.Errorf("failed to restore snapshot image metadata: %v", err)
		}
	}

	return nil
}

// stateSnapshot represents a point-in-time snapshot of control-plane state
type stateSnapshot struct {
	Volumes      []*types.Volume
	Snapshots    []*types.Snapshot
	VolumeTypes  []*types.VolumeType
	Hosts        []*types.Host
	QuotaUsage   []*types.QuotaUsage
	VolumeMeta   map[string]map[string]string
	SnapshotMeta map[string]map[string]string
}

// Persist writes the snapshot to the given SnapshotSink
func (s *stateSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *stateSnapshot) Release() {}
