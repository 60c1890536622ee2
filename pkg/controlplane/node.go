package controlplane

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/quarrylabs/quarry/pkg/log"
	"github.com/quarrylabs/quarry/pkg/storage"
	"github.com/quarrylabs/quarry/pkg/types"
)

// Node is a Raft-replicated control-plane store. Mutations go through the
// Raft log so every node applies them in the same order; reads come from the
// local store. Node implements storage.Store, so the workflow layers are
// oblivious to whether they run on a single node or a cluster.
type Node struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft  *raft.Raft
	fsm   *FSM
	store storage.Store
}

// Config holds configuration for creating a Node
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// NewNode creates a control-plane node over a local BoltDB store
func NewNode(cfg *Config) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %v", err)
	}

	return &Node{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      NewFSM(store),
		store:    store,
	}, nil
}

// setupRaft builds the transport, log stores, and the Raft instance
func (n *Node) setupRaft() error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(n.nodeID)

	// Tuned below the conservative WAN defaults: control-plane nodes sit on
	// the same LAN and placement decisions stall while leaderless
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", n.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %v", err)
	}

	transport, err := raft.NewTCPTransport(n.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create transport: %v", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(n.dataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("failed to create snapshot store: %v", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(n.dataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("failed to create log store: %v", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(n.dataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("failed to create stable store: %v", err)
	}

	r, err := raft.NewRaft(config, n.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %v", err)
	}

	n.raft = r
	return nil
}

// Bootstrap initializes a new single-node Raft cluster
func (n *Node) Bootstrap() error {
	if err := n.setupRaft(); err != nil {
		return err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      raft.ServerID(n.nodeID),
				Address: raft.ServerAddress(n.bindAddr),
			},
		},
	}

	future := n.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %v", err)
	}

	logger := log.WithComponent("controlplane")
	logger.Info().
		Str("node_id", n.nodeID).
		Str("bind_addr", n.bindAddr).
		Msg("Cluster bootstrapped")
	return nil
}

// Join starts Raft without bootstrapping; the leader must AddVoter this node
// (via the cluster join API) before it becomes part of the cluster
func (n *Node) Join() error {
	return n.setupRaft()
}

// AddVoter adds a node to the Raft cluster. Leader only.
func (n *Node) AddVoter(nodeID, address string) error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !n.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s", n.LeaderAddr())
	}

	future := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %v", err)
	}
	return nil
}

// RemoveServer removes a node from the Raft cluster. Leader only.
func (n *Node) RemoveServer(nodeID string) error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !n.IsLeader() {
		return fmt.Errorf("not the leader")
	}

	future := n.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %v", err)
	}
	return nil
}

// IsLeader returns true if this node is the Raft leader
func (n *Node) IsLeader() bool {
	if n.raft == nil {
		return false
	}
	return n.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader
func (n *Node) LeaderAddr() string {
	if n.raft == nil {
		return ""
	}
	return string(n.raft.Leader())
}

// Stats returns Raft statistics for the status endpoint
func (n *Node) Stats() map[string]interface{} {
	if n.raft == nil {
		return nil
	}
	return map[string]interface{}{
		"state":          n.raft.State().String(),
		"last_log_index": n.raft.LastIndex(),
		"applied_index":  n.raft.AppliedIndex(),
		"leader":         string(n.raft.Leader()),
	}
}

// apply submits a command to the Raft cluster and waits for it to commit
func (n *Node) apply(op string, payload interface{}) error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %v", err)
	}
	cmd, err := json.Marshal(Command{Op: op, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal command: %v", err)
	}

	future := n.raft.Apply(cmd, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply command: %v", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// storage.Store implementation: mutations replicate, reads are local

func (n *Node) CreateVolume(volume *types.Volume) error {
	return n.apply("create_volume", volume)
}

func (n *Node) GetVolume(id string) (*types.Volume, error) {
	return n.store.GetVolume(id)
}

func (n *Node) ListVolumes() ([]*types.Volume, error) {
	return n.store.ListVolumes()
}

func (n *Node) ListVolumesByHost(host string) ([]*types.Volume, error) {
	return n.store.ListVolumesByHost(host)
}

func (n *Node) ListVolumesByProject(projectID string) ([]*types.Volume, error) {
	return n.store.ListVolumesByProject(projectID)
}

func (n *Node) UpdateVolume(volume *types.Volume) error {
	return n.apply("update_volume", volume)
}

func (n *Node) DeleteVolume(id string) error {
	return n.apply("delete_volume", id)
}

func (n *Node) CreateSnapshot(snapshot *types.Snapshot) error {
	return n.apply("create_snapshot", snapshot)
}

func (n *Node) GetSnapshot(id string) (*types.Snapshot, error) {
	return n.store.GetSnapshot(id)
}

func (n *Node) ListSnapshots() ([]*types.Snapshot, error) {
	return n.store.ListSnapshots()
}

func (n *Node) UpdateSnapshot(snapshot *types.Snapshot) error {
	return n.apply("update_snapshot", snapshot)
}

func (n *Node) DeleteSnapshot(id string) error {
	return n.apply("delete_snapshot", id)
}

func (n *Node) CreateVolumeType(vt *types.VolumeType) error {
	return n.apply("create_volume_type", vt)
}

func (n *Node) GetVolumeType(id string) (*types.VolumeType, error) {
	return n.store.GetVolumeType(id)
}

func (n *Node) GetVolumeTypeByName(name string) (*types.VolumeType, error) {
	return n.store.GetVolumeTypeByName(name)
}

func (n *Node) GetDefaultVolumeType() (*types.VolumeType, error) {
	return n.store.GetDefaultVolumeType()
}

func (n *Node) ListVolumeTypes() ([]*types.VolumeType, error) {
	return n.store.ListVolumeTypes()
}

func (n *Node) DeleteVolumeType(id string) error {
	return n.apply("delete_volume_type", id)
}

func (n *Node) CreateHost(host *types.Host) error {
	return n.apply("create_host", host)
}

func (n *Node) GetHost(id string) (*types.Host, error) {
	return n.store.GetHost(id)
}

func (n *Node) ListHosts() ([]*types.Host, error) {
	return n.store.ListHosts()
}

func (n *Node) UpdateHost(host *types.Host) error {
	return n.apply("update_host", host)
}

func (n *Node) DeleteHost(id string) error {
	return n.apply("delete_host", id)
}

func (n *Node) GetQuotaUsage(projectID, resource string) (*types.QuotaUsage, error) {
	return n.store.GetQuotaUsage(projectID, resource)
}

func (n *Node) PutQuotaUsage(usage *types.QuotaUsage) error {
	return n.apply("put_quota_usage", usage)
}

func (n *Node) ListQuotaUsage(projectID string) ([]*types.QuotaUsage, error) {
	return n.store.ListQuotaUsage(projectID)
}

func (n *Node) ListAllQuotaUsage() ([]*types.QuotaUsage, error) {
	return n.store.ListAllQuotaUsage()
}

func (n *Node) CreateVolumeImageMetadata(volumeID string, metadata map[string]string) error {
	return n.apply("create_volume_image_metadata", volumeMetadata{VolumeID: volumeID, Metadata: metadata})
}

func (n *Node) GetVolumeImageMetadata(volumeID string) (map[string]string, error) {
	return n.store.GetVolumeImageMetadata(volumeID)
}

func (n *Node) CreateSnapshotImageMetadata(snapshotID string, metadata map[string]string) error {
	return n.apply("create_snapshot_image_metadata", volumeMetadata{VolumeID: snapshotID, Metadata: metadata})
}

func (n *Node) CopyImageMetadataToSnapshot(volumeID, snapshotID string) error {
	return n.apply("copy_image_metadata_to_snapshot", metadataCopy{From: volumeID, To: snapshotID})
}

func (n *Node) GetSnapshotImageMetadata(snapshotID string) (map[string]string, error) {
	return n.store.GetSnapshotImageMetadata(snapshotID)
}

func (n *Node) CopyImageMetadataFromSnapshot(snapshotID, volumeID string) error {
	return n.apply("copy_image_metadata_from_snapshot", metadataCopy{From: snapshotID, To: volumeID})
}

func (n *Node) CopyImageMetadataVolumeToVolume(srcVolumeID, dstVolumeID string) error {
	return n.apply("copy_image_metadata_volume_to_volume", metadataCopy{From: srcVolumeID, To: dstVolumeID})
}

// Close shuts down Raft and the local store
func (n *Node) Close() error {
	if n.raft != nil {
		if err := n.raft.Shutdown().Error(); err != nil {
			return err
		}
	}
	return n.store.Close()
}
