/*
Package controlplane replicates control-plane state across nodes with Raft.

A Node wraps a local BoltDB store and implements storage.Store: reads are
served locally, every mutation is marshaled into a Command and applied
through the Raft log, so all members converge on the same state. Layers
above the Store interface cannot tell a clustered node from a standalone
BoltStore.

	┌──────── leader ────────┐       ┌─────── follower ───────┐
	│ Store mutation          │       │                         │
	│   → Command{op,data}    │ raft  │  FSM.Apply(Command)     │
	│   → raft.Apply ─────────┼──────▶│    → local BoltStore    │
	│ Store read → local bolt │       │ Store read → local bolt │
	└─────────────────────────┘       └─────────────────────────┘

The FSM snapshots the full state (volumes, snapshots, types, hosts, quota
usage, image metadata) for log compaction and restores it on recovery.

Bootstrap starts a fresh single-member cluster. A joining node calls Join
to come up without voting, then asks any existing member (over the HTTP
API's cluster join endpoint) to AddVoter it in. Timeouts are tuned for LAN
deployments; placement stalls while the cluster is leaderless, so elections
need to settle quickly.

# Usage

	node, err := controlplane.NewNode(&controlplane.Config{
		NodeID:   "quarry-1",
		BindAddr: "10.0.0.1:7946",
		DataDir:  "/var/lib/quarry",
	})
	if err != nil {
		return err
	}
	if err := node.Bootstrap(); err != nil {
		return err
	}
	var store storage.Store = node

# See Also

  - pkg/storage for the interface and the underlying BoltStore
  - pkg/api for the cluster join and status endpoints
*/
package controlplane
