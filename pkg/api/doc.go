/*
Package api exposes the control plane over HTTP.

Routes are mounted under /v1 with chi: volumes (create, list, get, delete,
attach, detach, extend, migrate, snapshot), snapshots, volume types, hosts,
per-project quota usage, and cluster membership (join, status). /healthz
and a Prometheus /metrics endpoint sit at the root.

Volume creation returns 202 Accepted: the record exists in creating status
and the workflow proceeds asynchronously; clients poll the volume for its
final status. Error translation is uniform across handlers: missing records
map to 404, status conflicts and placement failures to 409, quota denials
to 403, validation failures to 400.

# Usage

	srv := api.NewServer(store, mgr, cluster) // cluster nil when standalone
	err := srv.Serve(ctx, ":8776")            // blocks until ctx cancels

# See Also

  - pkg/manager for the operations behind the handlers
  - pkg/controlplane for the Cluster implementation
*/
package api
