/*
Package types defines the core data structures for the quarry control plane.

All persisted entities live here: Volume, Snapshot, VolumeType, Host, and
QuotaUsage, together with the request and spec shapes that flow between the
API, the creation workflow, and the scheduler. States are string-typed
enums (VolumeStatus, SnapshotStatus, AttachStatus, HostStatus) so records
stay readable in storage and logs.

ModelUpdate carries backend-assigned fields from a driver call back onto a
volume record. FilterProperties carries scheduler hints, including the
retry budget, across reschedules.

The package has no behavior beyond small helpers on these structs and
imports nothing from the rest of the module.
*/
package types
