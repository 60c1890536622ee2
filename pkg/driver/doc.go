/*
Package driver defines the storage backend contract and its implementations.

A Driver provisions and manages the actual volume data on a host: create
raw, create from snapshot, clone from a source volume, clone or copy from
an image, export, extend, delete. CloneImage may decline (cloned=false)
when the backend has no zero-copy path, in which case the workflow falls
back to CreateVolume plus CopyImageToVolume.

Provisioning calls may return a ModelUpdate carrying backend-assigned
record fields (provider location, provider ID); the workflow applies it to
the volume record and persists it.

The Registry maps driver names to instances; a host record names its driver
and the workflow resolves it per call.

LocalDriver is the file-backed reference implementation (sparse files under
a base directory). Fake is the test double: it records call counts and can
be forced to fail per method.

# See Also

  - pkg/flow for where drivers are invoked
  - pkg/image for the catalog client passed to CopyImageToVolume
*/
package driver
