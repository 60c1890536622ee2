package types

import (
	"time"
)

// Volume represents a persistent block-storage unit exposed to consumers
type Volume struct {
	ID               string
	ProjectID        string
	Name             string
	Description      string
	SizeGB           int
	Status           VolumeStatus
	AttachStatus     AttachStatus
	AvailabilityZone string
	VolumeTypeID     string
	EncryptionKeyID  string
	SnapshotID       string // Source snapshot, empty unless created from one
	SourceVolID      string // Source volume, empty unless cloned
	ImageID          string // Source image, empty unless created from one
	Host             string // Empty until scheduled
	AttachedTo       string // Consumer identity while attached
	Bootable         bool
	Metadata         map[string]string
	ProviderLocation string // Backend-specific export location
	ProviderAuth     string
	ScheduledAt      time.Time
	LaunchedAt       time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// VolumeStatus represents the lifecycle state of a volume
type VolumeStatus string

const (
	VolumeStatusCreating        VolumeStatus = "creating"
	VolumeStatusDownloading     VolumeStatus = "downloading"
	VolumeStatusAvailable       VolumeStatus = "available"
	VolumeStatusInUse           VolumeStatus = "in-use"
	VolumeStatusAttaching       VolumeStatus = "attaching"
	VolumeStatusDetaching       VolumeStatus = "detaching"
	VolumeStatusExtending       VolumeStatus = "extending"
	VolumeStatusDeleting        VolumeStatus = "deleting"
	VolumeStatusError           VolumeStatus = "error"
	VolumeStatusErrorDeleting   VolumeStatus = "error_deleting"
	VolumeStatusMigrationTarget VolumeStatus = "migration_target"
)

// AttachStatus represents whether a volume is attached to a consumer
type AttachStatus string

const (
	AttachStatusDetached AttachStatus = "detached"
	AttachStatusAttached AttachStatus = "attached"
)

// Snapshot represents a point-in-time, read-only capture of a volume
type Snapshot struct {
	ID               string
	ProjectID        string
	VolumeID         string
	Name             string
	Description      string
	VolumeSizeGB     int // Size of the owning volume at capture time
	Status           SnapshotStatus
	AvailabilityZone string
	VolumeTypeID     string
	EncryptionKeyID  string
	Metadata         map[string]string
	CreatedAt        time.Time
}

// SnapshotStatus represents the lifecycle state of a snapshot
type SnapshotStatus string

const (
	SnapshotStatusCreating  SnapshotStatus = "creating"
	SnapshotStatusAvailable SnapshotStatus = "available"
	SnapshotStatusDeleting  SnapshotStatus = "deleting"
	SnapshotStatusError     SnapshotStatus = "error"
)

// VolumeType describes a class of volumes (backend selection, QoS, encryption)
type VolumeType struct {
	ID         string
	Name       string
	IsDefault  bool
	Encrypted  bool
	QOSSpecs   map[string]string
	ExtraSpecs map[string]string
	CreatedAt  time.Time
}

// Host represents a storage host running a backend driver
type Host struct {
	ID               string
	Name             string
	Driver           string
	AvailabilityZone string
	Status           HostStatus
	CapacityGB       int
	AllocatedGB      int
	LastHeartbeat    time.Time
	CreatedAt        time.Time
}

// HostStatus represents the current state of a storage host
type HostStatus string

const (
	HostStatusReady HostStatus = "ready"
	HostStatusDown  HostStatus = "down"
)

// FreeGB returns the unallocated capacity of the host
func (h *Host) FreeGB() int {
	return h.CapacityGB - h.AllocatedGB
}

// QuotaUsage tracks consumed and reserved units for one project resource
type QuotaUsage struct {
	ProjectID string
	Resource  string // "volumes", "gigabytes", or a per-type variant
	InUse     int
	Reserved  int
	UpdatedAt time.Time
}

// VolumeRequest is the ephemeral input to volume creation.
// At most one of SnapshotID, SourceVolID, ImageID may be set.
type VolumeRequest struct {
	ProjectID        string
	Name             string
	Description      string
	SizeGB           int // Zero means inherit from snapshot/source
	SnapshotID       string
	SourceVolID      string
	ImageID          string
	VolumeTypeID     string
	AvailabilityZone string
	Metadata         map[string]string
	TargetStatus     VolumeStatus      // Final status override, defaults to available
	FilterProperties *FilterProperties // Scheduler hints, carries the retry budget
}

// FilterProperties carries scheduler placement hints across reschedules
type FilterProperties struct {
	Retry         *RetryInfo
	RequestedHost string
}

// RetryInfo is the retry budget and history for a creation request
type RetryInfo struct {
	NumAttempts int
	MaxAttempts int
	Hosts       []string // Hosts already tried
	Errors      []string // Stringified failures from prior attempts
}

// Exhausted reports whether the retry budget allows no further attempts
func (r *RetryInfo) Exhausted() bool {
	return r == nil || r.NumAttempts >= r.MaxAttempts
}

// VolumeSpec is the validated, resolved output of request extraction.
// EncryptionKeyID is set if and only if the resolved type is encrypted.
type VolumeSpec struct {
	SizeGB           int
	AvailabilityZone string
	VolumeTypeID     string
	EncryptionKeyID  string
	QOSSpecs         map[string]string
	SnapshotID       string
	SourceVolID      string
	ImageID          string
	Metadata         map[string]string
}

// ImageMeta is the catalog's description of an image
// ImageStatusActive is the catalog state in which an image's bits are
// uploaded and usable as a volume source.
const ImageStatusActive = "active"

type ImageMeta struct {
	ID              string
	Name            string
	SizeBytes       int64
	DiskFormat      string
	ContainerFormat string
	MinDiskGB       int
	MinRAMMB        int
	Status          string
	Properties      map[string]string
}

// ImageLocation is where an image's bits can be fetched from directly
type ImageLocation struct {
	DirectURL string
	Locations []string
}

// ModelUpdate is a set of volume fields a driver wants persisted after a
// backend operation completes
type ModelUpdate struct {
	ProviderLocation string
	ProviderAuth     string
	Metadata         map[string]string
}

// Apply overwrites the corresponding volume fields with the update's values
func (u *ModelUpdate) Apply(vol *Volume) {
	if u == nil {
		return
	}
	if u.ProviderLocation != "" {
		vol.ProviderLocation = u.ProviderLocation
	}
	if u.ProviderAuth != "" {
		vol.ProviderAuth = u.ProviderAuth
	}
	for k, v := range u.Metadata {
		if vol.Metadata == nil {
			vol.Metadata = make(map[string]string)
		}
		vol.Metadata[k] = v
	}
}
