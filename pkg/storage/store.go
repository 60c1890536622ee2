package storage

import (
	"errors"

	"github.com/quarrylabs/quarry/pkg/types"
)

// Not-found sentinels. Lookups wrap these with the missing ID so callers
// can match with errors.Is.
var (
	ErrVolumeNotFound     = errors.New("volume not found")
	ErrSnapshotNotFound   = errors.New("snapshot not found")
	ErrVolumeTypeNotFound = errors.New("volume type not found")
	ErrHostNotFound       = errors.New("host not found")
)

// Store defines the interface for control-plane state storage.
// Every call is atomic on its own; callers must not assume
// cross-call transactionality.
type Store interface {
	// Volumes
	CreateVolume(volume *types.Volume) error
	GetVolume(id string) (*types.Volume, error)
	ListVolumes() ([]*types.Volume, error)
	ListVolumesByHost(host string) ([]*types.Volume, error)
	ListVolumesByProject(projectID string) ([]*types.Volume, error)
	UpdateVolume(volume *types.Volume) error
	DeleteVolume(id string) error

	// Snapshots
	CreateSnapshot(snapshot *types.Snapshot) error
	GetSnapshot(id string) (*types.Snapshot, error)
	ListSnapshots() ([]*types.Snapshot, error)
	UpdateSnapshot(snapshot *types.Snapshot) error
	DeleteSnapshot(id string) error

	// Volume types
	CreateVolumeType(vt *types.VolumeType) error
	GetVolumeType(id string) (*types.VolumeType, error)
	GetVolumeTypeByName(name string) (*types.VolumeType, error)
	GetDefaultVolumeType() (*types.VolumeType, error)
	ListVolumeTypes() ([]*types.VolumeType, error)
	DeleteVolumeType(id string) error

	// Hosts
	CreateHost(host *types.Host) error
	GetHost(id string) (*types.Host, error)
	ListHosts() ([]*types.Host, error)
	UpdateHost(host *types.Host) error
	DeleteHost(id string) error

	// Quota usage
	GetQuotaUsage(projectID, resource string) (*types.QuotaUsage, error)
	PutQuotaUsage(usage *types.QuotaUsage) error
	ListQuotaUsage(projectID string) ([]*types.QuotaUsage, error)
	ListAllQuotaUsage() ([]*types.QuotaUsage, error)

	// Image (glance-style) metadata carried by bootable volumes/snapshots
	CreateVolumeImageMetadata(volumeID string, metadata map[string]string) error
	GetVolumeImageMetadata(volumeID string) (map[string]string, error)
	CreateSnapshotImageMetadata(snapshotID string, metadata map[string]string) error
	CopyImageMetadataToSnapshot(volumeID, snapshotID string) error
	GetSnapshotImageMetadata(snapshotID string) (map[string]string, error)
	CopyImageMetadataFromSnapshot(snapshotID, volumeID string) error
	CopyImageMetadataVolumeToVolume(srcVolumeID, dstVolumeID string) error

	// Utility
	Close() error
}
