package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/quarrylabs/quarry/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketVolumes         = []byte("volumes")
	bucketSnapshots       = []byte("snapshots")
	bucketVolumeTypes     = []byte("volume_types")
	bucketHosts           = []byte("hosts")
	bucketQuotaUsage      = []byte("quota_usage")
	bucketVolumeImageMeta = []byte("volume_image_metadata")
	bucketSnapImageMeta   = []byte("snapshot_image_metadata")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "quarry.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketVolumes,
			bucketSnapshots,
			bucketVolumeTypes,
			bucketHosts,
			bucketQuotaUsage,
			bucketVolumeImageMeta,
			bucketSnapImageMeta,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Volume operations
func (s *BoltStore) CreateVolume(volume *types.Volume) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumes)
		data, err := json.Marshal(volume)
		if err != nil {
			return err
		}
		return b.Put([]byte(volume.ID), data)
	})
}

func (s *BoltStore) GetVolume(id string) (*types.Volume, error) {
	var volume types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumes)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrVolumeNotFound, id)
		}
		return json.Unmarshal(data, &volume)
	})
	if err != nil {
		return nil, err
	}
	return &volume, nil
}

func (s *BoltStore) ListVolumes() ([]*types.Volume, error) {
	var volumes []*types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumes)
		return b.ForEach(func(k, v []byte) error {
			var volume types.Volume
			if err := json.Unmarshal(v, &volume); err != nil {
				return err
			}
			volumes = append(volumes, &volume)
			return nil
		})
	})
	return volumes, err
}

func (s *BoltStore) ListVolumesByHost(host string) ([]*types.Volume, error) {
	volumes, err := s.ListVolumes()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Volume
	for _, volume := range volumes {
		if volume.Host == host {
			filtered = append(filtered, volume)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListVolumesByProject(projectID string) ([]*types.Volume, error) {
	volumes, err := s.ListVolumes()
	if err != nil {
		return nil, err
	}

	var filtered []*types.Volume
	for _, volume := range volumes {
		if volume.ProjectID == projectID {
			filtered = append(filtered, volume)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdateVolume(volume *types.Volume) error {
	volume.UpdatedAt = time.Now()
	return s.CreateVolume(volume) // Same as create (upsert)
}

func (s *BoltStore) DeleteVolume(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumes)
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		// Image metadata travels with the volume
		return tx.Bucket(bucketVolumeImageMeta).Delete([]byte(id))
	})
}

// Snapshot operations
func (s *BoltStore) CreateSnapshot(snapshot *types.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		data, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}
		return b.Put([]byte(snapshot.ID), data)
	})
}

func (s *BoltStore) GetSnapshot(id string) (*types.Snapshot, error) {
	var snapshot types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
		}
		return json.Unmarshal(data, &snapshot)
	})
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (s *BoltStore) ListSnapshots() ([]*types.Snapshot, error) {
	var snapshots []*types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		return b.ForEach(func(k, v []byte) error {
			var snapshot types.Snapshot
			if err := json.Unmarshal(v, &snapshot); err != nil {
				return err
			}
			snapshots = append(snapshots, &snapshot)
			return nil
		})
	})
	return snapshots, err
}

func (s *BoltStore) UpdateSnapshot(snapshot *types.Snapshot) error {
	return s.CreateSnapshot(snapshot)
}

func (s *BoltStore) DeleteSnapshot(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketSnapImageMeta).Delete([]byte(id))
	})
}

// Volume type operations
func (s *BoltStore) CreateVolumeType(vt *types.VolumeType) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumeTypes)
		data, err := json.Marshal(vt)
		if err != nil {
			return err
		}
		return b.Put([]byte(vt.ID), data)
	})
}

func (s *BoltStore) GetVolumeType(id string) (*types.VolumeType, error) {
	var vt types.VolumeType
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumeTypes)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrVolumeTypeNotFound, id)
		}
		return json.Unmarshal(data, &vt)
	})
	if err != nil {
		return nil, err
	}
	return &vt, nil
}

func (s *BoltStore) GetVolumeTypeByName(name string) (*types.VolumeType, error) {
	var found *types.VolumeType
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumeTypes)
		return b.ForEach(func(k, v []byte) error {
			var vt types.VolumeType
			if err := json.Unmarshal(v, &vt); err != nil {
				return err
			}
			if vt.Name == name {
				found = &vt
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrVolumeTypeNotFound, name)
	}
	return found, nil
}

func (s *BoltStore) GetDefaultVolumeType() (*types.VolumeType, error) {
	var found *types.VolumeType
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumeTypes)
		return b.ForEach(func(k, v []byte) error {
			var vt types.VolumeType
			if err := json.Unmarshal(v, &vt); err != nil {
				return err
			}
			if vt.IsDefault {
				found = &vt
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: no default type", ErrVolumeTypeNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListVolumeTypes() ([]*types.VolumeType, error) {
	var vts []*types.VolumeType
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumeTypes)
		return b.ForEach(func(k, v []byte) error {
			var vt types.VolumeType
			if err := json.Unmarshal(v, &vt); err != nil {
				return err
			}
			vts = append(vts, &vt)
			return nil
		})
	})
	return vts, err
}

func (s *BoltStore) DeleteVolumeType(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketVolumeTypes)
		return b.Delete([]byte(id))
	})
}

// Host operations
func (s *BoltStore) CreateHost(host *types.Host) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		data, err := json.Marshal(host)
		if err != nil {
			return err
		}
		return b.Put([]byte(host.ID), data)
	})
}

func (s *BoltStore) GetHost(id string) (*types.Host, error) {
	var host types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrHostNotFound, id)
		}
		return json.Unmarshal(data, &host)
	})
	if err != nil {
		return nil, err
	}
	return &host, nil
}

func (s *BoltStore) ListHosts() ([]*types.Host, error) {
	var hosts []*types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		return b.ForEach(func(k, v []byte) error {
			var host types.Host
			if err := json.Unmarshal(v, &host); err != nil {
				return err
			}
			hosts = append(hosts, &host)
			return nil
		})
	})
	return hosts, err
}

func (s *BoltStore) UpdateHost(host *types.Host) error {
	return s.CreateHost(host)
}

func (s *BoltStore) DeleteHost(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		return b.Delete([]byte(id))
	})
}

// Quota usage operations

func quotaUsageKey(projectID, resource string) []byte {
	return []byte(projectID + "/" + resource)
}

func (s *BoltStore) GetQuotaUsage(projectID, resource string) (*types.QuotaUsage, error) {
	var usage types.QuotaUsage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuotaUsage)
		data := b.Get(quotaUsageKey(projectID, resource))
		if data == nil {
			// Missing usage rows read as zero
			usage = types.QuotaUsage{ProjectID: projectID, Resource: resource}
			return nil
		}
		return json.Unmarshal(data, &usage)
	})
	if err != nil {
		return nil, err
	}
	return &usage, nil
}

func (s *BoltStore) PutQuotaUsage(usage *types.QuotaUsage) error {
	usage.UpdatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuotaUsage)
		data, err := json.Marshal(usage)
		if err != nil {
			return err
		}
		return b.Put(quotaUsageKey(usage.ProjectID, usage.Resource), data)
	})
}

func (s *BoltStore) ListQuotaUsage(projectID string) ([]*types.QuotaUsage, error) {
	var usages []*types.QuotaUsage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuotaUsage)
		return b.ForEach(func(k, v []byte) error {
			var usage types.QuotaUsage
			if err := json.Unmarshal(v, &usage); err != nil {
				return err
			}
			if usage.ProjectID == projectID {
				usages = append(usages, &usage)
			}
			return nil
		})
	})
	return usages, err
}

// ListAllQuotaUsage returns every project's usage counters, used for
// state snapshots
func (s *BoltStore) ListAllQuotaUsage() ([]*types.QuotaUsage, error) {
	var usages []*types.QuotaUsage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuotaUsage)
		return b.ForEach(func(k, v []byte) error {
			var usage types.QuotaUsage
			if err := json.Unmarshal(v, &usage); err != nil {
				return err
			}
			usages = append(usages, &usage)
			return nil
		})
	})
	return usages, err
}

// Image metadata operations

func (s *BoltStore) CreateVolumeImageMetadata(volumeID string, metadata map[string]string) error {
	return s.putImageMetadata(bucketVolumeImageMeta, volumeID, metadata)
}

func (s *BoltStore) GetVolumeImageMetadata(volumeID string) (map[string]string, error) {
	return s.getImageMetadata(bucketVolumeImageMeta, volumeID)
}

func (s *BoltStore) GetSnapshotImageMetadata(snapshotID string) (map[string]string, error) {
	return s.getImageMetadata(bucketSnapImageMeta, snapshotID)
}

func (s *BoltStore) CreateSnapshotImageMetadata(snapshotID string, metadata map[string]string) error {
	return s.putImageMetadata(bucketSnapImageMeta, snapshotID, metadata)
}

// CopyImageMetadataToSnapshot copies a volume's image metadata onto one of
// its snapshots
func (s *BoltStore) CopyImageMetadataToSnapshot(volumeID, snapshotID string) error {
	md, err := s.getImageMetadata(bucketVolumeImageMeta, volumeID)
	if err != nil {
		return err
	}
	return s.putImageMetadata(bucketSnapImageMeta, snapshotID, md)
}

// CopyImageMetadataFromSnapshot copies a snapshot's image metadata onto a
// volume created from it
func (s *BoltStore) CopyImageMetadataFromSnapshot(snapshotID, volumeID string) error {
	md, err := s.getImageMetadata(bucketSnapImageMeta, snapshotID)
	if err != nil {
		return err
	}
	return s.putImageMetadata(bucketVolumeImageMeta, volumeID, md)
}

// CopyImageMetadataVolumeToVolume copies image metadata between volumes,
// used when cloning a bootable source
func (s *BoltStore) CopyImageMetadataVolumeToVolume(srcVolumeID, dstVolumeID string) error {
	md, err := s.getImageMetadata(bucketVolumeImageMeta, srcVolumeID)
	if err != nil {
		return err
	}
	return s.putImageMetadata(bucketVolumeImageMeta, dstVolumeID, md)
}

func (s *BoltStore) putImageMetadata(bucket []byte, ownerID string, metadata map[string]string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		return b.Put([]byte(ownerID), data)
	})
}

func (s *BoltStore) getImageMetadata(bucket []byte, ownerID string) (map[string]string, error) {
	md := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		data := b.Get([]byte(ownerID))
		if data == nil {
			return nil // No metadata recorded, empty set
		}
		return json.Unmarshal(data, &md)
	})
	if err != nil {
		return nil, err
	}
	return md, nil
}
