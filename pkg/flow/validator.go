package flow

import (
	"context"
	"errors"

	"github.com/quarrylabs/quarry/pkg/image"
	"github.com/quarrylabs/quarry/pkg/keys"
	"github.com/quarrylabs/quarry/pkg/log"
	"github.com/quarrylabs/quarry/pkg/storage"
	"github.com/quarrylabs/quarry/pkg/types"
)

const maxMetadataLength = 255

// AZCheck decides whether a resolved availability zone is acceptable
type AZCheck func(zone string) bool

// Validator turns an incoming VolumeRequest into a resolved VolumeSpec,
// rejecting anything the rest of the workflow cannot act on. It runs before
// any resource is reserved, so its failures need no cleanup.
type Validator struct {
	store       storage.Store
	catalog     image.Client
	keys        keys.Manager
	defaultZone string
	azCheck     AZCheck
	cloneSameAZ bool // When set, clones must land in their source's zone
}

// ValidatorConfig holds Validator construction parameters
type ValidatorConfig struct {
	DefaultZone string
	AZCheck     AZCheck
	CloneSameAZ bool
}

// NewValidator creates a request validator
func NewValidator(store storage.Store, catalog image.Client, keyMgr keys.Manager, cfg ValidatorConfig) *Validator {
	azCheck := cfg.AZCheck
	if azCheck == nil {
		azCheck = func(string) bool { return true }
	}
	return &Validator{
		store:       store,
		catalog:     catalog,
		keys:        keyMgr,
		defaultZone: cfg.DefaultZone,
		azCheck:     azCheck,
		cloneSameAZ: cfg.CloneSameAZ,
	}
}

// Extract validates and resolves a creation request
func (v *Validator) Extract(ctx context.Context, req *types.VolumeRequest) (*types.VolumeSpec, error) {
	if err := checkExclusivity(req); err != nil {
		return nil, err
	}
	if err := validateMetadata(req.Metadata); err != nil {
		return nil, err
	}

	snap, err := v.loadSnapshot(req)
	if err != nil {
		return nil, err
	}
	src, err := v.loadSourceVolume(req)
	if err != nil {
		return nil, err
	}

	size, err := resolveSize(req, snap, src)
	if err != nil {
		return nil, err
	}

	if req.ImageID != "" {
		if err := v.checkImage(ctx, req.ImageID, size); err != nil {
			return nil, err
		}
	}

	zone, err := v.resolveZone(req, snap, src)
	if err != nil {
		return nil, err
	}

	vt, err := v.resolveVolumeType(req, snap, src)
	if err != nil {
		return nil, err
	}

	keyID, err := v.deriveEncryptionKey(ctx, req, vt, snap, src)
	if err != nil {
		return nil, err
	}

	spec := &types.VolumeSpec{
		SizeGB:           size,
		AvailabilityZone: zone,
		SnapshotID:       req.SnapshotID,
		SourceVolID:      req.SourceVolID,
		ImageID:          req.ImageID,
		EncryptionKeyID:  keyID,
		Metadata:         req.Metadata,
	}
	if vt != nil {
		spec.VolumeTypeID = vt.ID
		spec.QOSSpecs = vt.QOSSpecs
	}
	return spec, nil
}

// checkExclusivity enforces that at most one creation source is given
func checkExclusivity(req *types.VolumeRequest) error {
	sources := 0
	if req.SnapshotID != "" {
		sources++
	}
	if req.SourceVolID != "" {
		sources++
	}
	if req.ImageID != "" {
		sources++
	}
	if sources > 1 {
		return Errorf(KindInvalidInput,
			"only one of snapshot, source volume, or image may be specified")
	}
	return nil
}

func validateMetadata(md map[string]string) error {
	for k, val := range md {
		if k == "" {
			return Errorf(KindInvalidMetadata, "metadata keys must not be empty")
		}
		if len(k) > maxMetadataLength {
			return Errorf(KindInvalidMetadataSize,
				"metadata key %.32s... exceeds %d characters", k, maxMetadataLength)
		}
		if len(val) > maxMetadataLength {
			return Errorf(KindInvalidMetadataSize,
				"metadata value for key %s exceeds %d characters", k, maxMetadataLength)
		}
	}
	return nil
}

func (v *Validator) loadSnapshot(req *types.VolumeRequest) (*types.Snapshot, error) {
	if req.SnapshotID == "" {
		return nil, nil
	}
	snap, err := v.store.GetSnapshot(req.SnapshotID)
	if err != nil {
		if errors.Is(err, storage.ErrSnapshotNotFound) {
			return nil, Wrap(KindSnapshotNotFound, "snapshot lookup failed", err)
		}
		return nil, err
	}
	if snap.Status != types.SnapshotStatusAvailable {
		return nil, Errorf(KindInvalidSnapshot,
			"snapshot %s must be available, currently %s", snap.ID, snap.Status)
	}
	return snap, nil
}

func (v *Validator) loadSourceVolume(req *types.VolumeRequest) (*types.Volume, error) {
	if req.SourceVolID == "" {
		return nil, nil
	}
	src, err := v.store.GetVolume(req.SourceVolID)
	if err != nil {
		if errors.Is(err, storage.ErrVolumeNotFound) {
			return nil, Wrap(KindVolumeNotFound, "source volume lookup failed", err)
		}
		return nil, err
	}
	if src.Status != types.VolumeStatusAvailable && src.Status != types.VolumeStatusInUse {
		return nil, Errorf(KindInvalidVolume,
			"source volume %s must be available or in-use, currently %s", src.ID, src.Status)
	}
	return src, nil
}

// resolveSize fills in an omitted size from the snapshot or source and
// enforces that clones and restores never shrink
func resolveSize(req *types.VolumeRequest, snap *types.Snapshot, src *types.Volume) (int, error) {
	size := req.SizeGB
	if size == 0 {
		switch {
		case snap != nil:
			size = snap.VolumeSizeGB
		case src != nil:
			size = src.SizeGB
		}
	}
	if size <= 0 {
		return 0, Errorf(KindInvalidInput, "volume size must be a positive integer, got %d", size)
	}
	if snap != nil && size < snap.VolumeSizeGB {
		return 0, Errorf(KindInvalidInput,
			"volume size %d is smaller than snapshot size %d", size, snap.VolumeSizeGB)
	}
	if src != nil && size < src.SizeGB {
		return 0, Errorf(KindInvalidInput,
			"volume size %d is smaller than source volume size %d", size, src.SizeGB)
	}
	return size, nil
}

// checkImage verifies the image is usable and fits in the requested size
func (v *Validator) checkImage(ctx context.Context, imageID string, sizeGB int) error {
	meta, err := v.catalog.Show(ctx, imageID)
	if err != nil {
		if errors.Is(err, image.ErrImageNotFound) {
			return Wrap(KindImageUnacceptable, "image lookup failed", err)
		}
		return err
	}
	// Catalogs that don't report status are trusted; anything queued,
	// saving, or deactivated is not a valid source
	if meta.Status != "" && meta.Status != types.ImageStatusActive {
		return Errorf(KindImageUnacceptable,
			"image %s is in status %q, only %s images can back a volume",
			imageID, meta.Status, types.ImageStatusActive)
	}
	if imageGB := image.RoundUpGB(meta.SizeBytes); imageGB > sizeGB {
		return Errorf(KindInvalidInput,
			"image %s requires %d GB but volume size is %d GB", imageID, imageGB, sizeGB)
	}
	if meta.MinDiskGB > sizeGB {
		return Errorf(KindInvalidInput,
			"image %s requires a minimum disk of %d GB but volume size is %d GB",
			imageID, meta.MinDiskGB, sizeGB)
	}
	return nil
}

// resolveZone picks the availability zone: explicit request wins, then the
// zone inherited from the snapshot or source, then the configured default
func (v *Validator) resolveZone(req *types.VolumeRequest, snap *types.Snapshot, src *types.Volume) (string, error) {
	zone := req.AvailabilityZone
	if zone == "" {
		switch {
		case snap != nil && snap.AvailabilityZone != "":
			zone = snap.AvailabilityZone
		case src != nil && src.AvailabilityZone != "":
			zone = src.AvailabilityZone
		default:
			zone = v.defaultZone
		}
	}
	if !v.azCheck(zone) {
		return "", Errorf(KindInvalidInput, "availability zone %q is not acceptable", zone)
	}
	if v.cloneSameAZ {
		if snap != nil && snap.AvailabilityZone != "" && snap.AvailabilityZone != zone {
			return "", Errorf(KindInvalidInput,
				"zone %q does not match snapshot zone %q", zone, snap.AvailabilityZone)
		}
		if src != nil && src.AvailabilityZone != "" && src.AvailabilityZone != zone {
			return "", Errorf(KindInvalidInput,
				"zone %q does not match source volume zone %q", zone, src.AvailabilityZone)
		}
	}
	return zone, nil
}

// resolveVolumeType picks the volume type. A snapshot's type is
// authoritative: a conflicting explicit type is warned about and overridden.
func (v *Validator) resolveVolumeType(req *types.VolumeRequest, snap *types.Snapshot, src *types.Volume) (*types.VolumeType, error) {
	if snap != nil && snap.VolumeTypeID != "" {
		if req.VolumeTypeID != "" && req.VolumeTypeID != snap.VolumeTypeID {
			log.Logger.Warn().
				Str("requested_type", req.VolumeTypeID).
				Str("snapshot_type", snap.VolumeTypeID).
				Msg("Volume type conflicts with snapshot type, using snapshot's")
		}
		return v.lookupType(snap.VolumeTypeID)
	}

	if req.VolumeTypeID != "" {
		return v.lookupType(req.VolumeTypeID)
	}

	if src != nil && src.VolumeTypeID != "" {
		return v.lookupType(src.VolumeTypeID)
	}

	vt, err := v.store.GetDefaultVolumeType()
	if err != nil {
		if errors.Is(err, storage.ErrVolumeTypeNotFound) {
			return nil, nil // No default configured, type stays unset
		}
		return nil, err
	}
	return vt, nil
}

func (v *Validator) lookupType(id string) (*types.VolumeType, error) {
	vt, err := v.store.GetVolumeType(id)
	if err != nil {
		if errors.Is(err, storage.ErrVolumeTypeNotFound) {
			return nil, Wrap(KindInvalidVolumeType, "volume type lookup failed", err)
		}
		return nil, err
	}
	return vt, nil
}

// deriveEncryptionKey produces a key for encrypted types. The key is always
// copied, never referenced: key deletion is tied 1:1 to volume deletion, so a
// shared key would be destroyed out from under its other owner.
func (v *Validator) deriveEncryptionKey(ctx context.Context, req *types.VolumeRequest, vt *types.VolumeType, snap *types.Snapshot, src *types.Volume) (string, error) {
	if vt == nil || !vt.Encrypted {
		return "", nil
	}

	var sourceKeyID string
	switch {
	case snap != nil && snap.EncryptionKeyID != "":
		sourceKeyID = snap.EncryptionKeyID
	case src != nil && src.EncryptionKeyID != "":
		sourceKeyID = src.EncryptionKeyID
	}

	if sourceKeyID != "" {
		keyID, err := v.keys.CopyKey(ctx, req.ProjectID, sourceKeyID)
		if err != nil {
			return "", Wrap(KindInvalidInput, "failed to copy encryption key", err)
		}
		return keyID, nil
	}

	keyID, err := v.keys.CreateKey(ctx, req.ProjectID)
	if err != nil {
		return "", Wrap(KindInvalidInput, "failed to create encryption key", err)
	}
	return keyID, nil
}
