package flow

import (
	"errors"
	"fmt"
)

// Kind tags a workflow error with its failure class. The tag drives both
// caller-facing translation and the reschedule decision.
type Kind string

const (
	// Input errors, raised before any resource is reserved
	KindInvalidInput        Kind = "invalid_input"
	KindInvalidSnapshot     Kind = "invalid_snapshot"
	KindInvalidVolume       Kind = "invalid_volume"
	KindInvalidVolumeType   Kind = "invalid_volume_type"
	KindInvalidMetadata     Kind = "invalid_volume_metadata"
	KindInvalidMetadataSize Kind = "invalid_volume_metadata_size"

	// Quota errors, raised at reservation time
	KindSizeExceedsQuota Kind = "volume_size_exceeds_available_quota"
	KindLimitExceeded    Kind = "volume_limit_exceeded"

	// Post-commit failures
	KindExportFailure         Kind = "export_failure"
	KindImageCopyFailure      Kind = "image_copy_failure"
	KindImageUnacceptable     Kind = "image_unacceptable"
	KindMetadataCopyFailure   Kind = "metadata_copy_failure"
	KindMetadataCreateFailure Kind = "metadata_create_failure"
	KindMetadataUpdateFailure Kind = "metadata_update_failure"
	KindVolumeNotFound        Kind = "volume_not_found"
	KindSnapshotNotFound      Kind = "snapshot_not_found"
	KindVolumeTypeNotFound    Kind = "volume_type_not_found"
	KindScheduleFailure       Kind = "schedule_failure"

	// KindUnknown covers untagged errors, typically raw driver failures
	KindUnknown Kind = "unknown"
)

// nonReschedulable is the closed set of failure kinds that must never be
// retried on another host: each indicates the volume or a dependency already
// reached a state where relocating the work would create inconsistency or
// duplicate resources.
var nonReschedulable = map[Kind]bool{
	KindExportFailure:         true,
	KindImageCopyFailure:      true,
	KindImageUnacceptable:     true,
	KindMetadataCopyFailure:   true,
	KindMetadataCreateFailure: true,
	KindMetadataUpdateFailure: true,
	KindVolumeNotFound:        true,
	KindSnapshotNotFound:      true,
	KindVolumeTypeNotFound:    true,
}

// IsReschedulable reports whether a failure of the given kind may be retried
// on another host
func IsReschedulable(kind Kind) bool {
	return !nonReschedulable[kind]
}

// Error is a kind-tagged workflow error
type Error struct {
	Kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Errorf creates a tagged error with a formatted message
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, msg: msg, cause: cause}
}

// KindOf returns the tag of a workflow error, or KindUnknown for anything
// else (raw driver errors propagate untagged)
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
