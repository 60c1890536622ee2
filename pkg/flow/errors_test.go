package flow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminalKindsNeverReschedule(t *testing.T) {
	terminal := []Kind{
		KindExportFailure,
		KindImageCopyFailure,
		KindImageUnacceptable,
		KindMetadataCopyFailure,
		KindMetadataCreateFailure,
		KindMetadataUpdateFailure,
		KindVolumeNotFound,
		KindSnapshotNotFound,
		KindVolumeTypeNotFound,
	}
	for _, kind := range terminal {
		assert.False(t, IsReschedulable(kind), "kind %s must be terminal", kind)
	}

	reschedulable := []Kind{
		KindScheduleFailure,
		KindUnknown,
		KindInvalidInput,
	}
	for _, kind := range reschedulable {
		assert.True(t, IsReschedulable(kind), "kind %s should allow another attempt", kind)
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindExportFailure, KindOf(Errorf(KindExportFailure, "boom")))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))

	// Tags survive wrapping
	wrapped := fmt.Errorf("outer: %w", Wrap(KindImageCopyFailure, "inner", errors.New("cause")))
	assert.Equal(t, KindImageCopyFailure, KindOf(wrapped))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(KindExportFailure, "export blew up", cause)
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "export blew up")
}
