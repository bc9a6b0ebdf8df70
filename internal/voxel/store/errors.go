package store

import (
	"errors"
	"fmt"

	"voxelview.ai/internal/voxel"
)

var (
	// ErrBatchCapacityExceeded is matched by every *CapacityError.
	ErrBatchCapacityExceeded = errors.New("batch capacity exceeded")
	ErrInvalidRecord         = errors.New("invalid voxel record")
	ErrDisposed              = errors.New("store disposed")
)

// CapacityError reports a placement dropped because its batch was full.
// The store is unchanged when it is returned.
type CapacityError struct {
	Key      voxel.BatchKey
	Pos      voxel.Pos
	Capacity int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("batch %s full (%d): dropped voxel at %s", e.Key, e.Capacity, e.Pos)
}

func (e *CapacityError) Unwrap() error { return ErrBatchCapacityExceeded }
