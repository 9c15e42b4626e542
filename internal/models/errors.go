package models

import "errors"

var (
	// ErrUnsupportedDataType is returned when a data type tag is not part of
	// the known set, or when an adapter has no mapping for it.
	ErrUnsupportedDataType = errors.New("unsupported data type")

	ErrTaskNotFound         = errors.New("task not found")
	ErrTaskAlreadyFinalized = errors.New("task already finalized")
	ErrTaskNotRunning       = errors.New("task is not running")
	ErrDuplicateItem        = errors.New("item already recorded for task")
)
