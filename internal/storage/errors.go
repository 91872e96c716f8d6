package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrJobFinalized is returned when finalizing a job that already left Pending.
var ErrJobFinalized = errors.New("storage: job already finalized")
