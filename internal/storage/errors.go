package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrTaskNotPending is returned when approving a task that is not in
// the pending_approval state.
var ErrTaskNotPending = errors.New("storage: task not pending approval")
