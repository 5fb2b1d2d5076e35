package room

import "errors"

// Error taxonomy for room operations. Handlers map these onto HTTP statuses
// and websocket "error" events; everything else is an internal error.
var (
	// ErrNotFound indicates the room is absent or has expired.
	ErrNotFound = errors.New("room not found")

	// ErrAlreadyExists indicates a room code collision on create.
	ErrAlreadyExists = errors.New("room already exists")

	// ErrPermissionDenied indicates the session lacks the rights for the
	// operation. Nothing is mutated and nothing is broadcast.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrLockTimeout indicates the room lock could not be acquired in time.
	// The operation was a no-op; callers may retry.
	ErrLockTimeout = errors.New("room lock timeout")

	// ErrInvalidInput indicates a malformed request, rejected before any
	// lock is taken.
	ErrInvalidInput = errors.New("invalid input")
)
