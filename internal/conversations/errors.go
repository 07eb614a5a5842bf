package conversations

import "errors"

var (
	// ErrNotFound means the referenced conversation does not exist in the store.
	ErrNotFound = errors.New("conversation not found")
	// ErrVersionConflict means an optimistic write lost every race it was
	// allowed to run. Callers should re-queue the unit of work rather than
	// drop the email.
	ErrVersionConflict = errors.New("conversation version conflict")
	// ErrInvalidStatus means the caller requested a status outside the fixed
	// enum. Rejected before any store call.
	ErrInvalidStatus = errors.New("invalid conversation status")
)
