package app

import "errors"

var (
	// ErrValidation marks malformed input; callers must not retry unchanged.
	ErrValidation = errors.New("validation failed")
	// ErrNotParticipant indicates the caller does not belong to the thread.
	ErrNotParticipant = errors.New("not a participant")
	// ErrForbidden indicates the caller may not perform this operation.
	ErrForbidden      = errors.New("forbidden")
	ErrThreadNotFound = errors.New("thread not found")
	ErrInviteNotFound = errors.New("invite not found")
	// ErrInviteNotPending is returned when an invite transition is attempted
	// from a terminal state.
	ErrInviteNotPending = errors.New("invite not pending")
)
