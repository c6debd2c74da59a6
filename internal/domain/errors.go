package domain

import (
	"errors"
	"fmt"
)

// Error classes. Concrete errors wrap one of these so callers can map them with errors.Is.
var (
	ErrAuthentication    = errors.New("authentication failed")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrTransportFailure  = errors.New("transport failure")
	ErrSchedulerTask     = errors.New("scheduler task failed")
)

var (
	ErrRoomNotFound      = fmt.Errorf("%w: room", ErrNotFound)
	ErrChannelNotFound   = fmt.Errorf("%w: channel", ErrNotFound)
	ErrMessageNotFound   = fmt.Errorf("%w: message", ErrNotFound)
	ErrSessionNotFound   = fmt.Errorf("%w: session", ErrNotFound)
	ErrInviteNotFound    = fmt.Errorf("%w: invite", ErrNotFound)
	ErrRoomFull          = fmt.Errorf("%w: room is full", ErrValidation)
	ErrOwnerNotRemovable = fmt.Errorf("%w: owner cannot be removed", ErrForbidden)
	ErrDefaultChannel    = fmt.Errorf("%w: default channels cannot be deleted", ErrForbidden)
)
