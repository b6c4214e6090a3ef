package signaling

import (
	"errors"
	"fmt"
)

var (
	ErrRoleAlreadyTaken  = errors.New("role already taken")
	ErrRoomFull          = errors.New("room full")
	ErrNoActiveSource    = errors.New("no active source")
	ErrUnknownRoom       = errors.New("unknown room")
	ErrUnknownUser       = errors.New("unknown user")
	ErrUnknownViewer     = errors.New("unknown viewer")
	ErrNotRegistered     = errors.New("not registered")
	ErrAlreadyRegistered = errors.New("already registered")
	ErrNotInRoom         = errors.New("not in a room")
	ErrAlreadyInRoom     = errors.New("already in a room")
	ErrInvalidRoomID     = errors.New("invalid room id")
	ErrInvalidRole       = errors.New("invalid role")
	ErrNoViewers         = errors.New("no viewers in room")
	ErrNotSource         = errors.New("only the source may do this")
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrUnknownKind       = errors.New("unknown message kind")
	ErrRateLimited       = errors.New("rate limited")
)

// RoomFullError carries the occupancy observed when a viewer was turned away.
type RoomFullError struct {
	CurrentCount int
	MaxViewers   int
}

func (e *RoomFullError) Error() string {
	return fmt.Sprintf("room full (%d/%d viewers)", e.CurrentCount, e.MaxViewers)
}

func (e *RoomFullError) Unwrap() error {
	return ErrRoomFull
}

// RelayError describes a failed relay operation on behalf of one user.
type RelayError struct {
	Op     string
	RoomID string
	Err    error
}

func (e *RelayError) Error() string {
	if e.RoomID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.RoomID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

func newRelayError(op, roomID string, err error) *RelayError {
	return &RelayError{Op: op, RoomID: roomID, Err: err}
}

// errorCode maps an error to the stable code sent to clients.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrRoleAlreadyTaken):
		return "role_taken"
	case errors.Is(err, ErrRoomFull):
		return "room_full"
	case errors.Is(err, ErrNoActiveSource):
		return "no_active_source"
	case errors.Is(err, ErrUnknownRoom):
		return "unknown_room"
	case errors.Is(err, ErrUnknownViewer):
		return "unknown_viewer"
	case errors.Is(err, ErrNotRegistered), errors.Is(err, ErrUnknownUser):
		return "not_registered"
	case errors.Is(err, ErrAlreadyRegistered):
		return "already_registered"
	case errors.Is(err, ErrNotInRoom):
		return "not_in_room"
	case errors.Is(err, ErrAlreadyInRoom):
		return "already_in_room"
	case errors.Is(err, ErrInvalidRoomID):
		return "invalid_room_id"
	case errors.Is(err, ErrInvalidRole):
		return "invalid_role"
	case errors.Is(err, ErrNoViewers):
		return "no_viewers"
	case errors.Is(err, ErrNotSource):
		return "not_source"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed"
	case errors.Is(err, ErrUnknownKind):
		return "unknown_kind"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}
