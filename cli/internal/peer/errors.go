package peer

import (
	"errors"
	"fmt"
)

var (
	ErrMissingViewerID = errors.New("message carries no viewer id")
	ErrNotStreaming    = errors.New("not streaming")
	ErrControlNotOpen  = errors.New("control channel not open")
	ErrSessionClosed   = errors.New("session closed")
)

// SessionError ties a failure to the viewer session it happened in.
type SessionError struct {
	Op       string
	ViewerID string
	Err      error
}

func (e *SessionError) Error() string {
	if e.ViewerID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.ViewerID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func newSessionError(op, viewerID string, err error) *SessionError {
	return &SessionError{Op: op, ViewerID: viewerID, Err: err}
}
