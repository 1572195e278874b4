package xframe

import (
	"errors"
	"fmt"
)

var (
	ErrRequestTimeout         = errors.New("request timed out")
	ErrDestinationUnavailable = errors.New("destination unavailable")
	ErrNoDefaultDestination   = errors.New("no default destination: use SendTo, RequestTo or RespondTo with a destination id")
	ErrMessengerDestroyed     = errors.New("messenger destroyed")
	ErrOriginMismatch         = errors.New("origin mismatch")
	ErrUnhandledMessageType   = errors.New("unhandled message type")
	ErrInvalidEnvelope        = errors.New("invalid envelope")
	ErrInvalidPayload         = errors.New("invalid payload")
	ErrConnectionClosed       = errors.New("connection closed")
	ErrSendQueueFull          = errors.New("send queue full")
	ErrRateLimited            = errors.New("rate limited")
	ErrPoolClosed             = errors.New("worker pool closed")
	ErrPoolFull               = errors.New("worker pool queue full")
)

// RemoteError is returned by Request when the responder set the error field.
type RemoteError struct {
	RequestID string
	Message   string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Message
}

// DestinationError reports a destination id that could not be resolved.
type DestinationError struct {
	ID  string
	Err error
}

func (e *DestinationError) Error() string {
	if e.Err == nil || errors.Is(e.Err, ErrDestinationUnavailable) {
		return fmt.Sprintf("destination %q is not available", e.ID)
	}
	return fmt.Sprintf("destination %q is not available: %v", e.ID, e.Err)
}

func (e *DestinationError) Unwrap() []error {
	if e.Err == nil || errors.Is(e.Err, ErrDestinationUnavailable) {
		return []error{ErrDestinationUnavailable}
	}
	return []error{ErrDestinationUnavailable, e.Err}
}
