package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSpec          = errors.New("invalid space spec")
	ErrNotHost              = errors.New("caller is not the host")
	ErrInvalidTransition    = errors.New("invalid transition")
	ErrRoomEnded            = errors.New("room has ended")
	ErrAlreadyPending       = errors.New("speaker request already pending")
	ErrAlreadySpeaker       = errors.New("already a speaker")
	ErrNoSuchRequest        = errors.New("no such speaker request")
	ErrCapacityExceeded     = errors.New("room is full")
	ErrRateLimited          = errors.New("rate limited")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrRoomNotFound         = errors.New("room not found")
	ErrNotParticipant       = errors.New("not a participant")
	ErrNotAllowed           = errors.New("not allowed")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidSpec, "INVALID_SPEC"},
	{ErrNotHost, "NOT_HOST"},
	{ErrInvalidTransition, "INVALID_TRANSITION"},
	{ErrRoomEnded, "ROOM_ENDED"},
	{ErrAlreadyPending, "ALREADY_PENDING"},
	{ErrAlreadySpeaker, "ALREADY_SPEAKER"},
	{ErrNoSuchRequest, "NO_SUCH_REQUEST"},
	{ErrCapacityExceeded, "CAPACITY_EXCEEDED"},
	{ErrRateLimited, "RATE_LIMITED"},
	{ErrPermissionDenied, "PERMISSION_DENIED"},
	{ErrTransportUnavailable, "TRANSPORT_UNAVAILABLE"},
	{ErrRoomNotFound, "ROOM_NOT_FOUND"},
	{ErrNotParticipant, "NOT_PARTICIPANT"},
	{ErrNotAllowed, "NOT_ALLOWED"},
}

// Code maps an error onto its stable wire code. Unknown errors map to INTERNAL.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL"
}

// FromCode is the inverse of Code, used by clients decoding acks.
func FromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	if code == "" {
		return nil
	}
	return fmt.Errorf("remote error %s", code)
}

// Errorf wraps a taxonomy error with context while keeping errors.Is working.
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
