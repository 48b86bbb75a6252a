package session

import "errors"

var (
	ErrDuplicateJoin   = errors.New("connection already joined a room")
	ErrNotJoined       = errors.New("connection has not joined a room")
	ErrNotInRoom       = errors.New("connection is not a member of that room")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrUnexpectedEvent = errors.New("unexpected event")
	ErrInvalidFrame    = errors.New("invalid frame")
	ErrRateLimited     = errors.New("rate limit exceeded, frame discarded")
)

// Codes sent to clients in error frames
var errorCodes = []struct {
	err  error
	code string
}{
	{ErrDuplicateJoin, "duplicate_join"},
	{ErrNotJoined, "not_joined"},
	{ErrNotInRoom, "not_in_room"},
	{ErrInvalidPayload, "invalid_payload"},
	{ErrUnexpectedEvent, "unexpected_event"},
	{ErrInvalidFrame, "invalid_frame"},
	{ErrRateLimited, "rate_limited"},
}

func errorCode(err error) string {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return "internal"
}
