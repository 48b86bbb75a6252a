package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Represents the name of an event carried in a frame
type Event string

const (
	// Client asks to join a room under a display name
	EventJoin Event = "join"

	// Server announces the full roster after someone joins
	EventJoined Event = "joined"

	// Document text, sent by an editor and relayed to the rest of the room
	EventCodeChange Event = "code-change"

	// Client answers a resync request with its current document
	EventSyncCode Event = "sync-code"

	// Server asks the room's document holder to send its document
	EventSyncRequest Event = "sync-request"

	// Server announces that a participant left
	EventDisconnected Event = "disconnected"

	// Server reports a protocol error to one client
	EventError Event = "error"
)

var (
	ErrEmptyFrame   = errors.New("empty frame")
	ErrUnknownEvent = errors.New("unknown event")
)

// Envelope is the JSON frame exchanged over the websocket.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinPayload struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

// Member pairs a connection with the name it joined under.
type Member struct {
	SocketID string `json:"socketId"`
	Username string `json:"username"`
}

type JoinedPayload struct {
	Clients  []Member `json:"clients"`
	Username string   `json:"username"`
	SocketID string   `json:"socketId"`
}

type CodeChangePayload struct {
	RoomID string `json:"roomId,omitempty"`
	Code   string `json:"code"`
}

type SyncCodePayload struct {
	SocketID string `json:"socketId"`
	Code     string `json:"code"`
}

type SyncRequestPayload struct {
	SocketID string `json:"socketId"`
}

type DisconnectedPayload struct {
	SocketID string `json:"socketId"`
	Username string `json:"username"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Reports whether clients may send the event
func (e Event) Inbound() bool {
	switch e {
	case EventJoin, EventCodeChange, EventSyncCode:
		return true
	}
	return false
}

// Encode marshals payload into a frame for event.
func Encode(event Event, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Decode parses an inbound frame and rejects anything a client must not send.
func Decode(frame []byte) (Envelope, error) {
	if len(frame) == 0 {
		return Envelope{}, ErrEmptyFrame
	}

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrUnknownEvent)
	}
	if !env.Event.Inbound() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return env, nil
}

// Unmarshals the envelope's data into dst
func (env Envelope) Bind(dst any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s: missing data", env.Event)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("%s: %w", env.Event, err)
	}
	return nil
}
