// Package session implements the room protocol: who joined which room under
// which name, who hears about joins, edits and departures, and how a late
// joiner gets the room's current document.
//
// A Coordinator is driven by the hub's event loop. Its handlers run one at a
// time, so none of its state is locked.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/codesync/backend/internal/protocol"
	"github.com/manpreetbhatti/codesync/backend/internal/registry"
	"github.com/manpreetbhatti/codesync/backend/internal/room"
	"github.com/manpreetbhatti/codesync/backend/internal/ws"
)

// Per-connection protocol state
type State int

const (
	Unjoined State = iota
	Joined
	Disconnected
)

func (s State) String() string {
	switch s {
	case Unjoined:
		return "unjoined"
	case Joined:
		return "joined"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// Kind of event driving the state machine
type Kind int

const (
	KindJoin Kind = iota
	KindCodeChange
	KindSyncCode
	KindDisconnect
)

func (k Kind) String() string {
	switch k {
	case KindJoin:
		return "join"
	case KindCodeChange:
		return "code_change"
	case KindSyncCode:
		return "sync_code"
	case KindDisconnect:
		return "disconnect"
	}
	return "unknown"
}

func kindOf(event protocol.Event) (Kind, bool) {
	switch event {
	case protocol.EventJoin:
		return KindJoin, true
	case protocol.EventCodeChange:
		return KindCodeChange, true
	case protocol.EventSyncCode:
		return KindSyncCode, true
	}
	return 0, false
}

// What the coordinator needs from the transport. Every method except Do is
// called from the event loop.
type Transport interface {
	Join(connID, room string)
	Members(room string) []string
	RoomsOf(connID string) []string
	Rooms() map[string]int
	ClientCount() int
	Send(connID string, frame []byte) ws.Delivery
	Do(ctx context.Context, fn func()) error
}

// Receives presence changes for the activity log. Implementations must not
// block.
type ActivityRecorder interface {
	Joined(room, connID, username string)
	Left(room, connID, username string)
}

type action func(c *Coordinator, connID string, env protocol.Envelope) error

type transitionKey struct {
	state State
	kind  Kind
}

type transition struct {
	act  action
	next State
}

// Every (live state, kind) pair has an entry; see TestDispatchTableIsComplete.
// A failing action leaves the state unchanged.
var dispatch = map[transitionKey]transition{
	{Unjoined, KindJoin}:       {(*Coordinator).join, Joined},
	{Unjoined, KindCodeChange}: {rejectWith(ErrNotJoined), Unjoined},
	{Unjoined, KindSyncCode}:   {rejectWith(ErrNotJoined), Unjoined},
	{Unjoined, KindDisconnect}: {(*Coordinator).disconnect, Disconnected},

	{Joined, KindJoin}:       {rejectWith(ErrDuplicateJoin), Joined},
	{Joined, KindCodeChange}: {(*Coordinator).codeChange, Joined},
	{Joined, KindSyncCode}:   {(*Coordinator).syncCode, Joined},
	{Joined, KindDisconnect}: {(*Coordinator).disconnect, Disconnected},
}

func rejectWith(err error) action {
	return func(*Coordinator, string, protocol.Envelope) error {
		return err
	}
}

type participant struct {
	state State
}

type Coordinator struct {
	transport Transport
	registry  *registry.Registry
	directory *room.Directory
	recorder  ActivityRecorder

	conns map[string]*participant

	// Connection currently trusted to hold each room's document
	holders map[string]string

	// Outstanding resyncs by target connection
	pending map[string]pendingSync

	log *logrus.Entry
}

// recorder may be nil.
func New(transport Transport, reg *registry.Registry, recorder ActivityRecorder, log *logrus.Entry) *Coordinator {
	return &Coordinator{
		transport: transport,
		registry:  reg,
		directory: room.NewDirectory(transport, reg),
		recorder:  recorder,
		conns:     make(map[string]*participant),
		holders:   make(map[string]string),
		pending:   make(map[string]pendingSync),
		log:       log,
	}
}

func (c *Coordinator) HandleConnect(connID string) {
	c.conns[connID] = &participant{state: Unjoined}
}

func (c *Coordinator) HandleEvent(connID string, env protocol.Envelope) {
	p, ok := c.conns[connID]
	if !ok {
		c.log.WithField("socket_id", connID).Debug("Event from unknown connection ignored")
		return
	}

	kind, ok := kindOf(env.Event)
	if !ok {
		c.reject(connID, env.Event, ErrUnexpectedEvent)
		return
	}
	c.fire(connID, p, kind, env)
}

// Answers a frame the transport refused before decoding it into an event
func (c *Coordinator) HandleInvalid(connID string, err error) {
	if _, ok := c.conns[connID]; !ok {
		return
	}
	switch {
	case errors.Is(err, ws.ErrRateLimited):
		err = ErrRateLimited
	case errors.Is(err, protocol.ErrUnknownEvent):
		err = fmt.Errorf("%w: %w", ErrUnexpectedEvent, err)
	default:
		err = fmt.Errorf("%w: %w", ErrInvalidFrame, err)
	}
	c.reject(connID, "", err)
}

func (c *Coordinator) HandleDisconnect(connID string) {
	p, ok := c.conns[connID]
	if !ok {
		return
	}
	c.fire(connID, p, KindDisconnect, protocol.Envelope{})
}

func (c *Coordinator) fire(connID string, p *participant, kind Kind, env protocol.Envelope) {
	t, ok := dispatch[transitionKey{p.state, kind}]
	if !ok {
		c.reject(connID, env.Event, ErrUnexpectedEvent)
		return
	}

	if err := t.act(c, connID, env); err != nil {
		c.reject(connID, env.Event, err)
		return
	}

	if t.next != p.state {
		c.log.WithFields(logrus.Fields{
			"socket_id": connID,
			"from":      p.state,
			"to":        t.next,
			"event":     kind,
		}).Debug("State transition")
	}
	p.state = t.next
	if p.state == Disconnected {
		delete(c.conns, connID)
	}
}

// Reports a protocol error to the offending connection only
func (c *Coordinator) reject(connID string, event protocol.Event, err error) {
	code := errorCode(err)
	c.log.WithFields(logrus.Fields{
		"socket_id": connID,
		"event":     event,
		"code":      code,
	}).WithError(err).Warn("Rejected event")

	c.sendTo(connID, protocol.EventError, protocol.ErrorPayload{Code: code, Message: err.Error()})
}

// State of a live connection; connections that are gone report Disconnected.
func (c *Coordinator) State(connID string) State {
	if p, ok := c.conns[connID]; ok {
		return p.state
	}
	return Disconnected
}

// Drops all session state. Called once the hub loop has stopped.
func (c *Coordinator) Close() {
	c.registry.Clear()
	c.conns = make(map[string]*participant)
	c.holders = make(map[string]string)
	c.pending = make(map[string]pendingSync)
	c.log.Info("Session state cleared")
}
