package ws

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/codesync/backend/internal/protocol"
)

var (
	ErrHubClosed = errors.New("hub closed")

	// Reported through HandleInvalid when a client exceeds its message rate
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Outcome of handing a frame to a connection. Nothing is retried; callers
// log the outcome and move on.
type Delivery int

const (
	Delivered Delivery = iota

	// The connection is already gone
	DeliveryUnknownConn

	// The connection's send buffer was full; it is being closed
	DeliveryDropped
)

func (d Delivery) String() string {
	switch d {
	case Delivered:
		return "delivered"
	case DeliveryUnknownConn:
		return "unknown_connection"
	case DeliveryDropped:
		return "dropped"
	}
	return "unknown"
}

// Handler receives connection lifecycle and inbound events. Every call is
// made from the hub loop, one at a time.
type Handler interface {
	HandleConnect(connID string)
	HandleEvent(connID string, env protocol.Envelope)

	// A frame from connID was refused before it became an event: it did not
	// decode, or the client is over its rate limit.
	HandleInvalid(connID string, err error)

	// Called while the connection still belongs to its groups, so the
	// handler can tell the rest of each room.
	HandleDisconnect(connID string)
}

type Options struct {
	MessagesPerSecond float64
	MessageBurst      int
	AllowedOrigins    []string
}

func DefaultOptions() Options {
	return Options{
		MessagesPerSecond: 100,
		MessageBurst:      200,
	}
}

// Everything a client reports goes through one queue, so a connection's
// events, refusals and departure reach the handler in the order it sent them.
type inboundEvent struct {
	client *Client
	env    protocol.Envelope
	err    error
	leave  bool
}

type query struct {
	fn   func()
	done chan struct{}
}

// The hub owns live connections and their room groups. Run is the single
// event loop; nothing else mutates hub state.
type Hub struct {
	clients map[string]*Client
	groups  *Groups

	// Register requests from clients
	register chan *Client

	// Events, refused frames and unregister requests from clients
	inbound chan inboundEvent

	// Closures to run on the loop, see Do
	queries chan query

	done    chan struct{}
	options Options
	log     *logrus.Entry
}

func NewHub(log *logrus.Entry, options Options) *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		groups:   NewGroups(),
		register: make(chan *Client),
		inbound:  make(chan inboundEvent, 256),
		queries:  make(chan query),
		done:     make(chan struct{}),
		options:  options,
		log:      log,
	}
}

func (h *Hub) Run(ctx context.Context, handler Handler) {
	defer close(h.done)
	h.log.Info("Hub is running")

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.register:
			h.clients[client.id] = client
			h.log.WithField("socket_id", client.id).Debugf("Client connected (total: %d)", len(h.clients))
			handler.HandleConnect(client.id)

		case msg := <-h.inbound:
			client := msg.client
			if h.clients[client.id] != client {
				continue
			}
			switch {
			case msg.leave:
				handler.HandleDisconnect(client.id)
				h.groups.RemoveAll(client.id)
				delete(h.clients, client.id)
				close(client.send)
				h.log.WithField("socket_id", client.id).Debugf("Client disconnected (remaining: %d)", len(h.clients))
			case msg.err != nil:
				handler.HandleInvalid(client.id, msg.err)
			default:
				handler.HandleEvent(client.id, msg.env)
			}

		case q := <-h.queries:
			q.fn()
			close(q.done)
		}
	}
}

func (h *Hub) shutdown() {
	for id, client := range h.clients {
		h.groups.RemoveAll(id)
		close(client.send)
		delete(h.clients, id)
	}
	h.log.Info("Hub stopped")
}

// Runs fn on the hub loop and waits for it, so callers outside the loop can
// read loop-owned state safely. fn must not call Do.
func (h *Hub) Do(ctx context.Context, fn func()) error {
	q := query{fn: fn, done: make(chan struct{})}
	select {
	case h.queries <- q:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubClosed
	}
	<-q.done
	return nil
}

// The methods below are for the Handler and must only run on the hub loop.

func (h *Hub) Join(connID, room string) {
	h.groups.Add(connID, room)
}

func (h *Hub) Members(room string) []string {
	return h.groups.Members(room)
}

func (h *Hub) RoomsOf(connID string) []string {
	return h.groups.RoomsOf(connID)
}

func (h *Hub) Rooms() map[string]int {
	return h.groups.Rooms()
}

func (h *Hub) ClientCount() int {
	return len(h.clients)
}

// Queues a frame without blocking. A client that cannot keep up is closed;
// its own unregister then cleans up its presence.
func (h *Hub) Send(connID string, frame []byte) Delivery {
	client, ok := h.clients[connID]
	if !ok {
		return DeliveryUnknownConn
	}
	select {
	case client.send <- frame:
		return Delivered
	default:
		client.kick()
		return DeliveryDropped
	}
}

func (h *Hub) enqueueRegister(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) enqueueUnregister(c *Client) {
	h.enqueue(inboundEvent{client: c, leave: true})
}

func (h *Hub) enqueueEvent(c *Client, env protocol.Envelope) {
	h.enqueue(inboundEvent{client: c, env: env})
}

func (h *Hub) enqueueInvalid(c *Client, err error) {
	h.enqueue(inboundEvent{client: c, err: err})
}

func (h *Hub) enqueue(msg inboundEvent) {
	select {
	case h.inbound <- msg:
	case <-h.done:
	}
}
