package session

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/codesync/backend/internal/protocol"
	"github.com/manpreetbhatti/codesync/backend/internal/ws"
)

func (c *Coordinator) join(connID string, env protocol.Envelope) error {
	var p protocol.JoinPayload
	if err := env.Bind(&p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	log := c.log.WithFields(logrus.Fields{
		"socket_id": connID,
		"room_id":   p.RoomID,
		"username":  p.Username,
	})

	present := c.transport.Members(p.RoomID)

	c.registry.Set(connID, p.Username)
	c.transport.Join(connID, p.RoomID)
	members := c.directory.MembersOf(p.RoomID)

	// One frame for everyone, so every recipient sees the same roster
	frame, err := protocol.Encode(protocol.EventJoined, protocol.JoinedPayload{
		Clients:  members,
		Username: p.Username,
		SocketID: connID,
	})
	if err != nil {
		log.WithError(err).Error("Failed to encode roster")
	} else {
		recipients := make([]string, len(members))
		for i, m := range members {
			recipients[i] = m.SocketID
		}
		c.broadcast(recipients, frame, log.WithField("event", protocol.EventJoined))
	}
	log.Infof("Participant joined (members: %d)", len(members))

	if c.recorder != nil {
		c.recorder.Joined(p.RoomID, connID, p.Username)
	}

	c.requestResync(p.RoomID, connID, present)
	return nil
}

func (c *Coordinator) codeChange(connID string, env protocol.Envelope) error {
	var p protocol.CodeChangePayload
	if err := env.Bind(&p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	rooms := c.transport.RoomsOf(connID)
	if p.RoomID != "" {
		if !c.directory.Contains(p.RoomID, connID) {
			return fmt.Errorf("%w: %q", ErrNotInRoom, p.RoomID)
		}
		rooms = []string{p.RoomID}
	}

	frame, err := protocol.Encode(protocol.EventCodeChange, protocol.CodeChangePayload{Code: p.Code})
	if err != nil {
		return err
	}

	for _, roomID := range rooms {
		c.holders[roomID] = connID
		c.broadcast(c.directory.OthersIn(roomID, connID), frame, c.log.WithFields(logrus.Fields{
			"socket_id": connID,
			"room_id":   roomID,
			"event":     protocol.EventCodeChange,
		}))
	}
	return nil
}

func (c *Coordinator) syncCode(connID string, env protocol.Envelope) error {
	var p protocol.SyncCodePayload
	if err := env.Bind(&p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	c.completeResync(connID, p.SocketID, p.Code)
	return nil
}

// Tells every remaining member of each of the connection's rooms, then
// forgets the connection. The hub drops its groups afterwards.
func (c *Coordinator) disconnect(connID string, _ protocol.Envelope) error {
	name := c.registry.Name(connID)
	frame, err := protocol.Encode(protocol.EventDisconnected, protocol.DisconnectedPayload{
		SocketID: connID,
		Username: name,
	})

	for _, roomID := range c.transport.RoomsOf(connID) {
		log := c.log.WithFields(logrus.Fields{
			"socket_id": connID,
			"room_id":   roomID,
			"username":  name,
		})
		remaining := c.directory.OthersIn(roomID, connID)

		if err != nil {
			log.WithError(err).Error("Failed to encode departure")
		} else {
			c.broadcast(remaining, frame, log.WithField("event", protocol.EventDisconnected))
		}
		log.Infof("Participant left (remaining: %d)", len(remaining))

		if c.recorder != nil {
			c.recorder.Left(roomID, connID, name)
		}
		c.handOver(roomID, connID, remaining)
	}

	delete(c.pending, connID)
	c.registry.Remove(connID)
	return nil
}

// Fire-and-forget fan-out. Failed deliveries are logged and counted, never
// retried; a gone connection is cleaned up by its own disconnect.
func (c *Coordinator) broadcast(recipients []string, frame []byte, log *logrus.Entry) {
	failed := 0
	for _, id := range recipients {
		if outcome := c.transport.Send(id, frame); outcome != ws.Delivered {
			failed++
			log.WithFields(logrus.Fields{
				"recipient": id,
				"outcome":   outcome,
			}).Debug("Delivery skipped")
		}
	}
	if failed > 0 {
		log.Debugf("Broadcast delivered to %d of %d recipients", len(recipients)-failed, len(recipients))
	}
}

func (c *Coordinator) sendTo(connID string, event protocol.Event, payload any) ws.Delivery {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		c.log.WithError(err).WithField("event", event).Error("Failed to encode frame")
		return ws.DeliveryDropped
	}

	outcome := c.transport.Send(connID, frame)
	if outcome != ws.Delivered {
		c.log.WithFields(logrus.Fields{
			"recipient": connID,
			"event":     event,
			"outcome":   outcome,
		}).Debug("Delivery skipped")
	}
	return outcome
}
