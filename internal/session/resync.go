package session

import (
	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/codesync/backend/internal/protocol"
	"github.com/manpreetbhatti/codesync/backend/internal/ws"
)

// A resync owed to target, to be answered by holder
type pendingSync struct {
	room   string
	holder string
}

// Asks one member that was present before target joined for the document.
// The first joiner of an empty room has nothing to receive and becomes the
// room's holder instead.
func (c *Coordinator) requestResync(roomID, target string, present []string) {
	if len(present) == 0 {
		c.holders[roomID] = target
		return
	}

	holder, ok := c.holders[roomID]
	if !ok || !containsID(present, holder) {
		holder = present[0]
		c.holders[roomID] = holder
	}

	candidates := append([]string{holder}, without(present, holder)...)
	if !c.askForDocument(roomID, target, candidates) {
		c.log.WithFields(logrus.Fields{
			"socket_id": target,
			"room_id":   roomID,
		}).Warn("No member could be asked for the document")
	}
}

// Sends sync-request to the first candidate that accepts it
func (c *Coordinator) askForDocument(roomID, target string, candidates []string) bool {
	for _, id := range candidates {
		if c.sendTo(id, protocol.EventSyncRequest, protocol.SyncRequestPayload{SocketID: target}) == ws.Delivered {
			c.pending[target] = pendingSync{room: roomID, holder: id}
			c.log.WithFields(logrus.Fields{
				"socket_id": target,
				"room_id":   roomID,
				"holder":    id,
			}).Debug("Resync requested")
			return true
		}
	}
	delete(c.pending, target)
	return false
}

// Relays the holder's document to target. Anything else, including the
// sync-code every client sends when it sees a roster, is ignored, so the
// target receives exactly one document.
func (c *Coordinator) completeResync(from, target, code string) {
	p, ok := c.pending[target]
	if !ok || p.holder != from {
		c.log.WithFields(logrus.Fields{
			"socket_id": from,
			"target":    target,
		}).Debug("Unsolicited sync-code ignored")
		return
	}

	delete(c.pending, target)
	c.sendTo(target, protocol.EventCodeChange, protocol.CodeChangePayload{Code: code})
}

// Moves holder duty and outstanding resyncs off a departing connection.
// remaining is in join order and excludes the departing connection.
func (c *Coordinator) handOver(roomID, leaving string, remaining []string) {
	if len(remaining) == 0 {
		delete(c.holders, roomID)
	} else if c.holders[roomID] == leaving {
		c.holders[roomID] = remaining[0]
	}

	for target, p := range c.pending {
		if p.room != roomID || p.holder != leaving || target == leaving {
			continue
		}

		// Only members that joined before the target hold its room's document
		var earlier []string
		for _, id := range remaining {
			if id == target {
				break
			}
			earlier = append(earlier, id)
		}
		if !c.askForDocument(roomID, target, earlier) {
			c.log.WithFields(logrus.Fields{
				"socket_id": target,
				"room_id":   roomID,
			}).Info("Resync abandoned; no earlier member left")
		}
	}
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
