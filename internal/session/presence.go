package session

import (
	"context"
	"sort"

	"github.com/manpreetbhatti/codesync/backend/internal/protocol"
)

type RoomSummary struct {
	ID      string `json:"id"`
	Members int    `json:"members"`
}

type Stats struct {
	Rooms          int `json:"active_rooms"`
	Clients        int `json:"active_clients"`
	Participants   int `json:"participants"`
	PendingResyncs int `json:"pending_resyncs"`
}

// The methods below are safe to call from any goroutine; they read through
// the hub loop.

func (c *Coordinator) ActiveRooms(ctx context.Context) ([]RoomSummary, error) {
	var rooms []RoomSummary
	err := c.transport.Do(ctx, func() {
		for id, n := range c.transport.Rooms() {
			rooms = append(rooms, RoomSummary{ID: id, Members: n})
		}
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms, nil
}

func (c *Coordinator) Members(ctx context.Context, roomID string) ([]protocol.Member, error) {
	var members []protocol.Member
	err := c.transport.Do(ctx, func() {
		members = c.directory.MembersOf(roomID)
	})
	return members, err
}

func (c *Coordinator) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.transport.Do(ctx, func() {
		s = Stats{
			Rooms:          len(c.transport.Rooms()),
			Clients:        c.transport.ClientCount(),
			Participants:   c.registry.Len(),
			PendingResyncs: len(c.pending),
		}
	})
	return s, err
}
