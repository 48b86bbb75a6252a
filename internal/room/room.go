package room

import (
	"github.com/manpreetbhatti/codesync/backend/internal/protocol"
	"github.com/manpreetbhatti/codesync/backend/internal/registry"
)

// The transport's group membership, as seen by the directory
type Groups interface {
	Members(room string) []string
}

// A read-only view of who is in a room. Rooms are never stored; they are
// computed from the transport's groups every time they are asked for.
type Directory struct {
	groups   Groups
	registry *registry.Registry
}

func NewDirectory(groups Groups, reg *registry.Registry) *Directory {
	return &Directory{
		groups:   groups,
		registry: reg,
	}
}

// Returns the room's members in join order, each with its registered name.
// Unknown rooms yield an empty, non-nil slice.
func (d *Directory) MembersOf(roomID string) []protocol.Member {
	ids := d.groups.Members(roomID)
	members := make([]protocol.Member, 0, len(ids))
	for _, id := range ids {
		members = append(members, protocol.Member{
			SocketID: id,
			Username: d.registry.Name(id),
		})
	}
	return members
}

// Returns the ids of every member except the given one
func (d *Directory) OthersIn(roomID, except string) []string {
	ids := d.groups.Members(roomID)
	others := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != except {
			others = append(others, id)
		}
	}
	return others
}

func (d *Directory) Contains(roomID, connID string) bool {
	for _, id := range d.groups.Members(roomID) {
		if id == connID {
			return true
		}
	}
	return false
}
