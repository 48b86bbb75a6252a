package ws

// Groups tracks which connections are subscribed to which rooms.
//
// Members are kept in join order. A room disappears as soon as its last
// member leaves, so nothing is retained for empty rooms. Not safe for
// concurrent use; the hub loop owns it.
type Groups struct {
	rooms  map[string][]string
	byConn map[string][]string
}

func NewGroups() *Groups {
	return &Groups{
		rooms:  make(map[string][]string),
		byConn: make(map[string][]string),
	}
}

// Subscribes a connection to a room. Adding twice is a no-op.
func (g *Groups) Add(connID, room string) {
	if contains(g.rooms[room], connID) {
		return
	}
	g.rooms[room] = append(g.rooms[room], connID)
	g.byConn[connID] = append(g.byConn[connID], room)
}

func (g *Groups) Remove(connID, room string) {
	members, ok := g.rooms[room]
	if !ok {
		return
	}

	members = without(members, connID)
	if len(members) == 0 {
		delete(g.rooms, room)
	} else {
		g.rooms[room] = members
	}

	rooms := without(g.byConn[connID], room)
	if len(rooms) == 0 {
		delete(g.byConn, connID)
	} else {
		g.byConn[connID] = rooms
	}
}

// Unsubscribes a connection from every room and returns those rooms
func (g *Groups) RemoveAll(connID string) []string {
	rooms := g.RoomsOf(connID)
	for _, room := range rooms {
		g.Remove(connID, room)
	}
	return rooms
}

// Returns a copy of the room's members in join order
func (g *Groups) Members(room string) []string {
	return append([]string(nil), g.rooms[room]...)
}

func (g *Groups) RoomsOf(connID string) []string {
	return append([]string(nil), g.byConn[connID]...)
}

// Returns the member count of every non-empty room
func (g *Groups) Rooms() map[string]int {
	counts := make(map[string]int, len(g.rooms))
	for room, members := range g.rooms {
		counts[room] = len(members)
	}
	return counts
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func without(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
