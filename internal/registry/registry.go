// Package registry maps live connection ids to the display name each
// participant joined under.
//
// A Registry is not safe for concurrent use. It is owned by the hub's event
// loop and only touched from session handlers running on that loop.
package registry

type Registry struct {
	names map[string]string
}

// Creates an empty registry
func New() *Registry {
	return &Registry{names: make(map[string]string)}
}

// Records or overwrites the name for a connection
func (r *Registry) Set(connID, name string) {
	r.names[connID] = name
}

// Returns the name for a connection and whether one is known
func (r *Registry) Get(connID string) (string, bool) {
	name, ok := r.names[connID]
	return name, ok
}

// Name is Get without the presence flag; unknown connections have no name.
func (r *Registry) Name(connID string) string {
	return r.names[connID]
}

// Deletes the entry; removing an unknown connection is a no-op
func (r *Registry) Remove(connID string) {
	delete(r.names, connID)
}

func (r *Registry) Len() int {
	return len(r.names)
}

// Drops every entry, used at shutdown
func (r *Registry) Clear() {
	r.names = make(map[string]string)
}
