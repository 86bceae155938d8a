package chat

import (
	"time"

	"github.com/google/uuid"
)

// connState is the per-connection lifecycle state.
type connState int

const (
	stateConnected connState = iota
	stateAuthenticated
)

// client is a live connection's registry entry. The writer is the only
// handle to the underlying transport held here.
type client struct {
	id        uuid.UUID
	writer    *clientWriter
	state     connState
	userID    int64
	username  string
	rooms     map[string]struct{}
	createdAt time.Time
}

// registry tracks live connections with secondary indices for user and
// room lookups. It is owned exclusively by the hub goroutine; all
// mutation is single-writer, so no locking is needed here.
type registry struct {
	clients     map[uuid.UUID]*client
	userClients map[int64]map[uuid.UUID]struct{}
	roomClients map[string]map[uuid.UUID]struct{}
}

func newRegistry() *registry {
	return &registry{
		clients:     make(map[uuid.UUID]*client),
		userClients: make(map[int64]map[uuid.UUID]struct{}),
		roomClients: make(map[string]map[uuid.UUID]struct{}),
	}
}

// register adds a connection in the connected (unauthenticated) state.
func (r *registry) register(c *client) {
	c.state = stateConnected
	c.rooms = make(map[string]struct{})
	r.clients[c.id] = c
}

// authenticate binds a user to a connection. Re-authentication overwrites
// the previous binding rather than adding a second one. The first return
// reports whether this is now the user's only connection (the user just
// came online); the second whether the connection was known.
func (r *registry) authenticate(id uuid.UUID, userID int64, username string) (firstForUser, ok bool) {
	c, ok := r.clients[id]
	if !ok {
		return false, false
	}

	if c.state == stateAuthenticated && c.userID != userID {
		r.removeUserIndex(c)
	}

	c.state = stateAuthenticated
	c.userID = userID
	c.username = username

	if r.userClients[userID] == nil {
		r.userClients[userID] = make(map[uuid.UUID]struct{})
	}
	r.userClients[userID][id] = struct{}{}
	return len(r.userClients[userID]) == 1, true
}

// joinRoom adds the connection to a room, creating the room on first
// join. Joining a room the connection is already in is a no-op; the
// return reports whether membership actually changed.
func (r *registry) joinRoom(id uuid.UUID, roomID string) bool {
	c, ok := r.clients[id]
	if !ok {
		return false
	}
	if _, member := c.rooms[roomID]; member {
		return false
	}

	c.rooms[roomID] = struct{}{}
	if r.roomClients[roomID] == nil {
		r.roomClients[roomID] = make(map[uuid.UUID]struct{})
	}
	r.roomClients[roomID][id] = struct{}{}
	return true
}

// leaveRoom removes the connection from a room. Leaving a room the
// connection is not in is a no-op. An emptied room is dropped from the
// index.
func (r *registry) leaveRoom(id uuid.UUID, roomID string) bool {
	c, ok := r.clients[id]
	if !ok {
		return false
	}
	if _, member := c.rooms[roomID]; !member {
		return false
	}

	delete(c.rooms, roomID)
	delete(r.roomClients[roomID], id)
	if len(r.roomClients[roomID]) == 0 {
		delete(r.roomClients, roomID)
	}
	return true
}

// unregister removes the connection from every index. The returns are the
// removed entry and whether it was its user's last connection.
func (r *registry) unregister(id uuid.UUID) (c *client, lastForUser bool) {
	c, ok := r.clients[id]
	if !ok {
		return nil, false
	}

	for roomID := range c.rooms {
		delete(r.roomClients[roomID], id)
		if len(r.roomClients[roomID]) == 0 {
			delete(r.roomClients, roomID)
		}
	}

	if c.state == stateAuthenticated {
		lastForUser = r.removeUserIndex(c)
	}

	delete(r.clients, id)
	return c, lastForUser
}

// removeUserIndex drops the connection from its user's index and reports
// whether the user now has no connections left.
func (r *registry) removeUserIndex(c *client) bool {
	conns, ok := r.userClients[c.userID]
	if !ok {
		return false
	}
	delete(conns, c.id)
	if len(conns) == 0 {
		delete(r.userClients, c.userID)
		return true
	}
	return false
}

// roomMembers returns the entries currently in roomID.
func (r *registry) roomMembers(roomID string) []*client {
	ids, ok := r.roomClients[roomID]
	if !ok {
		return nil
	}
	members := make([]*client, 0, len(ids))
	for id := range ids {
		if c, ok := r.clients[id]; ok {
			members = append(members, c)
		}
	}
	return members
}

// userConnections returns the entries authenticated as userID.
func (r *registry) userConnections(userID int64) []*client {
	ids, ok := r.userClients[userID]
	if !ok {
		return nil
	}
	conns := make([]*client, 0, len(ids))
	for id := range ids {
		if c, ok := r.clients[id]; ok {
			conns = append(conns, c)
		}
	}
	return conns
}

// rooms returns the set of rooms the connection has joined.
func (r *registry) rooms(id uuid.UUID) []string {
	c, ok := r.clients[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.rooms))
	for roomID := range c.rooms {
		out = append(out, roomID)
	}
	return out
}

func (r *registry) connectionCount() int { return len(r.clients) }

func (r *registry) roomCount() int { return len(r.roomClients) }
