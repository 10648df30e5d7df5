// Package session provides the user registry, packet switch and transports
// that connect a simulation to its peers. The simulation core consumes these
// interfaces; the host process decides which transport backs them.
package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrNotConnected is returned when sending to a user that has no transport
// connection attached.
var ErrNotConnected = errors.New("session: user is not connected")

// Conn is a packet-oriented transport connection. WritePacket sends one packet
// and ReadPacket blocks until one arrives or the connection closes.
type Conn interface {
	ReadPacket() ([]byte, error)
	WritePacket(b []byte) error
	Close() error
}

// User is a participant in a simulation. Users are identified by a session
// UUID for persistence and a small wire ID used on the network.
type User struct {
	sessionID uuid.UUID
	wireID    uint32
	name      string

	mu   sync.Mutex
	conn Conn
}

// NewUser creates a User with the session UUID, wire ID and display name
// passed.
func NewUser(sessionID uuid.UUID, wireID uint32, name string) *User {
	return &User{sessionID: sessionID, wireID: wireID, name: name}
}

// SessionID returns the persistent identity of the user.
func (u *User) SessionID() uuid.UUID { return u.sessionID }

// WireID returns the small integer that identifies the user on the wire.
func (u *User) WireID() uint32 { return u.wireID }

// Name returns the display name of the user.
func (u *User) Name() string { return u.name }

// Attach binds a transport connection to the user. Passing nil detaches the
// current connection.
func (u *User) Attach(conn Conn) {
	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()
}

// Conn returns the transport connection currently attached to the user, if
// any.
func (u *User) Conn() (Conn, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conn, u.conn != nil
}

// Send writes a packet to the user's transport connection.
func (u *User) Send(b []byte) error {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WritePacket(b)
}

// Registry tracks the users known to one simulation, indexed by session UUID
// and by wire ID. One user may be marked local: on a client that is the user
// the process plays as.
type Registry struct {
	mu        sync.RWMutex
	bySession map[uuid.UUID]*User
	byWire    map[uint32]*User
	local     *User
	nextWire  uint32
}

// NewRegistry creates an empty user registry. Wire IDs allocated by the
// registry start at 1; wire ID 0 means "no user" on the wire.
func NewRegistry() *Registry {
	return &Registry{
		bySession: make(map[uuid.UUID]*User),
		byWire:    make(map[uint32]*User),
	}
}

// AllocateWireID returns the next unused wire ID.
func (r *Registry) AllocateWireID() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		r.nextWire++
		if _, ok := r.byWire[r.nextWire]; !ok && r.nextWire != 0 {
			return r.nextWire
		}
	}
}

// Add inserts a user into the registry. A user with a duplicate session UUID
// or wire ID replaces the previous entry.
func (r *Registry) Add(u *User) {
	r.mu.Lock()
	r.bySession[u.sessionID] = u
	r.byWire[u.wireID] = u
	r.mu.Unlock()
}

// Remove deletes a user from the registry.
func (r *Registry) Remove(u *User) {
	r.mu.Lock()
	delete(r.bySession, u.sessionID)
	delete(r.byWire, u.wireID)
	if r.local == u {
		r.local = nil
	}
	r.mu.Unlock()
}

// SetLocal marks the user passed as the local user, adding it to the registry
// if absent.
func (r *Registry) SetLocal(u *User) {
	r.Add(u)
	r.mu.Lock()
	r.local = u
	r.mu.Unlock()
}

// LocalUser returns the local user, or nil if none was set.
func (r *Registry) LocalUser() *User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.local
}

// UserBySessionID looks up a user by its session UUID.
func (r *Registry) UserBySessionID(id uuid.UUID) (*User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.bySession[id]
	return u, ok
}

// UserByWireID looks up a user by its wire ID.
func (r *Registry) UserByWireID(id uint32) (*User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byWire[id]
	return u, ok
}

// Users returns all users currently in the registry.
func (r *Registry) Users() []*User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]*User, 0, len(r.byWire))
	for _, u := range r.byWire {
		users = append(users, u)
	}
	return users
}
