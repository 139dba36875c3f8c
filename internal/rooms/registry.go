// Package rooms holds the in-memory room membership registry, the only
// state shared across connection goroutines.
package rooms

import (
	"errors"
	"sort"
	"sync"
)

// ErrInAnotherRoom is returned by Join when the connection is still a member
// of a different room. The router is expected to leave that room first;
// hitting this error indicates a caller bug, not a client error.
var ErrInAnotherRoom = errors.New("rooms: connection is already in another room")

// Member is one (ConnectionID, ParticipantIdentity) pair in a room.
type Member struct {
	ConnectionID string
	Identity     string
}

// Eviction describes one room a connection was removed from by
// RemoveFromAll, with everything the router needs for disconnect fan-out.
type Eviction struct {
	Room         string
	ConnectionID string
	Identity     string
	Remaining    []Member
}

// Registry maps room IDs to their current members. A connection is a member
// of at most one room at a time. All operations are atomic under a single
// mutex; no partially applied join or leave is ever observable.
//
// Rooms are created implicitly by the first join and deleted in the same
// critical section that removes their last member, so an empty room never
// outlives the operation that emptied it.
type Registry struct {
	mu      sync.Mutex
	members map[string]map[string]string // room -> connID -> identity
	roomOf  map[string]string            // connID -> room
}

func New() *Registry {
	return &Registry{
		members: make(map[string]map[string]string),
		roomOf:  make(map[string]string),
	}
}

// Join adds (connID, identity) to room and returns the other current
// members. Joining a room the connection is already in is a no-op that
// returns the current member set with already=true; the identity recorded
// at first join is kept. Joining while still a member of a different room
// returns ErrInAnotherRoom.
func (r *Registry) Join(room, connID, identity string) (others []Member, already bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.roomOf[connID]; ok {
		if current != room {
			return nil, false, ErrInAnotherRoom
		}
		return r.othersLocked(room, connID), true, nil
	}

	m, ok := r.members[room]
	if !ok {
		m = make(map[string]string)
		r.members[room] = m
	}
	others = membersLocked(m, connID)
	m[connID] = identity
	r.roomOf[connID] = room
	return others, false, nil
}

// Leave removes connID from room if present. Removing an absent member is a
// no-op (ok=false): disconnect-driven cleanup may race with an explicit
// leave. When the room becomes empty it is deleted.
func (r *Registry) Leave(room, connID string) (identity string, remaining []Member, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(room, connID)
}

func (r *Registry) leaveLocked(room, connID string) (identity string, remaining []Member, ok bool) {
	m, exists := r.members[room]
	if !exists {
		return "", nil, false
	}
	identity, ok = m[connID]
	if !ok {
		return "", nil, false
	}

	delete(m, connID)
	delete(r.roomOf, connID)
	if len(m) == 0 {
		delete(r.members, room)
		return identity, nil, true
	}
	return identity, membersLocked(m, ""), true
}

// MembersOf returns a snapshot of the room's members, sorted by
// ConnectionID for deterministic iteration. A room that does not exist
// yields an empty slice.
func (r *Registry) MembersOf(room string) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[room]
	if !ok {
		return nil
	}
	return membersLocked(m, "")
}

// RemoveFromAll removes connID from every room it is a member of and
// returns one Eviction per room. Calling it for a connection that has
// already been removed returns nil, which is what de-duplicates the
// explicit-leave-then-transport-close double disconnect.
func (r *Registry) RemoveFromAll(connID string) []Eviction {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.roomOf[connID]
	if !ok {
		return nil
	}
	identity, remaining, ok := r.leaveLocked(room, connID)
	if !ok {
		return nil
	}
	return []Eviction{{Room: room, ConnectionID: connID, Identity: identity, Remaining: remaining}}
}

// RoomOf returns the room the connection is currently in, if any.
func (r *Registry) RoomOf(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.roomOf[connID]
	return room, ok
}

// IdentityOf returns the identity the connection joined with, if it is in a
// room.
func (r *Registry) IdentityOf(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.roomOf[connID]
	if !ok {
		return "", false
	}
	identity, ok := r.members[room][connID]
	return identity, ok
}

// Stats returns the current room and member counts.
func (r *Registry) Stats() (rooms, members int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms = len(r.members)
	for _, m := range r.members {
		members += len(m)
	}
	return rooms, members
}

func (r *Registry) othersLocked(room, excludeConnID string) []Member {
	return membersLocked(r.members[room], excludeConnID)
}

func membersLocked(m map[string]string, excludeConnID string) []Member {
	out := make([]Member, 0, len(m))
	for connID, identity := range m {
		if connID == excludeConnID {
			continue
		}
		out = append(out, Member{ConnectionID: connID, Identity: identity})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}
