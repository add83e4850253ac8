// Package registry holds the authoritative in-memory indices relating
// connections, identities, and rooms.
//
// All mutation happens here, and only here. Connections and rooms are
// referenced by stable handles rather than by pointer or back-reference,
// so the registry is the single point that breaks every reference when a
// connection is detached.
package registry

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrInUse is returned by SetIdentity when the requested nick is held by
// a different connection.
var ErrInUse = errors.New("nickname is already in use")

// ErrNotOnChannel is returned by Leave when the connection is not a
// member of the given room.
var ErrNotOnChannel = errors.New("not on that channel")

// ConnID is an opaque handle identifying one client connection. The
// registry never holds transport state; it only ever deals in IDs.
type ConnID uint64

type connState struct {
	id         ConnID
	nick       string // display casing; "" if no identity yet
	registered bool
	rooms      map[string]struct{} // folded room key -> member
}

type room struct {
	display string // casing supplied on the first join
	members map[ConnID]struct{}
}

// Registry is the authoritative set of connection/nick/room indices. The
// zero value is not usable; use New.
type Registry struct {
	mu    sync.Mutex
	conns map[ConnID]*connState
	nicks map[string]ConnID // folded nick -> connection
	rooms map[string]*room  // folded room key -> room
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		conns: make(map[ConnID]*connState),
		nicks: make(map[string]ConnID),
		rooms: make(map[string]*room),
	}
}

// Do runs fn with exclusive access to the registry. Every command handler
// in the protocol engine is expected to perform its entire read-modify
// sequence inside a single Do call: this is the "single serialization
// domain" the core's concurrency model requires. Do must not be called
// reentrantly from within fn.
func (r *Registry) Do(fn func(tx *Tx)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&Tx{r: r})
}

// Tx is a handle to the registry's state, valid only for the duration of
// the Do call that produced it.
type Tx struct {
	r *Registry
}

// Fold performs the ASCII-only case fold used for nick and room key
// comparison. Locale-sensitive folding is deliberately not used.
func Fold(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Attach registers a new connection with no identity, unregistered, and
// no room memberships.
func (tx *Tx) Attach(id ConnID) {
	tx.r.conns[id] = &connState{id: id, rooms: make(map[string]struct{})}
}

// SetIdentity attempts to give the connection the given display-cased
// nick. It fails with ErrInUse if the folded nick is held by a different
// connection. It is idempotent (and performs no index changes) if the
// caller already holds that nick, case-insensitively.
func (tx *Tx) SetIdentity(id ConnID, nick string) error {
	c, ok := tx.r.conns[id]
	if !ok {
		return nil
	}

	folded := Fold(nick)

	if holder, exists := tx.r.nicks[folded]; exists {
		if holder == id {
			return nil
		}
		return ErrInUse
	}

	if len(c.nick) > 0 {
		delete(tx.r.nicks, Fold(c.nick))
	}

	tx.r.nicks[folded] = id
	c.nick = nick
	c.registered = true

	return nil
}

// Nick returns the connection's current display-cased identity, and
// whether it has one.
func (tx *Tx) Nick(id ConnID) (string, bool) {
	c, ok := tx.r.conns[id]
	if !ok || len(c.nick) == 0 {
		return "", false
	}
	return c.nick, true
}

// IsRegistered reports whether the connection has completed registration.
func (tx *Tx) IsRegistered(id ConnID) bool {
	c, ok := tx.r.conns[id]
	return ok && c.registered
}

// Stats returns the number of attached connections, the number of those
// holding an identity, and the number of live rooms.
func (tx *Tx) Stats() (conns, nicks, rooms int) {
	return len(tx.r.conns), len(tx.r.nicks), len(tx.r.rooms)
}

// Lookup resolves a nick (any casing) to the connection currently holding
// it.
func (tx *Tx) Lookup(nick string) (ConnID, bool) {
	id, ok := tx.r.nicks[Fold(nick)]
	return id, ok
}

// Join adds the connection to the room, creating the room (with the
// display casing given here) if it does not already exist. It is
// idempotent: joining a room the connection already belongs to is a
// no-op and reports alreadyMember true.
func (tx *Tx) Join(id ConnID, key string) (alreadyMember bool) {
	c, ok := tx.r.conns[id]
	if !ok {
		return false
	}

	folded := Fold(key)

	if _, in := c.rooms[folded]; in {
		return true
	}

	rm, exists := tx.r.rooms[folded]
	if !exists {
		rm = &room{display: key, members: make(map[ConnID]struct{})}
		tx.r.rooms[folded] = rm
	}

	rm.members[id] = struct{}{}
	c.rooms[folded] = struct{}{}

	return false
}

// Leave removes the connection from the room, deleting the room if it
// becomes empty. It fails with ErrNotOnChannel if the connection is not a
// member.
func (tx *Tx) Leave(id ConnID, key string) error {
	c, ok := tx.r.conns[id]
	if !ok {
		return nil
	}

	folded := Fold(key)

	if _, in := c.rooms[folded]; !in {
		return ErrNotOnChannel
	}

	delete(c.rooms, folded)

	rm, exists := tx.r.rooms[folded]
	if exists {
		delete(rm.members, id)
		if len(rm.members) == 0 {
			delete(tx.r.rooms, folded)
		}
	}

	return nil
}

// IsMember reports whether the connection belongs to the room.
func (tx *Tx) IsMember(id ConnID, key string) bool {
	c, ok := tx.r.conns[id]
	if !ok {
		return false
	}
	_, in := c.rooms[Fold(key)]
	return in
}

// RoomExists reports whether the room currently has any members.
func (tx *Tx) RoomExists(key string) bool {
	_, ok := tx.r.rooms[Fold(key)]
	return ok
}

// RoomDisplay returns the display casing of the room as supplied on
// join, and whether the room exists.
func (tx *Tx) RoomDisplay(key string) (string, bool) {
	rm, ok := tx.r.rooms[Fold(key)]
	if !ok {
		return "", false
	}
	return rm.display, true
}

// Members returns the current members of the room (unordered).
func (tx *Tx) Members(key string) []ConnID {
	rm, ok := tx.r.rooms[Fold(key)]
	if !ok {
		return nil
	}
	out := make([]ConnID, 0, len(rm.members))
	for id := range rm.members {
		out = append(out, id)
	}
	return out
}

// MemberNicks returns the display-cased nicks of the room's current
// members, sorted ASCII-ascending, matching NAMES listing order.
func (tx *Tx) MemberNicks(key string) []string {
	rm, ok := tx.r.rooms[Fold(key)]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rm.members))
	for id := range rm.members {
		if c, ok := tx.r.conns[id]; ok && len(c.nick) > 0 {
			out = append(out, c.nick)
		}
	}
	sort.Strings(out)
	return out
}

// Audience returns the deduplicated set of connections sharing any room
// with id, excluding id itself.
func (tx *Tx) Audience(id ConnID) []ConnID {
	c, ok := tx.r.conns[id]
	if !ok {
		return nil
	}

	seen := map[ConnID]struct{}{}
	for folded := range c.rooms {
		rm, exists := tx.r.rooms[folded]
		if !exists {
			continue
		}
		for member := range rm.members {
			if member == id {
				continue
			}
			seen[member] = struct{}{}
		}
	}

	out := make([]ConnID, 0, len(seen))
	for member := range seen {
		out = append(out, member)
	}
	return out
}

// Rooms returns the folded room keys the connection currently belongs to.
func (tx *Tx) Rooms(id ConnID) []string {
	c, ok := tx.r.conns[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.rooms))
	for k := range c.rooms {
		out = append(out, k)
	}
	return out
}

// Detach removes the connection from every index: the nick table and
// every room it belonged to, deleting any room that becomes empty as a
// result. It returns the deduplicated set of connections that shared at
// least one room with it prior to removal — the fan-out audience for a
// QUIT.
func (tx *Tx) Detach(id ConnID) []ConnID {
	c, ok := tx.r.conns[id]
	if !ok {
		return nil
	}

	audience := tx.Audience(id)

	for folded := range c.rooms {
		rm, exists := tx.r.rooms[folded]
		if !exists {
			continue
		}
		delete(rm.members, id)
		if len(rm.members) == 0 {
			delete(tx.r.rooms, folded)
		}
	}

	if len(c.nick) > 0 {
		delete(tx.r.nicks, Fold(c.nick))
	}

	delete(tx.r.conns, id)

	return audience
}
