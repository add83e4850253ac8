// Package engine implements the protocol state machine: per-command
// handlers for registration, identity, room membership, and message
// relay, driving an internal/registry.Registry and a Sender.
package engine

import (
	"sync"

	"github.com/horgh/irc"

	"github.com/relaycore/relaycore/internal/registry"
)

// Sender delivers outbound protocol messages to connections and closes
// connections whose disconnect path has run. Implementations must treat
// delivery to an unknown or already-closed connection as a silent no-op
// (spec: "send-to-absent is a no-op").
type Sender interface {
	Send(id registry.ConnID, msg irc.Message)
	Close(id registry.ConnID)
}

// Engine is the protocol state machine. The zero value is not usable;
// construct with New.
type Engine struct {
	Reg        *registry.Registry
	Sender     Sender
	ServerName string
	MOTD       string

	// RequireUser switches on the classic two-phase NICK+USER registration
	// handshake (SPEC_FULL.md §11). When false (the default), a single
	// successful NICK completes registration, matching the core spec's
	// seed scenarios exactly.
	RequireUser bool

	mu       sync.Mutex
	userSeen map[registry.ConnID]bool
	welcomed map[registry.ConnID]bool
}

// New returns an Engine ready to dispatch commands.
func New(reg *registry.Registry, sender Sender, serverName, motd string) *Engine {
	return &Engine{
		Reg:        reg,
		Sender:     sender,
		ServerName: serverName,
		MOTD:       motd,
		userSeen:   make(map[registry.ConnID]bool),
		welcomed:   make(map[registry.ConnID]bool),
	}
}

// Attach registers a freshly accepted connection with the registry.
func (e *Engine) Attach(id registry.ConnID) {
	e.Reg.Do(func(tx *registry.Tx) { tx.Attach(id) })
}

// HandleLine parses one complete wire line (including its trailing CRLF,
// per github.com/horgh/irc's ParseMessage contract) and dispatches it.
// Malformed lines are dropped silently: framing-level errors never
// propagate out of the engine (spec §7).
func (e *Engine) HandleLine(id registry.ConnID, line string) {
	msg, err := irc.ParseMessage(line)
	if err != nil {
		return
	}
	e.handle(id, msg)
}

func (e *Engine) handle(id registry.ConnID, m irc.Message) {
	// Clients should not send a prefix; spec.md says the engine parses but
	// never consults it, so we simply ignore whatever is there.

	switch m.Command {
	case "NICK":
		e.handleNick(id, m)
		return
	case "USER":
		e.handleUser(id, m)
		return
	case "PING":
		e.handlePing(id, m)
		return
	case "QUIT":
		e.handleQuit(id, m)
		return
	case "CAP":
		// Non-RFC capability negotiation. Accepted and discarded, pre- or
		// post-registration.
		return
	}

	var registered bool
	e.Reg.Do(func(tx *registry.Tx) { registered = tx.IsRegistered(id) })
	if registered && e.RequireUser {
		// Under two-phase registration a nick alone is not enough: the
		// connection counts as registered only once it has been welcomed.
		e.mu.Lock()
		registered = e.welcomed[id]
		e.mu.Unlock()
	}
	if !registered {
		e.numeric(id, e.targetFor(id), "451", "You have not registered")
		return
	}

	switch m.Command {
	case "JOIN":
		e.handleJoin(id, m)
	case "PART":
		e.handlePart(id, m)
	case "PRIVMSG":
		e.handlePrivmsg(id, m)
	case "LUSERS":
		e.handleLusers(id)
	case "MOTD":
		e.handleMotd(id)
	case "PONG":
		// Clients may echo our keepalive; nothing to do with it.
	default:
		e.numeric(id, e.targetFor(id), "421", m.Command, "Unknown command")
	}
}

// Disconnect runs the disconnect path: detach the connection from every
// registry index, fan out QUIT to the audience captured at the moment of
// detach (skipped if the connection never held an identity), then close
// the transport. It is idempotent — disconnecting an already-detached
// connection is a no-op because Registry.Detach is.
func (e *Engine) Disconnect(id registry.ConnID, reason string) {
	var nick string
	var hadIdentity bool
	var audience []registry.ConnID

	e.Reg.Do(func(tx *registry.Tx) {
		nick, hadIdentity = tx.Nick(id)
		audience = tx.Detach(id)
	})

	if hadIdentity {
		quitMsg := irc.Message{Prefix: nick, Command: "QUIT", Params: []string{reason}}
		for _, peer := range audience {
			e.Sender.Send(peer, quitMsg)
		}
	}

	e.mu.Lock()
	delete(e.userSeen, id)
	delete(e.welcomed, id)
	e.mu.Unlock()

	e.Sender.Close(id)
}

// targetFor returns the connection's current nick, or "*" if it has
// none, for use as the second field of a numeric reply.
func (e *Engine) targetFor(id registry.ConnID) string {
	var nick string
	var ok bool
	e.Reg.Do(func(tx *registry.Tx) { nick, ok = tx.Nick(id) })
	if !ok {
		return "*"
	}
	return nick
}

// numeric sends a server numeric reply of the shape
// ":<server> <code> <target> <params...>".
func (e *Engine) numeric(id registry.ConnID, target, code string, params ...string) {
	allParams := make([]string, 0, len(params)+1)
	allParams = append(allParams, target)
	allParams = append(allParams, params...)
	e.Sender.Send(id, irc.Message{
		Prefix:  e.ServerName,
		Command: code,
		Params:  allParams,
	})
}
