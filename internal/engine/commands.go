package engine

import (
	"fmt"
	"strings"

	"github.com/horgh/irc"

	"github.com/relaycore/relaycore/internal/registry"
)

func (e *Engine) handleNick(id registry.ConnID, m irc.Message) {
	if len(m.Params) < 1 || len(m.Params[0]) == 0 {
		e.numeric(id, e.targetFor(id), "431", "No nickname given")
		return
	}

	nick := m.Params[0]
	if !validNick(nick) {
		e.numeric(id, e.targetFor(id), "432", nick, "Erroneous nickname")
		return
	}

	var oldNick string
	var hadOldNick bool
	e.Reg.Do(func(tx *registry.Tx) { oldNick, hadOldNick = tx.Nick(id) })

	if hadOldNick && registry.Fold(oldNick) == registry.Fold(nick) {
		return
	}

	var audience []registry.ConnID
	if hadOldNick {
		e.Reg.Do(func(tx *registry.Tx) { audience = tx.Audience(id) })
	}

	var err error
	e.Reg.Do(func(tx *registry.Tx) { err = tx.SetIdentity(id, nick) })

	if err == registry.ErrInUse {
		e.numeric(id, e.targetFor(id), "433", nick, "Nickname is already in use")
		return
	}

	if !hadOldNick {
		if !e.RequireUser {
			e.sendWelcome(id, nick)
		} else {
			e.maybeWelcome(id, nick)
		}
		return
	}

	nickMsg := irc.Message{Prefix: oldNick, Command: "NICK", Params: []string{nick}}
	e.Sender.Send(id, nickMsg)
	for _, peer := range audience {
		e.Sender.Send(peer, nickMsg)
	}
}

func (e *Engine) handleUser(id registry.ConnID, m irc.Message) {
	if !e.RequireUser {
		// USER is accepted and ignored in the default, NICK-completes-
		// registration configuration.
		return
	}

	if len(m.Params) < 4 {
		e.numeric(id, e.targetFor(id), "461", "USER", "Not enough parameters")
		return
	}

	e.mu.Lock()
	e.userSeen[id] = true
	e.mu.Unlock()

	nick, _ := doNick(e.Reg, id)
	e.maybeWelcome(id, nick)
}

// doNick reads a connection's current nick through its own Do closure,
// for call sites that only need the read.
func doNick(reg *registry.Registry, id registry.ConnID) (string, bool) {
	var nick string
	var ok bool
	reg.Do(func(tx *registry.Tx) { nick, ok = tx.Nick(id) })
	return nick, ok
}

func (e *Engine) maybeWelcome(id registry.ConnID, nick string) {
	if len(nick) == 0 {
		nick, _ = doNick(e.Reg, id)
		if len(nick) == 0 {
			return
		}
	}

	e.mu.Lock()
	seenUser := e.userSeen[id]
	alreadyWelcomed := e.welcomed[id]
	e.mu.Unlock()

	if alreadyWelcomed || !seenUser {
		return
	}

	var hasNick bool
	e.Reg.Do(func(tx *registry.Tx) { _, hasNick = tx.Nick(id) })
	if !hasNick {
		return
	}

	e.mu.Lock()
	e.welcomed[id] = true
	e.mu.Unlock()

	e.sendWelcome(id, nick)
}

func (e *Engine) sendWelcome(id registry.ConnID, nick string) {
	e.numeric(id, nick, "001", "Welcome")

	if e.RequireUser {
		e.numeric(id, nick, "002", fmt.Sprintf("Your host is %s", e.ServerName))
		e.numeric(id, nick, "003", "This server was started earlier")
		e.numeric(id, nick, "004", e.ServerName, "relaycore-0", "", "")
	}

	e.sendMotd(id, nick)
}

func (e *Engine) handlePing(id registry.ConnID, m irc.Message) {
	token := ""
	if len(m.Params) > 0 {
		token = m.Params[0]
	}
	e.Sender.Send(id, irc.Message{
		Prefix:  e.ServerName,
		Command: "PONG",
		Params:  []string{e.ServerName, token},
	})
}

func (e *Engine) handleQuit(id registry.ConnID, m irc.Message) {
	reason := "Client quit"
	if len(m.Params) > 0 && len(m.Params[0]) > 0 {
		reason = m.Params[0]
	}
	e.Disconnect(id, reason)
}

func (e *Engine) handlePrivmsg(id registry.ConnID, m irc.Message) {
	if len(m.Params) < 1 || len(m.Params[0]) == 0 {
		e.numeric(id, e.targetFor(id), "411", "No recipient given (PRIVMSG)")
		return
	}
	if len(m.Params) < 2 {
		e.numeric(id, e.targetFor(id), "412", "No text to send")
		return
	}

	target := m.Params[0]
	text := m.Params[1]

	sender := e.targetFor(id)
	out := irc.Message{Prefix: sender, Command: "PRIVMSG", Params: []string{target, text}}

	if strings.HasPrefix(target, "#") {
		if !validRoom(target) {
			e.numeric(id, sender, "403", target, "No such channel")
			return
		}

		var roomExists, isMember bool
		var recipients []registry.ConnID
		e.Reg.Do(func(tx *registry.Tx) {
			roomExists = tx.RoomExists(target)
			isMember = tx.IsMember(id, target)
			if isMember {
				for _, member := range tx.Members(target) {
					if member != id {
						recipients = append(recipients, member)
					}
				}
			}
		})

		if !roomExists {
			e.numeric(id, sender, "403", target, "No such channel")
			return
		}
		if !isMember {
			e.numeric(id, sender, "404", target, "Cannot send to channel")
			return
		}
		for _, peer := range recipients {
			e.Sender.Send(peer, out)
		}
		return
	}

	var destID registry.ConnID
	var ok bool
	e.Reg.Do(func(tx *registry.Tx) { destID, ok = tx.Lookup(target) })
	if !ok {
		e.numeric(id, sender, "401", target, "No such nick/channel")
		return
	}
	e.Sender.Send(destID, out)
}

func (e *Engine) handleJoin(id registry.ConnID, m irc.Message) {
	if len(m.Params) < 1 || len(m.Params[0]) == 0 {
		e.numeric(id, e.targetFor(id), "461", "JOIN", "Not enough parameters")
		return
	}

	nick := e.targetFor(id)

	for _, room := range strings.Split(m.Params[0], ",") {
		if len(room) == 0 {
			continue
		}

		if !validRoom(room) {
			e.numeric(id, nick, "403", room, "No such channel")
			continue
		}

		var alreadyMember bool
		var members []registry.ConnID
		e.Reg.Do(func(tx *registry.Tx) {
			alreadyMember = tx.Join(id, room)
			members = tx.Members(room)
		})

		if alreadyMember {
			continue
		}

		joinMsg := irc.Message{Prefix: nick, Command: "JOIN", Params: []string{room}}

		for _, member := range members {
			if member == id {
				continue
			}
			e.Sender.Send(member, joinMsg)
		}

		e.Sender.Send(id, joinMsg)

		e.sendNames(id, room)
	}
}

func (e *Engine) handlePart(id registry.ConnID, m irc.Message) {
	if len(m.Params) < 1 || len(m.Params[0]) == 0 {
		e.numeric(id, e.targetFor(id), "461", "PART", "Not enough parameters")
		return
	}

	nick := e.targetFor(id)

	for _, room := range strings.Split(m.Params[0], ",") {
		if len(room) == 0 {
			continue
		}

		var wasMember bool
		e.Reg.Do(func(tx *registry.Tx) { wasMember = tx.IsMember(id, room) })
		if !wasMember {
			e.numeric(id, nick, "442", room, "You're not on that channel")
			continue
		}

		var audience []registry.ConnID
		e.Reg.Do(func(tx *registry.Tx) { audience = tx.Members(room) })

		e.Reg.Do(func(tx *registry.Tx) { _ = tx.Leave(id, room) })

		partMsg := irc.Message{Prefix: nick, Command: "PART", Params: []string{room}}
		for _, member := range audience {
			e.Sender.Send(member, partMsg)
		}
	}
}

func (e *Engine) handleLusers(id registry.ConnID) {
	var conns, nicks, rooms int
	e.Reg.Do(func(tx *registry.Tx) { conns, nicks, rooms = tx.Stats() })

	nick := e.targetFor(id)
	e.numeric(id, nick, "251", fmt.Sprintf("There are %d users on 1 server", nicks))
	e.numeric(id, nick, "252", "0", "operator(s) online")
	e.numeric(id, nick, "254", fmt.Sprintf("%d", rooms), "channels formed")
	e.numeric(id, nick, "255", fmt.Sprintf("I have %d clients and 1 server", conns))
}

func (e *Engine) handleMotd(id registry.ConnID) {
	e.sendMotd(id, e.targetFor(id))
}

func (e *Engine) sendMotd(id registry.ConnID, nick string) {
	if len(e.MOTD) == 0 {
		e.numeric(id, nick, "422", "MOTD File is missing")
		return
	}

	e.numeric(id, nick, "375", fmt.Sprintf("- %s Message of the day -", e.ServerName))
	for _, line := range strings.Split(e.MOTD, "\n") {
		e.numeric(id, nick, "372", "- "+line)
	}
	e.numeric(id, nick, "376", "End of MOTD command")
}
