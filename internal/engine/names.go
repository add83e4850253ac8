package engine

import (
	"strings"

	"github.com/horgh/irc"

	"github.com/relaycore/relaycore/internal/registry"
)

// sendNames emits the 353/366 NAMES listing for room to id. 353's nick
// list is packed as many names to a line as fit under the wire cap,
// matching the real codec's own truncation boundary rather than a fixed
// count: a line is flushed and a fresh one started the moment adding the
// next nick would make irc.Message.Encode report irc.ErrTruncated.
func (e *Engine) sendNames(id registry.ConnID, room string) {
	nick := e.targetFor(id)

	var names []string
	var display string
	e.Reg.Do(func(tx *registry.Tx) {
		names = tx.MemberNicks(room)
		display, _ = tx.RoomDisplay(room)
	})
	if len(display) == 0 {
		display = room
	}

	for _, line := range buildNamesLines(e.ServerName, nick, display, names) {
		e.numeric(id, nick, "353", "=", display, line)
	}
	e.numeric(id, nick, "366", display, "End of /NAMES list.")
}

// buildNamesLines packs names into space-joined lines, each short enough
// that a 353 reply carrying it would not be truncated by the wire codec.
func buildNamesLines(server, nick, display string, names []string) []string {
	if len(names) == 0 {
		return []string{""}
	}

	var lines []string
	var current []string

	flush := func() {
		if len(current) > 0 {
			lines = append(lines, strings.Join(current, " "))
			current = nil
		}
	}

	for _, n := range names {
		candidate := append(append([]string{}, current...), n)
		probe := irc.Message{
			Prefix:  server,
			Command: "353",
			Params:  []string{nick, "=", display, strings.Join(candidate, " ")},
		}
		if _, err := probe.Encode(); err == irc.ErrTruncated && len(current) > 0 {
			flush()
			current = []string{n}
			continue
		}
		current = candidate
	}
	flush()

	if len(lines) == 0 {
		return []string{""}
	}
	return lines
}
