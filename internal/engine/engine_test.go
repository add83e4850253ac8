package engine

import (
	"testing"

	"github.com/horgh/irc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/relaycore/internal/registry"
)

// fakeSender records every outbound message per connection, in order,
// and tracks which connections were closed.
type fakeSender struct {
	sent   map[registry.ConnID][]irc.Message
	closed map[registry.ConnID]bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		sent:   make(map[registry.ConnID][]irc.Message),
		closed: make(map[registry.ConnID]bool),
	}
}

func (f *fakeSender) Send(id registry.ConnID, msg irc.Message) {
	f.sent[id] = append(f.sent[id], msg)
}

func (f *fakeSender) Close(id registry.ConnID) {
	f.closed[id] = true
}

func newTestEngine() (*Engine, *fakeSender) {
	sender := newFakeSender()
	eng := New(registry.New(), sender, "server", "")
	return eng, sender
}

func commands(msgs []irc.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Command
	}
	return out
}

func TestRegistrationDefaultIsExactlyWelcomeThenNoMOTD(t *testing.T) {
	eng, sender := newTestEngine()
	var alice registry.ConnID = 1

	eng.Attach(alice)
	eng.HandleLine(alice, "NICK alice\r\n")

	require.Equal(t, []string{"001", "422"}, commands(sender.sent[alice]))
}

func TestNickRenameBroadcastsToAudience(t *testing.T) {
	eng, sender := newTestEngine()
	var alice, bob registry.ConnID = 1, 2

	eng.Attach(alice)
	eng.Attach(bob)
	eng.HandleLine(alice, "NICK alice\r\n")
	eng.HandleLine(bob, "NICK bob\r\n")
	eng.HandleLine(alice, "JOIN #room\r\n")
	eng.HandleLine(bob, "JOIN #room\r\n")

	sender.sent[alice] = nil
	sender.sent[bob] = nil

	eng.HandleLine(alice, "NICK alicia\r\n")

	require.Len(t, sender.sent[alice], 1)
	assert.Equal(t, "NICK", sender.sent[alice][0].Command)
	assert.Equal(t, "alice", sender.sent[alice][0].Prefix)
	assert.Equal(t, []string{"alicia"}, sender.sent[alice][0].Params)

	require.Len(t, sender.sent[bob], 1)
	assert.Equal(t, "NICK", sender.sent[bob][0].Command)
}

func TestNickSameCaseFoldIsNoop(t *testing.T) {
	eng, sender := newTestEngine()
	var alice registry.ConnID = 1

	eng.Attach(alice)
	eng.HandleLine(alice, "NICK alice\r\n")
	sender.sent[alice] = nil

	eng.HandleLine(alice, "NICK Alice\r\n")

	assert.Empty(t, sender.sent[alice])
}

func TestNickCollisionYields433(t *testing.T) {
	eng, sender := newTestEngine()
	var alice, bob registry.ConnID = 1, 2

	eng.Attach(alice)
	eng.Attach(bob)

	eng.HandleLine(alice, "NICK alice\r\n")
	eng.HandleLine(bob, "NICK alice\r\n")

	require.Equal(t, []string{"001", "422"}, commands(sender.sent[alice]))
	require.Equal(t, []string{"433"}, commands(sender.sent[bob]))
}

func TestCommandBeforeRegistrationYields451(t *testing.T) {
	eng, sender := newTestEngine()
	var alice registry.ConnID = 1

	eng.Attach(alice)
	eng.HandleLine(alice, "PRIVMSG bob :hi\r\n")

	require.Equal(t, []string{"451"}, commands(sender.sent[alice]))
}

func TestDirectPrivmsgDeliversToTargetOnly(t *testing.T) {
	eng, sender := newTestEngine()
	var alice, bob registry.ConnID = 1, 2

	eng.Attach(alice)
	eng.Attach(bob)
	eng.HandleLine(alice, "NICK alice\r\n")
	eng.HandleLine(bob, "NICK bob\r\n")

	sender.sent[alice] = nil
	sender.sent[bob] = nil

	eng.HandleLine(alice, "PRIVMSG bob :hello there\r\n")

	require.Len(t, sender.sent[bob], 1)
	got := sender.sent[bob][0]
	assert.Equal(t, "PRIVMSG", got.Command)
	assert.Equal(t, "alice", got.Prefix)
	assert.Equal(t, []string{"bob", "hello there"}, got.Params)
	assert.Empty(t, sender.sent[alice])
}

func TestPrivmsgUnknownNickYields401(t *testing.T) {
	eng, sender := newTestEngine()
	var alice registry.ConnID = 1

	eng.Attach(alice)
	eng.HandleLine(alice, "NICK alice\r\n")
	sender.sent[alice] = nil

	eng.HandleLine(alice, "PRIVMSG ghost :hello\r\n")

	require.Equal(t, []string{"401"}, commands(sender.sent[alice]))
}

func TestJoinBroadcastsThenEchoesThenSendsNames(t *testing.T) {
	eng, sender := newTestEngine()
	var alice, bob registry.ConnID = 1, 2

	eng.Attach(alice)
	eng.Attach(bob)
	eng.HandleLine(alice, "NICK alice\r\n")
	eng.HandleLine(bob, "NICK bob\r\n")

	eng.HandleLine(alice, "JOIN #room\r\n")
	sender.sent[alice] = nil
	sender.sent[bob] = nil

	eng.HandleLine(bob, "JOIN #room\r\n")

	// alice (existing member) gets only the broadcasted JOIN.
	require.Equal(t, []string{"JOIN"}, commands(sender.sent[alice]))

	// bob (joiner) gets its own JOIN echo, then 353/366 NAMES.
	require.Equal(t, []string{"JOIN", "353", "366"}, commands(sender.sent[bob]))
}

func TestJoinIsIdempotent(t *testing.T) {
	eng, sender := newTestEngine()
	var alice registry.ConnID = 1

	eng.Attach(alice)
	eng.HandleLine(alice, "NICK alice\r\n")
	eng.HandleLine(alice, "JOIN #room\r\n")
	sender.sent[alice] = nil

	eng.HandleLine(alice, "JOIN #room\r\n")

	assert.Empty(t, sender.sent[alice])
}

func TestChannelPrivmsgExcludesSender(t *testing.T) {
	eng, sender := newTestEngine()
	var alice, bob, carol registry.ConnID = 1, 2, 3

	for _, id := range []registry.ConnID{alice, bob, carol} {
		eng.Attach(id)
	}
	eng.HandleLine(alice, "NICK alice\r\n")
	eng.HandleLine(bob, "NICK bob\r\n")
	eng.HandleLine(carol, "NICK carol\r\n")

	eng.HandleLine(alice, "JOIN #room\r\n")
	eng.HandleLine(bob, "JOIN #room\r\n")
	eng.HandleLine(carol, "JOIN #room\r\n")

	sender.sent[alice] = nil
	sender.sent[bob] = nil
	sender.sent[carol] = nil

	eng.HandleLine(alice, "PRIVMSG #room :hi all\r\n")

	assert.Empty(t, sender.sent[alice])
	require.Len(t, sender.sent[bob], 1)
	require.Len(t, sender.sent[carol], 1)
	assert.Equal(t, "PRIVMSG", sender.sent[bob][0].Command)
}

func TestPrivmsgToChannelNotMemberOfYields404(t *testing.T) {
	eng, sender := newTestEngine()
	var alice registry.ConnID = 1

	var bob registry.ConnID = 2

	eng.Attach(alice)
	eng.Attach(bob)
	eng.HandleLine(alice, "NICK alice\r\n")
	eng.HandleLine(bob, "NICK bob\r\n")
	eng.HandleLine(bob, "JOIN #room\r\n")
	sender.sent[alice] = nil

	eng.HandleLine(alice, "PRIVMSG #room :hi\r\n")

	require.Equal(t, []string{"404"}, commands(sender.sent[alice]))
}

func TestQuitFansOutAndClosesSender(t *testing.T) {
	eng, sender := newTestEngine()
	var alice, bob registry.ConnID = 1, 2

	eng.Attach(alice)
	eng.Attach(bob)
	eng.HandleLine(alice, "NICK alice\r\n")
	eng.HandleLine(bob, "NICK bob\r\n")
	eng.HandleLine(alice, "JOIN #room\r\n")
	eng.HandleLine(bob, "JOIN #room\r\n")

	sender.sent[bob] = nil

	eng.HandleLine(alice, "QUIT :goodbye\r\n")

	require.Len(t, sender.sent[bob], 1)
	assert.Equal(t, "QUIT", sender.sent[bob][0].Command)
	assert.Equal(t, "alice", sender.sent[bob][0].Prefix)
	assert.True(t, sender.closed[alice])

	var stillExists bool
	eng.Reg.Do(func(tx *registry.Tx) { _, stillExists = tx.Lookup("alice") })
	assert.False(t, stillExists)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	eng, sender := newTestEngine()
	var alice registry.ConnID = 1

	eng.Attach(alice)
	eng.HandleLine(alice, "NICK alice\r\n")

	eng.Disconnect(alice, "bye")
	eng.Disconnect(alice, "bye again")

	assert.True(t, sender.closed[alice])
}

func TestUnknownCommandYields421(t *testing.T) {
	eng, sender := newTestEngine()
	var alice registry.ConnID = 1

	eng.Attach(alice)
	eng.HandleLine(alice, "NICK alice\r\n")
	sender.sent[alice] = nil

	eng.HandleLine(alice, "FROBNICATE\r\n")

	require.Equal(t, []string{"421"}, commands(sender.sent[alice]))
}

func TestPingRepliesWithPong(t *testing.T) {
	eng, sender := newTestEngine()
	var alice registry.ConnID = 1

	eng.Attach(alice)
	eng.HandleLine(alice, "PING :abc123\r\n")

	require.Len(t, sender.sent[alice], 1)
	got := sender.sent[alice][0]
	assert.Equal(t, "PONG", got.Command)
	assert.Equal(t, []string{"server", "abc123"}, got.Params)
}

func TestRequireUserGatesWelcomeOnBothNickAndUser(t *testing.T) {
	sender := newFakeSender()
	eng := New(registry.New(), sender, "server", "")
	eng.RequireUser = true

	var alice registry.ConnID = 1
	eng.Attach(alice)

	eng.HandleLine(alice, "NICK alice\r\n")
	assert.Empty(t, sender.sent[alice], "NICK alone must not complete registration")

	eng.HandleLine(alice, "USER alice 0 * :Alice Example\r\n")
	require.NotEmpty(t, sender.sent[alice])
	assert.Equal(t, "001", sender.sent[alice][0].Command)
	require.Contains(t, commands(sender.sent[alice]), "004")
}

func TestLusersReportsCounts(t *testing.T) {
	eng, sender := newTestEngine()
	var alice, bob registry.ConnID = 1, 2

	eng.Attach(alice)
	eng.Attach(bob)
	eng.HandleLine(alice, "NICK alice\r\n")
	eng.HandleLine(bob, "NICK bob\r\n")
	eng.HandleLine(alice, "JOIN #room\r\n")

	sender.sent[alice] = nil
	eng.HandleLine(alice, "LUSERS\r\n")

	require.Equal(t, []string{"251", "252", "254", "255"}, commands(sender.sent[alice]))
}
