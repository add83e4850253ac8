// Package conn drives a single client connection: it frames the byte
// stream into lines, hands parsed protocol messages to the engine, and
// serializes outbound writes through a per-connection channel.
package conn

import (
	"bufio"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/horgh/irc"

	"github.com/relaycore/relaycore/internal/engine"
	"github.com/relaycore/relaycore/internal/registry"
)

// Transport is the collaborator a Conn drives. net.Conn satisfies it.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
	SetDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

// Conn owns one client's read loop, write loop, and send queue.
type Conn struct {
	ID        registry.ConnID
	Transport Transport
	Engine    *engine.Engine

	// WriteChan serializes outbound messages: every write to the
	// transport happens on the single goroutine draining this channel, so
	// concurrent Send calls never interleave partial writes.
	WriteChan chan irc.Message

	// IOWait bounds how long a read or write may block before the
	// connection is considered dead. Zero disables deadlines, which tests
	// using net.Pipe rely on.
	IOWait time.Duration

	reader *bufio.Reader

	activityMu   sync.Mutex
	lastActivity time.Time

	closeOnce sync.Once
}

// New wraps transport for connection id, driven by eng.
func New(id registry.ConnID, transport Transport, eng *engine.Engine, ioWait time.Duration) *Conn {
	return &Conn{
		ID:           id,
		Transport:    transport,
		Engine:       eng,
		WriteChan:    make(chan irc.Message, 16),
		IOWait:       ioWait,
		reader:       bufio.NewReader(transport),
		lastActivity: time.Now(),
	}
}

// Idle returns how long it has been since the connection last
// successfully read a line from its client.
func (c *Conn) Idle() time.Duration {
	c.activityMu.Lock()
	defer c.activityMu.Unlock()
	return time.Since(c.lastActivity)
}

func (c *Conn) touch() {
	c.activityMu.Lock()
	c.lastActivity = time.Now()
	c.activityMu.Unlock()
}

// Serve registers the connection with the engine and runs its read and
// write loops, blocking until both have exited. Callers typically invoke
// this in its own goroutine per accepted connection.
func (c *Conn) Serve() {
	c.Engine.Attach(c.ID)

	done := make(chan struct{})
	go func() {
		c.writeLoop()
		close(done)
	}()

	c.readLoop()

	<-done
}

// readLoop endlessly reads CRLF-terminated lines and hands each to the
// engine, until a read error (including a zero-byte/EOF read) ends the
// connection.
func (c *Conn) readLoop() {
	for {
		if c.IOWait > 0 {
			if err := c.Transport.SetDeadline(time.Now().Add(c.IOWait)); err != nil {
				log.Printf("conn %d: set deadline: %s", c.ID, err)
				c.Engine.Disconnect(c.ID, "Connection closed")
				return
			}
		}

		line, err := c.reader.ReadString('\n')
		if err != nil {
			c.Engine.Disconnect(c.ID, "Connection closed")
			return
		}

		c.touch()
		c.Engine.HandleLine(c.ID, line)
	}
}

// writeLoop endlessly drains WriteChan, encoding and writing each message
// to the transport. A message that would exceed the wire cap is still
// sent truncated: irc.ErrTruncated is not a write failure, only a notice
// that the encoded form was shortened.
func (c *Conn) writeLoop() {
	for m := range c.WriteChan {
		buf, err := m.Encode()
		if err != nil && err != irc.ErrTruncated {
			log.Printf("conn %d: encode: %s", c.ID, err)
			continue
		}

		if c.IOWait > 0 {
			if dErr := c.Transport.SetDeadline(time.Now().Add(c.IOWait)); dErr != nil {
				log.Printf("conn %d: set deadline: %s", c.ID, dErr)
				return
			}
		}

		if _, wErr := io.WriteString(c.Transport, buf); wErr != nil {
			log.Printf("conn %d: write: %s", c.ID, wErr)
			return
		}
	}
}

// Send queues msg for delivery. It never blocks the caller beyond the
// channel's buffer; a connection whose writer has already exited drops
// the message rather than panicking on a closed channel, matching the
// engine's send-to-absent-is-a-no-op contract.
func (c *Conn) Send(msg irc.Message) {
	defer func() { _ = recover() }()
	select {
	case c.WriteChan <- msg:
	default:
		// Writer is behind; drop rather than block the registry's single
		// serialization domain.
	}
}

// Close closes the transport and stops the write loop. It is safe to
// call more than once — a connection can be torn down by its own
// read-error path and by an idle sweep racing it — only the first call
// has any effect.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.WriteChan)
		if err := c.Transport.Close(); err != nil {
			log.Printf("conn %d: close: %s", c.ID, err)
		}
	})
}
