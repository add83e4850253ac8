// Package relayd is the embedding program: it owns the TCP listener,
// config loading, and the idle-ping liveness sweep, wiring them to the
// protocol core in internal/engine and internal/registry.
package relayd

import (
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/horgh/irc"
	"github.com/pkg/errors"

	"github.com/relaycore/relaycore/internal/conn"
	"github.com/relaycore/relaycore/internal/engine"
	"github.com/relaycore/relaycore/internal/registry"
)

// Server listens for connections, drives each through internal/conn, and
// sweeps idle connections on a timer. It implements engine.Sender.
type Server struct {
	cfg Config
	reg *registry.Registry
	eng *engine.Engine

	mu     sync.Mutex
	conns  map[registry.ConnID]*conn.Conn
	nextID registry.ConnID

	listener net.Listener
	done     chan struct{}
}

// New builds a Server from cfg. MOTD and server name flow from cfg into
// the underlying engine; Config has no registration-mode setting, so the
// engine always runs with RequireUser false.
func New(cfg Config) *Server {
	reg := registry.New()
	s := &Server{
		cfg:   cfg,
		reg:   reg,
		conns: make(map[registry.ConnID]*conn.Conn),
		done:  make(chan struct{}),
	}
	s.eng = engine.New(reg, s, cfg.ServerName, cfg.MOTD)
	return s
}

// Run binds the listener and blocks, accepting connections and running
// the idle-ping sweep, until Shutdown is called.
func (s *Server) Run() error {
	addr := net.JoinHostPort(s.cfg.ListenHost, s.cfg.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "binding listener")
	}
	s.listener = ln

	log.Printf("Listening on %s", addr)

	go s.sweepIdle()

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				log.Printf("Accept error: %s", err)
				continue
			}
		}
		s.acceptOne(c)
	}
}

func (s *Server) acceptOne(transport net.Conn) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.mu.Unlock()

	c := conn.New(id, transport, s.eng, 0)

	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()

	go func() {
		c.Serve()
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
	}()
}

// Shutdown stops accepting new connections. Already-accepted connections
// run to completion on their own.
func (s *Server) Shutdown() {
	close(s.done)
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// Send implements engine.Sender by handing the message to the
// connection's write queue, a no-op if the connection is unknown.
func (s *Server) Send(id registry.ConnID, msg irc.Message) {
	s.mu.Lock()
	c, ok := s.conns[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	c.Send(msg)
}

// Close implements engine.Sender by closing the connection's transport.
func (s *Server) Close(id registry.ConnID) {
	s.mu.Lock()
	c, ok := s.conns[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	c.Close()
}

// sweepIdle wakes once a second, the same cadence the pattern this is
// grounded on uses, and checks every connection's idle time against
// PingTime and DeadTime.
func (s *Server) sweepIdle() {
	if s.cfg.PingTime <= 0 {
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.checkAndPingClients()
		}
	}
}

func (s *Server) checkAndPingClients() {
	s.mu.Lock()
	snapshot := make(map[registry.ConnID]*conn.Conn, len(s.conns))
	for id, c := range s.conns {
		snapshot[id] = c
	}
	s.mu.Unlock()

	for id, c := range snapshot {
		idle := c.Idle()

		var registered bool
		s.reg.Do(func(tx *registry.Tx) { registered = tx.IsRegistered(id) })

		if !registered {
			if idle > s.cfg.DeadTime {
				s.eng.Disconnect(id, "Idle too long")
			}
			continue
		}

		if idle <= s.cfg.PingTime {
			continue
		}

		if idle > s.cfg.DeadTime {
			s.eng.Disconnect(id, fmt.Sprintf("Ping timeout: %d seconds", int(idle.Seconds())))
			continue
		}

		s.Send(id, irc.Message{
			Prefix:  s.cfg.ServerName,
			Command: "PING",
			Params:  []string{s.cfg.ServerName},
		})
	}
}
