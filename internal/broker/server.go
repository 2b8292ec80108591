package broker

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Server accepts TCP connections and spawns one Session per connection,
// unbounded in count.
type Server struct {
	broker *Broker
	log    zerolog.Logger
	base   zerolog.Logger // untagged parent logger for sessions
	addr   string

	ln     net.Listener
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewServer creates a server for the given listen address.
func NewServer(addr string, b *Broker, log zerolog.Logger) *Server {
	return &Server{
		broker: b,
		log:    log.With().Str("component", "server").Logger(),
		base:   log,
		addr:   addr,
	}
}

// Listen binds the listening socket. A bind failure is fatal to the
// caller: the broker serves nothing without it.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	return nil
}

// Addr returns the bound address, useful when listening on ":0".
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Serve runs the accept loop until Shutdown closes the listener. Must be
// called after Listen.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error().Err(err).Msg("accept failed")
			continue
		}

		sess := newSession(conn, s.broker, s.base)
		s.broker.addSession(sess)
		s.log.Info().
			Str("conn_id", sess.ID()).
			Str("remote", conn.RemoteAddr().String()).
			Msg("connection accepted")

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.run()
		}()
	}
}

// Shutdown stops accepting, force-closes every live connection so blocked
// reads return, and waits for all sessions to finish.
func (s *Server) Shutdown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.log.Info().Msg("shutting down")

	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.broker.CloseSessions()
	s.wg.Wait()
}
