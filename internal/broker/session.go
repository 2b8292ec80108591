package broker

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Burningfoam/IOT-Gateway-Server/internal/protocol"
)

const (
	// Time allowed to write a document to the peer.
	writeWait = 10 * time.Second

	// Initial scanner buffer; one read chunk from an embedded client.
	readBufferSize = 4 * 1024

	// Maximum size of a single inbound document.
	maxDocumentSize = 512 * 1024
)

// Session owns one live TCP connection and runs its read-dispatch-respond
// cycle. Inbound documents are newline-delimited JSON; the per-connection
// buffer reassembles documents split across reads and separates documents
// that arrive together.
type Session struct {
	id     string
	conn   net.Conn
	broker *Broker
	log    zerolog.Logger

	writeMu sync.Mutex
}

func newSession(conn net.Conn, b *Broker, log zerolog.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		conn:   conn,
		broker: b,
		log: log.With().
			Str("component", "session").
			Str("conn_id", id).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
}

// ID returns the connection identifier.
func (s *Session) ID() string {
	return s.id
}

// run reads documents until the peer disconnects, a transport error
// occurs, or the connection is closed out from under a blocked read at
// shutdown. It deregisters itself on the way out.
func (s *Session) run() {
	defer func() {
		s.broker.dropSession(s)
		_ = s.conn.Close()
		s.log.Debug().Msg("session closed")
	}()

	s.log.Debug().Msg("session started")

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, readBufferSize), maxDocumentSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg protocol.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			// Malformed document: drop it, keep the connection.
			s.broker.metrics.DecodeErrors.Inc()
			s.log.Warn().Err(err).Str("data", string(line)).Msg("dropping malformed document")
			continue
		}

		resp := s.broker.dispatch(s, &msg)
		if resp == nil {
			continue
		}
		if err := s.Send(resp); err != nil {
			s.log.Debug().Err(err).Msg("response send failed")
			return
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
		s.log.Debug().Err(err).Msg("read error")
	}
}

// Send writes one newline-terminated document to the connection. Safe for
// concurrent use: responses, broadcasts and threshold pushes may target
// the same connection from different goroutines.
func (s *Session) Send(msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	_, err = s.conn.Write(data)
	return err
}

// Close force-closes the connection, unblocking the read loop.
func (s *Session) Close() {
	_ = s.conn.Close()
}
