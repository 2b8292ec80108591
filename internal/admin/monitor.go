package admin

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Burningfoam/IOT-Gateway-Server/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Monitor fans broadcast data snapshots out to read-only WebSocket
// viewers. It satisfies the broker's Monitor interface.
type Monitor struct {
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	viewers map[*viewer]bool
}

type viewer struct {
	conn *websocket.Conn
	send chan []byte
}

// NewMonitor creates an empty monitor hub.
func NewMonitor(log zerolog.Logger) *Monitor {
	return &Monitor{
		log: log.With().Str("component", "monitor").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		viewers: make(map[*viewer]bool),
	}
}

// BroadcastSnapshot sends a data snapshot to every connected viewer.
// Best-effort: a viewer with a full send buffer is skipped.
func (m *Monitor) BroadcastSnapshot(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	m.mu.RLock()
	viewers := make([]*viewer, 0, len(m.viewers))
	for v := range m.viewers {
		viewers = append(viewers, v)
	}
	m.mu.RUnlock()

	for _, v := range viewers {
		select {
		case v.send <- data:
		default:
			// Viewer send buffer full, skip
		}
	}
}

// ViewerCount returns the number of connected viewers.
func (m *Monitor) ViewerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.viewers)
}

// handleWS upgrades the request and runs the viewer's pumps.
func (m *Monitor) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	v := &viewer{
		conn: conn,
		send: make(chan []byte, 64),
	}

	m.mu.Lock()
	m.viewers[v] = true
	m.mu.Unlock()
	m.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("viewer connected")

	go m.writePump(v)
	m.readPump(v)
}

// readPump discards inbound frames; viewers are read-only. It exists to
// notice disconnects and service pongs.
func (m *Monitor) readPump(v *viewer) {
	defer m.dropViewer(v)

	_ = v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		_ = v.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			return
		}
		_ = v.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

func (m *Monitor) writePump(v *viewer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = v.conn.Close()
	}()

	for {
		select {
		case data, ok := <-v.send:
			_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = v.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := v.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (m *Monitor) dropViewer(v *viewer) {
	m.mu.Lock()
	if _, ok := m.viewers[v]; ok {
		delete(m.viewers, v)
		close(v.send)
	}
	m.mu.Unlock()
	_ = v.conn.Close()
	m.log.Debug().Msg("viewer disconnected")
}
