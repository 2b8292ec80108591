// Package broker implements the relay core: per-connection sessions, the
// command dispatcher, broadcast fan-out to operators, and the threshold
// correlator that bridges an operator's request to a field unit's reply.
package broker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Burningfoam/IOT-Gateway-Server/internal/metrics"
	"github.com/Burningfoam/IOT-Gateway-Server/internal/protocol"
	"github.com/Burningfoam/IOT-Gateway-Server/internal/store"
)

// Archiver journals accepted uploads and threshold changes. Optional.
type Archiver interface {
	RecordUpload(deviceID string, data protocol.DeviceData) error
	RecordThresholds(deviceID string, tempThreshold, moistureThreshold float64) error
}

// Publisher pushes accepted uploads to an external event bus. Optional.
type Publisher interface {
	PublishTelemetry(deviceID string, data protocol.DeviceData) error
}

// Monitor receives every broadcast data snapshot, for read-only live
// viewers outside the TCP protocol. Optional.
type Monitor interface {
	BroadcastSnapshot(msg *protocol.Message)
}

// Broker owns the live state and brokers messages between sessions.
type Broker struct {
	log        zerolog.Logger
	devices    *store.DeviceStore
	clients    *store.ClientRegistry
	metrics    *metrics.Metrics
	correlator *correlator
	ackTimeout time.Duration

	archive Archiver
	events  Publisher
	monitor Monitor

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option configures optional broker collaborators.
type Option func(*Broker)

// WithArchiver attaches a telemetry journal.
func WithArchiver(a Archiver) Option {
	return func(b *Broker) { b.archive = a }
}

// WithPublisher attaches an event publisher.
func WithPublisher(p Publisher) Option {
	return func(b *Broker) { b.events = p }
}

// WithMonitor attaches a live-snapshot monitor.
func WithMonitor(m Monitor) Option {
	return func(b *Broker) { b.monitor = m }
}

// New creates a broker with empty stores.
func New(log zerolog.Logger, met *metrics.Metrics, ackTimeout time.Duration, opts ...Option) *Broker {
	b := &Broker{
		log:        log.With().Str("component", "broker").Logger(),
		devices:    store.NewDeviceStore(),
		clients:    store.NewClientRegistry(),
		metrics:    met,
		correlator: newCorrelator(),
		ackTimeout: ackTimeout,
		sessions:   make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Devices returns a snapshot of all device records.
func (b *Broker) Devices() map[string]protocol.DeviceData {
	return b.devices.Snapshot()
}

// Clients returns a snapshot of all live registrations.
func (b *Broker) Clients() []store.Registration {
	return b.clients.All()
}

func (b *Broker) addSession(s *Session) {
	b.mu.Lock()
	b.sessions[s.id] = s
	b.mu.Unlock()

	b.clients.Add(s.id)
	b.metrics.ActiveConnections.Inc()
}

// dropSession tears down everything the broker knows about a session. Any
// operator still waiting on this connection's ack resolves as not
// responded.
func (b *Broker) dropSession(s *Session) {
	b.mu.Lock()
	if b.sessions[s.id] != s {
		b.mu.Unlock()
		return
	}
	delete(b.sessions, s.id)
	b.mu.Unlock()

	b.clients.Remove(s.id)
	b.correlator.fail(s.id)
	b.metrics.ActiveConnections.Dec()
}

func (b *Broker) session(connID string) *Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessions[connID]
}

// broadcast pushes the current snapshot for a device to every operator
// connection. The fan-out is deliberately unfiltered by the operator's
// requested device id, matching the upstream protocol that operator
// clients already speak. Best-effort: one slow or dead operator never
// blocks the rest.
func (b *Broker) broadcast(deviceID string) {
	data, ok := b.devices.Read(deviceID)
	if !ok {
		return
	}
	msg := protocol.NewDataResponse(deviceID, data)

	for _, reg := range b.clients.All() {
		if reg.Role != store.RoleOperator {
			continue
		}
		s := b.session(reg.ConnID)
		if s == nil {
			continue
		}
		if err := s.Send(msg); err != nil {
			b.log.Debug().Err(err).Str("conn_id", reg.ConnID).Msg("broadcast send failed")
			continue
		}
		b.metrics.Broadcasts.Inc()
	}

	if b.monitor != nil {
		b.monitor.BroadcastSnapshot(msg)
	}
}

// CloseSessions force-closes every live connection, unblocking their read
// loops. Used at shutdown.
func (b *Broker) CloseSessions() {
	b.mu.RLock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
}
