// Package events publishes accepted telemetry uploads to NATS so other
// systems can consume the stream without speaking the device protocol.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/Burningfoam/IOT-Gateway-Server/internal/protocol"
)

const subjectPrefix = "iotgw.telemetry."

// Publisher pushes telemetry events to a NATS server. Publishing is
// best-effort: the broker never blocks dispatch on the bus.
type Publisher struct {
	log  zerolog.Logger
	conn *nats.Conn
}

// telemetryEvent is the published payload.
type telemetryEvent struct {
	DeviceID   string              `json:"device_id"`
	Data       protocol.DeviceData `json:"data"`
	ReceivedAt time.Time           `json:"received_at"`
}

// Connect dials the NATS server and keeps reconnecting for the process
// lifetime.
func Connect(url string, log zerolog.Logger) (*Publisher, error) {
	l := log.With().Str("component", "events").Logger()

	conn, err := nats.Connect(url,
		nats.Name("iotgw"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}

	l.Info().Str("url", url).Msg("connected to nats")
	return &Publisher{log: l, conn: conn}, nil
}

// PublishTelemetry publishes one upload to iotgw.telemetry.<device_id>.
func (p *Publisher) PublishTelemetry(deviceID string, data protocol.DeviceData) error {
	payload, err := json.Marshal(telemetryEvent{
		DeviceID:   deviceID,
		Data:       data,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return p.conn.Publish(subjectPrefix+deviceID, payload)
}

// Close drains the connection, flushing buffered publishes.
func (p *Publisher) Close() {
	if err := p.conn.Drain(); err != nil {
		p.log.Debug().Err(err).Msg("nats drain failed")
	}
}
