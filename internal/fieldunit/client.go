package fieldunit

import (
	"bufio"
	"context"
	"encoding/json"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Burningfoam/IOT-Gateway-Server/internal/protocol"
)

// Connection parameters.
const (
	dialTimeout    = 10 * time.Second
	writeWait      = 10 * time.Second
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
)

// Client maintains the TCP connection to the broker, uploading telemetry
// periodically and answering threshold pushes with acks.
type Client struct {
	cfg *Config
	log zerolog.Logger

	mu    sync.Mutex
	conn  net.Conn
	state protocol.DeviceData

	backoff time.Duration
}

// New creates a field-unit client with a plausible telemetry baseline.
func New(cfg *Config, log zerolog.Logger) *Client {
	return &Client{
		cfg: cfg,
		log: log.With().Str("component", "fieldunit").Str("device_id", cfg.DeviceID).Logger(),
		state: protocol.DeviceData{
			Temperature:       22.0,
			SoilMoisture:      45.0,
			TempThreshold:     30.0,
			MoistureThreshold: 20.0,
		},
		backoff: initialBackoff,
	}
}

// Run connects to the broker and maintains the connection, reconnecting
// with exponential backoff. It blocks until the context is cancelled.
func (c *Client) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.log.Debug().Msg("context cancelled, stopping")
			return
		default:
		}

		conn, err := c.connect()
		if err != nil {
			c.log.Error().Err(err).Dur("backoff", c.backoff).Msg("connection failed, retrying")
			c.waitBackoff(ctx)
			continue
		}

		// Connected - reset backoff
		c.backoff = initialBackoff

		done := make(chan struct{})
		go c.uploadLoop(ctx, done)

		c.readLoop(ctx, conn)
		close(done)

		c.waitBackoff(ctx)
	}
}

func (c *Client) connect() (net.Conn, error) {
	c.log.Debug().Str("addr", c.cfg.BrokerAddr).Msg("connecting")

	conn, err := net.DialTimeout("tcp", c.cfg.BrokerAddr, dialTimeout)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.log.Info().Str("addr", c.cfg.BrokerAddr).Msg("connected to broker")

	// First upload doubles as the registration that classifies this
	// connection as the device's field unit.
	if err := c.sendUpload(); err != nil {
		c.log.Error().Err(err).Msg("initial upload failed")
		conn.Close()
		return nil, err
	}

	return conn, nil
}

// readLoop handles documents from the broker until disconnect.
func (c *Client) readLoop(ctx context.Context, conn net.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
		c.log.Warn().Msg("disconnected from broker")
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg protocol.Message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.log.Warn().Err(err).Str("data", string(line)).Msg("failed to parse message")
			continue
		}

		c.handleMessage(&msg)
	}
}

func (c *Client) handleMessage(msg *protocol.Message) {
	switch msg.Command {
	case protocol.CmdUpdateThreshold:
		if !msg.HasThresholds() {
			c.log.Warn().Msg("threshold push without thresholds")
			return
		}
		c.mu.Lock()
		c.state.TempThreshold = *msg.TempThreshold
		c.state.MoistureThreshold = *msg.MoistureThreshold
		c.mu.Unlock()

		c.log.Info().
			Float64("temp_threshold", *msg.TempThreshold).
			Float64("moisture_threshold", *msg.MoistureThreshold).
			Msg("thresholds updated")

		if err := c.send(protocol.NewAck(c.cfg.DeviceID, protocol.StatusSuccess)); err != nil {
			c.log.Error().Err(err).Msg("failed to send ack")
		}

	case protocol.CmdAck:
		// Broker's reply to our upload.
		if msg.Status != protocol.StatusSuccess {
			c.log.Warn().Str("status", msg.Status).Msg("upload not accepted")
		}

	default:
		c.log.Debug().Str("command", msg.Command).Msg("ignoring message")
	}
}

// uploadLoop sends telemetry on the configured interval while the current
// connection lives.
func (c *Client) uploadLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.UploadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			c.drift()
			if err := c.sendUpload(); err != nil {
				c.log.Debug().Err(err).Msg("upload failed")
				return
			}
		}
	}
}

// drift nudges the simulated telemetry so consecutive uploads differ.
func (c *Client) drift() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Temperature += rand.Float64()*2 - 1
	c.state.SoilMoisture += rand.Float64()*4 - 2
	if c.state.SoilMoisture < 0 {
		c.state.SoilMoisture = 0
	}
	c.state.Watering = c.state.SoilMoisture < c.state.MoistureThreshold
}

func (c *Client) sendUpload() error {
	c.mu.Lock()
	data := c.state
	c.mu.Unlock()

	return c.send(&protocol.Message{
		Command:  protocol.CmdUpload,
		DeviceID: c.cfg.DeviceID,
		Data:     &data,
	})
}

// send writes one newline-terminated document to the broker.
func (c *Client) send(msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return net.ErrClosed
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}

// State returns the unit's current telemetry and thresholds.
func (c *Client) State() protocol.DeviceData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// waitBackoff waits for the current backoff duration.
func (c *Client) waitBackoff(ctx context.Context) {
	timer := time.NewTimer(c.backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	// Exponential backoff
	c.backoff *= 2
	if c.backoff > maxBackoff {
		c.backoff = maxBackoff
	}
}
