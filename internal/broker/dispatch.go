package broker

import (
	"time"

	"github.com/Burningfoam/IOT-Gateway-Server/internal/protocol"
)

// dispatch routes one inbound document. The returned message is the single
// response the session writes back, or nil when the command produces none
// (acknowledgements from field units are consumed, never answered).
func (b *Broker) dispatch(s *Session, msg *protocol.Message) *protocol.Message {
	b.metrics.CommandsReceived.WithLabelValues(msg.Command).Inc()

	switch msg.Command {
	case protocol.CmdUpload:
		return b.handleUpload(s, msg)

	case protocol.CmdGetData:
		return b.handleGetData(s, msg)

	case protocol.CmdSetThreshold:
		return b.handleSetThreshold(s, msg)

	case protocol.CmdAck:
		return b.handleAck(s, msg)

	default:
		b.log.Warn().Str("command", msg.Command).Str("conn_id", s.id).Msg("unknown command")
		return protocol.NewAck(msg.DeviceID, protocol.StatusUnknownCommand)
	}
}

// handleUpload stores the full record, classifies the connection as the
// device's field unit, and fans the fresh snapshot out to operators.
func (b *Broker) handleUpload(s *Session, msg *protocol.Message) *protocol.Message {
	if msg.Data == nil {
		return protocol.NewAck(msg.DeviceID, protocol.StatusUnknownCommand)
	}

	b.devices.Upsert(msg.DeviceID, *msg.Data)

	if displaced := b.clients.ClassifyDevice(s.id, msg.DeviceID); displaced != "" {
		// A second connection claimed an already-claimed device id: the
		// newcomer wins, the stale connection is closed.
		b.log.Warn().
			Str("device_id", msg.DeviceID).
			Str("old_conn_id", displaced).
			Str("new_conn_id", s.id).
			Msg("replaced duplicate device connection")
		if old := b.session(displaced); old != nil {
			old.Close()
		}
	}

	if b.archive != nil {
		if err := b.archive.RecordUpload(msg.DeviceID, *msg.Data); err != nil {
			b.log.Error().Err(err).Str("device_id", msg.DeviceID).Msg("archive write failed")
		}
	}
	if b.events != nil {
		if err := b.events.PublishTelemetry(msg.DeviceID, *msg.Data); err != nil {
			b.log.Debug().Err(err).Str("device_id", msg.DeviceID).Msg("event publish failed")
		}
	}

	b.log.Info().Str("device_id", msg.DeviceID).Msg("telemetry updated")
	b.broadcast(msg.DeviceID)

	return protocol.NewAck(msg.DeviceID, protocol.StatusSuccess)
}

// handleGetData classifies the connection as an operator and answers with
// the stored snapshot.
func (b *Broker) handleGetData(s *Session, msg *protocol.Message) *protocol.Message {
	b.clients.ClassifyOperator(s.id, msg.DeviceID)

	data, ok := b.devices.Read(msg.DeviceID)
	if !ok {
		return protocol.NewAck(msg.DeviceID, protocol.StatusDeviceNotFound)
	}
	return protocol.NewDataResponse(msg.DeviceID, data)
}

// handleSetThreshold updates the stored thresholds unconditionally, then
// forwards the change to the device's live connection and waits for its
// acknowledgement. The wait has a deadline; a device that never answers
// costs the operator ackTimeout, not forever.
func (b *Broker) handleSetThreshold(s *Session, msg *protocol.Message) *protocol.Message {
	b.clients.ClassifyOperator(s.id, msg.DeviceID)

	if !msg.HasThresholds() {
		return protocol.NewAck(msg.DeviceID, protocol.StatusUnknownCommand)
	}
	temp, moisture := *msg.TempThreshold, *msg.MoistureThreshold

	// The store is updated even when no field unit is connected; the new
	// thresholds reach the device with its next upload cycle.
	b.devices.UpdateThresholds(msg.DeviceID, temp, moisture)

	if b.archive != nil {
		if err := b.archive.RecordThresholds(msg.DeviceID, temp, moisture); err != nil {
			b.log.Error().Err(err).Str("device_id", msg.DeviceID).Msg("archive write failed")
		}
	}

	status := b.forwardThresholds(msg.DeviceID, temp, moisture)
	b.metrics.ThresholdResults.WithLabelValues(status).Inc()
	return protocol.NewAck(msg.DeviceID, status)
}

// forwardThresholds pushes the new thresholds to the device's session and
// blocks until its acknowledgement arrives, the device disconnects, or the
// deadline passes.
func (b *Broker) forwardThresholds(deviceID string, temp, moisture float64) string {
	connID, ok := b.clients.FindDeviceSession(deviceID)
	if !ok {
		b.log.Warn().Str("device_id", deviceID).Msg("device not connected")
		return protocol.StatusDeviceNotConnected
	}
	devSess := b.session(connID)
	if devSess == nil {
		return protocol.StatusDeviceNotConnected
	}

	// Register the waiter before forwarding so an immediate ack cannot
	// slip past between send and wait.
	ch := b.correlator.add(connID)

	if err := devSess.Send(protocol.NewThresholdPush(deviceID, temp, moisture)); err != nil {
		b.correlator.cancel(connID, ch)
		b.log.Warn().Err(err).Str("device_id", deviceID).Msg("threshold forward failed")
		return protocol.StatusDeviceNotResponded
	}
	b.log.Info().Str("device_id", deviceID).Msg("threshold forwarded to device")

	return b.awaitAck(connID, ch)
}

// awaitAck waits for the device's acknowledgement with a deadline.
func (b *Broker) awaitAck(connID string, ch chan *protocol.Message) string {
	timer := time.NewTimer(b.ackTimeout)
	defer timer.Stop()

	select {
	case ack, ok := <-ch:
		return ackStatus(ack, ok)
	case <-timer.C:
		b.correlator.cancel(connID, ch)
		// The ack may have raced the timeout; prefer it if it did.
		select {
		case ack, ok := <-ch:
			return ackStatus(ack, ok)
		default:
			return protocol.StatusDeviceNotResponded
		}
	}
}

func ackStatus(ack *protocol.Message, ok bool) string {
	if ok && ack != nil && ack.Status == protocol.StatusSuccess {
		return protocol.StatusSuccess
	}
	return protocol.StatusDeviceNotResponded
}

// handleAck consumes acknowledgements arriving on a field unit's
// connection. If an operator is waiting on this connection the ack
// resolves its request; otherwise a successful ack is dropped silently and
// anything else falls through to the unknown-command reply.
func (b *Broker) handleAck(s *Session, msg *protocol.Message) *protocol.Message {
	if b.correlator.resolve(s.id, msg) {
		return nil
	}
	if msg.IsSuccessAck() {
		return nil
	}
	return protocol.NewAck(msg.DeviceID, protocol.StatusUnknownCommand)
}
