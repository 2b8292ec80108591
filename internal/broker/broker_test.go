// Behavioral tests for the relay core, driven over real TCP connections.
package broker_test

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Burningfoam/IOT-Gateway-Server/internal/broker"
	"github.com/Burningfoam/IOT-Gateway-Server/internal/metrics"
	"github.com/Burningfoam/IOT-Gateway-Server/internal/protocol"
	"github.com/Burningfoam/IOT-Gateway-Server/internal/store"
)

const readTimeout = 3 * time.Second

// startBroker runs a broker on an ephemeral port and returns it with its
// address. Shutdown happens via t.Cleanup.
func startBroker(t *testing.T, ackTimeout time.Duration) (*broker.Broker, string) {
	t.Helper()

	b := broker.New(zerolog.Nop(), metrics.New(), ackTimeout)
	srv := broker.NewServer("127.0.0.1:0", b, zerolog.Nop())
	if err := srv.Listen(); err != nil {
		t.Fatalf("failed to bind: %v", err)
	}
	go func() {
		_ = srv.Serve()
	}()
	t.Cleanup(srv.Shutdown)

	return b, srv.Addr()
}

// client is a raw protocol client for tests.
type client struct {
	t    *testing.T
	conn net.Conn
	sc   *bufio.Scanner
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial broker: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn, sc: bufio.NewScanner(conn)}
}

func (c *client) send(msg *protocol.Message) {
	c.t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) sendRaw(raw string) {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(raw)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) expect() *protocol.Message {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	if !c.sc.Scan() {
		c.t.Fatalf("expected a message, got none: %v", c.sc.Err())
	}
	var msg protocol.Message
	if err := json.Unmarshal(c.sc.Bytes(), &msg); err != nil {
		c.t.Fatalf("unmarshal %q: %v", c.sc.Text(), err)
	}
	return &msg
}

func (c *client) expectAck(status string) {
	c.t.Helper()
	msg := c.expect()
	if msg.Command != protocol.CmdAck {
		c.t.Fatalf("expected ack, got %q", msg.Command)
	}
	if msg.Status != status {
		c.t.Fatalf("expected ack status %q, got %q", status, msg.Status)
	}
}

// expectClosed asserts the broker closed this connection.
func (c *client) expectClosed() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	if c.sc.Scan() {
		c.t.Fatalf("expected connection close, got %q", c.sc.Text())
	}
}

func uploadMsg(deviceID string, data protocol.DeviceData) *protocol.Message {
	return &protocol.Message{Command: protocol.CmdUpload, DeviceID: deviceID, Data: &data}
}

func getDataMsg(deviceID string) *protocol.Message {
	return &protocol.Message{Command: protocol.CmdGetData, DeviceID: deviceID}
}

func setThresholdMsg(deviceID string, temp, moisture float64) *protocol.Message {
	return &protocol.Message{
		Command:           protocol.CmdSetThreshold,
		DeviceID:          deviceID,
		TempThreshold:     &temp,
		MoistureThreshold: &moisture,
	}
}

var sampleData = protocol.DeviceData{
	Temperature:       25.0,
	SoilMoisture:      40.0,
	TempThreshold:     30.0,
	MoistureThreshold: 20.0,
	Watering:          false,
}

// Given: a device uploaded telemetry
// When: any connection requests get_data for it
// Then: the response carries exactly the uploaded values
func TestUploadThenGetData(t *testing.T) {
	_, addr := startBroker(t, time.Second)

	device := dial(t, addr)
	device.send(uploadMsg("d1", sampleData))
	device.expectAck(protocol.StatusSuccess)

	operator := dial(t, addr)
	operator.send(getDataMsg("d1"))
	resp := operator.expect()

	if resp.Command != protocol.CmdDataResponse {
		t.Fatalf("expected data_response, got %q", resp.Command)
	}
	if resp.DeviceID != "d1" {
		t.Fatalf("expected device_id d1, got %q", resp.DeviceID)
	}
	if resp.Data == nil || *resp.Data != sampleData {
		t.Fatalf("expected %+v, got %+v", sampleData, resp.Data)
	}
}

// Two sequential uploads fully replace the record; nothing from the first
// leaks into the second's response.
func TestUploadReplacesRecord(t *testing.T) {
	_, addr := startBroker(t, time.Second)

	device := dial(t, addr)
	device.send(uploadMsg("d1", sampleData))
	device.expectAck(protocol.StatusSuccess)

	second := protocol.DeviceData{Temperature: 19.5, Watering: true}
	device.send(uploadMsg("d1", second))
	device.expectAck(protocol.StatusSuccess)

	operator := dial(t, addr)
	operator.send(getDataMsg("d1"))
	resp := operator.expect()
	if resp.Data == nil || *resp.Data != second {
		t.Fatalf("expected %+v, got %+v", second, resp.Data)
	}
}

// Sending the same upload twice yields an identical record and two
// success acks.
func TestUploadIdempotent(t *testing.T) {
	b, addr := startBroker(t, time.Second)

	device := dial(t, addr)
	device.send(uploadMsg("d1", sampleData))
	device.expectAck(protocol.StatusSuccess)
	device.send(uploadMsg("d1", sampleData))
	device.expectAck(protocol.StatusSuccess)

	devices := b.Devices()
	if got := devices["d1"]; got != sampleData {
		t.Fatalf("expected %+v, got %+v", sampleData, got)
	}
}

// get_data for an unknown device returns device_not_found and creates no
// record.
func TestGetDataUnknownDevice(t *testing.T) {
	b, addr := startBroker(t, time.Second)

	operator := dial(t, addr)
	operator.send(getDataMsg("ghost"))
	operator.expectAck(protocol.StatusDeviceNotFound)

	if len(b.Devices()) != 0 {
		t.Fatalf("expected no records, got %d", len(b.Devices()))
	}
}

// set_threshold for a device with no live connection still updates the
// stored thresholds but reports device_not_connected.
func TestSetThresholdNotConnected(t *testing.T) {
	b, addr := startBroker(t, time.Second)

	device := dial(t, addr)
	device.send(uploadMsg("d1", sampleData))
	device.expectAck(protocol.StatusSuccess)
	_ = device.conn.Close()

	// Wait until the broker has dropped the device session.
	waitForClientCount(t, b, 0)

	operator := dial(t, addr)
	operator.send(setThresholdMsg("d1", 28.0, 22.0))
	operator.expectAck(protocol.StatusDeviceNotConnected)

	operator.send(getDataMsg("d1"))
	resp := operator.expect()
	if resp.Data == nil || resp.Data.TempThreshold != 28.0 || resp.Data.MoistureThreshold != 22.0 {
		t.Fatalf("stored thresholds not updated: %+v", resp.Data)
	}
	if resp.Data.Temperature != 25.0 {
		t.Fatalf("telemetry must be untouched: %+v", resp.Data)
	}
}

// Broadcast: after an upload, every operator connection receives the
// fresh snapshot, regardless of which device it asked about.
func TestBroadcastFanOut(t *testing.T) {
	_, addr := startBroker(t, time.Second)

	op1 := dial(t, addr)
	op1.send(getDataMsg("d1"))
	op1.expectAck(protocol.StatusDeviceNotFound)

	op2 := dial(t, addr)
	op2.send(getDataMsg("other-device"))
	op2.expectAck(protocol.StatusDeviceNotFound)

	device := dial(t, addr)
	device.send(uploadMsg("d1", sampleData))
	device.expectAck(protocol.StatusSuccess)

	for _, op := range []*client{op1, op2} {
		push := op.expect()
		if push.Command != protocol.CmdDataResponse || push.DeviceID != "d1" {
			t.Fatalf("expected broadcast data_response for d1, got %+v", push)
		}
		if push.Data == nil || *push.Data != sampleData {
			t.Fatalf("broadcast carries wrong data: %+v", push.Data)
		}
	}
}

// Threshold round trip: the device receives exactly one update_threshold
// with the new values; its ack resolves the operator's pending request
// with success; the store shows the new thresholds.
func TestThresholdRoundTrip(t *testing.T) {
	b, addr := startBroker(t, 5*time.Second)

	device := dial(t, addr)
	device.send(uploadMsg("d1", sampleData))
	device.expectAck(protocol.StatusSuccess)

	operator := dial(t, addr)
	operator.send(setThresholdMsg("d1", 28.0, 22.0))

	push := device.expect()
	if push.Command != protocol.CmdUpdateThreshold {
		t.Fatalf("expected update_threshold, got %q", push.Command)
	}
	if push.TempThreshold == nil || *push.TempThreshold != 28.0 ||
		push.MoistureThreshold == nil || *push.MoistureThreshold != 22.0 {
		t.Fatalf("push carries wrong thresholds: %+v", push)
	}

	device.send(protocol.NewAck("d1", protocol.StatusSuccess))
	operator.expectAck(protocol.StatusSuccess)

	if got := b.Devices()["d1"]; got.TempThreshold != 28.0 || got.MoistureThreshold != 22.0 {
		t.Fatalf("store thresholds not updated: %+v", got)
	}
}

// A device that never acknowledges costs the operator the ack timeout,
// not forever.
func TestThresholdTimeout(t *testing.T) {
	_, addr := startBroker(t, 300*time.Millisecond)

	device := dial(t, addr)
	device.send(uploadMsg("d1", sampleData))
	device.expectAck(protocol.StatusSuccess)

	operator := dial(t, addr)
	operator.send(setThresholdMsg("d1", 28.0, 22.0))
	operator.expectAck(protocol.StatusDeviceNotResponded)
}

// A device that disconnects mid-request resolves the pending operator
// immediately as not responded.
func TestThresholdDeviceDisconnect(t *testing.T) {
	_, addr := startBroker(t, 10*time.Second)

	device := dial(t, addr)
	device.send(uploadMsg("d1", sampleData))
	device.expectAck(protocol.StatusSuccess)

	operator := dial(t, addr)
	operator.send(setThresholdMsg("d1", 28.0, 22.0))

	// Device sees the push, then drops without answering.
	push := device.expect()
	if push.Command != protocol.CmdUpdateThreshold {
		t.Fatalf("expected update_threshold, got %q", push.Command)
	}
	_ = device.conn.Close()

	operator.expectAck(protocol.StatusDeviceNotResponded)
}

// A second connection claiming an already-claimed device id replaces the
// holder; the stale connection is closed.
func TestDuplicateDeviceReplaced(t *testing.T) {
	_, addr := startBroker(t, 5*time.Second)

	first := dial(t, addr)
	first.send(uploadMsg("d1", sampleData))
	first.expectAck(protocol.StatusSuccess)

	second := dial(t, addr)
	second.send(uploadMsg("d1", sampleData))
	second.expectAck(protocol.StatusSuccess)

	first.expectClosed()

	// Threshold pushes go to the new holder.
	operator := dial(t, addr)
	operator.send(setThresholdMsg("d1", 28.0, 22.0))

	push := second.expect()
	if push.Command != protocol.CmdUpdateThreshold {
		t.Fatalf("expected update_threshold on the new connection, got %q", push.Command)
	}
	second.send(protocol.NewAck("d1", protocol.StatusSuccess))
	operator.expectAck(protocol.StatusSuccess)
}

// Unknown command strings yield unknown_command and mutate nothing.
func TestUnknownCommand(t *testing.T) {
	b, addr := startBroker(t, time.Second)

	c := dial(t, addr)
	c.send(&protocol.Message{Command: "reboot", DeviceID: "d1"})
	c.expectAck(protocol.StatusUnknownCommand)

	if len(b.Devices()) != 0 {
		t.Fatal("unknown command must not create records")
	}
	for _, reg := range b.Clients() {
		if reg.Role != store.RoleUnknown {
			t.Fatalf("unknown command must not classify, got %s", reg.Role)
		}
	}
}

// Malformed documents are dropped; the connection keeps working.
func TestMalformedDocumentIgnored(t *testing.T) {
	_, addr := startBroker(t, time.Second)

	c := dial(t, addr)
	c.sendRaw("this is not json\n")
	c.send(getDataMsg("ghost"))
	c.expectAck(protocol.StatusDeviceNotFound)
}

// set_threshold without both threshold fields is rejected without
// touching the store.
func TestSetThresholdMissingFields(t *testing.T) {
	b, addr := startBroker(t, time.Second)

	device := dial(t, addr)
	device.send(uploadMsg("d1", sampleData))
	device.expectAck(protocol.StatusSuccess)

	operator := dial(t, addr)
	operator.sendRaw(`{"command":"set_threshold","device_id":"d1","temp_threshold":99.0}` + "\n")
	operator.expectAck(protocol.StatusUnknownCommand)

	if got := b.Devices()["d1"]; got.TempThreshold != 30.0 {
		t.Fatalf("thresholds must be untouched, got %+v", got)
	}
}

// Two documents in one TCP segment and one document split across two
// segments are both handled by the per-connection framing.
func TestFraming(t *testing.T) {
	_, addr := startBroker(t, time.Second)

	device := dial(t, addr)
	device.send(uploadMsg("d1", sampleData))
	device.expectAck(protocol.StatusSuccess)

	c := dial(t, addr)

	// Coalesced: two documents, one write.
	c.sendRaw(`{"command":"get_data","device_id":"d1"}` + "\n" + `{"command":"get_data","device_id":"ghost"}` + "\n")
	if resp := c.expect(); resp.Command != protocol.CmdDataResponse {
		t.Fatalf("expected data_response, got %q", resp.Command)
	}
	c.expectAck(protocol.StatusDeviceNotFound)

	// Split: one document, two writes.
	c.sendRaw(`{"command":"get_data",`)
	time.Sleep(50 * time.Millisecond)
	c.sendRaw(`"device_id":"d1"}` + "\n")
	if resp := c.expect(); resp.Command != protocol.CmdDataResponse {
		t.Fatalf("expected data_response after split write, got %q", resp.Command)
	}
}

// Classification is one-shot: an operator that later uploads stays an
// operator, and its upload still updates the store.
func TestClassificationOneShot(t *testing.T) {
	b, addr := startBroker(t, time.Second)

	c := dial(t, addr)
	c.send(getDataMsg("d1"))
	c.expectAck(protocol.StatusDeviceNotFound)

	c.send(uploadMsg("d1", sampleData))
	// The upload fans out to operators before acking, and this
	// connection is one of them.
	if msg := c.expect(); msg.Command != protocol.CmdDataResponse {
		t.Fatalf("expected broadcast data_response, got %q", msg.Command)
	}
	c.expectAck(protocol.StatusSuccess)

	regs := b.Clients()
	if len(regs) != 1 || regs[0].Role != store.RoleOperator {
		t.Fatalf("expected one operator registration, got %+v", regs)
	}
	if got := b.Devices()["d1"]; got != sampleData {
		t.Fatalf("upload must still update the store, got %+v", got)
	}

	// The connection never became a device session, so a threshold push
	// has no target.
	c.send(setThresholdMsg("d1", 28.0, 22.0))
	c.expectAck(protocol.StatusDeviceNotConnected)
}

// waitForClientCount polls the registry until it reaches want.
func waitForClientCount(t *testing.T, b *broker.Broker, want int) {
	t.Helper()
	deadline := time.Now().Add(readTimeout)
	for time.Now().Before(deadline) {
		if len(b.Clients()) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client count never reached %d", want)
}
