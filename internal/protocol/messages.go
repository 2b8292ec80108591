// Package protocol defines the JSON documents exchanged between the broker,
// field units and operator clients.
package protocol

// Commands carried in the "command" field.
const (
	// Inbound (client → broker)
	CmdUpload       = "upload"
	CmdGetData      = "get_data"
	CmdSetThreshold = "set_threshold"
	CmdAck          = "ack" // also outbound; field units send it after a threshold push

	// Outbound (broker → client)
	CmdDataResponse    = "data_response"
	CmdUpdateThreshold = "update_threshold"
)

// Ack status values.
const (
	StatusSuccess            = "success"
	StatusDeviceNotFound     = "device_not_found"
	StatusDeviceNotConnected = "device_not_connected"
	StatusDeviceNotResponded = "device_not_responded"
	StatusUnknownCommand     = "unknown_command"
)

// DeviceData is the telemetry and threshold state of one device. Uploads
// carry it in full; the broker replaces the stored record wholesale.
type DeviceData struct {
	Temperature       float64 `json:"temperature"`
	SoilMoisture      float64 `json:"soil_moisture"`
	TempThreshold     float64 `json:"temp_threshold"`
	MoistureThreshold float64 `json:"moisture_threshold"`
	Watering          bool    `json:"watering"`
}

// Message is the single envelope for every document on the wire. Which
// fields are set depends on the command; thresholds are pointers so a
// missing field can be told apart from 0.
type Message struct {
	Command           string      `json:"command"`
	DeviceID          string      `json:"device_id"`
	Data              *DeviceData `json:"data,omitempty"`
	TempThreshold     *float64    `json:"temp_threshold,omitempty"`
	MoistureThreshold *float64    `json:"moisture_threshold,omitempty"`
	Status            string      `json:"status,omitempty"`
}

// NewAck builds an acknowledgement document.
func NewAck(deviceID, status string) *Message {
	return &Message{
		Command:  CmdAck,
		DeviceID: deviceID,
		Status:   status,
	}
}

// NewDataResponse builds a data snapshot document.
func NewDataResponse(deviceID string, data DeviceData) *Message {
	return &Message{
		Command:  CmdDataResponse,
		DeviceID: deviceID,
		Data:     &data,
	}
}

// NewThresholdPush builds the update_threshold document forwarded to a
// field unit.
func NewThresholdPush(deviceID string, tempThreshold, moistureThreshold float64) *Message {
	return &Message{
		Command:           CmdUpdateThreshold,
		DeviceID:          deviceID,
		TempThreshold:     &tempThreshold,
		MoistureThreshold: &moistureThreshold,
	}
}

// IsAck reports whether the message is an acknowledgement.
func (m *Message) IsAck() bool {
	return m.Command == CmdAck
}

// IsSuccessAck reports whether the message is an acknowledgement carrying a
// successful status. Sessions never answer these; they exist to resolve a
// pending threshold request.
func (m *Message) IsSuccessAck() bool {
	return m.Command == CmdAck && m.Status == StatusSuccess
}

// HasThresholds reports whether both threshold fields are present.
func (m *Message) HasThresholds() bool {
	return m.TempThreshold != nil && m.MoistureThreshold != nil
}
