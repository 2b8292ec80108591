package store

import "sync"

// Role classifies a connection by the first command it sent.
type Role int

// Connection roles.
const (
	RoleUnknown Role = iota
	RoleDevice
	RoleOperator
)

// String returns the role name for logs and reports.
func (r Role) String() string {
	switch r {
	case RoleDevice:
		return "device"
	case RoleOperator:
		return "operator"
	default:
		return "unknown"
	}
}

// MarshalJSON emits the role name rather than the numeric value.
func (r Role) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// Registration is one connection's classification.
type Registration struct {
	ConnID   string `json:"conn_id"`
	DeviceID string `json:"device_id"`
	Role     Role   `json:"role"`
}

// ClientRegistry maps connection ids to their classification. Roles are
// one-shot: the first classifying command wins, later commands never
// reclassify a connection. At most one live connection holds the Device
// role for a given device id; a newcomer claiming a claimed id replaces
// the holder.
type ClientRegistry struct {
	mu      sync.Mutex
	clients map[string]Registration
	// device id → conn id index for the Device role, so lookup is
	// deterministic instead of map-iteration order.
	devices map[string]string
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]Registration),
		devices: make(map[string]string),
	}
}

// Add registers a freshly accepted connection with no role yet.
func (r *ClientRegistry) Add(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[connID] = Registration{ConnID: connID, Role: RoleUnknown}
}

// ClassifyDevice marks a connection as the field unit for a device id.
// If the connection already holds a role the call is a no-op. The returned
// string is the conn id of a previous holder of the same device id, if one
// was displaced; the caller is expected to close it.
func (r *ClientRegistry) ClassifyDevice(connID, deviceID string) (displaced string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.clients[connID]
	if !ok || reg.Role != RoleUnknown {
		return ""
	}

	if prev, claimed := r.devices[deviceID]; claimed && prev != connID {
		displaced = prev
	}

	reg.Role = RoleDevice
	reg.DeviceID = deviceID
	r.clients[connID] = reg
	r.devices[deviceID] = connID
	return displaced
}

// ClassifyOperator marks a connection as an operator watching a device id.
// A no-op if the connection already holds a role.
func (r *ClientRegistry) ClassifyOperator(connID, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.clients[connID]
	if !ok || reg.Role != RoleUnknown {
		return
	}
	reg.Role = RoleOperator
	reg.DeviceID = deviceID
	r.clients[connID] = reg
}

// FindDeviceSession returns the conn id of the live field-unit connection
// for a device id.
func (r *ClientRegistry) FindDeviceSession(deviceID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok := r.devices[deviceID]
	return connID, ok
}

// Get returns a connection's registration.
func (r *ClientRegistry) Get(connID string) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.clients[connID]
	return reg, ok
}

// Remove drops a connection from the registry when its session ends.
func (r *ClientRegistry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.clients[connID]
	if !ok {
		return
	}
	delete(r.clients, connID)
	if reg.Role == RoleDevice && r.devices[reg.DeviceID] == connID {
		delete(r.devices, reg.DeviceID)
	}
}

// All returns a snapshot of every registration, for broadcast fan-out and
// the console and admin reports.
func (r *ClientRegistry) All() []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Registration, 0, len(r.clients))
	for _, reg := range r.clients {
		out = append(out, reg)
	}
	return out
}

// Len returns the number of live connections.
func (r *ClientRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
