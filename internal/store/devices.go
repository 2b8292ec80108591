// Package store holds the broker's live state: the device records and the
// client registry. Both are coarse-locked maps; every operation is O(1) and
// the stores stay small, so a single mutex per store is enough.
package store

import (
	"sync"

	"github.com/Burningfoam/IOT-Gateway-Server/internal/protocol"
)

// DeviceStore maps device ids to their last known record. Records are
// created on first upload and live for the process lifetime.
type DeviceStore struct {
	mu      sync.Mutex
	records map[string]protocol.DeviceData
}

// NewDeviceStore creates an empty device store.
func NewDeviceStore() *DeviceStore {
	return &DeviceStore{
		records: make(map[string]protocol.DeviceData),
	}
}

// Upsert replaces the full record for a device. No merge: every upload
// carries all five fields.
func (s *DeviceStore) Upsert(deviceID string, data protocol.DeviceData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[deviceID] = data
}

// Read returns a copy of the record for a device.
func (s *DeviceStore) Read(deviceID string) (protocol.DeviceData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.records[deviceID]
	return data, ok
}

// UpdateThresholds overwrites only the two threshold fields, leaving
// telemetry untouched. A missing device is a no-op, not an error; the
// return value reports whether a record existed.
func (s *DeviceStore) UpdateThresholds(deviceID string, tempThreshold, moistureThreshold float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.records[deviceID]
	if !ok {
		return false
	}
	data.TempThreshold = tempThreshold
	data.MoistureThreshold = moistureThreshold
	s.records[deviceID] = data
	return true
}

// Snapshot returns a copy of all records, for the console and admin
// reports.
func (s *DeviceStore) Snapshot() map[string]protocol.DeviceData {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]protocol.DeviceData, len(s.records))
	for id, data := range s.records {
		out[id] = data
	}
	return out
}

// Len returns the number of known devices.
func (s *DeviceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
