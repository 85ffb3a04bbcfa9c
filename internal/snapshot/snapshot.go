// Package snapshot defines the Snapshot record shared by the monitor,
// evaluators, snapshot store, and sender. It has no dependency on any other
// internal package so it can sit at the bottom of the import graph.
package snapshot

import "time"

// Sentinel is the "unknown/offline" value encoded for any pin that could
// not be read.
const Sentinel = -1

// Snapshot is one device's parameter readings at a single sampling instant.
// Immutable after construction; producers build a fresh Snapshot rather
// than mutating a published one.
type Snapshot struct {
	DeviceID   string             `json:"device_id"`
	Model      string             `json:"model"`
	SlaveID    int                `json:"slave_id"`
	DeviceType string             `json:"type"`
	SamplingTs time.Time          `json:"sampling_ts"`
	IsOnline   bool               `json:"is_online"`
	Values     map[string]float64 `json:"values"`
}

// New builds a Snapshot and derives IsOnline from the values map: online
// iff at least one numeric value differs from Sentinel.
func New(deviceID, model string, slaveID int, deviceType string, ts time.Time, values map[string]float64) Snapshot {
	return Snapshot{
		DeviceID:   deviceID,
		Model:      model,
		SlaveID:    slaveID,
		DeviceType: deviceType,
		SamplingTs: ts,
		IsOnline:   !allSentinel(values),
		Values:     values,
	}
}

// Offline builds an all-sentinel snapshot for a device that could not be
// read this cycle (cooldown, timeout, or bus failure).
func Offline(deviceID, model string, slaveID int, deviceType string, ts time.Time, paramNames []string) Snapshot {
	values := make(map[string]float64, len(paramNames))
	for _, name := range paramNames {
		values[name] = Sentinel
	}
	return Snapshot{
		DeviceID:   deviceID,
		Model:      model,
		SlaveID:    slaveID,
		DeviceType: deviceType,
		SamplingTs: ts,
		IsOnline:   false,
		Values:     values,
	}
}

func allSentinel(values map[string]float64) bool {
	if len(values) == 0 {
		return true
	}
	for _, v := range values {
		if v != Sentinel {
			return false
		}
	}
	return true
}

// Get returns the named value and whether it is present and not the
// sentinel.
func (s Snapshot) Get(name string) (float64, bool) {
	v, ok := s.Values[name]
	if !ok || v == Sentinel {
		return 0, false
	}
	return v, true
}
