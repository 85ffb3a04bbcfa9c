// Package convert implements the per-device-type upstream payload
// converters (spec.md §6, supplemented from original_source's
// snapshot_converters.py): fixed field-name mappings from a Snapshot's
// internal parameter names to the wire field names the cloud endpoint
// expects, plus the DeviceID each converter targets.
package convert

import (
	"strconv"

	"github.com/pili2026/talos/internal/deviceid"
	"github.com/pili2026/talos/internal/snapshot"
)

// Item is one converted device entry inside a PushIMAData batch.
type Item struct {
	DeviceID string
	Data     map[string]any
}

// flowMeterUnitConversion is the fixed constant applied to raw flow meter
// totals before upstream submission.
const flowMeterUnitConversion = 23.1784214

// Inverter converts an inverter/VFD snapshot to the fixed upstream field
// set {kwh, voltage, current, kw, hz, error, alert, invstatus, set_hz, on_off}.
func Inverter(gatewayID string, idx int, s snapshot.Snapshot) Item {
	get := func(name string) float64 {
		v, _ := s.Get(name)
		return v
	}
	return Item{
		DeviceID: deviceid.BuildUpstreamID(gatewayID, s.SlaveID, idx, deviceid.EquipInverter),
		Data: map[string]any{
			"kwh":       get("KWH"),
			"voltage":   get("VOLTAGE"),
			"current":   get("CURRENT"),
			"kw":        get("KW"),
			"hz":        get("RW_HZ"),
			"error":     get("ERROR"),
			"alert":     get("ALERT"),
			"invstatus": get("INVSTATUS"),
			"set_hz":    get("RW_HZ"),
			"on_off":    get("RW_ON_OFF"),
		},
	}
}

// FlowMeter converts a flow meter snapshot to {flow, consumption,
// revconsumption, direction}, applying the fixed unit-conversion constant.
func FlowMeter(gatewayID string, idx int, s snapshot.Snapshot) Item {
	get := func(name string) float64 {
		v, _ := s.Get(name)
		return v
	}
	return Item{
		DeviceID: deviceid.BuildUpstreamID(gatewayID, s.SlaveID, idx, deviceid.EquipFlow),
		Data: map[string]any{
			"flow":           get("FLOW") * flowMeterUnitConversion,
			"consumption":    get("CONSUMPTION") * flowMeterUnitConversion,
			"revconsumption": get("REV_CONSUMPTION") * flowMeterUnitConversion,
			"direction":      get("DIRECTION"),
		},
	}
}

// diPinFields are the five relay/pin-status fields produced per DI module
// pin index.
type diPinFields struct {
	Relay0    string
	Relay1    string
	MCStatus0 string
	MCStatus1 string
	ByPass    string
}

// DIModule converts a discrete-input module snapshot to one Item per pin,
// each a {Relay0, Relay1, MCStatus0, MCStatus1, ByPass} record.
func DIModule(gatewayID string, s snapshot.Snapshot, pinCount int) []Item {
	items := make([]Item, 0, pinCount)
	for i := 0; i < pinCount; i++ {
		get := func(prefix string) float64 {
			v, _ := s.Get(prefix)
			return v
		}
		fields := diPinFields{
			Relay0:    relayField(i, 0),
			Relay1:    relayField(i, 1),
			MCStatus0: mcStatusField(i, 0),
			MCStatus1: mcStatusField(i, 1),
			ByPass:    byPassField(i),
		}
		items = append(items, Item{
			DeviceID: deviceid.BuildUpstreamID(gatewayID, s.SlaveID, i, deviceid.EquipDI),
			Data: map[string]any{
				"Relay0":    get(fields.Relay0),
				"Relay1":    get(fields.Relay1),
				"MCStatus0": get(fields.MCStatus0),
				"MCStatus1": get(fields.MCStatus1),
				"ByPass":    get(fields.ByPass),
			},
		})
	}
	return items
}

func relayField(pin, relay int) string    { return fieldName("RELAY", pin, relay) }
func mcStatusField(pin, bank int) string  { return fieldName("MC_STATUS", pin, bank) }
func byPassField(pin int) string          { return fieldName("BYPASS", pin, -1) }

func fieldName(base string, pin, sub int) string {
	if sub < 0 {
		return base + "_" + strconv.Itoa(pin)
	}
	return base + "_" + strconv.Itoa(pin) + "_" + strconv.Itoa(sub)
}

// AIModule converts an analog-input module snapshot (temp/pressure
// sensors keyed by pin-name numeric suffix) to one Item per reading.
func AIModule(gatewayID string, s snapshot.Snapshot, pinNames map[int]string, suffix deviceid.EquipmentSuffix) []Item {
	items := make([]Item, 0, len(pinNames))
	for idx, name := range pinNames {
		v, _ := s.Get(name)
		items = append(items, Item{
			DeviceID: deviceid.BuildUpstreamID(gatewayID, s.SlaveID, idx, suffix),
			Data:     map[string]any{"value": v},
		})
	}
	return items
}

// PowerMeter converts a power meter snapshot to a direct field mapping,
// falling back to a legacy 3-word energy reconstruction when a device
// exposes energy only via a scale-index register (SCALE_ENERGY_INDEX).
func PowerMeter(gatewayID string, idx int, s snapshot.Snapshot) Item {
	get := func(name string) float64 {
		v, _ := s.Get(name)
		return v
	}
	energy := get("ENERGY")
	if energy == 0 {
		if scaleIdx, ok := s.Get("SCALE_ENERGY_INDEX"); ok {
			hi, _ := s.Get("ENERGY_HI")
			lo, _ := s.Get("ENERGY_LO")
			energy = (hi*65536 + lo) * scaleIdx
		}
	}
	return Item{
		DeviceID: deviceid.BuildUpstreamID(gatewayID, s.SlaveID, idx, deviceid.EquipEnergy),
		Data: map[string]any{
			"voltage": get("VOLTAGE"),
			"current": get("CURRENT"),
			"kw":      get("KW"),
			"kwh":     energy,
			"pf":      get("PF"),
		},
	}
}
