// Package health implements the Health Manager (spec C4): per-device
// cooldown state machine plus the quick-health-check strategy inference
// engine that picks a minimal probe for a device type.
package health

import (
	"sort"
	"strings"

	"github.com/pili2026/talos/internal/config"
)

// statusKeywords are register-name substrings that mark a dedicated
// status/health register, checked case-insensitively in declaration order.
var statusKeywords = []string{
	"STATUS", "INVSTATUS", "COMM_STATUS", "DEVICE_STATUS",
	"READY", "ONLINE_FLAG", "DEVICE_READY", "ALARM",
}

// bulkProbeTypes get a partial-bulk probe instead of a single register.
var bulkProbeTypes = map[string]bool{
	"io_module":    true,
	"power_meter":  true,
}

// Inferencer chooses a HealthCheckConfig for a device that declares none
// explicitly, ranking STATUS-keyword registers first, then a
// device-type-specific probe, then a smallest-offset fallback.
type Inferencer struct{}

// Infer picks a strategy for rm given the device's declared type. It never
// returns an error; a register map with nothing readable yields an empty
// Register and a reason explaining why.
func (Inferencer) Infer(deviceType string, rm *config.RegisterMap) config.HealthCheckConfig {
	if name, ok := findStatusRegister(rm); ok {
		def, _ := rm.Get(name)
		return config.HealthCheckConfig{
			Strategy:     config.StrategySingleRegister,
			Register:     name,
			RegisterType: def.Kind,
			Reason:       "matched status keyword register " + name,
		}
	}

	switch strings.ToLower(deviceType) {
	case "inverter", "vfd":
		if name, ok := smallestOffsetNonControl(rm); ok {
			def, _ := rm.Get(name)
			return config.HealthCheckConfig{
				Strategy:     config.StrategySingleRegister,
				Register:     name,
				RegisterType: def.Kind,
				Reason:       "inverter type: smallest-offset non-control register " + name,
			}
		}
	default:
		if bulkProbeTypes[strings.ToLower(deviceType)] {
			if start, count, kind, ok := firstContiguousBlock(rm, 3); ok {
				return config.HealthCheckConfig{
					Strategy:      config.StrategyPartialBulk,
					RegisterStart: start,
					RegisterCount: count,
					RegisterType:  kind,
					Reason:        "io/power meter type: partial bulk probe",
				}
			}
		}
	}

	if name, ok := smallestOffsetReadable(rm); ok {
		def, _ := rm.Get(name)
		return config.HealthCheckConfig{
			Strategy:     config.StrategySingleRegister,
			Register:     name,
			RegisterType: def.Kind,
			Reason:       "fallback: smallest-offset readable register " + name,
		}
	}

	return config.HealthCheckConfig{Reason: "no readable register found for quick health check"}
}

func findStatusRegister(rm *config.RegisterMap) (string, bool) {
	names := sortedReadableNames(rm)
	for _, kw := range statusKeywords {
		for _, name := range names {
			if strings.Contains(strings.ToUpper(name), kw) {
				return name, true
			}
		}
	}
	return "", false
}

func smallestOffsetNonControl(rm *config.RegisterMap) (string, bool) {
	best := ""
	bestOffset := -1
	for _, name := range rm.Names() {
		def, _ := rm.Get(name)
		if !def.Readable || !def.IsPhysical() {
			continue
		}
		if strings.HasPrefix(strings.ToUpper(name), "RW_") {
			continue
		}
		if best == "" || *def.Offset < bestOffset {
			best = name
			bestOffset = *def.Offset
		}
	}
	return best, best != ""
}

func smallestOffsetReadable(rm *config.RegisterMap) (string, bool) {
	best := ""
	bestOffset := -1
	for _, name := range rm.Names() {
		def, _ := rm.Get(name)
		if !def.Readable || !def.IsPhysical() {
			continue
		}
		if best == "" || *def.Offset < bestOffset {
			best = name
			bestOffset = *def.Offset
		}
	}
	return best, best != ""
}

// firstContiguousBlock finds the lowest-offset run of up to n readable,
// physical registers sharing the same kind.
func firstContiguousBlock(rm *config.RegisterMap, n int) (start, count int, kind config.RegisterKind, ok bool) {
	type cand struct {
		offset int
		kind   config.RegisterKind
	}
	var cands []cand
	for _, name := range rm.Names() {
		def, _ := rm.Get(name)
		if !def.Readable || !def.IsPhysical() {
			continue
		}
		cands = append(cands, cand{*def.Offset, def.Kind})
	}
	if len(cands) == 0 {
		return 0, 0, "", false
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].offset < cands[j].offset })

	first := cands[0]
	c := 1
	for _, next := range cands[1:] {
		if next.kind != first.kind || c >= n {
			break
		}
		if next.offset == first.offset+c {
			c++
		}
	}
	return first.offset, c, first.kind, true
}

func sortedReadableNames(rm *config.RegisterMap) []string {
	names := rm.Names()
	sort.Strings(names)
	return names
}
