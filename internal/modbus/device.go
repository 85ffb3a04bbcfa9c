package modbus

import (
	"fmt"
	"sort"

	"github.com/pili2026/talos/internal/config"
	"github.com/pili2026/talos/internal/obs/errs"
	"github.com/pili2026/talos/internal/obs/log"
	"github.com/pili2026/talos/internal/snapshot"
)

// DefaultMaxRegsPerReq bounds a single bulk read request's register span.
const DefaultMaxRegsPerReq = 120

// BulkRange is one contiguous, homogeneous span of registers the planner
// will fetch with a single readRegs call.
type BulkRange struct {
	Kind  config.RegisterKind
	Start int
	Count int
	Pins  []string // pin names in this range, ordered by offset
}

// GenericDevice presents readValue/writeValue/readAll/isRunning/
// supportsOnOff over a RegisterMap, backed by a Bus.
type GenericDevice struct {
	Instance      config.DeviceInstance
	bus           Bus
	maxRegsPerReq int
}

// NewGenericDevice builds a GenericDevice over bus using inst's RegisterMap.
func NewGenericDevice(inst config.DeviceInstance, bus Bus) *GenericDevice {
	return &GenericDevice{Instance: inst, bus: bus, maxRegsPerReq: DefaultMaxRegsPerReq}
}

func toWordFormat(f config.Format) wordFormat {
	switch f {
	case config.FormatI16:
		return formatI16
	case config.FormatU32:
		return formatU32
	case config.FormatI32:
		return formatI32
	case config.FormatF32:
		return formatF32
	case config.FormatU64:
		return formatU64
	default:
		return formatU16
	}
}

// bulkCandidate is a pin eligible for inclusion in a merged bulk range.
type bulkCandidate struct {
	name   string
	def    config.RegisterDefinition
	offset int
	words  int
	kind   config.RegisterKind
}

func (d *GenericDevice) isBulkEligible(def config.RegisterDefinition) bool {
	if !def.Readable || !def.IsPhysical() {
		return false
	}
	if def.Kind == config.KindCoil || def.Kind == config.KindDiscreteInput {
		return false
	}
	if def.IsComputed() || def.ScaleFrom != "" {
		return false
	}
	return def.Kind == d.Instance.RegisterMap.DefaultKind
}

// buildBulkRanges enumerates bulk-eligible pins, sorts by (kind, offset),
// and merges contiguous offsets into ranges, splitting on a kind change, a
// gap, or exceeding maxRegsPerReq.
func (d *GenericDevice) buildBulkRanges() []BulkRange {
	var candidates []bulkCandidate
	for _, name := range d.Instance.RegisterMap.Names() {
		def, _ := d.Instance.RegisterMap.Get(name)
		if !d.isBulkEligible(def) {
			continue
		}
		candidates = append(candidates, bulkCandidate{
			name:   name,
			def:    def,
			offset: *def.Offset,
			words:  def.WordCount(),
			kind:   def.Kind,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].kind != candidates[j].kind {
			return candidates[i].kind < candidates[j].kind
		}
		return candidates[i].offset < candidates[j].offset
	})

	var ranges []BulkRange
	for _, c := range candidates {
		end := c.offset + c.words
		if len(ranges) > 0 {
			last := &ranges[len(ranges)-1]
			lastEnd := last.Start + last.Count
			sameKind := last.Kind == c.kind
			contiguous := c.offset == lastEnd
			withinBudget := end-last.Start <= d.maxRegsPerReq
			if sameKind && contiguous && withinBudget {
				last.Count = end - last.Start
				last.Pins = append(last.Pins, c.name)
				continue
			}
		}
		ranges = append(ranges, BulkRange{Kind: c.kind, Start: c.offset, Count: c.words, Pins: []string{c.name}})
	}
	return ranges
}

// ReadAll performs the full bulk-read cycle: fetch each planned range,
// decode its pins, then read non-bulk (composed or scale-dependent) pins
// individually. A range or pin that fails to read takes the sentinel -1
// rather than aborting the whole cycle.
func (d *GenericDevice) ReadAll() map[string]float64 {
	values := make(map[string]float64)

	for _, r := range d.buildBulkRanges() {
		words, err := d.bus.ReadRegisters(r.Kind, r.Start, r.Count)
		if err != nil {
			log.WithDevice(d.Instance.DeviceID).Debugf("bulk read range %d..%d failed: %v", r.Start, r.Start+r.Count, err)
			for _, pin := range r.Pins {
				values[pin] = snapshot.Sentinel
			}
			continue
		}
		for _, pin := range r.Pins {
			def, _ := d.Instance.RegisterMap.Get(pin)
			rel := *def.Offset - r.Start
			wc := def.WordCount()
			if rel < 0 || rel+wc > len(words) {
				values[pin] = snapshot.Sentinel
				continue
			}
			values[pin] = decodeRegisterDefinition(def, words[rel:rel+wc])
		}
	}

	for _, name := range d.Instance.RegisterMap.Names() {
		if _, already := values[name]; already {
			continue
		}
		def, _ := d.Instance.RegisterMap.Get(name)
		if !def.Readable {
			continue
		}
		v, err := d.ReadValue(name)
		if err != nil {
			values[name] = snapshot.Sentinel
			continue
		}
		values[name] = v
	}

	return values
}

// ReadValue reads and decodes a single pin, composing from constituent
// registers if the pin is computed.
func (d *GenericDevice) ReadValue(name string) (float64, error) {
	def, ok := d.Instance.RegisterMap.Get(name)
	if !ok {
		return 0, fmt.Errorf("register %q not found", name)
	}

	if def.IsComputed() {
		words := make([]uint16, 0, len(def.ComposedOf))
		for _, part := range def.ComposedOf {
			partDef, ok := d.Instance.RegisterMap.Get(part)
			if !ok {
				return 0, fmt.Errorf("composed register %q references unknown part %q", name, part)
			}
			raw, err := d.bus.ReadRegisters(partDef.Kind, *partDef.Offset, partDef.WordCount())
			if err != nil {
				return 0, err
			}
			words = append(words, raw...)
		}
		return decodeRegisterDefinition(def, words), nil
	}

	if def.Kind == config.KindCoil || def.Kind == config.KindDiscreteInput {
		bits, err := d.bus.ReadBits(def.Kind, *def.Offset, 1)
		if err != nil {
			return 0, err
		}
		if bits[0] {
			return 1, nil
		}
		return 0, nil
	}

	words, err := d.bus.ReadRegisters(def.Kind, *def.Offset, def.WordCount())
	if err != nil {
		return 0, err
	}
	return decodeRegisterDefinition(def, words), nil
}

// Probe performs the device's resolved quick health check: a single
// register read for STRATEGY_SINGLE_REGISTER, or a bounded register read
// for STRATEGY_PARTIAL_BULK. Used to verify a device actually recovered
// before resuming full polling, instead of paying for a full ReadAll.
func (d *GenericDevice) Probe() error {
	cfg := d.Instance.HealthCheck
	switch cfg.Strategy {
	case config.StrategySingleRegister:
		if cfg.Register == "" {
			return fmt.Errorf("quick health check: no register configured")
		}
		_, err := d.ReadValue(cfg.Register)
		return err
	case config.StrategyPartialBulk:
		if cfg.RegisterCount <= 0 {
			return fmt.Errorf("quick health check: no register count configured")
		}
		_, err := d.bus.ReadRegisters(cfg.RegisterType, cfg.RegisterStart, cfg.RegisterCount)
		return err
	default:
		return fmt.Errorf("quick health check: no strategy configured")
	}
}

// decodeRegisterDefinition runs the decode pipeline: raw words -> decode
// by format -> optional bit extract -> linear formula -> scale ->
// precision rounding.
func decodeRegisterDefinition(def config.RegisterDefinition, words []uint16) float64 {
	v := decodeWords(words, toWordFormat(def.Format))
	if def.Bit != nil {
		v = extractBit(v, *def.Bit)
	}
	if len(def.Formula) > 0 {
		v = applyFormula(v, def.Formula)
	}
	if def.Scale != nil {
		v *= *def.Scale
	}
	if def.OffsetVal != nil {
		v += *def.OffsetVal
	}
	if def.Precision != nil {
		v = roundTo(v, *def.Precision)
	}
	return v
}

// WriteValue applies the inverse scale and writes the appropriate number
// of words. Coils use a single-bit write.
func (d *GenericDevice) WriteValue(name string, value float64) error {
	def, ok := d.Instance.RegisterMap.Get(name)
	if !ok {
		return fmt.Errorf("register %q not found", name)
	}
	if !def.Writable {
		return fmt.Errorf("register %q is not writable", name)
	}

	if def.Kind == config.KindCoil {
		return d.bus.WriteCoil(*def.Offset, value != 0)
	}

	raw := value
	if def.OffsetVal != nil {
		raw -= *def.OffsetVal
	}
	if def.Scale != nil && *def.Scale != 0 {
		raw /= *def.Scale
	}
	words := encodeWords(raw, toWordFormat(def.Format))
	if len(words) == 1 {
		return d.bus.WriteRegister(*def.Offset, words[0])
	}
	return d.bus.WriteRegisters(*def.Offset, words)
}

// SupportsOnOff reports whether the device has a native on/off register.
func (d *GenericDevice) SupportsOnOff() bool {
	_, ok := d.Instance.RegisterMap.Get("RW_ON_OFF")
	return ok
}

// ReadOnOffState reads the native on/off register's current state.
func (d *GenericDevice) ReadOnOffState() (bool, error) {
	v, err := d.ReadValue("RW_ON_OFF")
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// WriteOnOff writes the native on/off register.
func (d *GenericDevice) WriteOnOff(on bool) error {
	v := 0.0
	if on {
		v = 1.0
	}
	return d.WriteValue("RW_ON_OFF", v)
}

// IsRunning best-effort reports whether the device is currently running,
// via its on/off register if present.
func (d *GenericDevice) IsRunning() (bool, error) {
	if !d.SupportsOnOff() {
		return false, fmt.Errorf("device %s: %w", d.Instance.DeviceID, errs.ErrDeviceNotFound)
	}
	return d.ReadOnOffState()
}
