package config

import "strings"

// Format is the on-wire word encoding of a register; it implies the word
// count consumed (u16/i16 = 1 word, u32/i32/f32 = 2 words, u64 = 4 words).
type Format string

const (
	FormatU16 Format = "u16"
	FormatI16 Format = "i16"
	FormatU32 Format = "u32"
	FormatI32 Format = "i32"
	FormatF32 Format = "f32"
	FormatU64 Format = "u64"
)

// WordCount returns how many 16-bit registers this format spans.
func (f Format) WordCount() int {
	switch f {
	case FormatU32, FormatI32, FormatF32:
		return 2
	case FormatU64:
		return 4
	default:
		return 1
	}
}

// RegisterKind is the Modbus table a register lives in.
type RegisterKind string

const (
	KindHolding       RegisterKind = "holding"
	KindInput         RegisterKind = "input"
	KindCoil          RegisterKind = "coil"
	KindDiscreteInput RegisterKind = "discrete_input"
)

// RegisterDefinition is per-parameter metadata loaded from a <driver>.yml
// register_map entry.
type RegisterDefinition struct {
	Name      string `yaml:"-"`
	Offset    *int   `yaml:"offset"`
	Format    Format `yaml:"format"`
	Kind      RegisterKind `yaml:"register_type"`
	Readable  bool   `yaml:"readable"`
	Writable  bool   `yaml:"writable"`

	Scale      *float64 `yaml:"scale"`
	OffsetVal  *float64 `yaml:"offset_value"`
	Formula    []float64 `yaml:"formula"`
	Precision  *int     `yaml:"precision"`
	Unit       string   `yaml:"unit"`
	Bit        *int     `yaml:"bit"`
	ComposedOf []string `yaml:"composed_of"`
	ScaleFrom  string   `yaml:"scale_from"`
}

// IsPhysical reports whether the register has a direct register offset.
func (r RegisterDefinition) IsPhysical() bool { return r.Offset != nil }

// IsComputed reports whether the register is derived from other registers.
func (r RegisterDefinition) IsComputed() bool { return len(r.ComposedOf) > 0 }

// WordCount is the number of 16-bit words this register occupies.
func (r RegisterDefinition) WordCount() int { return r.Format.WordCount() }

// RegisterMap is a case-preserving name -> RegisterDefinition table with a
// parallel lowercase index for case-insensitive lookup.
type RegisterMap struct {
	byName      map[string]RegisterDefinition
	lowerToName map[string]string
	// DefaultKind is the device's default register_type, used by the
	// bulk-read planner's eligibility test.
	DefaultKind RegisterKind
}

// NewRegisterMap builds a RegisterMap from a name -> definition table,
// stamping each definition's Name field and the default kind where a
// register omits register_type.
func NewRegisterMap(defs map[string]RegisterDefinition, defaultKind RegisterKind) *RegisterMap {
	rm := &RegisterMap{
		byName:      make(map[string]RegisterDefinition, len(defs)),
		lowerToName: make(map[string]string, len(defs)),
		DefaultKind: defaultKind,
	}
	for name, def := range defs {
		def.Name = name
		if def.Kind == "" {
			def.Kind = defaultKind
		}
		rm.byName[name] = def
		rm.lowerToName[strings.ToLower(name)] = name
	}
	return rm
}

// Get looks up a register by exact or case-insensitive name.
func (rm *RegisterMap) Get(name string) (RegisterDefinition, bool) {
	if def, ok := rm.byName[name]; ok {
		return def, true
	}
	if orig, ok := rm.lowerToName[strings.ToLower(name)]; ok {
		return rm.byName[orig], true
	}
	return RegisterDefinition{}, false
}

// Names returns every registered parameter name.
func (rm *RegisterMap) Names() []string {
	names := make([]string, 0, len(rm.byName))
	for name := range rm.byName {
		names = append(names, name)
	}
	return names
}

// Bounds is an optional [min, max] constraint on a parameter.
type Bounds struct {
	Min *float64 `yaml:"min"`
	Max *float64 `yaml:"max"`
}

// Allow reports whether value falls within the bounds; absent bounds are
// treated as +/-infinity.
func (b Bounds) Allow(value float64) bool {
	if b.Min != nil && value < *b.Min {
		return false
	}
	if b.Max != nil && value > *b.Max {
		return false
	}
	return true
}

// ConstraintPolicy maps parameter name to its write bounds, resolved by
// the 3-level merge (global defaults -> model defaults -> instance
// override) in Load.
type ConstraintPolicy map[string]Bounds

// Allow checks a write against the named parameter's bounds. A parameter
// with no configured bounds is unconstrained.
func (c ConstraintPolicy) Allow(param string, value float64) bool {
	b, ok := c[param]
	if !ok {
		return true
	}
	return b.Allow(value)
}
