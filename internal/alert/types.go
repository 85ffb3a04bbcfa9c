// Package alert implements the alert subsystem (spec component C8): a
// legacy type-based aggregation path and a composite path, both flowing
// through the same per-(device,code) state machine, and a notifier router
// with broadcast/fallback/single routing.
package alert

import (
	"time"

	"github.com/pili2026/talos/internal/condition"
)

// Severity is the alert's urgency, used by the notifier router to pick a
// routing rule.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// LegacyType is the aggregation applied to Sources before comparison, for
// rules defined the old (non-composite) way.
type LegacyType string

const (
	TypeThreshold LegacyType = "threshold"
	TypeAverage   LegacyType = "average"
	TypeSum       LegacyType = "sum"
	TypeMin       LegacyType = "min"
	TypeMax       LegacyType = "max"
)

// Operator mirrors condition.Operator for legacy rules, which compare a
// single aggregated scalar rather than evaluating a composite tree.
type Operator string

const (
	OpGT Operator = "gt"
	OpLT Operator = "lt"
	OpGE Operator = "ge"
	OpLE Operator = "le"
	OpEQ Operator = "eq"
	OpNE Operator = "ne"
)

// Rule is an alert definition, either legacy type-based (Type/Operator/
// Threshold) or composite (Composite). Exactly one path is populated.
// Code is unique per device.
type Rule struct {
	Code      string          `yaml:"code"`
	Name      string          `yaml:"name"`
	Sources   []string        `yaml:"sources"`
	Type      LegacyType      `yaml:"type"`
	Operator  Operator        `yaml:"operator"`
	Threshold float64         `yaml:"threshold"`
	Composite *condition.Node `yaml:"composite"`
	Severity  Severity        `yaml:"severity"`
}

// State is the alert state machine's current phase for one (device, code).
type State string

const (
	StateNormal     State = "NORMAL"
	StateTriggered  State = "TRIGGERED"
	StateActive     State = "ACTIVE"
	StateResolved   State = "RESOLVED"
)

// Record is the per-(deviceId, code) state row. Exactly one exists while
// State != NORMAL; removed on the RESOLVED -> NORMAL transition.
type Record struct {
	DeviceID    string
	Code        string
	Severity    Severity
	State       State
	TriggeredAt time.Time
	ResolvedAt  time.Time
	LastValue   float64
}
