// Package control implements the control subsystem (spec components C9,
// C10): composite-driven rule matching with priority/blocking resolution,
// policy transforms (discrete/absolute-linear/incremental-linear), and an
// idempotent executor with constraint checking, on/off translation, and
// offline deferral.
package control

import "github.com/pili2026/talos/internal/condition"

// PolicyType selects the transform applied to a matched rule's actions.
type PolicyType string

const (
	PolicyDiscreteSetpoint  PolicyType = "discrete_setpoint"
	PolicyAbsoluteLinear    PolicyType = "absolute_linear"
	PolicyIncrementalLinear PolicyType = "incremental_linear"
)

// ConditionSource selects what a linear policy reads its input from.
type ConditionSource string

const (
	ConditionSingle     ConditionSource = "single"
	ConditionDifference ConditionSource = "difference"
)

// Policy configures the value transform applied after a rule matches.
type Policy struct {
	Type PolicyType `yaml:"type"`

	// absolute_linear / incremental_linear
	ConditionSource ConditionSource `yaml:"condition_source"`
	Source          string          `yaml:"source"`
	Sources         [2]string       `yaml:"sources"`
	Abs             bool            `yaml:"abs"`
	BaseFreq        float64         `yaml:"base_freq"`
	BaseTemp        float64         `yaml:"base_temp"`
	Gain            float64         `yaml:"gain"`
	Deadband        float64         `yaml:"deadband"`
	MaxStep         float64         `yaml:"max_step"`
	HasMaxStep      bool            `yaml:"-"`
}

// ActionType is the Modbus-facing operation a ControlAction performs.
type ActionType string

const (
	ActionTurnOn          ActionType = "turn_on"
	ActionTurnOff         ActionType = "turn_off"
	ActionSetFrequency    ActionType = "set_frequency"
	ActionAdjustFrequency ActionType = "adjust_frequency"
	ActionWriteDO         ActionType = "write_do"
	ActionReset           ActionType = "reset"
)

// Action is a control write, either produced fresh from a matched rule or
// deferred while a device was offline.
type Action struct {
	Model    string
	SlaveID  int
	Type     ActionType
	Target   string
	Value    *float64
	Priority int
	Reason   string
	Force    bool
}

// Rule is one control rule: a composite condition, an optional policy
// transform, and the actions to apply when it matches. Priority is lower
// = higher; code is unique per (model, slaveId).
type Rule struct {
	Code     string          `yaml:"code"`
	Priority int             `yaml:"priority"`
	Composite *condition.Node `yaml:"composite"`
	Policy   *Policy         `yaml:"policy,omitempty"`
	Actions  []Action        `yaml:"actions"`
	Blocking bool            `yaml:"blocking,omitempty"`
}

// OnOffBinding lets a device without native on/off support translate
// turn_on/turn_off into a set of discrete-output writes.
type OnOffBinding struct {
	Targets []string `yaml:"targets"`
	On      int      `yaml:"on"`
	Off     int      `yaml:"off"`
}

// DefaultTargetByAction is the fallback register name used when an Action
// has no explicit Target.
var DefaultTargetByAction = map[ActionType]string{
	ActionSetFrequency:    "RW_HZ",
	ActionAdjustFrequency: "RW_HZ",
	ActionWriteDO:         "RW_DO",
	ActionReset:           "RW_RESET",
}
