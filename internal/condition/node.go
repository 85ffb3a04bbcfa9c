// Package condition implements the composite boolean condition tree shared
// by the alert and control subsystems: recursive AND/OR/NOT over threshold,
// difference, and time-elapsed leaves, with hysteresis and debounce
// stabilization on numeric leaves.
package condition

import (
	"fmt"

	"github.com/pili2026/talos/internal/obs/errs"
)

// MaxDepth and MaxFanout bound composite tree validation.
const (
	MaxDepth  = 15
	MaxFanout = 20
)

// Operator is the comparison used by threshold and difference leaves.
type Operator string

const (
	OpGT      Operator = "gt"
	OpLT      Operator = "lt"
	OpGE      Operator = "ge"
	OpLE      Operator = "le"
	OpEQ      Operator = "eq"
	OpNE      Operator = "ne"
	OpBetween Operator = "between"
)

// LeafKind distinguishes the three leaf shapes a Node may take.
type LeafKind int

const (
	LeafNone LeafKind = iota
	LeafThreshold
	LeafDifference
	LeafTimeElapsed
)

// ThresholdLeaf compares a single snapshot source against a bound.
type ThresholdLeaf struct {
	Source              string   `yaml:"source"`
	Op                  Operator `yaml:"op"`
	Threshold           float64  `yaml:"threshold"`
	Min                 float64  `yaml:"min"`
	Max                 float64  `yaml:"max"`
	Hysteresis          float64  `yaml:"hysteresis"`
	DebounceSec         float64  `yaml:"debounce_sec"`
	ComparisonTolerance float64  `yaml:"comparison_tolerance"`
}

// DifferenceLeaf compares v1 - v2 (optionally absolute) against a bound.
type DifferenceLeaf struct {
	Sources             [2]string `yaml:"sources"`
	Op                  Operator  `yaml:"op"`
	Threshold           float64   `yaml:"threshold"`
	Min                 float64   `yaml:"min"`
	Max                 float64   `yaml:"max"`
	Abs                 bool      `yaml:"abs"`
	Hysteresis          float64   `yaml:"hysteresis"`
	DebounceSec         float64   `yaml:"debounce_sec"`
	ComparisonTolerance float64   `yaml:"comparison_tolerance"`
}

// TimeElapsedLeaf is true once every intervalHours, tracked per rule code
// in an ExecutionHistoryStore so the interval survives a restart.
type TimeElapsedLeaf struct {
	IntervalHours float64 `yaml:"interval_hours"`
}

// Node is an expression tree node: exactly one of the group fields (All,
// Any, Not) or exactly one leaf kind is populated, never both.
type Node struct {
	// ID is a stable identity assigned at validation time, used to key
	// per-leaf hysteresis/debounce state. Go has no pointer identity
	// guarantee across config reloads the way the Python original relied
	// on id(node), so state is keyed by this explicit, assigned ID.
	ID int

	All []*Node `yaml:"all,omitempty"`
	Any []*Node `yaml:"any,omitempty"`
	Not *Node   `yaml:"not,omitempty"`

	Leaf           LeafKind
	Threshold      *ThresholdLeaf  `yaml:"threshold,omitempty"`
	Difference     *DifferenceLeaf `yaml:"difference,omitempty"`
	TimeElapsed    *TimeElapsedLeaf `yaml:"time_elapsed,omitempty"`
}

// UnmarshalYAML resolves which shape this node takes after the raw fields
// are populated, and records the leaf kind so Evaluate doesn't need to
// re-derive it from nil checks scattered across the recursion.
func (n *Node) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type rawNode Node
	var raw rawNode
	if err := unmarshal(&raw); err != nil {
		return err
	}
	*n = Node(raw)
	return n.resolveShape()
}

func (n *Node) resolveShape() error {
	groups := 0
	if len(n.All) > 0 {
		groups++
	}
	if len(n.Any) > 0 {
		groups++
	}
	if n.Not != nil {
		groups++
	}
	leaves := 0
	if n.Threshold != nil {
		n.Leaf = LeafThreshold
		leaves++
	}
	if n.Difference != nil {
		n.Leaf = LeafDifference
		leaves++
	}
	if n.TimeElapsed != nil {
		n.Leaf = LeafTimeElapsed
		leaves++
	}
	if groups == 0 && leaves == 0 {
		return fmt.Errorf("composite node has neither a group nor a leaf: %w", errs.ErrConfigValidation)
	}
	if groups > 0 && leaves > 0 {
		return fmt.Errorf("composite node has both a group and a leaf: %w", errs.ErrConfigValidation)
	}
	if groups > 1 {
		return fmt.Errorf("composite node has more than one group (all/any/not): %w", errs.ErrConfigValidation)
	}
	if leaves > 1 {
		return fmt.Errorf("composite node has more than one leaf type: %w", errs.ErrConfigValidation)
	}
	return nil
}

// IsGroup reports whether n is an internal all/any/not node.
func (n *Node) IsGroup() bool {
	return len(n.All) > 0 || len(n.Any) > 0 || n.Not != nil
}

// AssignIDs walks the tree depth-first assigning stable IDs, and validates
// each node's shape (which also sets Leaf) and the depth and fan-out
// bounds. Call once after loading, before Evaluate.
func AssignIDs(root *Node) error {
	next := 0
	var walk func(n *Node, depth int) error
	walk = func(n *Node, depth int) error {
		if n == nil {
			return nil
		}
		if depth > MaxDepth {
			return fmt.Errorf("composite node exceeds max depth %d: %w", MaxDepth, errs.ErrConfigValidation)
		}
		n.ID = next
		next++
		if err := n.resolveShape(); err != nil {
			return err
		}
		children := n.All
		if len(n.Any) > 0 {
			children = n.Any
		}
		if len(children) > MaxFanout {
			return fmt.Errorf("composite node exceeds max fan-out %d: %w", MaxFanout, errs.ErrConfigValidation)
		}
		for _, c := range children {
			if err := walk(c, depth+1); err != nil {
				return err
			}
		}
		if n.Not != nil {
			if err := walk(n.Not, depth+1); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(root, 1)
}
