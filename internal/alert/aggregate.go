package alert

import (
	"fmt"
	"math"

	"github.com/pili2026/talos/internal/snapshot"
)

// evaluateLegacy applies a legacy type-based Rule to a snapshot: aggregates
// Sources per Type, then compares the scalar to Threshold via Operator.
// Returns the aggregated value alongside the triggered verdict so callers
// can pass it to StateManager.ShouldNotify as lastValue.
func evaluateLegacy(rule Rule, s snapshot.Snapshot) (triggered bool, value float64, err error) {
	values := make([]float64, 0, len(rule.Sources))
	for _, src := range rule.Sources {
		v, ok := s.Get(src)
		if !ok {
			return false, 0, nil
		}
		values = append(values, v)
	}

	switch rule.Type {
	case TypeThreshold:
		if len(values) == 0 {
			return false, 0, nil
		}
		value = values[0]
	case TypeAverage, TypeSum, TypeMin, TypeMax:
		if len(values) < 2 {
			return false, 0, fmt.Errorf("alert rule %s: type %s requires at least 2 sources", rule.Code, rule.Type)
		}
		value = aggregate(rule.Type, values)
	default:
		return false, 0, fmt.Errorf("alert rule %s: unknown type %q", rule.Code, rule.Type)
	}

	return compareLegacy(value, rule.Operator, rule.Threshold), value, nil
}

func aggregate(t LegacyType, values []float64) float64 {
	switch t {
	case TypeSum:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum
	case TypeAverage:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	case TypeMin:
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m
	case TypeMax:
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m
	default:
		return values[0]
	}
}

func compareLegacy(v float64, op Operator, threshold float64) bool {
	switch op {
	case OpGT:
		return v > threshold
	case OpLT:
		return v < threshold
	case OpGE:
		return v >= threshold
	case OpLE:
		return v <= threshold
	case OpEQ:
		return math.Abs(v-threshold) < 1e-9
	case OpNE:
		return math.Abs(v-threshold) >= 1e-9
	default:
		return false
	}
}
