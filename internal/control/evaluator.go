package control

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/pili2026/talos/internal/condition"
	"github.com/pili2026/talos/internal/obs/log"
	"github.com/pili2026/talos/internal/snapshot"
)

// ruleMatch pairs a rule with the actions its policy produced, before
// priority sorting and blocking truncation.
type ruleMatch struct {
	rule    Rule
	actions []Action
}

// RuleSet holds the control rules for one (model, slaveId) pair along with
// the per-rule composite evaluators that carry hysteresis/debounce state
// across calls.
type RuleSet struct {
	rules      []Rule
	evaluators map[string]*condition.Evaluator
}

// NewRuleSet builds a RuleSet, assigning a dedicated condition.Evaluator
// per rule code so stabilization state doesn't bleed across rules.
func NewRuleSet(rules []Rule, history condition.ExecutionHistoryStore) (*RuleSet, error) {
	evaluators := make(map[string]*condition.Evaluator, len(rules))
	for _, r := range rules {
		if r.Composite != nil {
			if err := condition.AssignIDs(r.Composite); err != nil {
				return nil, fmt.Errorf("control rule %s: %w", r.Code, err)
			}
		}
		evaluators[r.Code] = condition.NewEvaluator(r.Code, history)
	}
	return &RuleSet{rules: rules, evaluators: evaluators}, nil
}

// Evaluate matches every rule against s, applies policy transforms,
// collects matches sorted by priority ascending, then truncates to the
// highest-priority blocking match if one exists.
func (rs *RuleSet) Evaluate(snap snapshot.Snapshot, now time.Time) ([]Action, error) {
	var matches []ruleMatch

	for _, r := range rs.rules {
		ev := rs.evaluators[r.Code]
		matched, err := ev.Evaluate(r.Composite, snap, now)
		if err != nil {
			return nil, fmt.Errorf("control rule %s: %w", r.Code, err)
		}
		if !matched {
			continue
		}

		reason := condition.ReasonString(r.Composite)
		actions := make([]Action, 0, len(r.Actions))
		for _, a := range r.Actions {
			act := a
			act.Priority = r.Priority
			act.Reason = reason
			if r.Policy != nil {
				transformed, keep, err := applyPolicy(*r.Policy, act, snap)
				if err != nil {
					log.WithRule(r.Code).Warnf("skipping action: %v", err)
					continue
				}
				if !keep {
					continue
				}
				act = transformed
			}
			actions = append(actions, act)
		}
		matches = append(matches, ruleMatch{rule: r, actions: actions})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].rule.Priority < matches[j].rule.Priority
	})

	for _, i := range matches {
		if i.rule.Blocking {
			log.WithRule(i.rule.Code).Debug("blocking rule matched, truncating lower-priority matches")
			return i.actions, nil
		}
	}

	var out []Action
	for _, m := range matches {
		out = append(out, m.actions...)
	}
	return out, nil
}

// applyPolicy ports control_evaluator.py's _apply_policy_to_action: returns
// the transformed action and whether it should be kept (false drops a
// no-op incremental adjustment).
func applyPolicy(p Policy, act Action, snap snapshot.Snapshot) (Action, bool, error) {
	switch p.Type {
	case PolicyDiscreteSetpoint:
		return act, true, nil

	case PolicyAbsoluteLinear:
		src, ok := conditionValue(p, snap)
		if !ok {
			return act, false, fmt.Errorf("source unavailable for absolute_linear policy")
		}
		adjusted := math.Abs(src - p.BaseTemp)
		var value float64
		excess := adjusted - p.Deadband
		if excess <= 0 {
			value = p.BaseFreq
		} else {
			value = p.BaseFreq + excess*p.Gain
		}
		act.Value = &value
		return act, true, nil

	case PolicyIncrementalLinear:
		src, ok := conditionValue(p, snap)
		if !ok {
			return act, false, fmt.Errorf("source unavailable for incremental_linear policy")
		}
		var excess float64
		switch {
		case src > p.Deadband:
			excess = src - p.Deadband
		case src < -p.Deadband:
			excess = src + p.Deadband
		default:
			excess = 0
		}
		adjustment := excess * p.Gain
		if (p.HasMaxStep || p.MaxStep > 0) && math.Abs(adjustment) > p.MaxStep {
			if adjustment > 0 {
				adjustment = p.MaxStep
			} else {
				adjustment = -p.MaxStep
			}
		}
		const epsilon = 1e-9
		if math.Abs(adjustment) <= epsilon {
			return act, false, nil
		}
		act.Type = ActionAdjustFrequency
		act.Value = &adjustment
		return act, true, nil

	default:
		return act, false, fmt.Errorf("unknown policy type %q", p.Type)
	}
}

// conditionValue reads the policy's configured source: a single snapshot
// parameter, or the difference of two.
func conditionValue(p Policy, snap snapshot.Snapshot) (float64, bool) {
	if p.ConditionSource == ConditionDifference {
		v1, ok1 := snap.Get(p.Sources[0])
		v2, ok2 := snap.Get(p.Sources[1])
		if !ok1 || !ok2 {
			return 0, false
		}
		return v1 - v2, true
	}
	return snap.Get(p.Source)
}
