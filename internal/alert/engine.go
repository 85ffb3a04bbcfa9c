package alert

import (
	"fmt"
	"time"

	"github.com/pili2026/talos/internal/condition"
	"github.com/pili2026/talos/internal/snapshot"
)

// Engine evaluates a device's alert rules against snapshots. Each rule
// takes one of two paths to a triggered/not-triggered verdict: the legacy
// type-based aggregation in evaluateLegacy, or a composite condition tree
// evaluated by a dedicated condition.Evaluator that carries hysteresis and
// debounce state across calls. Both paths feed the same StateManager.
type Engine struct {
	evaluators map[string]*condition.Evaluator
}

// NewEngine builds an Engine for rules, assigning a condition.Evaluator
// per composite rule code so stabilization state doesn't bleed across
// rules. history may be nil if no rule uses a time_elapsed leaf.
func NewEngine(rules []Rule, history condition.ExecutionHistoryStore) (*Engine, error) {
	evaluators := make(map[string]*condition.Evaluator, len(rules))
	for _, r := range rules {
		if r.Composite == nil {
			continue
		}
		if err := condition.AssignIDs(r.Composite); err != nil {
			return nil, fmt.Errorf("alert rule %s: %w", r.Code, err)
		}
		evaluators[r.Code] = condition.NewEvaluator(r.Code, history)
	}
	return &Engine{evaluators: evaluators}, nil
}

// Evaluate dispatches rule through the composite path if it carries a
// condition tree, otherwise through the legacy type-based path. The
// composite path reports no aggregated scalar (its verdict isn't a single
// comparison), so value is always 0 on that path.
func (e *Engine) Evaluate(rule Rule, s snapshot.Snapshot, now time.Time) (triggered bool, value float64, err error) {
	if rule.Composite == nil {
		return evaluateLegacy(rule, s)
	}
	ev, ok := e.evaluators[rule.Code]
	if !ok {
		return false, 0, fmt.Errorf("alert rule %s: no evaluator assigned", rule.Code)
	}
	triggered, err = ev.Evaluate(rule.Composite, s, now)
	return triggered, 0, err
}
