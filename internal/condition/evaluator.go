package condition

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/pili2026/talos/internal/snapshot"
)

// ExecutionHistoryStore persists the last-fired timestamp for a rule code,
// so a time_elapsed leaf respects its interval across process restarts.
// Backed by the snapshot store's SQLite handle (a second table, not a
// second engine) in cmd/talosd's wiring.
type ExecutionHistoryStore interface {
	LastExecution(ruleCode string) (time.Time, bool, error)
	RecordExecution(ruleCode string, at time.Time) error
}

// leafState is the stabilization memory for one leaf node: its last
// stabilized (post-hysteresis, post-debounce) output, and the debounce
// pending timer.
type leafState struct {
	lastStable   bool
	pendingSince time.Time
	pendingSet   bool
}

// Evaluator evaluates composite Nodes against Snapshots, stabilizing
// numeric leaves with hysteresis and debounce and keeping per-leaf state
// across calls (keyed by Node.ID, assigned by AssignIDs at load time).
type Evaluator struct {
	mu      sync.Mutex
	states  map[int]*leafState
	history ExecutionHistoryStore
	ruleCode string
}

// NewEvaluator returns an Evaluator for a single rule. history may be nil
// if the rule tree contains no time_elapsed leaf.
func NewEvaluator(ruleCode string, history ExecutionHistoryStore) *Evaluator {
	return &Evaluator{
		states:   make(map[int]*leafState),
		history:  history,
		ruleCode: ruleCode,
	}
}

// Reset discards all per-leaf stabilization state, used on config reload
// since rule identity (and therefore Node.ID) is reassigned.
func (e *Evaluator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states = make(map[int]*leafState)
}

// Evaluate returns the boolean result of the tree rooted at n against s,
// evaluated at "now" (passed explicitly so tests control time).
func (e *Evaluator) Evaluate(n *Node, s snapshot.Snapshot, now time.Time) (bool, error) {
	if n == nil {
		return false, nil
	}
	switch {
	case len(n.All) > 0:
		for _, c := range n.All {
			ok, err := e.Evaluate(c, s, now)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case len(n.Any) > 0:
		for _, c := range n.Any {
			ok, err := e.Evaluate(c, s, now)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case n.Not != nil:
		ok, err := e.Evaluate(n.Not, s, now)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}

	switch n.Leaf {
	case LeafThreshold:
		return e.evaluateThreshold(n, s, now)
	case LeafDifference:
		return e.evaluateDifference(n, s, now)
	case LeafTimeElapsed:
		return e.evaluateTimeElapsed(n, now)
	default:
		return false, fmt.Errorf("composite node %d has no leaf or group", n.ID)
	}
}

func (e *Evaluator) evaluateThreshold(n *Node, s snapshot.Snapshot, now time.Time) (bool, error) {
	leaf := n.Threshold
	v, ok := s.Get(leaf.Source)
	if !ok {
		return e.stabilize(n.ID, false, now, leaf.DebounceSec), nil
	}
	rawTrue := compare(v, leaf.Op, leaf.Threshold, leaf.Min, leaf.Max, leaf.ComparisonTolerance, e.widened(n.ID, leaf.Hysteresis))
	return e.stabilize(n.ID, rawTrue, now, leaf.DebounceSec), nil
}

func (e *Evaluator) evaluateDifference(n *Node, s snapshot.Snapshot, now time.Time) (bool, error) {
	leaf := n.Difference
	v1, ok1 := s.Get(leaf.Sources[0])
	v2, ok2 := s.Get(leaf.Sources[1])
	if !ok1 || !ok2 {
		return e.stabilize(n.ID, false, now, leaf.DebounceSec), nil
	}
	d := v1 - v2
	if leaf.Abs {
		d = math.Abs(d)
	}
	rawTrue := compare(d, leaf.Op, leaf.Threshold, leaf.Min, leaf.Max, leaf.ComparisonTolerance, e.widened(n.ID, leaf.Hysteresis))
	return e.stabilize(n.ID, rawTrue, now, leaf.DebounceSec), nil
}

func (e *Evaluator) evaluateTimeElapsed(n *Node, now time.Time) (bool, error) {
	leaf := n.TimeElapsed
	if leaf.IntervalHours <= 0 {
		return false, nil
	}
	if e.history == nil {
		return false, fmt.Errorf("time_elapsed leaf requires an execution history store")
	}
	last, found, err := e.history.LastExecution(e.ruleCode)
	if err != nil {
		return false, err
	}
	if !found {
		return true, e.history.RecordExecution(e.ruleCode, now)
	}
	elapsed := now.Sub(last)
	if elapsed >= time.Duration(leaf.IntervalHours*float64(time.Hour)) {
		return true, e.history.RecordExecution(e.ruleCode, now)
	}
	return false, nil
}

// widened returns the hysteresis amount to apply: the full configured
// hysteresis if the leaf's last stabilized output was true, zero
// otherwise. Prevents chatter near the boundary by only widening the
// comparison once the leaf has already reported true.
func (e *Evaluator) widened(id int, hysteresis float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[id]
	if !ok || !st.lastStable {
		return 0
	}
	return hysteresis
}

// stabilize applies debounce to a raw comparison result and records the
// new stabilized output for the next call's hysteresis widening.
func (e *Evaluator) stabilize(id int, rawTrue bool, now time.Time, debounceSec float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[id]
	if !ok {
		st = &leafState{}
		e.states[id] = st
	}

	if debounceSec <= 0 {
		st.lastStable = rawTrue
		st.pendingSet = false
		return rawTrue
	}

	if !rawTrue {
		st.pendingSet = false
		st.lastStable = false
		return false
	}

	if !st.pendingSet {
		st.pendingSince = now
		st.pendingSet = true
	}

	stable := now.Sub(st.pendingSince) >= time.Duration(debounceSec*float64(time.Second))
	st.lastStable = stable
	return stable
}

// compare applies the operator comparison, widening the effective bound
// by `widen` (hysteresis) in the direction that keeps a previously-true
// leaf true.
func compare(v float64, op Operator, threshold, min, max, tolerance, widen float64) bool {
	switch op {
	case OpGT:
		return v > threshold-widen
	case OpLT:
		return v < threshold+widen
	case OpGE:
		return v >= threshold-widen
	case OpLE:
		return v <= threshold+widen
	case OpEQ:
		tol := tolerance
		if widen > tol {
			tol = widen
		}
		return math.Abs(v-threshold) <= tol
	case OpNE:
		return math.Abs(v-threshold) > tolerance
	case OpBetween:
		return v >= min-widen && v <= max+widen
	default:
		return false
	}
}

// ReasonString builds a human-readable summary of the tree structure,
// e.g. "(threshold(AIn01 gt 49) AND NOT(difference([A,B] gt 4)))", used in
// control action reasons and alert notifications.
func ReasonString(n *Node) string {
	if n == nil {
		return ""
	}
	switch {
	case len(n.All) > 0:
		return "(" + joinReasons(n.All, " AND ") + ")"
	case len(n.Any) > 0:
		return "(" + joinReasons(n.Any, " OR ") + ")"
	case n.Not != nil:
		return "NOT(" + ReasonString(n.Not) + ")"
	}
	switch n.Leaf {
	case LeafThreshold:
		l := n.Threshold
		if l.Op == OpBetween {
			return fmt.Sprintf("threshold(%s between %v,%v)", l.Source, l.Min, l.Max)
		}
		return fmt.Sprintf("threshold(%s %s %v)", l.Source, l.Op, l.Threshold)
	case LeafDifference:
		l := n.Difference
		if l.Op == OpBetween {
			return fmt.Sprintf("difference([%s,%s] between %v,%v)", l.Sources[0], l.Sources[1], l.Min, l.Max)
		}
		return fmt.Sprintf("difference([%s,%s] %s %v)", l.Sources[0], l.Sources[1], l.Op, l.Threshold)
	case LeafTimeElapsed:
		return fmt.Sprintf("time_elapsed(%vh)", n.TimeElapsed.IntervalHours)
	default:
		return "?"
	}
}

func joinReasons(nodes []*Node, sep string) string {
	parts := make([]string, len(nodes))
	for i, c := range nodes {
		parts[i] = ReasonString(c)
	}
	return strings.Join(parts, sep)
}
