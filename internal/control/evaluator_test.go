package control

import (
	"testing"
	"time"

	"github.com/pili2026/talos/internal/condition"
	"github.com/pili2026/talos/internal/snapshot"
)

func f(v float64) *float64 { return &v }

func TestPriorityAndBlocking(t *testing.T) {
	emergency := Rule{
		Code:      "EMERGENCY_STOP",
		Priority:  0,
		Blocking:  true,
		Composite: &condition.Node{Threshold: &condition.ThresholdLeaf{Source: "AIn01", Op: condition.OpGT, Threshold: 0}},
		Actions:   []Action{{Type: ActionSetFrequency, Value: f(0)}},
	}
	normal := Rule{
		Code:      "NORMAL_RUN",
		Priority:  20,
		Composite: &condition.Node{Threshold: &condition.ThresholdLeaf{Source: "AIn01", Op: condition.OpGT, Threshold: 0}},
		Actions:   []Action{{Type: ActionSetFrequency, Value: f(50)}},
	}
	rs, err := NewRuleSet([]Rule{normal, emergency}, nil)
	if err != nil {
		t.Fatal(err)
	}
	actions, err := rs.Evaluate(snapshot.Snapshot{Values: map[string]float64{"AIn01": 1}}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected exactly 1 action (emergency only), got %d", len(actions))
	}
	if *actions[0].Value != 0 {
		t.Errorf("expected emergency action value 0, got %v", *actions[0].Value)
	}
}

func TestIncrementalLinearPolicy(t *testing.T) {
	rule := Rule{
		Code:      "R1",
		Priority:  10,
		Composite: &condition.Node{Threshold: &condition.ThresholdLeaf{Source: "A", Op: condition.OpGT, Threshold: 0}},
		Policy: &Policy{
			Type:            PolicyIncrementalLinear,
			ConditionSource: ConditionDifference,
			Sources:         [2]string{"A", "B"},
			Gain:            1.5,
			Deadband:        4,
		},
		Actions: []Action{{Type: ActionAdjustFrequency, Target: "RW_HZ"}},
	}
	rs, err := NewRuleSet([]Rule{rule}, nil)
	if err != nil {
		t.Fatal(err)
	}
	actions, err := rs.Evaluate(snapshot.Snapshot{Values: map[string]float64{"A": 38, "B": 25}}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(actions))
	}
	want := (38.0 - 25.0 - 4.0) * 1.5
	if *actions[0].Value != want {
		t.Errorf("got value %v want %v", *actions[0].Value, want)
	}
	if actions[0].Type != ActionAdjustFrequency {
		t.Errorf("expected type adjust_frequency, got %v", actions[0].Type)
	}
}

func TestIncrementalLinearWithinDeadbandDropsAction(t *testing.T) {
	rule := Rule{
		Code:      "R1",
		Priority:  10,
		Composite: &condition.Node{Threshold: &condition.ThresholdLeaf{Source: "A", Op: condition.OpGE, Threshold: 0}},
		Policy: &Policy{
			Type:            PolicyIncrementalLinear,
			ConditionSource: ConditionDifference,
			Sources:         [2]string{"A", "B"},
			Gain:            1.5,
			Deadband:        10,
		},
		Actions: []Action{{Type: ActionAdjustFrequency}},
	}
	rs, _ := NewRuleSet([]Rule{rule}, nil)
	actions, err := rs.Evaluate(snapshot.Snapshot{Values: map[string]float64{"A": 5, "B": 1}}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(actions) != 0 {
		t.Fatalf("expected action dropped inside deadband, got %d", len(actions))
	}
}
