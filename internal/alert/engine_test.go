package alert

import (
	"testing"
	"time"

	"github.com/pili2026/talos/internal/condition"
	"github.com/pili2026/talos/internal/snapshot"
)

func TestEngineLegacyPathTriggers(t *testing.T) {
	rule := Rule{
		Code:      "AIN01_HIGH",
		Name:      "AIN01 high",
		Sources:   []string{"AIN01"},
		Type:      TypeThreshold,
		Operator:  OpGT,
		Threshold: 49,
		Severity:  SeverityWarning,
	}
	eng, err := NewEngine([]Rule{rule}, nil)
	if err != nil {
		t.Fatal(err)
	}

	s := snapshot.New("DEV1", "M", 1, "inverter", time.Now(), map[string]float64{"AIN01": 51})
	triggered, value, err := eng.Evaluate(rule, s, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !triggered || value != 51 {
		t.Fatalf("expected legacy path to trigger with value 51, got triggered=%v value=%v", triggered, value)
	}
}

func TestEngineCompositePathTriggers(t *testing.T) {
	rule := Rule{
		Code: "AIN01_COMPOSITE",
		Name: "AIN01 composite",
		Composite: &condition.Node{
			Leaf:      condition.LeafThreshold,
			Threshold: &condition.ThresholdLeaf{Source: "AIN01", Op: condition.OpGT, Threshold: 49},
		},
		Severity: SeverityCritical,
	}
	eng, err := NewEngine([]Rule{rule}, nil)
	if err != nil {
		t.Fatal(err)
	}

	low := snapshot.New("DEV1", "M", 1, "inverter", time.Now(), map[string]float64{"AIN01": 10})
	triggered, _, err := eng.Evaluate(rule, low, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if triggered {
		t.Fatal("expected composite path not to trigger below threshold")
	}

	high := snapshot.New("DEV1", "M", 1, "inverter", time.Now(), map[string]float64{"AIN01": 51})
	triggered, _, err = eng.Evaluate(rule, high, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if !triggered {
		t.Fatal("expected composite path to trigger above threshold")
	}
}

func TestEngineBothPathsFlowThroughStateManager(t *testing.T) {
	rule := Rule{
		Code: "AIN01_COMPOSITE",
		Name: "AIN01 composite",
		Composite: &condition.Node{
			Leaf:      condition.LeafThreshold,
			Threshold: &condition.ThresholdLeaf{Source: "AIN01", Op: condition.OpGT, Threshold: 49},
		},
		Severity: SeverityCritical,
	}
	eng, err := NewEngine([]Rule{rule}, nil)
	if err != nil {
		t.Fatal(err)
	}
	states := NewStateManager()
	now := time.Now()

	high := snapshot.New("DEV1", "M", 1, "inverter", now, map[string]float64{"AIN01": 51})
	triggered, value, err := eng.Evaluate(rule, high, now)
	if err != nil {
		t.Fatal(err)
	}
	notify, rec := states.ShouldNotify("DEV1", rule.Code, triggered, rule.Severity, value, now)
	if !notify || rec.State != StateTriggered {
		t.Fatalf("expected composite trigger to notify through the shared state manager, got notify=%v rec=%+v", notify, rec)
	}
}
