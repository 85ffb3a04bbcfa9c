package health

import (
	"testing"

	"github.com/pili2026/talos/internal/config"
)

func offp(n int) *int { return &n }

func newTestRegisterMap(offsets map[string]int) *config.RegisterMap {
	defs := make(map[string]config.RegisterDefinition, len(offsets))
	for name, off := range offsets {
		defs[name] = config.RegisterDefinition{
			Offset:   offp(off),
			Format:   config.FormatU16,
			Kind:     config.KindHolding,
			Readable: true,
		}
	}
	return config.NewRegisterMap(defs, config.KindHolding)
}

func TestInferPicksStatusKeywordRegister(t *testing.T) {
	rm := newTestRegisterMap(map[string]int{"RW_HZ": 10, "COMM_STATUS": 5, "A": 0})
	cfg := Inferencer{}.Infer("inverter", rm)
	if cfg.Register != "COMM_STATUS" {
		t.Fatalf("expected COMM_STATUS picked, got %+v", cfg)
	}
}

func TestInferFallsBackToSmallestOffsetNonControlForInverter(t *testing.T) {
	rm := newTestRegisterMap(map[string]int{"RW_HZ": 0, "FREQ": 5})
	cfg := Inferencer{}.Infer("inverter", rm)
	if cfg.Register != "FREQ" {
		t.Fatalf("expected FREQ (non RW_) picked over RW_HZ, got %+v", cfg)
	}
}

func TestInferPicksPartialBulkForPowerMeterWithStart(t *testing.T) {
	rm := newTestRegisterMap(map[string]int{"VOLT": 3, "AMP": 4, "HZ": 5})
	cfg := Inferencer{}.Infer("power_meter", rm)
	if cfg.Strategy != config.StrategyPartialBulk {
		t.Fatalf("expected partial bulk strategy, got %+v", cfg)
	}
	if cfg.RegisterStart != 3 {
		t.Fatalf("expected probe to start at the lowest offset (3), got %+v", cfg)
	}
	if cfg.RegisterCount != 3 {
		t.Fatalf("expected 3 contiguous registers, got %+v", cfg)
	}
}
