package modbus

import (
	"errors"
	"testing"

	"github.com/pili2026/talos/internal/config"
)

type fakeBus struct {
	regs     map[config.RegisterKind]map[int]uint16
	bits     map[config.RegisterKind]map[int]bool
	failKind config.RegisterKind
	failFrom int
	reads    []BulkRange
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		regs: map[config.RegisterKind]map[int]uint16{},
		bits: map[config.RegisterKind]map[int]bool{},
		failFrom: -1,
	}
}

func (b *fakeBus) set(kind config.RegisterKind, addr int, val uint16) {
	if b.regs[kind] == nil {
		b.regs[kind] = map[int]uint16{}
	}
	b.regs[kind][addr] = val
}

func (b *fakeBus) EnsureConnected() error { return nil }

func (b *fakeBus) ReadRegisters(kind config.RegisterKind, start, count int) ([]uint16, error) {
	b.reads = append(b.reads, BulkRange{Kind: kind, Start: start, Count: count})
	if kind == b.failKind && start == b.failFrom {
		return nil, errors.New("simulated bus failure")
	}
	out := make([]uint16, count)
	for i := 0; i < count; i++ {
		out[i] = b.regs[kind][start+i]
	}
	return out, nil
}

func (b *fakeBus) ReadBits(kind config.RegisterKind, start, count int) ([]bool, error) {
	out := make([]bool, count)
	for i := 0; i < count; i++ {
		out[i] = b.bits[kind][start+i]
	}
	return out, nil
}

func (b *fakeBus) WriteRegister(addr int, val uint16) error {
	b.set(config.KindHolding, addr, val)
	return nil
}

func (b *fakeBus) WriteRegisters(addr int, vals []uint16) error {
	for i, v := range vals {
		b.set(config.KindHolding, addr+i, v)
	}
	return nil
}

func (b *fakeBus) WriteCoil(addr int, val bool) error {
	if b.bits[config.KindCoil] == nil {
		b.bits[config.KindCoil] = map[int]bool{}
	}
	b.bits[config.KindCoil][addr] = val
	return nil
}

func (b *fakeBus) Close() error { return nil }

func off(n int) *int { return &n }

func testInstance() config.DeviceInstance {
	defs := map[string]config.RegisterDefinition{
		"A":      {Offset: off(0), Format: config.FormatU16, Kind: config.KindHolding, Readable: true},
		"B":      {Offset: off(1), Format: config.FormatU16, Kind: config.KindHolding, Readable: true},
		"RW_HZ":  {Offset: off(10), Format: config.FormatU16, Kind: config.KindHolding, Readable: true, Writable: true},
		"STATUS": {Offset: off(20), Format: config.FormatU16, Kind: config.KindDiscreteInput, Readable: true},
	}
	return config.DeviceInstance{
		DeviceID:    "TECO_VFD_2",
		Model:       "TECO_VFD",
		SlaveID:     2,
		RegisterMap: config.NewRegisterMap(defs, config.KindHolding),
	}
}

func TestReadAllMergesContiguousBulkRange(t *testing.T) {
	bus := newFakeBus()
	bus.set(config.KindHolding, 0, 11)
	bus.set(config.KindHolding, 1, 22)
	bus.set(config.KindHolding, 10, 60)

	dev := NewGenericDevice(testInstance(), bus)
	values := dev.ReadAll()

	if values["A"] != 11 || values["B"] != 22 || values["RW_HZ"] != 60 {
		t.Fatalf("unexpected values: %+v", values)
	}

	var merged bool
	for _, r := range bus.reads {
		if r.Kind == config.KindHolding && r.Start == 0 && r.Count == 2 {
			merged = true
		}
	}
	if !merged {
		t.Errorf("expected A and B merged into one contiguous range, got reads %+v", bus.reads)
	}
}

func TestReadAllSentinelsOnRangeFailure(t *testing.T) {
	bus := newFakeBus()
	bus.failKind = config.KindHolding
	bus.failFrom = 0

	dev := NewGenericDevice(testInstance(), bus)
	values := dev.ReadAll()

	if values["A"] != -1 || values["B"] != -1 {
		t.Errorf("expected sentinel values on bulk failure, got %+v", values)
	}
}

func TestWriteValueThenReadBack(t *testing.T) {
	bus := newFakeBus()
	dev := NewGenericDevice(testInstance(), bus)

	if err := dev.WriteValue("RW_HZ", 42); err != nil {
		t.Fatal(err)
	}
	v, err := dev.ReadValue("RW_HZ")
	if err != nil {
		t.Fatal(err)
	}
	if v != 42 {
		t.Errorf("expected 42, got %v", v)
	}
}

func TestProbeSingleRegisterSucceeds(t *testing.T) {
	bus := newFakeBus()
	bus.set(config.KindDiscreteInput, 20, 1)

	inst := testInstance()
	inst.HealthCheck = config.HealthCheckConfig{
		Strategy: config.StrategySingleRegister,
		Register: "STATUS",
	}
	dev := NewGenericDevice(inst, bus)

	if err := dev.Probe(); err != nil {
		t.Fatalf("expected probe to succeed, got %v", err)
	}
}

func TestProbeSingleRegisterFailsOnBusError(t *testing.T) {
	bus := newFakeBus()
	bus.failKind = config.KindHolding
	bus.failFrom = 10

	inst := testInstance()
	inst.HealthCheck = config.HealthCheckConfig{
		Strategy: config.StrategySingleRegister,
		Register: "RW_HZ",
	}
	dev := NewGenericDevice(inst, bus)

	if err := dev.Probe(); err == nil {
		t.Fatal("expected probe to fail on bus error")
	}
}

func TestProbePartialBulkReadsConfiguredRange(t *testing.T) {
	bus := newFakeBus()
	bus.set(config.KindHolding, 0, 11)
	bus.set(config.KindHolding, 1, 22)

	inst := testInstance()
	inst.HealthCheck = config.HealthCheckConfig{
		Strategy:      config.StrategyPartialBulk,
		RegisterStart: 0,
		RegisterCount: 2,
		RegisterType:  config.KindHolding,
	}
	dev := NewGenericDevice(inst, bus)

	if err := dev.Probe(); err != nil {
		t.Fatalf("expected probe to succeed, got %v", err)
	}

	var found bool
	for _, r := range bus.reads {
		if r.Kind == config.KindHolding && r.Start == 0 && r.Count == 2 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a bounded range read, got reads %+v", bus.reads)
	}
}

func TestProbeFailsWithNoStrategy(t *testing.T) {
	dev := NewGenericDevice(testInstance(), newFakeBus())
	if err := dev.Probe(); err == nil {
		t.Fatal("expected probe to fail with no resolved health check strategy")
	}
}
