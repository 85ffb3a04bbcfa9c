package control

import "testing"

func newTestDevice() (*Device, map[string]float64) {
	regs := map[string]float64{"RW_HZ": 50, "RW_DO": 0}
	dev := &Device{
		Model:   "TECO_VFD",
		SlaveID: 2,
		HasRegister: func(name string) bool {
			_, ok := regs[name]
			return ok
		},
		IsWritable: func(name string) bool { return true },
		ReadValue: func(name string) (float64, error) {
			return regs[name], nil
		},
		WriteValue: func(name string, value float64) error {
			regs[name] = value
			return nil
		},
		ConstraintAllow: func(target string, value float64) bool { return true },
	}
	return dev, regs
}

func TestAdjustFrequencyAddsToCurrent(t *testing.T) {
	dev, regs := newTestDevice()
	lookup := func(model string, slaveID int) (*Device, bool) { return dev, true }
	ex := NewExecutor(lookup, func(string) bool { return true })

	delta := 1.5
	err := ex.Execute(Action{Model: "TECO_VFD", SlaveID: 2, Type: ActionAdjustFrequency, Target: "RW_HZ", Value: &delta})
	if err != nil {
		t.Fatal(err)
	}
	if regs["RW_HZ"] != 51.5 {
		t.Errorf("got RW_HZ=%v want 51.5", regs["RW_HZ"])
	}
}

func TestIdempotentWriteSkipped(t *testing.T) {
	dev, regs := newTestDevice()
	writeCount := 0
	orig := dev.WriteValue
	dev.WriteValue = func(name string, value float64) error {
		writeCount++
		return orig(name, value)
	}
	lookup := func(model string, slaveID int) (*Device, bool) { return dev, true }
	ex := NewExecutor(lookup, func(string) bool { return true })

	v := 50.0
	ex.Execute(Action{Model: "TECO_VFD", SlaveID: 2, Type: ActionSetFrequency, Target: "RW_HZ", Value: &v})
	if writeCount != 0 {
		t.Errorf("expected idempotent skip, got %d writes", writeCount)
	}
	_ = regs
}

func TestOfflineDeferralFlushesOnRecovery(t *testing.T) {
	dev, _ := newTestDevice()
	onOffState := false
	dev.SupportsOnOff = func() bool { return true }
	dev.ReadOnOffState = func() (bool, error) { return onOffState, nil }
	dev.WriteOnOff = func(on bool) error {
		onOffState = on
		return nil
	}

	lookup := func(model string, slaveID int) (*Device, bool) { return dev, true }
	healthy := false
	ex := NewExecutor(lookup, func(string) bool { return healthy })

	if err := ex.Execute(Action{Model: "TECO_VFD", SlaveID: 2, Type: ActionTurnOn}); err != nil {
		t.Fatal(err)
	}
	if onOffState {
		t.Fatalf("action should have been deferred while offline")
	}

	healthy = true
	ex.OnDeviceHealthy("TECO_VFD_2")
	if !onOffState {
		t.Fatalf("expected deferred turn_on to flush on recovery")
	}
}

func TestForceOverridesConstraintViolation(t *testing.T) {
	dev, regs := newTestDevice()
	dev.ConstraintAllow = func(target string, value float64) bool { return value <= 60 }
	lookup := func(model string, slaveID int) (*Device, bool) { return dev, true }
	ex := NewExecutor(lookup, func(string) bool { return true })

	v := 100.0
	err := ex.Execute(Action{Model: "TECO_VFD", SlaveID: 2, Type: ActionSetFrequency, Target: "RW_HZ", Value: &v, Force: true})
	if err != nil {
		t.Fatalf("expected forced write to bypass constraint, got %v", err)
	}
	if regs["RW_HZ"] != 100 {
		t.Errorf("got RW_HZ=%v want 100 after forced write", regs["RW_HZ"])
	}
}

func TestConstraintViolationRejectsWrite(t *testing.T) {
	dev, regs := newTestDevice()
	dev.ConstraintAllow = func(target string, value float64) bool { return value <= 60 }
	lookup := func(model string, slaveID int) (*Device, bool) { return dev, true }
	ex := NewExecutor(lookup, func(string) bool { return true })

	v := 100.0
	err := ex.Execute(Action{Model: "TECO_VFD", SlaveID: 2, Type: ActionSetFrequency, Target: "RW_HZ", Value: &v})
	if err == nil {
		t.Fatalf("expected constraint violation error")
	}
	if regs["RW_HZ"] != 50 {
		t.Errorf("register should be unchanged after rejected write, got %v", regs["RW_HZ"])
	}
}
