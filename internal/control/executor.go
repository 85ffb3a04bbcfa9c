package control

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pili2026/talos/internal/audit"
	"github.com/pili2026/talos/internal/obs/errs"
	"github.com/pili2026/talos/internal/obs/log"
)

// ValueTolerance is the default idempotence window: a write is skipped if
// the current register value is already within this of the target.
const ValueTolerance = 0.0

// Device is the subset of internal/modbus.GenericDevice the executor
// needs. Kept as a local interface so control has no import-time
// dependency on the transport layer.
type Device struct {
	Model   string
	SlaveID int

	HasRegister      func(name string) bool
	IsWritable       func(name string) bool
	ReadValue        func(name string) (float64, error)
	WriteValue       func(name string, value float64) error
	SupportsOnOff    func() bool
	ReadOnOffState   func() (bool, error)
	WriteOnOff       func(on bool) error
	OnOffBinding     *OnOffBinding
	ConstraintAllow  func(target string, value float64) bool
}

// DeviceLookup resolves a (model, slaveId) pair to a Device.
type DeviceLookup func(model string, slaveID int) (*Device, bool)

// HealthCheck reports whether a device is currently healthy (not in
// cooldown).
type HealthCheck func(deviceID string) bool

// Executor turns Actions into Modbus writes, with constraint checking,
// on/off translation, and deferral while a device is offline. It does not
// subscribe to a topic itself; callers pass each Action to Execute. Ported from the original control executor: same
// default-target map, same idempotence tolerance, same deferral semantics.
type Executor struct {
	lookup DeviceLookup
	health HealthCheck

	mu      sync.Mutex
	pending map[string]map[ActionType]Action // deviceID -> kind -> latest deferred action
}

// NewExecutor builds an Executor.
func NewExecutor(lookup DeviceLookup, health HealthCheck) *Executor {
	return &Executor{
		lookup:  lookup,
		health:  health,
		pending: make(map[string]map[ActionType]Action),
	}
}

// Execute applies one control action. While the device is unhealthy, a
// turn_on or turn_off is deferred until OnDeviceHealthy and any other
// action type is dropped.
func (e *Executor) Execute(action Action) error {
	dev, ok := e.lookup(action.Model, action.SlaveID)
	if !ok {
		log.WithFields(map[string]interface{}{"model": action.Model, "slave_id": action.SlaveID}).
			Warn("control action skipped: device not found")
		return fmt.Errorf("%s/%d: %w", action.Model, action.SlaveID, errs.ErrDeviceNotFound)
	}

	deviceID := fmt.Sprintf("%s_%d", action.Model, action.SlaveID)

	if e.health != nil && !e.health(deviceID) {
		e.defer_(deviceID, action)
		_ = audit.Log(audit.NewEvent(deviceID, string(action.Type)).WithRule(action.Reason).WithDeferred().WithSuccess())
		return nil
	}

	start := time.Now()
	err := e.apply(dev, action)
	event := audit.NewEvent(deviceID, string(action.Type)).WithRule(action.Reason).WithDuration(time.Since(start)).WithForced(action.Force)
	if action.Value != nil {
		event.WithWrite(action.Target, *action.Value)
	}
	if err != nil {
		event.WithError(err)
	} else {
		event.WithSuccess()
	}
	_ = audit.Log(event)
	return err
}

// OnDeviceHealthy flushes any deferred actions for deviceID, in the order
// turn_on then turn_off, as spec'd.
func (e *Executor) OnDeviceHealthy(deviceID string) {
	e.mu.Lock()
	byKind, ok := e.pending[deviceID]
	if ok {
		delete(e.pending, deviceID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	dev, found := e.lookupByDeviceID(deviceID)
	if !found {
		return
	}

	order := []ActionType{ActionTurnOn, ActionTurnOff}
	for _, kind := range order {
		act, ok := byKind[kind]
		if !ok {
			continue
		}
		start := time.Now()
		err := e.apply(dev, act)
		event := audit.NewEvent(deviceID, string(act.Type)).WithRule(act.Reason).WithDuration(time.Since(start))
		if err != nil {
			log.WithDevice(deviceID).Warnf("failed to flush deferred %s: %v", kind, err)
			event.WithError(err)
		} else {
			event.WithSuccess()
		}
		_ = audit.Log(event)
	}
}

func (e *Executor) lookupByDeviceID(deviceID string) (*Device, bool) {
	// deviceID is model_slaveId; reuse the existing lookup by splitting on
	// the last underscore the same way deviceid.Parse does.
	idx := lastIndexByte(deviceID, '_')
	if idx < 0 {
		return nil, false
	}
	model := deviceID[:idx]
	var slaveID int
	if _, err := fmt.Sscanf(deviceID[idx+1:], "%d", &slaveID); err != nil {
		return nil, false
	}
	return e.lookup(model, slaveID)
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func (e *Executor) defer_(deviceID string, action Action) {
	if action.Type != ActionTurnOn && action.Type != ActionTurnOff {
		log.WithDevice(deviceID).Debug("dropping non on/off action for offline device")
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	byKind, ok := e.pending[deviceID]
	if !ok {
		byKind = make(map[ActionType]Action)
		e.pending[deviceID] = byKind
	}
	byKind[action.Type] = action
	log.WithDevice(deviceID).WithField("action_type", action.Type).Debug("deferred control action while device offline")
}

func (e *Executor) apply(dev *Device, action Action) error {
	switch action.Type {
	case ActionTurnOn, ActionTurnOff:
		return e.applyOnOff(dev, action)
	default:
		return e.applyRegisterWrite(dev, action)
	}
}

func (e *Executor) applyOnOff(dev *Device, action Action) error {
	desired := action.Type == ActionTurnOn

	if dev.SupportsOnOff != nil && dev.SupportsOnOff() {
		if dev.ReadOnOffState != nil {
			current, err := dev.ReadOnOffState()
			if err == nil && current == desired {
				return nil // already in desired state
			}
		}
		return dev.WriteOnOff(desired)
	}

	if dev.OnOffBinding != nil {
		value := float64(dev.OnOffBinding.Off)
		if desired {
			value = float64(dev.OnOffBinding.On)
		}
		for _, target := range dev.OnOffBinding.Targets {
			if err := e.writeWithConstraint(dev, target, value, action.Force); err != nil {
				return err
			}
		}
		return nil
	}

	log.WithFields(map[string]interface{}{"model": dev.Model, "slave_id": dev.SlaveID}).
		Warn("control action skipped: device supports neither on/off nor an onOffBinding")
	return nil
}

func (e *Executor) applyRegisterWrite(dev *Device, action Action) error {
	target := action.Target
	if target == "" {
		target = DefaultTargetByAction[action.Type]
	}
	if target == "" {
		log.WithRule(string(action.Type)).Warn("control action skipped: no target register resolved")
		return nil
	}
	if !dev.HasRegister(target) || !dev.IsWritable(target) {
		log.WithDevice(fmt.Sprintf("%s_%d", dev.Model, dev.SlaveID)).Warnf("control action skipped: %s not writable", target)
		return nil
	}
	if action.Value == nil {
		log.WithRule(string(action.Type)).Warn("control action skipped: nil value")
		return nil
	}

	if action.Type == ActionAdjustFrequency {
		current, err := dev.ReadValue(target)
		if err != nil {
			current = 0 // best-effort: proceed with write on read failure
		}
		newValue := current + *action.Value
		return e.writeWithConstraint(dev, target, newValue, action.Force)
	}

	current, err := dev.ReadValue(target)
	if err == nil && math.Abs(current-*action.Value) <= ValueTolerance {
		return nil // idempotent: already at target value
	}
	return e.writeWithConstraint(dev, target, *action.Value, action.Force)
}

// writeWithConstraint enforces the device's constraint policy before
// writing. force=true bypasses a violation rather than rejecting it,
// widening the effective bounds to admit value for this write only —
// the underlying ConstraintAllow policy is never mutated.
func (e *Executor) writeWithConstraint(dev *Device, target string, value float64, force bool) error {
	if dev.ConstraintAllow != nil && !dev.ConstraintAllow(target, value) && !force {
		return fmt.Errorf("%s/%d target %s value %v: %w", dev.Model, dev.SlaveID, target, value, errs.ErrConstraintViolation)
	}
	return dev.WriteValue(target, value)
}
