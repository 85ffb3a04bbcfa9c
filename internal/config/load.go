package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/pili2026/talos/internal/alert"
	"github.com/pili2026/talos/internal/condition"
	"github.com/pili2026/talos/internal/control"
	"github.com/pili2026/talos/internal/obs/errs"
	"github.com/pili2026/talos/internal/obs/log"
)

// Config is the fully validated, typed view of every YAML file named in
// spec.md §6, assembled by Load. Every component is constructed from this
// struct rather than reading files itself (Design Note: singletons ->
// explicit dependencies).
type Config struct {
	Devices    []DeviceInstance
	AlertRules map[string][]alert.Rule // deviceID -> rules
	ControlRules map[string][]control.Rule // deviceID -> rules

	Sender          SenderConfig
	Notifier        NotifierConfig
	System          SystemConfig
	SnapshotStorage SnapshotStorageConfig
	TimeConditions  TimeConditionConfig
}

// Load reads the full config directory (the files named in spec.md §6)
// and assembles a Config. A read or parse failure of modbus_device.yml,
// device_instance_config.yml or a driver file is a fatal init error; the
// caller aborts startup. The other files are optional: a read or parse
// failure of any of them is ignored, and that file contributes its zero
// value (or no rules).
func Load(dir string) (*Config, error) {
	modbusRaw, err := loadYAML[rawModbusDeviceConfig](filepath.Join(dir, "modbus_device.yml"))
	if err != nil {
		return nil, fmt.Errorf("loading modbus_device.yml: %w", errs.ErrFatalInit)
	}

	instanceRaw, err := loadYAML[rawDeviceInstanceConfig](filepath.Join(dir, "device_instance_config.yml"))
	if err != nil {
		return nil, fmt.Errorf("loading device_instance_config.yml: %w", errs.ErrFatalInit)
	}

	sender, _ := loadYAML[SenderConfig](filepath.Join(dir, "sender_config.yml"))
	notifier, _ := loadYAML[NotifierConfig](filepath.Join(dir, "notifier_config.yml"))
	system, _ := loadYAML[SystemConfig](filepath.Join(dir, "system_config.yml"))
	storage, _ := loadYAML[SnapshotStorageConfig](filepath.Join(dir, "snapshot_storage.yml"))
	timeConditions, _ := loadYAML[TimeConditionConfig](filepath.Join(dir, "time_condition.yml"))

	cfg := &Config{
		AlertRules:      make(map[string][]alert.Rule),
		ControlRules:    make(map[string][]control.Rule),
		Sender:          sender,
		Notifier:        notifier,
		System:          system,
		SnapshotStorage: storage,
		TimeConditions:  timeConditions,
	}

	driverCache := make(map[string]rawDriverConfig)

	for _, dev := range modbusRaw.Devices {
		driver, ok := driverCache[dev.ModelFile]
		if !ok {
			driver, err = loadYAML[rawDriverConfig](filepath.Join(dir, dev.ModelFile))
			if err != nil {
				return nil, fmt.Errorf("loading driver file %s for model %s: %w", dev.ModelFile, dev.Model, errs.ErrFatalInit)
			}
			driverCache[dev.ModelFile] = driver
		}

		modelCfg := instanceRaw.Models[dev.Model]
		instanceOverride := modelCfg.Instances[fmt.Sprint(dev.SlaveID)]

		registerDefs := make(map[string]RegisterDefinition, len(driver.RegisterMap))
		for name, def := range driver.RegisterMap {
			registerDefs[name] = def
		}
		for name, def := range instanceOverride.Pins {
			registerDefs[name] = def
		}
		registerMap := NewRegisterMap(registerDefs, driver.RegisterType)

		constraints := mergeConstraints(instanceRaw.GlobalDefaults.Constraints, modelCfg.DefaultConstraints, instanceOverride.Constraints)

		busCfg := modbusRaw.Buses[dev.Bus]
		if dev.Port != "" {
			busCfg.Port = dev.Port
		}

		health := HealthCheckConfig{}
		if driver.HealthCheck != nil {
			health = *driver.HealthCheck
		}

		deviceID := fmt.Sprintf("%s_%d", dev.Model, dev.SlaveID)

		cfg.Devices = append(cfg.Devices, DeviceInstance{
			DeviceID:     deviceID,
			Model:        dev.Model,
			SlaveID:      dev.SlaveID,
			DeviceType:   dev.Type,
			BusName:      dev.Bus,
			Bus:          busCfg,
			RegisterMap:  registerMap,
			Constraints:  constraints,
			HealthCheck:  health,
			OnOffBinding: instanceOverride.OnOffBinding,
			PollInterval: cfg.System.PollIntervalSec,
		})
	}

	if err := loadAlertRules(dir, cfg); err != nil {
		return nil, err
	}
	if err := loadControlRules(dir, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadYAML[T any](path string) (T, error) {
	var out T
	data, err := os.ReadFile(path)
	if err != nil {
		return out, err
	}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

// mergeConstraints applies the 3-level merge: global defaults, then model
// defaults, then instance override, each layer overwriting keys it sets.
func mergeConstraints(layers ...map[string]Bounds) ConstraintPolicy {
	out := make(ConstraintPolicy)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

func loadAlertRules(dir string, cfg *Config) error {
	raw, err := loadYAML[map[string]rawAlertModelConfig](filepath.Join(dir, "alert_condition.yml"))
	if err != nil {
		return nil // optional file
	}
	for model, modelCfg := range raw {
		for slaveKey, instCfg := range modelCfg.Instances {
			deviceID := fmt.Sprintf("%s_%s", model, slaveKey)
			var rules []alert.Rule
			if instCfg.UseDefaultAlerts {
				rules = append(rules, modelCfg.DefaultAlerts...)
			}
			rules = append(rules, instCfg.Alerts...)
			cfg.AlertRules[deviceID] = rules
		}
	}
	return nil
}

// loadControlRules loads control_condition.yml and applies the priority
// conflict resolution from spec.md §4.7: group by priority, keep only the
// last rule at each priority (instance overrides default), logging
// dropped codes.
func loadControlRules(dir string, cfg *Config) error {
	raw, err := loadYAML[map[string]rawControlModelConfig](filepath.Join(dir, "control_condition.yml"))
	if err != nil {
		return nil // optional file
	}
	for model, modelCfg := range raw {
		for slaveKey, instCfg := range modelCfg.Instances {
			deviceID := fmt.Sprintf("%s_%s", model, slaveKey)
			var combined []control.Rule
			if instCfg.UseDefaultControls {
				combined = append(combined, modelCfg.DefaultControls...)
			}
			combined = append(combined, instCfg.Controls...)

			resolved, dropped := resolvePriorityConflicts(combined)
			for _, code := range dropped {
				log.WithDevice(deviceID).Warnf("control rule %s dropped: lower priority rule superseded at same priority level", code)
			}
			for i := range resolved {
				if resolved[i].Composite != nil {
					if err := condition.AssignIDs(resolved[i].Composite); err != nil {
						return fmt.Errorf("device %s control rule %s: %w", deviceID, resolved[i].Code, err)
					}
				}
			}
			cfg.ControlRules[deviceID] = resolved
		}
	}
	return nil
}

// resolvePriorityConflicts groups rules by priority and keeps only the
// last rule seen at each priority level (later entries, i.e. instance
// overrides appended after defaults, win), returning the survivors sorted
// by priority ascending and the codes of the rules that were dropped.
func resolvePriorityConflicts(rules []control.Rule) (resolved []control.Rule, dropped []string) {
	lastAtPriority := make(map[int]control.Rule)
	order := make([]int, 0)
	for _, r := range rules {
		if prev, ok := lastAtPriority[r.Priority]; ok {
			dropped = append(dropped, prev.Code)
		} else {
			order = append(order, r.Priority)
		}
		lastAtPriority[r.Priority] = r
	}
	sort.Ints(order)
	for _, p := range order {
		resolved = append(resolved, lastAtPriority[p])
	}
	return resolved, dropped
}
