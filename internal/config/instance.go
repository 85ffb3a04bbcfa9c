package config

import "github.com/pili2026/talos/internal/control"

// HealthCheckStrategy selects the probe the Health Manager's inference
// engine chose (or the user configured explicitly) for a device's quick
// health check.
type HealthCheckStrategy string

const (
	StrategySingleRegister HealthCheckStrategy = "SINGLE_REGISTER"
	StrategyPartialBulk    HealthCheckStrategy = "PARTIAL_BULK"
)

// HealthCheckConfig configures the minimal probe used while a device is
// cooling down. Reason records why the inference engine (or explicit
// config) picked this strategy, surfaced in startup logs.
type HealthCheckConfig struct {
	Strategy       HealthCheckStrategy `yaml:"strategy"`
	Register       string              `yaml:"register"`
	RegisterStart  int                 `yaml:"register_start"`
	RegisterCount  int                 `yaml:"register_count"`
	RegisterType   RegisterKind        `yaml:"register_type"`
	RetryOnFailure int                 `yaml:"retry_on_failure"`
	TimeoutSec     float64             `yaml:"timeout_sec"`
	Reason         string              `yaml:"-"`
}

// BusConfig is one entry of modbus_device.yml's buses map.
type BusConfig struct {
	Port      string  `yaml:"port"`
	Baudrate  int     `yaml:"baudrate"`
	TimeoutSec float64 `yaml:"timeout"`
}

// DeviceInstance is the fully merged, typed view of one physical device:
// the result of combining modbus_device.yml, the driver file, and
// device_instance_config.yml's 3-level constraint merge.
type DeviceInstance struct {
	DeviceID     string
	Model        string
	SlaveID      int
	DeviceType   string
	BusName      string
	Bus          BusConfig
	RegisterMap  *RegisterMap
	Constraints  ConstraintPolicy
	HealthCheck  HealthCheckConfig
	OnOffBinding *control.OnOffBinding
	PollInterval float64
}
