package health

import "github.com/pili2026/talos/internal/config"

// ReadProbe performs a minimal register read, returning an error on
// failure. The monitor passes modbus.GenericDevice.Probe, which handles
// both the single-register and the PARTIAL_BULK strategy.
type ReadProbe func() error

// QuickHealthCheck runs the probe configured (or inferred) for a device
// and reports whether it succeeded.
func QuickHealthCheck(probe ReadProbe) bool {
	if probe == nil {
		return false
	}
	return probe() == nil
}

// ResolveHealthCheck returns cfg unchanged if it already names a register
// or count, else asks the Inferencer to pick one for deviceType.
func ResolveHealthCheck(deviceType string, rm *config.RegisterMap, cfg config.HealthCheckConfig) config.HealthCheckConfig {
	if cfg.Register != "" || cfg.RegisterCount > 0 {
		return cfg
	}
	return Inferencer{}.Infer(deviceType, rm)
}
