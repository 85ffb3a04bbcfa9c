package config

import (
	"os"
	"path/filepath"
	"testing"
)

const modbusDeviceYAML = `
buses:
  com1:
    port: /dev/ttyUSB0
    baudrate: 9600
    timeout: 1.0
devices:
  - model: TECO_VFD
    type: inverter
    model_file: teco_vfd.yml
    slave_id: 2
    bus: com1
`

const driverYAML = `
register_type: holding
register_map:
  A:
    offset: 0
    format: u16
    readable: true
    writable: false
  B:
    offset: 1
    format: u16
    readable: true
    writable: false
  RW_HZ:
    offset: 10
    format: u16
    readable: true
    writable: true
`

const instanceYAML = `
global_defaults:
  constraints:
    RW_HZ:
      min: 0
      max: 60
TECO_VFD:
  default_constraints:
    RW_HZ:
      min: 10
      max: 60
  instances:
    "2":
      constraints:
        RW_HZ:
          min: 20
          max: 55
`

func writeTestConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"modbus_device.yml":         modbusDeviceYAML,
		"teco_vfd.yml":              driverYAML,
		"device_instance_config.yml": instanceYAML,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestLoadMergesConstraintsAndRegisters(t *testing.T) {
	dir := writeTestConfigDir(t)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(cfg.Devices))
	}
	dev := cfg.Devices[0]
	if dev.DeviceID != "TECO_VFD_2" {
		t.Errorf("got device id %q", dev.DeviceID)
	}
	if *dev.Constraints["RW_HZ"].Min != 20 || *dev.Constraints["RW_HZ"].Max != 55 {
		t.Errorf("expected instance constraint override, got %+v", dev.Constraints["RW_HZ"])
	}
	if _, ok := dev.RegisterMap.Get("RW_HZ"); !ok {
		t.Errorf("expected RW_HZ register present")
	}
	if dev.Bus.Port != "/dev/ttyUSB0" {
		t.Errorf("expected bus port resolved from modbus_device.yml, got %q", dev.Bus.Port)
	}
}
