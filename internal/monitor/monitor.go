// Package monitor implements the Device Monitor (spec C6): a periodic,
// concurrency-bounded poll loop over every configured device, gated by the
// Health Manager, publishing snapshots to the PubSub bus.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/pili2026/talos/internal/config"
	"github.com/pili2026/talos/internal/health"
	"github.com/pili2026/talos/internal/obs/log"
	"github.com/pili2026/talos/internal/obs/metrics"
	"github.com/pili2026/talos/internal/pubsub"
	"github.com/pili2026/talos/internal/snapshot"
)

// TopicDeviceSnapshot is the PubSub topic every poll cycle publishes to.
const TopicDeviceSnapshot = "DEVICE_SNAPSHOT"

// Device is the minimal surface the monitor needs from a polled device;
// satisfied by modbus.GenericDevice.
type Device interface {
	ReadAll() map[string]float64
}

// Prober is the optional minimal-probe surface a Device may additionally
// implement, used to verify recovery after a cooldown without paying for
// a full ReadAll. modbus.GenericDevice implements it.
type Prober interface {
	Probe() error
}

// VirtualDeriver computes derived (non-physical) device snapshots from the
// cycle's real snapshots, e.g. an aggregate device composed from other
// devices' values. Returning nil/empty skips virtual publication.
type VirtualDeriver func(real []snapshot.Snapshot) []snapshot.Snapshot

// Monitor runs the poll loop for a fixed device set.
type Monitor struct {
	devices        []config.DeviceInstance
	lookup         map[string]Device
	health         *health.Manager
	bus            *pubsub.Bus
	metrics        *metrics.Registry
	interval       time.Duration
	deviceTimeout  time.Duration
	readConcurrency int
	deriveVirtual  VirtualDeriver
}

// Config bundles Monitor construction parameters.
type Config struct {
	Devices         []config.DeviceInstance
	Lookup          map[string]Device
	Health          *health.Manager
	Bus             *pubsub.Bus
	Metrics         *metrics.Registry
	Interval        time.Duration
	DeviceTimeout   time.Duration
	ReadConcurrency int
	DeriveVirtual   VirtualDeriver
}

// New builds a Monitor from cfg, defaulting ReadConcurrency to 4 and
// DeviceTimeout to 5s if unset.
func New(cfg Config) *Monitor {
	if cfg.ReadConcurrency <= 0 {
		cfg.ReadConcurrency = 4
	}
	if cfg.DeviceTimeout <= 0 {
		cfg.DeviceTimeout = 5 * time.Second
	}
	return &Monitor{
		devices:         cfg.Devices,
		lookup:          cfg.Lookup,
		health:          cfg.Health,
		bus:             cfg.Bus,
		metrics:         cfg.Metrics,
		interval:        cfg.Interval,
		deviceTimeout:   cfg.DeviceTimeout,
		readConcurrency: cfg.ReadConcurrency,
		deriveVirtual:   cfg.DeriveVirtual,
	}
}

// Run loops until ctx is cancelled, polling every interval. On cancellation
// it drains in-flight reads up to deviceTimeout, then returns.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runCycle(ctx)
		}
	}
}

func (m *Monitor) runCycle(ctx context.Context) {
	sem := make(chan struct{}, m.readConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var snapshots []snapshot.Snapshot

	for _, inst := range m.devices {
		inst := inst
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s := m.pollDevice(ctx, inst)
			mu.Lock()
			snapshots = append(snapshots, s)
			mu.Unlock()
		}()
	}
	wg.Wait()

	for _, s := range snapshots {
		m.bus.Publish(TopicDeviceSnapshot, s)
	}

	if m.deriveVirtual != nil {
		for _, vs := range m.deriveVirtual(snapshots) {
			m.bus.Publish(TopicDeviceSnapshot, vs)
		}
	}
}

// quickHealthCheck runs dev's minimal recovery probe, if it implements
// Prober. Devices with no probe support never recover automatically.
func (m *Monitor) quickHealthCheck(deviceID string, dev Device) bool {
	prober, ok := dev.(Prober)
	if !ok {
		log.WithDevice(deviceID).Warn("monitor: device has no quick health check probe, cannot recover")
		return false
	}
	return health.QuickHealthCheck(prober.Probe)
}

func (m *Monitor) offline(inst config.DeviceInstance) snapshot.Snapshot {
	var names []string
	if inst.RegisterMap != nil {
		names = inst.RegisterMap.Names()
	}
	return snapshot.Offline(inst.DeviceID, inst.Model, inst.SlaveID, inst.DeviceType, time.Now(), names)
}

func (m *Monitor) pollDevice(ctx context.Context, inst config.DeviceInstance) snapshot.Snapshot {
	dev, ok := m.lookup[inst.DeviceID]
	if !ok {
		log.WithDevice(inst.DeviceID).Warn("monitor: no device bound for instance")
		return m.offline(inst)
	}

	if m.health != nil && !m.health.IsHealthy(inst.DeviceID) {
		if !m.health.CooldownElapsed(inst.DeviceID) {
			return m.offline(inst)
		}
		if !m.quickHealthCheck(inst.DeviceID, dev) {
			m.health.MarkFailure(inst.DeviceID, inst.PollInterval)
			return m.offline(inst)
		}
		// Probe succeeded: fall through to the full poll below, which
		// calls MarkSuccess and flips the device back to healthy.
	}

	// Not derived from ctx: a read in flight at shutdown still gets up to
	// deviceTimeout to finish.
	readCtx, cancel := context.WithTimeout(context.Background(), m.deviceTimeout)
	defer cancel()

	type result struct {
		values map[string]float64
	}
	resultCh := make(chan result, 1)
	go func() {
		resultCh <- result{values: dev.ReadAll()}
	}()

	select {
	case r := <-resultCh:
		if m.health != nil {
			m.health.MarkSuccess(inst.DeviceID, inst.PollInterval)
		}
		if m.metrics != nil {
			m.metrics.DeviceHealthy.WithLabelValues(inst.DeviceID).Set(1)
		}
		return snapshot.New(inst.DeviceID, inst.Model, inst.SlaveID, inst.DeviceType, time.Now(), r.values)
	case <-readCtx.Done():
		if m.health != nil {
			m.health.MarkFailure(inst.DeviceID, inst.PollInterval)
		}
		if m.metrics != nil {
			m.metrics.DeviceHealthy.WithLabelValues(inst.DeviceID).Set(0)
		}
		log.WithDevice(inst.DeviceID).Warn("monitor: read timed out")
		return m.offline(inst)
	}
}
