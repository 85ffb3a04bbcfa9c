// Command talosd is the Talos gateway daemon: it loads the config
// directory, wires the monitor/alert/control/sender subsystems together,
// and runs until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pili2026/talos/internal/adminapi"
	"github.com/pili2026/talos/internal/alert"
	"github.com/pili2026/talos/internal/audit"
	"github.com/pili2026/talos/internal/condition"
	"github.com/pili2026/talos/internal/config"
	"github.com/pili2026/talos/internal/control"
	"github.com/pili2026/talos/internal/deviceid"
	"github.com/pili2026/talos/internal/health"
	"github.com/pili2026/talos/internal/modbus"
	"github.com/pili2026/talos/internal/monitor"
	"github.com/pili2026/talos/internal/obs/log"
	"github.com/pili2026/talos/internal/obs/metrics"
	"github.com/pili2026/talos/internal/pubsub"
	"github.com/pili2026/talos/internal/registry"
	"github.com/pili2026/talos/internal/sender"
	"github.com/pili2026/talos/internal/sender/convert"
	"github.com/pili2026/talos/internal/snapshot"
	"github.com/pili2026/talos/internal/snapshotstore"
)

func main() {
	configDir := flag.String("config", "/etc/talos", "path to the config directory")
	adminKeyEnv := flag.String("admin-key-env", "TALOS_ADMIN_KEY", "env var holding the admin API key")
	flag.Parse()

	if err := run(*configDir, *adminKeyEnv); err != nil {
		log.WithField("component", "talosd").Fatalf("startup failed: %v", err)
	}
}

func run(configDir, adminKeyEnv string) error {
	cfg, err := config.Load(configDir)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cfg.System.LogLevel != "" {
		if err := log.SetLevel(cfg.System.LogLevel); err != nil {
			log.WithField("component", "talosd").Warnf("invalid log_level %q: %v", cfg.System.LogLevel, err)
		}
	}
	if strings.EqualFold(cfg.System.LogFormat, "json") {
		log.SetJSONFormat()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsReg := metrics.New()
	healthMgr := health.NewManager()
	bus := pubsub.New(metricsReg)
	defer bus.Close()

	snapStore, err := snapshotstore.Open(cfg.SnapshotStorage.Path)
	if err != nil {
		log.WithField("component", "talosd").Errorf("snapshot store unavailable: %v", err)
	} else {
		defer snapStore.Close()
	}

	var auditLogger *audit.SQLiteLogger
	if cfg.SnapshotStorage.Path != "" {
		auditPath := filepath.Join(filepath.Dir(cfg.SnapshotStorage.Path), "audit.db")
		auditLogger, err = audit.NewSQLiteLogger(auditPath)
		if err != nil {
			log.WithField("component", "talosd").Errorf("audit log unavailable: %v", err)
		} else {
			defer auditLogger.Close()
			audit.SetDefaultLogger(auditLogger)
		}
	}

	genericDevices := buildGenericDevices(cfg.Devices)
	monitorLookup := make(map[string]monitor.Device, len(genericDevices))
	for id, dev := range genericDevices {
		monitorLookup[id] = dev
	}

	controlLookup := buildControlLookup(cfg.Devices, genericDevices)
	executor := control.NewExecutor(controlLookup, healthMgr.IsHealthy)

	controlRuleSets, err := buildControlRuleSets(cfg, historyAdapter(snapStore))
	if err != nil {
		return fmt.Errorf("building control rule sets: %w", err)
	}

	notifiers := buildNotifiers(cfg.Notifier)
	router := alert.NewRouter(notifiers, cfg.Notifier.Routes, alert.RetryPolicy{
		Base:        time.Duration(cfg.Notifier.RetryBaseMs) * time.Millisecond,
		Mult:        cfg.Notifier.RetryMultiplier,
		MaxAttempts: cfg.Notifier.RetryMaxAttempts,
	})
	alertStates := alert.NewStateManager()

	alertEngines, err := buildAlertEngines(cfg, historyAdapter(snapStore))
	if err != nil {
		return fmt.Errorf("building alert engines: %w", err)
	}

	pollInterval := time.Duration(cfg.System.PollIntervalSec * float64(time.Second))
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	mon := monitor.New(monitor.Config{
		Devices:         cfg.Devices,
		Lookup:          monitorLookup,
		Health:          healthMgr,
		Bus:             bus,
		Metrics:         metricsReg,
		Interval:        pollInterval,
		DeviceTimeout:   time.Duration(cfg.System.DeviceTimeoutSec * float64(time.Second)),
		ReadConcurrency: cfg.System.ReadConcurrency,
	})

	latest := newLatestCache()

	var senderInst *sender.Sender
	var deviceSpecs []sender.DeviceSpec
	if cfg.Sender.BaseURL != "" {
		senderInst, err = sender.New(cfg.Sender, latest.get, buildConverter(), metricsReg)
		if err != nil {
			return fmt.Errorf("building sender: %w", err)
		}
		deviceSpecs = buildDeviceSpecs(cfg.Devices)
	}

	reg := registry.New(registry.DefaultBackoff)

	reg.Register("monitor", func(ctx context.Context) error {
		mon.Run(ctx)
		return nil
	})

	reg.Register("snapshot_recorder", func(ctx context.Context) error {
		return runSnapshotRecorder(ctx, bus, snapStore, latest)
	})

	reg.Register("alert_evaluator", func(ctx context.Context) error {
		return runAlertEvaluator(ctx, bus, cfg.AlertRules, alertEngines, alertStates, router, metricsReg)
	})

	reg.Register("control_evaluator", func(ctx context.Context) error {
		return runControlEvaluator(ctx, bus, controlRuleSets, executor, healthMgr, metricsReg)
	})

	if senderInst != nil {
		reg.Register("sender_tick", func(ctx context.Context) error {
			senderInst.RunTickLoop(ctx, deviceSpecs)
			return nil
		})
		reg.Register("sender_resend", func(ctx context.Context) error {
			senderInst.RunResendLoop(ctx)
			return nil
		})
	}

	if snapStore != nil && cfg.SnapshotStorage.RetentionDays > 0 {
		reg.Register("snapshot_maintenance", func(ctx context.Context) error {
			stopCh := make(chan struct{})
			go func() {
				<-ctx.Done()
				close(stopCh)
			}()
			snapStore.RunMaintenanceLoop(
				stopCh,
				cfg.SnapshotStorage.RetentionDays,
				time.Duration(cfg.SnapshotStorage.CleanupIntervalHours*float64(time.Hour)),
				time.Duration(cfg.SnapshotStorage.VacuumIntervalDays*24*float64(time.Hour)),
			)
			return nil
		})
	}

	if auditLogger != nil && cfg.SnapshotStorage.AuditRetentionDays > 0 {
		reg.Register("audit_maintenance", func(ctx context.Context) error {
			interval := time.Duration(cfg.SnapshotStorage.CleanupIntervalHours * float64(time.Hour))
			if interval <= 0 {
				interval = time.Hour
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					n, err := auditLogger.CleanupOldEvents(cfg.SnapshotStorage.AuditRetentionDays)
					if err != nil {
						log.WithField("component", "talosd").Warnf("audit cleanup failed: %v", err)
						continue
					}
					if n > 0 {
						log.WithField("component", "talosd").Infof("cleaned up %d old audit events", n)
					}
				}
			}
		})
	}

	enabled := make(map[string]bool)
	for _, name := range []string{"monitor", "snapshot_recorder", "alert_evaluator", "control_evaluator", "sender_tick", "sender_resend", "snapshot_maintenance", "audit_maintenance"} {
		enabled[name] = true
	}
	reg.StartEnabled(ctx, enabled)

	var metricsSrv *http.Server
	if cfg.System.MetricsAddr != "" {
		metricsSrv = &http.Server{Addr: cfg.System.MetricsAddr, Handler: metricsReg.Handler()}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithField("component", "metrics").Errorf("metrics server: %v", err)
			}
		}()
	}

	if cfg.System.AdminAddr != "" {
		key := os.Getenv(adminKeyEnv)
		if key == "" {
			log.WithField("component", "adminapi").Warn("admin API enabled but no admin key set; all requests will be rejected")
		}
		hash, hashErr := adminapi.HashKey(key)
		if hashErr != nil {
			log.WithField("component", "adminapi").Errorf("hashing admin key: %v", hashErr)
		} else {
			admin := adminapi.New(cfg.System.AdminAddr, hash, storeAdapter(snapStore), cfg.SnapshotStorage.RetentionDays)
			go func() {
				if err := admin.ListenAndServe(ctx); err != nil {
					log.WithField("component", "adminapi").Errorf("admin server: %v", err)
				}
			}()
		}
	}

	log.WithField("component", "talosd").Infof("talosd running with %d devices", len(cfg.Devices))

	<-ctx.Done()
	log.WithField("component", "talosd").Info("shutdown signal received, draining subscribers")
	reg.StopAll()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// storeAdapter narrows *snapshotstore.Store to adminapi.Store, passing
// through a nil store so adminapi's own nil-store handling applies.
func storeAdapter(s *snapshotstore.Store) adminapi.Store {
	if s == nil {
		return nil
	}
	return s
}

// historyAdapter narrows *snapshotstore.Store to condition.ExecutionHistoryStore,
// returning a no-op stand-in if the store failed to open at startup so
// time_elapsed leaves degrade to "never executed" rather than panicking.
func historyAdapter(s *snapshotstore.Store) condition.ExecutionHistoryStore {
	if s == nil {
		return noopHistory{}
	}
	return s
}

type noopHistory struct{}

func (noopHistory) LastExecution(ruleCode string) (time.Time, bool, error) { return time.Time{}, false, nil }
func (noopHistory) RecordExecution(ruleCode string, at time.Time) error    { return nil }

// buildGenericDevices constructs one Bus/GenericDevice per configured
// instance, keyed by DeviceID, shared between the monitor's poll loop and
// the control executor so each physical device has exactly one live
// connection.
func buildGenericDevices(devices []config.DeviceInstance) map[string]*modbus.GenericDevice {
	out := make(map[string]*modbus.GenericDevice, len(devices))
	for _, inst := range devices {
		timeout := time.Duration(inst.Bus.TimeoutSec * float64(time.Second))
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		inst.HealthCheck = health.ResolveHealthCheck(inst.DeviceType, inst.RegisterMap, inst.HealthCheck)
		if inst.HealthCheck.Reason != "" {
			log.WithDevice(inst.DeviceID).Debugf("quick health check: %s", inst.HealthCheck.Reason)
		}
		bus := modbus.NewSerialBus(inst.Bus.Port, inst.Bus.Baudrate, inst.SlaveID, timeout)
		out[inst.DeviceID] = modbus.NewGenericDevice(inst, bus)
	}
	return out
}

// buildControlLookup adapts each GenericDevice into the control.Device
// surface the executor needs, keeping control free of any import on the
// modbus transport package.
func buildControlLookup(devices []config.DeviceInstance, generic map[string]*modbus.GenericDevice) control.DeviceLookup {
	byKey := make(map[string]config.DeviceInstance, len(devices))
	for _, inst := range devices {
		byKey[inst.DeviceID] = inst
	}

	lookup := func(model string, slaveID int) (*control.Device, bool) {
		key := deviceid.ID{Model: model, SlaveID: slaveID}.String()
		inst, ok := byKey[key]
		if !ok {
			return nil, false
		}
		dev := generic[key]
		return &control.Device{
			Model:   inst.Model,
			SlaveID: inst.SlaveID,
			HasRegister: func(name string) bool {
				_, ok := inst.RegisterMap.Get(name)
				return ok
			},
			IsWritable: func(name string) bool {
				def, ok := inst.RegisterMap.Get(name)
				return ok && def.Writable
			},
			ReadValue:       dev.ReadValue,
			WriteValue:      dev.WriteValue,
			SupportsOnOff:   dev.SupportsOnOff,
			ReadOnOffState:  dev.ReadOnOffState,
			WriteOnOff:      dev.WriteOnOff,
			OnOffBinding:    inst.OnOffBinding,
			ConstraintAllow: inst.Constraints.Allow,
		}, true
	}
	return lookup
}

// buildControlRuleSets builds one RuleSet per device that has control
// rules configured.
func buildControlRuleSets(cfg *config.Config, history condition.ExecutionHistoryStore) (map[string]*control.RuleSet, error) {
	out := make(map[string]*control.RuleSet, len(cfg.ControlRules))
	for deviceID, rules := range cfg.ControlRules {
		rs, err := control.NewRuleSet(rules, history)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", deviceID, err)
		}
		out[deviceID] = rs
	}
	return out, nil
}

// buildAlertEngines builds one Engine per device that has alert rules
// configured, mirroring buildControlRuleSets: each composite rule gets its
// own condition.Evaluator so hysteresis/debounce state doesn't bleed
// across rules.
func buildAlertEngines(cfg *config.Config, history condition.ExecutionHistoryStore) (map[string]*alert.Engine, error) {
	out := make(map[string]*alert.Engine, len(cfg.AlertRules))
	for deviceID, rules := range cfg.AlertRules {
		eng, err := alert.NewEngine(rules, history)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", deviceID, err)
		}
		out[deviceID] = eng
	}
	return out, nil
}

func buildNotifiers(cfg config.NotifierConfig) map[string]alert.Notifier {
	notifiers := map[string]alert.Notifier{
		"log": alert.LogNotifier{},
	}
	if cfg.WebhookURL != "" {
		notifiers["webhook"] = alert.NewWebhookNotifier(cfg.WebhookURL, &http.Client{Timeout: 5 * time.Second})
	}
	if cfg.RedisAddr != "" {
		notifiers["redis"] = alert.NewRedisNotifier(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisChannel)
	}
	return notifiers
}

// buildDeviceSpecs assigns a per-model sequential index to each device,
// the idx component of the upstream DeviceID.
func buildDeviceSpecs(devices []config.DeviceInstance) []sender.DeviceSpec {
	idxByModel := make(map[string]int)
	specs := make([]sender.DeviceSpec, 0, len(devices))
	for _, inst := range devices {
		idx := idxByModel[inst.Model]
		idxByModel[inst.Model] = idx + 1
		specs = append(specs, sender.DeviceSpec{DeviceID: inst.DeviceID, Idx: idx})
	}
	return specs
}

// buildConverter dispatches to the per-device-type converter by DeviceType,
// the wiring convert.go's doc comment defers to the daemon.
func buildConverter() sender.Converter {
	return func(gatewayID string, idx int, s snapshot.Snapshot) []convert.Item {
		switch strings.ToLower(s.DeviceType) {
		case "inverter":
			return []convert.Item{convert.Inverter(gatewayID, idx, s)}
		case "flow_meter":
			return []convert.Item{convert.FlowMeter(gatewayID, idx, s)}
		case "power_meter":
			return []convert.Item{convert.PowerMeter(gatewayID, idx, s)}
		default:
			return nil
		}
	}
}

// latestCache is the in-memory "most recent snapshot per device" view the
// sender reads from, written by the snapshot_recorder subscriber and read
// concurrently by the sender's tick loop.
type latestCache struct {
	mu   sync.Mutex
	data map[string]cachedSnapshot
}

type cachedSnapshot struct {
	snap snapshot.Snapshot
	ts   time.Time
}

func newLatestCache() *latestCache {
	return &latestCache{data: make(map[string]cachedSnapshot)}
}

func (c *latestCache) set(s snapshot.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[s.DeviceID] = cachedSnapshot{snap: s, ts: s.SamplingTs}
}

func (c *latestCache) get(deviceID string) (snapshot.Snapshot, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[deviceID]
	if !ok {
		return snapshot.Snapshot{}, time.Time{}, false
	}
	return v.snap, v.ts, true
}

func runSnapshotRecorder(ctx context.Context, bus *pubsub.Bus, store *snapshotstore.Store, latest *latestCache) error {
	stream := bus.Subscribe(monitor.TopicDeviceSnapshot)
	for {
		msg, ok := stream.Recv(ctx.Done())
		if !ok {
			return nil
		}
		snap, ok := msg.Payload.(snapshot.Snapshot)
		if !ok {
			continue
		}
		latest.set(snap)
		if store != nil {
			if err := store.Insert(snap); err != nil {
				log.WithDevice(snap.DeviceID).Warnf("snapshot insert failed: %v", err)
			}
		}
	}
}

func runAlertEvaluator(ctx context.Context, bus *pubsub.Bus, rules map[string][]alert.Rule, engines map[string]*alert.Engine, states *alert.StateManager, router *alert.Router, reg *metrics.Registry) error {
	stream := bus.Subscribe(monitor.TopicDeviceSnapshot)
	for {
		msg, ok := stream.Recv(ctx.Done())
		if !ok {
			return nil
		}
		snap, ok := msg.Payload.(snapshot.Snapshot)
		if !ok || !snap.IsOnline {
			continue
		}
		eng := engines[snap.DeviceID]
		for _, rule := range rules[snap.DeviceID] {
			if eng == nil {
				log.WithRule(rule.Code).Warn("alert evaluation failed: no engine built for device")
				continue
			}
			triggered, value, err := eng.Evaluate(rule, snap, time.Now())
			if err != nil {
				log.WithRule(rule.Code).Warnf("alert evaluation failed: %v", err)
				continue
			}
			notify, rec := states.ShouldNotify(snap.DeviceID, rule.Code, triggered, rule.Severity, value, time.Now())
			if !notify || rec == nil {
				continue
			}
			var reasonText string
			if rule.Composite != nil {
				reasonText = fmt.Sprintf("%s %s", rule.Name, condition.ReasonString(rule.Composite))
			} else {
				reasonText = fmt.Sprintf("%s %s %v (value=%v)", rule.Name, rule.Operator, rule.Threshold, value)
			}
			if err := router.Dispatch(ctx, *rec, reasonText); err != nil {
				log.WithRule(rule.Code).Warnf("notification dispatch failed: %v", err)
			}
		}
		if reg != nil {
			reg.AlertsActive.Set(float64(len(states.ActiveAlerts())))
		}
	}
}

func runControlEvaluator(
	ctx context.Context,
	bus *pubsub.Bus,
	ruleSets map[string]*control.RuleSet,
	executor *control.Executor,
	healthMgr *health.Manager,
	reg *metrics.Registry,
) error {
	stream := bus.Subscribe(monitor.TopicDeviceSnapshot)
	wasHealthy := make(map[string]bool)

	for {
		msg, ok := stream.Recv(ctx.Done())
		if !ok {
			return nil
		}
		snap, ok := msg.Payload.(snapshot.Snapshot)
		if !ok {
			continue
		}

		healthy := healthMgr.IsHealthy(snap.DeviceID)
		if healthy && !wasHealthy[snap.DeviceID] {
			executor.OnDeviceHealthy(snap.DeviceID)
		}
		wasHealthy[snap.DeviceID] = healthy

		if !snap.IsOnline {
			continue
		}

		rs, ok := ruleSets[snap.DeviceID]
		if !ok {
			continue
		}
		id, err := deviceid.Parse(snap.DeviceID)
		if err != nil {
			continue
		}

		actions, err := rs.Evaluate(snap, time.Now())
		if err != nil {
			log.WithDevice(snap.DeviceID).Warnf("control evaluation failed: %v", err)
			continue
		}
		for _, act := range actions {
			act.Model = id.Model
			act.SlaveID = id.SlaveID
			outcome := "ok"
			if err := executor.Execute(act); err != nil {
				log.WithDevice(snap.DeviceID).Warnf("control action %s failed: %v", act.Type, err)
				outcome = "fail"
			}
			if reg != nil {
				reg.ControlWrites.WithLabelValues(outcome).Inc()
			}
		}
	}
}
