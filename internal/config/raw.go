package config

import (
	"github.com/pili2026/talos/internal/alert"
	"github.com/pili2026/talos/internal/control"
)

// The raw* types mirror the YAML files described in spec.md §6 closely
// enough for yaml.v3 to unmarshal directly; Load walks them into the
// merged, validated types the rest of the system consumes.

type rawModbusDeviceConfig struct {
	Buses   map[string]BusConfig `yaml:"buses"`
	Devices []rawDeviceEntry     `yaml:"devices"`
}

type rawDeviceEntry struct {
	Model     string   `yaml:"model"`
	Type      string   `yaml:"type"`
	ModelFile string   `yaml:"model_file"`
	SlaveID   int      `yaml:"slave_id"`
	Bus       string   `yaml:"bus"`
	Port      string   `yaml:"port"`
	Modes     []string `yaml:"modes"`
}

type rawDriverConfig struct {
	RegisterType RegisterKind                  `yaml:"register_type"`
	RegisterMap  map[string]RegisterDefinition `yaml:"register_map"`
	HealthCheck  *HealthCheckConfig            `yaml:"health_check"`
}

type rawDeviceInstanceConfig struct {
	GlobalDefaults rawDefaults                       `yaml:"global_defaults"`
	Models         map[string]rawModelInstanceConfig `yaml:",inline"`
}

type rawDefaults struct {
	Constraints map[string]Bounds `yaml:"constraints"`
}

type rawModelInstanceConfig struct {
	DefaultConstraints map[string]Bounds              `yaml:"default_constraints"`
	Initialization     map[string]float64              `yaml:"initialization"`
	Instances          map[string]rawInstanceOverride `yaml:"instances"`
}

type rawInstanceOverride struct {
	Constraints    map[string]Bounds             `yaml:"constraints"`
	Initialization map[string]float64             `yaml:"initialization"`
	Pins           map[string]RegisterDefinition  `yaml:"pins"`
	OnOffBinding   *control.OnOffBinding          `yaml:"on_off_binding"`
}

type rawAlertModelConfig struct {
	DefaultAlerts []alert.Rule                     `yaml:"default_alerts"`
	Instances     map[string]rawAlertInstanceConfig `yaml:"instances"`
}

type rawAlertInstanceConfig struct {
	UseDefaultAlerts bool          `yaml:"use_default_alerts"`
	Alerts           []alert.Rule  `yaml:"alerts"`
}

type rawControlModelConfig struct {
	DefaultControls []control.Rule                     `yaml:"default_controls"`
	Instances       map[string]rawControlInstanceConfig `yaml:"instances"`
}

type rawControlInstanceConfig struct {
	UseDefaultControls bool            `yaml:"use_default_controls"`
	Controls           []control.Rule  `yaml:"controls"`
}

// SenderConfig configures the Upstream Sender (C12): tick alignment,
// freshness, and POST retry behavior.
type SenderConfig struct {
	BaseURL              string  `yaml:"base_url"`
	GatewayID            string  `yaml:"gateway_id"`
	AnchorSec            float64 `yaml:"anchor_sec"`
	IntervalSec          float64 `yaml:"interval_sec"`
	FreshWindowSec       float64 `yaml:"fresh_window_sec"`
	LastKnownTTLSec      float64 `yaml:"last_known_ttl_sec"`
	AttemptCount         int     `yaml:"attempt_count"`
	HTTPTimeoutSec       float64 `yaml:"http_timeout_sec"`
	ResendStartDelaySec  float64 `yaml:"resend_start_delay_sec"`
	FailResendIntervalSec float64 `yaml:"fail_resend_interval_sec"`
	ResendAnchorOffsetSec float64 `yaml:"resend_anchor_offset_sec"`
	LastPostOkWithinSec  float64 `yaml:"last_post_ok_within_sec"`
	FailResendBatch      int     `yaml:"fail_resend_batch"`
	ProtectRecentSec     float64 `yaml:"protect_recent_sec"`
	MaxRetry             int     `yaml:"max_retry"`
	OutboxDir            string  `yaml:"outbox_dir"`
	ResendQuotaMB        float64 `yaml:"resend_quota_mb"`
	FsFreeMinMB          float64 `yaml:"fs_free_min_mb"`
	CleanupBatch         int     `yaml:"cleanup_batch"`
	CleanupEnabled       bool    `yaml:"cleanup_enabled"`
}

// NotifierConfig configures the alert Router's per-severity routing and
// the concrete notifier endpoints it can route to.
type NotifierConfig struct {
	Routes             map[alert.Severity]alert.Route `yaml:"routes"`
	RetryBaseMs        int                             `yaml:"retry_base_ms"`
	RetryMultiplier    float64                         `yaml:"retry_multiplier"`
	RetryMaxAttempts   int                             `yaml:"retry_max_attempts"`
	WebhookURL         string                          `yaml:"webhook_url"`
	RedisAddr          string                          `yaml:"redis_addr"`
	RedisPassword      string                          `yaml:"redis_password"`
	RedisDB            int                             `yaml:"redis_db"`
	RedisChannel       string                          `yaml:"redis_channel"`
}

// SystemConfig holds process-wide settings: logging, polling, concurrency.
type SystemConfig struct {
	LogLevel        string  `yaml:"log_level"`
	LogFormat       string  `yaml:"log_format"`
	PollIntervalSec float64 `yaml:"poll_interval_sec"`
	ReadConcurrency int     `yaml:"read_concurrency"`
	DeviceTimeoutSec float64 `yaml:"device_timeout_sec"`
	MetricsAddr     string  `yaml:"metrics_addr"`
	AdminAddr       string  `yaml:"admin_addr"`
}

// SnapshotStorageConfig configures the Snapshot Repository's retention and
// maintenance schedule.
type SnapshotStorageConfig struct {
	Path                 string  `yaml:"path"`
	RetentionDays        int     `yaml:"retention_days"`
	CleanupIntervalHours float64 `yaml:"cleanup_interval_hours"`
	VacuumIntervalDays   float64 `yaml:"vacuum_interval_days"`
	AuditRetentionDays   int     `yaml:"audit_retention_days"`
}

// TimeConditionConfig is a named map of time_elapsed intervals in hours,
// loaded from time_condition.yml into Config.TimeConditions. Composite
// trees do not look entries up by name; a time_elapsed leaf carries its
// own interval_hours.
type TimeConditionConfig map[string]float64
