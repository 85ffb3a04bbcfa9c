// Package log provides the process-wide structured logger used by every
// Talos component, wrapping logrus the way the teacher codebase wraps it
// for its CLI and device packages.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the shared logger instance. Components should prefer the
// With* helpers below over touching Logger directly, so that field names
// stay consistent across packages.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// SetLevel parses and applies a log level string (e.g. "debug", "info").
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger.SetLevel(lvl)
	return nil
}

// SetOutput redirects log output.
func SetOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// SetJSONFormat switches to JSON-formatted log lines, used by system_config.yml's
// log_format: json.
func SetJSONFormat() {
	Logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
}

// WithField returns an entry carrying a single structured field.
func WithField(key string, value interface{}) *logrus.Entry {
	return Logger.WithField(key, value)
}

// WithFields returns an entry carrying multiple structured fields.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}

// WithDevice scopes a logger to a device ID, used throughout the monitor,
// health manager, and executor.
func WithDevice(deviceID string) *logrus.Entry {
	return Logger.WithField("device_id", deviceID)
}

// WithRule scopes a logger to a control or alert rule code.
func WithRule(code string) *logrus.Entry {
	return Logger.WithField("rule_code", code)
}

// WithTopic scopes a logger to a PubSub topic name.
func WithTopic(topic string) *logrus.Entry {
	return Logger.WithField("topic", topic)
}
