package audit

import (
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// Logger is an audit event sink.
type Logger interface {
	Log(event *Event) error
	Query(filter Filter) ([]*Event, error)
	Close() error
}

// SQLiteLogger persists control-action audit events to a dedicated
// table in a WAL-mode SQLite database, the same storage mechanism
// internal/snapshotstore uses for snapshots and rule execution history.
// Control actions are orders of magnitude rarer than snapshot samples, so
// retention is a time-based DELETE (CleanupOldEvents, run on a schedule by
// cmd/talosd's audit_maintenance subscriber),
// not the teacher's byte-size file rotation: there's no multi-gigabyte
// append-only file to split apart.
type SQLiteLogger struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteLogger opens (creating if needed) the audit database at path.
func NewSQLiteLogger(path string) (*SQLiteLogger, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	l := &SQLiteLogger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLogger) migrate() error {
	_, err := l.db.Exec(`
CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	ts INTEGER NOT NULL,
	device_id TEXT NOT NULL,
	rule_code TEXT NOT NULL,
	action TEXT NOT NULL,
	target TEXT NOT NULL,
	value REAL,
	has_value INTEGER NOT NULL,
	forced INTEGER NOT NULL,
	deferred INTEGER NOT NULL,
	success INTEGER NOT NULL,
	error TEXT NOT NULL,
	duration_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_device_ts ON audit_events(device_id, ts);
`)
	if err != nil {
		return fmt.Errorf("migrating audit log schema: %w", err)
	}
	return nil
}

// Log inserts event as a new row.
func (l *SQLiteLogger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var value float64
	hasValue := 0
	if event.Value != nil {
		value = *event.Value
		hasValue = 1
	}
	_, err := l.db.Exec(
		`INSERT INTO audit_events
		 (id, ts, device_id, rule_code, action, target, value, has_value, forced, deferred, success, error, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Timestamp.UnixMilli(), event.DeviceID, event.RuleCode, event.Action, event.Target,
		value, hasValue, boolToInt(event.Forced), boolToInt(event.Deferred), boolToInt(event.Success),
		event.Error, event.Duration.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// Query selects events matching filter, newest first, applying
// offset/limit after the SQL-side predicates.
func (l *SQLiteLogger) Query(filter Filter) ([]*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	query := `SELECT id, ts, device_id, rule_code, action, target, value, has_value, forced, deferred, success, error, duration_ns
	          FROM audit_events WHERE 1=1`
	var args []any

	if filter.DeviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, filter.DeviceID)
	}
	if filter.RuleCode != "" {
		query += ` AND rule_code = ?`
		args = append(args, filter.RuleCode)
	}
	if !filter.StartTime.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, filter.StartTime.UnixMilli())
	}
	if !filter.EndTime.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, filter.EndTime.UnixMilli())
	}
	if filter.SuccessOnly {
		query += ` AND success = 1`
	}
	if filter.FailureOnly {
		query += ` AND success = 0`
	}
	query += ` ORDER BY ts DESC`

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading audit events: %w", err)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(events) {
			events = nil
		} else {
			events = events[filter.Offset:]
		}
	}
	if filter.Limit > 0 && filter.Limit < len(events) {
		events = events[:filter.Limit]
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (*Event, error) {
	var (
		e                                   Event
		tsMillis, durationNs                int64
		value                                float64
		hasValue, forced, deferred, success int
	)
	if err := rows.Scan(&e.ID, &tsMillis, &e.DeviceID, &e.RuleCode, &e.Action, &e.Target,
		&value, &hasValue, &forced, &deferred, &success, &e.Error, &durationNs); err != nil {
		return nil, err
	}
	e.Timestamp = time.UnixMilli(tsMillis)
	if hasValue != 0 {
		e.Value = &value
	}
	e.Forced = forced != 0
	e.Deferred = deferred != 0
	e.Success = success != 0
	e.Duration = time.Duration(durationNs)
	return &e, nil
}

// CleanupOldEvents deletes every row older than retentionDays, mirroring
// snapshotstore.Store.CleanupOldSnapshots's retention model.
func (l *SQLiteLogger) CleanupOldEvents(retentionDays int) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	res, err := l.db.Exec(`DELETE FROM audit_events WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up old audit events: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the underlying database handle.
func (l *SQLiteLogger) Close() error {
	return l.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// loggerHolder wraps a Logger so atomic.Value always stores the same
// concrete type.
type loggerHolder struct {
	logger Logger
}

var defaultLogger atomic.Value

// SetDefaultLogger installs the process-wide audit logger used by Log
// and Query.
func SetDefaultLogger(logger Logger) {
	defaultLogger.Store(loggerHolder{logger: logger})
}

func getDefaultLogger() Logger {
	v := defaultLogger.Load()
	if v == nil {
		return nil
	}
	return v.(loggerHolder).logger
}

// Log records event with the default logger. No-op if none is set.
func Log(event *Event) error {
	l := getDefaultLogger()
	if l == nil {
		return nil
	}
	return l.Log(event)
}

// Query queries the default logger. Returns an empty slice if none is
// set.
func Query(filter Filter) ([]*Event, error) {
	l := getDefaultLogger()
	if l == nil {
		return []*Event{}, nil
	}
	return l.Query(filter)
}
