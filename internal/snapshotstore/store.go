// Package snapshotstore implements the Snapshot Repository (spec C11): a
// local embedded SQL store for snapshots, keyed by (device_id,
// sampling_ts), with retention cleanup and vacuum. Values are stored as a
// single JSON blob column; per-parameter history is read back via JSON
// extraction.
package snapshotstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pili2026/talos/internal/obs/errs"
	"github.com/pili2026/talos/internal/obs/log"
	"github.com/pili2026/talos/internal/snapshot"
)

// Store is a WAL-mode SQLite-backed snapshot repository.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the snapshot database at path, enables
// WAL mode and a busy timeout, and ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening snapshot store: %w", errs.ErrStorage)
	}
	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT NOT NULL,
	model TEXT NOT NULL,
	slave_id INTEGER NOT NULL,
	device_type TEXT NOT NULL,
	sampling_ts INTEGER NOT NULL,
	is_online INTEGER NOT NULL,
	values_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_device_ts ON snapshots(device_id, sampling_ts);

CREATE TABLE IF NOT EXISTS rule_executions (
	rule_code TEXT PRIMARY KEY,
	last_executed_ts INTEGER NOT NULL
);
`)
	if err != nil {
		return fmt.Errorf("migrating snapshot store schema: %w", errs.ErrStorage)
	}
	return nil
}

// Insert persists one snapshot row.
func (s *Store) Insert(snap snapshot.Snapshot) error {
	blob, err := json.Marshal(snap.Values)
	if err != nil {
		return fmt.Errorf("marshaling snapshot values: %w", errs.ErrStorage)
	}
	online := 0
	if snap.IsOnline {
		online = 1
	}
	_, err = s.db.Exec(
		`INSERT INTO snapshots (device_id, model, slave_id, device_type, sampling_ts, is_online, values_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.DeviceID, snap.Model, snap.SlaveID, snap.DeviceType, snap.SamplingTs.UnixMilli(), online, string(blob),
	)
	if err != nil {
		return fmt.Errorf("inserting snapshot: %w", errs.ErrStorage)
	}
	return nil
}

func scanSnapshot(rows *sql.Rows) (snapshot.Snapshot, error) {
	var (
		s        snapshot.Snapshot
		tsMillis int64
		online   int
		blob     string
	)
	if err := rows.Scan(&s.DeviceID, &s.Model, &s.SlaveID, &s.DeviceType, &tsMillis, &online, &blob); err != nil {
		return snapshot.Snapshot{}, err
	}
	s.SamplingTs = time.UnixMilli(tsMillis)
	s.IsOnline = online != 0
	if err := json.Unmarshal([]byte(blob), &s.Values); err != nil {
		return snapshot.Snapshot{}, err
	}
	return s, nil
}

// GetLatestByDevice returns up to limit most-recent snapshots for deviceID.
func (s *Store) GetLatestByDevice(deviceID string, limit int) ([]snapshot.Snapshot, error) {
	rows, err := s.db.Query(
		`SELECT device_id, model, slave_id, device_type, sampling_ts, is_online, values_json
		 FROM snapshots WHERE device_id = ? ORDER BY sampling_ts DESC LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying latest snapshots: %w", errs.ErrStorage)
	}
	defer rows.Close()
	return collect(rows)
}

// GetTimeRange returns snapshots for deviceID within [start, end], ASC by
// time, paginated by limit/offset.
func (s *Store) GetTimeRange(deviceID string, start, end time.Time, limit, offset int) ([]snapshot.Snapshot, error) {
	rows, err := s.db.Query(
		`SELECT device_id, model, slave_id, device_type, sampling_ts, is_online, values_json
		 FROM snapshots WHERE device_id = ? AND sampling_ts BETWEEN ? AND ?
		 ORDER BY sampling_ts ASC LIMIT ? OFFSET ?`,
		deviceID, start.UnixMilli(), end.UnixMilli(), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying snapshot time range: %w", errs.ErrStorage)
	}
	defer rows.Close()
	return collect(rows)
}

// ParameterPoint is one (timestamp, value) sample extracted from the JSON
// values column for a single parameter.
type ParameterPoint struct {
	Ts       time.Time
	Value    float64
	IsOnline bool
}

// GetParameterHistory extracts a single parameter's values across a time
// range, preserving timestamp and is_online.
func (s *Store) GetParameterHistory(deviceID, param string, start, end time.Time, limit int) ([]ParameterPoint, error) {
	rows, err := s.db.Query(
		`SELECT sampling_ts, is_online, json_extract(values_json, '$.'||?) AS v
		 FROM snapshots WHERE device_id = ? AND sampling_ts BETWEEN ? AND ? AND v IS NOT NULL
		 ORDER BY sampling_ts ASC LIMIT ?`,
		param, deviceID, start.UnixMilli(), end.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying parameter history: %w", errs.ErrStorage)
	}
	defer rows.Close()

	var points []ParameterPoint
	for rows.Next() {
		var tsMillis int64
		var online int
		var v float64
		if err := rows.Scan(&tsMillis, &online, &v); err != nil {
			return nil, fmt.Errorf("scanning parameter history: %w", errs.ErrStorage)
		}
		points = append(points, ParameterPoint{Ts: time.UnixMilli(tsMillis), Value: v, IsOnline: online != 0})
	}
	return points, nil
}

func collect(rows *sql.Rows) ([]snapshot.Snapshot, error) {
	var out []snapshot.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", errs.ErrStorage)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CleanupOldSnapshots deletes every row older than retentionDays.
func (s *Store) CleanupOldSnapshots(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM snapshots WHERE sampling_ts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleaning up old snapshots: %w", errs.ErrStorage)
	}
	return res.RowsAffected()
}

// VacuumDatabase reclaims space after a cleanup cycle.
func (s *Store) VacuumDatabase() error {
	if _, err := s.db.Exec(`VACUUM`); err != nil {
		return fmt.Errorf("vacuuming snapshot store: %w", errs.ErrStorage)
	}
	return nil
}

// Stats summarizes the repository for operator/admin surfaces.
type Stats struct {
	Count     int64
	Earliest  time.Time
	Latest    time.Time
	FileBytes int64
}

// GetDbStats reports row count, time span, and on-disk size.
func (s *Store) GetDbStats() (Stats, error) {
	var stats Stats
	var earliestMs, latestMs sql.NullInt64
	err := s.db.QueryRow(`SELECT COUNT(*), MIN(sampling_ts), MAX(sampling_ts) FROM snapshots`).
		Scan(&stats.Count, &earliestMs, &latestMs)
	if err != nil {
		return Stats{}, fmt.Errorf("querying snapshot store stats: %w", errs.ErrStorage)
	}
	if earliestMs.Valid {
		stats.Earliest = time.UnixMilli(earliestMs.Int64)
	}
	if latestMs.Valid {
		stats.Latest = time.UnixMilli(latestMs.Int64)
	}
	if fi, err := os.Stat(s.path); err == nil {
		stats.FileBytes = fi.Size()
	}
	return stats, nil
}

// LastExecution implements condition.ExecutionHistoryStore, backed by the
// rule_executions table on the same database handle.
func (s *Store) LastExecution(ruleCode string) (time.Time, bool, error) {
	var tsMillis int64
	err := s.db.QueryRow(`SELECT last_executed_ts FROM rule_executions WHERE rule_code = ?`, ruleCode).Scan(&tsMillis)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("querying rule execution history: %w", errs.ErrStorage)
	}
	return time.UnixMilli(tsMillis), true, nil
}

// RecordExecution implements condition.ExecutionHistoryStore.
func (s *Store) RecordExecution(ruleCode string, at time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO rule_executions (rule_code, last_executed_ts) VALUES (?, ?)
		 ON CONFLICT(rule_code) DO UPDATE SET last_executed_ts = excluded.last_executed_ts`,
		ruleCode, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("recording rule execution: %w", errs.ErrStorage)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunMaintenanceLoop runs cleanup every cleanupIntervalHours and vacuum
// every vacuumIntervalDays, rate-limiting vacuum via lastVacuum.
func (s *Store) RunMaintenanceLoop(stop <-chan struct{}, retentionDays int, cleanupInterval time.Duration, vacuumInterval time.Duration) {
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer cleanupTicker.Stop()
	lastVacuum := time.Now()

	for {
		select {
		case <-stop:
			return
		case <-cleanupTicker.C:
			n, err := s.CleanupOldSnapshots(retentionDays)
			if err != nil {
				log.WithField("component", "snapshotstore").Warnf("cleanup failed: %v", err)
				continue
			}
			log.WithField("component", "snapshotstore").Infof("cleaned up %d old snapshots", n)

			if time.Since(lastVacuum) >= vacuumInterval {
				if err := s.VacuumDatabase(); err != nil {
					log.WithField("component", "snapshotstore").Warnf("vacuum failed: %v", err)
					continue
				}
				lastVacuum = time.Now()
			}
		}
	}
}
