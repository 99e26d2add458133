// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package storage keeps a SQLite snapshot of experiments, assignments and
// alert events so state survives a restart. The in-memory components stay
// authoritative; the store is written through and read once at startup.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/vantage/internal/alert"
	"github.com/tombee/vantage/internal/experiment"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Config contains SQLite storage configuration.
type Config struct {
	// Path is the database file. MemoryPath creates an in-memory database.
	Path string `yaml:"path"`

	// MaxOpenConns bounds the pool. In-memory databases always use one
	// connection since each connection would see its own database.
	MaxOpenConns int `yaml:"max_open_conns" validate:"gte=0"`

	// EnableEncryption seals stored payloads with AES-256-GCM. The key is
	// read from VANTAGE_STORAGE_KEY unless Key is set.
	EnableEncryption bool           `yaml:"enable_encryption"`
	Key              *EncryptionKey `yaml:"-" json:"-"`
}

// SQLiteStore implements experiment.Persister and alert.Persister.
type SQLiteStore struct {
	db            *sql.DB
	encryptionKey *EncryptionKey
}

// New opens the database and creates the schema.
func New(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	connStr := cfg.Path
	maxConns := cfg.MaxOpenConns
	if cfg.Path == MemoryPath {
		maxConns = 1
	} else {
		connStr += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	if maxConns == 0 {
		maxConns = 5
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(min(2, maxConns))
	if cfg.Path == MemoryPath {
		// Closing the last connection would drop the database.
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if cfg.EnableEncryption {
		key := cfg.Key
		if key == nil {
			key, err = LoadEncryptionKey()
			if err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to load encryption key: %w", err)
			}
		}
		if key == nil {
			db.Close()
			return nil, fmt.Errorf("encryption enabled but no key found (set %s)", KeyEnv)
		}
		store.encryptionKey = key
	}

	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS experiments (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status)`,

		`CREATE TABLE IF NOT EXISTS assignments (
			experiment_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			variant_id TEXT NOT NULL,
			assigned_at INTEGER NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (experiment_id, subject_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_variant ON assignments(experiment_id, variant_id)`,

		`CREATE TABLE IF NOT EXISTS alert_events (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			triggered_at INTEGER NOT NULL,
			resolved_at INTEGER,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alert_events_rule ON alert_events(rule_id)`,
		`CREATE INDEX IF NOT EXISTS idx_alert_events_triggered ON alert_events(triggered_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alert_events_open ON alert_events(rule_id) WHERE resolved_at IS NULL`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveExperiment upserts an experiment snapshot.
func (s *SQLiteStore) SaveExperiment(ctx context.Context, exp experiment.Experiment) error {
	payload, err := s.encode(exp)
	if err != nil {
		return fmt.Errorf("failed to encode experiment %s: %w", exp.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO experiments (id, status, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, exp.ID, string(exp.Status), payload, exp.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to store experiment %s: %w", exp.ID, err)
	}
	return nil
}

// DeleteExperiment removes an experiment and its assignments.
func (s *SQLiteStore) DeleteExperiment(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM assignments WHERE experiment_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete assignments of %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM experiments WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete experiment %s: %w", id, err)
	}
	return tx.Commit()
}

// SaveAssignment upserts one subject's assignment.
func (s *SQLiteStore) SaveAssignment(ctx context.Context, a experiment.Assignment) error {
	payload, err := s.encode(a)
	if err != nil {
		return fmt.Errorf("failed to encode assignment: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO assignments (experiment_id, subject_id, variant_id, assigned_at, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(experiment_id, subject_id) DO UPDATE SET
			variant_id = excluded.variant_id,
			payload = excluded.payload
	`, a.ExperimentID, a.SubjectID, a.VariantID, a.AssignedAt.UnixNano(), payload)
	if err != nil {
		return fmt.Errorf("failed to store assignment %s/%s: %w", a.ExperimentID, a.SubjectID, err)
	}
	return nil
}

// SaveAlertEvent upserts an alert event; resolving an event rewrites it.
func (s *SQLiteStore) SaveAlertEvent(ctx context.Context, e alert.Event) error {
	payload, err := s.encode(e)
	if err != nil {
		return fmt.Errorf("failed to encode alert event %s: %w", e.ID, err)
	}
	var resolvedAt *int64
	if e.ResolvedAt != nil {
		ts := e.ResolvedAt.UnixNano()
		resolvedAt = &ts
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alert_events (id, rule_id, severity, triggered_at, resolved_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			resolved_at = excluded.resolved_at,
			payload = excluded.payload
	`, e.ID, e.RuleID, string(e.Severity), e.TriggeredAt.UnixNano(), resolvedAt, payload)
	if err != nil {
		return fmt.Errorf("failed to store alert event %s: %w", e.ID, err)
	}
	return nil
}

// LoadExperiments returns every stored experiment ordered by id.
func (s *SQLiteStore) LoadExperiments(ctx context.Context) ([]experiment.Experiment, error) {
	return loadAll[experiment.Experiment](ctx, s, `SELECT payload FROM experiments ORDER BY id`)
}

// LoadAssignments returns every stored assignment.
func (s *SQLiteStore) LoadAssignments(ctx context.Context) ([]experiment.Assignment, error) {
	return loadAll[experiment.Assignment](ctx, s,
		`SELECT payload FROM assignments ORDER BY experiment_id, assigned_at, subject_id`)
}

// LoadAlertEvents returns the newest limit events, oldest first. A
// non-positive limit returns every event.
func (s *SQLiteStore) LoadAlertEvents(ctx context.Context, limit int) ([]alert.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	return loadAll[alert.Event](ctx, s, `
		SELECT payload FROM (
			SELECT payload, triggered_at, id FROM alert_events
			ORDER BY triggered_at DESC, id DESC LIMIT ?
		) ORDER BY triggered_at ASC, id ASC
	`, limit)
}

// PruneAlertEvents deletes all but the newest keep events.
func (s *SQLiteStore) PruneAlertEvents(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM alert_events WHERE id NOT IN (
			SELECT id FROM alert_events ORDER BY triggered_at DESC, id DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune alert events: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func loadAll[T any](ctx context.Context, s *SQLiteStore, query string, args ...any) ([]T, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var v T
		if err := s.decode(payload, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if s.encryptionKey == nil {
		return string(data), nil
	}
	return s.encryptionKey.Encrypt(data)
}

var errUndecodable = errors.New("stored payload is neither JSON nor decryptable")

func (s *SQLiteStore) decode(payload string, v any) error {
	data := []byte(payload)
	if s.encryptionKey != nil {
		plain, err := s.encryptionKey.Decrypt(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", errUndecodable, err)
		}
		data = plain
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", errUndecodable, err)
	}
	return nil
}
