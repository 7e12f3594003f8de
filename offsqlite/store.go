// Package offsqlite provides a SQLite-backed durable store for the
// go-offsync operation queue. Queue state is written synchronously inside a
// single transaction, so an abrupt process termination loses no
// acknowledged state.
//
// Copyright 2025 Offlinekit Authors
// SPDX-License-Identifier: Apache-2.0

package offsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/offlinekit/go-offsync/offsync"
)

// Store persists offsync.QueueState into SQLite metadata tables.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore initializes the metadata tables and returns a ready store.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// initializeDatabase creates the queue metadata tables.
func initializeDatabase(db *sql.DB) error {
	// WAL keeps readers unblocked while the queue writes its state.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Rolling counters and the enqueue sequence (one row)
		`CREATE TABLE IF NOT EXISTS _offsync_meta (
			id                      INTEGER PRIMARY KEY CHECK (id = 1),
			next_seq                INTEGER NOT NULL DEFAULT 0,
			completed_total         INTEGER NOT NULL DEFAULT 0,
			failed_total            INTEGER NOT NULL DEFAULT 0,
			processing_millis_total INTEGER NOT NULL DEFAULT 0,
			latency_millis_total    INTEGER NOT NULL DEFAULT 0,
			latency_samples         INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS _offsync_operations (
			id   TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS _offsync_conflicts (
			id   TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS _offsync_templates (
			id   TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`,

		// rowid preserves append order for the audit trail
		`CREATE TABLE IF NOT EXISTS _offsync_history (
			id   TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create offsync table: %w", err)
		}
	}
	return nil
}

// Persist writes the full state in one transaction, replacing the previous
// state. The queue's cardinality is a client-side pending set, so a
// wipe-and-write keeps the store trivially consistent with memory.
func (s *Store) Persist(ctx context.Context, state *offsync.QueueState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"_offsync_operations", "_offsync_conflicts", "_offsync_templates", "_offsync_history"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for _, op := range state.Operations {
		if err := insertRow(ctx, tx, "_offsync_operations", op.ID, op); err != nil {
			return err
		}
	}
	for _, c := range state.Conflicts {
		if err := insertRow(ctx, tx, "_offsync_conflicts", c.ID, c); err != nil {
			return err
		}
	}
	for _, t := range state.Templates {
		if err := insertRow(ctx, tx, "_offsync_templates", t.ID, t); err != nil {
			return err
		}
	}
	for _, h := range state.History {
		if err := insertRow(ctx, tx, "_offsync_history", h.ID, h); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO _offsync_meta (id, next_seq, completed_total, failed_total,
			processing_millis_total, latency_millis_total, latency_samples)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			next_seq = excluded.next_seq,
			completed_total = excluded.completed_total,
			failed_total = excluded.failed_total,
			processing_millis_total = excluded.processing_millis_total,
			latency_millis_total = excluded.latency_millis_total,
			latency_samples = excluded.latency_samples
	`, state.NextSeq, state.CompletedTotal, state.FailedTotal,
		state.ProcessingMillisTotal, state.LatencyMillisTotal, state.LatencySamples)
	if err != nil {
		return fmt.Errorf("failed to persist meta row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit queue state: %w", err)
	}
	return nil
}

func insertRow(ctx context.Context, tx *sql.Tx, table, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal row for %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO `+table+` (id, data) VALUES (?, ?)`, id, string(data)); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return nil
}

// Load reconstructs the previously persisted state. A fresh database loads
// as an empty state.
func (s *Store) Load(ctx context.Context) (*offsync.QueueState, error) {
	state := &offsync.QueueState{}

	row := s.db.QueryRowContext(ctx, `
		SELECT next_seq, completed_total, failed_total,
			processing_millis_total, latency_millis_total, latency_samples
		FROM _offsync_meta WHERE id = 1
	`)
	err := row.Scan(&state.NextSeq, &state.CompletedTotal, &state.FailedTotal,
		&state.ProcessingMillisTotal, &state.LatencyMillisTotal, &state.LatencySamples)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to load meta row: %w", err)
	}

	if err := loadRows(ctx, s.db, "_offsync_operations", func(data []byte) error {
		var op offsync.Operation
		if err := json.Unmarshal(data, &op); err != nil {
			return err
		}
		state.Operations = append(state.Operations, &op)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadRows(ctx, s.db, "_offsync_conflicts", func(data []byte) error {
		var c offsync.Conflict
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		state.Conflicts = append(state.Conflicts, &c)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadRows(ctx, s.db, "_offsync_templates", func(data []byte) error {
		var t offsync.ConflictTemplate
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		state.Templates = append(state.Templates, &t)
		return nil
	}); err != nil {
		return nil, err
	}

	if err := loadRows(ctx, s.db, "_offsync_history", func(data []byte) error {
		var h offsync.ConflictHistoryEntry
		if err := json.Unmarshal(data, &h); err != nil {
			return err
		}
		state.History = append(state.History, &h)
		return nil
	}); err != nil {
		return nil, err
	}

	return state, nil
}

func loadRows(ctx context.Context, db *sql.DB, table string, apply func(data []byte) error) error {
	rows, err := db.QueryContext(ctx, `SELECT data FROM `+table+` ORDER BY rowid`)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		if err := apply([]byte(data)); err != nil {
			return fmt.Errorf("failed to decode %s row: %w", table, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating %s: %w", table, err)
	}
	return nil
}
