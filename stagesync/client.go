// Copyright 2025 Festival Color
// SPDX-License-Identifier: Apache-2.0

package stagesync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Client wires the operation log, connectivity monitor and replay engine over
// one local mirror database. The UI/service layer enqueues mutations through
// the log (directly or via the payment ledger); the client keeps the remote
// store converged in the background.
type Client struct {
	DB       *sql.DB
	BaseURL  string
	Token    func(context.Context) (string, error) // returns JWT
	SourceID string
	UserID   string

	Log     *Log
	Monitor *Monitor
	Engine  *Engine

	config Config
	logger *slog.Logger
}

// NewClient creates a sync client over an SQLite mirror database. The mirror
// sync tables are created if missing and any in-flight records from a crashed
// process are recovered to pending on the first engine run.
func NewClient(db *sql.DB, baseURL, userID, sourceID string, tok func(ctx context.Context) (string, error), config Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.BatchLimit <= 0 {
		config = DefaultConfig()
	}

	if err := InitializeMirror(db); err != nil {
		return nil, fmt.Errorf("failed to initialize mirror database: %w", err)
	}

	log := NewLog(db, logger)
	remote := NewHTTPRemoteStore(baseURL, tok)
	remote.HTTP = &http.Client{Timeout: config.RequestTimeout}
	monitor := NewMonitor(&HTTPProber{BaseURL: baseURL}, DefaultMonitorConfig(), logger)
	engine := NewEngine(log, remote, monitor, config, logger)

	return &Client{
		DB:       db,
		BaseURL:  baseURL,
		Token:    tok,
		SourceID: sourceID,
		UserID:   userID,
		Log:      log,
		Monitor:  monitor,
		Engine:   engine,
		config:   config,
		logger:   logger,
	}, nil
}

// Start launches the monitor and engine loops. Cancelling the context stops
// both; the engine finishes the record in flight before returning.
func (c *Client) Start(ctx context.Context) {
	go c.Monitor.Run(ctx)
	go func() {
		if err := c.Engine.Run(ctx); err != nil {
			c.logger.Error("Replay engine stopped with error", "error", err)
		}
	}()
}

// EnsureSourceID generates and persists a source id for this mirror database
// if one is not already present.
func EnsureSourceID(db *sql.DB, userID string) (string, error) {
	var sourceID string
	err := db.QueryRow(`SELECT source_id FROM _sync_client_info WHERE user_id = ?`, userID).Scan(&sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		sourceID = uuid.New().String()
		_, err = db.Exec(`
			INSERT INTO _sync_client_info (user_id, source_id, created_at)
			VALUES (?, ?, ?)
		`, userID, sourceID, time.Now().UTC())
		if err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
	} else if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return sourceID, nil
}

// NewProvisionalID returns a locally generated id for an entity created while
// offline. It stays valid until the authority assigns the canonical id during
// replay and ReconcileProvisionalID rewrites the queue.
func NewProvisionalID() string {
	return uuid.New().String()
}

// InitializeMirror creates the sync metadata tables and enables the pragmas
// the mirror store relies on (WAL for crash safety, foreign keys for the
// contract -> payment cascade).
func InitializeMirror(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Client identity (one row per signed-in user)
		`CREATE TABLE IF NOT EXISTS _sync_client_info (
			user_id    TEXT NOT NULL,
			source_id  TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (user_id)
		)`,

		// Durable operation log; id order is replay order per entity type
		`CREATE TABLE IF NOT EXISTS _sync_op_log (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			op              TEXT NOT NULL CHECK (op IN ('CREATE','UPDATE','DELETE')),
			entity_type     TEXT NOT NULL,
			entity_id       TEXT NOT NULL,
			payload         TEXT,
			status          TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending','in_flight','synced','failed')),
			attempt_count   INTEGER NOT NULL DEFAULT 0,
			last_error      TEXT,
			created_at      TIMESTAMP NOT NULL,
			last_attempt_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS op_log_drain_idx
			ON _sync_op_log (entity_type, status, id)`,

		// Provisional -> canonical id mappings established during replay
		`CREATE TABLE IF NOT EXISTS _sync_id_map (
			entity_type    TEXT NOT NULL,
			provisional_id TEXT NOT NULL,
			canonical_id   TEXT NOT NULL,
			reconciled_at  TIMESTAMP NOT NULL,
			PRIMARY KEY (entity_type, provisional_id)
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}
