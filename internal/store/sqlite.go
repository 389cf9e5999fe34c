// Package store implements the persistence layer over SQLite: wide rows with
// a JSON attribute document per entity plus the query columns the access
// patterns need. Writes are idempotent via client-supplied op ids, terminal
// trade commits are atomic with their position update and audit entry, and
// hot reads go through an in-process read-through cache.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/mattn/go-sqlite3"

	"tradedesk/internal/config"
	"tradedesk/internal/core"
	apperrors "tradedesk/pkg/errors"
	"tradedesk/pkg/retry"
)

// executionTxRows is how many rows a full execution commit touches: the
// trade, the position, the audit entry and the op claim.
const executionTxRows = 4

const schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id    TEXT PRIMARY KEY,
	chat_id    TEXT NOT NULL UNIQUE,
	attrs      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	user_id    TEXT NOT NULL,
	trade_id   TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	attrs      TEXT NOT NULL,
	PRIMARY KEY (user_id, trade_id)
);
CREATE INDEX IF NOT EXISTS idx_trades_symbol_created ON trades (symbol, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_trades_status_created ON trades (status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_trades_user_created   ON trades (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS positions (
	user_id TEXT NOT NULL,
	symbol  TEXT NOT NULL,
	attrs   TEXT NOT NULL,
	PRIMARY KEY (user_id, symbol)
);

CREATE TABLE IF NOT EXISTS alerts (
	alert_id      TEXT PRIMARY KEY,
	owner_user_id TEXT NOT NULL,
	status        TEXT NOT NULL,
	trigger_count INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	attrs         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_owner_created ON alerts (owner_user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_alerts_status        ON alerts (status);

CREATE TABLE IF NOT EXISTS alert_events (
	event_id     TEXT PRIMARY KEY,
	alert_id     TEXT NOT NULL,
	trade_id     TEXT NOT NULL,
	triggered_at TEXT NOT NULL,
	attrs        TEXT NOT NULL,
	UNIQUE (alert_id, trade_id)
);
CREATE INDEX IF NOT EXISTS idx_events_alert_triggered ON alert_events (alert_id, triggered_at DESC);

CREATE TABLE IF NOT EXISTS audit (
	audit_id      TEXT PRIMARY KEY,
	ts            TEXT NOT NULL,
	actor_user_id TEXT NOT NULL DEFAULT '',
	attrs         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_ts       ON audit (ts DESC);
CREATE INDEX IF NOT EXISTS idx_audit_actor_ts ON audit (actor_user_id, ts DESC);

CREATE TABLE IF NOT EXISTS ops (
	op_id      TEXT PRIMARY KEY,
	applied_at TEXT NOT NULL
);
`

// SQLiteStore implements core.IStore.
type SQLiteStore struct {
	db        *sql.DB
	cache     *gocache.Cache
	logger    core.ILogger
	maxTxRows int
	retryOn   bool
}

var _ core.IStore = (*SQLiteStore)(nil)

func NewSQLiteStore(cfg *config.PersistenceConfig, logger core.ILogger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL for crash recovery, busy timeout so concurrent writers queue
	// instead of failing immediately.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=1000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ttl := time.Duration(cfg.CacheTTL) * time.Second
	purge := time.Duration(cfg.CachePurge) * time.Second
	return &SQLiteStore{
		db:        db,
		cache:     gocache.New(ttl, purge),
		logger:    logger.WithField("component", "store"),
		maxTxRows: cfg.MaxTxRows,
		retryOn:   cfg.RetryEnabled,
	}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// classify maps driver errors onto the shared taxonomy so callers can make
// retry decisions without knowing about SQLite.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.ErrNotFound
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return fmt.Errorf("%w: %v", apperrors.ErrThrottled, err)
		}
	}
	return err
}

// withRetry runs fn under the store backoff policy. Conditional-check
// failures and duplicate ops are returned on the first attempt.
func (s *SQLiteStore) withRetry(ctx context.Context, fn func() error) error {
	wrapped := func() error { return classify(fn()) }
	if !s.retryOn {
		return wrapped()
	}
	return retry.Do(ctx, retry.StorePolicy, apperrors.IsTransient, wrapped)
}

// claimOp reserves an idempotency key inside tx. It reports false when the
// key was already claimed, which the caller must treat as an accepted no-op.
func claimOp(ctx context.Context, tx *sql.Tx, opID string) (bool, error) {
	if opID == "" {
		return true, nil
	}
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO ops (op_id, applied_at) VALUES (?, ?)`,
		opID, encodeTime(time.Now()))
	if err != nil {
		return false, fmt.Errorf("failed to claim op %s: %w", opID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) beginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

// Cache keys. Every write path invalidates the keys it can stale.

func userKey(userID string) string        { return "user:" + userID }
func chatKey(chatID string) string        { return "chat:" + chatID }
func alertKey(alertID string) string      { return "alert:" + alertID }
func posKey(userID, symbol string) string { return "pos:" + userID + "/" + symbol }
