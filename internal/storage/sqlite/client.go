package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/groupchat/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

// NewClient opens the database at dbPath. Transactions take the write lock at
// BEGIN (_txlock=immediate), so ledger commits never interleave.
func NewClient(dbPath string) (*Client, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("Database schema initialized")
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS contacts (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	expertise_summary TEXT NOT NULL DEFAULT '',
	expertise_vector BLOB,
	trust_score REAL NOT NULL DEFAULT 0.5 CHECK (trust_score >= 0 AND trust_score <= 1),
	response_rate REAL NOT NULL DEFAULT 0 CHECK (response_rate >= 0 AND response_rate <= 1),
	available INTEGER NOT NULL DEFAULT 1,
	disabled INTEGER NOT NULL DEFAULT 0,
	consent TEXT NOT NULL DEFAULT '{}',
	tags TEXT NOT NULL DEFAULT '[]',
	last_contacted_at INTEGER,
	total_contributions INTEGER NOT NULL DEFAULT 0,
	total_earnings_cents INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_contacts_active ON contacts(disabled, available);

CREATE TRIGGER IF NOT EXISTS contacts_no_delete
BEFORE DELETE ON contacts
BEGIN
	SELECT RAISE(ABORT, 'contacts are soft-disabled, never deleted');
END;

CREATE TABLE IF NOT EXISTS referrals (
	referred_id TEXT PRIMARY KEY,
	referrer_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	CHECK (referred_id <> referrer_id)
);

CREATE TABLE IF NOT EXISTS queries (
	id TEXT PRIMARY KEY,
	asker_id TEXT NOT NULL DEFAULT '',
	question_text TEXT NOT NULL,
	question_vector BLOB,
	budget_cents INTEGER NOT NULL CHECK (budget_cents >= 0),
	timeout_ms INTEGER NOT NULL,
	min_contributions INTEGER NOT NULL,
	max_matches INTEGER NOT NULL,
	status TEXT NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	collect_deadline INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queries_status ON queries(status);

CREATE TRIGGER IF NOT EXISTS queries_terminal_immutable
BEFORE UPDATE ON queries
WHEN OLD.status IN ('completed', 'failed', 'cancelled')
BEGIN
	SELECT RAISE(ABORT, 'query is terminal');
END;

CREATE TABLE IF NOT EXISTS matches (
	query_id TEXT NOT NULL REFERENCES queries(id),
	contact_id TEXT NOT NULL REFERENCES contacts(id),
	score REAL NOT NULL,
	rank INTEGER NOT NULL,
	cluster TEXT NOT NULL DEFAULT '',
	wave INTEGER NOT NULL,
	components TEXT NOT NULL DEFAULT '{}',
	reasons TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	PRIMARY KEY (query_id, contact_id)
);

CREATE TABLE IF NOT EXISTS deliveries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	query_id TEXT NOT NULL REFERENCES queries(id),
	contact_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_query ON deliveries(query_id);

CREATE TABLE IF NOT EXISTS contributions (
	id TEXT PRIMARY KEY,
	query_id TEXT NOT NULL REFERENCES queries(id),
	contact_id TEXT NOT NULL REFERENCES contacts(id),
	response_text TEXT NOT NULL,
	confidence REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
	received_at INTEGER NOT NULL,
	used INTEGER NOT NULL DEFAULT 0,
	late INTEGER NOT NULL DEFAULT 0,
	UNIQUE (query_id, contact_id)
);
CREATE INDEX IF NOT EXISTS idx_contributions_query ON contributions(query_id, received_at);

CREATE TRIGGER IF NOT EXISTS contributions_content_immutable
BEFORE UPDATE ON contributions
WHEN NEW.response_text IS NOT OLD.response_text
	OR NEW.confidence IS NOT OLD.confidence
	OR NEW.query_id IS NOT OLD.query_id
	OR NEW.contact_id IS NOT OLD.contact_id
	OR NEW.received_at IS NOT OLD.received_at
	OR NEW.late IS NOT OLD.late
BEGIN
	SELECT RAISE(ABORT, 'contribution content is immutable');
END;

CREATE TABLE IF NOT EXISTS compiled_answers (
	id TEXT PRIMARY KEY,
	query_id TEXT NOT NULL UNIQUE REFERENCES queries(id),
	final_text TEXT NOT NULL,
	confidence_score REAL NOT NULL,
	ungrounded_claims INTEGER NOT NULL DEFAULT 0,
	partial INTEGER NOT NULL DEFAULT 0,
	attempts INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);

CREATE TRIGGER IF NOT EXISTS compiled_answers_immutable
BEFORE UPDATE ON compiled_answers
BEGIN
	SELECT RAISE(ABORT, 'compiled answers are immutable');
END;

CREATE TABLE IF NOT EXISTS citations (
	id TEXT PRIMARY KEY,
	answer_id TEXT NOT NULL REFERENCES compiled_answers(id),
	query_id TEXT NOT NULL,
	contribution_id TEXT NOT NULL REFERENCES contributions(id),
	claim_start INTEGER NOT NULL,
	claim_end INTEGER NOT NULL,
	source_excerpt TEXT NOT NULL,
	confidence REAL NOT NULL,
	position INTEGER NOT NULL,
	CHECK (claim_start >= 0 AND claim_end >= claim_start)
);
CREATE INDEX IF NOT EXISTS idx_citations_answer ON citations(answer_id, position);

CREATE TRIGGER IF NOT EXISTS citations_same_query
BEFORE INSERT ON citations
WHEN (SELECT query_id FROM contributions WHERE id = NEW.contribution_id) IS NOT NEW.query_id
BEGIN
	SELECT RAISE(ABORT, 'citation references a contribution from another query');
END;

CREATE TABLE IF NOT EXISTS settlements (
	query_id TEXT PRIMARY KEY,
	transaction_id TEXT NOT NULL UNIQUE,
	budget_cents INTEGER NOT NULL,
	contributor_pool_cents INTEGER NOT NULL,
	platform_cents INTEGER NOT NULL,
	referrer_cents INTEGER NOT NULL,
	payouts TEXT NOT NULL,
	settled_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id TEXT PRIMARY KEY,
	transaction_id TEXT NOT NULL REFERENCES settlements(transaction_id),
	query_id TEXT NOT NULL,
	account_type TEXT NOT NULL,
	account_id TEXT NOT NULL,
	amount_cents INTEGER NOT NULL CHECK (amount_cents <> 0),
	memo TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_tx ON ledger_entries(transaction_id);
CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries(account_type, account_id, created_at);

CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
BEFORE UPDATE ON ledger_entries
BEGIN
	SELECT RAISE(ABORT, 'ledger entries are append-only');
END;

CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
BEFORE DELETE ON ledger_entries
BEGIN
	SELECT RAISE(ABORT, 'ledger entries are append-only');
END;

CREATE TRIGGER IF NOT EXISTS settlements_no_update
BEFORE UPDATE ON settlements
BEGIN
	SELECT RAISE(ABORT, 'settlements are append-only');
END;

CREATE TRIGGER IF NOT EXISTS settlements_no_delete
BEFORE DELETE ON settlements
BEGIN
	SELECT RAISE(ABORT, 'settlements are append-only');
END;
`

// encodeVector packs a vector as little-endian float32s. Empty vectors bind
// as NULL.
func encodeVector(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

func toUnix(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toUnix(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnix(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// withTx runs fn inside a transaction and commits when it returns nil.
func (c *Client) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
