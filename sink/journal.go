package sink

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/scrapeloop/dbopen"
	"github.com/hazyhaar/scrapeloop/exchange"
)

// JournalSchema is the DDL of the exchange journal.
const JournalSchema = `
CREATE TABLE IF NOT EXISTS exchanges (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	token         TEXT NOT NULL DEFAULT '',
	status        INTEGER NOT NULL DEFAULT 0,
	action        TEXT NOT NULL DEFAULT '',
	snapshot_hash TEXT NOT NULL DEFAULT '',
	snapshot_size INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	started_at    INTEGER NOT NULL,
	duration_ms   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exchanges_started ON exchanges (started_at);

CREATE TABLE IF NOT EXISTS snapshots (
	id        TEXT PRIMARY KEY,
	seq       INTEGER NOT NULL,
	token     TEXT NOT NULL,
	action    TEXT NOT NULL DEFAULT '',
	html      BLOB,
	html_hash TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_token ON snapshots (token, seq);
`

// Journal records exchanges and snapshots in SQLite.
type Journal struct {
	db      *sql.DB
	ownsDB  bool
	keepDOM bool
}

// JournalOption configures a Journal.
type JournalOption func(*Journal)

// WithoutHTML stores snapshot hashes only, dropping the markup.
func WithoutHTML() JournalOption {
	return func(j *Journal) { j.keepDOM = false }
}

// OpenJournal opens (or creates) the journal database at path.
func OpenJournal(path string, opts ...JournalOption) (*Journal, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(JournalSchema))
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	j := NewJournal(db, opts...)
	j.ownsDB = true
	return j, nil
}

// NewJournal wraps an open database. The schema must already be applied.
func NewJournal(db *sql.DB, opts ...JournalOption) *Journal {
	j := &Journal{db: db, keepDOM: true}
	for _, o := range opts {
		o(j)
	}
	return j
}

func (j *Journal) SendSnapshot(ctx context.Context, snap exchange.Snapshot) error {
	var html []byte
	if j.keepDOM {
		html = snap.HTML
	}
	_, err := dbopen.Exec(ctx, j.db, `
		INSERT INTO snapshots (id, seq, token, action, html, html_hash, timestamp)
		VALUES (?,?,?,?,?,?,?)`,
		snap.ID, snap.Seq, snap.Token, snap.Action, html, snap.HTMLHash, snap.Timestamp)
	if err != nil {
		return fmt.Errorf("journal: insert snapshot: %w", err)
	}
	return nil
}

func (j *Journal) SendExchange(ctx context.Context, ex exchange.Exchange) error {
	_, err := dbopen.Exec(ctx, j.db, `
		INSERT INTO exchanges (id, kind, token, status, action, snapshot_hash,
			snapshot_size, error, started_at, duration_ms)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ex.ID, string(ex.Kind), ex.Token, ex.Status, ex.Action, ex.SnapshotHash,
		ex.SnapshotSize, ex.Error, ex.StartedAt.UnixMilli(), ex.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("journal: insert exchange: %w", err)
	}
	return nil
}

// Exchanges returns up to limit exchanges in the order they were recorded.
func (j *Journal) Exchanges(ctx context.Context, limit int) ([]exchange.Exchange, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, kind, token, status, action, snapshot_hash, snapshot_size, error
		FROM exchanges ORDER BY rowid ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: query exchanges: %w", err)
	}
	defer rows.Close()

	var out []exchange.Exchange
	for rows.Next() {
		var ex exchange.Exchange
		var kind string
		if err := rows.Scan(&ex.ID, &kind, &ex.Token, &ex.Status, &ex.Action,
			&ex.SnapshotHash, &ex.SnapshotSize, &ex.Error); err != nil {
			return nil, err
		}
		ex.Kind = exchange.Kind(kind)
		out = append(out, ex)
	}
	return out, rows.Err()
}

// SnapshotHTML returns the stored markup of the latest snapshot sent under token.
func (j *Journal) SnapshotHTML(ctx context.Context, token string) ([]byte, error) {
	var html []byte
	err := j.db.QueryRowContext(ctx, `
		SELECT html FROM snapshots WHERE token = ? ORDER BY seq DESC LIMIT 1`, token).Scan(&html)
	if err != nil {
		return nil, fmt.Errorf("journal: snapshot %s: %w", token, err)
	}
	return html, nil
}

func (j *Journal) Close() error {
	if j.ownsDB {
		return j.db.Close()
	}
	return nil
}
