package coordinator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/scrapeloop/dbopen"
)

// QueueSchema is the DDL of the job queue.
//
// Rows are invisible to claimers until visible_at. Claiming pushes
// visible_at forward by the visibility timeout; a job whose session is
// abandoned reappears on its own.
const QueueSchema = `
CREATE TABLE IF NOT EXISTS scrape_jobs (
	id          TEXT PRIMARY KEY,
	payload     BLOB NOT NULL,
	visible_at  INTEGER NOT NULL DEFAULT 0,  -- milliseconds since epoch
	created_at  INTEGER NOT NULL,            -- milliseconds since epoch
	attempts    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_scrape_jobs_visible ON scrape_jobs (visible_at);
`

// Job is a page to hand to a page loop: the fragment body and the
// follow-up action headers to send, in order, after each response.
type Job struct {
	ID      string   `json:"id"`
	Body    string   `json:"body"`
	Actions []string `json:"actions,omitempty"`
}

// claimed is a job plus its queue bookkeeping.
type claimed struct {
	Job
	Attempts  int
	CreatedAt time.Time
}

// queue is a visibility-timeout queue of jobs in SQLite.
type queue struct {
	db          *sql.DB
	visibility  time.Duration
	maxAttempts int
	logger      *slog.Logger
}

func (q *queue) publish(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = dbopen.Exec(ctx, q.db,
		`INSERT INTO scrape_jobs (id, payload, visible_at, created_at) VALUES (?,?,?,?)`,
		job.ID, payload, now, now)
	if err != nil {
		return fmt.Errorf("queue: publish %s: %w", job.ID, err)
	}
	return nil
}

// claim picks the oldest visible job and hides it for the visibility
// timeout. It returns nil, nil when nothing is visible. Jobs past
// maxAttempts are discarded.
func (q *queue) claim(ctx context.Context) (*claimed, error) {
	for {
		now := time.Now()
		row := q.db.QueryRowContext(ctx, `
			UPDATE scrape_jobs
			SET visible_at = ?, attempts = attempts + 1
			WHERE id = (
				SELECT id FROM scrape_jobs
				WHERE visible_at <= ?
				ORDER BY visible_at ASC, created_at ASC
				LIMIT 1
			)
			RETURNING payload, created_at, attempts`,
			now.Add(q.visibility).UnixMilli(), now.UnixMilli())

		var (
			payload []byte
			creAt   int64
			c       claimed
		)
		err := row.Scan(&payload, &creAt, &c.Attempts)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("queue: claim: %w", err)
		}
		if err := json.Unmarshal(payload, &c.Job); err != nil {
			return nil, fmt.Errorf("queue: decode payload: %w", err)
		}
		c.CreatedAt = time.UnixMilli(creAt)

		if q.maxAttempts > 0 && c.Attempts > q.maxAttempts {
			q.logger.Warn("queue: job exceeded max attempts, discarding",
				"id", c.ID, "attempts", c.Attempts)
			if _, err := q.ack(ctx, c.ID, c.Attempts); err != nil {
				return nil, err
			}
			continue
		}
		return &c, nil
	}
}

// ack deletes a job, provided attempt is still its latest claim. It
// reports false when the job was claimed again or is gone.
func (q *queue) ack(ctx context.Context, id string, attempt int) (bool, error) {
	res, err := dbopen.Exec(ctx, q.db,
		`DELETE FROM scrape_jobs WHERE id = ? AND attempts = ?`, id, attempt)
	if err != nil {
		return false, fmt.Errorf("queue: ack %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// extend pushes the visibility timeout of a job still in progress under
// the given claim. It reports false when the claim is no longer current.
func (q *queue) extend(ctx context.Context, id string, attempt int) (bool, error) {
	hideUntil := time.Now().Add(q.visibility).UnixMilli()
	res, err := dbopen.Exec(ctx, q.db,
		`UPDATE scrape_jobs SET visible_at = ? WHERE id = ? AND attempts = ?`, hideUntil, id, attempt)
	if err != nil {
		return false, fmt.Errorf("queue: extend %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (q *queue) count(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scrape_jobs`).Scan(&n)
	return n, err
}
