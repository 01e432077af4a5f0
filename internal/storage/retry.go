package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"wagate/internal/retryq"
)

// Retry jobs are kept as JSON bodies; only the columns the queue filters on
// are broken out.

func (s *SQLite) Enqueue(ctx context.Context, j retryq.Job) error {
	body, err := json.Marshal(j)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO retry_jobs(id, tenant_id, message_id, body, scheduled_at, claimed_until, dead, dead_at)
		 VALUES(?,?,?,?,?,0,0,0)
		 ON CONFLICT(id) DO UPDATE SET
		   body=excluded.body, scheduled_at=excluded.scheduled_at,
		   claimed_until=0, dead=0, dead_at=0`,
		j.ID, j.TenantID, j.MessageID, string(body), ms(j.ScheduledAt),
	)
	return err
}

func (s *SQLite) Claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]retryq.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`UPDATE retry_jobs SET claimed_until = ?
		 WHERE id IN (
		   SELECT id FROM retry_jobs
		   WHERE dead = 0 AND scheduled_at <= ? AND claimed_until <= ?
		   ORDER BY scheduled_at LIMIT ?)
		 RETURNING body`,
		ms(now.Add(lease)), ms(now), ms(now), limit)
	if err != nil {
		return nil, err
	}
	out, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (s *SQLite) Ack(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM retry_jobs WHERE id = ? AND dead = 0`, id)
	return err
}

func (s *SQLite) DeadLetter(ctx context.Context, j retryq.Job) error {
	body, err := json.Marshal(j)
	if err != nil {
		return err
	}
	deadAt := j.DeadAt
	if deadAt.IsZero() {
		deadAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO retry_jobs(id, tenant_id, message_id, body, scheduled_at, claimed_until, dead, dead_at)
		 VALUES(?,?,?,?,?,0,1,?)
		 ON CONFLICT(id) DO UPDATE SET
		   body=excluded.body, claimed_until=0, dead=1, dead_at=excluded.dead_at`,
		j.ID, j.TenantID, j.MessageID, string(body), ms(j.ScheduledAt), ms(deadAt),
	)
	return err
}

func (s *SQLite) DeadLetters(ctx context.Context, tenantID string, limit int) ([]retryq.Job, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM retry_jobs WHERE tenant_id = ? AND dead = 1 ORDER BY dead_at DESC, id LIMIT ?`,
		tenantID, limit)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (s *SQLite) TakeDeadLetter(ctx context.Context, id string) (retryq.Job, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM retry_jobs WHERE id = ? AND dead = 1 RETURNING body`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return retryq.Job{}, retryq.ErrNotFound
	}
	if err != nil {
		return retryq.Job{}, err
	}
	var j retryq.Job
	if err := json.Unmarshal([]byte(body), &j); err != nil {
		return retryq.Job{}, err
	}
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]retryq.Job, error) {
	defer rows.Close()
	var out []retryq.Job
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var j retryq.Job
		if err := json.Unmarshal([]byte(body), &j); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
