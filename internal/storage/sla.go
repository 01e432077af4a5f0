package storage

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"wagate/internal/sla"
)

const slaCols = `conversation_id, tenant_id, started_at, deadline, breached, breached_at, priority, cleared_at, cleared_by`

// StartDeadline replaces a closed episode and leaves an open one untouched.
func (s *SQLite) StartDeadline(ctx context.Context, d sla.Deadline) (sla.Deadline, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sla_deadlines(`+slaCols+`) VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(conversation_id) DO UPDATE SET
		   tenant_id=excluded.tenant_id, started_at=excluded.started_at, deadline=excluded.deadline,
		   breached=excluded.breached, breached_at=excluded.breached_at, priority=excluded.priority,
		   cleared_at=excluded.cleared_at, cleared_by=excluded.cleared_by
		 WHERE sla_deadlines.cleared_at <> 0`,
		d.ConversationID, d.TenantID, ms(d.StartedAt), ms(d.Deadline), d.Breached, ms(d.BreachedAt),
		d.Priority, ms(d.ClearedAt), d.ClearedBy,
	)
	if err != nil {
		return sla.Deadline{}, false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return sla.Deadline{}, false, err
	} else if n > 0 {
		return d, true, nil
	}
	cur, ok, err := s.GetDeadline(ctx, d.ConversationID)
	if err != nil {
		return sla.Deadline{}, false, err
	}
	if !ok {
		return sla.Deadline{}, false, errors.New("storage: sla row vanished")
	}
	return cur, false, nil
}

func (s *SQLite) ClearDeadline(ctx context.Context, conversationID, responderID string, at time.Time) (sla.Deadline, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE sla_deadlines SET cleared_at = ?, cleared_by = ?
		 WHERE conversation_id = ? AND cleared_at = 0
		 RETURNING `+slaCols,
		ms(at), responderID, conversationID)
	d, err := scanDeadline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return sla.Deadline{}, false, nil
	}
	if err != nil {
		return sla.Deadline{}, false, err
	}
	return d, true, nil
}

// ClaimBreaches flips and returns due rows in one statement, so two sweepers
// never report the same breach.
func (s *SQLite) ClaimBreaches(ctx context.Context, now time.Time, limit int) ([]sla.Deadline, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`UPDATE sla_deadlines SET breached = 1, breached_at = ?
		 WHERE conversation_id IN (
		   SELECT conversation_id FROM sla_deadlines
		   WHERE cleared_at = 0 AND breached = 0 AND deadline <= ?
		   ORDER BY deadline LIMIT ?)
		 RETURNING `+slaCols,
		ms(now), ms(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []sla.Deadline
	for rows.Next() {
		d, err := scanDeadline(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out, nil
}

func (s *SQLite) SetPriority(ctx context.Context, conversationID string, priority int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sla_deadlines SET priority = ? WHERE conversation_id = ?`, priority, conversationID)
	return err
}

func (s *SQLite) GetDeadline(ctx context.Context, conversationID string) (sla.Deadline, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+slaCols+` FROM sla_deadlines WHERE conversation_id = ?`, conversationID)
	d, err := scanDeadline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return sla.Deadline{}, false, nil
	}
	if err != nil {
		return sla.Deadline{}, false, err
	}
	return d, true, nil
}

func scanDeadline(sc scanner) (sla.Deadline, error) {
	var (
		d                                  sla.Deadline
		started, deadline, breached, clear int64
	)
	if err := sc.Scan(&d.ConversationID, &d.TenantID, &started, &deadline, &d.Breached, &breached,
		&d.Priority, &clear, &d.ClearedBy); err != nil {
		return sla.Deadline{}, err
	}
	d.StartedAt, d.Deadline = fromMs(started), fromMs(deadline)
	d.BreachedAt, d.ClearedAt = fromMs(breached), fromMs(clear)
	return d, nil
}
