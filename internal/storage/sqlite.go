package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"strings"
	"time"

	"wagate/internal/audit"
	"wagate/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLite implements every durable store on one database handle.
type SQLite struct {
	db  *sql.DB
	log logx.Logger
}

func (s *SQLite) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping is used by the health endpoint.
func (s *SQLite) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// WriteAudit appends a batch in one transaction.
func (s *SQLite) WriteAudit(ctx context.Context, recs []audit.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO audit(at, kind, tenant_id, message_id, campaign_id, conversation_id, recipient, actor, attempt, err, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		if r.At.IsZero() {
			r.At = time.Now().UTC()
		}
		var meta string
		if len(r.Meta) > 0 {
			b, err := json.Marshal(r.Meta)
			if err != nil {
				return err
			}
			meta = string(b)
		}
		if _, err := stmt.ExecContext(ctx,
			ms(r.At), string(r.Kind), r.TenantID, r.MessageID, r.CampaignID, r.ConversationID,
			r.Recipient, r.Actor, r.Attempt, nullStr(r.Error), nullStr(meta),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AuditForMessage returns the trail of one message in write order.
func (s *SQLite) AuditForMessage(ctx context.Context, messageID string) ([]audit.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, kind, tenant_id, message_id, campaign_id, conversation_id, recipient, actor, attempt, err, meta
		 FROM audit WHERE message_id = ? ORDER BY id`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var (
			r         audit.Record
			at        int64
			kind      string
			errS, mta sql.NullString
		)
		if err := rows.Scan(&at, &kind, &r.TenantID, &r.MessageID, &r.CampaignID, &r.ConversationID,
			&r.Recipient, &r.Actor, &r.Attempt, &errS, &mta); err != nil {
			return nil, err
		}
		r.At, r.Kind, r.Error = fromMs(at), audit.Kind(kind), errS.String
		if mta.Valid && mta.String != "" {
			if err := json.Unmarshal([]byte(mta.String), &r.Meta); err != nil {
				return nil, err
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
