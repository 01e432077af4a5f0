package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"wagate/internal/message"
)

const messageCols = `id, tenant_id, channel_id, campaign_id, conversation_id, recipient, payload,
	status, provider_id, code, reason, retry_count, created_at, updated_at`

func (s *SQLite) SaveMessage(ctx context.Context, m message.Message) error {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return err
	}
	created := m.CreatedAt
	if created.IsZero() {
		created = m.UpdatedAt
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages(`+messageCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   channel_id=excluded.channel_id, campaign_id=excluded.campaign_id,
		   conversation_id=excluded.conversation_id, recipient=excluded.recipient,
		   payload=excluded.payload, status=excluded.status, provider_id=excluded.provider_id,
		   code=excluded.code, reason=excluded.reason, retry_count=excluded.retry_count,
		   updated_at=excluded.updated_at`,
		m.ID, m.TenantID, m.ChannelID, m.CampaignID, m.ConversationID, m.Recipient, string(payload),
		string(m.Status), m.ProviderID, m.Code, m.Reason, m.RetryCount, ms(created), ms(m.UpdatedAt),
	)
	return err
}

func (s *SQLite) GetMessage(ctx context.Context, id string) (message.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageCols+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return message.Message{}, message.ErrNotFound
	}
	return m, err
}

func (s *SQLite) ListMessages(ctx context.Context, tenantID string, status message.Status, limit int) ([]message.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE tenant_id = ? AND (? = '' OR status = ?)
		 ORDER BY created_at DESC, id LIMIT ?`,
		tenantID, string(status), string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []message.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(sc scanner) (message.Message, error) {
	var (
		m                message.Message
		payload, status  string
		created, updated int64
	)
	if err := sc.Scan(&m.ID, &m.TenantID, &m.ChannelID, &m.CampaignID, &m.ConversationID, &m.Recipient,
		&payload, &status, &m.ProviderID, &m.Code, &m.Reason, &m.RetryCount, &created, &updated); err != nil {
		return message.Message{}, err
	}
	if err := json.Unmarshal([]byte(payload), &m.Payload); err != nil {
		return message.Message{}, err
	}
	m.Status = message.Status(status)
	m.CreatedAt, m.UpdatedAt = fromMs(created), fromMs(updated)
	return m, nil
}
