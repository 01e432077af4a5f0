package storage

import (
	"context"
	"database/sql"
	"errors"

	"wagate/internal/vault"
)

// Only sealed tokens reach this table.

func (s *SQLite) GetCredential(ctx context.Context, tenantID, channelID string) (vault.Credential, error) {
	c := vault.Credential{TenantID: tenantID, ChannelID: channelID}
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, sealed, updated_at FROM credentials WHERE tenant_id = ? AND channel_id = ?`,
		tenantID, channelID).Scan(&c.AccountID, &c.Sealed, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return vault.Credential{}, vault.ErrNoCredential
	}
	if err != nil {
		return vault.Credential{}, err
	}
	c.UpdatedAt = fromMs(updated)
	return c, nil
}

func (s *SQLite) PutCredential(ctx context.Context, c vault.Credential) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials(tenant_id, channel_id, account_id, sealed, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(tenant_id, channel_id) DO UPDATE SET
		   account_id=excluded.account_id, sealed=excluded.sealed, updated_at=excluded.updated_at`,
		c.TenantID, c.ChannelID, c.AccountID, c.Sealed, ms(c.UpdatedAt),
	)
	return err
}

func (s *SQLite) SwapCredential(ctx context.Context, c vault.Credential, oldSealed string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE credentials SET account_id = ?, sealed = ?, updated_at = ?
		 WHERE tenant_id = ? AND channel_id = ? AND sealed = ?`,
		c.AccountID, c.Sealed, ms(c.UpdatedAt), c.TenantID, c.ChannelID, oldSealed,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLite) ListCredentials(ctx context.Context) ([]vault.Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, channel_id, account_id, sealed, updated_at FROM credentials ORDER BY tenant_id, channel_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []vault.Credential
	for rows.Next() {
		var (
			c       vault.Credential
			updated int64
		)
		if err := rows.Scan(&c.TenantID, &c.ChannelID, &c.AccountID, &c.Sealed, &updated); err != nil {
			return nil, err
		}
		c.UpdatedAt = fromMs(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}
