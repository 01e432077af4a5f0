package storage

import (
	"context"

	"wagate/internal/compliance"
)

func (s *SQLite) IsOptedOut(ctx context.Context, tenantID, recipient string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM opt_outs WHERE tenant_id = ? AND recipient = ?`, tenantID, recipient).Scan(&n)
	return n > 0, err
}

func (s *SQLite) SetOptOut(ctx context.Context, o compliance.OptOut) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO opt_outs(tenant_id, recipient, source, reason, at) VALUES(?,?,?,?,?)
		 ON CONFLICT(tenant_id, recipient) DO UPDATE SET
		   source=excluded.source, reason=excluded.reason, at=excluded.at`,
		o.TenantID, o.Recipient, string(o.Source), o.Reason, ms(o.At),
	)
	return err
}

func (s *SQLite) ClearOptOut(ctx context.Context, tenantID, recipient string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM opt_outs WHERE tenant_id = ? AND recipient = ?`, tenantID, recipient)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
