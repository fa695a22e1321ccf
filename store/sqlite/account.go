package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/postflux/uplink"
	"github.com/postflux/uplink/id"
	"github.com/postflux/uplink/job"
)

// PutAccount upserts a destination account.
func (s *Store) PutAccount(ctx context.Context, a *job.Account) error {
	a.Touch(time.Now().UTC())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uplink_accounts (id, owner_id, provider, handle, access_token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = excluded.owner_id,
			provider = excluded.provider,
			handle = excluded.handle,
			access_token = excluded.access_token,
			updated_at = excluded.updated_at`,
		a.ID, a.OwnerID, a.Provider, a.Handle, a.AccessToken,
		toMillis(a.CreatedAt), toMillis(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("uplink/sqlite: put account: %w", err)
	}
	return nil
}

// GetAccount retrieves a destination account by ID.
func (s *Store) GetAccount(ctx context.Context, accountID id.AccountID) (*job.Account, error) {
	var (
		a         job.Account
		createdAt int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, provider, handle, access_token, created_at, updated_at
		FROM uplink_accounts WHERE id = ?`,
		accountID.String(),
	).Scan(&a.ID, &a.OwnerID, &a.Provider, &a.Handle, &a.AccessToken, &createdAt, &updatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, uplink.ErrAccountNotFound
		}
		return nil, fmt.Errorf("uplink/sqlite: get account: %w", err)
	}
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updatedAt)
	return &a, nil
}
