package postgres

import (
	"context"
	"fmt"

	"github.com/postflux/uplink"
	"github.com/postflux/uplink/id"
	"github.com/postflux/uplink/job"
)

// PutAccount upserts a destination account.
func (s *Store) PutAccount(ctx context.Context, a *job.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO uplink_accounts (id, owner_id, provider, handle, access_token)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			provider = EXCLUDED.provider,
			handle = EXCLUDED.handle,
			access_token = EXCLUDED.access_token,
			updated_at = NOW()`,
		a.ID, a.OwnerID, a.Provider, a.Handle, a.AccessToken,
	)
	if err != nil {
		return fmt.Errorf("uplink/postgres: put account: %w", err)
	}
	return nil
}

// GetAccount retrieves a destination account by ID.
func (s *Store) GetAccount(ctx context.Context, accountID id.AccountID) (*job.Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, provider, handle, access_token, created_at, updated_at
		FROM uplink_accounts
		WHERE id = $1`,
		accountID.String(),
	)

	var a job.Account
	err := row.Scan(&a.ID, &a.OwnerID, &a.Provider, &a.Handle, &a.AccessToken, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, uplink.ErrAccountNotFound
		}
		return nil, fmt.Errorf("uplink/postgres: get account: %w", err)
	}
	return &a, nil
}
