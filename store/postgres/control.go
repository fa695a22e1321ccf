package postgres

import (
	"context"
	"fmt"

	"github.com/postflux/uplink/control"
	"github.com/postflux/uplink/id"
)

// GetQueueControl returns the owner's control row, creating it with
// defaults if it does not exist.
func (s *Store) GetQueueControl(ctx context.Context, ownerID id.UserID) (*control.QueueControl, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO uplink_queue_controls (owner_id)
		VALUES ($1)
		ON CONFLICT (owner_id) DO NOTHING`,
		ownerID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("uplink/postgres: ensure queue control: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		SELECT owner_id, paused, dispatch_mode, updated_at
		FROM uplink_queue_controls
		WHERE owner_id = $1`,
		ownerID.String(),
	)
	return scanQueueControl(row)
}

// UpdateQueueControl applies only the patch's provided fields and
// returns the updated row. Invalid dispatch modes normalize to due_only.
func (s *Store) UpdateQueueControl(ctx context.Context, ownerID id.UserID, p control.Patch) (*control.QueueControl, error) {
	var mode *string
	if p.DispatchMode != nil {
		normalized := string(control.Normalize(*p.DispatchMode))
		mode = &normalized
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO uplink_queue_controls (owner_id, paused, dispatch_mode, updated_at)
		VALUES ($1, COALESCE($2, FALSE), COALESCE($3, 'due_only'), NOW())
		ON CONFLICT (owner_id) DO UPDATE SET
			paused = COALESCE($2, uplink_queue_controls.paused),
			dispatch_mode = COALESCE($3, uplink_queue_controls.dispatch_mode),
			updated_at = NOW()
		RETURNING owner_id, paused, dispatch_mode, updated_at`,
		ownerID.String(), p.Paused, mode,
	)
	return scanQueueControl(row)
}

func scanQueueControl(row interface{ Scan(...any) error }) (*control.QueueControl, error) {
	var (
		qc   control.QueueControl
		mode string
	)
	if err := row.Scan(&qc.OwnerID, &qc.Paused, &mode, &qc.UpdatedAt); err != nil {
		return nil, fmt.Errorf("uplink/postgres: scan queue control: %w", err)
	}
	qc.DispatchMode = control.DispatchMode(mode)
	return &qc, nil
}
