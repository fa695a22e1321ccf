package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/postflux/uplink/control"
	"github.com/postflux/uplink/id"
)

// GetQueueControl returns the owner's control row, creating it with
// defaults on first read.
func (s *Store) GetQueueControl(ctx context.Context, ownerID id.UserID) (*control.QueueControl, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uplink_queue_controls (owner_id, paused, dispatch_mode, updated_at)
		VALUES (?, 0, 'due_only', ?)
		ON CONFLICT (owner_id) DO NOTHING`,
		ownerID.String(), toMillis(time.Now().UTC()),
	)
	if err != nil {
		return nil, fmt.Errorf("uplink/sqlite: init queue control: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT owner_id, paused, dispatch_mode, updated_at
		FROM uplink_queue_controls WHERE owner_id = ?`,
		ownerID.String(),
	)
	return scanQueueControl(row)
}

// UpdateQueueControl applies only the patch's provided fields and
// returns the updated row. Invalid dispatch modes normalize to due_only.
func (s *Store) UpdateQueueControl(ctx context.Context, ownerID id.UserID, p control.Patch) (*control.QueueControl, error) {
	var paused *bool
	if p.Paused != nil {
		paused = p.Paused
	}
	var mode *string
	if p.DispatchMode != nil {
		normalized := string(control.Normalize(*p.DispatchMode))
		mode = &normalized
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uplink_queue_controls (owner_id, paused, dispatch_mode, updated_at)
		VALUES (?, COALESCE(?, 0), COALESCE(?, 'due_only'), ?)
		ON CONFLICT (owner_id) DO UPDATE SET
			paused = COALESCE(?, uplink_queue_controls.paused),
			dispatch_mode = COALESCE(?, uplink_queue_controls.dispatch_mode),
			updated_at = ?`,
		ownerID.String(), boolArg(paused), mode, toMillis(time.Now().UTC()),
		boolArg(paused), mode, toMillis(time.Now().UTC()),
	)
	if err != nil {
		return nil, fmt.Errorf("uplink/sqlite: update queue control: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT owner_id, paused, dispatch_mode, updated_at
		FROM uplink_queue_controls WHERE owner_id = ?`,
		ownerID.String(),
	)
	return scanQueueControl(row)
}

// boolArg maps an optional bool to a nullable integer column value.
func boolArg(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}

// scanQueueControl scans a single queue control row.
func scanQueueControl(row interface{ Scan(...any) error }) (*control.QueueControl, error) {
	var (
		qc        control.QueueControl
		mode      string
		updatedAt int64
	)
	if err := row.Scan(&qc.OwnerID, &qc.Paused, &mode, &updatedAt); err != nil {
		return nil, fmt.Errorf("uplink/sqlite: scan queue control: %w", err)
	}
	qc.DispatchMode = control.Normalize(control.DispatchMode(mode))
	qc.UpdatedAt = fromMillis(updatedAt)
	return &qc, nil
}
