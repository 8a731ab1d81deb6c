package db

import (
	"context"
	"fmt"

	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/google/uuid"
)

// AppendActivationEvent inserts one history entry.
func (db *DB) AppendActivationEvent(ctx context.Context, ev *models.ActivationEvent) error {
	return insertActivationEvent(ctx, db.Pool, ev)
}

func insertActivationEvent(ctx context.Context, q execer, ev *models.ActivationEvent) error {
	_, err := q.Exec(ctx, `
		INSERT INTO activation_events (
			id, license_id, product_key, action, reason,
			hardware_id, domain, ip_address, user_agent, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, ev.ID, ev.LicenseID, ev.ProductKey, string(ev.Action), ev.Reason,
		ev.HardwareID, ev.Domain, ev.IPAddress, ev.UserAgent, ev.Details, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append activation event: %w", err)
	}
	return nil
}

// ListActivationEvents returns the newest history entries of a license first.
func (db *DB) ListActivationEvents(ctx context.Context, licenseID uuid.UUID, limit int) ([]*models.ActivationEvent, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, license_id, product_key, action, reason,
		       hardware_id, domain, ip_address, user_agent, details, created_at
		FROM activation_events
		WHERE license_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, licenseID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activation events: %w", err)
	}
	defer rows.Close()

	var events []*models.ActivationEvent
	for rows.Next() {
		var ev models.ActivationEvent
		var action string
		if err := rows.Scan(
			&ev.ID, &ev.LicenseID, &ev.ProductKey, &action, &ev.Reason,
			&ev.HardwareID, &ev.Domain, &ev.IPAddress, &ev.UserAgent, &ev.Details, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan activation event: %w", err)
		}
		ev.Action = models.EventAction(action)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activation events: %w", err)
	}
	return events, nil
}

// CountActivationEventsByKey returns the number of history entries recorded for a product key,
// including attempts that matched no license.
func (db *DB) CountActivationEventsByKey(ctx context.Context, key string) (int, error) {
	var n int
	err := db.Pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM activation_events WHERE product_key = $1", key,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count activation events: %w", err)
	}
	return n, nil
}
