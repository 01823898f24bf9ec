package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/pilotcrew/agentgate/internal/models"
)

// ErrKeyNotFound reports a license key with no active row in the store.
// Revoked keys look the same as keys that never existed.
var ErrKeyNotFound = errors.New("license key not found")

// GetSubscriptionByKey joins "key -> owner" and "owner -> subscription" in
// one round trip. It returns ErrKeyNotFound for unknown or revoked keys;
// any other error is a backend failure the caller must not cache.
func (s *Store) GetSubscriptionByKey(ctx context.Context, licenseKey string) (*models.Subscription, error) {
	query := `
        SELECT o.id, s.plan, s.status, s.updated_at
        FROM license_keys k
        JOIN owners o ON o.id = k.owner_id
        JOIN subscriptions s ON s.owner_id = o.id
        WHERE k.key = $1 AND k.revoked_at IS NULL
    `

	var sub models.Subscription
	err := s.Pool.QueryRow(ctx, query, licenseKey).Scan(
		&sub.OwnerID,
		&sub.Plan,
		&sub.Status,
		&sub.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}

	return &sub, nil
}

// InsertUsage appends one usage record. Called only from the sink worker,
// never from the request path.
func (s *Store) InsertUsage(ctx context.Context, rec *models.UsageRecord) error {
	query := `
        INSERT INTO usage_records (request_id, owner_id, provider, model, input_tokens, output_tokens, cost_cents, parse_failed, completed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
    `

	_, err := s.Pool.Exec(ctx, query,
		rec.RequestID,
		rec.OwnerID,
		rec.Provider,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostCents,
		rec.ParseFailed,
		rec.CompletedAt,
	)

	return err
}
