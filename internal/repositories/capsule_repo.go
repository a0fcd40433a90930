package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/capsule-auction/backend/internal/apperr"
	"github.com/capsule-auction/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type CapsuleRepo struct {
	pool *pgxpool.Pool
}

func NewCapsuleRepo(pool *pgxpool.Pool) *CapsuleRepo {
	return &CapsuleRepo{pool: pool}
}

type CapsuleFilter struct {
	CreatorID *uuid.UUID
	// OpenFrom/OpenTo bound open_date as [from, to).
	OpenFrom     *time.Time
	OpenTo       *time.Time
	AuctionsOnly bool
	Status       *string
	Limit        int
	Offset       int
}

const capsuleWithCreatorSelect = `
	SELECT c.id, c.name, c.message, c.image_url, c.creator_id, c.open_date, c.status, c.auction_enabled,
	       c.encryption_level, c.initial_bid, c.current_bid, c.highest_bidder_id, c.winner_id, c.tx_ref,
	       c.created_at, c.updated_at,
	       p.id, p.username, p.avatar_url
	FROM capsules c
	LEFT JOIN profiles p ON p.id = c.creator_id
`

func scanCapsuleWithCreator(row pgx.Row) (*models.CapsuleWithCreator, error) {
	var (
		c         models.CapsuleWithCreator
		creatorID *uuid.UUID
		username  *string
		avatarURL *string
	)
	if err := scanCapsule(row, &c.Capsule, &creatorID, &username, &avatarURL); err != nil {
		return nil, err
	}
	if creatorID != nil {
		c.Creator = &models.ProfileSummary{ID: *creatorID, Username: username, AvatarURL: avatarURL}
	}
	return &c, nil
}

func (r *CapsuleRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Capsule, error) {
	var c models.Capsule
	err := scanCapsule(r.pool.QueryRow(ctx, `SELECT `+capsuleColumns+` FROM capsules WHERE id = $1`, id), &c)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeCapsuleNotFound, "capsule not found").WithDetail("capsule_id", id.String())
	}
	if err != nil {
		return nil, apperr.Infrastructure("get capsule", err)
	}
	return &c, nil
}

func (r *CapsuleRepo) GetByIDWithCreator(ctx context.Context, id uuid.UUID) (*models.CapsuleWithCreator, error) {
	c, err := scanCapsuleWithCreator(r.pool.QueryRow(ctx, capsuleWithCreatorSelect+` WHERE c.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeCapsuleNotFound, "capsule not found").WithDetail("capsule_id", id.String())
	}
	if err != nil {
		return nil, apperr.Infrastructure("get capsule", err)
	}
	return c, nil
}

// List returns capsules with their creator. A bounded open_date range is
// ordered by open_date ascending, everything else newest first.
func (r *CapsuleRepo) List(ctx context.Context, f CapsuleFilter) ([]models.CapsuleWithCreator, error) {
	query := capsuleWithCreatorSelect
	args := []any{}
	argIdx := 1
	where := []string{}

	if f.CreatorID != nil {
		where = append(where, fmt.Sprintf("c.creator_id = $%d", argIdx))
		args = append(args, *f.CreatorID)
		argIdx++
	}
	if f.OpenFrom != nil {
		where = append(where, fmt.Sprintf("c.open_date >= $%d", argIdx))
		args = append(args, *f.OpenFrom)
		argIdx++
	}
	if f.OpenTo != nil {
		where = append(where, fmt.Sprintf("c.open_date < $%d", argIdx))
		args = append(args, *f.OpenTo)
		argIdx++
	}
	if f.Status != nil {
		where = append(where, fmt.Sprintf("c.status = $%d", argIdx))
		args = append(args, *f.Status)
		argIdx++
	}
	if f.AuctionsOnly {
		where = append(where, "c.auction_enabled = true")
		where = append(where, "NOT EXISTS (SELECT 1 FROM bids b WHERE b.capsule_id = c.id AND b.is_accepted = true)")
	}

	if len(where) > 0 {
		query += " WHERE "
		for i, w := range where {
			if i > 0 {
				query += " AND "
			}
			query += w
		}
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	order := "c.created_at DESC"
	if f.OpenFrom != nil && f.OpenTo != nil {
		order = "c.open_date ASC"
	}
	query += fmt.Sprintf(" ORDER BY %s LIMIT $%d OFFSET $%d", order, argIdx, argIdx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Infrastructure("list capsules", err)
	}
	defer rows.Close()

	capsules := []models.CapsuleWithCreator{}
	for rows.Next() {
		c, err := scanCapsuleWithCreator(rows)
		if err != nil {
			return nil, apperr.Infrastructure("scan capsule", err)
		}
		capsules = append(capsules, *c)
	}
	return capsules, apperr.Infrastructure("list capsules", rows.Err())
}

// ListDrifted returns ids of closed capsules whose cached current_bid or
// highest_bidder_id disagrees with the top of their bid history.
func (r *CapsuleRepo) ListDrifted(ctx context.Context, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT c.id
		FROM capsules c
		LEFT JOIN LATERAL (
			SELECT b.amount, b.bidder_id
			FROM bids b
			WHERE b.capsule_id = c.id
			ORDER BY b.amount DESC, b.created_at ASC
			LIMIT 1
		) top ON true
		WHERE c.status = 'closed'
		  AND (c.current_bid IS DISTINCT FROM COALESCE(top.amount, NULLIF(c.initial_bid, 0))
		       OR c.highest_bidder_id IS DISTINCT FROM top.bidder_id)
		ORDER BY c.updated_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, apperr.Infrastructure("list drifted capsules", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Infrastructure("scan capsule id", err)
		}
		ids = append(ids, id)
	}
	return ids, apperr.Infrastructure("list drifted capsules", rows.Err())
}
