package repositories

import (
	"context"
	"errors"

	"github.com/capsule-auction/backend/internal/apperr"
	"github.com/capsule-auction/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type BidRepo struct {
	pool *pgxpool.Pool
}

func NewBidRepo(pool *pgxpool.Pool) *BidRepo {
	return &BidRepo{pool: pool}
}

func (r *BidRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Bid, error) {
	var b models.Bid
	err := scanBid(r.pool.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, id), &b)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeBidNotFound, "bid not found").WithDetail("bid_id", id.String())
	}
	if err != nil {
		return nil, apperr.Infrastructure("get bid", err)
	}
	return &b, nil
}

// ListByCapsule returns the bid history of a capsule, newest first.
func (r *BidRepo) ListByCapsule(ctx context.Context, capsuleID uuid.UUID, limit, offset int) ([]models.BidWithBidder, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT b.id, b.capsule_id, b.bidder_id, b.amount, b.is_accepted, b.payout_amount, b.tx_ref,
		       b.created_at, b.accepted_at,
		       p.id, p.username, p.avatar_url
		FROM bids b
		LEFT JOIN profiles p ON p.id = b.bidder_id
		WHERE b.capsule_id = $1
		ORDER BY b.created_at DESC
		LIMIT $2 OFFSET $3
	`, capsuleID, limit, offset)
	if err != nil {
		return nil, apperr.Infrastructure("list bids", err)
	}
	defer rows.Close()

	bids := []models.BidWithBidder{}
	for rows.Next() {
		var (
			b         models.BidWithBidder
			bidderID  *uuid.UUID
			username  *string
			avatarURL *string
		)
		if err := scanBid(rows, &b.Bid, &bidderID, &username, &avatarURL); err != nil {
			return nil, apperr.Infrastructure("scan bid", err)
		}
		if bidderID != nil {
			b.Bidder = &models.ProfileSummary{ID: *bidderID, Username: username, AvatarURL: avatarURL}
		}
		bids = append(bids, b)
	}
	return bids, apperr.Infrastructure("list bids", rows.Err())
}
