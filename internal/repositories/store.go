package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/capsule-auction/backend/internal/apperr"
	"github.com/capsule-auction/backend/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const pgUniqueViolation = "23505"

// Tx is the set of writes the auction and lifecycle services perform
// atomically. Every method runs inside the transaction opened by Store.InTx.
type Tx interface {
	LockCapsule(ctx context.Context, id uuid.UUID) (*models.Capsule, error)
	InsertCapsule(ctx context.Context, c *models.Capsule) error
	SaveCapsule(ctx context.Context, c *models.Capsule) error

	InsertBid(ctx context.Context, b *models.Bid) error
	GetBid(ctx context.Context, id uuid.UUID) (*models.Bid, error)
	HighestBid(ctx context.Context, capsuleID uuid.UUID) (*models.Bid, error)
	AcceptedBid(ctx context.Context, capsuleID uuid.UUID) (*models.Bid, error)
	MarkBidAccepted(ctx context.Context, b *models.Bid, payout decimal.Decimal) error

	InsertReceipt(ctx context.Context, r *models.PaymentReceipt) error
	Log(ctx context.Context, entry models.AuditLog) error
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// InTx runs fn in a single transaction. Any error from fn rolls back.
func (s *Store) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Infrastructure("begin tx", err)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("tx err: %w, rb err: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Infrastructure("commit tx", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

const capsuleColumns = `id, name, message, image_url, creator_id, open_date, status, auction_enabled,
	encryption_level, initial_bid, current_bid, highest_bidder_id, winner_id, tx_ref, created_at, updated_at`

func scanCapsule(row pgx.Row, c *models.Capsule, extra ...any) error {
	dest := []any{&c.ID, &c.Name, &c.Message, &c.ImageURL, &c.CreatorID, &c.OpenDate, &c.Status, &c.AuctionEnabled,
		&c.EncryptionLevel, &c.InitialBid, &c.CurrentBid, &c.HighestBidderID, &c.WinnerID, &c.TxRef, &c.CreatedAt, &c.UpdatedAt}
	return row.Scan(append(dest, extra...)...)
}

const bidColumns = `id, capsule_id, bidder_id, amount, is_accepted, payout_amount, tx_ref, created_at, accepted_at`

func scanBid(row pgx.Row, b *models.Bid, extra ...any) error {
	dest := []any{&b.ID, &b.CapsuleID, &b.BidderID, &b.Amount, &b.IsAccepted, &b.PayoutAmount, &b.TxRef, &b.CreatedAt, &b.AcceptedAt}
	return row.Scan(append(dest, extra...)...)
}

func (t *pgTx) LockCapsule(ctx context.Context, id uuid.UUID) (*models.Capsule, error) {
	var c models.Capsule
	err := scanCapsule(t.tx.QueryRow(ctx, `SELECT `+capsuleColumns+` FROM capsules WHERE id = $1 FOR UPDATE`, id), &c)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeCapsuleNotFound, "capsule not found").WithDetail("capsule_id", id.String())
	}
	if err != nil {
		return nil, apperr.Infrastructure("lock capsule", err)
	}
	return &c, nil
}

func (t *pgTx) InsertCapsule(ctx context.Context, c *models.Capsule) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO capsules (name, message, image_url, creator_id, open_date, status, auction_enabled,
		                      encryption_level, initial_bid, current_bid, tx_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`, c.Name, c.Message, c.ImageURL, c.CreatorID, c.OpenDate, c.Status, c.AuctionEnabled,
		c.EncryptionLevel, c.InitialBid, c.CurrentBid, c.TxRef,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	return apperr.Infrastructure("insert capsule", err)
}

// SaveCapsule persists the mutable fields: status, winner and the cached
// highest bid.
func (t *pgTx) SaveCapsule(ctx context.Context, c *models.Capsule) error {
	err := t.tx.QueryRow(ctx, `
		UPDATE capsules
		SET status = $1, current_bid = $2, highest_bidder_id = $3, winner_id = $4, updated_at = now()
		WHERE id = $5
		RETURNING updated_at
	`, c.Status, c.CurrentBid, c.HighestBidderID, c.WinnerID, c.ID).Scan(&c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.New(apperr.CodeCapsuleNotFound, "capsule not found").WithDetail("capsule_id", c.ID.String())
	}
	return apperr.Infrastructure("save capsule", err)
}

func (t *pgTx) InsertBid(ctx context.Context, b *models.Bid) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO bids (capsule_id, bidder_id, amount, tx_ref)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, b.CapsuleID, b.BidderID, b.Amount, b.TxRef).Scan(&b.ID, &b.CreatedAt)
	return apperr.Infrastructure("insert bid", err)
}

func (t *pgTx) GetBid(ctx context.Context, id uuid.UUID) (*models.Bid, error) {
	var b models.Bid
	err := scanBid(t.tx.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE id = $1`, id), &b)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.CodeBidNotFound, "bid not found").WithDetail("bid_id", id.String())
	}
	if err != nil {
		return nil, apperr.Infrastructure("get bid", err)
	}
	return &b, nil
}

// HighestBid returns the top of the bid history, earliest first on ties.
// Returns nil when the capsule has no bids.
func (t *pgTx) HighestBid(ctx context.Context, capsuleID uuid.UUID) (*models.Bid, error) {
	return t.optionalBid(ctx, "highest bid", `
		SELECT `+bidColumns+` FROM bids
		WHERE capsule_id = $1
		ORDER BY amount DESC, created_at ASC
		LIMIT 1
	`, capsuleID)
}

func (t *pgTx) AcceptedBid(ctx context.Context, capsuleID uuid.UUID) (*models.Bid, error) {
	return t.optionalBid(ctx, "accepted bid", `
		SELECT `+bidColumns+` FROM bids WHERE capsule_id = $1 AND is_accepted = true
	`, capsuleID)
}

func (t *pgTx) optionalBid(ctx context.Context, op, query string, args ...any) (*models.Bid, error) {
	var b models.Bid
	err := scanBid(t.tx.QueryRow(ctx, query, args...), &b)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Infrastructure(op, err)
	}
	return &b, nil
}

// MarkBidAccepted flips is_accepted only if no bid of the capsule is
// accepted yet. The partial unique index on bids backs this up.
func (t *pgTx) MarkBidAccepted(ctx context.Context, b *models.Bid, payout decimal.Decimal) error {
	err := t.tx.QueryRow(ctx, `
		UPDATE bids SET is_accepted = true, payout_amount = $2, accepted_at = now()
		WHERE id = $1
		  AND NOT EXISTS (SELECT 1 FROM bids WHERE capsule_id = $3 AND is_accepted = true)
		RETURNING accepted_at
	`, b.ID, payout, b.CapsuleID).Scan(&b.AcceptedAt)
	if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
		return apperr.New(apperr.CodeAlreadyAccepted, "a bid has already been accepted for this capsule")
	}
	if err != nil {
		return apperr.Infrastructure("accept bid", err)
	}
	b.IsAccepted = true
	b.PayoutAmount = decimal.NewNullDecimal(payout)
	return nil
}

func (t *pgTx) InsertReceipt(ctx context.Context, r *models.PaymentReceipt) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO payment_receipts (tx_ref, purpose, payer_id, capsule_id, bid_id, amount, currency, from_address, memo, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`, r.TxRef, r.Purpose, r.PayerID, r.CapsuleID, r.BidID, r.Amount, r.Currency, r.FromAddress, r.Memo, r.ConfirmedAt,
	).Scan(&r.ID, &r.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.Payment("transaction reference already used", err).WithDetail("tx_ref", r.TxRef)
	}
	return apperr.Infrastructure("insert payment receipt", err)
}

func (t *pgTx) Log(ctx context.Context, entry models.AuditLog) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO audit_log (actor_user_id, actor_type, action, entity_type, entity_id, meta)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ActorUserID, entry.ActorType, entry.Action, entry.EntityType, entry.EntityID, entry.Meta)
	return apperr.Infrastructure("write audit log", err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
