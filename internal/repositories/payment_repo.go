package repositories

import (
	"context"

	"github.com/capsule-auction/backend/internal/apperr"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PaymentRepo struct {
	pool *pgxpool.Pool
}

func NewPaymentRepo(pool *pgxpool.Pool) *PaymentRepo {
	return &PaymentRepo{pool: pool}
}

// IsConsumed reports whether a receipt already exists for txRef.
func (r *PaymentRepo) IsConsumed(ctx context.Context, txRef string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM payment_receipts WHERE tx_ref = $1)`, txRef).Scan(&exists)
	if err != nil {
		return false, apperr.Infrastructure("check payment receipt", err)
	}
	return exists, nil
}
