package models

import (
	"time"

	"github.com/capsule-auction/backend/internal/apperr"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Bid struct {
	ID           uuid.UUID           `json:"id"`
	CapsuleID    uuid.UUID           `json:"capsule_id"`
	BidderID     uuid.UUID           `json:"bidder_id"`
	Amount       decimal.Decimal     `json:"amount"`
	IsAccepted   bool                `json:"is_accepted"`
	PayoutAmount decimal.NullDecimal `json:"payout_amount"`
	TxRef        *string             `json:"tx_ref,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	AcceptedAt   *time.Time          `json:"accepted_at,omitempty"`
}

// BidWithBidder embeds Bid and adds bidder profile info.
type BidWithBidder struct {
	Bid
	Bidder *ProfileSummary `json:"bidder,omitempty"`
}

// AmountScale is the number of decimal places an amount may carry: one
// nanoTON, matching the NUMERIC(30,9) columns.
const AmountScale = 9

// CheckAmountScale rejects amounts finer than one nano unit. Such amounts
// would be truncated on chain and rounded in storage, so the stored value
// could differ from the one that was validated.
func CheckAmountScale(field string, amount decimal.Decimal) error {
	if !amount.Equal(amount.Truncate(AmountScale)) {
		return apperr.Validation(field, "must have at most 9 decimal places")
	}
	return nil
}

// Payout is the creator's share of an accepted bid after the platform fee.
func Payout(amount decimal.Decimal, feeBPS int) decimal.Decimal {
	keep := decimal.NewFromInt(int64(10000 - feeBPS))
	return amount.Mul(keep).Div(decimal.NewFromInt(10000))
}
