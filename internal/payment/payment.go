// Package payment gates every paid capsule or bid mutation behind a
// confirmed on-chain transfer. Nothing is persisted until
// Gate.RequireConfirmedPayment returns a Receipt.
package payment

import (
	"context"
	"strings"
	"time"

	"github.com/capsule-auction/backend/internal/apperr"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wallet is the payer side of a transfer.
type Wallet interface {
	SwitchNetwork(ctx context.Context, chain string) error
	SubmitTransfer(ctx context.Context, to string, amount decimal.Decimal, currency, memo string) (string, error)
}

// Expectation describes the transfer a confirmer must find.
type Expectation struct {
	To       string
	Amount   decimal.Decimal
	Currency string
	Memo     string
}

type Receipt struct {
	TxRef       string
	Amount      decimal.Decimal
	Currency    string
	FromAddress string
	Memo        string
	ConfirmedAt time.Time
}

// Confirmer blocks until txRef is observed on chain and matches exp, or ctx
// ends. A transfer that is found but does not match must fail immediately.
type Confirmer interface {
	Confirm(ctx context.Context, txRef string, exp Expectation) (*Receipt, error)
}

// ConsumedChecker reports whether a transaction reference already paid for
// something.
type ConsumedChecker interface {
	IsConsumed(ctx context.Context, txRef string) (bool, error)
}

// ClientSubmitted is the Wallet for callers that signed and broadcast the
// transfer themselves and only hand over the resulting reference.
type ClientSubmitted struct {
	TxRef   string
	Network string
}

func (w ClientSubmitted) SwitchNetwork(_ context.Context, chain string) error {
	if w.Network != "" && !strings.EqualFold(w.Network, chain) {
		return apperr.Newf(apperr.CodePayment, "wallet is on %s, expected %s", w.Network, chain)
	}
	return nil
}

func (w ClientSubmitted) SubmitTransfer(context.Context, string, decimal.Decimal, string, string) (string, error) {
	ref := strings.ToLower(strings.TrimSpace(w.TxRef))
	if ref == "" {
		return "", apperr.Validation("tx_ref", "transaction reference is required")
	}
	return ref, nil
}

func CreationMemo(creatorID uuid.UUID) string {
	return "create:" + creatorID.String()
}

func BidMemo(capsuleID, bidderID uuid.UUID) string {
	return "bid:" + capsuleID.String() + ":" + bidderID.String()
}
