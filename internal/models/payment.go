package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payment purposes
const (
	PaymentPurposeCapsuleCreation = "capsule_creation"
	PaymentPurposeBid             = "bid"
)

// PaymentReceipt is the audit record of one confirmed transfer. A tx_ref is
// unique: a transfer can pay for exactly one capsule or bid.
type PaymentReceipt struct {
	ID          uuid.UUID       `json:"id"`
	TxRef       string          `json:"tx_ref"`
	Purpose     string          `json:"purpose"`
	PayerID     uuid.UUID       `json:"payer_id"`
	CapsuleID   uuid.UUID       `json:"capsule_id"`
	BidID       *uuid.UUID      `json:"bid_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	FromAddress *string         `json:"from_address,omitempty"`
	Memo        string          `json:"memo"`
	ConfirmedAt time.Time       `json:"confirmed_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// PaymentInfo tells a client where and how much to pay.
type PaymentInfo struct {
	Address  string `json:"address"`
	Memo     string `json:"memo"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	Network  string `json:"network"`
}
