package models

import (
	"fmt"
	"time"

	"github.com/capsule-auction/backend/internal/apperr"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Capsule statuses
const (
	CapsuleStatusClosed = "closed"
	CapsuleStatusOpened = "opened"
)

// Auction states derived from a capsule and its bid history.
const (
	AuctionStateNoBids   = "no_bids"
	AuctionStateBidding  = "bidding"
	AuctionStateAccepted = "accepted"
)

// Encryption levels
const (
	EncryptionStandard = "standard"
	EncryptionEnhanced = "enhanced"
	EncryptionQuantum  = "quantum"
)

// Valid state transitions: from -> []to
var ValidCapsuleTransitions = map[string][]string{
	CapsuleStatusClosed: {CapsuleStatusOpened},
	CapsuleStatusOpened: {},
}

func IsValidTransition(from, to string) bool {
	allowed, ok := ValidCapsuleTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

func IsValidEncryptionLevel(level string) bool {
	switch level {
	case EncryptionStandard, EncryptionEnhanced, EncryptionQuantum:
		return true
	}
	return false
}

type Capsule struct {
	ID              uuid.UUID           `json:"id"`
	Name            string              `json:"name"`
	Message         *string             `json:"message,omitempty"`
	ImageURL        *string             `json:"image_url,omitempty"`
	CreatorID       uuid.UUID           `json:"creator_id"`
	OpenDate        time.Time           `json:"open_date"`
	Status          string              `json:"status"`
	AuctionEnabled  bool                `json:"auction_enabled"`
	EncryptionLevel string              `json:"encryption_level"`
	InitialBid      decimal.Decimal     `json:"initial_bid"`
	CurrentBid      decimal.NullDecimal `json:"current_bid"`
	HighestBidderID *uuid.UUID          `json:"highest_bidder_id,omitempty"`
	WinnerID        *uuid.UUID          `json:"winner_id,omitempty"`
	TxRef           *string             `json:"tx_ref,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// CapsuleWithCreator embeds Capsule and adds creator profile info to avoid N+1 queries.
type CapsuleWithCreator struct {
	Capsule
	Creator *ProfileSummary `json:"creator,omitempty"`
}

// HighestAmount is the price the next bid is measured against.
func (c *Capsule) HighestAmount() decimal.Decimal {
	if c.CurrentBid.Valid {
		return c.CurrentBid.Decimal
	}
	return c.InitialBid
}

// BidThreshold returns the amount a new bid must strictly exceed.
func (c *Capsule) BidThreshold(incrementPct int) decimal.Decimal {
	factor := decimal.NewFromInt(int64(100 + incrementPct)).Div(decimal.NewFromInt(100))
	return c.HighestAmount().Mul(factor)
}

func (c *Capsule) AuctionState() string {
	if c.Status == CapsuleStatusOpened {
		return AuctionStateAccepted
	}
	if c.HighestBidderID != nil {
		return AuctionStateBidding
	}
	return AuctionStateNoBids
}

// IsUnlockable reports whether the scheduled unlock time has passed.
// This is a read-time check only; nothing transitions the capsule on a timer.
func (c *Capsule) IsUnlockable(now time.Time) bool {
	return !c.OpenDate.After(now)
}

// CheckBid validates a bid against the capsule state. It is evaluated twice
// per bid: once before payment and once under the row lock.
func (c *Capsule) CheckBid(bidderID uuid.UUID, amount decimal.Decimal, incrementPct int) error {
	if !c.AuctionEnabled {
		return apperr.New(apperr.CodeAuctionClosed, "auction is not enabled for this capsule")
	}
	if c.AuctionState() == AuctionStateAccepted {
		return apperr.New(apperr.CodeAuctionClosed, "a bid has already been accepted for this capsule")
	}
	if c.CreatorID == bidderID {
		return apperr.New(apperr.CodeSelfBid, "cannot bid on your own capsule")
	}
	threshold := c.BidThreshold(incrementPct)
	if !amount.GreaterThan(threshold) {
		return apperr.Newf(apperr.CodeBidTooLow,
			"bid must be greater than %s (%d%% over current bid %s)",
			threshold.String(), incrementPct, c.HighestAmount().String()).
			WithDetail("minimum_exclusive", threshold.String())
	}
	return nil
}

// ApplyHighestBid refreshes the cached bid fields from the top of the bid history.
func (c *Capsule) ApplyHighestBid(top *Bid) {
	if top == nil {
		if c.InitialBid.IsPositive() {
			c.CurrentBid = decimal.NewNullDecimal(c.InitialBid)
		} else {
			c.CurrentBid = decimal.NullDecimal{}
		}
		c.HighestBidderID = nil
		return
	}
	c.CurrentBid = decimal.NewNullDecimal(top.Amount)
	bidder := top.BidderID
	c.HighestBidderID = &bidder
}

// Open moves the capsule to opened with the given winner. It reports whether
// anything changed: a repeated call with the same winner is a no-op.
func (c *Capsule) Open(winnerID uuid.UUID) (bool, error) {
	if c.Status == CapsuleStatusOpened {
		if c.WinnerID != nil && *c.WinnerID == winnerID {
			return false, nil
		}
		return false, apperr.Newf(apperr.CodeInvalidStateTransition,
			"capsule %s is already opened with a different winner", c.ID).
			WithDetail("capsule_id", c.ID.String())
	}
	if !IsValidTransition(c.Status, CapsuleStatusOpened) {
		return false, apperr.New(apperr.CodeInvalidStateTransition,
			fmt.Sprintf("invalid transition from %s to %s", c.Status, CapsuleStatusOpened))
	}
	c.Status = CapsuleStatusOpened
	c.WinnerID = &winnerID
	return true, nil
}

// CapsuleView is what readers get: sealed content is withheld until the
// capsule is opened or its unlock time has passed, except for the creator
// and the winner.
type CapsuleView struct {
	CapsuleWithCreator
	Unlockable     bool    `json:"unlockable"`
	Sealed         bool    `json:"sealed"`
	AuctionState   string  `json:"auction_state"`
	MinimumNextBid *string `json:"minimum_next_bid_exclusive,omitempty"`
}

func NewCapsuleView(c CapsuleWithCreator, viewerID uuid.UUID, now time.Time, incrementPct int) CapsuleView {
	v := CapsuleView{
		CapsuleWithCreator: c,
		Unlockable:         c.IsUnlockable(now),
		AuctionState:       c.AuctionState(),
	}

	privileged := viewerID == c.CreatorID || (c.WinnerID != nil && *c.WinnerID == viewerID)
	if !privileged && c.Status != CapsuleStatusOpened && !v.Unlockable {
		v.Sealed = true
		v.Message = nil
		v.ImageURL = nil
	}

	if c.AuctionEnabled && v.AuctionState != AuctionStateAccepted {
		min := c.BidThreshold(incrementPct).String()
		v.MinimumNextBid = &min
	}
	return v
}
