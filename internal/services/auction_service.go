package services

import (
	"context"
	"time"

	"github.com/capsule-auction/backend/internal/apperr"
	"github.com/capsule-auction/backend/internal/config"
	"github.com/capsule-auction/backend/internal/events"
	"github.com/capsule-auction/backend/internal/models"
	"github.com/capsule-auction/backend/internal/payment"
	"github.com/capsule-auction/backend/internal/rbac"
	"github.com/capsule-auction/backend/internal/repositories"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AuctionService owns bid submission and acceptance. Every paid mutation of
// a capsule runs under its lock: pre-check, payment, then a transaction that
// re-checks against the locked row.
type AuctionService struct {
	tx        TxRunner
	capsules  CapsuleReader
	bids      BidReader
	lifecycle *CapsuleService
	profiles  *ProfileService
	locker    Locker
	gate      PaymentGate
	publisher events.Publisher
	cfg       *config.Config
	log       *zap.Logger
}

func NewAuctionService(
	tx TxRunner,
	capsules CapsuleReader,
	bids BidReader,
	lifecycle *CapsuleService,
	profiles *ProfileService,
	locker Locker,
	gate PaymentGate,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *AuctionService {
	return &AuctionService{
		tx:        tx,
		capsules:  capsules,
		bids:      bids,
		lifecycle: lifecycle,
		profiles:  profiles,
		locker:    locker,
		gate:      gate,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
	}
}

func checkBidAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.Validation("amount", "must be positive")
	}
	return models.CheckAmountScale("amount", amount)
}

// BidPaymentInfo tells bidderID where to pay for a bid of amount. The bid is
// checked first so nobody pays for a bid that would be rejected.
func (s *AuctionService) BidPaymentInfo(ctx context.Context, capsuleID, bidderID uuid.UUID, amount decimal.Decimal) (*models.PaymentInfo, error) {
	if err := checkBidAmount(amount); err != nil {
		return nil, err
	}
	c, err := s.capsules.GetByID(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	if err := c.CheckBid(bidderID, amount, s.cfg.MinBidIncrementPct); err != nil {
		return nil, err
	}
	info := s.gate.Info(amount, payment.BidMemo(capsuleID, bidderID))
	return &info, nil
}

func (s *AuctionService) PlaceBid(ctx context.Context, capsuleID uuid.UUID, bidder Actor, amount decimal.Decimal, wallet payment.Wallet) (*models.Bid, error) {
	if err := checkBidAmount(amount); err != nil {
		return nil, err
	}

	// Unlocked pre-check: reject before asking for money.
	c, err := s.capsules.GetByID(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	if err := c.CheckBid(bidder.ID, amount, s.cfg.MinBidIncrementPct); err != nil {
		s.log.Debug("bid rejected", zap.String("capsule_id", capsuleID.String()), zap.Error(err))
		return nil, err
	}
	if _, err := s.profiles.EnsureProfile(ctx, bidder); err != nil {
		return nil, err
	}

	release, err := s.locker.Acquire(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	defer release()

	receipt, err := s.gate.RequireConfirmedPayment(ctx, wallet, amount, s.cfg.PaymentCurrency, payment.BidMemo(capsuleID, bidder.ID))
	if err != nil {
		s.log.Info("bid payment failed",
			zap.String("capsule_id", capsuleID.String()),
			zap.String("bidder_id", bidder.ID.String()),
			zap.Error(err),
		)
		return nil, err
	}

	var (
		bid     *models.Bid
		creator uuid.UUID
	)
	err = s.tx.InTx(ctx, func(tx repositories.Tx) error {
		locked, err := tx.LockCapsule(ctx, capsuleID)
		if err != nil {
			return err
		}
		if err := locked.CheckBid(bidder.ID, amount, s.cfg.MinBidIncrementPct); err != nil {
			return err
		}
		accepted, err := tx.AcceptedBid(ctx, capsuleID)
		if err != nil {
			return err
		}
		if accepted != nil {
			return apperr.New(apperr.CodeAuctionClosed, "a bid has already been accepted for this capsule")
		}

		bid = &models.Bid{CapsuleID: capsuleID, BidderID: bidder.ID, Amount: amount, TxRef: &receipt.TxRef}
		if err := tx.InsertBid(ctx, bid); err != nil {
			return err
		}

		// The cached highest bid is derived from history, never incremented.
		top, err := tx.HighestBid(ctx, capsuleID)
		if err != nil {
			return err
		}
		locked.ApplyHighestBid(top)
		if err := tx.SaveCapsule(ctx, locked); err != nil {
			return err
		}

		rec := receiptRecord(receipt, models.PaymentPurposeBid, bidder.ID, capsuleID, &bid.ID)
		if err := tx.InsertReceipt(ctx, rec); err != nil {
			return err
		}
		creator = locked.CreatorID
		return tx.Log(ctx, models.AuditLog{
			ActorUserID: &bidder.ID,
			ActorType:   models.ActorUser,
			Action:      models.AuditBidPlaced,
			EntityType:  models.EntityCapsule,
			EntityID:    &capsuleID,
			Meta:        map[string]any{"bid_id": bid.ID.String(), "amount": amount.String(), "tx_ref": receipt.TxRef},
		})
	})
	if err != nil {
		// The transfer is confirmed but no bid exists for it; refunds are manual.
		s.log.Warn("bid rejected after confirmed payment",
			zap.String("capsule_id", capsuleID.String()),
			zap.String("bidder_id", bidder.ID.String()),
			zap.String("tx_ref", receipt.TxRef),
			zap.String("amount", amount.String()),
			zap.Error(err),
		)
		return nil, err
	}

	s.log.Info("bid placed",
		zap.String("capsule_id", capsuleID.String()),
		zap.String("bid_id", bid.ID.String()),
		zap.String("amount", amount.String()),
	)

	publishAsync(s.publisher, s.log, events.Event{
		Type: events.EventBidPlaced,
		Payload: map[string]any{
			"capsule_id":         capsuleID.String(),
			"bid_id":             bid.ID.String(),
			"bidder_id":          bidder.ID.String(),
			"amount":             amount.String(),
			events.NotifyUserKey: creator.String(),
		},
	})

	return bid, nil
}

// AcceptBid marks bidID as the winning bid and opens the capsule for its
// bidder. Replaying an accepted bid returns it unchanged.
func (s *AuctionService) AcceptBid(ctx context.Context, capsuleID, bidID, actorID uuid.UUID) (*models.Bid, error) {
	release, err := s.locker.Acquire(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		accepted *models.Bid
		capsule  *models.Capsule
		opened   bool
	)
	err = s.tx.InTx(ctx, func(tx repositories.Tx) error {
		c, err := tx.LockCapsule(ctx, capsuleID)
		if err != nil {
			return err
		}
		if !rbac.Can(c, actorID, rbac.PermAcceptBid) {
			return apperr.New(apperr.CodeNotAuthorized, "only the capsule creator can accept bids")
		}

		b, err := tx.GetBid(ctx, bidID)
		if err != nil {
			return err
		}
		if b.CapsuleID != capsuleID {
			return apperr.New(apperr.CodeBidNotFound, "bid not found").WithDetail("bid_id", bidID.String())
		}

		existing, err := tx.AcceptedBid(ctx, capsuleID)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.ID == b.ID {
				accepted = existing
				return nil
			}
			return apperr.New(apperr.CodeAlreadyAccepted, "a different bid has already been accepted").
				WithDetail("accepted_bid_id", existing.ID.String())
		}

		top, err := tx.HighestBid(ctx, capsuleID)
		if err != nil {
			return err
		}
		if top == nil || top.ID != b.ID {
			return apperr.Validation("bid_id", "only the current highest bid can be accepted")
		}

		if err := tx.MarkBidAccepted(ctx, b, models.Payout(b.Amount, s.cfg.PlatformFeeBPS)); err != nil {
			return err
		}
		if opened, err = s.lifecycle.openLocked(ctx, tx, c, b.BidderID, &actorID); err != nil {
			return err
		}
		accepted, capsule = b, c

		return tx.Log(ctx, models.AuditLog{
			ActorUserID: &actorID,
			ActorType:   models.ActorUser,
			Action:      models.AuditBidAccepted,
			EntityType:  models.EntityCapsule,
			EntityID:    &capsuleID,
			Meta: map[string]any{
				"bid_id":    b.ID.String(),
				"bidder_id": b.BidderID.String(),
				"amount":    b.Amount.String(),
				"payout":    b.PayoutAmount.Decimal.String(),
			},
		})
	})
	if err != nil {
		return nil, err
	}
	if capsule == nil {
		s.log.Debug("bid acceptance replayed", zap.String("bid_id", bidID.String()))
		return accepted, nil
	}

	s.log.Info("bid accepted",
		zap.String("capsule_id", capsuleID.String()),
		zap.String("bid_id", accepted.ID.String()),
		zap.String("payout", accepted.PayoutAmount.Decimal.String()),
	)

	publishAsync(s.publisher, s.log, events.Event{
		Type: events.EventBidAccepted,
		Payload: map[string]any{
			"capsule_id":         capsuleID.String(),
			"bid_id":             accepted.ID.String(),
			"amount":             accepted.Amount.String(),
			"accepted_at":        acceptedAt(accepted),
			events.NotifyUserKey: accepted.BidderID.String(),
		},
	})
	if opened {
		s.lifecycle.publishOpened(capsule)
	}

	return accepted, nil
}

// ReconcileCapsule recomputes the cached highest bid of a closed capsule
// from its bid history and reports whether the cache had drifted.
func (s *AuctionService) ReconcileCapsule(ctx context.Context, capsuleID uuid.UUID) (bool, error) {
	release, err := s.locker.Acquire(ctx, capsuleID)
	if err != nil {
		return false, err
	}
	defer release()

	var fixed bool
	err = s.tx.InTx(ctx, func(tx repositories.Tx) error {
		c, err := tx.LockCapsule(ctx, capsuleID)
		if err != nil {
			return err
		}
		if c.Status != models.CapsuleStatusClosed {
			return nil
		}
		top, err := tx.HighestBid(ctx, capsuleID)
		if err != nil {
			return err
		}

		before := *c
		c.ApplyHighestBid(top)
		if sameBidCache(&before, c) {
			return nil
		}
		if err := tx.SaveCapsule(ctx, c); err != nil {
			return err
		}
		fixed = true
		return tx.Log(ctx, models.AuditLog{
			ActorType:  models.ActorSystem,
			Action:     models.AuditBidCacheFixed,
			EntityType: models.EntityCapsule,
			EntityID:   &capsuleID,
			Meta: map[string]any{
				"old_current_bid": nullDecimalString(before.CurrentBid),
				"new_current_bid": nullDecimalString(c.CurrentBid),
			},
		})
	})
	if err != nil {
		return false, err
	}
	if fixed {
		s.log.Warn("bid cache drift repaired", zap.String("capsule_id", capsuleID.String()))
	}
	return fixed, nil
}

func sameBidCache(a, b *models.Capsule) bool {
	if a.CurrentBid.Valid != b.CurrentBid.Valid {
		return false
	}
	if a.CurrentBid.Valid && !a.CurrentBid.Decimal.Equal(b.CurrentBid.Decimal) {
		return false
	}
	if (a.HighestBidderID == nil) != (b.HighestBidderID == nil) {
		return false
	}
	return a.HighestBidderID == nil || *a.HighestBidderID == *b.HighestBidderID
}

func nullDecimalString(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}

func (s *AuctionService) ListBids(ctx context.Context, capsuleID uuid.UUID, limit, offset int) ([]models.BidWithBidder, error) {
	if _, err := s.capsules.GetByID(ctx, capsuleID); err != nil {
		return nil, err
	}
	return s.bids.ListByCapsule(ctx, capsuleID, limit, offset)
}

func acceptedAt(b *models.Bid) string {
	if b.AcceptedAt == nil {
		return ""
	}
	return b.AcceptedAt.UTC().Format(time.RFC3339)
}
