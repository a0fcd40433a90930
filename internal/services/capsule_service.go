package services

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/capsule-auction/backend/internal/apperr"
	"github.com/capsule-auction/backend/internal/config"
	"github.com/capsule-auction/backend/internal/events"
	"github.com/capsule-auction/backend/internal/models"
	"github.com/capsule-auction/backend/internal/payment"
	"github.com/capsule-auction/backend/internal/repositories"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	maxNameLen    = 200
	maxMessageLen = 10000
)

// CapsuleService owns capsule creation, the closed -> opened transition and
// the read side of capsules.
type CapsuleService struct {
	tx        TxRunner
	capsules  CapsuleReader
	audit     AuditReader
	profiles  *ProfileService
	locker    Locker
	gate      PaymentGate
	images    ImageStore
	publisher events.Publisher
	cfg       *config.Config
	log       *zap.Logger
	now       func() time.Time
}

func NewCapsuleService(
	tx TxRunner,
	capsules CapsuleReader,
	audit AuditReader,
	profiles *ProfileService,
	locker Locker,
	gate PaymentGate,
	images ImageStore,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *CapsuleService {
	return &CapsuleService{
		tx:        tx,
		capsules:  capsules,
		audit:     audit,
		profiles:  profiles,
		locker:    locker,
		gate:      gate,
		images:    images,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

type CreateCapsuleInput struct {
	Name            string
	Message         *string
	OpenDate        time.Time
	AuctionEnabled  bool
	InitialBid      *decimal.Decimal
	EncryptionLevel string
	Image           *Upload
}

func (in *CreateCapsuleInput) validate(now time.Time, maxImageBytes int) error {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return apperr.Validation("name", "is required")
	}
	if len(in.Name) > maxNameLen {
		return apperr.Validation("name", "is too long")
	}
	if in.Message != nil && len(*in.Message) > maxMessageLen {
		return apperr.Validation("message", "is too long")
	}
	if in.OpenDate.IsZero() {
		return apperr.Validation("open_date", "is required")
	}
	if !in.OpenDate.After(now) {
		return apperr.Validation("open_date", "must be in the future")
	}
	if in.EncryptionLevel == "" {
		in.EncryptionLevel = models.EncryptionStandard
	}
	if !models.IsValidEncryptionLevel(in.EncryptionLevel) {
		return apperr.Validation("encryption_level", "must be one of standard, enhanced, quantum")
	}
	if in.InitialBid != nil {
		if in.InitialBid.IsNegative() {
			return apperr.Validation("initial_bid", "must not be negative")
		}
		if err := models.CheckAmountScale("initial_bid", *in.InitialBid); err != nil {
			return err
		}
	}
	if in.Image != nil {
		return validateImage(*in.Image, maxImageBytes)
	}
	return nil
}

// CreationPaymentInfo tells creatorID what to pay before creating a capsule.
func (s *CapsuleService) CreationPaymentInfo(creatorID uuid.UUID) models.PaymentInfo {
	return s.gate.Info(s.cfg.CapsuleCreationFee, payment.CreationMemo(creatorID))
}

// CreateCapsule persists a closed capsule once the creation fee is confirmed.
// Nothing is written when validation or payment fails.
func (s *CapsuleService) CreateCapsule(ctx context.Context, creator Actor, in CreateCapsuleInput, wallet payment.Wallet) (*models.Capsule, error) {
	if err := in.validate(s.now(), s.cfg.MaxImageBytes); err != nil {
		return nil, err
	}
	if _, err := s.profiles.EnsureProfile(ctx, creator); err != nil {
		return nil, err
	}

	memo := payment.CreationMemo(creator.ID)
	receipt, err := s.gate.RequireConfirmedPayment(ctx, wallet, s.cfg.CapsuleCreationFee, s.cfg.PaymentCurrency, memo)
	if err != nil {
		s.log.Info("capsule creation payment failed", zap.String("creator_id", creator.ID.String()), zap.Error(err))
		return nil, err
	}

	capsule := &models.Capsule{
		Name:            in.Name,
		Message:         in.Message,
		CreatorID:       creator.ID,
		OpenDate:        in.OpenDate.UTC(),
		Status:          models.CapsuleStatusClosed,
		AuctionEnabled:  in.AuctionEnabled,
		EncryptionLevel: in.EncryptionLevel,
		TxRef:           &receipt.TxRef,
	}
	if in.InitialBid != nil {
		capsule.InitialBid = *in.InitialBid
	}
	capsule.ApplyHighestBid(nil)

	if in.Image != nil {
		if url, err := s.uploadImage(ctx, *in.Image); err != nil {
			s.log.Warn("capsule image upload failed, creating without image",
				zap.String("creator_id", creator.ID.String()), zap.Error(err))
		} else {
			capsule.ImageURL = &url
		}
	}

	err = s.tx.InTx(ctx, func(tx repositories.Tx) error {
		if err := tx.InsertCapsule(ctx, capsule); err != nil {
			return err
		}
		rec := receiptRecord(receipt, models.PaymentPurposeCapsuleCreation, creator.ID, capsule.ID, nil)
		if err := tx.InsertReceipt(ctx, rec); err != nil {
			return err
		}
		return tx.Log(ctx, models.AuditLog{
			ActorUserID: &creator.ID,
			ActorType:   models.ActorUser,
			Action:      models.AuditCapsuleCreated,
			EntityType:  models.EntityCapsule,
			EntityID:    &capsule.ID,
			Meta: map[string]any{
				"tx_ref":          receipt.TxRef,
				"auction_enabled": capsule.AuctionEnabled,
				"initial_bid":     capsule.InitialBid.String(),
			},
		})
	})
	if err != nil {
		s.log.Warn("capsule not persisted after confirmed payment",
			zap.String("creator_id", creator.ID.String()),
			zap.String("tx_ref", receipt.TxRef),
			zap.Error(err),
		)
		return nil, err
	}

	s.log.Info("capsule created",
		zap.String("capsule_id", capsule.ID.String()),
		zap.String("creator_id", creator.ID.String()),
		zap.String("tx_ref", receipt.TxRef),
	)

	publishAsync(s.publisher, s.log, events.Event{
		Type: events.EventCapsuleCreated,
		Payload: map[string]any{
			"capsule_id":      capsule.ID.String(),
			"creator_id":      creator.ID.String(),
			"open_date":       capsule.OpenDate.Format(time.RFC3339),
			"auction_enabled": capsule.AuctionEnabled,
		},
	})

	return capsule, nil
}

func (s *CapsuleService) uploadImage(ctx context.Context, file Upload) (string, error) {
	if err := s.images.EnsureBucket(ctx, s.cfg.S3Bucket); err != nil {
		return "", err
	}
	key := "public/" + strconv.FormatInt(s.now().UnixMilli(), 10) + imageExt(file)
	return s.images.Upload(ctx, s.cfg.S3Bucket, key, file.Body, file.Size, file.ContentType)
}

// TransitionToOpened opens the capsule for winnerID, who must be the bidder
// of the accepted bid. Repeating the call with the same winner is a no-op.
func (s *CapsuleService) TransitionToOpened(ctx context.Context, capsuleID, winnerID uuid.UUID) (*models.Capsule, error) {
	release, err := s.locker.Acquire(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		capsule *models.Capsule
		changed bool
	)
	err = s.tx.InTx(ctx, func(tx repositories.Tx) error {
		c, err := tx.LockCapsule(ctx, capsuleID)
		if err != nil {
			return err
		}
		accepted, err := tx.AcceptedBid(ctx, capsuleID)
		if err != nil {
			return err
		}
		if accepted == nil || accepted.BidderID != winnerID {
			s.log.Error("capsule open rejected: winner is not the accepted bidder",
				zap.String("capsule_id", capsuleID.String()),
				zap.String("winner_id", winnerID.String()),
			)
			return apperr.New(apperr.CodeInvalidStateTransition, "winner must be the bidder of the accepted bid").
				WithDetail("capsule_id", capsuleID.String())
		}
		changed, err = s.openLocked(ctx, tx, c, winnerID, nil)
		capsule = c
		return err
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.publishOpened(capsule)
	}
	return capsule, nil
}

// openLocked applies closed -> opened to a capsule row locked by tx.
func (s *CapsuleService) openLocked(ctx context.Context, tx repositories.Tx, c *models.Capsule, winnerID uuid.UUID, actorID *uuid.UUID) (bool, error) {
	oldStatus := c.Status
	changed, err := c.Open(winnerID)
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidStateTransition) {
			s.log.Error("invalid capsule state transition",
				zap.String("capsule_id", c.ID.String()),
				zap.String("status", c.Status),
				zap.String("winner_id", winnerID.String()),
				zap.Error(err),
			)
		}
		return false, err
	}
	if !changed {
		return false, nil
	}

	if err := tx.SaveCapsule(ctx, c); err != nil {
		return false, err
	}

	actorType := models.ActorSystem
	if actorID != nil {
		actorType = models.ActorUser
	}
	err = tx.Log(ctx, models.AuditLog{
		ActorUserID: actorID,
		ActorType:   actorType,
		Action:      models.AuditCapsuleOpened,
		EntityType:  models.EntityCapsule,
		EntityID:    &c.ID,
		Meta:        map[string]any{"old_status": oldStatus, "new_status": c.Status, "winner_id": winnerID.String()},
	})
	return true, err
}

func (s *CapsuleService) publishOpened(c *models.Capsule) {
	payload := map[string]any{
		"capsule_id": c.ID.String(),
		"creator_id": c.CreatorID.String(),
	}
	if c.WinnerID != nil {
		payload["winner_id"] = c.WinnerID.String()
		payload[events.NotifyUserKey] = c.WinnerID.String()
	}
	publishAsync(s.publisher, s.log, events.Event{Type: events.EventCapsuleOpened, Payload: payload})
}

func (s *CapsuleService) view(c models.CapsuleWithCreator, viewerID uuid.UUID) models.CapsuleView {
	return models.NewCapsuleView(c, viewerID, s.now(), s.cfg.MinBidIncrementPct)
}

func (s *CapsuleService) views(list []models.CapsuleWithCreator, viewerID uuid.UUID) []models.CapsuleView {
	out := make([]models.CapsuleView, 0, len(list))
	for _, c := range list {
		out = append(out, s.view(c, viewerID))
	}
	return out
}

func (s *CapsuleService) GetCapsule(ctx context.Context, id, viewerID uuid.UUID) (*models.CapsuleView, error) {
	c, err := s.capsules.GetByIDWithCreator(ctx, id)
	if err != nil {
		return nil, err
	}
	v := s.view(*c, viewerID)
	return &v, nil
}

func (s *CapsuleService) ListCapsules(ctx context.Context, viewerID uuid.UUID, limit, offset int) ([]models.CapsuleView, error) {
	list, err := s.capsules.List(ctx, repositories.CapsuleFilter{Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	return s.views(list, viewerID), nil
}

func (s *CapsuleService) ListUserCapsules(ctx context.Context, viewerID, creatorID uuid.UUID, limit, offset int) ([]models.CapsuleView, error) {
	list, err := s.capsules.List(ctx, repositories.CapsuleFilter{CreatorID: &creatorID, Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	return s.views(list, viewerID), nil
}

// ListTodayCapsules returns capsules whose open_date falls on the current
// UTC day, earliest first.
func (s *CapsuleService) ListTodayCapsules(ctx context.Context, viewerID uuid.UUID) ([]models.CapsuleView, error) {
	now := s.now().UTC()
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 1)
	list, err := s.capsules.List(ctx, repositories.CapsuleFilter{OpenFrom: &from, OpenTo: &to, Limit: 100})
	if err != nil {
		return nil, err
	}
	return s.views(list, viewerID), nil
}

// ListAuctions returns capsules that still accept bids.
func (s *CapsuleService) ListAuctions(ctx context.Context, viewerID uuid.UUID, limit, offset int) ([]models.CapsuleView, error) {
	closed := models.CapsuleStatusClosed
	list, err := s.capsules.List(ctx, repositories.CapsuleFilter{AuctionsOnly: true, Status: &closed, Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	return s.views(list, viewerID), nil
}

func (s *CapsuleService) CapsuleEvents(ctx context.Context, id uuid.UUID, limit, offset int) ([]models.AuditLog, error) {
	if _, err := s.capsules.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.audit.GetByEntity(ctx, models.EntityCapsule, id, limit, offset)
}
