package services

import (
	"context"
	"io"
	"time"

	"github.com/capsule-auction/backend/internal/events"
	"github.com/capsule-auction/backend/internal/models"
	"github.com/capsule-auction/backend/internal/payment"
	"github.com/capsule-auction/backend/internal/repositories"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID    uuid.UUID
	Email string
}

type TxRunner interface {
	InTx(ctx context.Context, fn func(repositories.Tx) error) error
}

type CapsuleReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Capsule, error)
	GetByIDWithCreator(ctx context.Context, id uuid.UUID) (*models.CapsuleWithCreator, error)
	List(ctx context.Context, f repositories.CapsuleFilter) ([]models.CapsuleWithCreator, error)
}

type BidReader interface {
	ListByCapsule(ctx context.Context, capsuleID uuid.UUID, limit, offset int) ([]models.BidWithBidder, error)
}

type AuditReader interface {
	GetByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]models.AuditLog, error)
}

type ProfileStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Profile, error)
	Create(ctx context.Context, p *models.Profile) (*models.Profile, error)
	Update(ctx context.Context, id uuid.UUID, username, fullName *string) (*models.Profile, error)
	SetWallet(ctx context.Context, id uuid.UUID, address string) (*models.Profile, error)
	SetAvatar(ctx context.Context, id uuid.UUID, url string) (*models.Profile, error)
}

// Locker serializes paid mutations of one capsule.
type Locker interface {
	Acquire(ctx context.Context, capsuleID uuid.UUID) (release func(), err error)
}

type PaymentGate interface {
	RequireConfirmedPayment(ctx context.Context, wallet payment.Wallet, expected decimal.Decimal, currency, memo string) (*payment.Receipt, error)
	Info(expected decimal.Decimal, memo string) models.PaymentInfo
}

type ImageStore interface {
	EnsureBucket(ctx context.Context, bucket string) error
	Upload(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) (string, error)
}

// Upload is a file received from a client.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

const publishTimeout = 5 * time.Second

// publishAsync emits event without making the caller wait for delivery.
func publishAsync(publisher events.Publisher, log *zap.Logger, event events.Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := publisher.Publish(ctx, events.StreamCapsule, event); err != nil {
			log.Warn("failed to publish event", zap.String("type", event.Type), zap.Error(err))
		}
	}()
}

func receiptRecord(r *payment.Receipt, purpose string, payerID, capsuleID uuid.UUID, bidID *uuid.UUID) *models.PaymentReceipt {
	rec := &models.PaymentReceipt{
		TxRef:       r.TxRef,
		Purpose:     purpose,
		PayerID:     payerID,
		CapsuleID:   capsuleID,
		BidID:       bidID,
		Amount:      r.Amount,
		Currency:    r.Currency,
		Memo:        r.Memo,
		ConfirmedAt: r.ConfirmedAt,
	}
	if r.FromAddress != "" {
		from := r.FromAddress
		rec.FromAddress = &from
	}
	return rec
}
