package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/capsule-auction/backend/internal/apperr"
	"github.com/capsule-auction/backend/internal/events"
	"github.com/capsule-auction/backend/internal/models"
	"github.com/capsule-auction/backend/internal/payment"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCapsule(t *testing.T) {
	e := newEnv(t)
	creator := newActor("alice@example.com")
	msg := "see you in ten years"
	initial := dec("0.1")

	c, err := e.capsuleSvc.CreateCapsule(context.Background(), creator, CreateCapsuleInput{
		Name:           "  graduation  ",
		Message:        &msg,
		OpenDate:       time.Now().Add(24 * time.Hour),
		AuctionEnabled: true,
		InitialBid:     &initial,
	}, payment.ClientSubmitted{TxRef: "tx-create"})
	require.NoError(t, err)

	assert.Equal(t, "graduation", c.Name)
	assert.Equal(t, models.CapsuleStatusClosed, c.Status)
	assert.Equal(t, models.EncryptionStandard, c.EncryptionLevel)
	assert.True(t, c.CurrentBid.Valid)
	assert.True(t, c.CurrentBid.Decimal.Equal(initial))
	assert.Nil(t, c.HighestBidderID)
	require.NotNil(t, c.TxRef)
	assert.Equal(t, "tx-create", *c.TxRef)

	stored := e.store.capsule(c.ID)
	assert.Equal(t, c.ID, stored.ID)

	consumed, err := e.store.IsConsumed(context.Background(), "tx-create")
	require.NoError(t, err)
	assert.True(t, consumed)

	profile, err := e.profileSvc.Get(context.Background(), creator.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", *profile.Username)

	assert.Contains(t, e.store.auditActions(), models.AuditCapsuleCreated)
	assert.Eventually(t, func() bool { return len(e.publisher.ofType(events.EventCapsuleCreated)) == 1 },
		time.Second, 10*time.Millisecond)
}

func TestCreateCapsuleWithoutInitialBid(t *testing.T) {
	e := newEnv(t)
	c, err := e.capsuleSvc.CreateCapsule(context.Background(), newActor(""), CreateCapsuleInput{
		Name:     "no auction",
		OpenDate: time.Now().Add(time.Hour),
	}, e.pay())
	require.NoError(t, err)
	assert.False(t, c.CurrentBid.Valid)
	assert.True(t, c.InitialBid.IsZero())
}

func TestCreateCapsuleZeroInitialBidHasNoCurrentBid(t *testing.T) {
	e := newEnv(t)
	c := e.createCapsule(t, newActor("z@x.io"), "0", true)
	assert.False(t, c.CurrentBid.Valid)

	fixed, err := e.auction.ReconcileCapsule(context.Background(), c.ID)
	require.NoError(t, err)
	assert.False(t, fixed)
	assert.NotContains(t, e.store.auditActions(), models.AuditBidCacheFixed)
}

func TestCreateCapsuleValidation(t *testing.T) {
	negative := dec("-1")
	subNano := dec("0.0000000001")
	tests := []struct {
		name  string
		in    CreateCapsuleInput
		field string
	}{
		{"empty name", CreateCapsuleInput{Name: "   ", OpenDate: time.Now().Add(time.Hour)}, "name"},
		{"missing date", CreateCapsuleInput{Name: "x"}, "open_date"},
		{"past date", CreateCapsuleInput{Name: "x", OpenDate: time.Now().Add(-time.Minute)}, "open_date"},
		{"bad encryption", CreateCapsuleInput{Name: "x", OpenDate: time.Now().Add(time.Hour), EncryptionLevel: "rot13"}, "encryption_level"},
		{"negative initial bid", CreateCapsuleInput{Name: "x", OpenDate: time.Now().Add(time.Hour), InitialBid: &negative}, "initial_bid"},
		{"initial bid below one nano", CreateCapsuleInput{Name: "x", OpenDate: time.Now().Add(time.Hour), InitialBid: &subNano}, "initial_bid"},
		{"not an image", CreateCapsuleInput{Name: "x", OpenDate: time.Now().Add(time.Hour), Image: &Upload{
			Filename: "a.txt", ContentType: "text/plain", Size: 3, Body: strings.NewReader("abc"),
		}}, "image"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			_, err := e.capsuleSvc.CreateCapsule(context.Background(), newActor("a@b.c"), tt.in, e.pay())
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperr.ErrValidation))
			assert.Contains(t, err.Error(), tt.field)
			assert.Zero(t, e.chain.confirmCalls(), "payment must not be attempted")
			assert.Empty(t, e.store.auditActions())
		})
	}
}

func TestCreateCapsulePaymentFailureLeavesNoState(t *testing.T) {
	e := newEnv(t)
	e.chain.failing["tx-bad"] = errors.New("wrong network")

	_, err := e.capsuleSvc.CreateCapsule(context.Background(), newActor("a@b.c"), CreateCapsuleInput{
		Name:     "x",
		OpenDate: time.Now().Add(time.Hour),
	}, payment.ClientSubmitted{TxRef: "tx-bad"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrPayment))
	assert.True(t, apperr.Retryable(err))

	list, err := e.capsuleSvc.ListCapsules(context.Background(), uuid.Nil, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateCapsuleRejectsReusedPayment(t *testing.T) {
	e := newEnv(t)
	creator := newActor("a@b.c")
	in := CreateCapsuleInput{Name: "x", OpenDate: time.Now().Add(time.Hour)}

	_, err := e.capsuleSvc.CreateCapsule(context.Background(), creator, in, payment.ClientSubmitted{TxRef: "tx-once"})
	require.NoError(t, err)

	_, err = e.capsuleSvc.CreateCapsule(context.Background(), creator, in, payment.ClientSubmitted{TxRef: "tx-once"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrPayment))
	assert.Contains(t, err.Error(), "already used")
}

func TestCreateCapsuleImage(t *testing.T) {
	e := newEnv(t)
	img := &Upload{Filename: "Photo.PNG", ContentType: "image/png", Size: 4, Body: strings.NewReader("\x89PNG")}

	c, err := e.capsuleSvc.CreateCapsule(context.Background(), newActor("a@b.c"), CreateCapsuleInput{
		Name: "with image", OpenDate: time.Now().Add(time.Hour), Image: img,
	}, e.pay())
	require.NoError(t, err)
	require.NotNil(t, c.ImageURL)
	assert.Contains(t, *c.ImageURL, "capsule_images/public/")
	assert.True(t, strings.HasSuffix(*c.ImageURL, ".png"))
}

func TestCreateCapsuleImageFailureDoesNotBlock(t *testing.T) {
	e := newEnv(t)
	e.images.fail = true
	img := &Upload{Filename: "a.jpg", ContentType: "image/jpeg", Size: 3, Body: strings.NewReader("jpg")}

	c, err := e.capsuleSvc.CreateCapsule(context.Background(), newActor("a@b.c"), CreateCapsuleInput{
		Name: "with image", OpenDate: time.Now().Add(time.Hour), Image: img,
	}, e.pay())
	require.NoError(t, err)
	assert.Nil(t, c.ImageURL)
}

func TestTransitionToOpenedRequiresAcceptedBid(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	creator, bidder := newActor("c@x.io"), newActor("b@x.io")
	c := e.createCapsule(t, creator, "0.1", true)

	_, err := e.capsuleSvc.TransitionToOpened(ctx, c.ID, bidder.ID)
	assert.True(t, errors.Is(err, apperr.ErrInvalidStateTransition))
	assert.Equal(t, models.CapsuleStatusClosed, e.store.capsule(c.ID).Status)

	bid, err := e.auction.PlaceBid(ctx, c.ID, bidder, dec("0.2"), e.pay())
	require.NoError(t, err)
	_, err = e.auction.AcceptBid(ctx, c.ID, bid.ID, creator.ID)
	require.NoError(t, err)

	opened, err := e.capsuleSvc.TransitionToOpened(ctx, c.ID, bidder.ID)
	require.NoError(t, err, "same winner is a no-op")
	assert.Equal(t, models.CapsuleStatusOpened, opened.Status)

	_, err = e.capsuleSvc.TransitionToOpened(ctx, c.ID, uuid.New())
	assert.True(t, errors.Is(err, apperr.ErrInvalidStateTransition))
	assert.Equal(t, bidder.ID, *e.store.capsule(c.ID).WinnerID)

	opens := 0
	for _, a := range e.store.auditActions() {
		if a == models.AuditCapsuleOpened {
			opens++
		}
	}
	assert.Equal(t, 1, opens)
}

func TestGetCapsuleSealsContent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	creator := newActor("c@x.io")
	msg := "secret"

	c, err := e.capsuleSvc.CreateCapsule(ctx, creator, CreateCapsuleInput{
		Name: "sealed", Message: &msg, OpenDate: time.Now().Add(48 * time.Hour), AuctionEnabled: true,
	}, e.pay())
	require.NoError(t, err)

	stranger, err := e.capsuleSvc.GetCapsule(ctx, c.ID, uuid.New())
	require.NoError(t, err)
	assert.True(t, stranger.Sealed)
	assert.Nil(t, stranger.Message)
	assert.False(t, stranger.Unlockable)

	own, err := e.capsuleSvc.GetCapsule(ctx, c.ID, creator.ID)
	require.NoError(t, err)
	require.NotNil(t, own.Message)
	assert.Equal(t, "secret", *own.Message)

	e.capsuleSvc.now = func() time.Time { return time.Now().Add(72 * time.Hour) }
	later, err := e.capsuleSvc.GetCapsule(ctx, c.ID, uuid.New())
	require.NoError(t, err)
	assert.True(t, later.Unlockable)
	assert.False(t, later.Sealed)

	_, err = e.capsuleSvc.GetCapsule(ctx, uuid.New(), creator.ID)
	assert.True(t, errors.Is(err, apperr.ErrCapsuleNotFound))
}

func TestListTodayCapsules(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := time.Date(2031, 3, 14, 9, 0, 0, 0, time.UTC)
	e.capsuleSvc.now = func() time.Time { return now }
	creator := newActor("c@x.io")

	for _, open := range []time.Time{
		now.Add(12 * time.Hour), // 21:00 today
		now.Add(2 * time.Hour),  // 11:00 today
		now.Add(20 * time.Hour), // tomorrow
	} {
		_, err := e.capsuleSvc.CreateCapsule(ctx, creator, CreateCapsuleInput{Name: "x", OpenDate: open}, e.pay())
		require.NoError(t, err)
	}

	today, err := e.capsuleSvc.ListTodayCapsules(ctx, creator.ID)
	require.NoError(t, err)
	require.Len(t, today, 2)
	assert.Equal(t, 11, today[0].OpenDate.Hour())
	assert.Equal(t, 21, today[1].OpenDate.Hour())

	mine, err := e.capsuleSvc.ListUserCapsules(ctx, uuid.Nil, creator.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, mine, 3)
}

func TestCapsuleEvents(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	creator, bidder := newActor("c@x.io"), newActor("b@x.io")
	c := e.createCapsule(t, creator, "0.1", true)
	_, err := e.auction.PlaceBid(ctx, c.ID, bidder, dec("0.2"), e.pay())
	require.NoError(t, err)

	logs, err := e.capsuleSvc.CapsuleEvents(ctx, c.ID, 10, 0)
	require.NoError(t, err)
	var actions []string
	for _, l := range logs {
		actions = append(actions, l.Action)
	}
	assert.ElementsMatch(t, []string{models.AuditCapsuleCreated, models.AuditBidPlaced}, actions)

	_, err = e.capsuleSvc.CapsuleEvents(ctx, uuid.New(), 10, 0)
	assert.True(t, errors.Is(err, apperr.ErrCapsuleNotFound))
}

func TestCreationPaymentInfo(t *testing.T) {
	e := newEnv(t)
	creator := uuid.New()
	info := e.capsuleSvc.CreationPaymentInfo(creator)
	assert.Equal(t, "EQtreasury", info.Address)
	assert.Equal(t, "0.1", info.Amount)
	assert.Equal(t, payment.CreationMemo(creator), info.Memo)
}
