package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
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

// memStore is an in-memory stand-in for the postgres store. InTx holds a
// single mutex for the whole transaction and discards writes on error.
type memStore struct {
	mu       sync.Mutex
	capsules map[uuid.UUID]models.Capsule
	bids     []models.Bid
	receipts map[string]models.PaymentReceipt
	audit    []models.AuditLog
}

func newMemStore() *memStore {
	return &memStore{
		capsules: map[uuid.UUID]models.Capsule{},
		receipts: map[string]models.PaymentReceipt{},
	}
}

type memState struct {
	capsules map[uuid.UUID]models.Capsule
	bids     []models.Bid
	receipts map[string]models.PaymentReceipt
	audit    []models.AuditLog
}

func (s *memStore) snapshot() *memState {
	st := &memState{
		capsules: make(map[uuid.UUID]models.Capsule, len(s.capsules)),
		bids:     append([]models.Bid(nil), s.bids...),
		receipts: make(map[string]models.PaymentReceipt, len(s.receipts)),
		audit:    append([]models.AuditLog(nil), s.audit...),
	}
	for k, v := range s.capsules {
		st.capsules[k] = v
	}
	for k, v := range s.receipts {
		st.receipts[k] = v
	}
	return st
}

func (s *memStore) InTx(ctx context.Context, fn func(repositories.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.snapshot()
	if err := fn(&memTx{st: st}); err != nil {
		return err
	}
	s.capsules, s.bids, s.receipts, s.audit = st.capsules, st.bids, st.receipts, st.audit
	return nil
}

type memTx struct {
	st *memState
}

func (t *memTx) LockCapsule(_ context.Context, id uuid.UUID) (*models.Capsule, error) {
	c, ok := t.st.capsules[id]
	if !ok {
		return nil, apperr.New(apperr.CodeCapsuleNotFound, "capsule not found")
	}
	return &c, nil
}

func (t *memTx) InsertCapsule(_ context.Context, c *models.Capsule) error {
	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	t.st.capsules[c.ID] = *c
	return nil
}

func (t *memTx) SaveCapsule(_ context.Context, c *models.Capsule) error {
	if _, ok := t.st.capsules[c.ID]; !ok {
		return apperr.New(apperr.CodeCapsuleNotFound, "capsule not found")
	}
	c.UpdatedAt = time.Now()
	t.st.capsules[c.ID] = *c
	return nil
}

func (t *memTx) InsertBid(_ context.Context, b *models.Bid) error {
	b.ID = uuid.New()
	b.CreatedAt = time.Now()
	t.st.bids = append(t.st.bids, *b)
	return nil
}

func (t *memTx) GetBid(_ context.Context, id uuid.UUID) (*models.Bid, error) {
	for _, b := range t.st.bids {
		if b.ID == id {
			return &b, nil
		}
	}
	return nil, apperr.New(apperr.CodeBidNotFound, "bid not found")
}

func (t *memTx) HighestBid(_ context.Context, capsuleID uuid.UUID) (*models.Bid, error) {
	var top *models.Bid
	for i := range t.st.bids {
		b := t.st.bids[i]
		if b.CapsuleID == capsuleID && (top == nil || b.Amount.GreaterThan(top.Amount)) {
			top = &b
		}
	}
	return top, nil
}

func (t *memTx) AcceptedBid(_ context.Context, capsuleID uuid.UUID) (*models.Bid, error) {
	for _, b := range t.st.bids {
		if b.CapsuleID == capsuleID && b.IsAccepted {
			return &b, nil
		}
	}
	return nil, nil
}

func (t *memTx) MarkBidAccepted(_ context.Context, b *models.Bid, payout decimal.Decimal) error {
	for _, other := range t.st.bids {
		if other.CapsuleID == b.CapsuleID && other.IsAccepted {
			return apperr.New(apperr.CodeAlreadyAccepted, "already accepted")
		}
	}
	for i := range t.st.bids {
		if t.st.bids[i].ID == b.ID {
			now := time.Now()
			t.st.bids[i].IsAccepted = true
			t.st.bids[i].PayoutAmount = decimal.NewNullDecimal(payout)
			t.st.bids[i].AcceptedAt = &now
			*b = t.st.bids[i]
			return nil
		}
	}
	return apperr.New(apperr.CodeBidNotFound, "bid not found")
}

func (t *memTx) InsertReceipt(_ context.Context, r *models.PaymentReceipt) error {
	if _, ok := t.st.receipts[r.TxRef]; ok {
		return apperr.Payment("transaction reference already used", nil)
	}
	r.ID = uuid.New()
	t.st.receipts[r.TxRef] = *r
	return nil
}

func (t *memTx) Log(_ context.Context, entry models.AuditLog) error {
	t.st.audit = append(t.st.audit, entry)
	return nil
}

// Read side.

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.Capsule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.capsules[id]
	if !ok {
		return nil, apperr.New(apperr.CodeCapsuleNotFound, "capsule not found")
	}
	return &c, nil
}

func (s *memStore) GetByIDWithCreator(ctx context.Context, id uuid.UUID) (*models.CapsuleWithCreator, error) {
	c, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.CapsuleWithCreator{Capsule: *c}, nil
}

func (s *memStore) List(_ context.Context, f repositories.CapsuleFilter) ([]models.CapsuleWithCreator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.CapsuleWithCreator{}
	for _, c := range s.capsules {
		if f.CreatorID != nil && c.CreatorID != *f.CreatorID {
			continue
		}
		if f.OpenFrom != nil && c.OpenDate.Before(*f.OpenFrom) {
			continue
		}
		if f.OpenTo != nil && !c.OpenDate.Before(*f.OpenTo) {
			continue
		}
		if f.Status != nil && c.Status != *f.Status {
			continue
		}
		if f.AuctionsOnly && !c.AuctionEnabled {
			continue
		}
		out = append(out, models.CapsuleWithCreator{Capsule: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenDate.Before(out[j].OpenDate) })
	return out, nil
}

func (s *memStore) ListByCapsule(_ context.Context, capsuleID uuid.UUID, _, _ int) ([]models.BidWithBidder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.BidWithBidder{}
	for i := len(s.bids) - 1; i >= 0; i-- {
		if s.bids[i].CapsuleID == capsuleID {
			out = append(out, models.BidWithBidder{Bid: s.bids[i]})
		}
	}
	return out, nil
}

func (s *memStore) GetByEntity(_ context.Context, entityType string, entityID uuid.UUID, _, _ int) ([]models.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.AuditLog{}
	for _, l := range s.audit {
		if l.EntityType == entityType && l.EntityID != nil && *l.EntityID == entityID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *memStore) IsConsumed(_ context.Context, txRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.receipts[txRef]
	return ok, nil
}

func (s *memStore) capsule(id uuid.UUID) models.Capsule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capsules[id]
}

func (s *memStore) bidsOf(capsuleID uuid.UUID) []models.Bid {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Bid
	for _, b := range s.bids {
		if b.CapsuleID == capsuleID {
			out = append(out, b)
		}
	}
	return out
}

func (s *memStore) auditActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, l := range s.audit {
		out = append(out, l.Action)
	}
	return out
}

// memProfiles implements ProfileStore.
type memProfiles struct {
	mu       sync.Mutex
	profiles map[uuid.UUID]models.Profile
	creates  int
}

func newMemProfiles() *memProfiles {
	return &memProfiles{profiles: map[uuid.UUID]models.Profile{}}
}

func (p *memProfiles) GetByID(_ context.Context, id uuid.UUID) (*models.Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prof, ok := p.profiles[id]
	if !ok {
		return nil, nil
	}
	return &prof, nil
}

func (p *memProfiles) Create(_ context.Context, prof *models.Profile) (*models.Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.profiles[prof.ID]; ok {
		return &existing, nil
	}
	if prof.Username != nil {
		for _, other := range p.profiles {
			if other.Username != nil && *other.Username == *prof.Username {
				return nil, apperr.Validation("username", "already taken")
			}
		}
	}
	p.creates++
	p.profiles[prof.ID] = *prof
	out := *prof
	return &out, nil
}

func (p *memProfiles) mutate(id uuid.UUID, fn func(*models.Profile)) (*models.Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prof, ok := p.profiles[id]
	if !ok {
		return nil, apperr.New(apperr.CodeProfileMissing, "profile not found")
	}
	fn(&prof)
	p.profiles[id] = prof
	return &prof, nil
}

func (p *memProfiles) Update(_ context.Context, id uuid.UUID, username, fullName *string) (*models.Profile, error) {
	return p.mutate(id, func(prof *models.Profile) {
		if username != nil {
			prof.Username = username
		}
		if fullName != nil {
			prof.FullName = fullName
		}
	})
}

func (p *memProfiles) SetWallet(_ context.Context, id uuid.UUID, address string) (*models.Profile, error) {
	return p.mutate(id, func(prof *models.Profile) { prof.WalletAddress = &address })
}

func (p *memProfiles) SetAvatar(_ context.Context, id uuid.UUID, url string) (*models.Profile, error) {
	return p.mutate(id, func(prof *models.Profile) { prof.AvatarURL = &url })
}

// keyedLocker is an in-process per-capsule lock.
type keyedLocker struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func (l *keyedLocker) Acquire(_ context.Context, capsuleID uuid.UUID) (func(), error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = map[uuid.UUID]*sync.Mutex{}
	}
	m, ok := l.locks[capsuleID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[capsuleID] = m
	}
	l.mu.Unlock()

	m.Lock()
	var once sync.Once
	return func() { once.Do(m.Unlock) }, nil
}

// chainStub confirms every reference except the ones marked as failing.
type chainStub struct {
	mu      sync.Mutex
	failing map[string]error
	calls   int
}

func (c *chainStub) Confirm(_ context.Context, txRef string, exp payment.Expectation) (*payment.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if err := c.failing[txRef]; err != nil {
		return nil, err
	}
	return &payment.Receipt{
		TxRef:       txRef,
		Amount:      exp.Amount,
		Currency:    exp.Currency,
		Memo:        exp.Memo,
		FromAddress: "EQpayer",
		ConfirmedAt: time.Now(),
	}, nil
}

func (c *chainStub) confirmCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type memImages struct {
	mu      sync.Mutex
	fail    bool
	uploads []string
}

func (m *memImages) EnsureBucket(context.Context, string) error { return nil }

func (m *memImages) Upload(_ context.Context, bucket, key string, body io.Reader, _ int64, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return "", errors.New("storage unavailable")
	}
	if _, err := io.Copy(io.Discard, body); err != nil {
		return "", err
	}
	m.uploads = append(m.uploads, bucket+"/"+key)
	return "https://cdn.test/" + bucket + "/" + key, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) ofType(typ string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type env struct {
	store     *memStore
	profiles  *memProfiles
	chain     *chainStub
	images    *memImages
	publisher *recordingPublisher
	cfg       *config.Config

	profileSvc *ProfileService
	capsuleSvc *CapsuleService
	auction    *AuctionService

	txSeq int
	mu    sync.Mutex
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := zap.NewNop()
	cfg := &config.Config{
		PaymentCurrency:    "TON",
		CapsuleCreationFee: decimal.RequireFromString("0.1"),
		PaymentTimeout:     time.Second,
		MinBidIncrementPct: 10,
		PlatformFeeBPS:     200,
		S3Bucket:           "capsule_images",
		MaxImageBytes:      1 << 20,
	}

	e := &env{
		store:     newMemStore(),
		profiles:  newMemProfiles(),
		chain:     &chainStub{failing: map[string]error{}},
		images:    &memImages{},
		publisher: &recordingPublisher{},
		cfg:       cfg,
	}
	gate := payment.NewGate(e.chain, e.store, payment.GateConfig{
		Treasury: "EQtreasury",
		Currency: "TON",
		Network:  "testnet",
		Timeout:  time.Second,
	}, log)
	locker := &keyedLocker{}

	e.profileSvc = NewProfileService(e.profiles, e.images, cfg, log)
	e.capsuleSvc = NewCapsuleService(e.store, e.store, e.store, e.profileSvc, locker, gate, e.images, e.publisher, cfg, log)
	e.auction = NewAuctionService(e.store, e.store, e.store, e.capsuleSvc, e.profileSvc, locker, gate, e.publisher, cfg, log)
	return e
}

// pay returns a wallet carrying a fresh transaction reference.
func (e *env) pay() payment.ClientSubmitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.txSeq++
	return payment.ClientSubmitted{TxRef: fmt.Sprintf("tx-%04d", e.txSeq), Network: "testnet"}
}

func (e *env) createCapsule(t *testing.T, creator Actor, initial string, auction bool) *models.Capsule {
	t.Helper()
	bid := decimal.RequireFromString(initial)
	c, err := e.capsuleSvc.CreateCapsule(context.Background(), creator, CreateCapsuleInput{
		Name:           "letter to future me",
		OpenDate:       time.Now().Add(24 * time.Hour),
		AuctionEnabled: auction,
		InitialBid:     &bid,
	}, e.pay())
	if err != nil {
		t.Fatalf("create capsule: %v", err)
	}
	return c
}

func newActor(email string) Actor {
	return Actor{ID: uuid.New(), Email: email}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
