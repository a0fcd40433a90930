package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/capsule-auction/backend/internal/apperr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConfirmer struct {
	err   error
	block bool
	got   Expectation
}

func (f *fakeConfirmer) Confirm(ctx context.Context, txRef string, exp Expectation) (*Receipt, error) {
	f.got = exp
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &Receipt{TxRef: txRef, Amount: exp.Amount, Currency: exp.Currency, Memo: exp.Memo, ConfirmedAt: time.Now()}, nil
}

type fakeConsumed map[string]bool

func (f fakeConsumed) IsConsumed(_ context.Context, txRef string) (bool, error) {
	return f[txRef], nil
}

type rejectingWallet struct{}

func (rejectingWallet) SwitchNetwork(context.Context, string) error { return nil }
func (rejectingWallet) SubmitTransfer(context.Context, string, decimal.Decimal, string, string) (string, error) {
	return "", errors.New("user rejected the request")
}

func newTestGate(c Confirmer, consumed ConsumedChecker) *Gate {
	return NewGate(c, consumed, GateConfig{
		Treasury: "EQtreasury",
		Currency: "TON",
		Network:  "testnet",
		Timeout:  50 * time.Millisecond,
	}, zap.NewNop())
}

func TestRequireConfirmedPayment(t *testing.T) {
	conf := &fakeConfirmer{}
	gate := newTestGate(conf, fakeConsumed{})
	amount := decimal.RequireFromString("0.2")

	receipt, err := gate.RequireConfirmedPayment(context.Background(),
		ClientSubmitted{TxRef: " ABC123 ", Network: "testnet"}, amount, "ton", "bid:x")
	require.NoError(t, err)
	assert.Equal(t, "abc123", receipt.TxRef)
	assert.Equal(t, "EQtreasury", conf.got.To)
	assert.True(t, conf.got.Amount.Equal(amount))
	assert.Equal(t, "bid:x", conf.got.Memo)
}

func TestRequireConfirmedPaymentFailures(t *testing.T) {
	amount := decimal.RequireFromString("1")

	tests := []struct {
		name      string
		gate      *Gate
		wallet    Wallet
		currency  string
		amount    decimal.Decimal
		wantCode  apperr.Code
		wantInMsg string
	}{
		{"no wallet", newTestGate(&fakeConfirmer{}, fakeConsumed{}), nil, "TON", amount, apperr.CodePayment, "no payment"},
		{"wrong currency", newTestGate(&fakeConfirmer{}, fakeConsumed{}), ClientSubmitted{TxRef: "a"}, "USDT", amount, apperr.CodePayment, "currency"},
		{"wrong network", newTestGate(&fakeConfirmer{}, fakeConsumed{}), ClientSubmitted{TxRef: "a", Network: "mainnet"}, "TON", amount, apperr.CodePayment, "mainnet"},
		{"rejected transfer", newTestGate(&fakeConfirmer{}, fakeConsumed{}), rejectingWallet{}, "TON", amount, apperr.CodePayment, "not submitted"},
		{"missing reference", newTestGate(&fakeConfirmer{}, fakeConsumed{}), ClientSubmitted{}, "TON", amount, apperr.CodeValidation, "tx_ref"},
		{"zero amount", newTestGate(&fakeConfirmer{}, fakeConsumed{}), ClientSubmitted{TxRef: "a"}, "TON", decimal.Zero, apperr.CodeValidation, "amount"},
		{"reference replay", newTestGate(&fakeConfirmer{}, fakeConsumed{"used": true}), ClientSubmitted{TxRef: "used"}, "TON", amount, apperr.CodePayment, "already used"},
		{"confirmer mismatch", newTestGate(&fakeConfirmer{err: errors.New("amount below expected")}, fakeConsumed{}), ClientSubmitted{TxRef: "a"}, "TON", amount, apperr.CodePayment, "not confirmed"},
		{"timeout", newTestGate(&fakeConfirmer{block: true}, fakeConsumed{}), ClientSubmitted{TxRef: "a"}, "TON", amount, apperr.CodePayment, "timed out"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			receipt, err := tt.gate.RequireConfirmedPayment(context.Background(), tt.wallet, tt.amount, tt.currency, "memo")
			require.Error(t, err)
			assert.Nil(t, receipt)
			assert.Equal(t, tt.wantCode, apperr.CodeOf(err))
			assert.Contains(t, err.Error(), tt.wantInMsg)
		})
	}
}

func TestInfo(t *testing.T) {
	gate := newTestGate(&fakeConfirmer{}, fakeConsumed{})
	info := gate.Info(decimal.RequireFromString("0.1"), "create:abc")
	assert.Equal(t, "EQtreasury", info.Address)
	assert.Equal(t, "0.1", info.Amount)
	assert.Equal(t, "TON", info.Currency)
	assert.Equal(t, "testnet", info.Network)
}
