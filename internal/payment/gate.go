package payment

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/capsule-auction/backend/internal/apperr"
	"github.com/capsule-auction/backend/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type GateConfig struct {
	Treasury string
	Currency string
	Network  string
	Timeout  time.Duration
}

type Gate struct {
	confirmer Confirmer
	consumed  ConsumedChecker
	cfg       GateConfig
	log       *zap.Logger
}

func NewGate(confirmer Confirmer, consumed ConsumedChecker, cfg GateConfig, log *zap.Logger) *Gate {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Gate{confirmer: confirmer, consumed: consumed, cfg: cfg, log: log}
}

// Info tells a payer where to send expected and which memo to attach.
func (g *Gate) Info(expected decimal.Decimal, memo string) models.PaymentInfo {
	return models.PaymentInfo{
		Address:  g.cfg.Treasury,
		Memo:     memo,
		Amount:   expected.String(),
		Currency: g.cfg.Currency,
		Network:  g.cfg.Network,
	}
}

// RequireConfirmedPayment drives wallet through a transfer of expected to the
// treasury and waits, bounded by the gate timeout, for on-chain confirmation.
// Every failure is a PAYMENT_ERROR except malformed input.
func (g *Gate) RequireConfirmedPayment(ctx context.Context, wallet Wallet, expected decimal.Decimal, currency, memo string) (*Receipt, error) {
	if wallet == nil {
		return nil, apperr.Payment("no payment was provided", nil)
	}
	if !expected.IsPositive() {
		return nil, apperr.Validation("amount", "must be positive")
	}
	if !strings.EqualFold(currency, g.cfg.Currency) {
		return nil, apperr.Payment("unsupported currency", nil).WithDetail("currency", currency)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	if err := wallet.SwitchNetwork(ctx, g.cfg.Network); err != nil {
		return nil, asPaymentError("wrong network", err)
	}

	txRef, err := wallet.SubmitTransfer(ctx, g.cfg.Treasury, expected, g.cfg.Currency, memo)
	if err != nil {
		return nil, asPaymentError("transfer was not submitted", err)
	}

	used, err := g.consumed.IsConsumed(ctx, txRef)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, apperr.Payment("transaction reference already used", nil).WithDetail("tx_ref", txRef)
	}

	receipt, err := g.confirmer.Confirm(ctx, txRef, Expectation{
		To:       g.cfg.Treasury,
		Amount:   expected,
		Currency: g.cfg.Currency,
		Memo:     memo,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			g.log.Info("payment confirmation timed out", zap.String("tx_ref", txRef), zap.Duration("timeout", g.cfg.Timeout))
			return nil, apperr.Payment("payment confirmation timed out", err).WithDetail("tx_ref", txRef)
		}
		return nil, asPaymentError("payment not confirmed", err)
	}

	g.log.Info("payment confirmed",
		zap.String("tx_ref", receipt.TxRef),
		zap.String("amount", receipt.Amount.String()),
		zap.String("memo", memo),
	)
	return receipt, nil
}

// asPaymentError keeps typed errors and wraps everything else.
func asPaymentError(reason string, err error) error {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Payment(reason, err)
}
