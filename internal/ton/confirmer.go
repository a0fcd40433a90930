// Package ton confirms capsule payments against the treasury account on the
// TON blockchain.
package ton

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/capsule-auction/backend/internal/apperr"
	"github.com/capsule-auction/backend/internal/payment"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tlb"
	"github.com/xssnick/tonutils-go/ton"
	"go.uber.org/zap"
)

const (
	txBatchSize = 50
	// maxScannedTxs bounds how far back one poll looks for a reference.
	maxScannedTxs = 500
)

// ChainAPI is the subset of the lite client the confirmer needs.
// ton.APIClientWrapped satisfies it.
type ChainAPI interface {
	CurrentMasterchainInfo(ctx context.Context) (*ton.BlockIDExt, error)
	GetAccount(ctx context.Context, block *ton.BlockIDExt, addr *address.Address) (*tlb.Account, error)
	ListTransactions(ctx context.Context, addr *address.Address, num uint32, lt uint64, txHash []byte) ([]*tlb.Transaction, error)
}

type Confirmer struct {
	api          ChainAPI
	treasury     *address.Address
	pollInterval time.Duration
	log          *zap.Logger
}

func NewConfirmer(api ChainAPI, treasury string, pollInterval time.Duration, log *zap.Logger) (*Confirmer, error) {
	addr, err := address.ParseAddr(treasury)
	if err != nil {
		return nil, fmt.Errorf("parse treasury address %q: %w", treasury, err)
	}
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	return &Confirmer{api: api, treasury: addr, pollInterval: pollInterval, log: log}, nil
}

// Confirm polls the treasury account until the transaction whose hash is
// txRef shows up, then checks it against exp. Until ctx ends a missing
// transaction is retried; a transaction that is found but does not match is
// rejected at once.
func (c *Confirmer) Confirm(ctx context.Context, txRef string, exp payment.Expectation) (*payment.Receipt, error) {
	want, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(txRef), "0x"))
	if err != nil || len(want) != 32 {
		return nil, apperr.Validation("tx_ref", "must be a 32-byte hex transaction hash")
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		tx, err := c.findTransaction(ctx, want)
		if err != nil {
			c.log.Warn("treasury scan failed", zap.String("tx_ref", txRef), zap.Error(err))
		}
		if tx != nil {
			return matchTransfer(tx, txRef, exp)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Confirmer) findTransaction(ctx context.Context, hash []byte) (*tlb.Transaction, error) {
	block, err := c.api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("get master block: %w", err)
	}

	account, err := c.api.GetAccount(ctx, block, c.treasury)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if account == nil || !account.IsActive || account.LastTxLT == 0 {
		return nil, nil
	}

	lt, txHash := account.LastTxLT, account.LastTxHash
	for scanned := 0; scanned < maxScannedTxs; {
		txs, err := c.api.ListTransactions(ctx, c.treasury, txBatchSize, lt, txHash)
		if err != nil {
			return nil, fmt.Errorf("list transactions (lt=%d): %w", lt, err)
		}
		for _, tx := range txs {
			if bytes.Equal(tx.Hash, hash) {
				return tx, nil
			}
		}
		scanned += len(txs)
		if len(txs) < txBatchSize {
			return nil, nil
		}
		// ListTransactions returns oldest first.
		oldest := txs[0]
		if oldest.PrevTxLT == 0 {
			return nil, nil
		}
		lt, txHash = oldest.PrevTxLT, oldest.PrevTxHash
	}
	return nil, nil
}

// matchTransfer verifies that tx is an incoming, non-bounced transfer of at
// least exp.Amount carrying exp.Memo as its text comment.
func matchTransfer(tx *tlb.Transaction, txRef string, exp payment.Expectation) (*payment.Receipt, error) {
	if tx.IO.In == nil {
		return nil, mismatch(txRef, "transaction has no incoming message")
	}
	inMsg, ok := tx.IO.In.Msg.(*tlb.InternalMessage)
	if !ok || inMsg == nil {
		return nil, mismatch(txRef, "transaction is not an incoming transfer")
	}
	if inMsg.Bounced {
		return nil, mismatch(txRef, "transfer bounced")
	}

	received := inMsg.Amount.Nano()
	if received.Cmp(ToNano(exp.Amount)) < 0 {
		return nil, mismatch(txRef, "amount below expected").
			WithDetail("received", FromNano(received).String()).
			WithDetail("expected", exp.Amount.String())
	}

	if comment := extractComment(inMsg); comment != exp.Memo {
		return nil, mismatch(txRef, "memo does not match").WithDetail("memo", comment)
	}

	receipt := &payment.Receipt{
		TxRef:       txRef,
		Amount:      FromNano(received),
		Currency:    exp.Currency,
		Memo:        exp.Memo,
		ConfirmedAt: time.Unix(int64(tx.Now), 0).UTC(),
	}
	if inMsg.SrcAddr != nil {
		receipt.FromAddress = inMsg.SrcAddr.String()
	}
	return receipt, nil
}

func mismatch(txRef, reason string) *apperr.Error {
	return apperr.Payment(reason, nil).WithDetail("tx_ref", txRef)
}

// extractComment parses a text comment from an InternalMessage body.
// TON text comments have opcode 0x00000000 followed by UTF-8 text.
func extractComment(inMsg *tlb.InternalMessage) string {
	if inMsg.Body == nil {
		return ""
	}

	slice := inMsg.Body.BeginParse()
	if slice.BitsLeft() < 32 {
		return ""
	}
	op, err := slice.LoadUInt(32)
	if err != nil || op != 0 {
		return ""
	}

	text, err := slice.LoadStringSnake()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}
