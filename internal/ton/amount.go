package ton

import (
	"math/big"
	"strings"

	"github.com/capsule-auction/backend/internal/apperr"
	"github.com/shopspring/decimal"
	"github.com/xssnick/tonutils-go/address"
)

// 1 TON = 1_000_000_000 nanoTON.
const nanoDecimals = 9

// ToNano converts a TON amount to nanoTON, dropping digits past the ninth
// decimal place.
func ToNano(amount decimal.Decimal) *big.Int {
	return amount.Shift(nanoDecimals).Truncate(0).BigInt()
}

func FromNano(nano *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(nano, -nanoDecimals)
}

// NormalizeAddress parses a user-supplied wallet address in any of the
// friendly or raw forms and returns its canonical friendly string.
func NormalizeAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", apperr.Validation("wallet_address", "is required")
	}
	addr, err := address.ParseAddr(s)
	if err != nil {
		addr, err = address.ParseRawAddr(s)
	}
	if err != nil {
		return "", apperr.Validation("wallet_address", "not a valid TON address")
	}
	return addr.String(), nil
}
