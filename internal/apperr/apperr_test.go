package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByCode(t *testing.T) {
	err := New(CodeBidTooLow, "bid must exceed 0.11")
	wrapped := fmt.Errorf("place bid: %w", err)

	assert.True(t, errors.Is(wrapped, ErrBidTooLow))
	assert.False(t, errors.Is(wrapped, ErrSelfBid))
}

func TestInfrastructurePassesTypedErrors(t *testing.T) {
	typed := New(CodeAuctionClosed, "closed")
	assert.Same(t, typed, Infrastructure("insert bid", typed))

	raw := errors.New("connection reset")
	err := Infrastructure("insert bid", raw)
	assert.True(t, errors.Is(err, ErrInfrastructure))
	assert.True(t, errors.Is(err, raw))

	assert.Nil(t, Infrastructure("noop", nil))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{Payment("timed out", nil), true},
		{New(CodeCapsuleBusy, "busy"), true},
		{Infrastructure("select", errors.New("boom")), true},
		{New(CodeBidTooLow, "low"), false},
		{Validation("name", "required"), false},
		{errors.New("plain"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Retryable(tt.err), tt.err.Error())
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(ErrSelfBid))
	assert.Equal(t, http.StatusPaymentRequired, HTTPStatus(ErrPayment))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(ErrNotAuthorized))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(ErrBidNotFound))
	assert.Equal(t, http.StatusConflict, HTTPStatus(ErrAlreadyAccepted))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("x")))
}
