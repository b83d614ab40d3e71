// errs/errs_test.go
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindValidation, KindOf(E(KindValidation, "bad input")))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain error")))
	assert.Equal(t, KindInternal, KindOf(nil))

	// wrapped taxonomy errors keep their kind
	wrapped := fmt.Errorf("outer: %w", E(KindGatewayRejected, "declined"))
	assert.Equal(t, KindGatewayRejected, KindOf(wrapped))
}

func TestErrorChaining(t *testing.T) {
	cause := errors.New("connection reset")
	err := E(KindGatewayTransient, "paystack request failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "paystack request failed: connection reset", err.Error())
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(E(KindGatewayTransient, "timeout")))
	assert.False(t, Retryable(E(KindGatewayRejected, "declined")))
	assert.False(t, Retryable(E(KindValidation, "bad input")))
	assert.False(t, Retryable(nil))
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindGatewayTransient, http.StatusBadGateway},
		{KindGatewayRejected, http.StatusPaymentRequired},
		{KindIntegrity, http.StatusConflict},
		{KindIdempotentNoop, http.StatusOK},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(E(tc.kind, "x")), tc.kind.String())
	}
}

func TestIsMatchesOnKind(t *testing.T) {
	err := Ef(KindIdempotentNoop, "payment %s already successful", "PAY-1")
	assert.True(t, errors.Is(err, E(KindIdempotentNoop, "")))
	assert.False(t, errors.Is(err, E(KindConflict, "")))
}
