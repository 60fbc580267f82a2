package authority

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Classification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      ErrorKind
		retryable bool
		rejected  bool
	}{
		{"transport", transportError(OpRegisterInvoice, errors.New("connection reset")), KindTransport, true, false},
		{"transient", newError(KindTransient, OpRegisterInvoice, "", "busy", nil), KindTransient, true, false},
		{"protocol", newError(KindProtocol, OpRegisterInvoice, "", "garbage", nil), KindProtocol, true, false},
		{"rejected", newError(KindRejected, OpRegisterInvoice, "4102", "bad nif", nil), KindRejected, false, true},
		{"wrapped rejected", fmt.Errorf("submit: %w", newError(KindRejected, OpRegisterInvoice, "", "", nil)), KindRejected, false, true},
		{"plain error", errors.New("boom"), "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, Kind(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
			assert.Equal(t, tt.rejected, IsRejected(tt.err))
		})
	}
}

func TestTransportError_Deadline(t *testing.T) {
	err := transportError(OpQueryInvoices, fmt.Errorf("post: %w", context.DeadlineExceeded))

	assert.Equal(t, "deadline exceeded", err.Message)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "authority QueryInvoices [transport]")
}
