package mock

import (
	"context"
	"testing"

	"github.com/smallbiznis/payflow/internal/gateway/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockReferenceIsDeterministic(t *testing.T) {
	adapter, err := NewAdapter(OutcomePaid)
	require.NoError(t, err)

	first, err := adapter.InitiatePayment(context.Background(), domain.Credentials{}, domain.InitiateRequest{CorrelationID: "123"})
	require.NoError(t, err)
	second, err := adapter.InitiatePayment(context.Background(), domain.Credentials{}, domain.InitiateRequest{CorrelationID: "123"})
	require.NoError(t, err)

	assert.True(t, first.Success)
	assert.Equal(t, first.GatewayReference, second.GatewayReference)
	assert.Equal(t, Reference("123"), first.GatewayReference)
	assert.Contains(t, first.RedirectURL, first.GatewayReference)
}

func TestMockOutcomes(t *testing.T) {
	tests := []struct {
		outcome string
		want    domain.PaymentStatus
	}{
		{"", domain.StatusPaid},
		{OutcomePaid, domain.StatusPaid},
		{OutcomeFailed, domain.StatusFailed},
		{OutcomePending, domain.StatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.outcome, func(t *testing.T) {
			adapter, err := NewAdapter(tt.outcome)
			require.NoError(t, err)
			res, err := adapter.QueryStatus(context.Background(), domain.Credentials{}, "MOCK-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
			assert.Contains(t, string(res.Raw), string(tt.want))
		})
	}
}

func TestMockInitiateError(t *testing.T) {
	adapter, err := NewAdapter(OutcomeInitiateError)
	require.NoError(t, err)
	_, err = adapter.InitiatePayment(context.Background(), domain.Credentials{}, domain.InitiateRequest{CorrelationID: "1"})
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
}

func TestMockOverrideAndValidation(t *testing.T) {
	adapter, err := NewAdapter(OutcomePaid)
	require.NoError(t, err)
	adapter.SetStatus("MOCK-2", domain.StatusPending)

	res, err := adapter.QueryStatus(context.Background(), domain.Credentials{}, "MOCK-2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, res.Status)

	_, err = adapter.QueryStatus(context.Background(), domain.Credentials{}, "")
	assert.ErrorIs(t, err, domain.ErrInvalidReference)

	_, err = NewAdapter("sometimes")
	assert.Error(t, err)
}
