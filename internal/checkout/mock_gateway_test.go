package checkout

import (
	"context"

	"ms-tripbooking/internal/payment/gateway"

	"github.com/stretchr/testify/mock"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) intent(args mock.Arguments) (*gateway.Intent, error) {
	if in := args.Get(0); in != nil {
		return in.(*gateway.Intent), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) CreatePaymentIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*gateway.Intent, error) {
	return m.intent(m.Called(ctx, amountCents, currency, metadata))
}

func (m *mockGateway) RetrievePaymentIntent(ctx context.Context, id string) (*gateway.Intent, error) {
	return m.intent(m.Called(ctx, id))
}

func (m *mockGateway) ModifyPaymentIntentAmount(ctx context.Context, id string, amountCents int64, metadata map[string]string) (*gateway.Intent, error) {
	return m.intent(m.Called(ctx, id, amountCents, metadata))
}

func (m *mockGateway) CancelPaymentIntent(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockGateway) Refund(ctx context.Context, ref string, amountCents int64, reason string) (*gateway.Refund, error) {
	args := m.Called(ctx, ref, amountCents, reason)
	if r := args.Get(0); r != nil {
		return r.(*gateway.Refund), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockGateway) RetrievePaymentMethodCardDetails(ctx context.Context, id string) (*gateway.CardDetails, error) {
	args := m.Called(ctx, id)
	if c := args.Get(0); c != nil {
		return c.(*gateway.CardDetails), args.Error(1)
	}
	return nil, args.Error(1)
}

// hasMeta matches a metadata map containing every pair in want.
func hasMeta(want map[string]string) interface{} {
	return mock.MatchedBy(func(md map[string]string) bool {
		for k, v := range want {
			if md[k] != v {
				return false
			}
		}
		return true
	})
}
