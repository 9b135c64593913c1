package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/dayssupplyrx/entitlement-service/internal/billing"
	"github.com/dayssupplyrx/entitlement-service/internal/models"
)

const testSecret = "whsec_test_123"

type MockNormalizer struct {
	mock.Mock
}

func (m *MockNormalizer) Normalize(ctx context.Context, event *stripe.Event) (*models.NormalizedEvent, error) {
	args := m.Called(ctx, event)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.NormalizedEvent), args.Error(1)
}

type MockService struct {
	mock.Mock
}

func (m *MockService) ProcessEvent(ctx context.Context, ev *models.NormalizedEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

func eventBody(t *testing.T, eventType string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":   "evt_1",
		"type": eventType,
		"data": map[string]any{
			"object": map[string]any{
				"id":           "sub_1",
				"status":       "active",
				"subscription": "sub_1",
			},
		},
	})
	require.NoError(t, err)
	return body
}

func signedRequest(t *testing.T, secret string, payload []byte) *http.Request {
	t.Helper()
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func TestHandler_ServeHTTP(t *testing.T) {
	normalized := &models.NormalizedEvent{
		Kind:           models.EventSubscriptionUpdated,
		SubscriptionID: "sub_1",
		RawStatus:      models.StatusActive,
	}

	tests := []struct {
		name        string
		makeRequest func(t *testing.T) *http.Request
		setupMocks  func(*MockNormalizer, *MockService)
		wantCode    int
		wantSkipped bool
	}{
		{
			name: "valid event processed",
			makeRequest: func(t *testing.T) *http.Request {
				return signedRequest(t, testSecret, eventBody(t, "customer.subscription.updated"))
			},
			setupMocks: func(n *MockNormalizer, s *MockService) {
				n.On("Normalize", mock.Anything, mock.Anything).Return(normalized, nil).Once()
				s.On("ProcessEvent", mock.Anything, normalized).Return(nil).Once()
			},
			wantCode: http.StatusOK,
		},
		{
			name: "missing signature header",
			makeRequest: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhook",
					bytes.NewReader(eventBody(t, "customer.subscription.updated")))
			},
			setupMocks: func(n *MockNormalizer, s *MockService) {},
			wantCode:   http.StatusBadRequest,
		},
		{
			name: "signature from wrong secret rejected",
			makeRequest: func(t *testing.T) *http.Request {
				return signedRequest(t, "whsec_wrong", eventBody(t, "customer.subscription.updated"))
			},
			setupMocks: func(n *MockNormalizer, s *MockService) {},
			wantCode:   http.StatusBadRequest,
		},
		{
			name: "skipped event acknowledged with 200",
			makeRequest: func(t *testing.T) *http.Request {
				return signedRequest(t, testSecret, eventBody(t, "checkout.session.completed"))
			},
			setupMocks: func(n *MockNormalizer, s *MockService) {
				n.On("Normalize", mock.Anything, mock.Anything).Return(nil, billing.ErrSkipEvent).Once()
			},
			wantCode:    http.StatusOK,
			wantSkipped: true,
		},
		{
			name: "unhandled event kind acknowledged with 200",
			makeRequest: func(t *testing.T) *http.Request {
				return signedRequest(t, testSecret, eventBody(t, "customer.created"))
			},
			setupMocks: func(n *MockNormalizer, s *MockService) {
				n.On("Normalize", mock.Anything, mock.Anything).Return(nil, nil).Once()
			},
			wantCode:    http.StatusOK,
			wantSkipped: true,
		},
		{
			name: "malformed payload rejected",
			makeRequest: func(t *testing.T) *http.Request {
				return signedRequest(t, testSecret, eventBody(t, "customer.subscription.updated"))
			},
			setupMocks: func(n *MockNormalizer, s *MockService) {
				n.On("Normalize", mock.Anything, mock.Anything).
					Return(nil, errors.New("decode subscription: unexpected end of JSON input")).Once()
			},
			wantCode: http.StatusBadRequest,
		},
		{
			name: "store failure returns 500 so the provider redelivers",
			makeRequest: func(t *testing.T) *http.Request {
				return signedRequest(t, testSecret, eventBody(t, "customer.subscription.updated"))
			},
			setupMocks: func(n *MockNormalizer, s *MockService) {
				n.On("Normalize", mock.Anything, mock.Anything).Return(normalized, nil).Once()
				s.On("ProcessEvent", mock.Anything, normalized).Return(errors.New("db error")).Once()
			},
			wantCode: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			normalizer := new(MockNormalizer)
			service := new(MockService)
			handler := New(newNoopLogger(), normalizer, service, testSecret)

			tt.setupMocks(normalizer, service)

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, tt.makeRequest(t))

			assert.Equal(t, tt.wantCode, rec.Code)

			if tt.wantCode == http.StatusOK {
				var resp receivedResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.True(t, resp.Received)
				assert.Equal(t, tt.wantSkipped, resp.Skipped)
			}

			normalizer.AssertExpectations(t)
			service.AssertExpectations(t)
		})
	}
}

// Повторная доставка после 500 обрабатывается заново: ретрай провайдера
// и есть единственный механизм повторов.
func TestHandler_ServeHTTP_RedeliveryAfterStoreFailure(t *testing.T) {
	normalized := &models.NormalizedEvent{
		Kind:           models.EventInvoicePaid,
		SubscriptionID: "sub_1",
		RawStatus:      models.StatusActive,
	}

	normalizer := new(MockNormalizer)
	normalizer.On("Normalize", mock.Anything, mock.Anything).Return(normalized, nil).Twice()
	service := new(MockService)
	service.On("ProcessEvent", mock.Anything, normalized).Return(errors.New("db error")).Once()
	service.On("ProcessEvent", mock.Anything, normalized).Return(nil).Once()

	handler := New(newNoopLogger(), normalizer, service, testSecret)
	body := eventBody(t, "invoice.paid")

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, signedRequest(t, testSecret, body))
	require.Equal(t, http.StatusInternalServerError, rec1.Code)

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, signedRequest(t, testSecret, body))
	require.Equal(t, http.StatusOK, rec2.Code)

	normalizer.AssertExpectations(t)
	service.AssertExpectations(t)
}

func TestHandler_Liveness(t *testing.T) {
	handler := New(newNoopLogger(), new(MockNormalizer), new(MockService), testSecret)

	rec := httptest.NewRecorder()
	handler.Liveness(rec, httptest.NewRequest(http.MethodGet, "/api/v1/billing/webhook", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp receivedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Received)
	assert.Equal(t, "billing-webhook", resp.Route)
}
