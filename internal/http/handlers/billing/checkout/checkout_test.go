package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dayssupplyrx/entitlement-service/internal/http/middlewarectx"
	"github.com/dayssupplyrx/entitlement-service/internal/http/response"
	"github.com/dayssupplyrx/entitlement-service/internal/paymentprovider"
)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) CreateCheckoutSession(accountID, email string, overrides paymentprovider.CheckoutOverrides) (string, error) {
	args := m.Called(accountID, email, overrides)
	return args.String(0), args.Error(1)
}

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

func requestWithAccount(accountID, email, body string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/checkout", reader)
	ctx := req.Context()
	if accountID != "" {
		ctx = context.WithValue(ctx, middlewarectx.AccountID, accountID)
	}
	if email != "" {
		ctx = context.WithValue(ctx, middlewarectx.Email, email)
	}
	return req.WithContext(ctx)
}

func TestHandler_ServeHTTP(t *testing.T) {
	accountID := "11111111-1111-1111-1111-111111111111"
	noOverrides := paymentprovider.CheckoutOverrides{}

	tests := []struct {
		name       string
		request    *http.Request
		setupMocks func(*MockProvider)
		wantCode   int
		wantURL    string
	}{
		{
			name:    "session created",
			request: requestWithAccount(accountID, "user@example.com", ""),
			setupMocks: func(p *MockProvider) {
				p.On("CreateCheckoutSession", accountID, "user@example.com", noOverrides).
					Return("https://checkout.stripe.com/c/pay/cs_1", nil).Once()
			},
			wantCode: http.StatusOK,
			wantURL:  "https://checkout.stripe.com/c/pay/cs_1",
		},
		{
			name: "redirect overrides passed to provider",
			request: requestWithAccount(accountID, "user@example.com",
				`{"success_url": "https://app.example.com/done", "cancel_url": "https://app.example.com/pricing"}`),
			setupMocks: func(p *MockProvider) {
				p.On("CreateCheckoutSession", accountID, "user@example.com", paymentprovider.CheckoutOverrides{
					SuccessURL: "https://app.example.com/done",
					CancelURL:  "https://app.example.com/pricing",
				}).Return("https://checkout.stripe.com/c/pay/cs_2", nil).Once()
			},
			wantCode: http.StatusOK,
			wantURL:  "https://checkout.stripe.com/c/pay/cs_2",
		},
		{
			name:       "no account in context",
			request:    requestWithAccount("", "", ""),
			setupMocks: func(p *MockProvider) {},
			wantCode:   http.StatusUnauthorized,
		},
		{
			name:       "malformed body",
			request:    requestWithAccount(accountID, "", `{"success_url": `),
			setupMocks: func(p *MockProvider) {},
			wantCode:   http.StatusBadRequest,
		},
		{
			name:       "invalid override url fails validation",
			request:    requestWithAccount(accountID, "", `{"success_url": "not-a-url"}`),
			setupMocks: func(p *MockProvider) {},
			wantCode:   http.StatusUnprocessableEntity,
		},
		{
			name:    "provider failure maps to 502",
			request: requestWithAccount(accountID, "", ""),
			setupMocks: func(p *MockProvider) {
				p.On("CreateCheckoutSession", accountID, "", noOverrides).
					Return("", errors.New("provider down")).Once()
			},
			wantCode: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := new(MockProvider)
			handler := New(newNoopLogger(), provider)

			tt.setupMocks(provider)

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, tt.request)

			assert.Equal(t, tt.wantCode, rec.Code)

			if tt.wantCode == http.StatusOK {
				var resp response.Response
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, response.StatusOK, resp.Status)
				data := resp.Data.(map[string]any)
				assert.Equal(t, tt.wantURL, data["url"])
			}
			if tt.wantCode == http.StatusUnprocessableEntity {
				var resp response.Response
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, response.StatusError, resp.Status)
				assert.Contains(t, resp.Error, "SuccessURL")
			}

			provider.AssertExpectations(t)
		})
	}
}
