// Package checkout создаёт checkout-сессию у провайдера биллинга и
// возвращает URL её размещённой страницы оплаты.
package checkout

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/dayssupplyrx/entitlement-service/internal/http/middlewarectx"
	"github.com/dayssupplyrx/entitlement-service/internal/http/response"
	"github.com/dayssupplyrx/entitlement-service/internal/lib/sl"
	"github.com/dayssupplyrx/entitlement-service/internal/paymentprovider"
)

// CreateSessionRequestApp необязательное тело запроса: вызывающая
// сторона может переопределить URL-ы возврата для конкретной сессии,
// например чтобы вернуть пользователя на страницу, с которой он ушёл.
type CreateSessionRequestApp struct {
	SuccessURL string `json:"success_url,omitempty" validate:"omitempty,url"`
	CancelURL  string `json:"cancel_url,omitempty" validate:"omitempty,url"`
}

// SessionCreator создаёт checkout-сессию у провайдера.
type SessionCreator interface {
	CreateCheckoutSession(accountID, email string, overrides paymentprovider.CheckoutOverrides) (string, error)
}

// Handler обработчик создания checkout-сессии.
type Handler struct {
	log      *slog.Logger
	provider SessionCreator
	validate *validator.Validate
}

// New создаёт обработчик.
func New(log *slog.Logger, provider SessionCreator) *Handler {
	return &Handler{
		log:      log,
		provider: provider,
		validate: validator.New(),
	}
}

// ServeHTTP создаёт checkout-сессию для текущего аккаунта. В сессию
// вшивается идентификатор аккаунта, чтобы вебхук мог связать событие
// обратно с аккаунтом.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.billing.checkout"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	accountID, ok := r.Context().Value(middlewarectx.AccountID).(string)
	if !ok || accountID == "" {
		log.Error("account identification missing")
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("not authenticated"))
		return
	}
	email, _ := r.Context().Value(middlewarectx.Email).(string)

	// Тело необязательно: пустой запрос означает URL-ы из конфигурации.
	var req CreateSessionRequestApp
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		log.Error("failed to decode request", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		log.Error("validation failed", sl.Err(err))
		render.Status(r, http.StatusUnprocessableEntity)
		render.JSON(w, r, response.ValidationError(err.(validator.ValidationErrors)))
		return
	}

	url, err := h.provider.CreateCheckoutSession(accountID, email, paymentprovider.CheckoutOverrides{
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		log.Error("failed to create checkout session", sl.Err(err))
		render.Status(r, http.StatusBadGateway)
		render.JSON(w, r, response.Error("failed to create checkout session"))
		return
	}

	log.Info("checkout session created", slog.String("account_id", accountID))
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"url": url,
	}))
}
