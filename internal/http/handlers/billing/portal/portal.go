// Package portal создаёт сессию портала самообслуживания провайдера
// для аккаунта с уже сохранённым идентификатором покупателя.
package portal

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/dayssupplyrx/entitlement-service/internal/http/middlewarectx"
	"github.com/dayssupplyrx/entitlement-service/internal/http/response"
	"github.com/dayssupplyrx/entitlement-service/internal/lib/sl"
	"github.com/dayssupplyrx/entitlement-service/internal/storage/repository"
)

// CustomerLookup возвращает идентификатор покупателя аккаунта.
type CustomerLookup interface {
	CustomerID(ctx context.Context, accountID string) (string, error)
}

// SessionCreator создаёт сессию портала у провайдера.
type SessionCreator interface {
	CreatePortalSession(customerID string) (string, error)
}

// Handler обработчик создания сессии портала.
type Handler struct {
	log      *slog.Logger
	lookup   CustomerLookup
	provider SessionCreator
}

// New создаёт обработчик.
func New(log *slog.Logger, lookup CustomerLookup, provider SessionCreator) *Handler {
	return &Handler{
		log:      log,
		lookup:   lookup,
		provider: provider,
	}
}

// ServeHTTP находит покупателя аккаунта и возвращает URL портала.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.billing.portal"
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

	customerID, err := h.lookup.CustomerID(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNoRecord) {
			log.Info("no subscription on file", slog.String("account_id", accountID))
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, response.Error("no subscription on file"))
			return
		}
		log.Error("failed to look up customer", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("internal service error"))
		return
	}

	url, err := h.provider.CreatePortalSession(customerID)
	if err != nil {
		log.Error("failed to create portal session", sl.Err(err))
		render.Status(r, http.StatusBadGateway)
		render.JSON(w, r, response.Error("failed to create portal session"))
		return
	}

	log.Info("portal session created", slog.String("account_id", accountID))
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"url": url,
	}))
}
