package health

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/dayssupplyrx/entitlement-service/internal/http/response"
	"github.com/dayssupplyrx/entitlement-service/internal/lib/sl"
)

// ReadinessChecker проверяет готовность хранилища.
type ReadinessChecker interface {
	CheckDatabaseReady(ctx context.Context) error
}

type Handler struct {
	log     *slog.Logger
	storage ReadinessChecker
}

func New(log *slog.Logger, storage ReadinessChecker) *Handler {
	return &Handler{
		log:     log,
		storage: storage,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.health"

	if err := h.storage.CheckDatabaseReady(r.Context()); err != nil {
		h.log.Error("database is not ready", sl.Op(op), sl.Err(err))
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, response.Error("database is not ready"))
		return
	}

	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"status": "ok",
	}))
}
