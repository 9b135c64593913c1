// Package status отдаёт представление доступа текущего аккаунта.
//
// Конечная точка всегда отвечает кодом 200, включая случаи "нет
// пользователя", "нет записи" и ошибки хранилища: причина кодируется
// полем reason в теле, чтобы клиенту не приходилось разбирать не-2xx
// статусы именно для этого запроса.
package status

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/dayssupplyrx/entitlement-service/internal/lib/identity"
	"github.com/dayssupplyrx/entitlement-service/internal/lib/sl"
	"github.com/dayssupplyrx/entitlement-service/internal/metrics"
	"github.com/dayssupplyrx/entitlement-service/internal/models"
)

// Причины отказа в теле ответа.
const (
	ReasonMissingToken = "missing_token"
	ReasonInvalidToken = "invalid_token"
	ReasonNoRow        = "no_row"
	ReasonDBError      = "db_error"
)

// Service отдаёт представление доступа по аккаунту.
type Service interface {
	Status(ctx context.Context, accountID string) (models.EntitlementView, error)
}

// TokenValidator проверяет access-токен провайдера.
type TokenValidator interface {
	ParseToken(tokenStr string) (*identity.Claims, error)
}

// Options переключатели окружения для ответа о доступе.
type Options struct {
	// ScreenshotMode принудительно отдаёт доступ для маркетинговых
	// скриншотов.
	ScreenshotMode bool
	// GatingDisabled выключает гейтинг целиком в dev/demo сборках.
	GatingDisabled bool
}

// Handler обработчик запроса статуса доступа.
type Handler struct {
	log       *slog.Logger
	service   Service
	validator TokenValidator
	opts      Options
}

// New создаёт обработчик статуса доступа.
func New(log *slog.Logger, service Service, validator TokenValidator, opts Options) *Handler {
	return &Handler{
		log:       log,
		service:   service,
		validator: validator,
		opts:      opts,
	}
}

// statusResponse тело ответа: представление доступа плюс причина отказа.
type statusResponse struct {
	models.EntitlementView
	Reason string `json:"reason,omitempty"`
}

func notEntitled(status models.Status, reason string) statusResponse {
	return statusResponse{
		EntitlementView: models.EntitlementView{
			IsEntitled:      false,
			RawStatus:       status,
			EffectiveStatus: status,
		},
		Reason: reason,
	}
}

// ServeHTTP возвращает представление доступа текущего аккаунта.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.entitlement.status"
	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	if h.opts.ScreenshotMode || h.opts.GatingDisabled {
		render.JSON(w, r, statusResponse{
			EntitlementView: models.EntitlementView{
				IsEntitled:      true,
				RawStatus:       models.StatusActive,
				EffectiveStatus: models.StatusActive,
			},
		})
		return
	}

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		metrics.EntitlementChecksTotal.WithLabelValues(string(models.StatusNoUser)).Inc()
		render.JSON(w, r, notEntitled(models.StatusNoUser, ReasonMissingToken))
		return
	}

	claims, err := h.validator.ParseToken(strings.TrimPrefix(authHeader, "Bearer "))
	if err != nil {
		log.Warn("invalid access token", sl.Err(err))
		metrics.EntitlementChecksTotal.WithLabelValues(string(models.StatusNoUser)).Inc()
		render.JSON(w, r, notEntitled(models.StatusNoUser, ReasonInvalidToken))
		return
	}

	view, err := h.service.Status(r.Context(), claims.Subject)
	if err != nil {
		log.Error("failed to get entitlement status", sl.Err(err))
		metrics.EntitlementChecksTotal.WithLabelValues(string(models.StatusUnknown)).Inc()
		render.JSON(w, r, notEntitled(models.StatusUnknown, ReasonDBError))
		return
	}

	resp := statusResponse{EntitlementView: view}
	if view.EffectiveStatus == models.StatusUnknown && view.SubscriptionID == "" {
		// Записи ещё нет: ключевой сигнал для клиента, что вебхук ещё
		// не записал результат checkout.
		resp.Reason = ReasonNoRow
	}
	metrics.EntitlementChecksTotal.WithLabelValues(string(view.EffectiveStatus)).Inc()
	render.JSON(w, r, resp)
}
