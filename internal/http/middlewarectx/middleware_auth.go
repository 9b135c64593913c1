// Package middlewarectx содержит HTTP middleware: проверку bearer-токена
// identity-провайдера с укладкой аккаунта в контекст запроса и
// ограничение частоты запросов.
package middlewarectx

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/dayssupplyrx/entitlement-service/internal/http/response"
	"github.com/dayssupplyrx/entitlement-service/internal/lib/identity"
	"github.com/dayssupplyrx/entitlement-service/internal/lib/sl"
)

// Key тип для ключей контекста HTTP-запроса.
type Key string

const (
	// AccountID — ключ для идентификатора аккаунта в контексте
	AccountID Key = "account_id"
	// Email — ключ для email аккаунта в контексте
	Email Key = "email"
)

// TokenValidator описывает проверку access-токена провайдера.
type TokenValidator interface {
	ParseToken(tokenStr string) (*identity.Claims, error)
}

// AuthMiddleware возвращает middleware, которое проверяет bearer-токен
// в заголовке Authorization и кладёт идентификатор аккаунта в контекст.
//
// При disabled=true (kill-switch для dev/demo сборок) запросы без
// токена пропускаются с фиктивным аккаунтом — гейтинг выключен целиком.
func AuthMiddleware(validator TokenValidator, disabled bool, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const op = "middlewarectx.AuthMiddleware"

			log := log.With(
				slog.String("op", op),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				if disabled {
					ctx := context.WithValue(r.Context(), AccountID, "dev-account")
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				log.Error("missing or invalid authorization header")
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, response.Error("missing or invalid authorization header"))
				return
			}
			tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

			claims, err := validator.ParseToken(tokenStr)
			if err != nil {
				log.Error("invalid or expired token", sl.Err(err))
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, response.Error("invalid or expired token"))
				return
			}
			ctx := context.WithValue(r.Context(), AccountID, claims.Subject)
			ctx = context.WithValue(ctx, Email, claims.Email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
