// Package identity проверяет access-токены внешнего identity-провайдера.
// Провайдер (magic-link вход, сессии) для нас непрозрачен: мы только
// валидируем подпись HS256 его токенов общим секретом и достаём из
// claims идентификатор аккаунта.
package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims данные access-токена провайдера, которые использует сервис.
type Claims struct {
	Email                string `json:"email,omitempty"`
	jwt.RegisteredClaims        // Subject — идентификатор аккаунта
}

// Validator проверяет токены провайдера.
type Validator struct {
	secretKey string
	audience  string
}

// NewValidator создаёт валидатор с секретом и ожидаемой аудиторией.
func NewValidator(secretKey, audience string) *Validator {
	return &Validator{
		secretKey: secretKey,
		audience:  audience,
	}
}

// ParseToken проверяет подпись и срок токена и возвращает claims.
func (v *Validator) ParseToken(tokenStr string) (*Claims, error) {
	const op = "identity.ParseToken"

	parser := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		parser = append(parser, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(_ *jwt.Token) (any, error) {
		return []byte(v.secretKey), nil
	}, parser...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%s: invalid token", op)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%s: token has no subject", op)
	}
	return claims, nil
}

// GenerateToken выпускает токен в формате провайдера. Используется в
// тестах и dev-окружении, боевые токены выпускает сам провайдер.
func (v *Validator) GenerateToken(accountID, email string, ttl time.Duration) (string, error) {
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			Audience:  jwt.ClaimStrings{v.audience},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(v.secretKey))
}
