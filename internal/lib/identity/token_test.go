package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_ParseToken(t *testing.T) {
	validator := NewValidator("test-secret", "authenticated")
	accountID := "11111111-1111-1111-1111-111111111111"

	t.Run("valid token round trip", func(t *testing.T) {
		token, err := validator.GenerateToken(accountID, "user@example.com", time.Hour)
		require.NoError(t, err)

		claims, err := validator.ParseToken(token)
		require.NoError(t, err)
		assert.Equal(t, accountID, claims.Subject)
		assert.Equal(t, "user@example.com", claims.Email)
	})

	t.Run("expired token rejected", func(t *testing.T) {
		token, err := validator.GenerateToken(accountID, "user@example.com", -time.Minute)
		require.NoError(t, err)

		_, err = validator.ParseToken(token)
		assert.Error(t, err)
	})

	t.Run("wrong secret rejected", func(t *testing.T) {
		other := NewValidator("other-secret", "authenticated")
		token, err := other.GenerateToken(accountID, "", time.Hour)
		require.NoError(t, err)

		_, err = validator.ParseToken(token)
		assert.Error(t, err)
	})

	t.Run("wrong audience rejected", func(t *testing.T) {
		other := NewValidator("test-secret", "service_role")
		token, err := other.GenerateToken(accountID, "", time.Hour)
		require.NoError(t, err)

		_, err = validator.ParseToken(token)
		assert.Error(t, err)
	})

	t.Run("token without subject rejected", func(t *testing.T) {
		token, err := validator.GenerateToken("", "user@example.com", time.Hour)
		require.NoError(t, err)

		_, err = validator.ParseToken(token)
		assert.Error(t, err)
	})

	t.Run("token without expiration rejected", func(t *testing.T) {
		claims := Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:  accountID,
				Audience: jwt.ClaimStrings{"authenticated"},
			},
		}
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
			SignedString([]byte("test-secret"))
		require.NoError(t, err)

		_, err = validator.ParseToken(token)
		assert.Error(t, err)
	})

	t.Run("unexpected signing method rejected", func(t *testing.T) {
		// alg=none не проходит список допустимых методов.
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   accountID,
				Audience:  jwt.ClaimStrings{"authenticated"},
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = validator.ParseToken(token)
		assert.Error(t, err)
	})
}
