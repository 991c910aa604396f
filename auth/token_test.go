package auth

import (
	"testing"
	"time"

	"github.com/osmng/editcore/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenService_GenerateAndValidateRoundTrip(t *testing.T) {
	svc := NewTokenService("test-secret", time.Hour, 7*24*time.Hour)
	user := &User{ID: 42, Role: model.RoleModerator}

	token, err := svc.GenerateToken(user)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.UserID)
	assert.Equal(t, model.RoleModerator, claims.Role)
}

func TestTokenService_ExpiredTokenRejected(t *testing.T) {
	svc := NewTokenService("test-secret", -time.Hour, time.Hour)
	user := &User{ID: 1, Role: model.RoleUser}

	token, err := svc.GenerateToken(user)
	require.NoError(t, err)

	// jwt.ParseWithClaims rejects an expired exp claim itself, so the
	// caller sees the generic parse failure rather than ErrExpiredToken.
	_, err = svc.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenService_WrongSecretRejected(t *testing.T) {
	issuer := NewTokenService("secret-a", time.Hour, time.Hour)
	verifier := NewTokenService("secret-b", time.Hour, time.Hour)
	user := &User{ID: 1, Role: model.RoleUser}

	token, err := issuer.GenerateToken(user)
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenService_MalformedTokenRejected(t *testing.T) {
	svc := NewTokenService("secret", time.Hour, time.Hour)
	_, err := svc.ValidateToken("not.a.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenService_GenerateTokenPair(t *testing.T) {
	svc := NewTokenService("secret", time.Hour, time.Hour)
	user := &User{ID: 7, Role: model.RoleUser}

	pair, err := svc.GenerateTokenPair(user)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.NotEqual(t, pair.AccessToken, pair.RefreshToken)
}

func TestHashRefreshToken_ValidateRoundTrip(t *testing.T) {
	hash, err := HashRefreshToken("some-refresh-token")
	require.NoError(t, err)
	assert.NoError(t, ValidateRefreshToken("some-refresh-token", hash))
	assert.Error(t, ValidateRefreshToken("wrong-token", hash))
}
