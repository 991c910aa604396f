package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPassword_ValidateRoundTrip(t *testing.T) {
	hash, err := HashPassword("hunter22")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter22", hash)
	assert.NoError(t, ValidatePassword("hunter22", hash))
	assert.Error(t, ValidatePassword("wrongpass", hash))
}

func TestHashPassword_RejectsEmpty(t *testing.T) {
	_, err := HashPassword("")
	assert.ErrorIs(t, err, ErrEmptyPassword)
}

func TestCheckPasswordStrength_LengthOnly(t *testing.T) {
	assert.ErrorIs(t, CheckPasswordStrength("", false), ErrEmptyPassword)
	assert.ErrorIs(t, CheckPasswordStrength("short", false), ErrPasswordTooShort)
	assert.NoError(t, CheckPasswordStrength("longenough", false))
}

func TestCheckPasswordStrength_RequireStrong(t *testing.T) {
	assert.ErrorIs(t, CheckPasswordStrength("alllowercase", true), ErrWeakPassword)
	assert.NoError(t, CheckPasswordStrength("Str0ng!Pass", true))
}

func TestValidateUsername(t *testing.T) {
	assert.NoError(t, ValidateUsername("mapper_01"))
	assert.ErrorIs(t, ValidateUsername(""), ErrInvalidUsername)
	assert.ErrorIs(t, ValidateUsername("ab"), ErrInvalidUsername, "below minimum length")
	assert.ErrorIs(t, ValidateUsername("has space"), ErrInvalidUsername)
}

func TestValidateEmail(t *testing.T) {
	assert.NoError(t, ValidateEmail(""), "email is optional")
	assert.NoError(t, ValidateEmail("user@example.com"))
	assert.ErrorIs(t, ValidateEmail("not-an-email"), ErrInvalidEmail)
}
