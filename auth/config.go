package auth

import (
	"time"

	"github.com/osmng/editcore/model"
)

// Config is the authentication service's tunables (§6.5's oracle needs
// a secret, an expiration, and a default role — everything else is
// policy carried over from the teacher's auth layer).
type Config struct {
	JWTSecret              string
	JWTExpiration          time.Duration
	RefreshTokenEnabled    bool
	RefreshTokenExpiration time.Duration

	PasswordMinLength     int
	PasswordRequireStrong bool

	MaxFailedAttempts int
	LockoutDuration   time.Duration

	DefaultRole  model.Role
	AuditEnabled bool
}

// DefaultConfig returns sane defaults for local/dev use; production
// deployments are expected to override JWTSecret.
func DefaultConfig() *Config {
	return &Config{
		JWTExpiration:          24 * time.Hour,
		RefreshTokenEnabled:    true,
		RefreshTokenExpiration: 7 * 24 * time.Hour,
		PasswordMinLength:      8,
		PasswordRequireStrong:  false,
		MaxFailedAttempts:      5,
		LockoutDuration:        30 * time.Minute,
		DefaultRole:            model.RoleUser,
		AuditEnabled:           true,
	}
}
