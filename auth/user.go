package auth

import (
	"time"

	"github.com/osmng/editcore/model"
)

// User is a registered OSM account: the principal a changeset or element
// edit is attributed to (§3.1 "user"), plus the credentials and role that
// drive the authentication oracle (§6.5).
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	Role         model.Role
	APIKeyHash   string
	Enabled      bool
	Locked       bool
	FailedLogins int

	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastLoginAt *time.Time
}

// CreateUserRequest is the input to Service.CreateUser.
type CreateUserRequest struct {
	Username string
	Email    string
	Password string
	Role     model.Role
}

// RefreshToken is a hashed, revocable refresh token for rotating access
// tokens without re-sending the password.
type RefreshToken struct {
	ID         string
	UserID     int64
	Token      string
	ExpiresAt  time.Time
	CreatedAt  time.Time
	LastUsedAt *time.Time
	Revoked    bool
}

// AuditLog is one authentication-relevant event: a login, a failed
// attempt, a password change. Kept deliberately flat — no semantic/JSON-LD
// envelope, since nothing downstream of this store consumes one.
type AuditLog struct {
	ID        string
	Timestamp time.Time
	UserID    int64
	Username  string
	Action    string
	Success   bool
	Message   string
}

// AuthResult is what a successful Login returns.
type AuthResult struct {
	User         *User
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// TokenPair is an access/refresh token pair.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}
