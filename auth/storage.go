package auth

// UserStore persists users, refresh tokens, and authentication audit
// events. A Postgres-backed implementation sits behind this interface in
// production; tests use an in-memory one.
type UserStore interface {
	CreateUser(user *User) error
	GetUser(id int64) (*User, error)
	GetUserByUsername(username string) (*User, error)
	GetUserByEmail(email string) (*User, error)
	GetUserByAPIKeyHash(hash string) (*User, error)
	UpdateUser(user *User) error
	RecordLoginAttempt(username string, success bool) error

	SaveRefreshToken(token *RefreshToken) error
	GetRefreshTokensByUserID(userID int64) ([]*RefreshToken, error)
	RevokeRefreshToken(id string) error

	SaveAuditLog(log *AuditLog) error
}
