package auth

import (
	"errors"
	"time"

	"github.com/osmng/editcore/model"
	"gorm.io/gorm"
)

// userRow is the GORM-mapped storage row for one user account, following
// the same plain-column convention as changeset.Row/element.Row rather
// than the teacher's JSON-LD document shape.
type userRow struct {
	ID           int64 `gorm:"column:id;primaryKey;autoIncrement"`
	Username     string `gorm:"column:username;not null;uniqueIndex"`
	Email        string `gorm:"column:email;not null;uniqueIndex"`
	PasswordHash string `gorm:"column:password_hash;not null"`
	Role         string `gorm:"column:role;not null"`
	APIKeyHash   string `gorm:"column:api_key_hash;index"`
	Enabled      bool   `gorm:"column:enabled;not null;default:true"`
	Locked       bool   `gorm:"column:locked;not null;default:false"`
	FailedLogins int    `gorm:"column:failed_logins;not null;default:0"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;not null"`
	LastLoginAt  *time.Time `gorm:"column:last_login_at"`
}

func (userRow) TableName() string { return "users" }

type refreshTokenRow struct {
	ID         string    `gorm:"column:id;primaryKey"`
	UserID     int64     `gorm:"column:user_id;not null;index"`
	Token      string    `gorm:"column:token;not null"`
	ExpiresAt  time.Time `gorm:"column:expires_at;not null;index"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
	LastUsedAt *time.Time `gorm:"column:last_used_at"`
	Revoked    bool      `gorm:"column:revoked;not null;default:false"`
}

func (refreshTokenRow) TableName() string { return "refresh_tokens" }

type auditLogRow struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Timestamp time.Time `gorm:"column:timestamp;not null;index"`
	UserID    int64     `gorm:"column:user_id;index"`
	Username  string    `gorm:"column:username"`
	Action    string    `gorm:"column:action;not null"`
	Success   bool      `gorm:"column:success;not null"`
	Message   string    `gorm:"column:message"`
}

func (auditLogRow) TableName() string { return "auth_audit_log" }

// GormUserStore is the Postgres-backed UserStore used in production,
// mirroring the teacher's GORM persistence idiom (db/poolparty.go,
// db/basex.go) rather than the teacher's CouchDB document store.
type GormUserStore struct {
	db *gorm.DB
}

// NewGormUserStore wraps an open GORM connection as a UserStore.
func NewGormUserStore(db *gorm.DB) *GormUserStore {
	return &GormUserStore{db: db}
}

// Migrate creates/updates the auth tables. Called once at startup
// alongside element.Migrate/changeset.Migrate.
func (s *GormUserStore) Migrate() error {
	return s.db.AutoMigrate(&userRow{}, &refreshTokenRow{}, &auditLogRow{})
}

func toUserRow(u *User) userRow {
	return userRow{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		APIKeyHash:   u.APIKeyHash,
		Enabled:      u.Enabled,
		Locked:       u.Locked,
		FailedLogins: u.FailedLogins,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
		LastLoginAt:  u.LastLoginAt,
	}
}

func fromUserRow(r userRow) *User {
	return &User{
		ID:           r.ID,
		Username:     r.Username,
		Email:        r.Email,
		PasswordHash: r.PasswordHash,
		Role:         model.Role(r.Role),
		APIKeyHash:   r.APIKeyHash,
		Enabled:      r.Enabled,
		Locked:       r.Locked,
		FailedLogins: r.FailedLogins,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		LastLoginAt:  r.LastLoginAt,
	}
}

func (s *GormUserStore) CreateUser(u *User) error {
	row := toUserRow(u)
	if err := s.db.Create(&row).Error; err != nil {
		return err
	}
	u.ID = row.ID
	return nil
}

func (s *GormUserStore) GetUser(id int64) (*User, error) {
	var row userRow
	if err := s.db.First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return fromUserRow(row), nil
}

func (s *GormUserStore) GetUserByUsername(username string) (*User, error) {
	var row userRow
	if err := s.db.First(&row, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return fromUserRow(row), nil
}

func (s *GormUserStore) GetUserByEmail(email string) (*User, error) {
	var row userRow
	if err := s.db.First(&row, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return fromUserRow(row), nil
}

func (s *GormUserStore) GetUserByAPIKeyHash(hash string) (*User, error) {
	var row userRow
	if err := s.db.First(&row, "api_key_hash = ?", hash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return fromUserRow(row), nil
}

func (s *GormUserStore) UpdateUser(u *User) error {
	row := toUserRow(u)
	return s.db.Model(&userRow{}).Where("id = ?", u.ID).Updates(&row).Error
}

func (s *GormUserStore) RecordLoginAttempt(username string, success bool) error {
	if success {
		return s.db.Model(&userRow{}).Where("username = ?", username).
			Updates(map[string]any{"failed_logins": 0, "last_login_at": time.Now()}).Error
	}
	return s.db.Model(&userRow{}).Where("username = ?", username).
		Update("failed_logins", gorm.Expr("failed_logins + 1")).Error
}

func (s *GormUserStore) SaveRefreshToken(t *RefreshToken) error {
	return s.db.Create(&refreshTokenRow{
		ID: t.ID, UserID: t.UserID, Token: t.Token, ExpiresAt: t.ExpiresAt,
		CreatedAt: t.CreatedAt, LastUsedAt: t.LastUsedAt, Revoked: t.Revoked,
	}).Error
}

func (s *GormUserStore) GetRefreshTokensByUserID(userID int64) ([]*RefreshToken, error) {
	var rows []refreshTokenRow
	if err := s.db.Find(&rows, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	out := make([]*RefreshToken, len(rows))
	for i, r := range rows {
		out[i] = &RefreshToken{
			ID: r.ID, UserID: r.UserID, Token: r.Token, ExpiresAt: r.ExpiresAt,
			CreatedAt: r.CreatedAt, LastUsedAt: r.LastUsedAt, Revoked: r.Revoked,
		}
	}
	return out, nil
}

func (s *GormUserStore) RevokeRefreshToken(id string) error {
	return s.db.Model(&refreshTokenRow{}).Where("id = ?", id).Update("revoked", true).Error
}

func (s *GormUserStore) SaveAuditLog(log *AuditLog) error {
	return s.db.Create(&auditLogRow{
		ID: log.ID, Timestamp: log.Timestamp, UserID: log.UserID, Username: log.Username,
		Action: log.Action, Success: log.Success, Message: log.Message,
	}).Error
}
