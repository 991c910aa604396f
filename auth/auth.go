// Package auth implements the authentication oracle required by §6.5:
// given a request credential (bearer token or API key), answer with
// (user_id, role). It also covers the login/registration flow that
// issues those credentials in the first place.
package auth

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/osmng/editcore/model"
)

// Service is the authentication oracle plus user/credential management.
type Service struct {
	config       *Config
	store        UserStore
	tokenService *TokenService
}

// New constructs a Service. config may be nil for DefaultConfig.
func New(config *Config, store UserStore) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	return &Service{
		config:       config,
		store:        store,
		tokenService: NewTokenService(config.JWTSecret, config.JWTExpiration, config.RefreshTokenExpiration),
	}
}

// Login authenticates a username/password pair and issues tokens.
func (s *Service) Login(username, password string) (*AuthResult, error) {
	user, err := s.store.GetUserByUsername(username)
	if err != nil {
		s.audit("login_failed", username, 0, false, "user not found")
		return nil, ErrInvalidCredentials
	}

	if user.Locked {
		s.audit("login_failed", username, user.ID, false, "account locked")
		return nil, ErrAccountLocked
	}
	if !user.Enabled {
		s.audit("login_failed", username, user.ID, false, "account disabled")
		return nil, ErrAccountDisabled
	}

	if err := ValidatePassword(password, user.PasswordHash); err != nil {
		s.store.RecordLoginAttempt(username, false)
		s.audit("login_failed", username, user.ID, false, "invalid password")
		return nil, ErrInvalidCredentials
	}
	s.store.RecordLoginAttempt(username, true)

	var result *AuthResult
	if s.config.RefreshTokenEnabled {
		pair, err := s.GenerateTokenPair(user)
		if err != nil {
			return nil, fmt.Errorf("failed to generate tokens: %w", err)
		}
		result = &AuthResult{User: user, AccessToken: pair.AccessToken, RefreshToken: pair.RefreshToken, ExpiresAt: pair.ExpiresAt}
	} else {
		token, err := s.tokenService.GenerateToken(user)
		if err != nil {
			return nil, fmt.Errorf("failed to generate token: %w", err)
		}
		result = &AuthResult{User: user, AccessToken: token, ExpiresAt: time.Now().Add(s.config.JWTExpiration)}
	}

	now := time.Now()
	user.LastLoginAt = &now
	user.UpdatedAt = now
	s.store.UpdateUser(user)

	s.audit("login", username, user.ID, true, "")
	return result, nil
}

// GenerateTokenPair issues an access/refresh pair and persists the
// refresh token's hash.
func (s *Service) GenerateTokenPair(user *User) (*TokenPair, error) {
	pair, err := s.tokenService.GenerateTokenPair(user)
	if err != nil {
		return nil, err
	}

	hashed, err := HashRefreshToken(pair.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to hash refresh token: %w", err)
	}

	if err := s.store.SaveRefreshToken(&RefreshToken{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		Token:     hashed,
		ExpiresAt: time.Now().Add(s.config.RefreshTokenExpiration),
		CreatedAt: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("failed to save refresh token: %w", err)
	}
	return pair, nil
}

// Authenticate is the §6.5 oracle entry point: it resolves a bearer JWT
// or a raw API key to (user_id, role). Bearer tokens are tried first
// since they carry the role inline and need no store lookup.
func (s *Service) Authenticate(bearerToken, apiKey string) (int64, model.Role, error) {
	if bearerToken != "" {
		claims, err := s.tokenService.ValidateToken(bearerToken)
		if err != nil {
			return 0, "", err
		}
		return claims.UserID, claims.Role, nil
	}

	if apiKey == "" {
		return 0, "", ErrMissingAPIKey
	}
	hash, err := HashAPIKey(apiKey)
	if err != nil {
		return 0, "", err
	}
	user, err := s.store.GetUserByAPIKeyHash(hash)
	if err != nil {
		return 0, "", ErrInvalidCredentials
	}
	if !user.Enabled || user.Locked {
		return 0, "", ErrAccountDisabled
	}
	return user.ID, user.Role, nil
}

// ChangePassword changes a user's password after verifying the current one.
func (s *Service) ChangePassword(userID int64, currentPassword, newPassword string) error {
	user, err := s.store.GetUser(userID)
	if err != nil {
		return err
	}
	if err := ValidatePassword(currentPassword, user.PasswordHash); err != nil {
		s.audit("change_password_failed", user.Username, userID, false, "invalid current password")
		return ErrInvalidCredentials
	}
	if err := CheckPasswordStrength(newPassword, s.config.PasswordRequireStrong); err != nil {
		return err
	}
	hashed, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	user.PasswordHash = hashed
	user.UpdatedAt = time.Now()
	if err := s.store.UpdateUser(user); err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	s.audit("change_password", user.Username, userID, true, "")
	return nil
}

// CreateUser registers a new account with req.Role, or with the service's
// default role when req.Role is empty.
func (s *Service) CreateUser(req CreateUserRequest) (*User, error) {
	if err := ValidateUsername(req.Username); err != nil {
		return nil, err
	}
	if err := ValidateEmail(req.Email); err != nil {
		return nil, err
	}
	if err := CheckPasswordStrength(req.Password, s.config.PasswordRequireStrong); err != nil {
		return nil, err
	}
	if _, err := s.store.GetUserByUsername(req.Username); err == nil {
		return nil, ErrUserExists
	}

	hashed, err := HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	role := req.Role
	if role == "" {
		role = s.config.DefaultRole
	}

	now := time.Now()
	user := &User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hashed,
		Role:         role,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	s.audit("create_user", req.Username, user.ID, true, "")
	return user, nil
}

// IssueAPIKey generates and persists a new API key for user, returning
// the plaintext key (only ever returned once — only its hash is stored).
func (s *Service) IssueAPIKey(userID int64) (string, error) {
	user, err := s.store.GetUser(userID)
	if err != nil {
		return "", err
	}
	key, hash, err := NewAPIKey()
	if err != nil {
		return "", err
	}
	user.APIKeyHash = hash
	user.UpdatedAt = time.Now()
	if err := s.store.UpdateUser(user); err != nil {
		return "", err
	}
	return key, nil
}

func (s *Service) audit(action, username string, userID int64, success bool, message string) {
	if !s.config.AuditEnabled {
		return
	}
	s.store.SaveAuditLog(&AuditLog{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		UserID:    userID,
		Username:  username,
		Action:    action,
		Success:   success,
		Message:   message,
	})
}
