package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/osmng/editcore/auth"
	"github.com/osmng/editcore/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memUserStore struct {
	byID  map[int64]*auth.User
	byKey map[string]*auth.User
	next  int64
}

func newMemUserStore() *memUserStore {
	return &memUserStore{byID: map[int64]*auth.User{}, byKey: map[string]*auth.User{}}
}

func (s *memUserStore) CreateUser(u *auth.User) error {
	s.next++
	u.ID = s.next
	s.byID[u.ID] = u
	return nil
}
func (s *memUserStore) GetUser(id int64) (*auth.User, error) {
	if u, ok := s.byID[id]; ok {
		return u, nil
	}
	return nil, auth.ErrUserNotFound
}
func (s *memUserStore) GetUserByUsername(username string) (*auth.User, error) {
	for _, u := range s.byID {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, auth.ErrUserNotFound
}
func (s *memUserStore) GetUserByEmail(email string) (*auth.User, error) {
	return nil, auth.ErrUserNotFound
}
func (s *memUserStore) GetUserByAPIKeyHash(hash string) (*auth.User, error) {
	if u, ok := s.byKey[hash]; ok {
		return u, nil
	}
	return nil, auth.ErrUserNotFound
}
func (s *memUserStore) UpdateUser(u *auth.User) error {
	s.byID[u.ID] = u
	if u.APIKeyHash != "" {
		s.byKey[u.APIKeyHash] = u
	}
	return nil
}
func (s *memUserStore) RecordLoginAttempt(username string, success bool) error { return nil }
func (s *memUserStore) SaveRefreshToken(t *auth.RefreshToken) error            { return nil }
func (s *memUserStore) GetRefreshTokensByUserID(userID int64) ([]*auth.RefreshToken, error) {
	return nil, nil
}
func (s *memUserStore) RevokeRefreshToken(id string) error    { return nil }
func (s *memUserStore) SaveAuditLog(log *auth.AuditLog) error { return nil }

func TestAuthenticateMiddlewareAPIKey(t *testing.T) {
	store := newMemUserStore()
	svc := auth.New(nil, store)

	user, err := svc.CreateUser(auth.CreateUserRequest{Username: "mapper", Password: "hunter22", Role: model.RoleUser})
	require.NoError(t, err)

	key, err := svc.IssueAPIKey(user.ID)
	require.NoError(t, err)

	e := echo.New()
	e.Use(Authenticate(svc))
	e.GET("/whoami", func(c echo.Context) error {
		p, _ := GetPrincipal(c)
		return c.String(http.StatusOK, string(p.Role))
	})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("X-API-Key", key)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthenticateMiddlewareRejectsMissingCredential(t *testing.T) {
	store := newMemUserStore()
	svc := auth.New(nil, store)

	e := echo.New()
	e.Use(Authenticate(svc))
	e.GET("/whoami", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticateMiddlewareBearerToken(t *testing.T) {
	store := newMemUserStore()
	svc := auth.New(nil, store)

	_, err := svc.CreateUser(auth.CreateUserRequest{Username: "bearer-mapper", Password: "hunter22", Role: model.RoleModerator})
	require.NoError(t, err)
	result, err := svc.Login("bearer-mapper", "hunter22")
	require.NoError(t, err)

	e := echo.New()
	e.Use(Authenticate(svc))
	e.GET("/whoami", func(c echo.Context) error {
		p, _ := GetPrincipal(c)
		return c.String(http.StatusOK, string(p.Role))
	})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+result.AccessToken)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(model.RoleModerator), rec.Body.String())
}

func TestRequireRole_AllowsMatchingRole(t *testing.T) {
	e := echo.New()
	e.GET("/admin", func(c echo.Context) error {
		SetPrincipal(c, Principal{UserID: 1, Role: model.RoleModerator})
		return c.NoContent(http.StatusOK)
	}, RequireRole(model.RoleModerator, model.RoleAdmin))

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireRole_RejectsOtherRole(t *testing.T) {
	e := echo.New()
	e.GET("/admin", func(c echo.Context) error {
		SetPrincipal(c, Principal{UserID: 1, Role: model.RoleUser})
		return c.NoContent(http.StatusOK)
	}, RequireRole(model.RoleModerator, model.RoleAdmin))

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireRole_RejectsUnauthenticated(t *testing.T) {
	e := echo.New()
	e.GET("/admin", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, RequireRole(model.RoleAdmin))

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
