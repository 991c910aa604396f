//go:build integration

package auth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/osmng/editcore/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupPostgresContainer(t *testing.T) *gorm.DB {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=testuser password=testpass dbname=testdb sslmode=disable", host, port.Port())
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	store := NewGormUserStore(gdb)
	require.NoError(t, store.Migrate())
	return gdb
}

func TestGormUserStore_CreateAndGet(t *testing.T) {
	gdb := setupPostgresContainer(t)
	store := NewGormUserStore(gdb)

	now := time.Now().UTC()
	u := &User{Username: "mapper", Email: "mapper@example.com", PasswordHash: "hashed", Role: model.RoleUser, Enabled: true, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateUser(u))
	require.NotZero(t, u.ID)

	got, err := store.GetUser(u.ID)
	require.NoError(t, err)
	assert.Equal(t, "mapper", got.Username)

	byName, err := store.GetUserByUsername("mapper")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byName.ID)
}

func TestGormUserStore_GetUser_NotFound(t *testing.T) {
	gdb := setupPostgresContainer(t)
	store := NewGormUserStore(gdb)

	_, err := store.GetUser(999999)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestGormUserStore_UpdateUser_PersistsAPIKey(t *testing.T) {
	gdb := setupPostgresContainer(t)
	store := NewGormUserStore(gdb)
	now := time.Now().UTC()

	u := &User{Username: "keyholder", Email: "k@example.com", PasswordHash: "hashed", Role: model.RoleUser, Enabled: true, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateUser(u))

	u.APIKeyHash = "deadbeef"
	require.NoError(t, store.UpdateUser(u))

	got, err := store.GetUserByAPIKeyHash("deadbeef")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
}

func TestGormUserStore_RecordLoginAttempt(t *testing.T) {
	gdb := setupPostgresContainer(t)
	store := NewGormUserStore(gdb)
	now := time.Now().UTC()

	u := &User{Username: "flaky", Email: "flaky@example.com", PasswordHash: "hashed", Role: model.RoleUser, Enabled: true, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateUser(u))

	require.NoError(t, store.RecordLoginAttempt("flaky", false))
	require.NoError(t, store.RecordLoginAttempt("flaky", false))
	got, err := store.GetUser(u.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.FailedLogins)

	require.NoError(t, store.RecordLoginAttempt("flaky", true))
	got, err = store.GetUser(u.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.FailedLogins)
	assert.NotNil(t, got.LastLoginAt)
}

func TestGormUserStore_RefreshTokenLifecycle(t *testing.T) {
	gdb := setupPostgresContainer(t)
	store := NewGormUserStore(gdb)
	now := time.Now().UTC()

	u := &User{Username: "refresher", Email: "r@example.com", PasswordHash: "hashed", Role: model.RoleUser, Enabled: true, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateUser(u))

	tok := &RefreshToken{ID: "tok-1", UserID: u.ID, Token: "hashed-token", ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	require.NoError(t, store.SaveRefreshToken(tok))

	tokens, err := store.GetRefreshTokensByUserID(u.ID)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.False(t, tokens[0].Revoked)

	require.NoError(t, store.RevokeRefreshToken("tok-1"))
	tokens, err = store.GetRefreshTokensByUserID(u.ID)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.True(t, tokens[0].Revoked)
}

func TestGormUserStore_SaveAuditLog(t *testing.T) {
	gdb := setupPostgresContainer(t)
	store := NewGormUserStore(gdb)

	err := store.SaveAuditLog(&AuditLog{ID: "log-1", Timestamp: time.Now().UTC(), UserID: 1, Username: "mapper", Action: "login", Success: true})
	require.NoError(t, err)
}
