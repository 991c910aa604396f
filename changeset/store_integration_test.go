//go:build integration

package changeset

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

// setupPostgresContainer starts a PostgreSQL container for testing,
// following db/postgres_integration_test.go's setup.
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
	require.NoError(t, Migrate(gdb))
	return gdb
}

func TestStore_CreateAndGet(t *testing.T) {
	gdb := setupPostgresContainer(t)
	store := New(gdb)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	c, err := store.Create(ctx, 1, map[string]string{"created_by": "test"}, now)
	require.NoError(t, err)
	require.NotZero(t, c.ID)
	assert.True(t, c.IsOpen())

	got, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c.UserID, got.UserID)
	assert.Equal(t, "test", got.Tags["created_by"])
}

func TestStore_Get_NotFoundReturnsNil(t *testing.T) {
	gdb := setupPostgresContainer(t)
	store := New(gdb)

	got, err := store.Get(context.Background(), 999999)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_UpdateTagsAndClose(t *testing.T) {
	gdb := setupPostgresContainer(t)
	store := New(gdb)
	ctx := context.Background()
	now := time.Now().UTC()

	c, err := store.Create(ctx, 1, nil, now)
	require.NoError(t, err)

	require.NoError(t, store.UpdateTags(ctx, c.ID, map[string]string{"comment": "test edit"}, now.Add(time.Second)))
	got, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "test edit", got.Tags["comment"])

	require.NoError(t, store.Close(ctx, c.ID, now.Add(2*time.Second)))
	got, err = store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, got.IsOpen())
}

func TestStore_TryIncreaseSize_RespectsCap(t *testing.T) {
	gdb := setupPostgresContainer(t)
	store := New(gdb)
	ctx := context.Background()
	now := time.Now().UTC()

	c, err := store.Create(ctx, 1, nil, now)
	require.NoError(t, err)

	updated, ok, err := store.TryIncreaseSize(ctx, c.ID, model.RoleUser, 5, 0, 0, now)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5, updated.Size)

	_, ok, err = store.TryIncreaseSize(ctx, c.ID, model.RoleUser, model.SizeCap(model.RoleUser), 0, 0, now)
	require.NoError(t, err)
	assert.False(t, ok, "a reservation that would exceed the cap must fail")
}

func TestStore_TryIncreaseSize_AutoClosesAtCap(t *testing.T) {
	gdb := setupPostgresContainer(t)
	store := New(gdb)
	ctx := context.Background()
	now := time.Now().UTC()

	c, err := store.Create(ctx, 1, nil, now)
	require.NoError(t, err)

	cap := model.SizeCap(model.RoleUser)
	updated, ok, err := store.TryIncreaseSize(ctx, c.ID, model.RoleUser, cap, 0, 0, now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotNil(t, updated.ClosedAt, "reaching the cap exactly must auto-close the changeset")
}

func TestStore_ApplyBoundsAccumulates(t *testing.T) {
	gdb := setupPostgresContainer(t)
	store := New(gdb)
	ctx := context.Background()
	now := time.Now().UTC()

	c, err := store.Create(ctx, 1, nil, now)
	require.NoError(t, err)

	require.NoError(t, store.ApplyBounds(ctx, c.ID, []model.Point{{Lon: 1, Lat: 1}, {Lon: 1.00001, Lat: 1.00001}}))

	got, err := store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, got.Bounds, 1)
}

func TestStore_CommentLifecycle(t *testing.T) {
	gdb := setupPostgresContainer(t)
	store := New(gdb)
	ctx := context.Background()
	now := time.Now().UTC()

	c, err := store.Create(ctx, 1, nil, now)
	require.NoError(t, err)

	comment, err := store.AddComment(ctx, c.ID, 2, "looks good", now)
	require.NoError(t, err)
	require.NotZero(t, comment.ID)

	comments, err := store.ListComments(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "looks good", comments[0].Body)

	require.NoError(t, store.DeleteComment(ctx, comment.ID))
	comments, err = store.ListComments(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, comments, "a hidden comment must not be listed")
}

func TestStore_Find_FiltersByUserAndOpenState(t *testing.T) {
	gdb := setupPostgresContainer(t)
	store := New(gdb)
	ctx := context.Background()
	now := time.Now().UTC()

	open, err := store.Create(ctx, 10, nil, now)
	require.NoError(t, err)
	closed, err := store.Create(ctx, 10, nil, now)
	require.NoError(t, err)
	require.NoError(t, store.Close(ctx, closed.ID, now))
	_, err = store.Create(ctx, 20, nil, now)
	require.NoError(t, err)

	userID := int64(10)
	isOpen := true
	results, err := store.Find(ctx, Filter{UserID: &userID, Open: &isOpen})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, open.ID, results[0].ID)
}

func TestStore_CountByUser(t *testing.T) {
	gdb := setupPostgresContainer(t)
	store := New(gdb)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.Create(ctx, 30, nil, now)
	require.NoError(t, err)
	_, err = store.Create(ctx, 30, nil, now)
	require.NoError(t, err)

	count, err := store.CountByUser(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
