//go:build integration

package optimistic

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/osmng/editcore/apierror"
	"github.com/osmng/editcore/applyengine"
	"github.com/osmng/editcore/changeset"
	"github.com/osmng/editcore/diffengine"
	"github.com/osmng/editcore/element"
	"github.com/osmng/editcore/model"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// setupPostgresContainer mirrors db/postgres_integration_test.go's setup,
// adapted to migrate the element/changeset schemas this suite exercises.
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
	require.NoError(t, element.Migrate(gdb))
	require.NoError(t, changeset.Migrate(gdb))
	return gdb
}

type harness struct {
	elements     *element.Store
	changesets   *changeset.Store
	orchestrator *Orchestrator
}

func newHarness(gdb *gorm.DB, now func() time.Time) *harness {
	elements := element.New(gdb)
	changesets := changeset.New(gdb)
	preparer := diffengine.New(elements, changesets, now)
	applier := applyengine.New(gdb, elements, changesets, now)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return &harness{
		elements:     elements,
		changesets:   changesets,
		orchestrator: New(preparer, applier, logger),
	}
}

func TestOrchestrator_CreateNodeEndToEnd(t *testing.T) {
	gdb := setupPostgresContainer(t)
	now := time.Now().UTC()
	h := newHarness(gdb, func() time.Time { return now })
	ctx := context.Background()

	cs, err := h.changesets.Create(ctx, 1, nil, now)
	require.NoError(t, err)

	actions := []diffengine.Action{{
		Kind: diffengine.ActionCreate,
		Element: model.Element{
			Ref:     model.ElementRef{Type: model.ElementTypeNode, ID: -1},
			Version: 0,
			Point:   &model.Point{Lon: 1, Lat: 2},
			Visible: true,
		},
	}}

	applied, err := h.orchestrator.Apply(ctx, cs.ID, 1, model.RoleUser, actions)
	require.NoError(t, err)
	require.Len(t, applied.Elements, 1)
	assert.Greater(t, applied.Elements[0].Ref.ID, int64(0), "a placeholder must resolve to a real positive id")
	assert.Equal(t, 1, applied.Elements[0].Version)

	updatedCS, err := h.changesets.Get(ctx, cs.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updatedCS.Size)
	assert.Equal(t, 1, updatedCS.NumCreate)
	assert.Len(t, updatedCS.Bounds, 1, "the create must accumulate into the changeset's bbox")
}

func TestOrchestrator_ModifyRequiresCorrectVersion(t *testing.T) {
	gdb := setupPostgresContainer(t)
	now := time.Now().UTC()
	h := newHarness(gdb, func() time.Time { return now })
	ctx := context.Background()

	cs, err := h.changesets.Create(ctx, 1, nil, now)
	require.NoError(t, err)

	createActions := []diffengine.Action{{
		Kind: diffengine.ActionCreate,
		Element: model.Element{
			Ref: model.ElementRef{Type: model.ElementTypeNode, ID: -1}, Point: &model.Point{Lon: 1, Lat: 1}, Visible: true,
		},
	}}
	applied, err := h.orchestrator.Apply(ctx, cs.ID, 1, model.RoleUser, createActions)
	require.NoError(t, err)
	realID := applied.Elements[0].Ref.ID

	t.Run("correct version succeeds", func(t *testing.T) {
		modify := []diffengine.Action{{
			Kind: diffengine.ActionModify,
			Element: model.Element{
				Ref: model.ElementRef{Type: model.ElementTypeNode, ID: realID}, Version: 2,
				Point: &model.Point{Lon: 9, Lat: 9}, Visible: true,
			},
		}}
		applied, err := h.orchestrator.Apply(ctx, cs.ID, 1, model.RoleUser, modify)
		require.NoError(t, err)
		assert.Equal(t, 2, applied.Elements[0].Version)
	})

	t.Run("stale version is rejected, not retried forever", func(t *testing.T) {
		modify := []diffengine.Action{{
			Kind: diffengine.ActionModify,
			Element: model.Element{
				Ref: model.ElementRef{Type: model.ElementTypeNode, ID: realID}, Version: 2,
				Point: &model.Point{Lon: 5, Lat: 5}, Visible: true,
			},
		}}
		_, err := h.orchestrator.Apply(ctx, cs.ID, 1, model.RoleUser, modify)
		require.Error(t, err)
		apiErr, ok := err.(*apierror.Error)
		require.True(t, ok)
		assert.Equal(t, apierror.KindVersionConflict, apiErr.Kind)
	})
}

func TestOrchestrator_DeleteStillReferencedWayMemberFails(t *testing.T) {
	gdb := setupPostgresContainer(t)
	now := time.Now().UTC()
	h := newHarness(gdb, func() time.Time { return now })
	ctx := context.Background()

	cs, err := h.changesets.Create(ctx, 1, nil, now)
	require.NoError(t, err)

	create := []diffengine.Action{
		{Kind: diffengine.ActionCreate, Element: model.Element{Ref: model.ElementRef{Type: model.ElementTypeNode, ID: -1}, Point: &model.Point{Lon: 1, Lat: 1}, Visible: true}},
		{Kind: diffengine.ActionCreate, Element: model.Element{Ref: model.ElementRef{Type: model.ElementTypeNode, ID: -2}, Point: &model.Point{Lon: 2, Lat: 2}, Visible: true}},
	}
	applied, err := h.orchestrator.Apply(ctx, cs.ID, 1, model.RoleUser, create)
	require.NoError(t, err)
	n1, n2 := applied.Elements[0].Ref, applied.Elements[1].Ref

	createWay := []diffengine.Action{{
		Kind: diffengine.ActionCreate,
		Element: model.Element{
			Ref: model.ElementRef{Type: model.ElementTypeWay, ID: -1}, Visible: true,
			Members: []model.ElementRef{n1, n2},
		},
	}}
	_, err = h.orchestrator.Apply(ctx, cs.ID, 1, model.RoleUser, createWay)
	require.NoError(t, err)

	deleteNode := []diffengine.Action{{
		Kind:    diffengine.ActionDelete,
		Element: model.Element{Ref: n1, Version: 2},
	}}
	_, err = h.orchestrator.Apply(ctx, cs.ID, 1, model.RoleUser, deleteNode)
	require.Error(t, err)
	apiErr, ok := err.(*apierror.Error)
	require.True(t, ok)
	assert.Equal(t, apierror.KindElementInUse, apiErr.Kind)
}

func TestOrchestrator_DeleteWithIfUnusedSilentlyDiscardsReferencedMember(t *testing.T) {
	gdb := setupPostgresContainer(t)
	now := time.Now().UTC()
	h := newHarness(gdb, func() time.Time { return now })
	ctx := context.Background()

	cs, err := h.changesets.Create(ctx, 1, nil, now)
	require.NoError(t, err)

	create := []diffengine.Action{
		{Kind: diffengine.ActionCreate, Element: model.Element{Ref: model.ElementRef{Type: model.ElementTypeNode, ID: -1}, Point: &model.Point{Lon: 1, Lat: 1}, Visible: true}},
		{Kind: diffengine.ActionCreate, Element: model.Element{Ref: model.ElementRef{Type: model.ElementTypeNode, ID: -2}, Point: &model.Point{Lon: 2, Lat: 2}, Visible: true}},
	}
	applied, err := h.orchestrator.Apply(ctx, cs.ID, 1, model.RoleUser, create)
	require.NoError(t, err)
	n1, n2 := applied.Elements[0].Ref, applied.Elements[1].Ref

	createWay := []diffengine.Action{{
		Kind:    diffengine.ActionCreate,
		Element: model.Element{Ref: model.ElementRef{Type: model.ElementTypeWay, ID: -1}, Visible: true, Members: []model.ElementRef{n1, n2}},
	}}
	_, err = h.orchestrator.Apply(ctx, cs.ID, 1, model.RoleUser, createWay)
	require.NoError(t, err)

	deleteNode := []diffengine.Action{{
		Kind:     diffengine.ActionDelete,
		IfUnused: true,
		Element:  model.Element{Ref: n1, Version: 2},
	}}
	applied, err = h.orchestrator.Apply(ctx, cs.ID, 1, model.RoleUser, deleteNode)
	require.NoError(t, err)
	assert.Empty(t, applied.Elements, "an if-unused delete on a still-referenced member is discarded, not applied")
}

func TestOrchestrator_ClosedChangesetRejectsWrites(t *testing.T) {
	gdb := setupPostgresContainer(t)
	now := time.Now().UTC()
	h := newHarness(gdb, func() time.Time { return now })
	ctx := context.Background()

	cs, err := h.changesets.Create(ctx, 1, nil, now)
	require.NoError(t, err)
	require.NoError(t, h.changesets.Close(ctx, cs.ID, now))

	actions := []diffengine.Action{{
		Kind:    diffengine.ActionCreate,
		Element: model.Element{Ref: model.ElementRef{Type: model.ElementTypeNode, ID: -1}, Point: &model.Point{Lon: 1, Lat: 1}, Visible: true},
	}}
	_, err = h.orchestrator.Apply(ctx, cs.ID, 1, model.RoleUser, actions)
	require.Error(t, err)
	apiErr, ok := err.(*apierror.Error)
	require.True(t, ok)
	assert.Equal(t, apierror.KindChangesetAlreadyClosed, apiErr.Kind)
}

func TestOrchestrator_WrongOwnerDenied(t *testing.T) {
	gdb := setupPostgresContainer(t)
	now := time.Now().UTC()
	h := newHarness(gdb, func() time.Time { return now })
	ctx := context.Background()

	cs, err := h.changesets.Create(ctx, 1, nil, now)
	require.NoError(t, err)

	actions := []diffengine.Action{{
		Kind:    diffengine.ActionCreate,
		Element: model.Element{Ref: model.ElementRef{Type: model.ElementTypeNode, ID: -1}, Point: &model.Point{Lon: 1, Lat: 1}, Visible: true},
	}}
	_, err = h.orchestrator.Apply(ctx, cs.ID, 2, model.RoleUser, actions)
	require.Error(t, err)
	apiErr, ok := err.(*apierror.Error)
	require.True(t, ok)
	assert.Equal(t, apierror.KindChangesetAccessDenied, apiErr.Kind)
}

func TestOrchestrator_EmptyActionsIsANoOp(t *testing.T) {
	gdb := setupPostgresContainer(t)
	now := time.Now().UTC()
	h := newHarness(gdb, func() time.Time { return now })

	applied, err := h.orchestrator.Apply(context.Background(), 1, 1, model.RoleUser, nil)
	require.NoError(t, err)
	assert.Empty(t, applied.Elements)
}
