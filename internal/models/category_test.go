// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifold-dl/manifold/internal/models"
)

type categoryFixture struct {
	store     *models.CategoryStore
	backendID int
}

func newCategoryFixture(t *testing.T) *categoryFixture {
	t.Helper()

	db := newTestDB(t)
	backendStore, err := models.NewBackendStore(db, testEncryptionKey)
	require.NoError(t, err)

	created, err := backendStore.Create(context.Background(), &models.Backend{
		Name:       "seedbox",
		ClientType: models.ClientTypeQBittorrent,
		Host:       "localhost",
	}, "")
	require.NoError(t, err)

	return &categoryFixture{store: models.NewCategoryStore(db), backendID: created.ID}
}

func TestDefaultCategorySeeded(t *testing.T) {
	fx := newCategoryFixture(t)

	def, err := fx.store.GetByName(context.Background(), models.DefaultCategoryName)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultCategoryName, def.Name)
}

func TestCategoryCreateAndGet(t *testing.T) {
	fx := newCategoryFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.store.Create(ctx, &models.Category{
		Name:     "movies",
		SavePath: "/data/movies",
		Comment:  "feature films",
		Color:    "#ff0000",
		Priority: 2,
	}))

	got, err := fx.store.GetByName(ctx, "movies")
	require.NoError(t, err)
	assert.Equal(t, "/data/movies", got.SavePath)
	assert.Equal(t, "feature films", got.Comment)
	assert.Equal(t, "#ff0000", got.Color)
	assert.Equal(t, 2, got.Priority)
	assert.Empty(t, got.ExternalIDs)

	_, err = fx.store.GetByName(ctx, "missing")
	assert.True(t, errors.Is(err, models.ErrCategoryNotFound))

	assert.Error(t, fx.store.Create(ctx, &models.Category{Name: ""}))
	assert.Error(t, fx.store.Create(ctx, &models.Category{Name: "movies"}), "duplicate names rejected")
}

func TestCategoryExternalIDLinking(t *testing.T) {
	fx := newCategoryFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.store.Create(ctx, &models.Category{Name: "movies"}))
	require.NoError(t, fx.store.LinkExternalID(ctx, "movies", fx.backendID, "movies-native"))

	got, err := fx.store.GetByExternalID(ctx, fx.backendID, "movies-native")
	require.NoError(t, err)
	assert.Equal(t, "movies", got.Name)

	// Relinking the same external id to another category releases the old link.
	require.NoError(t, fx.store.Create(ctx, &models.Category{Name: "films"}))
	require.NoError(t, fx.store.LinkExternalID(ctx, "films", fx.backendID, "movies-native"))

	got, err = fx.store.GetByExternalID(ctx, fx.backendID, "movies-native")
	require.NoError(t, err)
	assert.Equal(t, "films", got.Name)

	movies, err := fx.store.GetByName(ctx, "movies")
	require.NoError(t, err)
	assert.Empty(t, movies.ExternalIDs)
}

func TestCategoryImportIsTransactional(t *testing.T) {
	fx := newCategoryFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.store.Import(ctx, &models.Category{
		Name:     "books",
		SavePath: "/data/books",
	}, fx.backendID, "books-native"))

	got, err := fx.store.GetByName(ctx, "books")
	require.NoError(t, err)
	assert.Equal(t, "books-native", got.ExternalIDs[fx.backendID])

	// Re-importing an existing category keeps local attributes and just
	// refreshes the link.
	require.NoError(t, fx.store.Import(ctx, &models.Category{
		Name:     "books",
		SavePath: "/elsewhere",
	}, fx.backendID, "books-v2"))

	got, err = fx.store.GetByName(ctx, "books")
	require.NoError(t, err)
	assert.Equal(t, "/data/books", got.SavePath)
	assert.Equal(t, "books-v2", got.ExternalIDs[fx.backendID])
}

func TestCategoryDelete(t *testing.T) {
	fx := newCategoryFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.store.Create(ctx, &models.Category{Name: "movies"}))
	require.NoError(t, fx.store.LinkExternalID(ctx, "movies", fx.backendID, "m"))

	require.NoError(t, fx.store.Delete(ctx, "movies"))
	_, err := fx.store.GetByName(ctx, "movies")
	assert.True(t, errors.Is(err, models.ErrCategoryNotFound))

	// Links go with the category.
	_, err = fx.store.GetByExternalID(ctx, fx.backendID, "m")
	assert.True(t, errors.Is(err, models.ErrCategoryNotFound))

	assert.Error(t, fx.store.Delete(ctx, models.DefaultCategoryName))
	assert.True(t, errors.Is(fx.store.Delete(ctx, "missing"), models.ErrCategoryNotFound))
}

func TestCategoryUnlinkBackend(t *testing.T) {
	fx := newCategoryFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.store.Create(ctx, &models.Category{Name: "movies"}))
	require.NoError(t, fx.store.LinkExternalID(ctx, "movies", fx.backendID, "m"))

	require.NoError(t, fx.store.UnlinkBackend(ctx, fx.backendID))

	got, err := fx.store.GetByName(ctx, "movies")
	require.NoError(t, err)
	assert.Empty(t, got.ExternalIDs)
}

func TestCategorySnapshotLoadsLinks(t *testing.T) {
	fx := newCategoryFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.store.Create(ctx, &models.Category{Name: "movies"}))
	require.NoError(t, fx.store.Create(ctx, &models.Category{Name: "books"}))
	require.NoError(t, fx.store.LinkExternalID(ctx, "movies", fx.backendID, "m"))

	snapshot, err := fx.store.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot, 3)

	byName := make(map[string]*models.Category)
	for _, c := range snapshot {
		byName[c.Name] = c
	}
	assert.Equal(t, "m", byName["movies"].ExternalIDs[fx.backendID])
	assert.Empty(t, byName["books"].ExternalIDs)
}

func TestValidateAllPaths(t *testing.T) {
	fx := newCategoryFixture(t)
	ctx := context.Background()

	dir := t.TempDir()
	file := filepath.Join(dir, "afile")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	require.NoError(t, fx.store.Create(ctx, &models.Category{Name: "good", SavePath: dir}))
	require.NoError(t, fx.store.Create(ctx, &models.Category{Name: "missing", SavePath: filepath.Join(dir, "nope")}))
	require.NoError(t, fx.store.Create(ctx, &models.Category{Name: "notdir", SavePath: file}))
	require.NoError(t, fx.store.Create(ctx, &models.Category{Name: "unset"}))

	issues, err := fx.store.ValidateAllPaths(ctx)
	require.NoError(t, err)
	require.Len(t, issues, 2)

	byCategory := make(map[string]models.PathIssue)
	for _, issue := range issues {
		byCategory[issue.Category] = issue
	}
	assert.Equal(t, "path does not exist", byCategory["missing"].Reason)
	assert.Equal(t, "path is not a directory", byCategory["notdir"].Reason)
}
