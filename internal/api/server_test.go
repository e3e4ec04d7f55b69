// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifold-dl/manifold/internal/backend"
	"github.com/manifold-dl/manifold/internal/categories"
	"github.com/manifold-dl/manifold/internal/config"
	"github.com/manifold-dl/manifold/internal/database"
	"github.com/manifold-dl/manifold/internal/domain"
	"github.com/manifold-dl/manifold/internal/models"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	backendStore, err := models.NewBackendStore(db, []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	categoryStore := models.NewCategoryStore(db)

	pool := backend.NewPool(nil)
	t.Cleanup(func() { pool.Close(context.Background()) })

	return NewServer(&Dependencies{
		Config:        &config.AppConfig{Config: &domain.Config{BaseURL: "/"}},
		Version:       "test",
		BackendStore:  backendStore,
		ErrorStore:    models.NewBackendErrorStore(db),
		CategoryStore: categoryStore,
		Pool:          pool,
		Reconciler:    categories.NewReconciler(categoryStore, pool),
	})
}

func TestHandlerRoutes(t *testing.T) {
	router := newTestServer(t).Handler()

	routes := make(map[string]bool)
	err := chi.Walk(router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		routes[method+" "+strings.TrimSuffix(route, "/")] = true
		return nil
	})
	require.NoError(t, err)

	expected := []string{
		"GET /health",
		"GET /api/backends",
		"POST /api/backends",
		"PUT /api/backends/{backendID}",
		"DELETE /api/backends/{backendID}",
		"PUT /api/backends/{backendID}/status",
		"POST /api/backends/{backendID}/test",
		"GET /api/backends/{backendID}/data",
		"GET /api/backends/{backendID}/stats",
		"POST /api/backends/{backendID}/reconcile",
		"POST /api/backends/{backendID}/downloads",
		"POST /api/backends/{backendID}/downloads/{hash}/pause",
		"POST /api/backends/{backendID}/downloads/{hash}/resume",
		"DELETE /api/backends/{backendID}/downloads/{hash}",
		"PUT /api/backends/{backendID}/downloads/{hash}/move",
		"POST /api/backends/{backendID}/downloads/{hash}/recheck",
		"POST /api/backends/{backendID}/downloads/{hash}/reannounce",
		"PUT /api/backends/{backendID}/downloads/{hash}/category",
		"GET /api/backends/{backendID}/downloads/{hash}/files",
		"GET /api/backends/{backendID}/downloads/{hash}/trackers",
		"GET /api/backends/{backendID}/downloads/{hash}/peers",
		"GET /api/categories",
		"POST /api/categories",
		"PUT /api/categories/{name}",
		"DELETE /api/categories/{name}",
		"GET /api/categories/path-issues",
	}
	for _, route := range expected {
		assert.True(t, routes[route], "missing route %s", route)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := httptest.NewServer(newTestServer(t).Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCategoriesEndToEnd(t *testing.T) {
	server := httptest.NewServer(newTestServer(t).Handler())
	defer server.Close()
	client := server.Client()

	// The reserved Default category is present from the start.
	resp, err := client.Get(server.URL + "/api/categories")
	require.NoError(t, err)
	var listed []models.Category
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	resp.Body.Close()
	require.Len(t, listed, 1)
	assert.Equal(t, models.DefaultCategoryName, listed[0].Name)

	body, _ := json.Marshal(models.Category{Name: "movies", SavePath: "/data/movies"})
	resp, err = client.Post(server.URL+"/api/categories", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	body, _ = json.Marshal(models.Category{Name: "movies", SavePath: "/mnt/movies"})
	req, _ := http.NewRequest(http.MethodPut, server.URL+"/api/categories/movies", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = client.Get(server.URL + "/api/categories")
	require.NoError(t, err)
	listed = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	resp.Body.Close()
	require.Len(t, listed, 2)

	req, _ = http.NewRequest(http.MethodDelete, server.URL+"/api/categories/movies", nil)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The Default category refuses deletion.
	req, _ = http.NewRequest(http.MethodDelete, server.URL+"/api/categories/Default", nil)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEqual(t, http.StatusNoContent, resp.StatusCode)
}

func TestBackendsListEmpty(t *testing.T) {
	server := httptest.NewServer(newTestServer(t).Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/backends")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listed []json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	assert.Empty(t, listed)
}

func TestDownloadsEndpointsRequireKnownBackend(t *testing.T) {
	server := httptest.NewServer(newTestServer(t).Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/api/backends/99/data")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
