// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/manifold-dl/manifold/internal/backend"
	"github.com/manifold-dl/manifold/internal/categories"
	"github.com/manifold-dl/manifold/internal/models"
)

type CategoriesHandler struct {
	store      *models.CategoryStore
	pool       *backend.Pool
	reconciler *categories.Reconciler
}

func NewCategoriesHandler(store *models.CategoryStore, pool *backend.Pool, reconciler *categories.Reconciler) *CategoriesHandler {
	return &CategoriesHandler{
		store:      store,
		pool:       pool,
		reconciler: reconciler,
	}
}

func (h *CategoriesHandler) List(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.store.Snapshot(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to load categories")
		RespondError(w, http.StatusInternalServerError, "Failed to load categories")
		return
	}
	RespondJSON(w, http.StatusOK, snapshot)
}

func (h *CategoriesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var category models.Category
	if err := decodeJSON(r, &category); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.store.Create(r.Context(), &category); err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Push the new category to every connected backend.
	h.pool.PropagateCategories(r.Context(), 0)

	RespondJSON(w, http.StatusCreated, category)
}

func (h *CategoriesHandler) Update(w http.ResponseWriter, r *http.Request) {
	var category models.Category
	if err := decodeJSON(r, &category); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	category.Name = chi.URLParam(r, "name")

	if err := h.store.Update(r.Context(), &category); err != nil {
		if errors.Is(err, models.ErrCategoryNotFound) {
			RespondError(w, http.StatusNotFound, "Category not found")
			return
		}
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.pool.PropagateCategories(r.Context(), 0)

	RespondJSON(w, http.StatusOK, category)
}

func (h *CategoriesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := h.store.Delete(r.Context(), name); err != nil {
		if errors.Is(err, models.ErrCategoryNotFound) {
			RespondError(w, http.StatusNotFound, "Category not found")
			return
		}
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	RespondJSON(w, http.StatusNoContent, nil)
}

func (h *CategoriesHandler) PathIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := h.store.ValidateAllPaths(r.Context())
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "Failed to validate paths")
		return
	}
	if issues == nil {
		issues = []models.PathIssue{}
	}
	RespondJSON(w, http.StatusOK, issues)
}

// Reconcile triggers a manual reconcile pass against one backend and returns
// the per-field mismatches the backend did not accept.
func (h *CategoriesHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "backendID"))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid backend ID")
		return
	}

	m, err := h.pool.GetManager(id)
	if err != nil {
		RespondError(w, http.StatusNotFound, "Backend not found")
		return
	}

	mismatches, err := h.reconciler.Reconcile(r.Context(), m)
	if err != nil {
		if errors.Is(err, backend.ErrNotConnected) {
			RespondError(w, http.StatusServiceUnavailable, "Backend is not connected")
			return
		}
		RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if mismatches == nil {
		mismatches = []categories.Mismatch{}
	}
	RespondJSON(w, http.StatusOK, mismatches)
}
