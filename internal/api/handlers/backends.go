// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/manifold-dl/manifold/internal/backend"
	"github.com/manifold-dl/manifold/internal/models"
)

type BackendsHandler struct {
	store         *models.BackendStore
	errorStore    *models.BackendErrorStore
	categoryStore *models.CategoryStore
	pool          *backend.Pool
}

func NewBackendsHandler(store *models.BackendStore, errorStore *models.BackendErrorStore, categoryStore *models.CategoryStore, pool *backend.Pool) *BackendsHandler {
	return &BackendsHandler{
		store:         store,
		errorStore:    errorStore,
		categoryStore: categoryStore,
		pool:          pool,
	}
}

type backendResponse struct {
	*models.Backend
	Connected     bool       `json:"connected"`
	Version       string     `json:"version,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	LastErrorTime *time.Time `json:"lastErrorTime,omitempty"`
}

func (h *BackendsHandler) backendID(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "backendID"))
}

// ListBackends returns every configured backend with its live connection
// state merged in.
func (h *BackendsHandler) ListBackends(w http.ResponseWriter, r *http.Request) {
	backends, err := h.store.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list backends")
		RespondError(w, http.StatusInternalServerError, "Failed to list backends")
		return
	}

	resp := make([]backendResponse, 0, len(backends))
	for _, b := range backends {
		entry := backendResponse{Backend: b}

		if m, err := h.pool.GetManager(b.ID); err == nil {
			status := m.Status()
			entry.Connected = status.Connected
			entry.Version = status.Version
			entry.LastError = status.LastError
			entry.LastErrorTime = status.LastErrorTime
		} else if stored, err := h.errorStore.GetError(r.Context(), b.ID); err == nil && stored != nil {
			entry.LastError = stored.Message
			entry.LastErrorTime = &stored.OccurredAt
		}

		resp = append(resp, entry)
	}

	RespondJSON(w, http.StatusOK, resp)
}

type backendRequest struct {
	Name       string            `json:"name"`
	ClientType models.ClientType `json:"clientType"`
	Host       string            `json:"host"`
	Port       int               `json:"port"`
	UseSSL     bool              `json:"useSsl"`
	URLBase    string            `json:"urlBase"`
	Username   string            `json:"username"`
	Password   string            `json:"password"`
	Enabled    bool              `json:"enabled"`
}

func (req *backendRequest) record() *models.Backend {
	return &models.Backend{
		Name:       req.Name,
		ClientType: req.ClientType,
		Host:       req.Host,
		Port:       req.Port,
		UseSSL:     req.UseSSL,
		URLBase:    req.URLBase,
		Username:   req.Username,
		Enabled:    req.Enabled,
	}
}

func (h *BackendsHandler) CreateBackend(w http.ResponseWriter, r *http.Request) {
	var req backendRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	created, err := h.store.Create(r.Context(), req.record(), req.Password)
	if err != nil {
		log.Error().Err(err).Str("name", req.Name).Msg("Failed to create backend")
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.pool.AddManager(context.WithoutCancel(r.Context()), created, req.Password, h.errorStore, h.categoryStore); err != nil {
		log.Error().Err(err).Int("backendID", created.ID).Msg("Failed to start backend manager")
	}

	RespondJSON(w, http.StatusCreated, created)
}

func (h *BackendsHandler) UpdateBackend(w http.ResponseWriter, r *http.Request) {
	id, err := h.backendID(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid backend ID")
		return
	}

	var req backendRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	updated, err := h.store.Update(r.Context(), id, req.record(), req.Password)
	if err != nil {
		if errors.Is(err, models.ErrBackendNotFound) {
			RespondError(w, http.StatusNotFound, "Backend not found")
			return
		}
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.restartManager(r.Context(), updated)
	RespondJSON(w, http.StatusOK, updated)
}

// UpdateBackendStatus enables or disables a backend. Disabling shuts its
// manager down; enabling starts a fresh one.
func (h *BackendsHandler) UpdateBackendStatus(w http.ResponseWriter, r *http.Request) {
	id, err := h.backendID(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid backend ID")
		return
	}

	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.store.SetEnabled(r.Context(), id, req.Enabled); err != nil {
		if errors.Is(err, models.ErrBackendNotFound) {
			RespondError(w, http.StatusNotFound, "Backend not found")
			return
		}
		RespondError(w, http.StatusInternalServerError, "Failed to update backend")
		return
	}

	b, err := h.store.Get(r.Context(), id)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "Failed to reload backend")
		return
	}

	h.restartManager(r.Context(), b)
	RespondJSON(w, http.StatusOK, b)
}

func (h *BackendsHandler) restartManager(ctx context.Context, b *models.Backend) {
	h.pool.RemoveManager(ctx, b.ID)

	password, err := h.store.GetDecryptedPassword(b)
	if err != nil {
		log.Error().Err(err).Int("backendID", b.ID).Msg("Failed to decrypt backend password")
		return
	}

	if _, err := h.pool.AddManager(context.WithoutCancel(ctx), b, password, h.errorStore, h.categoryStore); err != nil {
		log.Error().Err(err).Int("backendID", b.ID).Msg("Failed to restart backend manager")
	}
}

func (h *BackendsHandler) DeleteBackend(w http.ResponseWriter, r *http.Request) {
	id, err := h.backendID(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid backend ID")
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrBackendNotFound) {
			RespondError(w, http.StatusNotFound, "Backend not found")
			return
		}
		RespondError(w, http.StatusInternalServerError, "Failed to delete backend")
		return
	}

	h.pool.RemoveManager(r.Context(), id)

	if err := h.categoryStore.UnlinkBackend(r.Context(), id); err != nil {
		log.Error().Err(err).Int("backendID", id).Msg("Failed to drop category links")
	}

	RespondJSON(w, http.StatusNoContent, nil)
}

// TestConnection runs a one-shot connection test against the stored record,
// or against request-supplied overrides when present.
func (h *BackendsHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	id, err := h.backendID(r)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid backend ID")
		return
	}

	b, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrBackendNotFound) {
			RespondError(w, http.StatusNotFound, "Backend not found")
			return
		}
		RespondError(w, http.StatusInternalServerError, "Failed to load backend")
		return
	}

	password, err := h.store.GetDecryptedPassword(b)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "Failed to decrypt backend password")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	result := h.pool.TestBackend(ctx, b, password)
	RespondJSON(w, http.StatusOK, result)
}
