// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/manifold-dl/manifold/internal/backend"
)

// maxTorrentSize bounds uploaded .torrent payloads.
const maxTorrentSize = 32 << 20

type DownloadsHandler struct {
	pool *backend.Pool
}

func NewDownloadsHandler(pool *backend.Pool) *DownloadsHandler {
	return &DownloadsHandler{pool: pool}
}

func (h *DownloadsHandler) manager(w http.ResponseWriter, r *http.Request) (*backend.Manager, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "backendID"))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid backend ID")
		return nil, false
	}

	m, err := h.pool.GetManager(id)
	if err != nil {
		RespondError(w, http.StatusNotFound, "Backend not found")
		return nil, false
	}
	return m, true
}

// GetData returns the normalized snapshot through the pool cache. While the
// backend is unreachable this serves the last good snapshot.
func (h *DownloadsHandler) GetData(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "backendID"))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid backend ID")
		return
	}

	data, err := h.pool.FetchData(r.Context(), id)
	if err != nil {
		RespondError(w, http.StatusNotFound, "Backend not found")
		return
	}
	RespondJSON(w, http.StatusOK, data)
}

func (h *DownloadsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}

	stats, err := m.Stats(r.Context())
	if err != nil {
		respondControlError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, stats)
}

// respondControlError maps taxonomy errors to HTTP statuses. Control
// failures reach the caller untouched, so the message is the backend's own.
func respondControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, backend.ErrNotConnected):
		RespondError(w, http.StatusServiceUnavailable, "Backend is not connected")
	case errors.Is(err, backend.ErrAuthFailure):
		RespondError(w, http.StatusBadGateway, "Backend rejected the credentials")
	case errors.Is(err, backend.ErrTimeout), errors.Is(err, backend.ErrTransport):
		RespondError(w, http.StatusBadGateway, err.Error())
	default:
		RespondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *DownloadsHandler) control(w http.ResponseWriter, r *http.Request, op func(m *backend.Manager, hash string) error) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}

	hash := chi.URLParam(r, "hash")
	if hash == "" {
		RespondError(w, http.StatusBadRequest, "Missing item hash")
		return
	}

	if err := op(m, hash); err != nil {
		respondControlError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *DownloadsHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, func(m *backend.Manager, hash string) error {
		return m.Pause(r.Context(), hash)
	})
}

func (h *DownloadsHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, func(m *backend.Manager, hash string) error {
		return m.Resume(r.Context(), hash)
	})
}

func (h *DownloadsHandler) Remove(w http.ResponseWriter, r *http.Request) {
	deleteFiles := r.URL.Query().Get("deleteFiles") == "true"
	h.control(w, r, func(m *backend.Manager, hash string) error {
		return m.RemoveDownload(r.Context(), hash, deleteFiles)
	})
}

func (h *DownloadsHandler) Move(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Path == "" {
		RespondError(w, http.StatusBadRequest, "Missing destination path")
		return
	}

	h.control(w, r, func(m *backend.Manager, hash string) error {
		return m.Move(r.Context(), hash, req.Path)
	})
}

func (h *DownloadsHandler) Recheck(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, func(m *backend.Manager, hash string) error {
		return m.Recheck(r.Context(), hash)
	})
}

func (h *DownloadsHandler) Reannounce(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, func(m *backend.Manager, hash string) error {
		return m.Reannounce(r.Context(), hash)
	})
}

func (h *DownloadsHandler) SetCategory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Category string `json:"category"`
	}
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	h.control(w, r, func(m *backend.Manager, hash string) error {
		return m.SetCategory(r.Context(), hash, req.Category)
	})
}

// Add accepts either a JSON body with a magnet URI or a multipart form with
// a raw torrent file under the "torrent" field.
func (h *DownloadsHandler) Add(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		h.addFromUpload(w, r, m)
		return
	}

	var req struct {
		MagnetURI string `json:"magnetUri"`
		SavePath  string `json:"savePath"`
		Category  string `json:"category"`
		Paused    bool   `json:"paused"`
	}
	if err := decodeJSON(r, &req); err != nil || req.MagnetURI == "" {
		RespondError(w, http.StatusBadRequest, "Missing magnet URI")
		return
	}

	opts := backend.AddOptions{SavePath: req.SavePath, Category: req.Category, Paused: req.Paused}
	if err := m.AddMagnet(r.Context(), req.MagnetURI, opts); err != nil {
		respondControlError(w, err)
		return
	}
	RespondJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

func (h *DownloadsHandler) addFromUpload(w http.ResponseWriter, r *http.Request, m *backend.Manager) {
	if err := r.ParseMultipartForm(maxTorrentSize); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}

	file, _, err := r.FormFile("torrent")
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Missing torrent file")
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(io.LimitReader(file, maxTorrentSize))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "Failed to read torrent file")
		return
	}

	opts := backend.AddOptions{
		SavePath: r.FormValue("savePath"),
		Category: r.FormValue("category"),
		Paused:   r.FormValue("paused") == "true",
	}
	if err := m.AddTorrentRaw(r.Context(), raw, opts); err != nil {
		respondControlError(w, err)
		return
	}
	RespondJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

func (h *DownloadsHandler) GetFiles(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}

	files, err := m.Files(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		respondControlError(w, err)
		return
	}
	RespondJSON(w, http.StatusOK, files)
}

// GetTrackers serves the refresher's cached tracker detail; an item the
// refresher has not visited yet yields an empty list, not an error.
func (h *DownloadsHandler) GetTrackers(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}

	trackers, _, found := m.TrackerData(chi.URLParam(r, "hash"))
	if !found {
		log.Debug().Str("hash", chi.URLParam(r, "hash")).Msg("No cached tracker data")
		RespondJSON(w, http.StatusOK, []backend.Tracker{})
		return
	}
	RespondJSON(w, http.StatusOK, trackers)
}

func (h *DownloadsHandler) GetPeers(w http.ResponseWriter, r *http.Request) {
	m, ok := h.manager(w, r)
	if !ok {
		return
	}

	_, peers, found := m.TrackerData(chi.URLParam(r, "hash"))
	if !found {
		RespondJSON(w, http.StatusOK, []backend.Peer{})
		return
	}
	RespondJSON(w, http.StatusOK, peers)
}
