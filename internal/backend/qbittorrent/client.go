// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package qbittorrent implements the qBittorrent WebAPI protocol client.
package qbittorrent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/manifold-dl/manifold/internal/backend"
	"github.com/manifold-dl/manifold/internal/models"
)

const defaultTimeout = 30 * time.Second

// WebAPI 2.11 renamed the pause/resume endpoints to stop/start.
var stopStartMinVersion = semver.MustParse("2.11.0")

type Client struct {
	tr *transport

	mu                sync.RWMutex
	connected         bool
	webAPIVersion     string
	supportsStopStart bool
}

// NewClient builds a protocol client from a configured backend record.
// Registered as the pool factory for the qbittorrent client type.
func NewClient(b *models.Backend, password string) (backend.Ops, error) {
	return &Client{
		tr: newTransport(b.BaseURL(), b.Username, password, defaultTimeout),
	}, nil
}

func (c *Client) Login(ctx context.Context) error {
	if err := c.tr.login(ctx); err != nil {
		c.setConnected(false)
		return err
	}

	c.setConnected(true)
	return c.refreshCapabilities(ctx)
}

func (c *Client) EnsureLoggedIn(ctx context.Context) error {
	c.mu.RLock()
	connected := c.connected
	cookie := c.tr.getCookie()
	c.mu.RUnlock()

	if connected && cookie != "" {
		return nil
	}
	return c.Login(ctx)
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
}

func (c *Client) refreshCapabilities(ctx context.Context) error {
	raw, err := c.tr.Get(ctx, "/app/webapiVersion", nil)
	if err != nil {
		return err
	}

	version := strings.TrimSpace(string(raw))
	v, err := semver.NewVersion(version)
	if err != nil {
		log.Warn().Str("webAPIVersion", version).Err(err).Msg("Failed to parse qBittorrent WebAPI version; assuming legacy endpoints")
		c.mu.Lock()
		c.webAPIVersion = version
		c.supportsStopStart = false
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	c.webAPIVersion = version
	c.supportsStopStart = !v.LessThan(stopStartMinVersion)
	c.mu.Unlock()
	return nil
}

func (c *Client) TestConnection(ctx context.Context) backend.TestResult {
	if err := c.Login(ctx); err != nil {
		return backend.TestResult{Error: err.Error()}
	}

	raw, err := c.tr.Get(ctx, "/app/version", nil)
	if err != nil {
		c.setConnected(false)
		return backend.TestResult{Error: err.Error()}
	}

	return backend.TestResult{Success: true, Version: strings.TrimSpace(string(raw))}
}

func (c *Client) Disconnect(ctx context.Context) error {
	defer func() {
		c.setConnected(false)
		c.tr.setCookie("")
	}()

	if c.tr.getCookie() == "" {
		return nil
	}

	_, err := c.tr.PostForm(ctx, "/auth/logout", nil)
	return err
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

type torrentInfo struct {
	Hash       string  `json:"hash"`
	Name       string  `json:"name"`
	State      string  `json:"state"`
	Progress   float64 `json:"progress"`
	Size       int64   `json:"size"`
	DlSpeed    int64   `json:"dlspeed"`
	UpSpeed    int64   `json:"upspeed"`
	Downloaded int64   `json:"downloaded"`
	Uploaded   int64   `json:"uploaded"`
	Ratio      float64 `json:"ratio"`
	ETA        int64   `json:"eta"`
	SavePath   string  `json:"save_path"`
	Category   string  `json:"category"`
	AddedOn    int64   `json:"added_on"`
}

// FetchItems returns all torrents in one batched call. Tracker/peer detail
// is not part of the listing; the refresher fetches it per item.
func (c *Client) FetchItems(ctx context.Context) ([]backend.Item, error) {
	if err := c.EnsureLoggedIn(ctx); err != nil {
		return nil, err
	}

	raw, err := c.tr.Get(ctx, "/torrents/info", nil)
	if err != nil {
		return nil, err
	}

	var torrents []torrentInfo
	if err := json.Unmarshal(raw, &torrents); err != nil {
		return nil, errors.Wrap(backend.ErrTransport, "malformed torrent list")
	}

	items := make([]backend.Item, 0, len(torrents))
	for _, t := range torrents {
		items = append(items, backend.Item{
			Hash:          t.Hash,
			Name:          t.Name,
			State:         normalizeState(t.State),
			Progress:      t.Progress,
			Size:          t.Size,
			DownloadSpeed: t.DlSpeed,
			UploadSpeed:   t.UpSpeed,
			Downloaded:    t.Downloaded,
			Uploaded:      t.Uploaded,
			Ratio:         t.Ratio,
			ETA:           t.ETA,
			SavePath:      t.SavePath,
			Category:      t.Category,
			AddedAt:       time.Unix(t.AddedOn, 0),
		})
	}
	return items, nil
}

func normalizeState(state string) backend.ItemState {
	switch {
	case strings.HasPrefix(state, "error"), state == "missingFiles":
		return backend.StateError
	case strings.Contains(state, "DL") && strings.HasPrefix(state, "queued"),
		strings.Contains(state, "UP") && strings.HasPrefix(state, "queued"):
		return backend.StateQueued
	case strings.HasPrefix(state, "checking"):
		return backend.StateChecking
	case strings.HasPrefix(state, "paused"), strings.HasPrefix(state, "stopped"):
		return backend.StatePaused
	case state == "uploading", state == "stalledUP", state == "forcedUP":
		return backend.StateSeeding
	case state == "downloading", state == "stalledDL", state == "forcedDL", state == "metaDL":
		return backend.StateDownloading
	default:
		return backend.StateUnknown
	}
}

// FetchesDetailPerItem is true: trackers and peers require one call per hash.
func (c *Client) FetchesDetailPerItem() bool {
	return true
}

func (c *Client) Trackers(ctx context.Context, hash string) ([]backend.Tracker, error) {
	raw, err := c.tr.Get(ctx, "/torrents/trackers", url.Values{"hash": {hash}})
	if err != nil {
		return nil, err
	}

	var trackers []struct {
		URL      string `json:"url"`
		Status   int    `json:"status"`
		Msg      string `json:"msg"`
		Seeders  int    `json:"num_seeds"`
		Leechers int    `json:"num_leeches"`
	}
	if err := json.Unmarshal(raw, &trackers); err != nil {
		return nil, errors.Wrap(backend.ErrTransport, "malformed tracker list")
	}

	out := make([]backend.Tracker, 0, len(trackers))
	for _, t := range trackers {
		// Skip the DHT/PeX/LSD pseudo-entries.
		if strings.HasPrefix(t.URL, "** ") {
			continue
		}
		out = append(out, backend.Tracker{
			URL:      t.URL,
			Status:   trackerStatusString(t.Status),
			Message:  t.Msg,
			Seeders:  t.Seeders,
			Leechers: t.Leechers,
		})
	}
	return out, nil
}

func trackerStatusString(status int) string {
	switch status {
	case 1:
		return "disabled"
	case 2:
		return "working"
	case 3:
		return "updating"
	case 4:
		return "error"
	default:
		return "unknown"
	}
}

func (c *Client) Peers(ctx context.Context, hash string) ([]backend.Peer, error) {
	raw, err := c.tr.Get(ctx, "/sync/torrentPeers", url.Values{"hash": {hash}})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Peers map[string]struct {
			Client   string  `json:"client"`
			Progress float64 `json:"progress"`
			DlSpeed  int64   `json:"dl_speed"`
			UpSpeed  int64   `json:"up_speed"`
		} `json:"peers"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errors.Wrap(backend.ErrTransport, "malformed peer list")
	}

	out := make([]backend.Peer, 0, len(resp.Peers))
	for addr, p := range resp.Peers {
		out = append(out, backend.Peer{
			Address:       addr,
			ClientName:    p.Client,
			Progress:      p.Progress,
			DownloadSpeed: p.DlSpeed,
			UploadSpeed:   p.UpSpeed,
		})
	}
	return out, nil
}

func (c *Client) Stats(ctx context.Context) (*backend.TransferStats, error) {
	raw, err := c.tr.Get(ctx, "/transfer/info", nil)
	if err != nil {
		return nil, err
	}

	var info struct {
		DlSpeed          int64  `json:"dl_info_speed"`
		UpSpeed          int64  `json:"up_info_speed"`
		DlData           int64  `json:"dl_info_data"`
		UpData           int64  `json:"up_info_data"`
		ConnectionStatus string `json:"connection_status"`
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, errors.Wrap(backend.ErrTransport, "malformed transfer info")
	}

	stats := &backend.TransferStats{
		DownloadSpeed:   info.DlSpeed,
		UploadSpeed:     info.UpSpeed,
		TotalDownloaded: info.DlData,
		TotalUploaded:   info.UpData,
		PortOpen:        info.ConnectionStatus == "connected",
	}

	prefsRaw, err := c.tr.Get(ctx, "/app/preferences", nil)
	if err == nil {
		var prefs struct {
			ListenPort int `json:"listen_port"`
		}
		if json.Unmarshal(prefsRaw, &prefs) == nil {
			stats.ListenPort = prefs.ListenPort
		}
	}

	return stats, nil
}

func (c *Client) Files(ctx context.Context, hash string) ([]backend.File, error) {
	raw, err := c.tr.Get(ctx, "/torrents/files", url.Values{"hash": {hash}})
	if err != nil {
		return nil, err
	}

	var files []struct {
		Name     string  `json:"name"`
		Size     int64   `json:"size"`
		Progress float64 `json:"progress"`
		Priority int     `json:"priority"`
	}
	if err := json.Unmarshal(raw, &files); err != nil {
		return nil, errors.Wrap(backend.ErrTransport, "malformed file list")
	}

	out := make([]backend.File, 0, len(files))
	for _, f := range files {
		out = append(out, backend.File{Path: f.Name, Size: f.Size, Progress: f.Progress, Priority: f.Priority})
	}
	return out, nil
}

// callVersioned tries the current endpoint name first and falls back to the
// legacy name only when the current one is reported missing. Any other
// failure propagates unchanged.
func (c *Client) callVersioned(ctx context.Context, current, legacy string, form url.Values) error {
	c.mu.RLock()
	preferCurrent := c.supportsStopStart
	c.mu.RUnlock()

	first, second := current, legacy
	if !preferCurrent {
		first, second = legacy, current
	}

	_, err := c.tr.PostForm(ctx, first, form)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errEndpointNotFound) {
		return err
	}

	log.Debug().Str("endpoint", first).Str("fallback", second).Msg("Endpoint missing, falling back")
	_, err = c.tr.PostForm(ctx, second, form)
	if errors.Is(err, errEndpointNotFound) {
		return errors.Wrap(backend.ErrRemote, "no usable endpoint for operation")
	}
	return err
}

func (c *Client) Pause(ctx context.Context, hash string) error {
	return c.callVersioned(ctx, "/torrents/stop", "/torrents/pause", url.Values{"hashes": {hash}})
}

func (c *Client) Resume(ctx context.Context, hash string) error {
	return c.callVersioned(ctx, "/torrents/start", "/torrents/resume", url.Values{"hashes": {hash}})
}

func (c *Client) Remove(ctx context.Context, hash string, deleteFiles bool) error {
	_, err := c.tr.PostForm(ctx, "/torrents/delete", url.Values{
		"hashes":      {hash},
		"deleteFiles": {fmt.Sprintf("%t", deleteFiles)},
	})
	return err
}

func (c *Client) Move(ctx context.Context, hash, path string) error {
	_, err := c.tr.PostForm(ctx, "/torrents/setLocation", url.Values{
		"hashes":   {hash},
		"location": {path},
	})
	return err
}

func (c *Client) Recheck(ctx context.Context, hash string) error {
	_, err := c.tr.PostForm(ctx, "/torrents/recheck", url.Values{"hashes": {hash}})
	return err
}

func (c *Client) Reannounce(ctx context.Context, hash string) error {
	_, err := c.tr.PostForm(ctx, "/torrents/reannounce", url.Values{"hashes": {hash}})
	return err
}

func (c *Client) addForm(opts backend.AddOptions) url.Values {
	form := url.Values{}
	if opts.SavePath != "" {
		form.Set("savepath", opts.SavePath)
	}
	if opts.Category != "" {
		form.Set("category", opts.Category)
	}
	if opts.Paused {
		form.Set("stopped", "true")
		form.Set("paused", "true")
	}
	return form
}

func (c *Client) AddMagnet(ctx context.Context, uri string, opts backend.AddOptions) error {
	form := c.addForm(opts)
	form.Set("urls", uri)
	_, err := c.tr.PostForm(ctx, "/torrents/add", form)
	return err
}

func (c *Client) AddTorrent(ctx context.Context, raw []byte, opts backend.AddOptions) error {
	return c.tr.PostMultipart(ctx, "/torrents/add", raw, c.addForm(opts))
}

// DefaultGroupingID: the empty category is qBittorrent's "no category".
func (c *Client) DefaultGroupingID() string {
	return ""
}

func (c *Client) ListGroupings(ctx context.Context) ([]backend.Grouping, error) {
	raw, err := c.tr.Get(ctx, "/torrents/categories", nil)
	if err != nil {
		return nil, err
	}

	var categories map[string]struct {
		Name     string `json:"name"`
		SavePath string `json:"savePath"`
	}
	if err := json.Unmarshal(raw, &categories); err != nil {
		return nil, errors.Wrap(backend.ErrTransport, "malformed category list")
	}

	groupings := make([]backend.Grouping, 0, len(categories))
	for name, cat := range categories {
		groupings = append(groupings, backend.Grouping{ID: name, Name: name, SavePath: cat.SavePath})
	}
	return groupings, nil
}

func (c *Client) GetGrouping(ctx context.Context, id string) (*backend.Grouping, error) {
	groupings, err := c.ListGroupings(ctx)
	if err != nil {
		return nil, err
	}
	for _, g := range groupings {
		if g.ID == id {
			return &g, nil
		}
	}
	return nil, errors.Wrapf(backend.ErrRemote, "category %q not found", id)
}

func (c *Client) CreateGrouping(ctx context.Context, g backend.Grouping) (string, error) {
	_, err := c.tr.PostForm(ctx, "/torrents/createCategory", url.Values{
		"category": {g.Name},
		"savePath": {g.SavePath},
	})
	if err != nil {
		return "", err
	}
	return g.Name, nil
}

func (c *Client) UpdateGrouping(ctx context.Context, g backend.Grouping) error {
	_, err := c.tr.PostForm(ctx, "/torrents/editCategory", url.Values{
		"category": {g.ID},
		"savePath": {g.SavePath},
	})
	return err
}

// RenameGrouping: qBittorrent has no category rename; create the new
// category, reassign every member, then delete the old one. Callers see a
// single rename operation.
func (c *Client) RenameGrouping(ctx context.Context, id, newName string) (string, error) {
	old, err := c.GetGrouping(ctx, id)
	if err != nil {
		return "", err
	}

	newID, err := c.CreateGrouping(ctx, backend.Grouping{Name: newName, SavePath: old.SavePath})
	if err != nil {
		return "", err
	}

	items, err := c.FetchItems(ctx)
	if err != nil {
		return "", err
	}
	for _, item := range items {
		if item.Category != id {
			continue
		}
		if err := c.SetItemGrouping(ctx, item.Hash, newID); err != nil {
			return "", fmt.Errorf("failed to reassign %s: %w", item.Hash, err)
		}
	}

	if err := c.DeleteGrouping(ctx, id); err != nil {
		return "", err
	}
	return newID, nil
}

func (c *Client) DeleteGrouping(ctx context.Context, id string) error {
	_, err := c.tr.PostForm(ctx, "/torrents/removeCategories", url.Values{"categories": {id}})
	return err
}

func (c *Client) SetItemGrouping(ctx context.Context, hash, groupingID string) error {
	_, err := c.tr.PostForm(ctx, "/torrents/setCategory", url.Values{
		"hashes":   {hash},
		"category": {groupingID},
	})
	return err
}
