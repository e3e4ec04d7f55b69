// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package deluge implements the deluge-web JSON-RPC protocol client.
// Authentication is a password-only RPC call that yields a session cookie;
// groupings map to the Label plugin, which has no native rename, so renames
// run as create, reassign members, delete old.
package deluge

import (
	"context"
	"encoding/base64"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/manifold-dl/manifold/internal/backend"
	"github.com/manifold-dl/manifold/internal/models"
)

const defaultTimeout = 30 * time.Second

type Client struct {
	tr        *transport
	connected atomic.Bool
}

// NewClient builds a protocol client from a configured backend record.
// Registered as the pool factory for the deluge client type.
func NewClient(b *models.Backend, password string) (backend.Ops, error) {
	return &Client{
		tr: newTransport(b.BaseURL(), password, defaultTimeout),
	}, nil
}

// Login authenticates against deluge-web and makes sure the web UI is
// attached to a daemon, connecting to the first registered host if not.
func (c *Client) Login(ctx context.Context) error {
	if err := c.tr.login(ctx); err != nil {
		c.connected.Store(false)
		return err
	}

	if err := c.ensureDaemon(ctx); err != nil {
		c.connected.Store(false)
		return err
	}

	c.connected.Store(true)
	return nil
}

func (c *Client) EnsureLoggedIn(ctx context.Context) error {
	if c.connected.Load() && c.tr.getCookie() != "" {
		return nil
	}
	return c.Login(ctx)
}

func (c *Client) ensureDaemon(ctx context.Context) error {
	var connected bool
	if err := c.tr.Call(ctx, "web.connected", nil, &connected); err != nil {
		return err
	}
	if connected {
		return nil
	}

	var hosts [][]any
	if err := c.tr.Call(ctx, "web.get_hosts", nil, &hosts); err != nil {
		return err
	}
	if len(hosts) == 0 || len(hosts[0]) == 0 {
		return errors.Wrap(backend.ErrRemote, "deluge-web has no daemon hosts registered")
	}

	hostID, ok := hosts[0][0].(string)
	if !ok {
		return errors.Wrap(backend.ErrRemote, "unexpected host list shape")
	}

	log.Debug().Str("hostID", hostID).Msg("Connecting deluge-web to daemon")
	return c.tr.Call(ctx, "web.connect", []any{hostID}, nil)
}

func (c *Client) TestConnection(ctx context.Context) backend.TestResult {
	if err := c.Login(ctx); err != nil {
		return backend.TestResult{Error: err.Error()}
	}

	var version string
	if err := c.tr.Call(ctx, "daemon.info", nil, &version); err != nil {
		return backend.TestResult{Error: err.Error()}
	}

	return backend.TestResult{Success: true, Version: version}
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.connected.Store(false)
	if c.tr.getCookie() == "" {
		return nil
	}

	// Best effort; the session expires server-side regardless.
	err := c.tr.Call(ctx, "auth.delete_session", nil, nil)
	c.tr.setCookie("")
	return err
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

type torrentStatus struct {
	Name          string  `json:"name"`
	State         string  `json:"state"`
	Progress      float64 `json:"progress"`
	TotalSize     int64   `json:"total_size"`
	DownloadRate  float64 `json:"download_payload_rate"`
	UploadRate    float64 `json:"upload_payload_rate"`
	TotalDone     int64   `json:"total_done"`
	TotalUploaded int64   `json:"total_uploaded"`
	Ratio         float64 `json:"ratio"`
	ETA           float64 `json:"eta"`
	SavePath      string  `json:"save_path"`
	Label         string  `json:"label"`
	TimeAdded     float64 `json:"time_added"`
	Trackers      []struct {
		URL  string `json:"url"`
		Tier int    `json:"tier"`
	} `json:"trackers"`
	TrackerStatus string `json:"tracker_status"`
	TotalSeeds    int    `json:"total_seeds"`
	TotalPeers    int    `json:"total_peers"`
	Peers         []struct {
		IP        string  `json:"ip"`
		Client    string  `json:"client"`
		Progress  float64 `json:"progress"`
		DownSpeed int64   `json:"down_speed"`
		UpSpeed   int64   `json:"up_speed"`
	} `json:"peers"`
	Files []struct {
		Path string `json:"path"`
		Size int64  `json:"size"`
	} `json:"files"`
	FileProgress   []float64 `json:"file_progress"`
	FilePriorities []int     `json:"file_priorities"`
}

var listStatusKeys = []string{
	"name", "state", "progress", "total_size", "download_payload_rate",
	"upload_payload_rate", "total_done", "total_uploaded", "ratio", "eta",
	"save_path", "label", "time_added",
}

// FetchItems returns all torrents in one batched call. Tracker and peer
// detail is not carried by the listing; the refresher fetches it per item.
func (c *Client) FetchItems(ctx context.Context) ([]backend.Item, error) {
	if err := c.EnsureLoggedIn(ctx); err != nil {
		return nil, err
	}

	statuses := make(map[string]torrentStatus)
	if err := c.tr.Call(ctx, "core.get_torrents_status", []any{map[string]any{}, listStatusKeys}, &statuses); err != nil {
		return nil, err
	}

	items := make([]backend.Item, 0, len(statuses))
	for hash, st := range statuses {
		items = append(items, normalizeStatus(hash, st))
	}
	return items, nil
}

func normalizeStatus(hash string, st torrentStatus) backend.Item {
	return backend.Item{
		Hash:          hash,
		Name:          st.Name,
		State:         normalizeState(st.State),
		Progress:      st.Progress / 100,
		Size:          st.TotalSize,
		DownloadSpeed: int64(st.DownloadRate),
		UploadSpeed:   int64(st.UploadRate),
		Downloaded:    st.TotalDone,
		Uploaded:      st.TotalUploaded,
		Ratio:         st.Ratio,
		ETA:           int64(st.ETA),
		SavePath:      st.SavePath,
		Category:      st.Label,
		AddedAt:       time.Unix(int64(st.TimeAdded), 0),
	}
}

func normalizeState(state string) backend.ItemState {
	switch state {
	case "Downloading":
		return backend.StateDownloading
	case "Seeding":
		return backend.StateSeeding
	case "Paused":
		return backend.StatePaused
	case "Queued":
		return backend.StateQueued
	case "Checking", "Allocating", "Moving":
		return backend.StateChecking
	case "Error":
		return backend.StateError
	default:
		return backend.StateUnknown
	}
}

// FetchesDetailPerItem is true: deluge carries trackers and peers only on
// the per-hash status call, not on the batched listing.
func (c *Client) FetchesDetailPerItem() bool {
	return true
}

func (c *Client) torrentStatus(ctx context.Context, hash string, keys []string) (*torrentStatus, error) {
	var st torrentStatus
	if err := c.tr.Call(ctx, "web.get_torrent_status", []any{hash, keys}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) Trackers(ctx context.Context, hash string) ([]backend.Tracker, error) {
	st, err := c.torrentStatus(ctx, hash, []string{"trackers", "tracker_status", "total_seeds", "total_peers"})
	if err != nil {
		return nil, err
	}

	trackers := make([]backend.Tracker, 0, len(st.Trackers))
	for _, t := range st.Trackers {
		trackers = append(trackers, backend.Tracker{
			URL:      t.URL,
			Status:   "working",
			Message:  st.TrackerStatus,
			Seeders:  st.TotalSeeds,
			Leechers: st.TotalPeers,
		})
	}
	return trackers, nil
}

func (c *Client) Peers(ctx context.Context, hash string) ([]backend.Peer, error) {
	st, err := c.torrentStatus(ctx, hash, []string{"peers"})
	if err != nil {
		return nil, err
	}

	peers := make([]backend.Peer, 0, len(st.Peers))
	for _, p := range st.Peers {
		peers = append(peers, backend.Peer{
			Address:       p.IP,
			ClientName:    p.Client,
			Progress:      p.Progress,
			DownloadSpeed: p.DownSpeed,
			UploadSpeed:   p.UpSpeed,
		})
	}
	return peers, nil
}

func (c *Client) Stats(ctx context.Context) (*backend.TransferStats, error) {
	var session struct {
		DownloadRate  float64 `json:"payload_download_rate"`
		UploadRate    float64 `json:"payload_upload_rate"`
		TotalDownload int64   `json:"total_download"`
		TotalUpload   int64   `json:"total_upload"`
	}
	keys := []string{"payload_download_rate", "payload_upload_rate", "total_download", "total_upload"}
	if err := c.tr.Call(ctx, "core.get_session_status", []any{keys}, &session); err != nil {
		return nil, err
	}

	var port int
	if err := c.tr.Call(ctx, "core.get_listen_port", nil, &port); err != nil {
		return nil, err
	}

	stats := &backend.TransferStats{
		DownloadSpeed:   int64(session.DownloadRate),
		UploadSpeed:     int64(session.UploadRate),
		TotalDownloaded: session.TotalDownload,
		TotalUploaded:   session.TotalUpload,
		ListenPort:      port,
	}

	var open bool
	if err := c.tr.Call(ctx, "core.test_listen_port", nil, &open); err == nil {
		// Advisory; the probe needs outbound reachability.
		stats.PortOpen = open
	}

	return stats, nil
}

func (c *Client) Files(ctx context.Context, hash string) ([]backend.File, error) {
	st, err := c.torrentStatus(ctx, hash, []string{"files", "file_progress", "file_priorities"})
	if err != nil {
		return nil, err
	}

	files := make([]backend.File, 0, len(st.Files))
	for i, f := range st.Files {
		file := backend.File{Path: f.Path, Size: f.Size}
		if i < len(st.FileProgress) {
			file.Progress = st.FileProgress[i]
		}
		if i < len(st.FilePriorities) {
			file.Priority = st.FilePriorities[i]
		}
		files = append(files, file)
	}
	return files, nil
}

func (c *Client) Pause(ctx context.Context, hash string) error {
	return c.tr.Call(ctx, "core.pause_torrent", []any{[]string{hash}}, nil)
}

func (c *Client) Resume(ctx context.Context, hash string) error {
	return c.tr.Call(ctx, "core.resume_torrent", []any{[]string{hash}}, nil)
}

func (c *Client) Remove(ctx context.Context, hash string, deleteFiles bool) error {
	return c.tr.Call(ctx, "core.remove_torrent", []any{hash, deleteFiles}, nil)
}

func (c *Client) Move(ctx context.Context, hash, path string) error {
	return c.tr.Call(ctx, "core.move_storage", []any{[]string{hash}, path}, nil)
}

func (c *Client) Recheck(ctx context.Context, hash string) error {
	return c.tr.Call(ctx, "core.force_recheck", []any{[]string{hash}}, nil)
}

func (c *Client) Reannounce(ctx context.Context, hash string) error {
	return c.tr.Call(ctx, "core.force_reannounce", []any{[]string{hash}}, nil)
}

func addFlags(opts backend.AddOptions) map[string]any {
	flags := map[string]any{"add_paused": opts.Paused}
	if opts.SavePath != "" {
		flags["download_location"] = opts.SavePath
	}
	return flags
}

func (c *Client) AddMagnet(ctx context.Context, uri string, opts backend.AddOptions) error {
	var hash string
	if err := c.tr.Call(ctx, "core.add_torrent_magnet", []any{uri, addFlags(opts)}, &hash); err != nil {
		return err
	}
	return c.applyLabel(ctx, hash, opts.Category)
}

func (c *Client) AddTorrent(ctx context.Context, raw []byte, opts backend.AddOptions) error {
	encoded := base64.StdEncoding.EncodeToString(raw)

	var hash string
	if err := c.tr.Call(ctx, "core.add_torrent_file", []any{"upload.torrent", encoded, addFlags(opts)}, &hash); err != nil {
		return err
	}
	return c.applyLabel(ctx, hash, opts.Category)
}

func (c *Client) applyLabel(ctx context.Context, hash, label string) error {
	if label == "" || hash == "" {
		return nil
	}
	return c.SetItemGrouping(ctx, hash, label)
}

// normalizeLabel lowercases the name the way the Label plugin does; deluge
// rejects mixed-case label ids.
func normalizeLabel(name string) string {
	return strings.ToLower(name)
}

// DefaultGroupingID: torrents without a label belong to the default group.
func (c *Client) DefaultGroupingID() string {
	return ""
}

func (c *Client) ListGroupings(ctx context.Context) ([]backend.Grouping, error) {
	var labels []string
	if err := c.tr.Call(ctx, "label.get_labels", nil, &labels); err != nil {
		return nil, err
	}

	groupings := make([]backend.Grouping, 0, len(labels))
	for _, label := range labels {
		groupings = append(groupings, backend.Grouping{ID: label, Name: label})
	}
	return groupings, nil
}

func (c *Client) GetGrouping(ctx context.Context, id string) (*backend.Grouping, error) {
	if id == "" {
		return &backend.Grouping{}, nil
	}

	groupings, err := c.ListGroupings(ctx)
	if err != nil {
		return nil, err
	}
	for _, g := range groupings {
		if g.ID == id {
			return &g, nil
		}
	}
	return nil, errors.Wrapf(backend.ErrRemote, "label %q not found", id)
}

func (c *Client) CreateGrouping(ctx context.Context, g backend.Grouping) (string, error) {
	id := normalizeLabel(g.Name)
	if err := c.tr.Call(ctx, "label.add", []any{id}, nil); err != nil {
		return "", err
	}

	if g.SavePath != "" {
		if err := c.setLabelPath(ctx, id, g.SavePath); err != nil {
			return "", err
		}
	}
	return id, nil
}

// UpdateGrouping pushes the save path to the Label plugin's move-completed
// options; labels carry no other attributes deluge understands.
func (c *Client) UpdateGrouping(ctx context.Context, g backend.Grouping) error {
	if g.SavePath == "" {
		return nil
	}
	return c.setLabelPath(ctx, g.ID, g.SavePath)
}

func (c *Client) setLabelPath(ctx context.Context, id, path string) error {
	return c.tr.Call(ctx, "label.set_options", []any{id, map[string]any{
		"apply_move_completed": true,
		"move_completed":       true,
		"move_completed_path":  path,
	}}, nil)
}

// RenameGrouping has no native primitive in the Label plugin: create the new
// label, move every member over, then drop the old one.
func (c *Client) RenameGrouping(ctx context.Context, id, newName string) (string, error) {
	newID := normalizeLabel(newName)
	if newID == id {
		return id, nil
	}

	if err := c.tr.Call(ctx, "label.add", []any{newID}, nil); err != nil {
		return "", err
	}

	members := make(map[string]torrentStatus)
	filter := map[string]any{"label": id}
	if err := c.tr.Call(ctx, "core.get_torrents_status", []any{filter, []string{"name"}}, &members); err != nil {
		return "", err
	}

	for hash := range members {
		if err := c.tr.Call(ctx, "label.set_torrent", []any{hash, newID}, nil); err != nil {
			return "", errors.Wrapf(err, "failed to relabel %s", hash)
		}
	}

	if err := c.tr.Call(ctx, "label.remove", []any{id}, nil); err != nil {
		return "", err
	}
	return newID, nil
}

func (c *Client) DeleteGrouping(ctx context.Context, id string) error {
	return c.tr.Call(ctx, "label.remove", []any{id}, nil)
}

func (c *Client) SetItemGrouping(ctx context.Context, hash, groupingID string) error {
	return c.tr.Call(ctx, "label.set_torrent", []any{hash, groupingID}, nil)
}
