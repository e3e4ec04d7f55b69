// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package transmission implements the Transmission JSON-RPC protocol client.
// Transmission's labels are ad hoc: they exist only while attached to at
// least one torrent, so grouping creation is a no-op and discovery scans
// the torrent list.
package transmission

import (
	"context"
	"encoding/base64"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/manifold-dl/manifold/internal/backend"
	"github.com/manifold-dl/manifold/internal/models"
)

const defaultTimeout = 30 * time.Second

type Client struct {
	tr        *transport
	connected atomic.Bool
}

// NewClient builds a protocol client from a configured backend record.
// Registered as the pool factory for the transmission client type.
func NewClient(b *models.Backend, password string) (backend.Ops, error) {
	return &Client{
		tr: newTransport(b.BaseURL(), b.Username, password, defaultTimeout),
	}, nil
}

// Login probes the session endpoint. Transmission has no explicit login
// call; the first request establishes the CSRF session id.
func (c *Client) Login(ctx context.Context) error {
	var session sessionInfo
	if err := c.tr.Call(ctx, "session-get", nil, &session); err != nil {
		c.connected.Store(false)
		return err
	}

	c.connected.Store(true)
	return nil
}

func (c *Client) EnsureLoggedIn(ctx context.Context) error {
	if c.connected.Load() && c.tr.getSessionID() != "" {
		return nil
	}
	return c.Login(ctx)
}

type sessionInfo struct {
	Version    string `json:"version"`
	RPCVersion int    `json:"rpc-version"`
	PeerPort   int    `json:"peer-port"`
	DownSpeed  int64  `json:"downloadSpeed"`
}

func (c *Client) TestConnection(ctx context.Context) backend.TestResult {
	var session sessionInfo
	if err := c.tr.Call(ctx, "session-get", nil, &session); err != nil {
		c.connected.Store(false)
		return backend.TestResult{Error: err.Error()}
	}

	c.connected.Store(true)
	return backend.TestResult{Success: true, Version: session.Version}
}

func (c *Client) Disconnect(_ context.Context) error {
	// Stateless HTTP transport; just drop the session artifact.
	c.connected.Store(false)
	c.tr.setSessionID("")
	return nil
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

type torrentInfo struct {
	HashString     string   `json:"hashString"`
	Name           string   `json:"name"`
	Status         int      `json:"status"`
	PercentDone    float64  `json:"percentDone"`
	TotalSize      int64    `json:"totalSize"`
	RateDownload   int64    `json:"rateDownload"`
	RateUpload     int64    `json:"rateUpload"`
	DownloadedEver int64    `json:"downloadedEver"`
	UploadedEver   int64    `json:"uploadedEver"`
	UploadRatio    float64  `json:"uploadRatio"`
	ETA            int64    `json:"eta"`
	DownloadDir    string   `json:"downloadDir"`
	AddedDate      int64    `json:"addedDate"`
	Labels         []string `json:"labels"`
	ErrorString    string   `json:"errorString"`
	TrackerStats   []struct {
		Announce           string `json:"announce"`
		LastAnnounceResult string `json:"lastAnnounceResult"`
		SeederCount        int    `json:"seederCount"`
		LeecherCount       int    `json:"leecherCount"`
	} `json:"trackerStats"`
	Peers []struct {
		Address      string  `json:"address"`
		ClientName   string  `json:"clientName"`
		Progress     float64 `json:"progress"`
		RateToClient int64   `json:"rateToClient"`
		RateToPeer   int64   `json:"rateToPeer"`
	} `json:"peers"`
}

var torrentGetFields = []string{
	"hashString", "name", "status", "percentDone", "totalSize",
	"rateDownload", "rateUpload", "downloadedEver", "uploadedEver",
	"uploadRatio", "eta", "downloadDir", "addedDate", "labels",
	"errorString", "trackerStats", "peers",
}

func (c *Client) fetchTorrents(ctx context.Context, hashes []string, fields []string) ([]torrentInfo, error) {
	args := map[string]any{"fields": fields}
	if len(hashes) > 0 {
		args["ids"] = hashes
	}

	var out struct {
		Torrents []torrentInfo `json:"torrents"`
	}
	if err := c.tr.Call(ctx, "torrent-get", args, &out); err != nil {
		return nil, err
	}
	return out.Torrents, nil
}

// FetchItems returns all torrents in one batched call; tracker and peer
// detail arrives with the listing.
func (c *Client) FetchItems(ctx context.Context) ([]backend.Item, error) {
	if err := c.EnsureLoggedIn(ctx); err != nil {
		return nil, err
	}

	torrents, err := c.fetchTorrents(ctx, nil, torrentGetFields)
	if err != nil {
		return nil, err
	}

	items := make([]backend.Item, 0, len(torrents))
	for _, t := range torrents {
		items = append(items, normalizeTorrent(t))
	}
	return items, nil
}

func normalizeTorrent(t torrentInfo) backend.Item {
	item := backend.Item{
		Hash:          t.HashString,
		Name:          t.Name,
		State:         normalizeStatus(t),
		Progress:      t.PercentDone,
		Size:          t.TotalSize,
		DownloadSpeed: t.RateDownload,
		UploadSpeed:   t.RateUpload,
		Downloaded:    t.DownloadedEver,
		Uploaded:      t.UploadedEver,
		Ratio:         t.UploadRatio,
		ETA:           t.ETA,
		SavePath:      t.DownloadDir,
		AddedAt:       time.Unix(t.AddedDate, 0),
	}

	if len(t.Labels) > 0 {
		item.Category = t.Labels[0]
	}

	for _, ts := range t.TrackerStats {
		item.Trackers = append(item.Trackers, backend.Tracker{
			URL:      ts.Announce,
			Status:   "working",
			Message:  ts.LastAnnounceResult,
			Seeders:  ts.SeederCount,
			Leechers: ts.LeecherCount,
		})
	}

	for _, p := range t.Peers {
		item.Peers = append(item.Peers, backend.Peer{
			Address:       p.Address,
			ClientName:    p.ClientName,
			Progress:      p.Progress,
			DownloadSpeed: p.RateToClient,
			UploadSpeed:   p.RateToPeer,
		})
	}

	return item
}

func normalizeStatus(t torrentInfo) backend.ItemState {
	if t.ErrorString != "" {
		return backend.StateError
	}

	switch t.Status {
	case 0:
		return backend.StatePaused
	case 1, 2:
		return backend.StateChecking
	case 3:
		return backend.StateQueued
	case 4:
		return backend.StateDownloading
	case 5:
		return backend.StateQueued
	case 6:
		return backend.StateSeeding
	default:
		return backend.StateUnknown
	}
}

// FetchesDetailPerItem is false: trackerStats and peers ride along with the
// batched torrent-get call.
func (c *Client) FetchesDetailPerItem() bool {
	return false
}

func (c *Client) Trackers(ctx context.Context, hash string) ([]backend.Tracker, error) {
	torrents, err := c.fetchTorrents(ctx, []string{hash}, []string{"hashString", "trackerStats"})
	if err != nil {
		return nil, err
	}
	if len(torrents) == 0 {
		return nil, errors.Wrap(backend.ErrRemote, "torrent not found")
	}
	return normalizeTorrent(torrents[0]).Trackers, nil
}

func (c *Client) Peers(ctx context.Context, hash string) ([]backend.Peer, error) {
	torrents, err := c.fetchTorrents(ctx, []string{hash}, []string{"hashString", "peers"})
	if err != nil {
		return nil, err
	}
	if len(torrents) == 0 {
		return nil, errors.Wrap(backend.ErrRemote, "torrent not found")
	}
	return normalizeTorrent(torrents[0]).Peers, nil
}

func (c *Client) Stats(ctx context.Context) (*backend.TransferStats, error) {
	var session sessionInfo
	if err := c.tr.Call(ctx, "session-get", nil, &session); err != nil {
		return nil, err
	}

	var stats struct {
		DownloadSpeed   int64 `json:"downloadSpeed"`
		UploadSpeed     int64 `json:"uploadSpeed"`
		CumulativeStats struct {
			DownloadedBytes int64 `json:"downloadedBytes"`
			UploadedBytes   int64 `json:"uploadedBytes"`
		} `json:"cumulative-stats"`
	}
	if err := c.tr.Call(ctx, "session-stats", nil, &stats); err != nil {
		return nil, err
	}

	var port struct {
		PortIsOpen bool `json:"port-is-open"`
	}
	if err := c.tr.Call(ctx, "port-test", nil, &port); err != nil {
		// Port probing is advisory; the backend may have it disabled.
		port.PortIsOpen = false
	}

	return &backend.TransferStats{
		DownloadSpeed:   stats.DownloadSpeed,
		UploadSpeed:     stats.UploadSpeed,
		TotalDownloaded: stats.CumulativeStats.DownloadedBytes,
		TotalUploaded:   stats.CumulativeStats.UploadedBytes,
		ListenPort:      session.PeerPort,
		PortOpen:        port.PortIsOpen,
	}, nil
}

func (c *Client) Files(ctx context.Context, hash string) ([]backend.File, error) {
	var out struct {
		Torrents []struct {
			Files []struct {
				Name           string `json:"name"`
				Length         int64  `json:"length"`
				BytesCompleted int64  `json:"bytesCompleted"`
			} `json:"files"`
			FileStats []struct {
				Priority int `json:"priority"`
			} `json:"fileStats"`
		} `json:"torrents"`
	}
	args := map[string]any{"ids": []string{hash}, "fields": []string{"files", "fileStats"}}
	if err := c.tr.Call(ctx, "torrent-get", args, &out); err != nil {
		return nil, err
	}
	if len(out.Torrents) == 0 {
		return nil, errors.Wrap(backend.ErrRemote, "torrent not found")
	}

	t := out.Torrents[0]
	files := make([]backend.File, 0, len(t.Files))
	for i, f := range t.Files {
		file := backend.File{Path: f.Name, Size: f.Length}
		if f.Length > 0 {
			file.Progress = float64(f.BytesCompleted) / float64(f.Length)
		}
		if i < len(t.FileStats) {
			file.Priority = t.FileStats[i].Priority
		}
		files = append(files, file)
	}
	return files, nil
}

func (c *Client) torrentAction(ctx context.Context, method, hash string) error {
	return c.tr.Call(ctx, method, map[string]any{"ids": []string{hash}}, nil)
}

func (c *Client) Pause(ctx context.Context, hash string) error {
	return c.torrentAction(ctx, "torrent-stop", hash)
}

func (c *Client) Resume(ctx context.Context, hash string) error {
	return c.torrentAction(ctx, "torrent-start", hash)
}

func (c *Client) Remove(ctx context.Context, hash string, deleteFiles bool) error {
	return c.tr.Call(ctx, "torrent-remove", map[string]any{
		"ids":               []string{hash},
		"delete-local-data": deleteFiles,
	}, nil)
}

func (c *Client) Move(ctx context.Context, hash, path string) error {
	return c.tr.Call(ctx, "torrent-set-location", map[string]any{
		"ids":      []string{hash},
		"location": path,
		"move":     true,
	}, nil)
}

func (c *Client) Recheck(ctx context.Context, hash string) error {
	return c.torrentAction(ctx, "torrent-verify", hash)
}

func (c *Client) Reannounce(ctx context.Context, hash string) error {
	return c.torrentAction(ctx, "torrent-reannounce", hash)
}

func (c *Client) addArgs(uri string, raw []byte, opts backend.AddOptions) map[string]any {
	args := map[string]any{"paused": opts.Paused}
	if uri != "" {
		args["filename"] = uri
	}
	if raw != nil {
		args["metainfo"] = base64.StdEncoding.EncodeToString(raw)
	}
	if opts.SavePath != "" {
		args["download-dir"] = opts.SavePath
	}
	if opts.Category != "" {
		args["labels"] = []string{opts.Category}
	}
	return args
}

func (c *Client) AddMagnet(ctx context.Context, uri string, opts backend.AddOptions) error {
	return c.tr.Call(ctx, "torrent-add", c.addArgs(uri, nil, opts), nil)
}

func (c *Client) AddTorrent(ctx context.Context, raw []byte, opts backend.AddOptions) error {
	return c.tr.Call(ctx, "torrent-add", c.addArgs("", raw, opts), nil)
}

// DefaultGroupingID: torrents without labels belong to the default group.
func (c *Client) DefaultGroupingID() string {
	return ""
}

// ListGroupings scans all torrents and collects distinct labels; labels have
// no server-side registry of their own.
func (c *Client) ListGroupings(ctx context.Context) ([]backend.Grouping, error) {
	torrents, err := c.fetchTorrents(ctx, nil, []string{"hashString", "labels"})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var groupings []backend.Grouping
	for _, t := range torrents {
		for _, label := range t.Labels {
			if _, ok := seen[label]; ok {
				continue
			}
			seen[label] = struct{}{}
			groupings = append(groupings, backend.Grouping{ID: label, Name: label})
		}
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

	// A label with no members is indistinguishable from an existing one;
	// report it as-is rather than failing.
	return &backend.Grouping{ID: id, Name: id}, nil
}

// CreateGrouping is a no-op: a label exists once a torrent carries it.
func (c *Client) CreateGrouping(_ context.Context, g backend.Grouping) (string, error) {
	return g.Name, nil
}

// UpdateGrouping is a no-op: labels carry no attributes to push.
func (c *Client) UpdateGrouping(_ context.Context, _ backend.Grouping) error {
	return nil
}

// RenameGrouping relabels every member torrent; there is no label registry
// to rename, so reassignment is the whole operation.
func (c *Client) RenameGrouping(ctx context.Context, id, newName string) (string, error) {
	torrents, err := c.fetchTorrents(ctx, nil, []string{"hashString", "labels"})
	if err != nil {
		return "", err
	}

	for _, t := range torrents {
		if !slices.Contains(t.Labels, id) {
			continue
		}

		labels := make([]string, 0, len(t.Labels))
		for _, label := range t.Labels {
			if label == id {
				label = newName
			}
			labels = append(labels, label)
		}

		if err := c.tr.Call(ctx, "torrent-set", map[string]any{
			"ids":    []string{t.HashString},
			"labels": labels,
		}, nil); err != nil {
			return "", fmt.Errorf("failed to relabel %s: %w", t.HashString, err)
		}
	}

	return newName, nil
}

// DeleteGrouping is a no-op: the label disappears with its last member.
func (c *Client) DeleteGrouping(_ context.Context, _ string) error {
	return nil
}

func (c *Client) SetItemGrouping(ctx context.Context, hash, groupingID string) error {
	labels := []string{}
	if groupingID != "" {
		labels = []string{groupingID}
	}
	return c.tr.Call(ctx, "torrent-set", map[string]any{
		"ids":    []string{hash},
		"labels": labels,
	}, nil)
}
