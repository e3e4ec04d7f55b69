// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import (
	"time"

	"github.com/manifold-dl/manifold/internal/models"
)

// ItemState is the normalized lifecycle state of a download.
type ItemState string

const (
	StateDownloading ItemState = "downloading"
	StateSeeding     ItemState = "seeding"
	StatePaused      ItemState = "paused"
	StateQueued      ItemState = "queued"
	StateChecking    ItemState = "checking"
	StateError       ItemState = "error"
	StateUnknown     ItemState = "unknown"
)

// Item is one torrent/download normalized across backend kinds.
type Item struct {
	Hash          string    `json:"hash"`
	Name          string    `json:"name"`
	State         ItemState `json:"state"`
	Progress      float64   `json:"progress"`
	Size          int64     `json:"size"`
	DownloadSpeed int64     `json:"downloadSpeed"`
	UploadSpeed   int64     `json:"uploadSpeed"`
	Downloaded    int64     `json:"downloaded"`
	Uploaded      int64     `json:"uploaded"`
	Ratio         float64   `json:"ratio"`
	ETA           int64     `json:"eta"`
	SavePath      string    `json:"savePath"`
	Category      string    `json:"category,omitempty"`
	AddedAt       time.Time `json:"addedAt"`
	Trackers      []Tracker `json:"trackers,omitempty"`
	Peers         []Peer    `json:"peers,omitempty"`
}

type Tracker struct {
	URL      string `json:"url"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Seeders  int    `json:"seeders"`
	Leechers int    `json:"leechers"`
}

type Peer struct {
	Address       string  `json:"address"`
	ClientName    string  `json:"clientName,omitempty"`
	Progress      float64 `json:"progress"`
	DownloadSpeed int64   `json:"downloadSpeed"`
	UploadSpeed   int64   `json:"uploadSpeed"`
}

// File is one file within a download.
type File struct {
	Path     string  `json:"path"`
	Size     int64   `json:"size"`
	Progress float64 `json:"progress"`
	Priority int     `json:"priority"`
}

// trackerCacheEntry holds the tracker/peer detail for one item, fetched by
// the refresher. Entries are replaced wholesale each cycle.
type trackerCacheEntry struct {
	Trackers  []Tracker
	Peers     []Peer
	FetchedAt time.Time
}

// Grouping is a backend's native category/label as reported by the backend.
type Grouping struct {
	// ID is the backend-native identifier. For label-based backends this is
	// the label string itself.
	ID       string
	Name     string
	SavePath string
	Comment  string
	Color    string
	Priority int
}

// TestResult is the outcome of a connection test.
type TestResult struct {
	Success bool   `json:"success"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TransferStats is the backend-wide transfer summary.
type TransferStats struct {
	DownloadSpeed   int64 `json:"downloadSpeed"`
	UploadSpeed     int64 `json:"uploadSpeed"`
	TotalDownloaded int64 `json:"totalDownloaded"`
	TotalUploaded   int64 `json:"totalUploaded"`
	ListenPort      int   `json:"listenPort"`
	PortOpen        bool  `json:"portOpen"`
}

// AddOptions are the normalized options for adding a download, by magnet URI
// or raw payload alike.
type AddOptions struct {
	SavePath string
	Category string
	Paused   bool
}

// Data is the normalized snapshot handed to pollers.
type Data struct {
	Downloads   []Item `json:"downloads"`
	SharedFiles []Item `json:"sharedFiles"`
	Uploads     []Item `json:"uploads"`
}

// ManagerStatus describes a manager's connection state for API consumers.
type ManagerStatus struct {
	BackendID     int               `json:"backendId"`
	Name          string            `json:"name"`
	ClientType    models.ClientType `json:"clientType"`
	Connected     bool              `json:"connected"`
	Version       string            `json:"version,omitempty"`
	LastError     string            `json:"lastError,omitempty"`
	LastErrorTime *time.Time        `json:"lastErrorTime,omitempty"`
	ListenPort    int               `json:"listenPort,omitempty"`
}
