// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package amule adapts a binary EC-protocol session to the normalized
// backend contract. The wire-level framing lives outside this module; any
// ECConn implementation plugs in through a Dialer.
package amule

import "context"

// ECConn is one authenticated EC session. Implementations own framing,
// request/response pairing and the salted-hash login handshake; calls are
// expected to be safe for use from a single manager goroutine at a time.
type ECConn interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// ServerVersion reports the daemon version string from the handshake.
	ServerVersion(ctx context.Context) (string, error)

	DownloadQueue(ctx context.Context) ([]ECFile, error)
	SharedFiles(ctx context.Context) ([]ECFile, error)
	UploadQueue(ctx context.Context) ([]ECUploadSlot, error)
	Stats(ctx context.Context) (*ECStats, error)

	PauseFile(ctx context.Context, hash string) error
	ResumeFile(ctx context.Context, hash string) error
	DeleteFile(ctx context.Context, hash string) error

	// AddLink queues an ed2k or magnet link, optionally into a category.
	AddLink(ctx context.Context, link string, categoryID int) error

	Categories(ctx context.Context) ([]ECCategory, error)
	CreateCategory(ctx context.Context, c ECCategory) (int, error)
	UpdateCategory(ctx context.Context, c ECCategory) error
	DeleteCategory(ctx context.Context, id int) error
	SetFileCategory(ctx context.Context, hash string, categoryID int) error
}

// Dialer establishes an EC session against host:port. The concrete wire
// implementation is supplied by the embedding application.
type Dialer func(ctx context.Context, host string, port int, password string) (ECConn, error)

// EC part-file status codes as reported by the daemon.
const (
	ECStatusReady       = 0
	ECStatusEmpty       = 1
	ECStatusWaitingHash = 2
	ECStatusHashing     = 3
	ECStatusError       = 4
	ECStatusPaused      = 7
	ECStatusCompleting  = 8
	ECStatusComplete    = 9
)

// ECFile is one entry of the download queue or the shared-file list.
type ECFile struct {
	Hash        string
	Name        string
	Size        int64
	Done        int64
	Uploaded    int64
	SpeedDown   int64
	SpeedUp     int64
	Status      int
	CategoryID  int
	SavePath    string
	SourceCount int
	AddedAt     int64
}

// ECUploadSlot is one active upload peer.
type ECUploadSlot struct {
	FileHash    string
	PeerName    string
	PeerAddr    string
	SpeedUp     int64
	Transferred int64
}

// ECStats is the daemon-wide transfer summary.
type ECStats struct {
	DownloadSpeed   int64
	UploadSpeed     int64
	TotalDownloaded int64
	TotalUploaded   int64
	ListenPort      int
	PortOpen        bool
}

// ECCategory mirrors the daemon's category record.
type ECCategory struct {
	ID       int
	Title    string
	Path     string
	Comment  string
	Color    string
	Priority int
}
