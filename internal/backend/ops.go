// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import "context"

// Ops is the protocol-client capability set implemented once per backend
// kind. A Manager owns exactly one live Ops at a time and drives its
// lifecycle; everything above the Manager consumes normalized types only.
//
// Control operations return errors from the shared taxonomy untouched.
// Implementations that lack a native primitive document the substitute
// behavior (rename via create/migrate/delete, no-op grouping creation).
type Ops interface {
	// Login performs the backend's authentication handshake. EnsureLoggedIn
	// is idempotent: a no-op while a live session artifact exists.
	Login(ctx context.Context) error
	EnsureLoggedIn(ctx context.Context) error

	// TestConnection verifies reachability and reports the daemon version.
	TestConnection(ctx context.Context) TestResult

	Disconnect(ctx context.Context) error
	IsConnected() bool

	// FetchItems returns the normalized item list. Single batched call where
	// the backend supports it; tracker/peer detail is stitched on by the
	// manager from the refresher cache when absent.
	FetchItems(ctx context.Context) ([]Item, error)

	// FetchesDetailPerItem reports whether tracker/peer detail requires one
	// call per item (true) or arrives batched from FetchItems (false).
	FetchesDetailPerItem() bool
	Trackers(ctx context.Context, hash string) ([]Tracker, error)
	Peers(ctx context.Context, hash string) ([]Peer, error)

	Stats(ctx context.Context) (*TransferStats, error)
	Files(ctx context.Context, hash string) ([]File, error)

	// Item control.
	Pause(ctx context.Context, hash string) error
	Resume(ctx context.Context, hash string) error
	Remove(ctx context.Context, hash string, deleteFiles bool) error
	Move(ctx context.Context, hash, path string) error
	Recheck(ctx context.Context, hash string) error
	Reannounce(ctx context.Context, hash string) error

	// Item addition; both forms share AddOptions.
	AddMagnet(ctx context.Context, uri string, opts AddOptions) error
	AddTorrent(ctx context.Context, raw []byte, opts AddOptions) error

	GroupingOps
}

// GroupingOps is the native category/label surface consumed by the
// reconciler. Backends whose groupings are ad hoc implement EnsureGrouping
// and CreateGrouping as no-ops and discover groupings by scanning items.
type GroupingOps interface {
	// DefaultGroupingID is the backend's sentinel for "no category".
	DefaultGroupingID() string

	ListGroupings(ctx context.Context) ([]Grouping, error)
	GetGrouping(ctx context.Context, id string) (*Grouping, error)
	CreateGrouping(ctx context.Context, g Grouping) (string, error)
	UpdateGrouping(ctx context.Context, g Grouping) error
	RenameGrouping(ctx context.Context, id, newName string) (string, error)
	DeleteGrouping(ctx context.Context, id string) error
	SetItemGrouping(ctx context.Context, hash, groupingID string) error
}
