// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package amule

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/manifold-dl/manifold/internal/backend"
	"github.com/manifold-dl/manifold/internal/models"
)

// defaultCategoryID is the daemon's built-in "all files" category.
const defaultCategoryID = 0

// Client adapts an EC session to the normalized backend contract. The
// session is dialed lazily on Login so a configured-but-unreachable daemon
// behaves like the HTTP-based kinds.
type Client struct {
	dial     Dialer
	host     string
	port     int
	password string

	conn ECConn
}

// NewFactory returns a pool factory for the amule client type, bound to the
// wire implementation supplied by the embedding application.
func NewFactory(dial Dialer) func(b *models.Backend, password string) (backend.Ops, error) {
	return func(b *models.Backend, password string) (backend.Ops, error) {
		if dial == nil {
			return nil, errors.New("no EC transport configured")
		}
		return &Client{
			dial:     dial,
			host:     b.Host,
			port:     b.Port,
			password: password,
		}, nil
	}
}

func (c *Client) Login(ctx context.Context) error {
	if c.conn == nil {
		conn, err := c.dial(ctx, c.host, c.port, c.password)
		if err != nil {
			return backend.NormalizeNetError(err)
		}
		c.conn = conn
	}

	if err := c.conn.Connect(ctx); err != nil {
		return backend.NormalizeNetError(err)
	}
	return nil
}

func (c *Client) EnsureLoggedIn(ctx context.Context) error {
	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}
	return c.Login(ctx)
}

func (c *Client) TestConnection(ctx context.Context) backend.TestResult {
	if err := c.Login(ctx); err != nil {
		return backend.TestResult{Error: err.Error()}
	}

	version, err := c.conn.ServerVersion(ctx)
	if err != nil {
		return backend.TestResult{Error: err.Error()}
	}
	return backend.TestResult{Success: true, Version: version}
}

func (c *Client) Disconnect(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Disconnect(ctx)
}

func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

func (c *Client) live() (ECConn, error) {
	if c.conn == nil || !c.conn.IsConnected() {
		return nil, backend.ErrNotConnected
	}
	return c.conn, nil
}

// FetchItems merges the download queue and the shared-file list into one
// normalized listing.
func (c *Client) FetchItems(ctx context.Context) ([]backend.Item, error) {
	if err := c.EnsureLoggedIn(ctx); err != nil {
		return nil, err
	}

	downloads, err := c.conn.DownloadQueue(ctx)
	if err != nil {
		return nil, backend.NormalizeNetError(err)
	}

	shared, err := c.conn.SharedFiles(ctx)
	if err != nil {
		return nil, backend.NormalizeNetError(err)
	}

	items := make([]backend.Item, 0, len(downloads)+len(shared))
	for _, f := range downloads {
		items = append(items, normalizeFile(f, false))
	}
	for _, f := range shared {
		items = append(items, normalizeFile(f, true))
	}
	return items, nil
}

func normalizeFile(f ECFile, shared bool) backend.Item {
	item := backend.Item{
		Hash:          f.Hash,
		Name:          f.Name,
		State:         normalizeECStatus(f.Status, shared),
		Size:          f.Size,
		Downloaded:    f.Done,
		Uploaded:      f.Uploaded,
		DownloadSpeed: f.SpeedDown,
		UploadSpeed:   f.SpeedUp,
		SavePath:      f.SavePath,
		AddedAt:       time.Unix(f.AddedAt, 0),
	}

	if f.Size > 0 {
		item.Progress = float64(f.Done) / float64(f.Size)
	}
	if shared {
		item.Progress = 1
	}
	if f.Done > 0 {
		item.Ratio = float64(f.Uploaded) / float64(f.Done)
	}
	if f.CategoryID != defaultCategoryID {
		item.Category = strconv.Itoa(f.CategoryID)
	}
	return item
}

func normalizeECStatus(status int, shared bool) backend.ItemState {
	if shared {
		return backend.StateSeeding
	}

	switch status {
	case ECStatusReady, ECStatusEmpty:
		return backend.StateDownloading
	case ECStatusWaitingHash, ECStatusHashing, ECStatusCompleting:
		return backend.StateChecking
	case ECStatusPaused:
		return backend.StatePaused
	case ECStatusError:
		return backend.StateError
	case ECStatusComplete:
		return backend.StateSeeding
	default:
		return backend.StateUnknown
	}
}

// FetchesDetailPerItem is false: the EC listing is the whole picture; the
// protocol has no per-item tracker or peer detail calls.
func (c *Client) FetchesDetailPerItem() bool {
	return false
}

// Trackers: ed2k has servers, not per-file trackers.
func (c *Client) Trackers(_ context.Context, _ string) ([]backend.Tracker, error) {
	return nil, nil
}

// Peers maps the upload queue slots for the given file.
func (c *Client) Peers(ctx context.Context, hash string) ([]backend.Peer, error) {
	conn, err := c.live()
	if err != nil {
		return nil, err
	}

	slots, err := conn.UploadQueue(ctx)
	if err != nil {
		return nil, backend.NormalizeNetError(err)
	}

	var peers []backend.Peer
	for _, s := range slots {
		if s.FileHash != hash {
			continue
		}
		peers = append(peers, backend.Peer{
			Address:     s.PeerAddr,
			ClientName:  s.PeerName,
			UploadSpeed: s.SpeedUp,
		})
	}
	return peers, nil
}

func (c *Client) Stats(ctx context.Context) (*backend.TransferStats, error) {
	conn, err := c.live()
	if err != nil {
		return nil, err
	}

	stats, err := conn.Stats(ctx)
	if err != nil {
		return nil, backend.NormalizeNetError(err)
	}

	return &backend.TransferStats{
		DownloadSpeed:   stats.DownloadSpeed,
		UploadSpeed:     stats.UploadSpeed,
		TotalDownloaded: stats.TotalDownloaded,
		TotalUploaded:   stats.TotalUploaded,
		ListenPort:      stats.ListenPort,
		PortOpen:        stats.PortOpen,
	}, nil
}

// Files: an EC part file is a single file.
func (c *Client) Files(ctx context.Context, hash string) ([]backend.File, error) {
	items, err := c.FetchItems(ctx)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		if item.Hash != hash {
			continue
		}
		return []backend.File{{
			Path:     item.Name,
			Size:     item.Size,
			Progress: item.Progress,
		}}, nil
	}
	return nil, errors.Wrap(backend.ErrRemote, "file not found")
}

func (c *Client) Pause(ctx context.Context, hash string) error {
	conn, err := c.live()
	if err != nil {
		return err
	}
	return conn.PauseFile(ctx, hash)
}

func (c *Client) Resume(ctx context.Context, hash string) error {
	conn, err := c.live()
	if err != nil {
		return err
	}
	return conn.ResumeFile(ctx, hash)
}

func (c *Client) Remove(ctx context.Context, hash string, _ bool) error {
	conn, err := c.live()
	if err != nil {
		return err
	}
	// Cancelling a part file always discards its data.
	return conn.DeleteFile(ctx, hash)
}

// Move is not part of the EC surface; the daemon owns its directories.
func (c *Client) Move(_ context.Context, _, _ string) error {
	return errors.Wrap(backend.ErrRemote, "move is not supported")
}

func (c *Client) Recheck(_ context.Context, _ string) error {
	return errors.Wrap(backend.ErrRemote, "recheck is not supported")
}

func (c *Client) Reannounce(_ context.Context, _ string) error {
	return errors.Wrap(backend.ErrRemote, "reannounce is not supported")
}

// AddMagnet accepts ed2k and magnet links alike; both travel as links.
func (c *Client) AddMagnet(ctx context.Context, uri string, opts backend.AddOptions) error {
	conn, err := c.live()
	if err != nil {
		return err
	}

	categoryID := defaultCategoryID
	if opts.Category != "" {
		categoryID, err = parseCategoryID(opts.Category)
		if err != nil {
			return err
		}
	}
	return conn.AddLink(ctx, uri, categoryID)
}

func (c *Client) AddTorrent(_ context.Context, _ []byte, _ backend.AddOptions) error {
	return errors.Wrap(backend.ErrRemote, "raw payloads are not supported, use a link")
}

func parseCategoryID(id string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(id))
	if err != nil {
		return 0, errors.Wrapf(backend.ErrRemote, "invalid category id %q", id)
	}
	return n, nil
}

// DefaultGroupingID: category 0 is the daemon's catch-all.
func (c *Client) DefaultGroupingID() string {
	return strconv.Itoa(defaultCategoryID)
}

func (c *Client) ListGroupings(ctx context.Context) ([]backend.Grouping, error) {
	conn, err := c.live()
	if err != nil {
		return nil, err
	}

	categories, err := conn.Categories(ctx)
	if err != nil {
		return nil, backend.NormalizeNetError(err)
	}

	groupings := make([]backend.Grouping, 0, len(categories))
	for _, cat := range categories {
		groupings = append(groupings, normalizeCategory(cat))
	}
	return groupings, nil
}

func normalizeCategory(cat ECCategory) backend.Grouping {
	return backend.Grouping{
		ID:       strconv.Itoa(cat.ID),
		Name:     cat.Title,
		SavePath: cat.Path,
		Comment:  cat.Comment,
		Color:    cat.Color,
		Priority: cat.Priority,
	}
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
	conn, err := c.live()
	if err != nil {
		return "", err
	}

	id, err := conn.CreateCategory(ctx, ECCategory{
		Title:    g.Name,
		Path:     g.SavePath,
		Comment:  g.Comment,
		Color:    g.Color,
		Priority: g.Priority,
	})
	if err != nil {
		return "", backend.NormalizeNetError(err)
	}
	return strconv.Itoa(id), nil
}

func (c *Client) UpdateGrouping(ctx context.Context, g backend.Grouping) error {
	conn, err := c.live()
	if err != nil {
		return err
	}

	id, err := parseCategoryID(g.ID)
	if err != nil {
		return err
	}
	return conn.UpdateCategory(ctx, ECCategory{
		ID:       id,
		Title:    g.Name,
		Path:     g.SavePath,
		Comment:  g.Comment,
		Color:    g.Color,
		Priority: g.Priority,
	})
}

// RenameGrouping is a native update: categories are addressed by index, so
// the id survives the rename.
func (c *Client) RenameGrouping(ctx context.Context, id, newName string) (string, error) {
	g, err := c.GetGrouping(ctx, id)
	if err != nil {
		return "", err
	}

	g.Name = newName
	if err := c.UpdateGrouping(ctx, *g); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Client) DeleteGrouping(ctx context.Context, id string) error {
	conn, err := c.live()
	if err != nil {
		return err
	}

	categoryID, err := parseCategoryID(id)
	if err != nil {
		return err
	}
	if categoryID == defaultCategoryID {
		return errors.Wrap(backend.ErrRemote, "the default category cannot be deleted")
	}
	return conn.DeleteCategory(ctx, categoryID)
}

func (c *Client) SetItemGrouping(ctx context.Context, hash, groupingID string) error {
	conn, err := c.live()
	if err != nil {
		return err
	}

	categoryID := defaultCategoryID
	if groupingID != "" {
		categoryID, err = parseCategoryID(groupingID)
		if err != nil {
			return err
		}
	}
	return conn.SetFileCategory(ctx, hash, categoryID)
}
