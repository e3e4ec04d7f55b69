// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/manifold-dl/manifold/internal/models"
)

// Reconnect delays per backend family. The exact values carry no semantic
// weight beyond "retry soon, but not aggressively"; they are overridable
// via WithReconnectDelay.
const (
	qbittorrentReconnectDelay = 10 * time.Second
	defaultReconnectDelay     = 30 * time.Second

	// Shutdown waits for an in-flight connect attempt in short fixed steps,
	// bounded so shutdown cannot hang on a wedged attempt.
	shutdownPollInterval = 100 * time.Millisecond
	shutdownPollAttempts = 50
)

var ErrBackendDisabled = errors.New("backend is disabled")

// Factory builds a fresh protocol client for a backend. Called on every
// (re)connect; the previous client is always disconnected and discarded
// first.
type Factory func(b *models.Backend, password string) (Ops, error)

// OnConnectFunc is fired synchronously after a manager reaches Connected,
// in registration order. Fire-and-forget notifications, not subscriptions.
type OnConnectFunc func(ctx context.Context, m *Manager)

// Manager owns one protocol client for one configured backend and drives
// its lifecycle: connect, test, reconnect on failure, disconnect. It caches
// the last good snapshot so pollers degrade gracefully while the backend is
// unreachable.
type Manager struct {
	backend    *models.Backend
	password   string
	factory    Factory
	errorStore *models.BackendErrorStore
	categories *models.CategoryStore

	connectionInProgress atomic.Bool
	shuttingDown         atomic.Bool

	mu               sync.RWMutex
	ops              Ops
	version          string
	lastErr          string
	lastErrTime      time.Time
	cachedListenPort int
	lastData         *Data
	trackerCache     map[string]trackerCacheEntry

	reconnectMu    sync.Mutex
	reconnectTimer *time.Timer
	reconnectDelay time.Duration

	listenersMu sync.Mutex
	listeners   []OnConnectFunc

	refresher *Refresher
}

type ManagerOption func(*Manager)

// WithReconnectDelay overrides the per-family reconnect delay.
func WithReconnectDelay(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.reconnectDelay = d
		}
	}
}

// WithRefreshInterval overrides the tracker/peer refresher interval.
func WithRefreshInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.refresher.interval = d
		}
	}
}

func NewManager(b *models.Backend, password string, factory Factory, errorStore *models.BackendErrorStore, categories *models.CategoryStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		backend:        b,
		password:       password,
		factory:        factory,
		errorStore:     errorStore,
		categories:     categories,
		trackerCache:   make(map[string]trackerCacheEntry),
		reconnectDelay: reconnectDelayFor(b.ClientType),
	}
	m.refresher = newRefresher(m)

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func reconnectDelayFor(t models.ClientType) time.Duration {
	if t == models.ClientTypeQBittorrent {
		return qbittorrentReconnectDelay
	}
	return defaultReconnectDelay
}

func (m *Manager) BackendID() int {
	return m.backend.ID
}

func (m *Manager) ClientType() models.ClientType {
	return m.backend.ClientType
}

// OnConnect registers a listener fired after every successful connect.
// Register at startup, before StartConnection.
func (m *Manager) OnConnect(fn OnConnectFunc) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// InitClient performs one full connect attempt: tear down any existing
// client, build a fresh one, test it, and install it. Refuses to overlap
// with another in-flight attempt and never panics; test failures are
// recorded and returned.
func (m *Manager) InitClient(ctx context.Context) error {
	if !m.connectionInProgress.CompareAndSwap(false, true) {
		return ErrConnectionInProgress
	}
	defer m.connectionInProgress.Store(false)

	if m.shuttingDown.Load() {
		return errors.New("manager is shutting down")
	}

	if !m.backend.Enabled {
		return ErrBackendDisabled
	}

	// Exactly one live client per manager: the old one goes first.
	m.mu.Lock()
	old := m.ops
	m.ops = nil
	m.mu.Unlock()

	if old != nil {
		m.refresher.Stop()
		if err := old.Disconnect(ctx); err != nil {
			log.Debug().Err(err).Int("backendID", m.backend.ID).Msg("Failed to disconnect stale client")
		}
	}

	ops, err := m.factory(m.backend, m.password)
	if err != nil {
		m.recordError(ctx, err)
		return errors.Wrap(err, "failed to build protocol client")
	}

	result := ops.TestConnection(ctx)
	if !result.Success {
		err := errors.Wrap(errors.New(result.Error), "connection test failed")
		m.recordError(ctx, err)
		return err
	}

	m.mu.Lock()
	m.ops = ops
	m.version = result.Version
	m.lastErr = ""
	m.lastErrTime = time.Time{}
	m.mu.Unlock()

	m.clearError(ctx)
	m.cancelReconnect()

	log.Info().
		Int("backendID", m.backend.ID).
		Str("clientType", string(m.backend.ClientType)).
		Str("version", result.Version).
		Msg("Backend connected")

	m.fireOnConnect(ctx)
	m.cacheListenPort(ctx)
	m.refresher.Start()

	return nil
}

func (m *Manager) fireOnConnect(ctx context.Context) {
	m.listenersMu.Lock()
	listeners := append([]OnConnectFunc{}, m.listeners...)
	m.listenersMu.Unlock()

	for _, fn := range listeners {
		fn(ctx, m)
	}
}

func (m *Manager) cacheListenPort(ctx context.Context) {
	stats, err := m.opsStats(ctx)
	if err != nil {
		log.Debug().Err(err).Int("backendID", m.backend.ID).Msg("Failed to cache listen port")
		return
	}

	m.mu.Lock()
	m.cachedListenPort = stats.ListenPort
	m.mu.Unlock()
}

func (m *Manager) opsStats(ctx context.Context) (*TransferStats, error) {
	m.mu.RLock()
	ops := m.ops
	m.mu.RUnlock()

	if ops == nil {
		return nil, ErrNotConnected
	}
	return ops.Stats(ctx)
}

// StartConnection attempts a connect and, on failure, schedules a retry
// after the family-specific delay. Disabled backends stay Disconnected
// without retrying.
func (m *Manager) StartConnection(ctx context.Context) {
	err := m.InitClient(ctx)
	if err == nil || errors.Is(err, ErrConnectionInProgress) || errors.Is(err, ErrBackendDisabled) {
		return
	}

	log.Warn().Err(err).Int("backendID", m.backend.ID).Msg("Connection attempt failed, scheduling reconnect")
	m.scheduleReconnect()
}

// scheduleReconnect arms the single reconnect timer. A pending timer is
// replaced, never stacked.
func (m *Manager) scheduleReconnect() {
	if m.shuttingDown.Load() {
		return
	}

	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()

	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}

	m.reconnectTimer = time.AfterFunc(m.reconnectDelay, func() {
		m.StartConnection(context.Background())
	})

	log.Debug().Int("backendID", m.backend.ID).Dur("delay", m.reconnectDelay).Msg("Reconnect scheduled")
}

func (m *Manager) cancelReconnect() {
	m.reconnectMu.Lock()
	defer m.reconnectMu.Unlock()

	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// Shutdown cancels timers and the refresher, waits bounded for any in-flight
// connect attempt, then disconnects best-effort. Safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) {
	m.shuttingDown.Store(true)
	m.cancelReconnect()
	m.refresher.Stop()

	// Bounded wait: ~5 s in fixed steps, then give up and tear down anyway.
	err := retry.Do(
		func() error {
			if m.connectionInProgress.Load() {
				return ErrConnectionInProgress
			}
			return nil
		},
		retry.Attempts(shutdownPollAttempts),
		retry.Delay(shutdownPollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		log.Warn().Int("backendID", m.backend.ID).Msg("Connect attempt still in flight at shutdown, tearing down anyway")
	}

	m.mu.Lock()
	ops := m.ops
	m.ops = nil
	m.mu.Unlock()

	if ops != nil {
		if err := ops.Disconnect(ctx); err != nil {
			log.Debug().Err(err).Int("backendID", m.backend.ID).Msg("Disconnect error during shutdown")
		}
	}

	log.Debug().Int("backendID", m.backend.ID).Msg("Manager shut down")
}

func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ops != nil && m.ops.IsConnected()
}

func (m *Manager) Status() ManagerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := ManagerStatus{
		BackendID:  m.backend.ID,
		Name:       m.backend.Name,
		ClientType: m.backend.ClientType,
		Connected:  m.ops != nil && m.ops.IsConnected(),
		Version:    m.version,
		LastError:  m.lastErr,
		ListenPort: m.cachedListenPort,
	}
	if !m.lastErrTime.IsZero() {
		t := m.lastErrTime
		status.LastErrorTime = &t
	}
	return status
}

func (m *Manager) recordError(ctx context.Context, err error) {
	m.mu.Lock()
	m.lastErr = err.Error()
	m.lastErrTime = time.Now()
	m.mu.Unlock()

	if m.errorStore != nil {
		if recordErr := m.errorStore.RecordError(ctx, m.backend.ID, err); recordErr != nil {
			log.Error().Err(recordErr).Int("backendID", m.backend.ID).Msg("Failed to persist backend error")
		}
	}
}

func (m *Manager) clearError(ctx context.Context) {
	if m.errorStore == nil {
		return
	}
	if err := m.errorStore.ClearError(ctx, m.backend.ID); err != nil {
		log.Error().Err(err).Int("backendID", m.backend.ID).Msg("Failed to clear backend error")
	}
}

// handleFetchError records a data-fetch failure and schedules a reconnect
// when the failure looks connection-related. Transient RPC errors only get
// logged.
func (m *Manager) handleFetchError(ctx context.Context, err error) {
	m.recordError(ctx, err)

	if IsConnectionError(err) {
		log.Warn().Err(err).Int("backendID", m.backend.ID).Msg("Connection-level failure, scheduling reconnect")
		m.scheduleReconnect()
		return
	}

	log.Debug().Err(err).Int("backendID", m.backend.ID).Msg("Transient fetch failure")
}

// FetchData returns the normalized snapshot. While disconnected or on fetch
// failure it returns the last good snapshot instead of an error so callers
// degrade gracefully.
func (m *Manager) FetchData(ctx context.Context) *Data {
	m.mu.RLock()
	ops := m.ops
	m.mu.RUnlock()

	if ops == nil {
		return m.cachedData()
	}

	items, err := ops.FetchItems(ctx)
	if err != nil {
		m.handleFetchError(ctx, err)
		return m.cachedData()
	}

	items = m.stitchTrackerData(items)
	data := partitionItems(items)

	m.mu.Lock()
	m.lastData = data
	m.mu.Unlock()

	return data
}

func (m *Manager) cachedData() *Data {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.lastData == nil {
		return &Data{}
	}
	return m.lastData
}

// stitchTrackerData merges cached tracker/peer detail onto items that don't
// carry it natively.
func (m *Manager) stitchTrackerData(items []Item) []Item {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.trackerCache) == 0 {
		return items
	}

	for i := range items {
		entry, ok := m.trackerCache[items[i].Hash]
		if !ok {
			continue
		}
		if len(items[i].Trackers) == 0 {
			items[i].Trackers = entry.Trackers
		}
		if len(items[i].Peers) == 0 {
			items[i].Peers = entry.Peers
		}
	}
	return items
}

// partitionItems splits the flat item list into the downloads / shared
// files / uploads views consumed by pollers.
func partitionItems(items []Item) *Data {
	data := &Data{}
	for _, item := range items {
		switch {
		case item.Progress >= 1 || item.State == StateSeeding:
			data.SharedFiles = append(data.SharedFiles, item)
		default:
			data.Downloads = append(data.Downloads, item)
		}
		if item.UploadSpeed > 0 {
			data.Uploads = append(data.Uploads, item)
		}
	}
	return data
}

// Stats returns the backend-wide transfer summary, falling back to the
// listen port cached at connect time when the live call omits it.
func (m *Manager) Stats(ctx context.Context) (*TransferStats, error) {
	stats, err := m.opsStats(ctx)
	if err != nil {
		if IsConnectionError(err) && !errors.Is(err, ErrNotConnected) {
			m.handleFetchError(ctx, err)
		}
		return nil, err
	}

	if stats.ListenPort == 0 {
		m.mu.RLock()
		stats.ListenPort = m.cachedListenPort
		m.mu.RUnlock()
	}
	return stats, nil
}

func (m *Manager) liveOps() (Ops, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.ops == nil {
		return nil, ErrNotConnected
	}
	return m.ops, nil
}

// Control operations fail immediately and explicitly while disconnected and
// propagate backend errors untouched. No silent retries for user actions.

func (m *Manager) Pause(ctx context.Context, hash string) error {
	ops, err := m.liveOps()
	if err != nil {
		return err
	}
	return ops.Pause(ctx, hash)
}

func (m *Manager) Resume(ctx context.Context, hash string) error {
	ops, err := m.liveOps()
	if err != nil {
		return err
	}
	return ops.Resume(ctx, hash)
}

func (m *Manager) RemoveDownload(ctx context.Context, hash string, deleteFiles bool) error {
	ops, err := m.liveOps()
	if err != nil {
		return err
	}
	return ops.Remove(ctx, hash, deleteFiles)
}

func (m *Manager) Move(ctx context.Context, hash, path string) error {
	ops, err := m.liveOps()
	if err != nil {
		return err
	}
	return ops.Move(ctx, hash, path)
}

func (m *Manager) Recheck(ctx context.Context, hash string) error {
	ops, err := m.liveOps()
	if err != nil {
		return err
	}
	return ops.Recheck(ctx, hash)
}

func (m *Manager) Reannounce(ctx context.Context, hash string) error {
	ops, err := m.liveOps()
	if err != nil {
		return err
	}
	return ops.Reannounce(ctx, hash)
}

func (m *Manager) AddMagnet(ctx context.Context, uri string, opts AddOptions) error {
	ops, err := m.liveOps()
	if err != nil {
		return err
	}

	if !strings.HasPrefix(uri, "magnet:") {
		return errors.Wrap(ErrRemote, "not a magnet URI")
	}
	return ops.AddMagnet(ctx, uri, opts)
}

// AddTorrentRaw validates the payload as torrent metainfo before handing it
// to the backend, so malformed uploads fail locally with a useful error.
func (m *Manager) AddTorrentRaw(ctx context.Context, raw []byte, opts AddOptions) error {
	ops, err := m.liveOps()
	if err != nil {
		return err
	}

	mi, err := metainfo.Load(bytes.NewReader(raw))
	if err != nil {
		return errors.Wrap(ErrRemote, "invalid torrent payload")
	}

	hash := mi.HashInfoBytes().HexString()
	log.Debug().Int("backendID", m.backend.ID).Str("hash", hash).Msg("Adding torrent from raw payload")

	return ops.AddTorrent(ctx, raw, opts)
}

func (m *Manager) Files(ctx context.Context, hash string) ([]File, error) {
	ops, err := m.liveOps()
	if err != nil {
		return nil, err
	}
	return ops.Files(ctx, hash)
}

// SetCategory assigns an item to a local category, resolving the category's
// external id for this backend. A missing link is created once (native
// grouping + recorded link) and reused afterwards.
func (m *Manager) SetCategory(ctx context.Context, hash, categoryName string) error {
	ops, err := m.liveOps()
	if err != nil {
		return err
	}

	if m.categories == nil {
		return errors.New("no category store configured")
	}

	category, err := m.categories.GetByName(ctx, categoryName)
	if err != nil {
		return err
	}

	externalID, ok := category.ExternalIDs[m.backend.ID]
	if !ok {
		externalID, err = ops.CreateGrouping(ctx, Grouping{
			Name:     category.Name,
			SavePath: category.SavePath,
			Comment:  category.Comment,
			Color:    category.Color,
			Priority: category.Priority,
		})
		if err != nil {
			return errors.Wrap(err, "failed to create native grouping")
		}
		if err := m.categories.LinkExternalID(ctx, category.Name, m.backend.ID, externalID); err != nil {
			return err
		}
	}

	return ops.SetItemGrouping(ctx, hash, externalID)
}

// Groupings exposes the grouping surface for the reconciler.
func (m *Manager) Groupings() (GroupingOps, error) {
	ops, err := m.liveOps()
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// TrackerData returns the cached tracker/peer detail for one item.
func (m *Manager) TrackerData(hash string) ([]Tracker, []Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.trackerCache[hash]
	if !ok {
		return nil, nil, false
	}
	return entry.Trackers, entry.Peers, true
}

// replaceTrackerCache installs a freshly-built cache, replacing the previous
// one wholesale.
func (m *Manager) replaceTrackerCache(cache map[string]trackerCacheEntry) {
	m.mu.Lock()
	m.trackerCache = cache
	m.mu.Unlock()
}

// lastItems returns the flat item list from the last good snapshot.
func (m *Manager) lastItems() []Item {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.lastData == nil {
		return nil
	}

	items := make([]Item, 0, len(m.lastData.Downloads)+len(m.lastData.SharedFiles))
	items = append(items, m.lastData.Downloads...)
	items = append(items, m.lastData.SharedFiles...)
	return items
}
