// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/manifold-dl/manifold/internal/models"
)

var (
	ErrManagerNotFound = errors.New("backend manager not found")
	ErrPoolClosed      = errors.New("manager pool is closed")
)

// snapshotTTL bounds how often pollers hit the backends for fresh data.
const snapshotTTL = 15 * time.Second

// SyncFunc reconciles categories for one manager. Registered by the
// reconciler at startup; the pool invokes it when propagating a converged
// category set to the other connected managers.
type SyncFunc func(ctx context.Context, m *Manager) error

// Pool owns every connection manager in the process, one per configured
// backend, plus the per-kind client factories. Managers are created at
// startup and destroyed only at process shutdown or explicit removal.
type Pool struct {
	mu        sync.RWMutex
	managers  map[int]*Manager
	factories map[models.ClientType]Factory
	closed    bool

	syncMu       sync.Mutex
	syncFn       SyncFunc
	connectHooks []OnConnectFunc
	defaultOpts  []ManagerOption

	cache *ttlcache.Cache[string, *Data]
}

func NewPool(factories map[models.ClientType]Factory) *Pool {
	return &Pool{
		managers:  make(map[int]*Manager),
		factories: factories,
		cache: ttlcache.New(ttlcache.Options[string, *Data]{}.
			SetDefaultTTL(snapshotTTL)),
	}
}

// SetSyncFunc registers the category reconcile hook used for propagation.
func (p *Pool) SetSyncFunc(fn SyncFunc) {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()
	p.syncFn = fn
}

func (p *Pool) getSyncFunc() SyncFunc {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()
	return p.syncFn
}

// OnConnect registers a listener attached to every manager the pool
// creates, before its first connection attempt starts.
func (p *Pool) OnConnect(fn OnConnectFunc) {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()
	p.connectHooks = append(p.connectHooks, fn)
}

func (p *Pool) getConnectHooks() []OnConnectFunc {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()
	return append([]OnConnectFunc{}, p.connectHooks...)
}

// SetManagerDefaults sets options applied to every manager created
// afterwards, ahead of any per-call options.
func (p *Pool) SetManagerDefaults(opts ...ManagerOption) {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()
	p.defaultOpts = opts
}

func (p *Pool) getManagerDefaults() []ManagerOption {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()
	return append([]ManagerOption{}, p.defaultOpts...)
}

// AddManager builds a manager for a configured backend and starts its
// connection attempt in the background. Disabled backends get a manager
// that stays Disconnected.
func (p *Pool) AddManager(ctx context.Context, b *models.Backend, password string, errorStore *models.BackendErrorStore, categories *models.CategoryStore, opts ...ManagerOption) (*Manager, error) {
	factory, ok := p.factories[b.ClientType]
	if !ok {
		return nil, fmt.Errorf("no client factory for type %q", b.ClientType)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if existing, ok := p.managers[b.ID]; ok {
		p.mu.Unlock()
		return existing, nil
	}

	m := NewManager(b, password, factory, errorStore, categories, append(p.getManagerDefaults(), opts...)...)
	for _, fn := range p.getConnectHooks() {
		m.OnConnect(fn)
	}
	p.managers[b.ID] = m
	p.mu.Unlock()

	if b.Enabled {
		go m.StartConnection(ctx)
	} else {
		log.Debug().Int("backendID", b.ID).Msg("Backend disabled, manager stays disconnected")
	}

	return m, nil
}

func (p *Pool) GetManager(backendID int) (*Manager, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	m, ok := p.managers[backendID]
	if !ok {
		return nil, ErrManagerNotFound
	}
	return m, nil
}

// RemoveManager shuts the manager down and drops it from the pool.
func (p *Pool) RemoveManager(ctx context.Context, backendID int) {
	p.mu.Lock()
	m, ok := p.managers[backendID]
	delete(p.managers, backendID)
	p.mu.Unlock()

	if ok {
		m.Shutdown(ctx)
		log.Info().Int("backendID", backendID).Msg("Removed backend manager")
	}
}

// Managers returns a stable copy of all managers.
func (p *Pool) Managers() []*Manager {
	p.mu.RLock()
	defer p.mu.RUnlock()

	managers := make([]*Manager, 0, len(p.managers))
	for _, m := range p.managers {
		managers = append(managers, m)
	}
	return managers
}

// FetchData returns the manager's normalized snapshot through the pool's
// short-lived cache.
func (p *Pool) FetchData(ctx context.Context, backendID int) (*Data, error) {
	m, err := p.GetManager(backendID)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("data:%d", backendID)
	if data, ok := p.cache.Get(key); ok {
		return data, nil
	}

	data := m.FetchData(ctx)
	p.cache.Set(key, data, snapshotTTL)
	return data, nil
}

// TestBackend builds a throwaway client for the record and runs a one-shot
// connection test, without touching the backend's manager.
func (p *Pool) TestBackend(ctx context.Context, b *models.Backend, password string) TestResult {
	factory, ok := p.factories[b.ClientType]
	if !ok {
		return TestResult{Error: fmt.Sprintf("no client factory for type %q", b.ClientType)}
	}

	ops, err := factory(b, password)
	if err != nil {
		return TestResult{Error: err.Error()}
	}

	result := ops.TestConnection(ctx)
	if err := ops.Disconnect(ctx); err != nil {
		log.Debug().Err(err).Int("backendID", b.ID).Msg("Failed to disconnect test client")
	}
	return result
}

// PropagateCategories runs the registered reconcile hook on every connected
// manager except the originating one, so a category converged against one
// backend becomes pending work for the rest.
func (p *Pool) PropagateCategories(ctx context.Context, excludeBackendID int) {
	syncFn := p.getSyncFunc()
	if syncFn == nil {
		return
	}

	for _, m := range p.Managers() {
		if m.BackendID() == excludeBackendID || !m.IsConnected() {
			continue
		}

		if err := syncFn(ctx, m); err != nil {
			log.Warn().Err(err).Int("backendID", m.BackendID()).Msg("Category propagation failed")
		}
	}
}

// Close shuts down every manager and releases pool resources.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	managers := make([]*Manager, 0, len(p.managers))
	for id, m := range p.managers {
		managers = append(managers, m)
		delete(p.managers, id)
	}
	p.mu.Unlock()

	for _, m := range managers {
		m.Shutdown(ctx)
	}

	p.cache.Close()
	log.Info().Msg("Manager pool closed")
}
