// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRefreshInterval = 60 * time.Second
	refreshTimeout         = 30 * time.Second

	// Per-item detail fetches fan out concurrently up to this limit.
	refreshConcurrency = 8
)

// Refresher periodically augments the manager's cached items with tracker
// and peer detail the primary listing call does not return. One refresher
// per manager; started on connect, stopped on disconnect/shutdown.
type Refresher struct {
	manager  *Manager
	interval time.Duration

	mu   sync.Mutex
	stop chan struct{}
}

func newRefresher(m *Manager) *Refresher {
	return &Refresher{
		manager:  m,
		interval: defaultRefreshInterval,
	}
}

// Start launches the refresh loop. A running loop is stopped first, so
// repeated connects never stack loops.
func (r *Refresher) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop != nil {
		close(r.stop)
	}

	stop := make(chan struct{})
	r.stop = stop
	go r.loop(stop)
}

func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
}

func (r *Refresher) loop(stop chan struct{}) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
			r.refresh(ctx)
			cancel()
		case <-stop:
			return
		}
	}
}

// refresh rebuilds the tracker/peer cache for the last known item list. The
// new cache replaces the previous one wholesale; a single item's fetch
// failure only omits that item, never aborts the cycle.
func (r *Refresher) refresh(ctx context.Context) {
	ops, err := r.manager.liveOps()
	if err != nil {
		return
	}

	items := r.manager.lastItems()
	if len(items) == 0 {
		return
	}

	fetchedAt := time.Now()
	cache := make(map[string]trackerCacheEntry, len(items))

	if !ops.FetchesDetailPerItem() {
		// Batched backends deliver tracker/peer detail with the listing;
		// cache whatever the snapshot already carries.
		for _, item := range items {
			if len(item.Trackers) == 0 && len(item.Peers) == 0 {
				continue
			}
			cache[item.Hash] = trackerCacheEntry{Trackers: item.Trackers, Peers: item.Peers, FetchedAt: fetchedAt}
		}
		r.manager.replaceTrackerCache(cache)
		return
	}

	var cacheMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)

	for _, item := range items {
		hash := item.Hash
		g.Go(func() error {
			trackers, err := ops.Trackers(gctx, hash)
			if err != nil {
				log.Debug().Err(err).Int("backendID", r.manager.BackendID()).Str("hash", hash).Msg("Tracker fetch failed, omitting item")
				return nil
			}

			peers, err := ops.Peers(gctx, hash)
			if err != nil {
				log.Debug().Err(err).Int("backendID", r.manager.BackendID()).Str("hash", hash).Msg("Peer fetch failed, omitting item")
				return nil
			}

			cacheMu.Lock()
			cache[hash] = trackerCacheEntry{Trackers: trackers, Peers: peers, FetchedAt: fetchedAt}
			cacheMu.Unlock()
			return nil
		})
	}

	// Individual failures are swallowed above; the join only waits.
	_ = g.Wait()

	r.manager.replaceTrackerCache(cache)

	log.Trace().
		Int("backendID", r.manager.BackendID()).
		Int("items", len(items)).
		Int("cached", len(cache)).
		Msg("Tracker/peer cache refreshed")
}
