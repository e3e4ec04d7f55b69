// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifold-dl/manifold/internal/models"
)

func newTestPool(ops Ops) *Pool {
	return NewPool(map[models.ClientType]Factory{
		models.ClientTypeQBittorrent: func(b *models.Backend, password string) (Ops, error) {
			return ops, nil
		},
	})
}

func TestPoolAddManagerDeduplicates(t *testing.T) {
	fake := newFakeOps()
	pool := newTestPool(fake)
	defer pool.Close(context.Background())

	b := testBackend()
	b.Enabled = false // keep the connection attempt out of the test

	first, err := pool.AddManager(context.Background(), b, "pw", nil, nil)
	require.NoError(t, err)

	second, err := pool.AddManager(context.Background(), b, "pw", nil, nil)
	require.NoError(t, err)
	assert.Same(t, first, second)

	got, err := pool.GetManager(b.ID)
	require.NoError(t, err)
	assert.Same(t, first, got)
}

func TestPoolAddManagerUnknownClientType(t *testing.T) {
	pool := newTestPool(newFakeOps())
	defer pool.Close(context.Background())

	b := testBackend()
	b.ClientType = models.ClientTypeDeluge

	_, err := pool.AddManager(context.Background(), b, "pw", nil, nil)
	require.Error(t, err)
}

func TestPoolRemoveManager(t *testing.T) {
	fake := newFakeOps()
	pool := newTestPool(fake)
	defer pool.Close(context.Background())

	b := testBackend()
	b.Enabled = false

	_, err := pool.AddManager(context.Background(), b, "pw", nil, nil)
	require.NoError(t, err)

	pool.RemoveManager(context.Background(), b.ID)
	_, err = pool.GetManager(b.ID)
	assert.True(t, errors.Is(err, ErrManagerNotFound))
}

func TestPoolConnectHooksAttachToNewManagers(t *testing.T) {
	fake := newFakeOps()
	pool := newTestPool(fake)
	defer pool.Close(context.Background())

	var fired atomic.Int32
	pool.OnConnect(func(ctx context.Context, m *Manager) {
		fired.Add(1)
	})

	b := testBackend()
	_, err := pool.AddManager(context.Background(), b, "pw", nil, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return fired.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPoolManagerDefaultsApplied(t *testing.T) {
	fake := newFakeOps()
	pool := newTestPool(fake)
	defer pool.Close(context.Background())

	pool.SetManagerDefaults(WithReconnectDelay(3 * time.Second))

	b := testBackend()
	b.Enabled = false

	m, err := pool.AddManager(context.Background(), b, "pw", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, m.reconnectDelay)
}

func TestPoolTestBackendDoesNotTouchManagers(t *testing.T) {
	fake := newFakeOps()
	pool := newTestPool(fake)
	defer pool.Close(context.Background())

	result := pool.TestBackend(context.Background(), testBackend(), "pw")
	assert.True(t, result.Success)
	assert.Equal(t, "1.0.0", result.Version)
	assert.Equal(t, int32(1), fake.disconnects.Load(), "throwaway client is torn down")

	_, err := pool.GetManager(testBackend().ID)
	assert.True(t, errors.Is(err, ErrManagerNotFound))
}

func TestPoolTestBackendUnknownType(t *testing.T) {
	pool := newTestPool(newFakeOps())
	defer pool.Close(context.Background())

	b := testBackend()
	b.ClientType = models.ClientTypeAMule

	result := pool.TestBackend(context.Background(), b, "pw")
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}

func TestPoolFetchDataServesFromCache(t *testing.T) {
	fake := newFakeOps()
	fake.items = []Item{{Hash: "aaa", State: StateDownloading}}
	pool := newTestPool(fake)
	defer pool.Close(context.Background())

	b := testBackend()

	m, err := pool.AddManager(context.Background(), b, "pw", nil, nil)
	require.NoError(t, err)
	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)

	first, err := pool.FetchData(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, first.Downloads, 1)

	// Within the TTL the cached snapshot is handed back as-is.
	fake.items = nil
	second, err := pool.FetchData(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestPoolClose(t *testing.T) {
	fake := newFakeOps()
	pool := newTestPool(fake)

	b := testBackend()

	m, err := pool.AddManager(context.Background(), b, "pw", nil, nil)
	require.NoError(t, err)
	require.Eventually(t, m.IsConnected, time.Second, 5*time.Millisecond)

	pool.Close(context.Background())
	assert.Equal(t, int32(1), fake.disconnects.Load())

	_, err = pool.GetManager(b.ID)
	assert.True(t, errors.Is(err, ErrPoolClosed))

	_, err = pool.AddManager(context.Background(), testBackend(), "pw", nil, nil)
	assert.True(t, errors.Is(err, ErrPoolClosed))
}
