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

// fakeOps is a scriptable Ops implementation for lifecycle tests.
type fakeOps struct {
	testResult  TestResult
	testBarrier chan struct{}

	items    []Item
	fetchErr error
	stats    TransferStats

	connected   atomic.Bool
	disconnects atomic.Int32
}

func newFakeOps() *fakeOps {
	f := &fakeOps{
		testResult: TestResult{Success: true, Version: "1.0.0"},
	}
	f.connected.Store(true)
	return f
}

func (f *fakeOps) Login(ctx context.Context) error          { return nil }
func (f *fakeOps) EnsureLoggedIn(ctx context.Context) error { return nil }

func (f *fakeOps) TestConnection(ctx context.Context) TestResult {
	if f.testBarrier != nil {
		<-f.testBarrier
	}
	return f.testResult
}

func (f *fakeOps) Disconnect(ctx context.Context) error {
	f.disconnects.Add(1)
	f.connected.Store(false)
	return nil
}

func (f *fakeOps) IsConnected() bool { return f.connected.Load() }

func (f *fakeOps) FetchItems(ctx context.Context) ([]Item, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.items, nil
}

func (f *fakeOps) FetchesDetailPerItem() bool { return false }

func (f *fakeOps) Trackers(ctx context.Context, hash string) ([]Tracker, error) { return nil, nil }
func (f *fakeOps) Peers(ctx context.Context, hash string) ([]Peer, error)       { return nil, nil }

func (f *fakeOps) Stats(ctx context.Context) (*TransferStats, error) {
	s := f.stats
	return &s, nil
}

func (f *fakeOps) Files(ctx context.Context, hash string) ([]File, error) { return nil, nil }

func (f *fakeOps) Pause(ctx context.Context, hash string) error                     { return nil }
func (f *fakeOps) Resume(ctx context.Context, hash string) error                    { return nil }
func (f *fakeOps) Remove(ctx context.Context, hash string, deleteFiles bool) error  { return nil }
func (f *fakeOps) Move(ctx context.Context, hash, path string) error                { return nil }
func (f *fakeOps) Recheck(ctx context.Context, hash string) error                   { return nil }
func (f *fakeOps) Reannounce(ctx context.Context, hash string) error                { return nil }
func (f *fakeOps) AddMagnet(ctx context.Context, uri string, opts AddOptions) error { return nil }
func (f *fakeOps) AddTorrent(ctx context.Context, raw []byte, opts AddOptions) error {
	return nil
}

func (f *fakeOps) DefaultGroupingID() string { return "" }

func (f *fakeOps) ListGroupings(ctx context.Context) ([]Grouping, error)         { return nil, nil }
func (f *fakeOps) GetGrouping(ctx context.Context, id string) (*Grouping, error) { return nil, nil }
func (f *fakeOps) CreateGrouping(ctx context.Context, g Grouping) (string, error) {
	return g.Name, nil
}
func (f *fakeOps) UpdateGrouping(ctx context.Context, g Grouping) error { return nil }
func (f *fakeOps) RenameGrouping(ctx context.Context, id, newName string) (string, error) {
	return newName, nil
}
func (f *fakeOps) DeleteGrouping(ctx context.Context, id string) error { return nil }
func (f *fakeOps) SetItemGrouping(ctx context.Context, hash, groupingID string) error {
	return nil
}

func testBackend() *models.Backend {
	return &models.Backend{
		ID:         1,
		Name:       "test",
		ClientType: models.ClientTypeQBittorrent,
		Host:       "localhost",
		Port:       8080,
		Enabled:    true,
	}
}

func managerWith(t *testing.T, ops Ops) *Manager {
	t.Helper()
	factory := func(b *models.Backend, password string) (Ops, error) {
		return ops, nil
	}
	return NewManager(testBackend(), "secret", factory, nil, nil)
}

func TestInitClientConnects(t *testing.T) {
	fake := newFakeOps()
	m := managerWith(t, fake)

	require.NoError(t, m.InitClient(context.Background()))
	assert.True(t, m.IsConnected())

	status := m.Status()
	assert.True(t, status.Connected)
	assert.Equal(t, "1.0.0", status.Version)
	assert.Empty(t, status.LastError)
}

func TestInitClientSingleFlight(t *testing.T) {
	fake := newFakeOps()
	fake.testBarrier = make(chan struct{})
	m := managerWith(t, fake)

	done := make(chan error, 1)
	go func() {
		done <- m.InitClient(context.Background())
	}()

	// Wait for the first attempt to reach the connection test.
	require.Eventually(t, func() bool {
		return m.connectionInProgress.Load()
	}, time.Second, 5*time.Millisecond)

	err := m.InitClient(context.Background())
	assert.True(t, errors.Is(err, ErrConnectionInProgress))

	close(fake.testBarrier)
	require.NoError(t, <-done)
}

func TestInitClientDisabledBackend(t *testing.T) {
	fake := newFakeOps()
	m := managerWith(t, fake)
	m.backend.Enabled = false

	err := m.InitClient(context.Background())
	assert.True(t, errors.Is(err, ErrBackendDisabled))
	assert.False(t, m.IsConnected())
}

func TestInitClientFailedTestRecordsError(t *testing.T) {
	fake := newFakeOps()
	fake.testResult = TestResult{Success: false, Error: "connection refused"}
	m := managerWith(t, fake)

	err := m.InitClient(context.Background())
	require.Error(t, err)

	status := m.Status()
	assert.False(t, status.Connected)
	assert.Contains(t, status.LastError, "connection refused")
	assert.NotNil(t, status.LastErrorTime)
}

func TestInitClientReplacesStaleClient(t *testing.T) {
	first := newFakeOps()
	second := newFakeOps()

	clients := []Ops{first, second}
	factory := func(b *models.Backend, password string) (Ops, error) {
		ops := clients[0]
		clients = clients[1:]
		return ops, nil
	}
	m := NewManager(testBackend(), "secret", factory, nil, nil)

	require.NoError(t, m.InitClient(context.Background()))
	require.NoError(t, m.InitClient(context.Background()))

	assert.Equal(t, int32(1), first.disconnects.Load(), "stale client must be disconnected")
	assert.True(t, m.IsConnected())
}

func TestOnConnectListenersFireInOrder(t *testing.T) {
	fake := newFakeOps()
	m := managerWith(t, fake)

	var order []int
	m.OnConnect(func(ctx context.Context, fired *Manager) {
		assert.Same(t, m, fired)
		order = append(order, 1)
	})
	m.OnConnect(func(ctx context.Context, fired *Manager) {
		order = append(order, 2)
	})

	require.NoError(t, m.InitClient(context.Background()))
	assert.Equal(t, []int{1, 2}, order)
}

func TestFetchDataReturnsCachedSnapshotOnFailure(t *testing.T) {
	fake := newFakeOps()
	fake.items = []Item{
		{Hash: "aaa", Name: "one", State: StateDownloading, Progress: 0.5},
		{Hash: "bbb", Name: "two", State: StateSeeding, Progress: 1, UploadSpeed: 100},
	}
	m := managerWith(t, fake)
	require.NoError(t, m.InitClient(context.Background()))

	data := m.FetchData(context.Background())
	require.Len(t, data.Downloads, 1)
	require.Len(t, data.SharedFiles, 1)
	require.Len(t, data.Uploads, 1)

	// A failed fetch hands back the last good snapshot.
	fake.fetchErr = errors.Wrap(ErrRemote, "boom")
	cached := m.FetchData(context.Background())
	assert.Equal(t, data, cached)
}

func TestFetchDataWhileDisconnected(t *testing.T) {
	fake := newFakeOps()
	m := managerWith(t, fake)

	data := m.FetchData(context.Background())
	require.NotNil(t, data)
	assert.Empty(t, data.Downloads)
	assert.Empty(t, data.SharedFiles)
}

func TestPartitionItems(t *testing.T) {
	items := []Item{
		{Hash: "a", State: StateDownloading, Progress: 0.3},
		{Hash: "b", State: StateSeeding, Progress: 1, UploadSpeed: 50},
		{Hash: "c", State: StatePaused, Progress: 1},
		{Hash: "d", State: StateDownloading, Progress: 0.9, UploadSpeed: 10},
	}

	data := partitionItems(items)
	assert.Len(t, data.Downloads, 2)
	assert.Len(t, data.SharedFiles, 2)
	assert.Len(t, data.Uploads, 2)
}

func TestControlsFailExplicitlyWhileDisconnected(t *testing.T) {
	fake := newFakeOps()
	m := managerWith(t, fake)

	ctx := context.Background()
	assert.True(t, errors.Is(m.Pause(ctx, "aaa"), ErrNotConnected))
	assert.True(t, errors.Is(m.Resume(ctx, "aaa"), ErrNotConnected))
	assert.True(t, errors.Is(m.RemoveDownload(ctx, "aaa", false), ErrNotConnected))
	assert.True(t, errors.Is(m.Move(ctx, "aaa", "/data"), ErrNotConnected))
	assert.True(t, errors.Is(m.Recheck(ctx, "aaa"), ErrNotConnected))
	assert.True(t, errors.Is(m.Reannounce(ctx, "aaa"), ErrNotConnected))

	_, err := m.Files(ctx, "aaa")
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestAddMagnetRejectsNonMagnetURI(t *testing.T) {
	fake := newFakeOps()
	m := managerWith(t, fake)
	require.NoError(t, m.InitClient(context.Background()))

	err := m.AddMagnet(context.Background(), "https://example.com/file.torrent", AddOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRemote))
}

func TestAddTorrentRawRejectsMalformedPayload(t *testing.T) {
	fake := newFakeOps()
	m := managerWith(t, fake)
	require.NoError(t, m.InitClient(context.Background()))

	err := m.AddTorrentRaw(context.Background(), []byte("not a torrent"), AddOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRemote))
}

func TestShutdownDisconnectsClient(t *testing.T) {
	fake := newFakeOps()
	m := managerWith(t, fake)
	require.NoError(t, m.InitClient(context.Background()))

	m.Shutdown(context.Background())
	assert.Equal(t, int32(1), fake.disconnects.Load())
	assert.False(t, m.IsConnected())

	// Safe to call twice.
	m.Shutdown(context.Background())
	assert.Equal(t, int32(1), fake.disconnects.Load())
}

func TestStatsFallsBackToCachedListenPort(t *testing.T) {
	fake := newFakeOps()
	fake.stats = TransferStats{ListenPort: 51413}
	m := managerWith(t, fake)
	require.NoError(t, m.InitClient(context.Background()))

	// Later calls omit the port; the value cached at connect time fills in.
	fake.stats = TransferStats{DownloadSpeed: 1000}
	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 51413, stats.ListenPort)
	assert.Equal(t, int64(1000), stats.DownloadSpeed)
}

func TestStitchTrackerData(t *testing.T) {
	fake := newFakeOps()
	fake.items = []Item{{Hash: "aaa", State: StateDownloading}}
	m := managerWith(t, fake)
	require.NoError(t, m.InitClient(context.Background()))

	m.replaceTrackerCache(map[string]trackerCacheEntry{
		"aaa": {
			Trackers:  []Tracker{{URL: "http://tracker.example/announce"}},
			Peers:     []Peer{{Address: "10.0.0.1:6881"}},
			FetchedAt: time.Now(),
		},
	})

	data := m.FetchData(context.Background())
	require.Len(t, data.Downloads, 1)
	assert.Len(t, data.Downloads[0].Trackers, 1)
	assert.Len(t, data.Downloads[0].Peers, 1)

	trackers, peers, ok := m.TrackerData("aaa")
	require.True(t, ok)
	assert.Len(t, trackers, 1)
	assert.Len(t, peers, 1)
}
