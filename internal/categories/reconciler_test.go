// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package categories

import (
	"context"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifold-dl/manifold/internal/backend"
	"github.com/manifold-dl/manifold/internal/database"
	"github.com/manifold-dl/manifold/internal/models"
)

// fakeGroupingOps is a scriptable backend with native grouping storage. It
// satisfies the full protocol-client surface so a real manager can drive it.
type fakeGroupingOps struct {
	mu        sync.Mutex
	groupings map[string]backend.Grouping
	defaultID string
	nextID    int

	// dropSavePath simulates a backend that does not materialize save paths.
	dropSavePath bool

	createCalls int
	updateCalls int
	renameCalls int
}

func newFakeGroupingOps() *fakeGroupingOps {
	return &fakeGroupingOps{groupings: make(map[string]backend.Grouping)}
}

func (f *fakeGroupingOps) addNative(g backend.Grouping) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groupings[g.ID] = g
}

func (f *fakeGroupingOps) Login(ctx context.Context) error          { return nil }
func (f *fakeGroupingOps) EnsureLoggedIn(ctx context.Context) error { return nil }

func (f *fakeGroupingOps) TestConnection(ctx context.Context) backend.TestResult {
	return backend.TestResult{Success: true, Version: "1.0.0"}
}

func (f *fakeGroupingOps) Disconnect(ctx context.Context) error { return nil }
func (f *fakeGroupingOps) IsConnected() bool                    { return true }

func (f *fakeGroupingOps) FetchItems(ctx context.Context) ([]backend.Item, error) {
	return nil, nil
}
func (f *fakeGroupingOps) FetchesDetailPerItem() bool { return false }

func (f *fakeGroupingOps) Trackers(ctx context.Context, hash string) ([]backend.Tracker, error) {
	return nil, nil
}
func (f *fakeGroupingOps) Peers(ctx context.Context, hash string) ([]backend.Peer, error) {
	return nil, nil
}
func (f *fakeGroupingOps) Stats(ctx context.Context) (*backend.TransferStats, error) {
	return &backend.TransferStats{}, nil
}
func (f *fakeGroupingOps) Files(ctx context.Context, hash string) ([]backend.File, error) {
	return nil, nil
}

func (f *fakeGroupingOps) Pause(ctx context.Context, hash string) error  { return nil }
func (f *fakeGroupingOps) Resume(ctx context.Context, hash string) error { return nil }
func (f *fakeGroupingOps) Remove(ctx context.Context, hash string, deleteFiles bool) error {
	return nil
}
func (f *fakeGroupingOps) Move(ctx context.Context, hash, path string) error { return nil }
func (f *fakeGroupingOps) Recheck(ctx context.Context, hash string) error    { return nil }
func (f *fakeGroupingOps) Reannounce(ctx context.Context, hash string) error { return nil }
func (f *fakeGroupingOps) AddMagnet(ctx context.Context, uri string, opts backend.AddOptions) error {
	return nil
}
func (f *fakeGroupingOps) AddTorrent(ctx context.Context, raw []byte, opts backend.AddOptions) error {
	return nil
}

func (f *fakeGroupingOps) DefaultGroupingID() string { return f.defaultID }

func (f *fakeGroupingOps) ListGroupings(ctx context.Context) ([]backend.Grouping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]backend.Grouping, 0, len(f.groupings))
	for _, g := range f.groupings {
		out = append(out, g)
	}
	return out, nil
}

func (f *fakeGroupingOps) GetGrouping(ctx context.Context, id string) (*backend.Grouping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	g, ok := f.groupings[id]
	if !ok {
		return nil, backend.ErrRemote
	}
	return &g, nil
}

func (f *fakeGroupingOps) CreateGrouping(ctx context.Context, g backend.Grouping) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.createCalls++
	f.nextID++
	g.ID = strconv.Itoa(f.nextID)
	if f.dropSavePath {
		g.SavePath = ""
	}
	f.groupings[g.ID] = g
	return g.ID, nil
}

func (f *fakeGroupingOps) UpdateGrouping(ctx context.Context, g backend.Grouping) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.updateCalls++
	current, ok := f.groupings[g.ID]
	if !ok {
		return backend.ErrRemote
	}
	current.Name = g.Name
	current.Comment = g.Comment
	current.Color = g.Color
	current.Priority = g.Priority
	if !f.dropSavePath {
		current.SavePath = g.SavePath
	}
	f.groupings[g.ID] = current
	return nil
}

func (f *fakeGroupingOps) RenameGrouping(ctx context.Context, id, newName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.renameCalls++
	g, ok := f.groupings[id]
	if !ok {
		return "", backend.ErrRemote
	}
	g.Name = newName
	f.groupings[id] = g
	return id, nil
}

func (f *fakeGroupingOps) DeleteGrouping(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.groupings, id)
	return nil
}

func (f *fakeGroupingOps) SetItemGrouping(ctx context.Context, hash, groupingID string) error {
	return nil
}

type reconcilerFixture struct {
	store      *models.CategoryStore
	reconciler *Reconciler
	manager    *backend.Manager
	ops        *fakeGroupingOps
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`INSERT INTO backends (id, name, client_type, host, enabled) VALUES (1, 'test', 'qbittorrent', 'localhost', 1)`)
	require.NoError(t, err)

	store := models.NewCategoryStore(db)
	pool := backend.NewPool(nil)
	reconciler := NewReconciler(store, pool)

	ops := newFakeGroupingOps()
	b := &models.Backend{ID: 1, Name: "test", ClientType: models.ClientTypeQBittorrent, Host: "localhost", Enabled: true}
	m := backend.NewManager(b, "", func(*models.Backend, string) (backend.Ops, error) {
		return ops, nil
	}, nil, store)
	require.NoError(t, m.InitClient(context.Background()))
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	return &reconcilerFixture{store: store, reconciler: reconciler, manager: m, ops: ops}
}

func TestReconcileLinksDefaultGrouping(t *testing.T) {
	fx := newReconcilerFixture(t)

	_, err := fx.reconciler.Reconcile(context.Background(), fx.manager)
	require.NoError(t, err)

	def, err := fx.store.GetByName(context.Background(), models.DefaultCategoryName)
	require.NoError(t, err)
	assert.Equal(t, "", def.ExternalIDs[1])
}

func TestReconcileImportsNativeGroupings(t *testing.T) {
	fx := newReconcilerFixture(t)
	fx.ops.addNative(backend.Grouping{ID: "7", Name: "movies", SavePath: "/data/movies"})

	mismatches, err := fx.reconciler.Reconcile(context.Background(), fx.manager)
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	imported, err := fx.store.GetByName(context.Background(), "movies")
	require.NoError(t, err)
	assert.Equal(t, "/data/movies", imported.SavePath)
	assert.Equal(t, "7", imported.ExternalIDs[1])
}

func TestReconcileImportMatchesExistingByName(t *testing.T) {
	fx := newReconcilerFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.store.Create(ctx, &models.Category{Name: "movies", SavePath: "/local/movies"}))
	fx.ops.addNative(backend.Grouping{ID: "7", Name: "movies"})

	_, err := fx.reconciler.Reconcile(ctx, fx.manager)
	require.NoError(t, err)

	// Linked, not duplicated, and local attributes kept.
	snapshot, err := fx.store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snapshot, 2) // Default + movies

	movies, err := fx.store.GetByName(ctx, "movies")
	require.NoError(t, err)
	assert.Equal(t, "7", movies.ExternalIDs[1])
	assert.Equal(t, "/local/movies", movies.SavePath)
}

func TestReconcilePushesUnlinkedCategories(t *testing.T) {
	fx := newReconcilerFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.store.Create(ctx, &models.Category{Name: "books", SavePath: "/data/books"}))

	_, err := fx.reconciler.Reconcile(ctx, fx.manager)
	require.NoError(t, err)
	assert.Equal(t, 1, fx.ops.createCalls)

	books, err := fx.store.GetByName(ctx, "books")
	require.NoError(t, err)
	externalID := books.ExternalIDs[1]
	require.NotEmpty(t, externalID)

	native, err := fx.ops.GetGrouping(ctx, externalID)
	require.NoError(t, err)
	assert.Equal(t, "books", native.Name)
	assert.Equal(t, "/data/books", native.SavePath)
}

func TestReconcileIsIdempotent(t *testing.T) {
	fx := newReconcilerFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.store.Create(ctx, &models.Category{Name: "books", SavePath: "/data/books"}))
	fx.ops.addNative(backend.Grouping{ID: "7", Name: "movies", SavePath: "/data/movies"})

	_, err := fx.reconciler.Reconcile(ctx, fx.manager)
	require.NoError(t, err)

	creates, updates, renames := fx.ops.createCalls, fx.ops.updateCalls, fx.ops.renameCalls

	// A second pass with nothing changed must not touch the backend.
	_, err = fx.reconciler.Reconcile(ctx, fx.manager)
	require.NoError(t, err)
	assert.Equal(t, creates, fx.ops.createCalls)
	assert.Equal(t, updates, fx.ops.updateCalls)
	assert.Equal(t, renames, fx.ops.renameCalls)
}

func TestReconcileAttributeLessBackendStaysConverged(t *testing.T) {
	fx := newReconcilerFixture(t)
	fx.ops.dropSavePath = true
	ctx := context.Background()

	require.NoError(t, fx.store.Create(ctx, &models.Category{Name: "books", SavePath: "/data/books"}))

	mismatches, err := fx.reconciler.Reconcile(ctx, fx.manager)
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	// The backend holds no save path, so nothing should look dirty next pass.
	_, err = fx.reconciler.Reconcile(ctx, fx.manager)
	require.NoError(t, err)
	assert.Equal(t, 0, fx.ops.updateCalls)
}

func TestReconcileRenamesDriftedGrouping(t *testing.T) {
	fx := newReconcilerFixture(t)
	ctx := context.Background()

	// Locally renamed since the link was recorded; the backend still carries
	// the old display name under the same id.
	require.NoError(t, fx.store.Create(ctx, &models.Category{Name: "films", SavePath: "/data/movies"}))
	require.NoError(t, fx.store.LinkExternalID(ctx, "films", 1, "7"))
	fx.ops.addNative(backend.Grouping{ID: "7", Name: "movies", SavePath: "/data/movies"})

	mismatches, err := fx.reconciler.Reconcile(ctx, fx.manager)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
	assert.Equal(t, 1, fx.ops.renameCalls)

	native, err := fx.ops.GetGrouping(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, "films", native.Name)

	// No duplicate category was imported for the stale name.
	snapshot, err := fx.store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snapshot, 2)
}

func TestReconcileMigratesStaleDefaultLink(t *testing.T) {
	fx := newReconcilerFixture(t)
	ctx := context.Background()

	// A stale link claims the backend's default grouping for a user category.
	require.NoError(t, fx.store.Create(ctx, &models.Category{Name: "other"}))
	require.NoError(t, fx.store.LinkExternalID(ctx, "other", 1, ""))

	_, err := fx.reconciler.Reconcile(ctx, fx.manager)
	require.NoError(t, err)

	def, err := fx.store.GetByName(ctx, models.DefaultCategoryName)
	require.NoError(t, err)
	externalID, ok := def.ExternalIDs[1]
	require.True(t, ok)
	assert.Equal(t, "", externalID)

	// The push phase relinks the category to a freshly created grouping; it
	// must no longer claim the backend's default grouping.
	other, err := fx.store.GetByName(ctx, "other")
	require.NoError(t, err)
	assert.NotEqual(t, "", other.ExternalIDs[1])
}

func TestReconcileReportsUnacceptedAttributes(t *testing.T) {
	fx := newReconcilerFixture(t)
	fx.ops.dropSavePath = true
	ctx := context.Background()

	require.NoError(t, fx.store.Create(ctx, &models.Category{Name: "books", SavePath: "/data/books", Comment: "paper"}))
	require.NoError(t, fx.store.LinkExternalID(ctx, "books", 1, "7"))
	// The native grouping drifted on a field the backend does materialize.
	fx.ops.addNative(backend.Grouping{ID: "7", Name: "books", Comment: "stale"})

	mismatches, err := fx.reconciler.Reconcile(ctx, fx.manager)
	require.NoError(t, err)

	// Comment converged; the save path could not be materialized and is
	// reported rather than assumed.
	require.Len(t, mismatches, 1)
	assert.Equal(t, "books", mismatches[0].Category)
	assert.Equal(t, "savePath", mismatches[0].Field)
	assert.Equal(t, "/data/books", mismatches[0].Local)
	assert.Equal(t, "", mismatches[0].Remote)

	native, err := fx.ops.GetGrouping(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, "paper", native.Comment)
}
