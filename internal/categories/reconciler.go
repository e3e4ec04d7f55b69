// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package categories converges the locally-owned category taxonomy with each
// backend's native grouping concept. The local store is authoritative: on
// conflict, local values win.
package categories

import (
	"context"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/manifold-dl/manifold/internal/backend"
	"github.com/manifold-dl/manifold/internal/models"
)

// Mismatch is one attribute the backend did not accept during the update
// phase: the value read back after the push still differs from the local one.
type Mismatch struct {
	Category string `json:"category"`
	Field    string `json:"field"`
	Local    string `json:"local"`
	Remote   string `json:"remote"`
}

// Reconciler runs the import/push/update convergence pass, once per
// successful backend connect and on demand. Reconcile events from different
// managers are serialized against the shared store so each one sees a
// consistent snapshot.
type Reconciler struct {
	store *models.CategoryStore
	pool  *backend.Pool

	mu sync.Mutex
}

func NewReconciler(store *models.CategoryStore, pool *backend.Pool) *Reconciler {
	r := &Reconciler{store: store, pool: pool}
	pool.SetSyncFunc(r.Sync)
	pool.OnConnect(r.OnConnect)
	return r
}

// OnConnect is the listener registered on every manager. After the manager's
// own reconcile pass it propagates the converged set to the other connected
// managers and validates category paths on disk.
func (r *Reconciler) OnConnect(ctx context.Context, m *backend.Manager) {
	if err := r.Sync(ctx, m); err != nil {
		log.Error().Err(err).Int("backendID", m.BackendID()).Msg("Category reconciliation failed")
		return
	}

	r.pool.PropagateCategories(ctx, m.BackendID())

	if _, err := r.store.ValidateAllPaths(ctx); err != nil {
		log.Error().Err(err).Msg("Category path validation failed")
	}
}

// Sync runs one reconcile pass and logs any attribute mismatches.
func (r *Reconciler) Sync(ctx context.Context, m *backend.Manager) error {
	mismatches, err := r.Reconcile(ctx, m)
	if err != nil {
		return err
	}

	for _, mm := range mismatches {
		log.Warn().
			Int("backendID", m.BackendID()).
			Str("category", mm.Category).
			Str("field", mm.Field).
			Str("local", mm.Local).
			Str("remote", mm.Remote).
			Msg("Backend did not accept category attribute")
	}
	return nil
}

// Reconcile converges the local store with one backend in three ordered
// phases. Each phase persists its own mutations before the next begins, so a
// concurrent reconcile from another backend never observes partial state.
func (r *Reconciler) Reconcile(ctx context.Context, m *backend.Manager) ([]Mismatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ops, err := m.Groupings()
	if err != nil {
		return nil, err
	}

	backendID := m.BackendID()

	groupings, err := ops.ListGroupings(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list native groupings")
	}

	if err := r.importPhase(ctx, backendID, ops, groupings); err != nil {
		return nil, errors.Wrap(err, "import phase failed")
	}

	if err := r.pushPhase(ctx, backendID, ops); err != nil {
		return nil, errors.Wrap(err, "push phase failed")
	}

	mismatches, err := r.updatePhase(ctx, backendID, ops, groupings)
	if err != nil {
		return nil, errors.Wrap(err, "update phase failed")
	}

	log.Debug().Int("backendID", backendID).Int("mismatches", len(mismatches)).Msg("Category reconcile pass complete")
	return mismatches, nil
}

// importPhase adopts backend-native groupings unknown to the local store:
// match by external id first, then by name, then create. The backend's
// immutable default grouping is always linked to the reserved Default
// category; a stale link claiming it elsewhere is migrated.
func (r *Reconciler) importPhase(ctx context.Context, backendID int, ops backend.GroupingOps, groupings []backend.Grouping) error {
	defaultID := ops.DefaultGroupingID()

	linked, err := r.store.GetByExternalID(ctx, backendID, defaultID)
	if err != nil && !errors.Is(err, models.ErrCategoryNotFound) {
		return err
	}
	if linked == nil || linked.Name != models.DefaultCategoryName {
		if err := r.store.LinkExternalID(ctx, models.DefaultCategoryName, backendID, defaultID); err != nil {
			return err
		}
	}

	for _, g := range groupings {
		if g.ID == defaultID {
			continue
		}

		// Already linked by external id: nothing to import, even if the
		// display name changed since.
		_, err := r.store.GetByExternalID(ctx, backendID, g.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, models.ErrCategoryNotFound) {
			return err
		}

		if existing, err := r.store.GetByName(ctx, g.Name); err == nil {
			if err := r.store.LinkExternalID(ctx, existing.Name, backendID, g.ID); err != nil {
				return err
			}
			log.Debug().Int("backendID", backendID).Str("category", existing.Name).Msg("Linked native grouping by name")
			continue
		} else if !errors.Is(err, models.ErrCategoryNotFound) {
			return err
		}

		category := &models.Category{
			Name:     g.Name,
			SavePath: g.SavePath,
			Comment:  g.Comment,
			Color:    g.Color,
			Priority: g.Priority,
		}
		if err := r.store.Import(ctx, category, backendID, g.ID); err != nil {
			return err
		}
		log.Info().Int("backendID", backendID).Str("category", g.Name).Msg("Imported category from backend")
	}

	return nil
}

// pushPhase creates a native grouping for every local category this backend
// has no link for yet, recording the new link as it goes.
func (r *Reconciler) pushPhase(ctx context.Context, backendID int, ops backend.GroupingOps) error {
	snapshot, err := r.store.Snapshot(ctx)
	if err != nil {
		return err
	}

	for _, category := range snapshot {
		if category.Name == models.DefaultCategoryName {
			continue
		}
		if _, ok := category.ExternalIDs[backendID]; ok {
			continue
		}

		externalID, err := ops.CreateGrouping(ctx, groupingFrom(category))
		if err != nil {
			return errors.Wrapf(err, "failed to create native grouping for %q", category.Name)
		}
		if err := r.store.LinkExternalID(ctx, category.Name, backendID, externalID); err != nil {
			return err
		}
		log.Info().Int("backendID", backendID).Str("category", category.Name).Str("externalID", externalID).Msg("Pushed category to backend")
	}

	return nil
}

// updatePhase pushes local attribute values to linked groupings that drifted,
// renaming natively where the name changed, then reads each grouping back and
// reports the fields the backend did not take.
func (r *Reconciler) updatePhase(ctx context.Context, backendID int, ops backend.GroupingOps, groupings []backend.Grouping) ([]Mismatch, error) {
	snapshot, err := r.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	native := make(map[string]backend.Grouping, len(groupings))
	for _, g := range groupings {
		native[g.ID] = g
	}

	var mismatches []Mismatch
	for _, category := range snapshot {
		if category.Name == models.DefaultCategoryName {
			continue
		}

		externalID, ok := category.ExternalIDs[backendID]
		if !ok {
			continue
		}

		current, ok := native[externalID]
		if !ok {
			// Created during the push phase this pass; already converged.
			continue
		}

		if !needsUpdate(category, current) {
			continue
		}

		if current.Name != category.Name {
			newID, err := ops.RenameGrouping(ctx, externalID, category.Name)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to rename grouping %q", externalID)
			}
			if newID != externalID {
				if err := r.store.LinkExternalID(ctx, category.Name, backendID, newID); err != nil {
					return nil, err
				}
				externalID = newID
			}
		}

		desired := groupingFrom(category)
		desired.ID = externalID
		if err := ops.UpdateGrouping(ctx, desired); err != nil {
			return nil, errors.Wrapf(err, "failed to update grouping %q", externalID)
		}

		readback, err := ops.GetGrouping(ctx, externalID)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read back grouping %q", externalID)
		}
		mismatches = append(mismatches, diffGrouping(category, *readback)...)
	}

	return mismatches, nil
}

func groupingFrom(c *models.Category) backend.Grouping {
	return backend.Grouping{
		Name:     c.Name,
		SavePath: c.SavePath,
		Comment:  c.Comment,
		Color:    c.Color,
		Priority: c.Priority,
	}
}

// needsUpdate compares the attributes the backend actually materializes:
// the name always, other fields only when the native grouping carries a
// value for them. Backends whose groupings are bare labels hold no
// attributes, and re-pushing values they cannot store would make every pass
// dirty.
func needsUpdate(c *models.Category, g backend.Grouping) bool {
	switch {
	case g.Name != c.Name:
		return true
	case g.SavePath != "" && g.SavePath != c.SavePath:
		return true
	case g.Comment != "" && g.Comment != c.Comment:
		return true
	case g.Color != "" && g.Color != c.Color:
		return true
	case g.Priority != 0 && g.Priority != c.Priority:
		return true
	}
	return false
}

func diffGrouping(c *models.Category, g backend.Grouping) []Mismatch {
	var out []Mismatch
	add := func(field, local, remote string) {
		if local != remote {
			out = append(out, Mismatch{Category: c.Name, Field: field, Local: local, Remote: remote})
		}
	}

	add("name", c.Name, g.Name)
	add("savePath", c.SavePath, g.SavePath)
	add("comment", c.Comment, g.Comment)
	add("color", c.Color, g.Color)
	add("priority", strconv.Itoa(c.Priority), strconv.Itoa(g.Priority))
	return out
}
