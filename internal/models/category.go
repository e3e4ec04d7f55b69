// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/manifold-dl/manifold/internal/dbinterface"
)

// DefaultCategoryName is the reserved local category every backend's
// immutable "no category" grouping is linked to.
const DefaultCategoryName = "Default"

var ErrCategoryNotFound = errors.New("category not found")

// Category is the locally-owned taxonomy entry shared across all backends.
// ExternalIDs maps a backend ID to that backend's native grouping id/label.
type Category struct {
	Name        string         `json:"name"`
	SavePath    string         `json:"savePath"`
	Comment     string         `json:"comment"`
	Color       string         `json:"color"`
	Priority    int            `json:"priority"`
	ExternalIDs map[int]string `json:"externalIds"`
}

// PathIssue reports a category whose configured save path is missing on disk.
type PathIssue struct {
	Category string `json:"category"`
	SavePath string `json:"savePath"`
	Reason   string `json:"reason"`
}

type CategoryStore struct {
	db dbinterface.Querier
}

func NewCategoryStore(db dbinterface.Querier) *CategoryStore {
	return &CategoryStore{db: db}
}

func (s *CategoryStore) GetByName(ctx context.Context, name string) (*Category, error) {
	var c Category
	err := s.db.QueryRowContext(ctx, `
		SELECT name, save_path, comment, color, priority FROM categories WHERE name = ?
	`, name).Scan(&c.Name, &c.SavePath, &c.Comment, &c.Color, &c.Priority)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCategoryNotFound
		}
		return nil, err
	}

	if err := s.loadExternalIDs(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetByExternalID resolves the category linked to a backend-native grouping id.
func (s *CategoryStore) GetByExternalID(ctx context.Context, backendID int, externalID string) (*Category, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `
		SELECT category_name FROM category_external_ids WHERE backend_id = ? AND external_id = ?
	`, backendID, externalID).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCategoryNotFound
		}
		return nil, err
	}
	return s.GetByName(ctx, name)
}

func (s *CategoryStore) loadExternalIDs(ctx context.Context, c *Category) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT backend_id, external_id FROM category_external_ids WHERE category_name = ?
	`, c.Name)
	if err != nil {
		return err
	}
	defer rows.Close()

	c.ExternalIDs = make(map[int]string)
	for rows.Next() {
		var backendID int
		var externalID string
		if err := rows.Scan(&backendID, &externalID); err != nil {
			return err
		}
		c.ExternalIDs[backendID] = externalID
	}
	return rows.Err()
}

// Create adds a category from explicit user action.
func (s *CategoryStore) Create(ctx context.Context, c *Category) error {
	if c.Name == "" {
		return errors.New("category name cannot be empty")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO categories (name, save_path, comment, color, priority) VALUES (?, ?, ?, ?, ?)
	`, c.Name, c.SavePath, c.Comment, c.Color, c.Priority)
	return err
}

// Import creates a category discovered on a backend and records its
// external-id link in one transaction.
func (s *CategoryStore) Import(ctx context.Context, c *Category, backendID int, externalID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO categories (name, save_path, comment, color, priority) VALUES (?, ?, ?, ?, ?)
	`, c.Name, c.SavePath, c.Comment, c.Color, c.Priority)
	if err != nil {
		return err
	}

	if err := linkExternalIDTx(ctx, tx, c.Name, backendID, externalID); err != nil {
		return err
	}

	return tx.Commit()
}

// LinkExternalID records or replaces the link between a category and a
// backend-native grouping. Any stale link claiming the same external id on
// the backend is released first so the unique index holds.
func (s *CategoryStore) LinkExternalID(ctx context.Context, name string, backendID int, externalID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := linkExternalIDTx(ctx, tx, name, backendID, externalID); err != nil {
		return err
	}

	return tx.Commit()
}

func linkExternalIDTx(ctx context.Context, tx *sql.Tx, name string, backendID int, externalID string) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM category_external_ids WHERE backend_id = ? AND external_id = ? AND category_name != ?
	`, backendID, externalID, name)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO category_external_ids (category_name, backend_id, external_id)
		VALUES (?, ?, ?)
		ON CONFLICT (category_name, backend_id) DO UPDATE SET external_id = excluded.external_id
	`, name, backendID, externalID)
	return err
}

func (s *CategoryStore) UnlinkBackend(ctx context.Context, backendID int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM category_external_ids WHERE backend_id = ?`, backendID)
	return err
}

func (s *CategoryStore) Update(ctx context.Context, c *Category) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE categories SET save_path = ?, comment = ?, color = ?, priority = ? WHERE name = ?
	`, c.SavePath, c.Comment, c.Color, c.Priority, c.Name)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrCategoryNotFound
	}
	return nil
}

// Delete removes a category by explicit user action. The reserved Default
// category cannot be removed.
func (s *CategoryStore) Delete(ctx context.Context, name string) error {
	if name == DefaultCategoryName {
		return errors.New("the Default category cannot be deleted")
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM categories WHERE name = ?`, name)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrCategoryNotFound
	}
	return nil
}

// Snapshot returns all categories with their external-id links loaded.
func (s *CategoryStore) Snapshot(ctx context.Context) ([]*Category, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, save_path, comment, color, priority FROM categories ORDER BY name COLLATE NOCASE ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var categories []*Category
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.Name, &c.SavePath, &c.Comment, &c.Color, &c.Priority); err != nil {
			return nil, err
		}
		categories = append(categories, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range categories {
		if err := s.loadExternalIDs(ctx, c); err != nil {
			return nil, err
		}
	}

	return categories, nil
}

// ValidateAllPaths checks every category's configured save path on disk and
// returns the ones that are missing or not directories.
func (s *CategoryStore) ValidateAllPaths(ctx context.Context) ([]PathIssue, error) {
	categories, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	var issues []PathIssue
	for _, c := range categories {
		if c.SavePath == "" {
			continue
		}

		info, err := os.Stat(c.SavePath)
		switch {
		case err != nil:
			issues = append(issues, PathIssue{Category: c.Name, SavePath: c.SavePath, Reason: "path does not exist"})
		case !info.IsDir():
			issues = append(issues, PathIssue{Category: c.Name, SavePath: c.SavePath, Reason: "path is not a directory"})
		}
	}

	for _, issue := range issues {
		log.Warn().Str("category", issue.Category).Str("savePath", issue.SavePath).Msg(issue.Reason)
	}

	return issues, nil
}
