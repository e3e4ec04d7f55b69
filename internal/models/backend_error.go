// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/manifold-dl/manifold/internal/dbinterface"
)

// BackendError is the last recorded connection error for a backend.
type BackendError struct {
	BackendID  int       `json:"backendId"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurredAt"`
}

// BackendErrorStore persists the last connection error per backend so the
// error survives restarts. Overwritten on every failure, cleared on connect.
type BackendErrorStore struct {
	db dbinterface.Querier
}

func NewBackendErrorStore(db dbinterface.Querier) *BackendErrorStore {
	return &BackendErrorStore{db: db}
}

func (s *BackendErrorStore) RecordError(ctx context.Context, backendID int, err error) error {
	if err == nil {
		return nil
	}

	_, execErr := s.db.ExecContext(ctx, `
		INSERT INTO backend_errors (backend_id, message, occurred_at)
		VALUES (?, ?, ?)
		ON CONFLICT (backend_id) DO UPDATE SET message = excluded.message, occurred_at = excluded.occurred_at
	`, backendID, err.Error(), time.Now())
	return execErr
}

func (s *BackendErrorStore) GetError(ctx context.Context, backendID int) (*BackendError, error) {
	var be BackendError
	err := s.db.QueryRowContext(ctx, `
		SELECT backend_id, message, occurred_at FROM backend_errors WHERE backend_id = ?
	`, backendID).Scan(&be.BackendID, &be.Message, &be.OccurredAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &be, nil
}

func (s *BackendErrorStore) ClearError(ctx context.Context, backendID int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM backend_errors WHERE backend_id = ?`, backendID)
	return err
}
