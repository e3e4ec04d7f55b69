// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import "github.com/manifold-dl/manifold/internal/backend"

// EventSink receives push notifications intended for connected UI clients.
// The WebSocket fan-out implementation lives outside this module; a nil sink
// disables push entirely.
type EventSink interface {
	BackendConnected(status backend.ManagerStatus)
	BackendDisconnected(backendID int, reason string)
	SnapshotUpdated(backendID int, data *backend.Data)
}
