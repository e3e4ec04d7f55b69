// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import (
	"context"
	"net"
	"strings"

	"github.com/pkg/errors"
)

// Shared failure taxonomy. Every transport adapter normalizes its protocol's
// failure modes into one of these so the manager can apply a uniform
// reconnect policy regardless of backend kind.
var (
	// ErrTimeout covers request deadlines and dial timeouts.
	ErrTimeout = errors.New("backend: request timed out")

	// ErrAuthFailure means the single transparent re-auth retry was exhausted
	// or the backend rejected the credentials outright.
	ErrAuthFailure = errors.New("backend: authentication failed")

	// ErrTransport covers network and HTTP-level failures.
	ErrTransport = errors.New("backend: transport error")

	// ErrRemote means the backend reported a semantic error for the request.
	ErrRemote = errors.New("backend: remote error")

	// ErrNotConnected is returned for operations attempted with no live client.
	ErrNotConnected = errors.New("backend: not connected")

	// ErrConnectionInProgress is returned when a (re)connect attempt is
	// already in flight for the manager.
	ErrConnectionInProgress = errors.New("backend: connection attempt already in progress")
)

// NormalizeNetError maps low-level network failures onto the taxonomy so
// every adapter surfaces the same kinds for the same conditions.
func NormalizeNetError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(ErrTimeout, err.Error())
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(ErrTimeout, err.Error())
	}

	return errors.Wrap(ErrTransport, err.Error())
}

// IsConnectionError reports whether a failure looks connection-related
// (refused/timeout/expired auth) and therefore warrants a reconnect, as
// opposed to a purely transient RPC-level error.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransport) || errors.Is(err, ErrAuthFailure) || errors.Is(err, ErrNotConnected) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errorStr := strings.ToLower(err.Error())
	return strings.Contains(errorStr, "connection refused") ||
		strings.Contains(errorStr, "connection reset") ||
		strings.Contains(errorStr, "no such host") ||
		strings.Contains(errorStr, "broken pipe") ||
		strings.Contains(errorStr, "session expired")
}
