// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package transmission

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifold-dl/manifold/internal/backend"
)

func TestCallRetriesOnceOnSessionConflict(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		if r.Header.Get(sessionIDHeader) != "fresh-token" {
			w.Header().Set(sessionIDHeader, "fresh-token")
			w.WriteHeader(http.StatusConflict)
			return
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"result":    "success",
			"arguments": map[string]any{"version": "4.0.5"},
		})
	}))
	defer server.Close()

	tr := newTransport(server.URL, "", "", 5*time.Second)

	var out struct {
		Version string `json:"version"`
	}
	err := tr.Call(context.Background(), "session-get", nil, &out)
	require.NoError(t, err)
	assert.Equal(t, "4.0.5", out.Version)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "fresh-token", tr.getSessionID())

	// The rotated token is reused on subsequent calls without another 409.
	err = tr.Call(context.Background(), "session-get", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCallConflictWithoutReplacementTokenIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	tr := newTransport(server.URL, "", "", 5*time.Second)

	err := tr.Call(context.Background(), "session-get", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, backend.ErrTransport))
}

func TestCallPersistentConflictFailsAfterOneRetry(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set(sessionIDHeader, "another-token")
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	tr := newTransport(server.URL, "", "", 5*time.Second)

	err := tr.Call(context.Background(), "session-get", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, backend.ErrTransport))
	assert.Equal(t, int32(2), calls.Load())
}

func TestCallCredentialFailureIsFatal(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		var calls atomic.Int32

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(status)
		}))

		tr := newTransport(server.URL, "admin", "wrong", 5*time.Second)

		err := tr.Call(context.Background(), "session-get", nil, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, backend.ErrAuthFailure), "status %d", status)
		assert.Equal(t, int32(1), calls.Load(), "status %d must not retry", status)

		server.Close()
	}
}

func TestCallSendsBasicAuthHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "hunter2", pass)

		_ = json.NewEncoder(w).Encode(map[string]any{"result": "success"})
	}))
	defer server.Close()

	tr := newTransport(server.URL, "admin", "hunter2", 5*time.Second)
	require.NoError(t, tr.Call(context.Background(), "session-get", nil, nil))
}

func TestCallRemoteFailureResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"result": "unrecognized method"})
	}))
	defer server.Close()

	tr := newTransport(server.URL, "", "", 5*time.Second)

	err := tr.Call(context.Background(), "bogus-method", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, backend.ErrRemote))
	assert.Contains(t, err.Error(), "unrecognized method")
}
