// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package transmission

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/manifold-dl/manifold/internal/backend"
)

const sessionIDHeader = "X-Transmission-Session-Id"

// transport issues Transmission JSON-RPC calls. Every call carries the
// cached CSRF session id plus a static basic-auth credential header. A 409
// rotates the session id from the response headers and retries exactly once.
type transport struct {
	endpoint   string
	username   string
	password   string
	httpClient *http.Client

	mu        sync.Mutex
	sessionID string
}

func newTransport(baseURL, username, password string, timeout time.Duration) *transport {
	return &transport{
		endpoint:   baseURL + "/transmission/rpc",
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	Method    string `json:"method"`
	Arguments any    `json:"arguments,omitempty"`
}

type rpcResponse struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments"`
}

func (t *transport) getSessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *transport) setSessionID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionID = id
}

// Call invokes one RPC method and decodes the arguments object into out
// (which may be nil for control methods).
func (t *transport) Call(ctx context.Context, method string, args, out any) error {
	return t.call(ctx, method, args, out, true)
}

func (t *transport) call(ctx context.Context, method string, args, out any, retryConflict bool) error {
	payload, err := json.Marshal(rpcRequest{Method: method, Arguments: args})
	if err != nil {
		return errors.Wrap(err, "failed to encode rpc request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to build rpc request")
	}

	req.Header.Set("Content-Type", "application/json")
	if id := t.getSessionID(); id != "" {
		req.Header.Set(sessionIDHeader, id)
	}
	if t.username != "" || t.password != "" {
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(t.username+":"+t.password)))
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return backend.NormalizeNetError(err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusConflict:
		// Session id rotated. The replacement must be in the response
		// headers; retry exactly once with retry disabled.
		newID := resp.Header.Get(sessionIDHeader)
		if newID == "" {
			return errors.Wrap(backend.ErrTransport, "session conflict without replacement session id")
		}
		if !retryConflict {
			return errors.Wrap(backend.ErrTransport, "session conflict persisted after token refresh")
		}

		t.setSessionID(newID)
		log.Trace().Str("method", method).Msg("Transmission session id rotated, retrying")
		return t.call(ctx, method, args, out, false)

	case http.StatusUnauthorized, http.StatusForbidden:
		// Credential failures are always fatal; no retry.
		return errors.Wrapf(backend.ErrAuthFailure, "status %d", resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(backend.ErrTransport, "unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return backend.NormalizeNetError(err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return errors.Wrap(backend.ErrTransport, "malformed rpc response")
	}

	if rpcResp.Result != "success" {
		return errors.Wrap(backend.ErrRemote, rpcResp.Result)
	}

	if out != nil && len(rpcResp.Arguments) > 0 {
		if err := json.Unmarshal(rpcResp.Arguments, out); err != nil {
			return errors.Wrap(backend.ErrTransport, "malformed rpc arguments")
		}
	}

	return nil
}
