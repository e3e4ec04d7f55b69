// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package deluge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/manifold-dl/manifold/internal/backend"
)

// deluge-web reports "Not authenticated" with this error code when the
// session cookie is missing or expired.
const notAuthenticatedCode = 1

// transport issues deluge-web JSON-RPC calls. Login is a password-only RPC
// call that yields a session cookie; an auth-invalid response triggers at
// most one transparent re-login and retry per call.
type transport struct {
	endpoint   string
	password   string
	httpClient *http.Client
	requestID  atomic.Int64

	mu     sync.Mutex
	cookie string
}

func newTransport(baseURL, password string, timeout time.Duration) *transport {
	return &transport{
		endpoint:   baseURL + "/json",
		password:   password,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
	ID     int64  `json:"id"`
}

type rpcError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     int64           `json:"id"`
}

func (t *transport) getCookie() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cookie
}

func (t *transport) setCookie(cookie string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cookie = cookie
}

func (t *transport) login(ctx context.Context) error {
	var ok bool
	if err := t.roundTrip(ctx, "auth.login", []any{t.password}, &ok); err != nil {
		return err
	}
	if !ok {
		return errors.Wrap(backend.ErrAuthFailure, "deluge rejected the password")
	}
	return nil
}

// Call invokes one RPC method, transparently re-authenticating at most once
// when the session has expired.
func (t *transport) Call(ctx context.Context, method string, params []any, out any) error {
	return t.call(ctx, method, params, out, true)
}

func (t *transport) call(ctx context.Context, method string, params []any, out any, retryAuth bool) error {
	err := t.roundTrip(ctx, method, params, out)
	if err == nil {
		return nil
	}

	var rpcErr *rpcError
	if errors.As(err, &rpcErr) && rpcErr.Code == notAuthenticatedCode {
		if !retryAuth {
			return errors.Wrap(backend.ErrAuthFailure, "session still invalid after re-login")
		}

		log.Trace().Str("method", method).Msg("Deluge session expired, re-authenticating")
		if loginErr := t.login(ctx); loginErr != nil {
			return loginErr
		}
		return t.call(ctx, method, params, out, false)
	}

	return err
}

func (e *rpcError) Error() string {
	return e.Message
}

func (t *transport) roundTrip(ctx context.Context, method string, params []any, out any) error {
	if params == nil {
		params = []any{}
	}

	payload, err := json.Marshal(rpcRequest{Method: method, Params: params, ID: t.requestID.Add(1)})
	if err != nil {
		return errors.Wrap(err, "failed to encode rpc request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to build rpc request")
	}
	req.Header.Set("Content-Type", "application/json")
	if cookie := t.getCookie(); cookie != "" {
		req.AddCookie(&http.Cookie{Name: "_session_id", Value: cookie})
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return backend.NormalizeNetError(err)
	}
	defer resp.Body.Close()

	// A successful response may carry a rotated session cookie.
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "_session_id" && cookie.Value != "" {
			t.setCookie(cookie.Value)
		}
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

	if rpcResp.Error != nil {
		if rpcResp.Error.Code == notAuthenticatedCode {
			return rpcResp.Error
		}
		return errors.Wrap(backend.ErrRemote, rpcResp.Error.Message)
	}

	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return errors.Wrap(backend.ErrTransport, "malformed rpc result")
		}
	}

	return nil
}
