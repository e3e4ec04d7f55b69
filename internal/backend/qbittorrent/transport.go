// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/manifold-dl/manifold/internal/backend"
)

// errEndpointNotFound marks a 404 so callers can fall back to a legacy
// endpoint name. Any other failure propagates unchanged.
var errEndpointNotFound = errors.New("endpoint not found")

// transport issues qBittorrent WebAPI calls. The SID session cookie from
// login is attached to every call; an auth-invalid response triggers at most
// one transparent re-login and retry per call.
type transport struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client

	mu     sync.Mutex
	cookie string
}

func newTransport(baseURL, username, password string, timeout time.Duration) *transport {
	return &transport{
		baseURL:    baseURL + "/api/v2",
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: timeout},
	}
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
	form := url.Values{}
	form.Set("username", t.username)
	form.Set("password", t.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "failed to build login request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return backend.NormalizeNetError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return errors.Wrap(backend.ErrAuthFailure, "login forbidden, possibly banned")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(backend.ErrTransport, "login returned status %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(body)) == "Fails." {
		return errors.Wrap(backend.ErrAuthFailure, "invalid credentials")
	}

	for _, cookie := range resp.Cookies() {
		if cookie.Name == "SID" {
			t.setCookie(cookie.Value)
			return nil
		}
	}

	return errors.Wrap(backend.ErrAuthFailure, "login response carried no session cookie")
}

// Get performs a GET call and returns the raw body.
func (t *transport) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	target := t.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return t.do(ctx, http.MethodGet, target, "", true)
}

// PostForm performs a form-encoded POST call and returns the raw body.
func (t *transport) PostForm(ctx context.Context, path string, form url.Values) ([]byte, error) {
	return t.do(ctx, http.MethodPost, t.baseURL+path, form.Encode(), true)
}

// PostMultipart uploads a raw torrent payload alongside form fields.
func (t *transport) PostMultipart(ctx context.Context, path string, torrent []byte, fields url.Values) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fw, err := w.CreateFormFile("torrents", "upload.torrent")
	if err != nil {
		return errors.Wrap(err, "failed to build multipart payload")
	}
	if _, err := fw.Write(torrent); err != nil {
		return errors.Wrap(err, "failed to write torrent payload")
	}
	for key := range fields {
		if err := w.WriteField(key, fields.Get(key)); err != nil {
			return errors.Wrap(err, "failed to write form field")
		}
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "failed to finalize multipart payload")
	}

	_, err = t.do(ctx, http.MethodPost, t.baseURL+path, buf.String(), true, w.FormDataContentType())
	return err
}

func (t *transport) do(ctx context.Context, method, target, body string, retryAuth bool, contentType ...string) ([]byte, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	if body != "" {
		ct := "application/x-www-form-urlencoded"
		if len(contentType) > 0 {
			ct = contentType[0]
		}
		req.Header.Set("Content-Type", ct)
	}
	if cookie := t.getCookie(); cookie != "" {
		req.AddCookie(&http.Cookie{Name: "SID", Value: cookie})
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, backend.NormalizeNetError(err)
	}
	defer resp.Body.Close()

	// Responses may rotate the session cookie; keep the cache current.
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "SID" && cookie.Value != "" {
			t.setCookie(cookie.Value)
		}
	}

	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusUnauthorized:
		// Session expired. Re-login transparently, at most once per call.
		if !retryAuth {
			return nil, errors.Wrap(backend.ErrAuthFailure, "session still invalid after re-login")
		}

		log.Trace().Str("target", target).Msg("qBittorrent session expired, re-authenticating")
		if err := t.login(ctx); err != nil {
			return nil, err
		}
		return t.do(ctx, method, target, body, false, contentType...)

	case http.StatusNotFound:
		return nil, errors.Wrapf(errEndpointNotFound, "status 404 for %s", target)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, backend.NormalizeNetError(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(backend.ErrRemote, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	return raw, nil
}
