// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/manifold-dl/manifold/internal/dbinterface"
	"github.com/manifold-dl/manifold/internal/domain"
)

var ErrBackendNotFound = errors.New("backend not found")

// ClientType identifies the protocol family a backend speaks.
type ClientType string

const (
	ClientTypeDeluge       ClientType = "deluge"
	ClientTypeQBittorrent  ClientType = "qbittorrent"
	ClientTypeTransmission ClientType = "transmission"
	ClientTypeAMule        ClientType = "amule"
)

func (t ClientType) Valid() bool {
	switch t {
	case ClientTypeDeluge, ClientTypeQBittorrent, ClientTypeTransmission, ClientTypeAMule:
		return true
	}
	return false
}

// Backend is one configured download-client daemon.
type Backend struct {
	ID                int        `json:"id"`
	Name              string     `json:"name"`
	ClientType        ClientType `json:"clientType"`
	Host              string     `json:"host"`
	Port              int        `json:"port"`
	UseSSL            bool       `json:"useSsl"`
	URLBase           string     `json:"urlBase"`
	Username          string     `json:"username"`
	PasswordEncrypted string     `json:"-"`
	Enabled           bool       `json:"enabled"`
	SortOrder         int        `json:"sortOrder"`
}

// BaseURL returns the HTTP base URL for the backend's web API.
// Not meaningful for the binary EC protocol.
func (b *Backend) BaseURL() string {
	scheme := "http"
	if b.UseSSL {
		scheme = "https"
	}
	base := fmt.Sprintf("%s://%s", scheme, b.Host)
	if b.Port > 0 {
		base = fmt.Sprintf("%s:%d", base, b.Port)
	}
	if b.URLBase != "" {
		base += "/" + strings.Trim(b.URLBase, "/")
	}
	return base
}

func (b Backend) MarshalJSON() ([]byte, error) {
	type alias Backend
	return json.Marshal(&struct {
		alias
		Password string `json:"password,omitempty"`
	}{
		alias:    alias(b),
		Password: domain.RedactString(b.PasswordEncrypted),
	})
}

type BackendStore struct {
	db            dbinterface.Querier
	encryptionKey []byte
}

func NewBackendStore(db dbinterface.Querier, encryptionKey []byte) (*BackendStore, error) {
	if len(encryptionKey) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}

	return &BackendStore{
		db:            db,
		encryptionKey: encryptionKey,
	}, nil
}

// encrypt encrypts a string using AES-GCM
func (s *BackendStore) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts a string encrypted with encrypt
func (s *BackendStore) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", errors.New("malformed ciphertext")
	}

	nonce, ciphertextBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}

// validateHost validates and normalizes a backend host. Hosts are stored
// bare (no scheme); the scheme is derived from the useSsl flag.
func validateHost(rawHost string) (string, error) {
	rawHost = strings.TrimSpace(rawHost)
	if rawHost == "" {
		return "", errors.New("host cannot be empty")
	}

	if strings.Contains(rawHost, "://") {
		u, err := url.Parse(rawHost)
		if err != nil {
			return "", fmt.Errorf("invalid host: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", fmt.Errorf("unsupported scheme %q: must be http or https", u.Scheme)
		}
		rawHost = u.Host
	}

	if strings.ContainsAny(rawHost, " /\\") {
		return "", fmt.Errorf("invalid host %q", rawHost)
	}

	return rawHost, nil
}

func (s *BackendStore) Create(ctx context.Context, b *Backend, password string) (*Backend, error) {
	if !b.ClientType.Valid() {
		return nil, fmt.Errorf("unknown client type %q", b.ClientType)
	}

	host, err := validateHost(b.Host)
	if err != nil {
		return nil, err
	}

	encryptedPassword, err := s.encrypt(password)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt password: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		WITH next_sort AS (
			SELECT COALESCE(MAX(sort_order), -1) + 1 AS next_order FROM backends
		)
		INSERT INTO backends (name, client_type, host, port, use_ssl, url_base, username, password_encrypted, enabled, sort_order)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, next_order FROM next_sort
		RETURNING id, sort_order
	`,
		b.Name, b.ClientType, host, b.Port, b.UseSSL, strings.Trim(b.URLBase, "/"), b.Username, encryptedPassword, b.Enabled,
	).Scan(&b.ID, &b.SortOrder)
	if err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	b.Host = host
	b.PasswordEncrypted = encryptedPassword
	return b, nil
}

func (s *BackendStore) Get(ctx context.Context, id int) (*Backend, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, client_type, host, port, use_ssl, url_base, username, password_encrypted, enabled, sort_order
		FROM backends
		WHERE id = ?
	`, id)

	return scanBackend(row)
}

func (s *BackendStore) List(ctx context.Context) ([]*Backend, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, client_type, host, port, use_ssl, url_base, username, password_encrypted, enabled, sort_order
		FROM backends
		ORDER BY sort_order ASC, name COLLATE NOCASE ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var backends []*Backend
	for rows.Next() {
		b, err := scanBackend(rows)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}

	return backends, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBackend(row rowScanner) (*Backend, error) {
	var b Backend
	err := row.Scan(
		&b.ID, &b.Name, &b.ClientType, &b.Host, &b.Port, &b.UseSSL, &b.URLBase,
		&b.Username, &b.PasswordEncrypted, &b.Enabled, &b.SortOrder,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBackendNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (s *BackendStore) Update(ctx context.Context, id int, b *Backend, password string) (*Backend, error) {
	host, err := validateHost(b.Host)
	if err != nil {
		return nil, err
	}

	query := `UPDATE backends SET name = ?, host = ?, port = ?, use_ssl = ?, url_base = ?, username = ?, enabled = ?, updated_at = ?`
	args := []any{b.Name, host, b.Port, b.UseSSL, strings.Trim(b.URLBase, "/"), b.Username, b.Enabled, time.Now()}

	// Redacted or empty passwords keep the stored secret.
	if password != "" && !domain.IsRedactedString(password) {
		encrypted, err := s.encrypt(password)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt password: %w", err)
		}
		query += `, password_encrypted = ?`
		args = append(args, encrypted)
	}

	query += ` WHERE id = ?`
	args = append(args, id)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrBackendNotFound
	}

	return s.Get(ctx, id)
}

func (s *BackendStore) SetEnabled(ctx context.Context, id int, enabled bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE backends SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrBackendNotFound
	}
	return nil
}

func (s *BackendStore) Delete(ctx context.Context, id int) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM backends WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrBackendNotFound
	}
	return nil
}

// GetDecryptedPassword returns the decrypted password for a backend
func (s *BackendStore) GetDecryptedPassword(b *Backend) (string, error) {
	if b.PasswordEncrypted == "" {
		return "", nil
	}
	return s.decrypt(b.PasswordEncrypted)
}
