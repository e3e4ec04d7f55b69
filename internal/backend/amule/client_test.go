// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package amule

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/manifold-dl/manifold/internal/backend"
)

func TestNormalizeECStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		shared bool
		want   backend.ItemState
	}{
		{"ready", ECStatusReady, false, backend.StateDownloading},
		{"empty", ECStatusEmpty, false, backend.StateDownloading},
		{"waiting hash", ECStatusWaitingHash, false, backend.StateChecking},
		{"hashing", ECStatusHashing, false, backend.StateChecking},
		{"completing", ECStatusCompleting, false, backend.StateChecking},
		{"paused", ECStatusPaused, false, backend.StatePaused},
		{"error", ECStatusError, false, backend.StateError},
		{"complete", ECStatusComplete, false, backend.StateSeeding},
		{"unknown code", 42, false, backend.StateUnknown},
		// Shared files are seeding no matter what the status byte says.
		{"shared overrides status", ECStatusPaused, true, backend.StateSeeding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeECStatus(tt.status, tt.shared))
		})
	}
}

func TestNormalizeFile(t *testing.T) {
	item := normalizeFile(ECFile{
		Hash:       "0BEEC7B5EA3F0FDBC95D0DD47F3C5BC2",
		Name:       "distro.iso",
		Size:       1000,
		Done:       250,
		Uploaded:   500,
		SpeedDown:  2048,
		Status:     ECStatusReady,
		CategoryID: 3,
		SavePath:   "/incoming",
	}, false)

	assert.Equal(t, backend.StateDownloading, item.State)
	assert.Equal(t, 0.25, item.Progress)
	assert.Equal(t, 2.0, item.Ratio)
	assert.Equal(t, "3", item.Category)
}

func TestNormalizeFileShared(t *testing.T) {
	item := normalizeFile(ECFile{
		Hash: "AA",
		Name: "done.bin",
		Size: 1000,
		Done: 1000,
	}, true)

	assert.Equal(t, backend.StateSeeding, item.State)
	assert.Equal(t, 1.0, item.Progress)
	// Category 0 is the daemon's catch-all and maps to no local category.
	assert.Equal(t, "", item.Category)
}

func TestNormalizeFileZeroSize(t *testing.T) {
	item := normalizeFile(ECFile{Hash: "BB", Name: "empty"}, false)
	assert.Equal(t, 0.0, item.Progress)
	assert.Equal(t, 0.0, item.Ratio)
}

func TestParseCategoryID(t *testing.T) {
	n, err := parseCategoryID("7")
	assert.NoError(t, err)
	assert.Equal(t, 7, n)

	n, err = parseCategoryID(" 2 ")
	assert.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = parseCategoryID("movies")
	assert.ErrorIs(t, err, backend.ErrRemote)
}

func TestNormalizeCategory(t *testing.T) {
	g := normalizeCategory(ECCategory{
		ID:       2,
		Title:    "iso",
		Path:     "/data/iso",
		Comment:  "install media",
		Color:    "#336699",
		Priority: 1,
	})

	assert.Equal(t, backend.Grouping{
		ID:       "2",
		Name:     "iso",
		SavePath: "/data/iso",
		Comment:  "install media",
		Color:    "#336699",
		Priority: 1,
	}, g)
}
