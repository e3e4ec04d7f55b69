// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

// Config is the application configuration unmarshaled from config.toml
// and environment overrides.
type Config struct {
	Version string `mapstructure:"-"`

	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	BaseURL string `mapstructure:"baseUrl"`

	SessionSecret string `mapstructure:"sessionSecret"`

	LogLevel      string `mapstructure:"logLevel"`
	LogPath       string `mapstructure:"logPath"`
	LogMaxSize    int    `mapstructure:"logMaxSize"`
	LogMaxBackups int    `mapstructure:"logMaxBackups"`

	DataDir string `mapstructure:"dataDir"`

	MetricsEnabled bool   `mapstructure:"metricsEnabled"`
	MetricsHost    string `mapstructure:"metricsHost"`
	MetricsPort    int    `mapstructure:"metricsPort"`

	// ReconnectDelaySeconds overrides the per-family reconnect delay when > 0.
	ReconnectDelaySeconds int `mapstructure:"reconnectDelaySeconds"`

	// TrackerRefreshSeconds is the tracker/peer refresher interval.
	TrackerRefreshSeconds int `mapstructure:"trackerRefreshSeconds"`
}
