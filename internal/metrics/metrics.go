// Copyright (c) 2026, the manifold contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes per-backend connection and transfer gauges on a
// separate Prometheus listener.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/manifold-dl/manifold/internal/backend"
)

type MetricsManager struct {
	registry  *prometheus.Registry
	collector *poolCollector
}

func NewMetricsManager(pool *backend.Pool) *MetricsManager {
	registry := prometheus.NewRegistry()
	collector := newPoolCollector(pool)
	registry.MustRegister(collector)

	return &MetricsManager{
		registry:  registry,
		collector: collector,
	}
}

func (m *MetricsManager) Registry() *prometheus.Registry {
	return m.registry
}

// poolCollector reads manager state and the cached snapshots at scrape time;
// it never triggers remote calls of its own.
type poolCollector struct {
	pool *backend.Pool

	connected     *prometheus.Desc
	downloadSpeed *prometheus.Desc
	uploadSpeed   *prometheus.Desc
	itemCount     *prometheus.Desc
}

func newPoolCollector(pool *backend.Pool) *poolCollector {
	labels := []string{"backend_id", "name", "client_type"}
	return &poolCollector{
		pool: pool,
		connected: prometheus.NewDesc(
			"manifold_backend_connected",
			"Whether the backend connection is currently live (1) or not (0)",
			labels, nil,
		),
		downloadSpeed: prometheus.NewDesc(
			"manifold_backend_download_speed_bytes",
			"Aggregate download speed reported by the backend",
			labels, nil,
		),
		uploadSpeed: prometheus.NewDesc(
			"manifold_backend_upload_speed_bytes",
			"Aggregate upload speed reported by the backend",
			labels, nil,
		),
		itemCount: prometheus.NewDesc(
			"manifold_backend_items",
			"Number of items in the last good snapshot, by view",
			append(labels, "view"), nil,
		),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connected
	ch <- c.downloadSpeed
	ch <- c.uploadSpeed
	ch <- c.itemCount
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, m := range c.pool.Managers() {
		status := m.Status()
		labels := []string{
			fmt.Sprintf("%d", status.BackendID),
			status.Name,
			string(status.ClientType),
		}

		connected := 0.0
		if status.Connected {
			connected = 1
		}
		ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, connected, labels...)

		if !status.Connected {
			continue
		}

		if stats, err := m.Stats(ctx); err == nil {
			ch <- prometheus.MustNewConstMetric(c.downloadSpeed, prometheus.GaugeValue, float64(stats.DownloadSpeed), labels...)
			ch <- prometheus.MustNewConstMetric(c.uploadSpeed, prometheus.GaugeValue, float64(stats.UploadSpeed), labels...)
		}

		data, err := c.pool.FetchData(ctx, status.BackendID)
		if err != nil {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.itemCount, prometheus.GaugeValue, float64(len(data.Downloads)), append(labels, "downloads")...)
		ch <- prometheus.MustNewConstMetric(c.itemCount, prometheus.GaugeValue, float64(len(data.SharedFiles)), append(labels, "shared_files")...)
		ch <- prometheus.MustNewConstMetric(c.itemCount, prometheus.GaugeValue, float64(len(data.Uploads)), append(labels, "uploads")...)
	}
}

type MetricsServer struct {
	manager *MetricsManager
	host    string
	port    int
}

func NewMetricsServer(manager *MetricsManager, host string, port int) *MetricsServer {
	return &MetricsServer{
		manager: manager,
		host:    host,
		port:    port,
	}
}

func (s *MetricsServer) ListenAndServe() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.manager.Registry(), promhttp.HandlerOpts{}))

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Info().Str("addr", addr).Msg("Starting metrics server")

	return http.ListenAndServe(addr, mux)
}
