package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the node's Prometheus metric set. Each node carries its own
// registry so several nodes can coexist in one process (and in tests).
type Metrics struct {
	registry *prometheus.Registry

	ActivePeers prometheus.Gauge

	FilesUploaded   prometheus.Counter
	FilesDownloaded prometheus.Counter
	BytesUploaded   prometheus.Counter
	BytesDownloaded prometheus.Counter

	MintedBlocks prometheus.Counter
}

// NewMetrics creates and registers the metric set.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.ActivePeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ciyam_peer_sessions_active",
		Help: "Number of active peer sessions.",
	})
	m.FilesUploaded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ciyam_peer_files_uploaded_total",
		Help: "Files sent to peers.",
	})
	m.FilesDownloaded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ciyam_peer_files_downloaded_total",
		Help: "Files received from peers.",
	})
	m.BytesUploaded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ciyam_peer_bytes_uploaded_total",
		Help: "Bytes sent to peers.",
	})
	m.BytesDownloaded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ciyam_peer_bytes_downloaded_total",
		Help: "Bytes received from peers.",
	})
	m.MintedBlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ciyam_blocks_minted_total",
		Help: "Blocks minted and stored by this node.",
	})

	m.registry.MustRegister(m.ActivePeers, m.FilesUploaded, m.FilesDownloaded,
		m.BytesUploaded, m.BytesDownloaded, m.MintedBlocks)
	return m
}

func (m *Metrics) fileUploaded(bytes int64) {
	m.FilesUploaded.Inc()
	m.BytesUploaded.Add(float64(bytes))
}

func (m *Metrics) fileDownloaded(bytes int64) {
	m.FilesDownloaded.Inc()
	m.BytesDownloaded.Add(float64(bytes))
}
