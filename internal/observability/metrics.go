package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "atm_occupancy"

// Metrics holds the Prometheus counters, histograms, and gauges for the status engine.
type Metrics struct {
	// Stream connection metrics.
	ConnectionState  prometheus.Gauge // 0=disconnected, 1=connecting, 2=connected, 3=backoff
	ReconnectDelay   prometheus.Gauge
	ConnectAttempts  *prometheus.CounterVec // labels: outcome={success,error}
	ConnectionsLost  prometheus.Counter
	FramesReceived   prometheus.Counter
	FramesDropped    *prometheus.CounterVec // labels: reason={envelope,malformed}
	EntriesRejected  *prometheus.CounterVec // labels: reason={invalid_count,unknown_site}
	ReadingsDecoded  prometheus.Counter
	FrameProcessing  prometheus.Histogram
	PipelineReady    prometheus.Gauge

	// Store metrics.
	ReadingsApplied prometheus.Counter
	ReadingsStale   prometheus.Counter
	SiteCount       *prometheus.GaugeVec // labels: site
	SiteTier        *prometheus.GaugeVec // labels: site
	Subscribers     prometheus.Gauge

	// View feed metrics.
	FeedClients prometheus.Gauge

	// Sites in the catalog file that differ from the running set.
	CatalogPendingChanges prometheus.Gauge

	// State publisher metrics.
	PublishedEvents prometheus.Counter
	PublishErrors   prometheus.Counter
	PublishDropped  prometheus.Counter

	// Geocoding metrics.
	GeocodeRequests    *prometheus.CounterVec   // labels: method={reverse}, outcome={success,error,empty}
	GeocodeCache       *prometheus.CounterVec   // labels: method={reverse}, result={hit,miss}
	GeocodeAPIDuration *prometheus.HistogramVec // labels: method={reverse}
	GeocodeEnabled     prometheus.Gauge
}

// NewMetrics creates and registers all engine metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, so tests can
// create as many as they need without "already registered" panics.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_connection_state",
			Help:      "Stream connection state: 0 disconnected, 1 connecting, 2 connected, 3 backoff.",
		}),
		ReconnectDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_reconnect_delay_seconds",
			Help:      "Delay before the next reconnect attempt, 0 when not backing off.",
		}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_connect_attempts_total",
			Help:      "Stream dial attempts by outcome.",
		}, []string{"outcome"}),
		ConnectionsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_connections_lost_total",
			Help:      "Established stream connections that closed unexpectedly.",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames received on the occupancy event channel.",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped as a whole, by reason.",
		}, []string{"reason"}),
		EntriesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_rejected_total",
			Help:      "Individual payload entries dropped, by reason.",
		}, []string{"reason"}),
		ReadingsDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_decoded_total",
			Help:      "Valid occupancy readings produced by the decoder.",
		}),
		FrameProcessing: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_processing_duration_seconds",
			Help:      "Duration of decoding and applying one frame.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		PipelineReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_ready",
			Help:      "1 once at least one reading has been applied.",
		}),
		ReadingsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_applied_total",
			Help:      "Readings accepted by the site state store.",
		}),
		ReadingsStale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_stale_total",
			Help:      "Duplicate or out-of-order readings dropped by the store.",
		}),
		SiteCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "site_occupancy",
			Help:      "Current occupancy count per site.",
		}, []string{"site"}),
		SiteTier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "site_tier",
			Help:      "Current congestion tier per site (0 low, 1 medium, 2 high, ...).",
		}, []string{"site"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_subscribers",
			Help:      "Active site state subscribers.",
		}),
		FeedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_clients",
			Help:      "Connected view feed WebSocket clients.",
		}),
		PublishedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_events_published_total",
			Help:      "Site state events written to Kafka.",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_publish_errors_total",
			Help:      "Failed Kafka batch writes.",
		}),
		PublishDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_events_dropped_total",
			Help:      "Site state events evicted from a full publish buffer.",
		}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_requests_total",
			Help:      "Geocoding API requests by method and outcome.",
		}, []string{"method", "outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_cache_total",
			Help:      "Geocoding cache lookups by method and result.",
		}, []string{"method", "result"}),
		GeocodeAPIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocode_api_duration_seconds",
			Help:      "Mapbox API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method"}),
		GeocodeEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "geocode_enabled",
			Help:      "1 when address enrichment is enabled, 0 otherwise.",
		}),
		CatalogPendingChanges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_pending_changes",
			Help:      "Sites added, removed or edited in the catalog file since startup; applied on restart.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ConnectionState,
		m.ReconnectDelay,
		m.ConnectAttempts,
		m.ConnectionsLost,
		m.FramesReceived,
		m.FramesDropped,
		m.EntriesRejected,
		m.ReadingsDecoded,
		m.FrameProcessing,
		m.PipelineReady,
		m.ReadingsApplied,
		m.ReadingsStale,
		m.SiteCount,
		m.SiteTier,
		m.Subscribers,
		m.FeedClients,
		m.PublishedEvents,
		m.PublishErrors,
		m.PublishDropped,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.GeocodeAPIDuration,
		m.GeocodeEnabled,
		m.CatalogPendingChanges,
	}
}
