package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

var (
	// Upstream feed metrics
	FeedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chartstream_feed_messages_total",
			Help: "Total upstream frames received by event type",
		},
		[]string{"event"},
	)

	FeedDecodeDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chartstream_feed_decode_drops_total",
			Help: "Total upstream frames dropped because they did not decode",
		},
	)

	FeedReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chartstream_feed_reconnects_total",
			Help: "Total upstream reconnect attempts",
		},
	)

	FeedConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chartstream_feed_connected",
			Help: "1 while the upstream websocket is open",
		},
	)

	// Broadcaster metrics
	ThrottleEmits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chartstream_throttle_emits_total",
			Help: "Total emissions per throttle channel",
		},
		[]string{"channel"},
	)

	ThrottleCoalesced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chartstream_throttle_coalesced_total",
			Help: "Total events absorbed into a pending slot per throttle channel",
		},
		[]string{"channel"},
	)

	// Gateway metrics
	GatewayClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chartstream_gateway_clients",
			Help: "Number of connected downstream clients",
		},
	)

	GatewayRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chartstream_gateway_rooms",
			Help: "Number of rooms with at least one subscriber",
		},
	)

	GatewayFramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chartstream_gateway_frames_sent_total",
			Help: "Total frames written to downstream clients by event",
		},
		[]string{"event"},
	)

	GatewayFramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chartstream_gateway_frames_dropped_total",
			Help: "Total frames dropped because a client was not writable",
		},
	)

	// Broker metrics
	PublishSuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chartstream_publish_success_total",
			Help: "Total successful broker publishes",
		},
		[]string{"channel_type"},
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chartstream_publish_failures_total",
			Help: "Total failed broker publishes",
		},
		[]string{"channel_type"},
	)

	BrokerConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chartstream_broker_connected",
			Help: "1 while the broker subscription is live",
		},
	)

	// Queue metrics
	QueueJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chartstream_queue_jobs_total",
			Help: "Total jobs by kind and outcome",
		},
		[]string{"kind", "outcome"}, // completed, retried, failed
	)

	// History metrics
	HistoryHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chartstream_history_hits_total",
			Help: "Total history reads served per tier",
		},
		[]string{"tier"}, // db, upstream
	)

	HistoryMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chartstream_history_misses_total",
			Help: "Total history reads that fell through a tier",
		},
		[]string{"tier"},
	)

	HistoryHitRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chartstream_history_hit_ratio",
			Help: "History hit ratio per tier (0-1)",
		},
		[]string{"tier"},
	)

	UpstreamRequestLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chartstream_upstream_request_latency_ms",
			Help:    "Upstream REST request latency in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		},
	)

	StoreWriteLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chartstream_store_write_latency_ms",
			Help:    "Document store write latency in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000},
		},
		[]string{"operation"},
	)
)

// RecordHistoryAccess records a DB-first hit or miss and refreshes the ratio
// gauge for the tier.
func RecordHistoryAccess(tier string, hit bool) {
	if hit {
		HistoryHits.WithLabelValues(tier).Inc()
	} else {
		HistoryMisses.WithLabelValues(tier).Inc()
	}
	updateHistoryHitRatio(tier)
}

// updateHistoryHitRatio calculates and updates the hit ratio gauge.
// This is an approximation for real-time display; use promql for exact values.
func updateHistoryHitRatio(tier string) {
	hits, _ := HistoryHits.GetMetricWithLabelValues(tier)
	misses, _ := HistoryMisses.GetMetricWithLabelValues(tier)

	if hits != nil && misses != nil {
		hitsMetric := &dto.Metric{}
		missesMetric := &dto.Metric{}

		if hits.Write(hitsMetric) == nil && misses.Write(missesMetric) == nil {
			hitsVal := hitsMetric.Counter.GetValue()
			missesVal := missesMetric.Counter.GetValue()

			total := hitsVal + missesVal
			if total > 0 {
				HistoryHitRatio.WithLabelValues(tier).Set(hitsVal / total)
			}
		}
	}
}

// TrackLatency is a helper to measure and record latency
func TrackLatency(start time.Time, histogram prometheus.Observer) {
	duration := time.Since(start).Milliseconds()
	histogram.Observe(float64(duration))
}
