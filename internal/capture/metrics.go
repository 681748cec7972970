package capture

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	avatarCapturesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kana_capture_avatars_total",
		Help: "Avatar capture attempts by outcome",
	}, []string{"outcome"})

	nameCapturesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kana_capture_names_total",
		Help: "Display name changes written to history",
	})

	rateLimitWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kana_ratelimit_waits_total",
		Help: "Avatar captures that had to wait for the upload rate limiter",
	})

	blobUploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kana_blobsink_uploads_total",
		Help: "Blob sink uploads by result",
	}, []string{"result"})

	blobUploadBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kana_blobsink_upload_bytes",
		Help:    "Size of blobs handed to the sink",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 9),
	})

	captureDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kana_capture_duration_seconds",
		Help:    "Duration of capture operations",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"kind"})
)

// SinkMetrics reports blob sink uploads to prometheus.
type SinkMetrics struct{}

// ObserveUpload implements blobsink.Metrics.
func (SinkMetrics) ObserveUpload(_ string, result string, size int) {
	blobUploadsTotal.WithLabelValues(result).Inc()
	blobUploadBytes.Observe(float64(size))
}
