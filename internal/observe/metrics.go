// Package observe provides application-wide observability primitives for
// segscribe: OpenTelemetry metrics, tracing helpers, and the Prometheus
// exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all segscribe metrics.
const meterName = "github.com/segscribe/segscribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// EncodeDuration tracks per-segment ffmpeg encode latency.
	EncodeDuration metric.Float64Histogram

	// TranscribeDuration tracks per-attempt remote transcription latency.
	TranscribeDuration metric.Float64Histogram

	// --- Counters ---

	// SegmentsProcessed counts segments that reached Done. Use with attribute:
	//   attribute.String("status", "ok"|"failed")
	SegmentsProcessed metric.Int64Counter

	// TranscribeRetries counts retry attempts after a transient failure.
	TranscribeRetries metric.Int64Counter

	// TranscribeErrors counts failed transcription attempts. Use with attribute:
	//   attribute.String("class", "transient"|"permanent")
	TranscribeErrors metric.Int64Counter

	// CacheHits counts segment result cache hits.
	CacheHits metric.Int64Counter

	// BytesEncoded accumulates the size of all encoded segment buffers.
	BytesEncoded metric.Int64Counter

	// --- Gauges ---

	// ActiveJobs tracks the number of uploads currently being processed.
	ActiveJobs metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Encoding
// is sub-second; a remote transcription of a ten-minute segment can take well
// over a minute, hence the long tail.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.EncodeDuration, err = m.Float64Histogram("segscribe.encode.duration",
		metric.WithDescription("Latency of per-segment audio encoding."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscribeDuration, err = m.Float64Histogram("segscribe.transcribe.duration",
		metric.WithDescription("Latency of per-attempt transcription calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.SegmentsProcessed, err = m.Int64Counter("segscribe.segments.processed",
		metric.WithDescription("Total segments that reached a terminal state, by status."),
	); err != nil {
		return nil, err
	}
	if met.TranscribeRetries, err = m.Int64Counter("segscribe.transcribe.retries",
		metric.WithDescription("Total retry attempts after transient transcription failures."),
	); err != nil {
		return nil, err
	}
	if met.TranscribeErrors, err = m.Int64Counter("segscribe.transcribe.errors",
		metric.WithDescription("Total failed transcription attempts by error class."),
	); err != nil {
		return nil, err
	}
	if met.CacheHits, err = m.Int64Counter("segscribe.cache.hits",
		metric.WithDescription("Total segment result cache hits."),
	); err != nil {
		return nil, err
	}
	if met.BytesEncoded, err = m.Int64Counter("segscribe.bytes.encoded",
		metric.WithDescription("Cumulative size of encoded segment buffers."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveJobs, err = m.Int64UpDownCounter("segscribe.active_jobs",
		metric.WithDescription("Number of uploads currently being processed."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("segscribe.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}
