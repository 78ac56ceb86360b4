// Package observe holds the player's telemetry: the OpenTelemetry
// instruments in [Metrics], block-scoped tracing helpers, trace-aware
// loggers and the admin HTTP middleware.
//
// [InitProvider] installs the global providers and bridges every instrument
// to Prometheus. Tests build their own [Metrics] from a manual reader via
// [NewMetrics] instead of touching [DefaultMetrics].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/seekplay/pkg/actor"
)

// meterName is the instrumentation scope name used for all seekplay metrics.
const meterName = "github.com/MrWong99/seekplay"

// Cache request outcomes used as the "result" attribute of CacheRequests.
const (
	ResultHit      = "hit"      // answered from a resident block
	ResultQueued   = "queued"   // resident but waiting behind a fetch or earlier request
	ResultMiss     = "miss"     // a fetch was issued
	ResultDeferred = "deferred" // parked until the cache has idle capacity
	ResultDropped  = "dropped"  // no free block to evict
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use: the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// FetchDuration tracks how long the decoder takes to fill one block.
	FetchDuration metric.Float64Histogram

	// ActorMessageDuration tracks handler time per message. Use with
	// attributes:
	//   attribute.String("actor", ...), attribute.String("kind", ...)
	ActorMessageDuration metric.Float64Histogram

	// --- Cache ---

	// CacheRequests counts frame requests. Use with attribute:
	//   attribute.String("result", ...): one of the Result* constants.
	CacheRequests metric.Int64Counter

	// CacheEvictions counts blocks taken from the unused pool for a fetch.
	// Use with attribute:
	//   attribute.String("previous_state", ...): EMPTY or CACHE.
	CacheEvictions metric.Int64Counter

	// CacheRecycleInconsistencies counts recycles of blocks that had no
	// frames lent out.
	CacheRecycleInconsistencies metric.Int64Counter

	// CacheBlocks records the pool size after the one-time resize.
	CacheBlocks metric.Int64Gauge

	// CacheUnusedBlocks records the eviction pool size.
	CacheUnusedBlocks metric.Int64Gauge

	// --- Renderers ---

	// AudioBytesWritten counts bytes handed to the audio sink.
	AudioBytesWritten metric.Int64Counter

	// AudioSyncEvents counts sink transitions. Use with attribute:
	//   attribute.String("event", ...): START or STOP.
	AudioSyncEvents metric.Int64Counter

	// FramesPresented counts video frames put on screen.
	FramesPresented metric.Int64Counter

	// FramesDropped counts frames the playhead skipped because a later frame
	// was already due.
	FramesDropped metric.Int64Counter

	// PlaybackSpeed records the active speed; negative is reverse.
	PlaybackSpeed metric.Float64Gauge

	// --- Error counters ---

	// ActorErrors counts errors reported by actors. Use with attributes:
	//   attribute.String("origin", ...), attribute.Bool("fatal", ...)
	ActorErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks admin request latency. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...) (route
	//   pattern), attribute.String("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Fetches
// must stay well below one block duration (320 ms at 25 fps) to keep up.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.FetchDuration, err = m.Float64Histogram("seekplay.fetch.duration",
		metric.WithDescription("Latency of filling one cache block from the decoder."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActorMessageDuration, err = m.Float64Histogram("seekplay.actor.message.duration",
		metric.WithDescription("Time spent handling one actor message by actor and kind."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Cache.
	if met.CacheRequests, err = m.Int64Counter("seekplay.cache.requests",
		metric.WithDescription("Total frame requests by result."),
	); err != nil {
		return nil, err
	}
	if met.CacheEvictions, err = m.Int64Counter("seekplay.cache.evictions",
		metric.WithDescription("Total blocks reused for a new fetch."),
	); err != nil {
		return nil, err
	}
	if met.CacheRecycleInconsistencies, err = m.Int64Counter("seekplay.cache.recycle_inconsistencies",
		metric.WithDescription("Total recycles of frames whose block had nothing lent out."),
	); err != nil {
		return nil, err
	}
	if met.CacheBlocks, err = m.Int64Gauge("seekplay.cache.blocks",
		metric.WithDescription("Number of blocks in the cache pool."),
	); err != nil {
		return nil, err
	}
	if met.CacheUnusedBlocks, err = m.Int64Gauge("seekplay.cache.unused_blocks",
		metric.WithDescription("Number of blocks available for eviction."),
	); err != nil {
		return nil, err
	}

	// Renderers.
	if met.AudioBytesWritten, err = m.Int64Counter("seekplay.audio.bytes_written",
		metric.WithDescription("Total bytes written to the audio sink."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.AudioSyncEvents, err = m.Int64Counter("seekplay.audio.sync_events",
		metric.WithDescription("Total audio sink start/stop transitions."),
	); err != nil {
		return nil, err
	}
	if met.FramesPresented, err = m.Int64Counter("seekplay.video.frames_presented",
		metric.WithDescription("Total video frames presented."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("seekplay.video.frames_dropped",
		metric.WithDescription("Total video frames skipped because they were late."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackSpeed, err = m.Float64Gauge("seekplay.playback.speed",
		metric.WithDescription("Active playback speed; negative values play backwards."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ActorErrors, err = m.Int64Counter("seekplay.actor.errors",
		metric.WithDescription("Total errors reported by actors by origin and severity."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("seekplay.http.request.duration",
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

// RecordCacheRequest increments the request counter for result.
func (m *Metrics) RecordCacheRequest(ctx context.Context, result string) {
	m.CacheRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordEviction increments the eviction counter.
func (m *Metrics) RecordEviction(ctx context.Context, previousState string) {
	m.CacheEvictions.Add(ctx, 1, metric.WithAttributes(attribute.String("previous_state", previousState)))
}

// RecordFetch records the latency of one block fetch.
func (m *Metrics) RecordFetch(ctx context.Context, d time.Duration) {
	m.FetchDuration.Record(ctx, d.Seconds())
}

// RecordActorMessage records the handler time of one message.
func (m *Metrics) RecordActorMessage(ctx context.Context, actor, kind string, d time.Duration) {
	m.ActorMessageDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("actor", actor),
			attribute.String("kind", kind),
		),
	)
}

// RecordActorError increments the error counter for origin.
func (m *Metrics) RecordActorError(ctx context.Context, origin string, fatal bool) {
	m.ActorErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("origin", origin),
			attribute.Bool("fatal", fatal),
		),
	)
}

// RecordSyncEvent increments the audio sync counter for event.
func (m *Metrics) RecordSyncEvent(ctx context.Context, event string) {
	m.AudioSyncEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// ActorObserver returns an [actor.Observer] that records handler time per
// actor and message kind.
func ActorObserver(m *Metrics) actor.Observer {
	return func(name string, msg actor.Message, elapsed time.Duration) {
		m.RecordActorMessage(context.Background(), name, msg.Kind(), elapsed)
	}
}
