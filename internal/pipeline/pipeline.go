// Package pipeline drives planned audio segments through encode → transcribe
// and assembles the ordered transcript.
//
// The orchestrator owns the retry policy and the temporary-artifact
// lifecycle: each segment's encoded bytes exist only for the duration of its
// transcription attempts and are released on every exit path — success,
// final failure, or panic. A single segment exhausting its retries degrades
// that segment's fragment to a failure placeholder; it never stops the run.
//
// Segments are processed sequentially by default. With [WithConcurrency] > 1
// transcription calls run in parallel under an errgroup limit; output order
// is always restored by segment index, and progress reporting is relaxed to
// completion order (counts remain monotonic).
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/segscribe/segscribe/internal/observe"
	"github.com/segscribe/segscribe/internal/segment"
	"github.com/segscribe/segscribe/pkg/stt"
)

const (
	// defaultMaxRetries bounds transcription attempts per segment.
	defaultMaxRetries = 3

	// defaultBackoff is the fixed pause between transcription attempts.
	defaultBackoff = 2 * time.Second

	// failurePrefix is prepended to the underlying error in a failure
	// placeholder fragment ("transcription failed: <detail>").
	failurePrefix = "轉錄失敗："
)

// Fragment is the text result (or failure placeholder) for exactly one
// segment. Fragments are always produced — no segment is silently dropped.
type Fragment struct {
	Index int
	Text  string

	// Err is the terminal error for a failed segment; nil on success.
	// Text carries the user-visible placeholder in that case.
	Err error
}

// Encoder renders one planned segment into encoded audio bytes.
// media.BoundEncoder is the production implementation.
type Encoder interface {
	Encode(ctx context.Context, seg segment.Segment) ([]byte, error)

	// Ext returns the artifact file extension (with dot), used for spool
	// file names and upload file name hints.
	Ext() string
}

// ProgressFunc receives one call per segment after it reaches its terminal
// state. completed counts segments done so far; total never changes during a
// run. frag is the segment's terminal fragment.
type ProgressFunc func(completed, total int, frag Fragment)

// SleepFunc pauses for d or returns early with ctx's error. Injected in
// tests to observe backoff without waiting.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Orchestrator drives segments through encode → transcribe → fragment.
// Construct with [New]; the zero value is not usable.
type Orchestrator struct {
	enc Encoder
	stt stt.Transcriber

	maxRetries  int
	backoff     time.Duration
	sleep       SleepFunc
	progress    ProgressFunc
	concurrency int

	spoolDir       string
	spoolThreshold int

	cache   *resultCache
	metrics *observe.Metrics
}

// Option is a functional option for configuring an Orchestrator.
type Option func(*Orchestrator)

// WithMaxRetries sets the per-segment transcription attempt bound.
// Default 3.
func WithMaxRetries(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the fixed pause between attempts. Default 2 s.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.backoff = d
		}
	}
}

// WithSleep replaces the backoff sleep. Tests use this to count sleeps and
// return immediately.
func WithSleep(fn SleepFunc) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

// WithProgress registers a progress callback. In sequential mode it fires in
// strictly ascending segment-index order; with concurrency > 1 it fires in
// completion order with monotonic counts.
func WithProgress(fn ProgressFunc) Option {
	return func(o *Orchestrator) { o.progress = fn }
}

// WithConcurrency bounds the number of segments in flight at once. Values
// below 2 keep the default strictly sequential behaviour. Callers raising
// this must respect their transcription service's rate limits.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 1 {
			o.concurrency = n
		}
	}
}

// WithSpool enables disk spooling for segments whose encoded bytes exceed
// thresholdBytes. Spool files are named segment_<index><ext> under dir and
// are removed on every exit path. dir should be private to one run so
// overlapping runs cannot collide.
func WithSpool(dir string, thresholdBytes int) Option {
	return func(o *Orchestrator) {
		o.spoolDir = dir
		o.spoolThreshold = thresholdBytes
	}
}

// WithCache enables the segment result cache, keyed by a SHA-256 hash of the
// encoded bytes and bounded to entries results (LRU eviction, process
// lifetime only). entries < 1 disables the cache.
func WithCache(entries int) Option {
	return func(o *Orchestrator) {
		if entries > 0 {
			o.cache, _ = newResultCache(entries)
		}
	}
}

// WithMetrics wires pipeline instrumentation. When nil, nothing is recorded.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New constructs an Orchestrator around an encoder and a transcriber.
func New(enc Encoder, t stt.Transcriber, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		enc:        enc,
		stt:        t,
		maxRetries: defaultMaxRetries,
		backoff:    defaultBackoff,
		sleep:      sleepCtx,
		concurrency: 1,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// sleepCtx is the production SleepFunc: a timer that aborts early when ctx
// is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run processes all segments and returns their fragments in ascending index
// order. It only fails as a whole when ctx is cancelled; per-segment faults
// are captured inside the affected fragment.
//
// Before returning, Run sweeps any segment_* spool leftovers for this run,
// tolerating entries that are already gone.
func (o *Orchestrator) Run(ctx context.Context, segs []segment.Segment) ([]Fragment, error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.run")
	defer span.End()
	defer o.sweepSpool()

	if len(segs) == 0 {
		return nil, nil
	}

	frags := make([]Fragment, len(segs))

	if o.concurrency <= 1 {
		for i, seg := range segs {
			if err := ctx.Err(); err != nil {
				return frags[:i], err
			}
			frags[i] = o.processSegment(ctx, seg)
			if o.progress != nil {
				o.progress(i+1, len(segs), frags[i])
			}
		}
		return frags, nil
	}

	var (
		mu        sync.Mutex
		completed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for _, seg := range segs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			frag := o.processSegment(gctx, seg)
			mu.Lock()
			frags[seg.Index] = frag
			completed++
			done := completed
			mu.Unlock()
			if o.progress != nil {
				o.progress(done, len(segs), frag)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return frags, nil
}

// processSegment walks one segment through its full state machine:
// Pending → Encoding → Attempting(n) → Done. It never fails the run; every
// outcome is a Fragment.
func (o *Orchestrator) processSegment(ctx context.Context, seg segment.Segment) Fragment {
	ctx, span := observe.StartSpan(ctx, "pipeline.segment")
	defer span.End()
	log := observe.Logger(ctx).With("segment", seg.Index)

	// Encoding. A failure here is terminal for the segment — there is
	// nothing to retry against.
	encStart := time.Now()
	data, err := o.enc.Encode(ctx, seg)
	if o.metrics != nil {
		o.metrics.EncodeDuration.Record(ctx, time.Since(encStart).Seconds())
	}
	if err != nil {
		log.Error("segment encode failed", "err", err)
		return o.failed(ctx, seg, fmt.Errorf("encode: %w", err))
	}
	if o.metrics != nil {
		o.metrics.BytesEncoded.Add(ctx, int64(len(data)))
	}

	if o.cache != nil {
		if text, ok := o.cache.get(data); ok {
			if o.metrics != nil {
				o.metrics.CacheHits.Add(ctx, 1)
				o.metrics.SegmentsProcessed.Add(ctx, 1, metric.WithAttributes(observe.Attr("status", "ok")))
			}
			log.Debug("segment served from cache")
			return Fragment{Index: seg.Index, Text: text}
		}
	}

	name := fmt.Sprintf("segment_%d%s", seg.Index, o.enc.Ext())

	// Stage the encoded bytes as a rewindable source. The deferred cleanup
	// is the catch-all release boundary: it runs on success, final failure,
	// and panic alike.
	src, cleanup, err := o.stage(name, data)
	if err != nil {
		log.Error("segment staging failed", "err", err)
		return o.failed(ctx, seg, fmt.Errorf("stage: %w", err))
	}
	defer cleanup()

	// Attempt loop.
	var lastErr error
	for attempt := 1; attempt <= o.maxRetries; attempt++ {
		if attempt > 1 {
			// Retry with the same bytes, re-read from the start.
			if _, err := src.Seek(0, io.SeekStart); err != nil {
				lastErr = fmt.Errorf("rewind: %w", err)
				break
			}
			if o.metrics != nil {
				o.metrics.TranscribeRetries.Add(ctx, 1)
			}
		}

		start := time.Now()
		text, err := o.stt.Transcribe(ctx, src, name)
		if o.metrics != nil {
			o.metrics.TranscribeDuration.Record(ctx, time.Since(start).Seconds())
		}
		if err == nil {
			if o.cache != nil {
				o.cache.add(data, text)
			}
			if o.metrics != nil {
				o.metrics.SegmentsProcessed.Add(ctx, 1, metric.WithAttributes(observe.Attr("status", "ok")))
			}
			return Fragment{Index: seg.Index, Text: text}
		}

		lastErr = err
		if !stt.IsTransient(err) {
			// Malformed audio, auth rejection: retrying cannot help.
			if o.metrics != nil {
				o.metrics.TranscribeErrors.Add(ctx, 1, metric.WithAttributes(observe.Attr("class", "permanent")))
			}
			log.Warn("segment failed permanently", "attempt", attempt, "err", err)
			break
		}

		if o.metrics != nil {
			o.metrics.TranscribeErrors.Add(ctx, 1, metric.WithAttributes(observe.Attr("class", "transient")))
		}
		log.Warn("segment attempt failed", "attempt", attempt, "max_retries", o.maxRetries, "err", err)
		if attempt < o.maxRetries {
			if err := o.sleep(ctx, o.backoff); err != nil {
				lastErr = fmt.Errorf("backoff interrupted: %w", err)
				break
			}
		}
	}

	return o.failed(ctx, seg, lastErr)
}

// failed builds the placeholder fragment for a terminally failed segment.
func (o *Orchestrator) failed(ctx context.Context, seg segment.Segment, err error) Fragment {
	if o.metrics != nil {
		o.metrics.SegmentsProcessed.Add(ctx, 1, metric.WithAttributes(observe.Attr("status", "failed")))
	}
	return Fragment{
		Index: seg.Index,
		Text:  failurePrefix + err.Error(),
		Err:   err,
	}
}

// stage turns encoded bytes into a rewindable reader. Small segments stay in
// memory; large ones are spooled to disk when a spool dir is configured. The
// returned cleanup releases whatever was staged and is safe to call exactly
// once.
func (o *Orchestrator) stage(name string, data []byte) (io.ReadSeeker, func(), error) {
	if o.spoolDir == "" || o.spoolThreshold <= 0 || len(data) < o.spoolThreshold {
		return bytes.NewReader(data), func() {}, nil
	}

	path := filepath.Join(o.spoolDir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		_ = os.Remove(path)
		return nil, nil, err
	}
	cleanup := func() {
		_ = f.Close()
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			observe.Logger(context.Background()).Warn("spool cleanup failed", "path", path, "err", err)
		}
	}
	return f, cleanup, nil
}

// sweepSpool removes any segment_* leftovers in the spool dir. Entries that
// are already gone are not an error.
func (o *Orchestrator) sweepSpool() {
	if o.spoolDir == "" {
		return
	}
	matches, err := filepath.Glob(filepath.Join(o.spoolDir, "segment_*"))
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			observe.Logger(context.Background()).Warn("spool sweep failed", "path", m, "err", err)
		}
	}
}

// Join concatenates fragment text in ascending index order with a newline
// separator, producing the final downloadable transcript.
func Join(frags []Fragment) string {
	parts := make([]string, len(frags))
	for i, f := range frags {
		parts[i] = f.Text
	}
	return strings.Join(parts, "\n")
}
