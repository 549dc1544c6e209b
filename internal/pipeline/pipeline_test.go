package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segscribe/segscribe/internal/pipeline"
	"github.com/segscribe/segscribe/internal/segment"
	"github.com/segscribe/segscribe/pkg/stt"
	sttmock "github.com/segscribe/segscribe/pkg/stt/mock"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// fakeEncoder produces deterministic per-segment payloads without ffmpeg.
type fakeEncoder struct {
	fn  func(seg segment.Segment) ([]byte, error)
	ext string

	mu    sync.Mutex
	calls int
}

func (e *fakeEncoder) Encode(_ context.Context, seg segment.Segment) ([]byte, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.fn != nil {
		return e.fn(seg)
	}
	return []byte(fmt.Sprintf("audio-%d", seg.Index)), nil
}

func (e *fakeEncoder) Ext() string {
	if e.ext != "" {
		return e.ext
	}
	return ".mp3"
}

// countingSleep records backoff invocations and never actually waits.
func countingSleep(n *int) pipeline.SleepFunc {
	return func(context.Context, time.Duration) error {
		*n++
		return nil
	}
}

func mustPlan(t *testing.T, totalMS, maxMS int64) []segment.Segment {
	t.Helper()
	segs, err := segment.Plan(totalMS, maxMS)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	return segs
}

// ─── ordering and assembly ───────────────────────────────────────────────────

func TestRun_OrderedFragments(t *testing.T) {
	t.Parallel()

	segs := mustPlan(t, 1_500_000, 600_000)
	tr := &sttmock.Transcriber{
		Fn: func(_ int, name string, _ []byte) (string, error) {
			return "text of " + name, nil
		},
	}

	o := pipeline.New(&fakeEncoder{}, tr)
	frags, err := o.Run(context.Background(), segs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(frags) != 3 {
		t.Fatalf("fragments: want 3, got %d", len(frags))
	}
	for i, f := range frags {
		if f.Index != i {
			t.Errorf("fragment %d has index %d", i, f.Index)
		}
		if want := fmt.Sprintf("text of segment_%d.mp3", i); f.Text != want {
			t.Errorf("fragment %d text: want %q, got %q", i, want, f.Text)
		}
		if f.Err != nil {
			t.Errorf("fragment %d unexpected error: %v", i, f.Err)
		}
	}

	joined := pipeline.Join(frags)
	want := "text of segment_0.mp3\ntext of segment_1.mp3\ntext of segment_2.mp3"
	if joined != want {
		t.Errorf("Join: want %q, got %q", want, joined)
	}
}

func TestRun_EmptyPlan(t *testing.T) {
	t.Parallel()

	o := pipeline.New(&fakeEncoder{}, &sttmock.Transcriber{})
	frags, err := o.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(frags) != 0 {
		t.Errorf("fragments: want none, got %d", len(frags))
	}
	if got := pipeline.Join(frags); got != "" {
		t.Errorf("Join of empty run: want empty, got %q", got)
	}
}

// ─── retry policy ────────────────────────────────────────────────────────────

func TestRun_TransientRetriesThenSuccess(t *testing.T) {
	t.Parallel()

	// Fail transiently on the first two attempts, succeed on the third —
	// exactly maxRetries-1 backoff sleeps must be observed.
	tr := &sttmock.Transcriber{
		Fn: func(call int, _ string, _ []byte) (string, error) {
			if call < 3 {
				return "", stt.Transient(errors.New("HTTP 503"))
			}
			return "finally", nil
		},
	}

	var sleeps int
	o := pipeline.New(&fakeEncoder{}, tr,
		pipeline.WithMaxRetries(3),
		pipeline.WithSleep(countingSleep(&sleeps)),
	)

	frags, err := o.Run(context.Background(), mustPlan(t, 1000, 600_000))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if frags[0].Err != nil {
		t.Fatalf("fragment should have recovered, got err: %v", frags[0].Err)
	}
	if frags[0].Text != "finally" {
		t.Errorf("text: want finally, got %q", frags[0].Text)
	}
	if tr.CallCount() != 3 {
		t.Errorf("attempts: want 3, got %d", tr.CallCount())
	}
	if sleeps != 2 {
		t.Errorf("backoff sleeps: want 2, got %d", sleeps)
	}
}

func TestRun_TransientExhaustionContinues(t *testing.T) {
	t.Parallel()

	// Segment 0 always fails transiently; segment 1 succeeds. The run must
	// spend exactly maxRetries attempts on segment 0 and still finish.
	tr := &sttmock.Transcriber{
		Fn: func(_ int, name string, _ []byte) (string, error) {
			if strings.HasPrefix(name, "segment_0") {
				return "", stt.Transient(errors.New("rate limited"))
			}
			return "second ok", nil
		},
	}

	var sleeps int
	o := pipeline.New(&fakeEncoder{}, tr,
		pipeline.WithMaxRetries(3),
		pipeline.WithSleep(countingSleep(&sleeps)),
	)

	frags, err := o.Run(context.Background(), mustPlan(t, 1_200_000, 600_000))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if frags[0].Err == nil {
		t.Fatal("segment 0 should have failed")
	}
	if !strings.Contains(frags[0].Text, "轉錄失敗：") || !strings.Contains(frags[0].Text, "rate limited") {
		t.Errorf("placeholder should embed the error detail, got %q", frags[0].Text)
	}
	if frags[1].Text != "second ok" || frags[1].Err != nil {
		t.Errorf("segment 1 should have succeeded, got %+v", frags[1])
	}
	// 3 attempts for segment 0 plus 1 for segment 1.
	if tr.CallCount() != 4 {
		t.Errorf("total attempts: want 4, got %d", tr.CallCount())
	}
	// No sleep after the final exhausted attempt.
	if sleeps != 2 {
		t.Errorf("backoff sleeps: want 2, got %d", sleeps)
	}
}

func TestRun_PermanentFailureSkipsRetries(t *testing.T) {
	t.Parallel()

	// Scenario: segment 1 of 3 fails permanently; fragments 0 and 2 carry
	// real text, fragment 1 a placeholder, all in index order.
	tr := &sttmock.Transcriber{
		Fn: func(_ int, name string, _ []byte) (string, error) {
			if strings.HasPrefix(name, "segment_1") {
				return "", stt.Permanent(errors.New("audio could not be decoded"))
			}
			return "ok " + name, nil
		},
	}

	var sleeps int
	o := pipeline.New(&fakeEncoder{}, tr, pipeline.WithSleep(countingSleep(&sleeps)))

	frags, err := o.Run(context.Background(), mustPlan(t, 1_500_000, 600_000))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if frags[0].Err != nil || frags[2].Err != nil {
		t.Errorf("segments 0 and 2 should succeed: %+v, %+v", frags[0], frags[2])
	}
	if frags[1].Err == nil || !strings.Contains(frags[1].Text, "audio could not be decoded") {
		t.Errorf("segment 1 should carry the permanent failure, got %+v", frags[1])
	}
	// One attempt per segment — no retries for a permanent error.
	if tr.CallCount() != 3 {
		t.Errorf("total attempts: want 3, got %d", tr.CallCount())
	}
	if sleeps != 0 {
		t.Errorf("backoff sleeps: want 0, got %d", sleeps)
	}
}

func TestRun_EncodeFailureIsPermanent(t *testing.T) {
	t.Parallel()

	enc := &fakeEncoder{
		fn: func(seg segment.Segment) ([]byte, error) {
			if seg.Index == 0 {
				return nil, errors.New("ffmpeg exited with status 1")
			}
			return []byte("audio"), nil
		},
	}
	tr := &sttmock.Transcriber{Text: "fine"}

	o := pipeline.New(enc, tr)
	frags, err := o.Run(context.Background(), mustPlan(t, 1_200_000, 600_000))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if frags[0].Err == nil || !strings.Contains(frags[0].Text, "ffmpeg exited") {
		t.Errorf("encode failure should degrade the fragment, got %+v", frags[0])
	}
	// The transcriber must never see the failed segment.
	for _, c := range tr.Calls() {
		if strings.HasPrefix(c.Name, "segment_0") {
			t.Errorf("transcriber called for a segment that failed to encode")
		}
	}
}

func TestRun_RetryRereadsFromStart(t *testing.T) {
	t.Parallel()

	tr := &sttmock.Transcriber{
		Fn: func(call int, _ string, _ []byte) (string, error) {
			if call == 1 {
				return "", stt.Transient(errors.New("timeout"))
			}
			return "done", nil
		},
	}

	var sleeps int
	o := pipeline.New(&fakeEncoder{}, tr, pipeline.WithSleep(countingSleep(&sleeps)))
	if _, err := o.Run(context.Background(), mustPlan(t, 1000, 600_000)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	calls := tr.Calls()
	if len(calls) != 2 {
		t.Fatalf("attempts: want 2, got %d", len(calls))
	}
	// The retry must see the identical full payload, not a drained reader.
	if string(calls[0].Audio) != "audio-0" || string(calls[1].Audio) != "audio-0" {
		t.Errorf("retry payloads differ: %q vs %q", calls[0].Audio, calls[1].Audio)
	}
}

// ─── progress reporting ──────────────────────────────────────────────────────

func TestRun_ProgressAscending(t *testing.T) {
	t.Parallel()

	type event struct{ completed, total, index int }
	var events []event

	o := pipeline.New(&fakeEncoder{}, &sttmock.Transcriber{Text: "x"},
		pipeline.WithProgress(func(completed, total int, frag pipeline.Fragment) {
			events = append(events, event{completed, total, frag.Index})
		}),
	)

	if _, err := o.Run(context.Background(), mustPlan(t, 1_500_000, 600_000)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("progress events: want 3, got %d", len(events))
	}
	for i, e := range events {
		if e.completed != i+1 || e.total != 3 || e.index != i {
			t.Errorf("event %d: want (%d, 3, %d), got (%d, %d, %d)", i, i+1, i, e.completed, e.total, e.index)
		}
	}
}

// ─── concurrency ─────────────────────────────────────────────────────────────

func TestRun_ConcurrentPreservesOrder(t *testing.T) {
	t.Parallel()

	segs := mustPlan(t, 6_000_000, 600_000) // 10 segments
	tr := &sttmock.Transcriber{
		Fn: func(_ int, name string, _ []byte) (string, error) {
			return "t:" + name, nil
		},
	}

	var (
		mu     sync.Mutex
		counts []int
	)
	o := pipeline.New(&fakeEncoder{}, tr,
		pipeline.WithConcurrency(4),
		pipeline.WithProgress(func(completed, _ int, _ pipeline.Fragment) {
			mu.Lock()
			counts = append(counts, completed)
			mu.Unlock()
		}),
	)

	frags, err := o.Run(context.Background(), segs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(frags) != len(segs) {
		t.Fatalf("fragments: want %d, got %d", len(segs), len(frags))
	}
	for i, f := range frags {
		if f.Index != i {
			t.Fatalf("fragment %d out of order: index %d", i, f.Index)
		}
		if want := fmt.Sprintf("t:segment_%d.mp3", i); f.Text != want {
			t.Errorf("fragment %d text: want %q, got %q", i, want, f.Text)
		}
	}

	// Completion counts are monotonically increasing 1..N even if segment
	// completion order was arbitrary.
	mu.Lock()
	defer mu.Unlock()
	if len(counts) != len(segs) {
		t.Fatalf("progress events: want %d, got %d", len(segs), len(counts))
	}
	for i, c := range counts {
		if c != i+1 {
			t.Errorf("progress count %d: want %d, got %d", i, i+1, c)
		}
	}
}

// ─── cancellation ────────────────────────────────────────────────────────────

func TestRun_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := pipeline.New(&fakeEncoder{}, &sttmock.Transcriber{Text: "x"})
	_, err := o.Run(ctx, mustPlan(t, 1_200_000, 600_000))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run with cancelled ctx: want context.Canceled, got %v", err)
	}
}

// ─── spool cleanup invariant ─────────────────────────────────────────────────

// assertNoSpoolLeftovers fails if any segment_* artifact survives in dir.
func assertNoSpoolLeftovers(t *testing.T, dir string) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "segment_*"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("spool leftovers after run: %v", matches)
	}
}

func TestRun_SpoolCleanupOnSuccess(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var sawSpoolFile bool
	tr := &sttmock.Transcriber{
		Fn: func(_ int, name string, _ []byte) (string, error) {
			if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
				sawSpoolFile = true
			}
			return "ok", nil
		},
	}

	// Threshold 1 forces every segment through the disk spool.
	o := pipeline.New(&fakeEncoder{}, tr, pipeline.WithSpool(dir, 1))
	if _, err := o.Run(context.Background(), mustPlan(t, 1_500_000, 600_000)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sawSpoolFile {
		t.Error("segments never hit the spool despite the 1-byte threshold")
	}
	assertNoSpoolLeftovers(t, dir)
}

func TestRun_SpoolCleanupOnTotalFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tr := &sttmock.Transcriber{
		Fn: func(int, string, []byte) (string, error) {
			return "", stt.Permanent(errors.New("auth rejected"))
		},
	}

	o := pipeline.New(&fakeEncoder{}, tr, pipeline.WithSpool(dir, 1))
	frags, err := o.Run(context.Background(), mustPlan(t, 1_500_000, 600_000))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Every fragment degraded, run still completed and spool is clean.
	for _, f := range frags {
		if f.Err == nil {
			t.Errorf("fragment %d should have failed", f.Index)
		}
	}
	assertNoSpoolLeftovers(t, dir)
}

func TestRun_SweepTolleratesForeignLeftovers(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// A stale artifact from a crashed earlier run.
	stale := filepath.Join(dir, "segment_9.mp3")
	if err := os.WriteFile(stale, []byte("stale"), 0o600); err != nil {
		t.Fatalf("write stale artifact: %v", err)
	}

	o := pipeline.New(&fakeEncoder{}, &sttmock.Transcriber{Text: "x"}, pipeline.WithSpool(dir, 1))
	if _, err := o.Run(context.Background(), mustPlan(t, 1000, 600_000)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertNoSpoolLeftovers(t, dir)
}

// ─── result cache ────────────────────────────────────────────────────────────

func TestRun_CacheHitSkipsTranscription(t *testing.T) {
	t.Parallel()

	// Two segments encode to identical bytes — the second must be served
	// from the cache without another remote call.
	enc := &fakeEncoder{
		fn: func(segment.Segment) ([]byte, error) { return []byte("same bytes"), nil },
	}
	tr := &sttmock.Transcriber{Text: "cached text"}

	o := pipeline.New(enc, tr, pipeline.WithCache(16))
	frags, err := o.Run(context.Background(), mustPlan(t, 1_200_000, 600_000))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tr.CallCount() != 1 {
		t.Errorf("transcribe calls: want 1, got %d", tr.CallCount())
	}
	if frags[0].Text != "cached text" || frags[1].Text != "cached text" {
		t.Errorf("both fragments should carry the cached text: %+v", frags)
	}
}

func TestRun_FailuresAreNotCached(t *testing.T) {
	t.Parallel()

	enc := &fakeEncoder{
		fn: func(segment.Segment) ([]byte, error) { return []byte("same bytes"), nil },
	}
	tr := &sttmock.Transcriber{
		Fn: func(call int, _ string, _ []byte) (string, error) {
			if call == 1 {
				return "", stt.Permanent(errors.New("bad day"))
			}
			return "recovered", nil
		},
	}

	o := pipeline.New(enc, tr, pipeline.WithCache(16))
	frags, err := o.Run(context.Background(), mustPlan(t, 1_200_000, 600_000))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if frags[0].Err == nil {
		t.Error("first segment should have failed")
	}
	// The failure must not have been memoised for the identical bytes.
	if frags[1].Text != "recovered" || frags[1].Err != nil {
		t.Errorf("second segment should have retried the service, got %+v", frags[1])
	}
}
