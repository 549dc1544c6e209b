// Package server exposes the browser-facing HTTP surface: the upload page,
// the upload endpoint, per-job progress websockets, transcript downloads, and
// the Prometheus scrape endpoint.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/segscribe/segscribe/internal/config"
	"github.com/segscribe/segscribe/internal/health"
	"github.com/segscribe/segscribe/internal/media"
	"github.com/segscribe/segscribe/internal/observe"
	"github.com/segscribe/segscribe/internal/pipeline"
	"github.com/segscribe/segscribe/internal/segment"
	"github.com/segscribe/segscribe/pkg/stt"
)

//go:embed static
var staticFS embed.FS

const (
	// maxUploadBytes caps upload request bodies. The UI advertises 1 GB.
	maxUploadBytes = 1 << 30

	// transcriptSuffix is appended to the sanitized stem for the download
	// file name.
	transcriptSuffix = "_轉錄結果.txt"
)

// Server wires the HTTP surface to the transcription pipeline.
type Server struct {
	log     *slog.Logger
	dec     *media.Decoder
	enc     *media.Encoder
	tc      media.Toolchain
	tr      stt.Transcriber
	metrics *observe.Metrics
	jobs    *Registry
	pcfg    config.PipelineConfig

	// baseCtx parents every job run so in-flight work stops on shutdown.
	baseCtx context.Context

	handler http.Handler
}

// Option configures a [Server].
type Option func(*Server)

// WithBaseContext sets the context that parents all job runs. Defaults to
// context.Background(); main passes its signal context so shutdown cancels
// running jobs.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) {
		if ctx != nil {
			s.baseCtx = ctx
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// New builds the server and its route table.
func New(pcfg config.PipelineConfig, tc media.Toolchain, dec *media.Decoder, enc *media.Encoder, tr stt.Transcriber, metrics *observe.Metrics, opts ...Option) *Server {
	s := &Server{
		log:     slog.Default(),
		dec:     dec,
		enc:     enc,
		tc:      tc,
		tr:      tr,
		metrics: metrics,
		jobs:    NewRegistry(),
		pcfg:    pcfg,
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /api/upload", s.handleUpload)
	mux.HandleFunc("GET /api/jobs/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /api/jobs/{id}/transcript", s.handleTranscript)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(health.Checker{Name: "toolchain", Check: s.tc.Check}).Register(mux)

	s.handler = observe.Middleware(metrics)(mux)
	return s
}

// Handler returns the fully wired HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Jobs exposes the registry, mainly for tests.
func (s *Server) Jobs() *Registry { return s.jobs }

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	page, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "page unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

// handleUpload accepts a multipart audio upload, stages it in the job's
// private directory, and kicks off the transcription run in the background.
// The response carries the job ID; progress arrives over the events socket.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, hdr, err := r.FormFile("file")
	if err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("missing file field: %v", err))
		return
	}
	defer file.Close()

	name := SanitizeFilename(hdr.Filename)
	dir, err := s.newJobDir()
	if err != nil {
		s.log.Error("cannot create job dir", "err", err)
		httpError(w, http.StatusInternalServerError, "cannot stage upload")
		return
	}

	uploadPath := filepath.Join(dir, "upload"+filepath.Ext(name))
	dst, err := os.OpenFile(uploadPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		s.log.Error("cannot create upload file", "err", err)
		_ = os.RemoveAll(dir)
		httpError(w, http.StatusInternalServerError, "cannot stage upload")
		return
	}
	if _, err := io.Copy(dst, file); err != nil {
		_ = dst.Close()
		_ = os.RemoveAll(dir)
		httpError(w, http.StatusBadRequest, fmt.Sprintf("upload interrupted: %v", err))
		return
	}
	if err := dst.Close(); err != nil {
		_ = os.RemoveAll(dir)
		httpError(w, http.StatusInternalServerError, "cannot stage upload")
		return
	}

	job := s.jobs.Create(Stem(name), dir)
	s.log.Info("upload accepted", "job", job.ID, "filename", name)

	go s.runJob(s.baseCtx, job, uploadPath)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"job_id": job.ID})
}

// newJobDir creates a private directory for one job's artifacts so
// overlapping runs can never collide.
func (s *Server) newJobDir() (string, error) {
	root := filepath.Join(s.pcfg.SpoolDir, "jobs")
	if err := os.MkdirAll(root, 0o700); err != nil {
		return "", err
	}
	return os.MkdirTemp(root, "job-*")
}

// runJob drives one upload end to end: probe, plan, transcribe, assemble.
// Every artifact (upload file, spooled segments, the job dir itself) is
// removed before the job reaches a terminal state's observers.
func (s *Server) runJob(ctx context.Context, job *Job, uploadPath string) {
	ctx, span := observe.StartSpan(ctx, "server.job")
	defer span.End()
	log := s.log.With("job", job.ID)

	s.metrics.ActiveJobs.Add(ctx, 1)
	defer s.metrics.ActiveJobs.Add(ctx, -1)
	defer func() {
		if err := os.RemoveAll(job.Dir()); err != nil {
			log.Warn("job dir cleanup failed", "err", err)
		}
	}()

	tl, err := s.dec.Decode(ctx, uploadPath)
	if err != nil {
		log.Error("decode failed", "err", err)
		_ = os.Remove(uploadPath)
		job.Fail(err.Error())
		return
	}
	defer func() {
		if err := tl.Release(); err != nil {
			log.Warn("upload cleanup failed", "err", err)
		}
	}()
	log.Info("upload decoded", "duration_ms", tl.DurationMS())

	segs, err := segment.Plan(tl.DurationMS(), s.pcfg.MaxSegmentMS)
	if err != nil {
		log.Error("segment planning failed", "err", err)
		job.Fail(err.Error())
		return
	}

	orch := pipeline.New(s.enc.Bind(tl), s.tr,
		pipeline.WithMaxRetries(s.pcfg.MaxRetries),
		pipeline.WithRetryBackoff(s.pcfg.RetryBackoff.Std()),
		pipeline.WithConcurrency(s.pcfg.Concurrency),
		pipeline.WithSpool(job.Dir(), s.pcfg.SpoolThresholdBytes),
		pipeline.WithCache(s.pcfg.CacheEntries),
		pipeline.WithMetrics(s.metrics),
		pipeline.WithProgress(func(completed, total int, frag pipeline.Fragment) {
			pct := completed * 100 / total
			job.Publish(Event{
				Type:    EventProgress,
				Percent: pct,
				Label:   fmt.Sprintf("處理進度: %d%% (段落 %d/%d)", pct, completed, total),
			})
			job.Publish(Event{
				Type:   EventFragment,
				Index:  frag.Index,
				Text:   frag.Text,
				Failed: frag.Err != nil,
			})
		}),
	)

	frags, err := orch.Run(ctx, segs)
	if err != nil {
		// Only cancellation reaches here; per-segment faults degrade in place.
		log.Warn("job aborted", "err", err)
		job.Fail(err.Error())
		return
	}

	job.Complete(pipeline.Join(frags))
	log.Info("job complete", "segments", len(frags))
}

// handleEvents upgrades to a websocket and streams the job's events from the
// beginning, so late or reconnecting clients never miss one. The socket
// closes after the terminal event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobs.Get(r.PathValue("id"))
	if !ok {
		httpError(w, http.StatusNotFound, "unknown job")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "job", job.ID, "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream interrupted")

	ctx := r.Context()
	offset := 0
	for {
		events, changed := job.EventsSince(offset)
		for _, ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
			if ev.Terminal() {
				conn.Close(websocket.StatusNormalClosure, "job finished")
				return
			}
		}
		offset += len(events)

		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
	}
}

// handleTranscript serves the assembled transcript as a download. A degraded
// run (placeholders included) downloads exactly like a clean one.
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobs.Get(r.PathValue("id"))
	if !ok {
		httpError(w, http.StatusNotFound, "unknown job")
		return
	}

	text, ready := job.Transcript()
	if !ready {
		if job.State() == StateFailed {
			httpError(w, http.StatusConflict, "job failed: "+job.ErrDetail())
			return
		}
		httpError(w, http.StatusConflict, "job still running")
		return
	}

	disposition := mime.FormatMediaType("attachment", map[string]string{
		"filename": job.Filename + transcriptSuffix,
	})
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", disposition)
	_, _ = io.WriteString(w, text)
}

// httpError writes a JSON error body with the given status.
func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
