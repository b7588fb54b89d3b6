package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/capability"
	"github.com/loqalabs/loqa-transcribe/internal/capture"
	"github.com/loqalabs/loqa-transcribe/internal/clip"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/eventstore"
	"github.com/loqalabs/loqa-transcribe/internal/model"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/report"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
)

// ModelLoader builds the resident recognizer.
type ModelLoader func(ctx context.Context, cfg config.ModelConfig, logger *slog.Logger) (stt.Recognizer, error)

type Runtime struct {
	cfg       config.Config
	logger    *slog.Logger
	backend   capture.Backend
	loadModel ModelLoader
	stdout    io.Writer
	traceOut  io.Writer
	sessionID string
	ready     atomic.Bool

	listener net.Listener
	tel      *telemetry
	tracer   trace.Tracer
	closers  []func()
}

type Option func(*Runtime)

// WithModelLoader replaces model.Load.
func WithModelLoader(fn ModelLoader) Option {
	return func(r *Runtime) { r.loadModel = fn }
}

// WithOutput sets where transcripts and progress cues are printed, and where
// debug traces are written.
func WithOutput(stdout, traceOut io.Writer) Option {
	return func(r *Runtime) {
		r.stdout = stdout
		r.traceOut = traceOut
	}
}

// WithListener serves the telemetry endpoints on l instead of
// cfg.Telemetry.HTTPBind.
func WithListener(l net.Listener) Option {
	return func(r *Runtime) { r.listener = l }
}

func New(cfg config.Config, logger *slog.Logger, backend capture.Backend, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:       cfg,
		logger:    logger,
		backend:   backend,
		loadModel: model.Load,
		stdout:    os.Stdout,
		traceOut:  os.Stderr,
		sessionID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SessionID identifies this run in published and stored transcripts.
func (r *Runtime) SessionID() string { return r.sessionID }

// Start loads the model, then records and transcribes clips until ctx is
// cancelled. A model that cannot be loaded is reported before any capture.
func (r *Runtime) Start(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.traceOut, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tel = tel
	r.tracer = tel.tracer.Tracer("github.com/loqalabs/loqa-transcribe/internal/runtime")
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if terr := tel.shutdown(shutdownCtx); terr != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", terr.Error()))
		}
	}()

	rec, err := r.loadModel(ctx, r.cfg.Model, r.logger)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	defer func() {
		if cerr := rec.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close recognizer: %w", cerr))
		}
	}()

	defer r.closeSinks()
	reporter, err := r.setupReporter(ctx)
	if err != nil {
		return err
	}

	capturer := capture.NewCapturer(r.backend, r.cfg.Capture.RecordSeconds, r.stdout, r.logger)

	g, gctx := errgroup.WithContext(ctx)
	if err := r.serveHTTP(gctx, g); err != nil {
		return err
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("session_id", r.sessionID),
		slog.String("model_id", r.cfg.Model.ID),
		slog.Int("record_seconds", r.cfg.Capture.RecordSeconds),
		slog.Int("chunks_per_clip", capturer.Chunks()))

	g.Go(func() error {
		defer cancel()
		return r.loop(gctx, capturer, rec, reporter)
	})
	err = g.Wait()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	return err
}

func (r *Runtime) loop(ctx context.Context, capturer *capture.Capturer, rec stt.Recognizer, reporter *report.Reporter) error {
	for n := 1; ; n++ {
		if ctx.Err() != nil {
			return nil
		}
		if err := r.cycle(ctx, n, capturer, rec, reporter); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.tel.instr.failures.Add(context.Background(), 1)
			return fmt.Errorf("cycle %d: %w", n, err)
		}
	}
}

func (r *Runtime) cycle(ctx context.Context, n int, capturer *capture.Capturer, rec stt.Recognizer, reporter *report.Reporter) (err error) {
	ctx, span := r.tracer.Start(ctx, "transcribe.cycle",
		trace.WithAttributes(attribute.Int("cycle", n), attribute.String("session_id", r.sessionID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	instr := r.tel.instr

	started := time.Now()
	buf, err := capturer.Record(ctx)
	if err != nil {
		return fmt.Errorf("record clip: %w", err)
	}
	observeSince(ctx, instr.capture, started)

	path := r.cfg.Clip.Path
	if err := clip.Write(path, buf); err != nil {
		return err
	}
	if err := reporter.Recognizing(); err != nil {
		return err
	}
	c, err := clip.Load(path)
	if err != nil {
		return err
	}

	started = time.Now()
	tr, err := rec.Transcribe(ctx, c)
	if err != nil {
		return fmt.Errorf("transcribe clip: %w", err)
	}
	observeSince(ctx, instr.inference, started)
	if tr.Text == "" {
		instr.empty.Add(ctx, 1)
	}
	span.SetAttributes(attribute.Int("transcript.length", len(tr.Text)))

	// A transcript that made it this far reaches every sink even if a stop
	// signal arrived during inference.
	if err := reporter.Report(context.WithoutCancel(ctx), report.Result{
		SessionID:    r.sessionID,
		Cycle:        n,
		ModelID:      r.cfg.Model.ID,
		Text:         tr.Text,
		Score:        tr.Score,
		AudioSeconds: c.Duration(),
	}); err != nil {
		return err
	}
	instr.cycles.Add(ctx, 1)
	r.logger.Debug("cycle complete", slog.Int("cycle", n), slog.Float64("audio_seconds", c.Duration()))
	return nil
}

// setupReporter wires the console and whichever sinks are enabled. Sinks
// that are enabled but cannot start are fatal.
func (r *Runtime) setupReporter(ctx context.Context) (*report.Reporter, error) {
	reporter := report.NewReporter(report.Console{Out: r.stdout}, r.logger)

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, client.Close)
		if err := client.EnsureStream(protocol.StreamTranscripts, protocol.SubjectTranscriptFinal); err != nil {
			r.logger.Warn("transcripts will not be retained", slog.String("error", err.Error()))
		}
		announcer, err := capability.Start(client.Conn(), capability.Node{
			ID:   r.sessionID,
			Role: "transcriber",
			Capabilities: []capability.Capability{{
				Name:       "stt.transcribe",
				Attributes: map[string]string{"model_id": r.cfg.Model.ID, "subject": protocol.SubjectTranscriptFinal},
			}},
		}, time.Duration(busCfg.HeartbeatInterval)*time.Millisecond, r.logger)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, announcer.Close)
		reporter.Add("bus", report.BusSink{Publisher: client})
	}

	if r.cfg.EventStore.Enabled {
		store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
		if err != nil {
			return nil, fmt.Errorf("open event store: %w", err)
		}
		r.closers = append(r.closers, func() {
			if err := store.Close(); err != nil {
				r.logger.Warn("event store close failed", slog.String("error", err.Error()))
			}
		})
		if err := store.AppendSession(ctx, r.sessionID, r.cfg.Model.ID); err != nil {
			return nil, fmt.Errorf("record session: %w", err)
		}
		reporter.Add("event_store", report.StoreSink{Store: store})
	}
	return reporter, nil
}

// closeSinks releases sinks in reverse order of creation.
func (r *Runtime) closeSinks() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func (r *Runtime) serveHTTP(ctx context.Context, g *errgroup.Group) error {
	l := r.listener
	if l == nil {
		if r.cfg.Telemetry.HTTPBind == "" {
			return nil
		}
		var err error
		if l, err = net.Listen("tcp", r.cfg.Telemetry.HTTPBind); err != nil {
			return fmt.Errorf("listen on %s: %w", r.cfg.Telemetry.HTTPBind, err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.tel.handler != nil {
		mux.Handle("/metrics", r.tel.handler)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})
	r.logger.Info("telemetry endpoints listening", slog.String("addr", l.Addr().String()))
	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
