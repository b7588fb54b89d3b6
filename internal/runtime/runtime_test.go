package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/capability"
	"github.com/loqalabs/loqa-transcribe/internal/capture"
	"github.com/loqalabs/loqa-transcribe/internal/clip"
	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/eventstore"
	"github.com/loqalabs/loqa-transcribe/internal/model"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
)

type silentDevice struct{}

func (silentDevice) Open(capture.Params) (capture.Stream, error) { return silentStream{}, nil }
func (silentDevice) Terminate() error { return nil }

type silentStream struct{}

func (silentStream) Start() error { return nil }
func (silentStream) Read(p []byte) error {
	clear(p)
	return nil
}
func (silentStream) Stop() error { return nil }
func (silentStream) Close() error { return nil }

func silentBackend(inits *int) capture.Backend {
	return func() (capture.Device, error) {
		*inits++
		return silentDevice{}, nil
	}
}

// scriptedRecognizer returns texts in order and calls after on every
// transcription with the 1-based call number.
type scriptedRecognizer struct {
	texts   []string
	calls   int
	samples []int
	after   func(n int)
	closed  bool
}

func (s *scriptedRecognizer) Transcribe(_ context.Context, c clip.Clip) (stt.Transcript, error) {
	s.calls++
	s.samples = append(s.samples, len(c.Samples))
	text := s.texts[(s.calls-1)%len(s.texts)]
	if s.after != nil {
		s.after(s.calls)
	}
	return stt.Transcript{Text: text}, nil
}

func (s *scriptedRecognizer) Close() error {
	s.closed = true
	return nil
}

func loaderFor(rec stt.Recognizer) ModelLoader {
	return func(context.Context, config.ModelConfig, *slog.Logger) (stt.Recognizer, error) {
		return rec, nil
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Model.ID = "test/model"
	cfg.Capture.RecordSeconds = 1
	cfg.Clip.Path = filepath.Join(t.TempDir(), "recording.wav")
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartRunsCyclesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &scriptedRecognizer{
		texts: []string{"hello world", "goodbye"},
		after: func(n int) {
			if n == 2 {
				cancel()
			}
		},
	}
	var out bytes.Buffer
	inits := 0
	rt := New(testConfig(t), discardLogger(), silentBackend(&inits), WithModelLoader(loaderFor(rec)), WithOutput(&out, io.Discard))

	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if rec.calls != 2 || inits != 2 {
		t.Fatalf("expected 2 cycles, got %d transcriptions and %d device inits", rec.calls, inits)
	}
	for _, n := range rec.samples {
		if n != 16*capture.ChunkSize {
			t.Fatalf("expected %d samples per clip, got %d", 16*capture.ChunkSize, n)
		}
	}
	if !rec.closed {
		t.Fatal("expected recognizer to be closed")
	}
	got := out.String()
	for _, want := range []string{"* recording\n", "* done recording\n", "* recognizing\n", "\n\t hello world\n\n", "\n\t goodbye\n\n", "Listen to you again...\n\n"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestStartPrintsEmptyTranscriptForSilence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &scriptedRecognizer{texts: []string{""}, after: func(int) { cancel() }}
	var out bytes.Buffer
	inits := 0
	rt := New(testConfig(t), discardLogger(), silentBackend(&inits), WithModelLoader(loaderFor(rec)), WithOutput(&out, io.Discard))
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !strings.Contains(out.String(), "\n\t \n\n") {
		t.Fatalf("expected empty transcript line, got %q", out.String())
	}
}

func TestStartModelFailureHappensBeforeCapture(t *testing.T) {
	inits := 0
	loader := func(context.Context, config.ModelConfig, *slog.Logger) (stt.Recognizer, error) {
		return nil, model.ErrNotFound
	}
	rt := New(testConfig(t), discardLogger(), silentBackend(&inits), WithModelLoader(loader), WithOutput(io.Discard, io.Discard))
	err := rt.Start(context.Background())
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if inits != 0 {
		t.Fatalf("capture device initialized %d times before model load failed", inits)
	}
}

func TestStartWithUnknownModelID(t *testing.T) {
	cfg := testConfig(t)
	cfg.Model.CacheDir = t.TempDir()
	inits := 0
	rt := New(cfg, discardLogger(), silentBackend(&inits), WithOutput(io.Discard, io.Discard))
	if err := rt.Start(context.Background()); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if inits != 0 {
		t.Fatal("capture must not start without a model")
	}
}

func TestStartDeviceUnavailable(t *testing.T) {
	backend := func() (capture.Device, error) { return nil, errors.New("no input device") }
	rec := &scriptedRecognizer{texts: []string{"x"}}
	rt := New(testConfig(t), discardLogger(), backend, WithModelLoader(loaderFor(rec)), WithOutput(io.Discard, io.Discard))
	err := rt.Start(context.Background())
	if !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("expected ErrDeviceUnavailable, got %v", err)
	}
	if rec.calls != 0 || !rec.closed {
		t.Fatalf("unexpected recognizer state calls=%d closed=%v", rec.calls, rec.closed)
	}
}

func TestStartStoresTranscripts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t)
	cfg.EventStore.Enabled = true
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "transcripts.db")

	rec := &scriptedRecognizer{
		texts: []string{"one", "two"},
		after: func(n int) {
			if n == 2 {
				cancel()
			}
		},
	}
	var out bytes.Buffer
	inits := 0
	rt := New(cfg, discardLogger(), silentBackend(&inits), WithModelLoader(loaderFor(rec)), WithOutput(&out, io.Discard))
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Cancelled during the second inference: printed and stored alike.
	if !strings.Contains(out.String(), "\n\t two\n\n") {
		t.Fatalf("expected second transcript on console:\n%s", out.String())
	}

	store, err := eventstore.Open(context.Background(), cfg.EventStore, discardLogger())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	got, err := store.ListTranscripts(context.Background(), rt.SessionID(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Text != "one" || got[1].Cycle != 2 {
		t.Fatalf("unexpected transcripts %+v", got)
	}
	if got[0].AudioSeconds != float64(16*capture.ChunkSize)/capture.SampleRate {
		t.Fatalf("unexpected audio seconds %v", got[0].AudioSeconds)
	}
}

func TestStartPublishesToBus(t *testing.T) {
	broker, err := bus.Connect(context.Background(), config.BusConfig{Embedded: true, Port: server.RANDOM_PORT, StoreDir: t.TempDir()}, discardLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer broker.Close()
	nc := broker.Conn()
	announces, err := nc.SubscribeSync(capability.SubjectAnnounce)
	if err != nil {
		t.Fatalf("subscribe announce: %v", err)
	}
	finals, err := nc.SubscribeSync(protocol.SubjectTranscriptFinal)
	if err != nil {
		t.Fatalf("subscribe transcripts: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = false
	cfg.Bus.Servers = []string{broker.EmbeddedURL()}
	rec := &scriptedRecognizer{texts: []string{"turn on the lights"}, after: func(int) { cancel() }}
	inits := 0
	rt := New(cfg, discardLogger(), silentBackend(&inits), WithModelLoader(loaderFor(rec)), WithOutput(io.Discard, io.Discard))
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	msg, err := announces.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	if !strings.Contains(string(msg.Data), rt.SessionID()) {
		t.Fatalf("announcement missing session id: %s", msg.Data)
	}
	msg, err = finals.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	var got protocol.Transcript
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if got.Text != "turn on the lights" || got.Cycle != 1 || got.SessionID != rt.SessionID() {
		t.Fatalf("unexpected transcript %+v", got)
	}
}

func TestTelemetryEndpoints(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	base := "http://" + l.Addr().String()

	statuses := map[string]int{}
	var metrics string
	rec := &scriptedRecognizer{
		texts: []string{"hi"},
		after: func(n int) {
			if n == 1 {
				for _, p := range []string{"/healthz", "/readyz"} {
					resp, err := http.Get(base + p)
					if err != nil {
						t.Errorf("get %s: %v", p, err)
						continue
					}
					statuses[p] = resp.StatusCode
					resp.Body.Close()
				}
				return
			}
			resp, err := http.Get(base + "/metrics")
			if err == nil {
				body, _ := io.ReadAll(resp.Body)
				resp.Body.Close()
				metrics = string(body)
			}
			cancel()
		},
	}
	inits := 0
	rt := New(testConfig(t), discardLogger(), silentBackend(&inits),
		WithModelLoader(loaderFor(rec)), WithOutput(io.Discard, io.Discard), WithListener(l))
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if statuses["/healthz"] != http.StatusOK || statuses["/readyz"] != http.StatusOK {
		t.Fatalf("unexpected statuses %v", statuses)
	}
	if !strings.Contains(metrics, "transcribe_cycles") {
		t.Fatalf("expected cycle counter in metrics output:\n%s", metrics)
	}
}

func TestReadyHandlerBeforeStart(t *testing.T) {
	rt := New(testConfig(t), discardLogger(), nil)
	w := httptest.NewRecorder()
	rt.handleReady(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", w.Code)
	}
}
