package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/eventstore"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConsoleFormat(t *testing.T) {
	var out bytes.Buffer
	if err := (Console{Out: &out}).Report(context.Background(), Result{Text: "hello world"}); err != nil {
		t.Fatalf("report: %v", err)
	}
	want := "\n\t hello world\n\n* done recognizing\nListen to you again...\n\n"
	if out.String() != want {
		t.Fatalf("expected %q, got %q", want, out.String())
	}
}

func TestReporterRecognizingCue(t *testing.T) {
	var out bytes.Buffer
	r := NewReporter(Console{Out: &out}, discard())
	if err := r.Recognizing(); err != nil {
		t.Fatalf("recognizing: %v", err)
	}
	if err := r.Report(context.Background(), Result{Text: "hi"}); err != nil {
		t.Fatalf("report: %v", err)
	}
	want := "* recognizing\n\n\t hi\n\n* done recognizing\nListen to you again...\n\n"
	if out.String() != want {
		t.Fatalf("expected %q, got %q", want, out.String())
	}
	if err := NewReporter(Console{Out: failingWriter{}}, discard()).Recognizing(); err == nil {
		t.Fatal("expected console error")
	}
}

func TestConsoleEmptyTranscript(t *testing.T) {
	var out bytes.Buffer
	if err := (Console{Out: &out}).Report(context.Background(), Result{}); err != nil {
		t.Fatalf("report: %v", err)
	}
	if !strings.HasPrefix(out.String(), "\n\t \n\n") {
		t.Fatalf("expected empty tabbed line, got %q", out.String())
	}
}

type recordingPublisher struct {
	subject string
	payload []byte
	err     error
}

func (p *recordingPublisher) PublishJSON(subject string, v any) error {
	if p.err != nil {
		return p.err
	}
	p.subject = subject
	var err error
	p.payload, err = json.Marshal(v)
	return err
}

func TestBusSink(t *testing.T) {
	pub := &recordingPublisher{}
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	err := BusSink{Publisher: pub}.Report(context.Background(), Result{SessionID: "run", Cycle: 3, ModelID: "m", Text: "hi", At: at})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if pub.subject != protocol.SubjectTranscriptFinal {
		t.Fatalf("unexpected subject %s", pub.subject)
	}
	var msg protocol.Transcript
	if err := json.Unmarshal(pub.payload, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Text != "hi" || msg.Cycle != 3 || !msg.Timestamp.Equal(at) {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestStoreSink(t *testing.T) {
	ctx := context.Background()
	store, err := eventstore.Open(ctx, config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "t.db"), RetentionMode: "session"}, discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	if err := store.AppendSession(ctx, "run", "m"); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := (StoreSink{Store: store}).Report(ctx, Result{SessionID: "run", Cycle: 1, Text: "stored", At: time.Now()}); err != nil {
		t.Fatalf("report: %v", err)
	}
	got, err := store.ListTranscripts(ctx, "run", 10)
	if err != nil || len(got) != 1 || got[0].Text != "stored" {
		t.Fatalf("unexpected transcripts %+v (%v)", got, err)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed") }

func TestReporterSinkErrorsAreNotFatal(t *testing.T) {
	var out bytes.Buffer
	pub := &recordingPublisher{err: errors.New("no broker")}
	r := NewReporter(Console{Out: &out}, discard())
	r.Add("bus", BusSink{Publisher: pub})
	if err := r.Report(context.Background(), Result{Text: "still printed"}); err != nil {
		t.Fatalf("report: %v", err)
	}
	if !strings.Contains(out.String(), "still printed") {
		t.Fatalf("console output missing: %q", out.String())
	}
}

func TestReporterConsoleErrorIsReturned(t *testing.T) {
	r := NewReporter(Console{Out: failingWriter{}}, discard())
	if err := r.Report(context.Background(), Result{Text: "x"}); err == nil {
		t.Fatal("expected console error")
	}
}
