// Package report delivers transcripts to the console and optional sinks.
package report

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/bus"
	"github.com/loqalabs/loqa-transcribe/internal/eventstore"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
)

// Result is one transcribed cycle.
type Result struct {
	SessionID    string
	Cycle        int
	ModelID      string
	Text         string
	Score        float64
	AudioSeconds float64
	At           time.Time
}

// Sink receives every result.
type Sink interface {
	Report(ctx context.Context, r Result) error
}

// Console prints transcripts between blank lines with a leading tab.
type Console struct {
	Out io.Writer
}

func (c Console) Report(_ context.Context, r Result) error {
	if _, err := fmt.Fprintf(c.Out, "\n\t %s\n\n", r.Text); err != nil {
		return err
	}
	_, err := fmt.Fprint(c.Out, "* done recognizing\nListen to you again...\n\n")
	return err
}

// Recognizing announces that a saved clip is being transcribed.
func (c Console) Recognizing() error {
	_, err := fmt.Fprintln(c.Out, "* recognizing")
	return err
}

// Publisher is the part of the bus client BusSink needs.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

var _ Publisher = (*bus.Client)(nil)

// BusSink publishes protocol.Transcript messages.
type BusSink struct {
	Publisher Publisher
}

func (b BusSink) Report(_ context.Context, r Result) error {
	return b.Publisher.PublishJSON(protocol.SubjectTranscriptFinal, protocol.Transcript{
		SessionID:    r.SessionID,
		Cycle:        r.Cycle,
		ModelID:      r.ModelID,
		Text:         r.Text,
		Timestamp:    r.At.UTC(),
		Score:        r.Score,
		AudioSeconds: r.AudioSeconds,
	})
}

// StoreSink appends results to the transcript history.
type StoreSink struct {
	Store *eventstore.Store
}

func (s StoreSink) Report(ctx context.Context, r Result) error {
	return s.Store.AppendTranscript(ctx, eventstore.Transcript{
		SessionID:    r.SessionID,
		Cycle:        r.Cycle,
		Text:         r.Text,
		Score:        r.Score,
		AudioSeconds: r.AudioSeconds,
		CreatedAt:    r.At,
	})
}

// Reporter writes to the console first, then fans out to the optional sinks.
// Console errors are returned; sink errors are only logged.
type Reporter struct {
	console Console
	sinks   map[string]Sink
	names   []string
	logger  *slog.Logger
}

func NewReporter(console Console, logger *slog.Logger) *Reporter {
	return &Reporter{
		console: console,
		sinks:   make(map[string]Sink),
		logger:  logger.With(slog.String("component", "report")),
	}
}

// Add registers a named sink. Sinks run in registration order.
func (r *Reporter) Add(name string, s Sink) {
	if _, ok := r.sinks[name]; !ok {
		r.names = append(r.names, name)
	}
	r.sinks[name] = s
}

// Recognizing prints the console cue shown while a clip is transcribed.
func (r *Reporter) Recognizing() error {
	if err := r.console.Recognizing(); err != nil {
		return fmt.Errorf("print progress: %w", err)
	}
	return nil
}

func (r *Reporter) Report(ctx context.Context, res Result) error {
	if res.At.IsZero() {
		res.At = time.Now()
	}
	if err := r.console.Report(ctx, res); err != nil {
		return fmt.Errorf("print transcript: %w", err)
	}
	for _, name := range r.names {
		if err := r.sinks[name].Report(ctx, res); err != nil {
			r.logger.Warn("transcript sink failed",
				slog.String("sink", name),
				slog.Int("cycle", res.Cycle),
				slog.String("error", err.Error()))
		}
	}
	return nil
}
