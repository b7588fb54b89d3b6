//go:build whisper

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/loqalabs/loqa-transcribe/internal/capture"
	"github.com/loqalabs/loqa-transcribe/internal/clip"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
)

// Available reports whether the native backend is compiled in.
const Available = true

type recognizer struct {
	mu     sync.Mutex
	model  whisperlib.Model
	cfg    Config
	logger *slog.Logger
}

// New loads the model once; each Transcribe call gets a fresh context.
func New(cfg Config, logger *slog.Logger) (stt.Recognizer, error) {
	cfg = cfg.withDefaults()
	if cfg.Model == "" {
		return nil, errNoModel
	}
	var model whisperlib.Model
	err := capture.Quiet(func() error {
		var err error
		model, err = whisperlib.New(cfg.Model)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", cfg.Model, err)
	}
	return &recognizer{
		model:  model,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "stt.whisper")),
	}, nil
}

func (r *recognizer) Transcribe(ctx context.Context, c clip.Clip) (stt.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, err
	}
	if c.SampleRate != r.cfg.SampleRate {
		return stt.Transcript{}, fmt.Errorf("%w: got %d Hz, model expects %d Hz", stt.ErrSampleRate, c.SampleRate, r.cfg.SampleRate)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model == nil {
		return stt.Transcript{}, errors.New("whisper: recognizer closed")
	}
	wctx, err := r.model.NewContext()
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create context: %w", err)
	}
	wctx.SetThreads(uint(r.cfg.Threads))
	if err := wctx.SetLanguage(r.cfg.Language); err != nil {
		r.logger.Warn("failed to set language", slog.String("language", r.cfg.Language), slog.String("error", err.Error()))
	}
	if err := wctx.Process(c.Samples, nil, nil, nil); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Transcript{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return stt.Transcript{Text: strings.Join(parts, " ")}, nil
}

func (r *recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model == nil {
		return nil
	}
	err := r.model.Close()
	r.model = nil
	return err
}
