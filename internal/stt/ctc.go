package stt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/clip"
)

// CTCRecognizer runs a processor and an acoustic model in two stages:
// features -> logits, then logits -> ranked hypotheses.
type CTCRecognizer struct {
	processor Processor
	model     AcousticModel
	logger    *slog.Logger
}

func NewCTCRecognizer(p Processor, model AcousticModel, logger *slog.Logger) *CTCRecognizer {
	return &CTCRecognizer{
		processor: p,
		model:     model,
		logger:    logger.With(slog.String("component", "stt.ctc")),
	}
}

// Transcribe returns the text of the top hypothesis. No confidence threshold
// is applied: an empty best hypothesis yields an empty transcript.
func (r *CTCRecognizer) Transcribe(ctx context.Context, c clip.Clip) (Transcript, error) {
	features, err := r.processor.Extractor.Extract(c.Samples, c.SampleRate)
	if err != nil {
		return Transcript{}, err
	}

	started := time.Now()
	logits, err := r.model.Forward(ctx, features)
	if err != nil {
		return Transcript{}, fmt.Errorf("acoustic model forward: %w", err)
	}
	forward := time.Since(started)

	hyps, err := r.processor.Decoder.Decode(ctx, logits)
	if err != nil {
		return Transcript{}, fmt.Errorf("decode logits: %w", err)
	}
	r.logger.Debug("clip decoded",
		slog.Int("frames", logits.Frames),
		slog.Int("hypotheses", len(hyps)),
		slog.Duration("forward", forward),
		slog.Duration("total", time.Since(started)))

	if len(hyps) == 0 {
		return Transcript{}, nil
	}
	return Transcript{Text: hyps[0].Text, Score: hyps[0].Score}, nil
}

// Close releases the acoustic model when it holds resources.
func (r *CTCRecognizer) Close() error {
	if closer, ok := r.model.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

var _ Recognizer = (*CTCRecognizer)(nil)
