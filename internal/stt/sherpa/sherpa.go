// Package sherpa adapts sherpa-onnx offline CTC recognizers to stt.Recognizer.
package sherpa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/loqalabs/loqa-transcribe/internal/capture"
	"github.com/loqalabs/loqa-transcribe/internal/clip"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
)

// Config describes the files of a sherpa-onnx NeMo CTC bundle. Decoding is
// greedy; sherpa applies no word-level language model to CTC models.
type Config struct {
	Model      string
	Tokens     string
	SampleRate int
	Threads    int
}

// Recognizer runs one offline stream per clip. The native recognizer is not
// safe for concurrent Decode calls, so they are serialized.
type Recognizer struct {
	mu         sync.Mutex
	rec        *sherpa.OfflineRecognizer
	sampleRate int
	logger     *slog.Logger
}

func New(cfg Config, logger *slog.Logger) (*Recognizer, error) {
	if cfg.Model == "" || cfg.Tokens == "" {
		return nil, errors.New("sherpa: model and tokens are required")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}

	rc := sherpa.OfflineRecognizerConfig{}
	rc.FeatConfig.SampleRate = cfg.SampleRate
	rc.FeatConfig.FeatureDim = 80
	rc.ModelConfig.NemoCTC.Model = cfg.Model
	rc.ModelConfig.Tokens = cfg.Tokens
	rc.ModelConfig.NumThreads = cfg.Threads
	rc.ModelConfig.Provider = "cpu"
	rc.DecodingMethod = "greedy_search"

	var rec *sherpa.OfflineRecognizer
	_ = capture.Quiet(func() error {
		rec = sherpa.NewOfflineRecognizer(&rc)
		return nil
	})
	if rec == nil {
		return nil, fmt.Errorf("sherpa: failed to create recognizer for %s", cfg.Model)
	}
	return &Recognizer{
		rec:        rec,
		sampleRate: cfg.SampleRate,
		logger:     logger.With(slog.String("component", "stt.sherpa")),
	}, nil
}

func (r *Recognizer) Transcribe(ctx context.Context, c clip.Clip) (stt.Transcript, error) {
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, err
	}
	if c.SampleRate != r.sampleRate {
		return stt.Transcript{}, fmt.Errorf("%w: got %d Hz, model expects %d Hz", stt.ErrSampleRate, c.SampleRate, r.sampleRate)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec == nil {
		return stt.Transcript{}, errors.New("sherpa: recognizer closed")
	}
	stream := sherpa.NewOfflineStream(r.rec)
	defer sherpa.DeleteOfflineStream(stream)
	stream.AcceptWaveform(c.SampleRate, c.Samples)
	r.rec.Decode(stream)
	text := strings.ToLower(strings.TrimSpace(stream.GetResult().Text))
	r.logger.Debug("clip decoded", slog.Int("samples", len(c.Samples)))
	return stt.Transcript{Text: text}, nil
}

func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rec != nil {
		sherpa.DeleteOfflineRecognizer(r.rec)
		r.rec = nil
	}
	return nil
}

var _ stt.Recognizer = (*Recognizer)(nil)
