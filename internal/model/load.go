// Package model resolves model identifiers to bundles on disk and builds the
// recognizer a bundle describes.
package model

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/loqalabs/loqa-transcribe/internal/lm"
	"github.com/loqalabs/loqa-transcribe/internal/stt"
	"github.com/loqalabs/loqa-transcribe/internal/stt/sherpa"
	"github.com/loqalabs/loqa-transcribe/internal/stt/whisper"
)

// Load resolves cfg.ID and constructs its recognizer on the CPU. The result
// stays resident for the life of the process.
func Load(ctx context.Context, cfg config.ModelConfig, logger *slog.Logger) (stt.Recognizer, error) {
	r := &Resolver{
		CacheDir:    cfg.CacheDir,
		RegistryURL: cfg.RegistryURL,
		Logger:      logger,
	}
	bundle, err := r.Resolve(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}
	rec, err := Build(bundle, cfg.Threads, logger)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", cfg.ID, err)
	}
	logger.Info("model loaded",
		slog.String("model_id", cfg.ID),
		slog.String("name", bundle.Manifest.Metadata.Name),
		slog.String("version", bundle.Manifest.Metadata.Version),
		slog.String("backend", bundle.Manifest.Backend),
	)
	return rec, nil
}

// Build constructs the recognizer for a resolved bundle.
func Build(b Bundle, threads int, logger *slog.Logger) (stt.Recognizer, error) {
	if err := b.CheckFiles(); err != nil {
		return nil, err
	}
	m := b.Manifest
	switch m.Backend {
	case BackendCTC:
		return buildCTC(b, logger)
	case BackendSherpa:
		return sherpa.New(sherpa.Config{
			Model:      b.Path(m.Acoustic.Model),
			Tokens:     b.Path(m.Acoustic.Tokens),
			SampleRate: m.SampleRate,
			Threads:    threads,
		}, logger)
	case BackendWhisper:
		return whisper.New(whisper.Config{
			Model:      b.Path(m.Acoustic.Model),
			Language:   m.Language,
			SampleRate: m.SampleRate,
			Threads:    threads,
		}, logger)
	case BackendMock:
		return stt.NewMockRecognizer(), nil
	default:
		return nil, fmt.Errorf("%w: %s", stt.ErrBackendUnavailable, m.Backend)
	}
}

func buildCTC(b Bundle, logger *slog.Logger) (stt.Recognizer, error) {
	m := b.Manifest
	vocab, err := stt.LoadVocabulary(b.Path(m.Vocab), m.Decoder.Blank, m.Decoder.WordDelimiter)
	if err != nil {
		return nil, err
	}

	var lang *lm.Model
	if m.LM.Path != "" {
		if lang, err = lm.Open(b.Path(m.LM.Path)); err != nil {
			return nil, fmt.Errorf("load language model: %w", err)
		}
	}

	acoustic, err := stt.NewExecModel(m.Acoustic.Command, b.Dir)
	if err != nil {
		return nil, err
	}

	processor := stt.Processor{
		Extractor: stt.FeatureExtractor{SampleRate: m.SampleRate, Normalize: m.Feature.Normalize},
		Decoder:   stt.NewBeamDecoder(vocab, lang, beamOptions(m.Decoder)),
	}
	return stt.NewCTCRecognizer(processor, acoustic, logger), nil
}

func beamOptions(d DecoderSpec) stt.BeamOptions {
	opts := stt.DefaultBeamOptions()
	if d.BeamWidth > 0 {
		opts.BeamWidth = d.BeamWidth
	}
	if d.Alpha != nil {
		opts.Alpha = *d.Alpha
	}
	if d.Beta != nil {
		opts.Beta = *d.Beta
	}
	if d.BeamPruneLogp < 0 {
		opts.BeamPruneLogp = d.BeamPruneLogp
	}
	if d.TokenMinLogp < 0 {
		opts.TokenMinLogp = d.TokenMinLogp
	}
	if d.UnkOffset < 0 {
		opts.UnkOffset = d.UnkOffset
	}
	return opts
}
