package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-transcribe/internal/clip"
)

type mockRecognizer struct{}

// NewMockRecognizer reports the clip length instead of recognizing speech.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, c clip.Clip) (Transcript, error) {
	return Transcript{Text: fmt.Sprintf("[transcript samples=%d]", len(c.Samples))}, nil
}

func (m *mockRecognizer) Close() error { return nil }

// StaticModel returns the same logits for every input.
type StaticModel struct {
	Logits Logits
	Calls  int
}

func (m *StaticModel) Forward(_ context.Context, _ Features) (Logits, error) {
	m.Calls++
	return m.Logits, nil
}

// StaticDecoder returns the same hypotheses for every input.
type StaticDecoder struct {
	Hypotheses []Hypothesis
}

func (d StaticDecoder) Decode(_ context.Context, _ Logits) ([]Hypothesis, error) {
	return d.Hypotheses, nil
}
