package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-transcribe/internal/clip"
)

var (
	// ErrSampleRate is returned when audio does not match the model's rate.
	ErrSampleRate = errors.New("sample rate mismatch")
	// ErrBackendUnavailable is returned for backends not compiled into the binary.
	ErrBackendUnavailable = errors.New("recognizer backend unavailable")
)

// Transcript captures recognizer output.
type Transcript struct {
	Text  string
	Score float64
}

// Hypothesis is one ranked decoder result.
type Hypothesis struct {
	Text       string
	LogitScore float64
	LMScore    float64
	Score      float64
}

// Recognizer abstracts STT backends. Implementations are loaded once and
// must not mutate shared state during Transcribe.
type Recognizer interface {
	Transcribe(ctx context.Context, c clip.Clip) (Transcript, error)
	Close() error
}

// Features are normalized model inputs for a batch of one.
type Features struct {
	SampleRate int
	Values     []float32
}

// Logits holds frames x vocab unnormalized scores, row-major.
type Logits struct {
	Frames int
	Vocab  int
	Data   []float32
}

// NewLogits copies rows into a Logits value. All rows must have equal width.
func NewLogits(rows [][]float32) (Logits, error) {
	if len(rows) == 0 {
		return Logits{}, nil
	}
	vocab := len(rows[0])
	data := make([]float32, 0, len(rows)*vocab)
	for i, row := range rows {
		if len(row) != vocab {
			return Logits{}, fmt.Errorf("logits row %d has %d columns, want %d", i, len(row), vocab)
		}
		data = append(data, row...)
	}
	return Logits{Frames: len(rows), Vocab: vocab, Data: data}, nil
}

// Row returns the scores for frame t.
func (l Logits) Row(t int) []float32 {
	return l.Data[t*l.Vocab : (t+1)*l.Vocab]
}

// AcousticModel maps features to per-frame logits. Forward is inference
// only.
type AcousticModel interface {
	Forward(ctx context.Context, f Features) (Logits, error)
}

// Decoder turns logits into hypotheses ranked best first.
type Decoder interface {
	Decode(ctx context.Context, l Logits) ([]Hypothesis, error)
}
