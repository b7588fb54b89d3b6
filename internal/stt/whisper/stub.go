//go:build !whisper

package whisper

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-transcribe/internal/stt"
)

const Available = false

// New reports stt.ErrBackendUnavailable; rebuild with -tags whisper.
func New(cfg Config, _ *slog.Logger) (stt.Recognizer, error) {
	if cfg.Model == "" {
		return nil, errNoModel
	}
	return nil, fmt.Errorf("%w: whisper (build with -tags whisper)", stt.ErrBackendUnavailable)
}
