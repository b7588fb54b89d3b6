// Package whisper builds a recognizer from a whisper.cpp model file. The
// native backend is compiled only with the whisper build tag, since it links
// against libwhisper.
package whisper

import "errors"

// Config selects the ggml model file and decoding language.
type Config struct {
	Model      string
	Language   string
	SampleRate int
	Threads    int
}

var errNoModel = errors.New("whisper: model path must not be empty")

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = "en"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Threads <= 0 {
		c.Threads = 1
	}
	return c
}
