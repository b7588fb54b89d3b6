package clip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-transcribe/internal/capture"
)

const bitDepth = capture.SampleWidth * 8

// Clip is a decoded mono waveform with samples scaled to [-1, 1).
type Clip struct {
	SampleRate int
	Channels   int
	BitDepth   int
	Samples    []float32
}

// Duration in seconds.
func (c Clip) Duration() float64 {
	if c.SampleRate == 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// PCM converts the samples back to signed 16-bit values.
func (c Clip) PCM() []int16 {
	out := make([]int16, len(c.Samples))
	for i, s := range c.Samples {
		out[i] = int16(s * 32768)
	}
	return out
}

// DefaultPath is the scratch file overwritten on every cycle.
func DefaultPath() string {
	return filepath.Join(os.TempDir(), "recording.wav")
}

// Write encodes buf as a 16-bit PCM WAV at path, replacing any previous file.
func Write(path string, buf capture.Buffer) error {
	pcm := buf.Bytes()
	if len(pcm)%capture.SampleWidth != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	params := buf.Params
	if params.SampleRate == 0 {
		params = capture.DefaultParams()
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create clip file: %w", err)
	}
	defer file.Close()

	samples := make([]int, len(pcm)/capture.SampleWidth)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	ib := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: params.Channels, SampleRate: params.SampleRate},
		Data:           samples,
		SourceBitDepth: bitDepth,
	}

	enc := wav.NewEncoder(file, params.SampleRate, bitDepth, params.Channels, 1)
	if err := enc.Write(ib); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return file.Close()
}

// Load decodes a mono 16-bit WAV. No resampling is performed.
func Load(path string) (Clip, error) {
	fh, err := os.Open(path)
	if err != nil {
		return Clip{}, fmt.Errorf("open clip file: %w", err)
	}
	defer fh.Close()

	dec := wav.NewDecoder(fh)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || buf.Data == nil {
		return Clip{}, errors.New("invalid or empty wav data")
	}
	if dec.NumChans != capture.Channels {
		return Clip{}, fmt.Errorf("unsupported channel count %d", dec.NumChans)
	}
	if dec.BitDepth != bitDepth {
		return Clip{}, fmt.Errorf("unsupported bit depth %d", dec.BitDepth)
	}

	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / 32768
	}
	return Clip{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		BitDepth:   int(dec.BitDepth),
		Samples:    samples,
	}, nil
}
