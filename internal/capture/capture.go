package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Fixed capture parameters. Recognition bundles are trained on 16 kHz mono
// 16-bit audio, so these are not negotiated with the device.
const (
	ChunkSize   = 1024
	SampleRate  = 16000
	Channels    = 1
	SampleWidth = 2
)

// ErrDeviceUnavailable is returned when the input device cannot be opened.
var ErrDeviceUnavailable = errors.New("audio input device unavailable")

// Params describes the stream requested from a Device.
type Params struct {
	SampleRate int
	Channels   int
	ChunkSize  int
}

// DefaultParams returns the fixed capture parameters.
func DefaultParams() Params {
	return Params{SampleRate: SampleRate, Channels: Channels, ChunkSize: ChunkSize}
}

// ChunkBytes is the size of one raw chunk for p.
func (p Params) ChunkBytes() int {
	return p.ChunkSize * p.Channels * SampleWidth
}

// Buffer holds the raw little-endian PCM chunks of one recording pass.
type Buffer struct {
	Params Params
	Chunks [][]byte
}

// Bytes concatenates all chunks.
func (b Buffer) Bytes() []byte {
	size := 0
	for _, c := range b.Chunks {
		size += len(c)
	}
	out := make([]byte, 0, size)
	for _, c := range b.Chunks {
		out = append(out, c...)
	}
	return out
}

// ChunkCount returns ceil(rate / chunk * seconds) using integer arithmetic.
func ChunkCount(rate, chunk, seconds int) int {
	if rate <= 0 || chunk <= 0 || seconds <= 0 {
		return 0
	}
	total := rate * seconds
	return (total + chunk - 1) / chunk
}

// Device is an initialized audio host. Terminate releases it.
type Device interface {
	Open(p Params) (Stream, error)
	Terminate() error
}

// Stream is an open input stream. Read blocks until len(p) bytes are filled.
type Stream interface {
	Start() error
	Read(p []byte) error
	Stop() error
	Close() error
}

// Backend initializes a Device. It runs with stderr silenced.
type Backend func() (Device, error)

// Capturer records fixed-length clips from a Backend.
type Capturer struct {
	backend Backend
	params  Params
	seconds int
	out     io.Writer
	logger  *slog.Logger
}

func NewCapturer(backend Backend, seconds int, out io.Writer, logger *slog.Logger) *Capturer {
	if out == nil {
		out = io.Discard
	}
	return &Capturer{
		backend: backend,
		params:  DefaultParams(),
		seconds: seconds,
		out:     out,
		logger:  logger.With(slog.String("component", "capture")),
	}
}

// Chunks is the number of chunks read per Record call.
func (c *Capturer) Chunks() int {
	return ChunkCount(c.params.SampleRate, c.params.ChunkSize, c.seconds)
}

// Record opens the device, reads Chunks() chunks and releases the stream and
// device in reverse order of acquisition on every return path.
func (c *Capturer) Record(ctx context.Context) (buf Buffer, err error) {
	var dev Device
	if qerr := Quiet(func() error {
		var initErr error
		dev, initErr = c.backend()
		return initErr
	}); qerr != nil {
		return Buffer{}, fmt.Errorf("%w: %v", ErrDeviceUnavailable, qerr)
	}
	defer func() {
		if terr := dev.Terminate(); terr != nil {
			err = errors.Join(err, fmt.Errorf("terminate audio device: %w", terr))
		}
	}()

	stream, err := dev.Open(c.params)
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close audio stream: %w", cerr))
		}
	}()

	if err := stream.Start(); err != nil {
		return Buffer{}, fmt.Errorf("start audio stream: %w", err)
	}
	defer func() {
		if serr := stream.Stop(); serr != nil {
			err = errors.Join(err, fmt.Errorf("stop audio stream: %w", serr))
		}
	}()

	n := c.Chunks()
	fmt.Fprintln(c.out, "* recording")
	buf = Buffer{Params: c.params, Chunks: make([][]byte, 0, n)}
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return Buffer{}, err
		}
		chunk := make([]byte, c.params.ChunkBytes())
		if err := stream.Read(chunk); err != nil {
			return Buffer{}, fmt.Errorf("read audio chunk %d: %w", i, err)
		}
		buf.Chunks = append(buf.Chunks, chunk)
	}
	fmt.Fprintln(c.out, "* done recording")
	c.logger.Debug("clip captured", slog.Int("chunks", len(buf.Chunks)))
	return buf, nil
}
