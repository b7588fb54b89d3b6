// Package sdlmic captures microphone audio through SDL2's queued capture API.
package sdlmic

import (
	"fmt"
	"runtime"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/capture"
	"github.com/veandco/go-sdl2/sdl"
)

const (
	queuePollInterval = 5 * time.Millisecond
	// A chunk is 64ms of audio; a queue that stays short this long is dead.
	queueReadTimeout = 2 * time.Second
)

// NewBackend captures from the named SDL input device; an empty name
// selects the system default.
func NewBackend(deviceName string) capture.Backend {
	return func() (capture.Device, error) {
		if err := sdl.InitSubSystem(sdl.INIT_AUDIO); err != nil {
			return nil, fmt.Errorf("init sdl audio: %w", err)
		}
		return &sdlDevice{name: deviceName}, nil
	}
}

type sdlDevice struct {
	name string
}

func (d *sdlDevice) Open(p capture.Params) (capture.Stream, error) {
	spec := sdl.AudioSpec{
		Freq:     int32(p.SampleRate),
		Format:   sdl.AUDIO_S16LSB,
		Channels: uint8(p.Channels),
		Samples:  uint16(p.ChunkSize),
	}
	var obtained sdl.AudioSpec
	id, err := sdl.OpenAudioDevice(d.name, true, &spec, &obtained, 0)
	if err != nil {
		return nil, fmt.Errorf("open capture device %q: %w", d.name, err)
	}
	return &sdlStream{id: id}, nil
}

func (d *sdlDevice) Terminate() error {
	sdl.QuitSubSystem(sdl.INIT_AUDIO)
	return nil
}

// sdlStream uses SDL's queue mode: the device fills an internal queue and
// Read drains exactly one chunk once enough bytes are available.
type sdlStream struct {
	id sdl.AudioDeviceID
}

func (s *sdlStream) Start() error {
	sdl.PauseAudioDevice(s.id, false)
	return nil
}

func (s *sdlStream) Read(p []byte) error {
	return capture.ReadQueued(s, p, queuePollInterval, queueReadTimeout)
}

func (s *sdlStream) Queued() uint32 {
	return sdl.GetQueuedAudioSize(s.id)
}

// Dequeue clears and then checks the SDL error string itself. The binding
// calls GetError whenever bytes were dequeued and returns nil when none
// were, so its return value alone says nothing. The error string is per
// thread, so the goroutine stays on one.
func (s *sdlStream) Dequeue(p []byte) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	sdl.ClearError()
	if err := sdl.DequeueAudio(s.id, p); err != nil {
		return err
	}
	return sdl.GetError()
}

func (s *sdlStream) Stop() error {
	sdl.PauseAudioDevice(s.id, true)
	return nil
}

func (s *sdlStream) Close() error {
	sdl.CloseAudioDevice(s.id)
	return nil
}
