package capture

import (
	"errors"
	"fmt"
	"time"
)

// ErrStalled is returned when a queued device stops delivering audio.
var ErrStalled = errors.New("audio queue stalled")

// Queue is a device-side capture buffer that fills in the background.
// Dequeue is only called once Queued reports at least len(p) bytes.
type Queue interface {
	Queued() uint32
	Dequeue(p []byte) error
}

// ReadQueued waits until q holds a full chunk and drains exactly len(p)
// bytes in one call. Only the reader drains the queue, so a queue holding
// len(p) bytes cannot short-read.
func ReadQueued(q Queue, p []byte, poll, timeout time.Duration) error {
	want := uint32(len(p))
	deadline := time.Now().Add(timeout)
	for q.Queued() < want {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %d of %d bytes after %s", ErrStalled, q.Queued(), want, timeout)
		}
		time.Sleep(poll)
	}
	if err := q.Dequeue(p); err != nil {
		return fmt.Errorf("dequeue audio: %w", err)
	}
	return nil
}
