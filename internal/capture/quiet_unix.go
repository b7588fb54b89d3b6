//go:build unix

package capture

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const stderrFD = 2

// Quiet runs fn with file descriptor 2 pointed at the null device so native
// audio libraries cannot print driver warnings. The original stderr is
// restored before Quiet returns, including when fn panics.
func Quiet(fn func() error) error {
	devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		return fn()
	}
	saved, err := unix.Dup(stderrFD)
	if err != nil {
		devnull.Close()
		return fn()
	}
	_ = os.Stderr.Sync()
	if err := unix.Dup2(int(devnull.Fd()), stderrFD); err != nil {
		devnull.Close()
		unix.Close(saved)
		return fmt.Errorf("redirect stderr: %w", err)
	}
	devnull.Close()

	defer func() {
		_ = unix.Dup2(saved, stderrFD)
		_ = unix.Close(saved)
	}()
	return fn()
}
