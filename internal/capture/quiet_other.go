//go:build !unix

package capture

// Quiet runs fn unchanged; stderr redirection is only supported on unix.
func Quiet(fn func() error) error {
	return fn()
}
