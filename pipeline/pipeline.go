// Package pipeline defines the duplex byte channel the transfer protocol runs
// over, and adapters that turn TCP connections and serial ports into one.
//
// A Pipeline has plain Read and Write methods. The only error kind callers
// must tell apart is ErrClosing: the channel is being torn down and nothing
// more will flow. Every other error is transient. A Read that returns no bytes
// and no error means nothing has arrived yet; callers poll again after a short
// pause.
package pipeline

import (
	"errors"
	"fmt"
)

// ErrClosing indicates the pipeline is being torn down. It is never retried.
var ErrClosing = errors.New("pipeline closing")

// ErrShortWrite indicates the underlying channel accepted only part of a frame.
var ErrShortWrite = errors.New("short write")

// Pipeline is a duplex byte stream to the remote device.
type Pipeline interface {
	// Write sends p and returns the number of bytes written.
	Write(p []byte) (int, error)
	// Read fills p with whatever has arrived, possibly nothing.
	Read(p []byte) (int, error)
}

// IsClosing reports whether err signals that the pipeline is closing.
func IsClosing(err error) bool {
	return errors.Is(err, ErrClosing)
}

// Error carries the operation and channel name alongside the cause.
type Error struct {
	Op   string // "read", "write", "open", "dial"
	Name string // port name or remote address
	Err  error
}

func (e *Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("pipeline %s %s: %v", e.Op, e.Name, e.Err)
	}
	return fmt.Sprintf("pipeline %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, name string, err error) *Error {
	return &Error{Op: op, Name: name, Err: err}
}
