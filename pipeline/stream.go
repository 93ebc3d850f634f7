package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// deadliner is implemented by net.Conn and os.File.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Stream adapts an io.ReadWriteCloser to Pipeline.
//
// Writes are whole-frame atomic: each Write call reaches the underlying
// channel without interleaving with a concurrent Write. End of stream and
// closed-channel errors are reported as ErrClosing; read timeouts are reported
// as zero-length reads.
type Stream struct {
	rwc         io.ReadWriteCloser
	name        string
	readTimeout time.Duration

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithName labels the stream in errors and logs.
func WithName(name string) StreamOption {
	return func(s *Stream) { s.name = name }
}

// WithReadTimeout bounds every Read when the channel supports read deadlines,
// so blocked readers wake up and poll.
func WithReadTimeout(d time.Duration) StreamOption {
	return func(s *Stream) { s.readTimeout = d }
}

// NewStream wraps rwc.
func NewStream(rwc io.ReadWriteCloser, opts ...StreamOption) *Stream {
	s := &Stream{rwc: rwc}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to a device endpoint over TCP.
func Dial(ctx context.Context, addr string, opts ...StreamOption) (*Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newError("dial", addr, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"remote":   conn.RemoteAddr().String(),
	}).Info("Pipeline connected")

	return NewStream(conn, append([]StreamOption{WithName(addr)}, opts...)...), nil
}

// Name returns the stream label.
func (s *Stream) Name() string {
	return s.name
}

// Read implements Pipeline.
func (s *Stream) Read(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, newError("read", s.name, ErrClosing)
	}

	if s.readTimeout > 0 {
		if d, ok := s.rwc.(deadliner); ok {
			_ = d.SetReadDeadline(time.Now().Add(s.readTimeout))
		}
	}

	n, err := s.rwc.Read(p)
	if err == nil {
		return n, nil
	}
	if isTimeout(err) {
		return n, nil
	}
	return n, s.classify("read", err)
}

// Write implements Pipeline.
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, newError("write", s.name, ErrClosing)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	n, err := s.rwc.Write(p)
	if err != nil {
		return n, s.classify("write", err)
	}
	if n < len(p) {
		return n, newError("write", s.name, fmt.Errorf("%w: %d of %d bytes", ErrShortWrite, n, len(p)))
	}
	return n, nil
}

// Close tears the channel down. Pending and future reads and writes report
// ErrClosing.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.rwc.Close()

		logrus.WithFields(logrus.Fields{
			"function": "Stream.Close",
			"name":     s.name,
		}).Debug("Pipeline closed")
	})
	return s.closeErr
}

// classify maps a channel error onto ErrClosing or a transient error.
func (s *Stream) classify(op string, err error) error {
	if s.closed.Load() || isClosedErr(err) {
		return newError(op, s.name, fmt.Errorf("%w: %w", ErrClosing, err))
	}

	logrus.WithFields(logrus.Fields{
		"function": "Stream.classify",
		"name":     s.name,
		"op":       op,
		"error":    err.Error(),
	}).Warn("Transient pipeline error")

	return newError(op, s.name, err)
}

func isClosedErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
		return true
	}
	var pe *serial.PortError
	if errors.As(err, &pe) && pe.Code() == serial.PortClosed {
		return true
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
