package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/pipexfer/file"
	"github.com/opd-ai/pipexfer/frame"
	"github.com/opd-ai/pipexfer/pipeline"
	"github.com/sirupsen/logrus"
)

// engine holds what both state machines share: the pipeline, local storage,
// options, the current state and the event callback.
type engine struct {
	pipe      pipeline.Pipeline
	store     file.Storage
	opts      *Options
	direction file.TransferDirection

	mu      sync.Mutex
	id      string
	state   State
	onEvent func(Event)
}

func newEngine(pipe pipeline.Pipeline, store file.Storage, opts *Options, dir file.TransferDirection) engine {
	return engine{
		pipe:      pipe,
		store:     store,
		opts:      opts.withDefaults(),
		direction: dir,
		state:     StateIdle,
	}
}

// SetID tags events and logs with a transfer identifier.
func (e *engine) SetID(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.id = id
}

// OnEvent sets the callback that receives progress, file-info and result
// events. This method is safe for concurrent use.
func (e *engine) OnEvent(callback func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEvent = callback
}

// State returns the current state.
func (e *engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()

	e.logger("setState").WithFields(logrus.Fields{
		"from": prev,
		"to":   s,
	}).Debug("State transition")
}

func (e *engine) emit(ev Event) {
	e.mu.Lock()
	cb := e.onEvent
	e.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

func (e *engine) transferID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.id
}

func (e *engine) logger(function string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"function":    function,
		"transfer_id": e.transferID(),
		"direction":   e.direction,
	})
}

func (e *engine) newTracker(name string, size uint64) *file.Transfer {
	tr := file.NewTransfer(name, size, e.direction)
	if e.opts.TimeProvider != nil {
		tr.SetTimeProvider(e.opts.TimeProvider)
	}
	id := e.transferID()
	tr.OnProgress(func(s file.Stats) {
		e.emit(ProgressEvent{TransferID: id, Stats: s})
	})
	return tr
}

// abort ends the transfer in StateAborted. The state at the time of the
// failure is kept in the result.
func (e *engine) abort(res Result, err error) Result {
	at := e.State()
	res.Direction = e.direction
	res.Outcome = OutcomeAborted
	res.State = at
	res.Err = &TransferError{Direction: e.direction, State: at, Err: err}
	res.Message = fmt.Sprintf("%s failed: %v", e.direction, err)
	e.setState(StateAborted)

	e.logger("abort").WithFields(logrus.Fields{
		"state": at,
		"bytes": res.Bytes,
		"error": err.Error(),
	}).Error("Transfer aborted")

	e.emit(ResultEvent{TransferID: e.transferID(), Result: res})
	return res
}

// succeed ends the transfer in StateSucceeded.
func (e *engine) succeed(res Result, message string) Result {
	res.Direction = e.direction
	res.Outcome = OutcomeSucceeded
	res.State = StateSucceeded
	res.Message = message
	e.setState(StateSucceeded)

	e.logger("succeed").WithFields(logrus.Fields{
		"bytes":    res.Bytes,
		"verified": res.Verified,
		"resumes":  res.Resumes,
	}).Info("Transfer finished")

	e.emit(ResultEvent{TransferID: e.transferID(), Result: res})
	return res
}

// pause waits one poll interval, returning early when ctx ends.
func (e *engine) pause(ctx context.Context) error {
	t := time.NewTimer(e.opts.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ErrCanceled
	case <-t.C:
		return nil
	}
}

// readFull collects exactly len(buf) bytes, looping over partial reads.
// Empty reads and transient errors pause and retry; closing aborts.
func (e *engine) readFull(ctx context.Context, buf []byte) error {
	got := 0
	for got < len(buf) {
		if ctx.Err() != nil {
			return ErrCanceled
		}
		n, err := e.pipe.Read(buf[got:])
		if n > 0 {
			got += n
		}
		if err != nil {
			if pipeline.IsClosing(err) {
				return ErrChannelClosing
			}
			e.logger("readFull").WithFields(logrus.Fields{
				"want":  len(buf),
				"got":   got,
				"error": err.Error(),
			}).Warn("Transient read failure, treating as empty read")
		}
		if n <= 0 {
			if err := e.pause(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// readHeader reads one 8-byte control header.
func (e *engine) readHeader(ctx context.Context) (frame.Header, error) {
	var buf [frame.HeaderSize]byte
	if err := e.readFull(ctx, buf[:]); err != nil {
		return frame.Header{}, err
	}
	return frame.Header(buf), nil
}

// writeFrame sends one whole frame. Transient failures are retried after a
// poll interval for as long as the pipeline stays open.
func (e *engine) writeFrame(ctx context.Context, b []byte) error {
	for {
		err := e.tryWrite(b)
		if err == nil || err == ErrChannelClosing {
			return err
		}
		e.logger("writeFrame").WithFields(logrus.Fields{
			"command": frame.Command(b[0]),
			"size":    len(b),
			"error":   err.Error(),
		}).Warn("Transient write failure on control frame, retrying")
		if err := e.pause(ctx); err != nil {
			return err
		}
	}
}

// tryWrite performs a single write. A short count is a transient failure.
func (e *engine) tryWrite(b []byte) error {
	n, err := e.pipe.Write(b)
	if err != nil {
		if pipeline.IsClosing(err) {
			return ErrChannelClosing
		}
		return err
	}
	if n < len(b) {
		return fmt.Errorf("%w: %d of %d bytes", pipeline.ErrShortWrite, n, len(b))
	}
	return nil
}

func (e *engine) writeHeader(ctx context.Context, cmd frame.Command, flag byte, value uint32, width int) error {
	h := frame.EncodeHeader(cmd, flag, value, width)
	return e.writeFrame(ctx, h[:])
}

// expectAck reads a header and checks it is a positive ACK.
func (e *engine) expectAck(ctx context.Context) error {
	h, err := e.readHeader(ctx)
	if err != nil {
		return err
	}
	if !h.Is(frame.CmdAck, frame.FlagSuccess) {
		e.logger("expectAck").WithFields(logrus.Fields{
			"command": h.Command(),
			"flag":    h.Flag(),
		}).Warn("Negative or unexpected acknowledgement")
		return fmt.Errorf("%w: got %s flag 0x%02x", ErrRejected, h.Command(), h.Flag())
	}
	return nil
}
