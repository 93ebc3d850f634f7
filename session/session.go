// Package session drives transfers over one pipeline. A Session owns an
// upload worker and a download worker, each running one transfer at a time,
// and turns engine callbacks into a single event channel.
//
// Example:
//
//	s := session.New(pipe, file.NewDirStorage("data"), session.NewOptions())
//	s.Start()
//	defer s.Stop()
//
//	id, err := s.Download("flight_0001.log", "flight_0001.log")
//	for ev := range s.Events() {
//	    if r, ok := ev.(protocol.ResultEvent); ok && r.ID() == id {
//	        break
//	    }
//	}
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/opd-ai/pipexfer/file"
	"github.com/opd-ai/pipexfer/pipeline"
	"github.com/opd-ai/pipexfer/protocol"
	"github.com/sirupsen/logrus"
)

var (
	// ErrBusy indicates a transfer is already running in that direction.
	ErrBusy = errors.New("transfer already in progress")
	// ErrNotRunning indicates the session was not started or has been stopped.
	ErrNotRunning = errors.New("session not running")
)

// Session runs uploads and downloads over a shared pipeline.
type Session struct {
	pipe  pipeline.Pipeline
	store file.Storage
	opts  *Options

	events chan protocol.Event

	upload   *worker
	download *worker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	running   bool
	stopOnce  sync.Once
	closeOnce sync.Once
}

// New creates a session. The pipeline is closed by Stop when it implements
// io.Closer. A nil opts uses NewOptions.
func New(pipe pipeline.Pipeline, store file.Storage, opts *Options) *Session {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		pipe:   pipe,
		store:  store,
		opts:   opts,
		events: make(chan protocol.Event, opts.EventBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	s.upload = newWorker(s, file.TransferDirectionUpload)
	s.download = newWorker(s, file.TransferDirectionDownload)
	return s
}

// Start launches the two workers.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.ctx.Err() != nil {
		return
	}
	s.running = true

	logrus.WithFields(logrus.Fields{
		"function":         "Start",
		"repeat":           s.opts.Repeat,
		"max_attempts":     s.opts.MaxAttempts,
		"transfer_timeout": s.opts.TransferTimeout,
	}).Info("Starting transfer session")

	s.wg.Add(2)
	go s.upload.loop(s.ctx)
	go s.download.loop(s.ctx)
}

// Stop closes the pipeline, waits for both workers and closes the event
// channel. It is safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		logrus.WithField("function", "Stop").Info("Stopping transfer session")

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()

		s.cancel()
		s.closePipe()
		s.wg.Wait()
		s.abandon(s.upload)
		s.abandon(s.download)
		close(s.events)
	})
}

// Events returns the channel carrying ProgressEvent, FileInfoEvent and
// ResultEvent values. It is closed by Stop.
func (s *Session) Events() <-chan protocol.Event {
	return s.events
}

// Upload starts sending localName to the device as remoteName and returns
// the transfer ID.
func (s *Session) Upload(localName, remoteName string) (string, error) {
	return s.submit(s.upload, localName, remoteName)
}

// Download starts fetching remoteName from the device into localName and
// returns the transfer ID.
func (s *Session) Download(remoteName, localName string) (string, error) {
	return s.submit(s.download, localName, remoteName)
}

// Busy reports whether a transfer is running in the given direction. A
// repeat download waiting out its delay counts as busy, although a new
// Download may still replace it.
func (s *Session) Busy(dir file.TransferDirection) bool {
	if dir == file.TransferDirectionUpload {
		return s.upload.active()
	}
	return s.download.active()
}

// submit hands a request to w. The hand-off happens under mu so that a
// concurrent Stop either refuses the request or finds it queued.
func (s *Session) submit(w *worker, localName, remoteName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return "", ErrNotRunning
	}
	if !w.busy.CompareAndSwap(false, true) {
		return "", ErrBusy
	}

	req := request{id: uuid.NewString(), local: localName, remote: remoteName}
	logrus.WithFields(logrus.Fields{
		"function":    "submit",
		"transfer_id": req.id,
		"direction":   w.direction,
		"local_name":  localName,
		"remote_name": remoteName,
	}).Info("Transfer queued")

	select {
	case w.requests <- req:
		return req.id, nil
	case <-s.ctx.Done():
		w.busy.Store(false)
		return "", ErrNotRunning
	}
}

func (s *Session) closePipe() {
	c, ok := s.pipe.(io.Closer)
	if !ok {
		return
	}
	s.closeOnce.Do(func() {
		if err := c.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "closePipe",
				"error":    err.Error(),
			}).Warn("Closing pipeline failed")
		}
	})
}

// publish forwards an engine event. Progress is dropped when the consumer
// lags; other events wait for room or for Stop.
func (s *Session) publish(ev protocol.Event) {
	if _, ok := ev.(protocol.ProgressEvent); ok {
		select {
		case s.events <- ev:
		default:
			logrus.WithFields(logrus.Fields{
				"function":    "publish",
				"transfer_id": ev.ID(),
			}).Debug("Dropping progress event, consumer is behind")
		}
		return
	}
	select {
	case s.events <- ev:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// abandon reports a request that was queued but never picked up by its
// worker before Stop.
func (s *Session) abandon(w *worker) {
	var req request
	select {
	case req = <-w.requests:
	default:
		return
	}
	w.busy.Store(false)

	res := protocol.Result{
		Direction: w.direction,
		Outcome:   protocol.OutcomeAborted,
		State:     protocol.StateIdle,
		Err:       &protocol.TransferError{Direction: w.direction, State: protocol.StateIdle, Err: protocol.ErrCanceled},
		Message:   fmt.Sprintf("%s failed: %v", w.direction, protocol.ErrCanceled),
	}
	select {
	case s.events <- protocol.ResultEvent{TransferID: req.id, Result: res}:
	default:
		logrus.WithFields(logrus.Fields{
			"function":    "abandon",
			"transfer_id": req.id,
		}).Warn("Event buffer full, dropping result of abandoned transfer")
	}
}
