package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/opd-ai/pipexfer/file"
	"github.com/opd-ai/pipexfer/protocol"
	"github.com/sirupsen/logrus"
)

type request struct {
	id     string
	local  string
	remote string
}

// worker runs the transfers of one direction, one at a time.
type worker struct {
	s         *Session
	direction file.TransferDirection
	requests  chan request
	busy      atomic.Bool
	// pending is set while a repeat download waits out its delay.
	pending atomic.Bool
}

// active reports a running transfer or a pending repeat.
func (w *worker) active() bool {
	return w.busy.Load() || w.pending.Load()
}

func newWorker(s *Session, dir file.TransferDirection) *worker {
	return &worker{
		s:         s,
		direction: dir,
		requests:  make(chan request, 1),
	}
}

func (w *worker) loop(ctx context.Context) {
	defer w.s.wg.Done()

	for {
		var req request
		select {
		case <-ctx.Done():
			return
		case req = <-w.requests:
		}

		for {
			res := w.run(ctx, req)
			again := w.repeats(res)
			w.pending.Store(again)
			w.busy.Store(false)
			if !again {
				break
			}

			next, ok := w.repeat(ctx, req)
			w.pending.Store(false)
			if !ok {
				break
			}
			req = next
		}
	}
}

// repeats reports whether res schedules the same download again.
func (w *worker) repeats(res protocol.Result) bool {
	return w.direction == file.TransferDirectionDownload && w.s.opts.Repeat && res.Succeeded()
}

// repeat waits RepeatDelay and returns the next request: the repeated
// download, or a request submitted during the delay, which takes its place.
func (w *worker) repeat(ctx context.Context, prev request) (request, bool) {
	opts := w.s.opts

	logrus.WithFields(logrus.Fields{
		"function":    "repeat",
		"transfer_id": prev.id,
		"remote_name": prev.remote,
		"delay":       opts.RepeatDelay,
	}).Debug("Scheduling repeat download")

	t := time.NewTimer(opts.RepeatDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return request{}, false
	case next := <-w.requests:
		return next, true
	case <-t.C:
	}

	if !w.busy.CompareAndSwap(false, true) {
		// A caller claimed the worker as the timer fired; its request is on the way.
		select {
		case <-ctx.Done():
			return request{}, false
		case next := <-w.requests:
			return next, true
		}
	}
	return request{id: uuid.NewString(), local: prev.local, remote: prev.remote}, true
}

// run executes one transfer, retrying under the session's attempt policy,
// and publishes its final result.
func (w *worker) run(ctx context.Context, req request) protocol.Result {
	opts := w.s.opts
	logger := logrus.WithFields(logrus.Fields{
		"function":    "run",
		"transfer_id": req.id,
		"direction":   w.direction,
	})

	var res protocol.Result
	attempts := 0
	op := func() error {
		attempts++
		res = w.attempt(ctx, req)
		if res.Succeeded() || res.Closed() {
			return nil
		}
		return res.Err
	}

	if opts.MaxAttempts < 2 {
		op()
	} else {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = opts.RetryInterval
		b.MaxElapsedTime = 0
		policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(opts.MaxAttempts-1)), ctx)

		notify := func(err error, next time.Duration) {
			logger.WithFields(logrus.Fields{
				"attempt": attempts,
				"next_in": next,
				"error":   err.Error(),
			}).Warn("Transfer attempt failed, retrying")
		}
		backoff.RetryNotify(op, policy, notify)
	}

	logger.WithFields(logrus.Fields{
		"outcome":  res.Outcome,
		"attempts": attempts,
		"bytes":    res.Bytes,
	}).Info("Transfer complete")

	w.s.publish(protocol.ResultEvent{TransferID: req.id, Result: res})
	return res
}

// attempt runs the engine once. The per-attempt result event is held back;
// run publishes the final one.
func (w *worker) attempt(ctx context.Context, req request) protocol.Result {
	opts := w.s.opts
	if opts.TransferTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.TransferTimeout)
		defer cancel()

		guard := time.AfterFunc(opts.TransferTimeout+opts.CloseGrace, func() {
			logrus.WithFields(logrus.Fields{
				"function":    "attempt",
				"transfer_id": req.id,
				"timeout":     opts.TransferTimeout,
			}).Warn("Transfer deadline passed, closing pipeline")
			w.s.closePipe()
		})
		defer guard.Stop()
	}

	onEvent := func(ev protocol.Event) {
		if _, ok := ev.(protocol.ResultEvent); ok {
			return
		}
		w.s.publish(ev)
	}

	if w.direction == file.TransferDirectionUpload {
		u := protocol.NewUploader(w.s.pipe, w.s.store, opts.Protocol)
		u.SetID(req.id)
		u.OnEvent(onEvent)
		return u.Upload(ctx, req.local, req.remote)
	}
	d := protocol.NewDownloader(w.s.pipe, w.s.store, opts.Protocol)
	d.SetID(req.id)
	d.OnEvent(onEvent)
	return d.Download(ctx, req.remote, req.local)
}
