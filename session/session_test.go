package session

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/pipexfer/device"
	"github.com/opd-ai/pipexfer/file"
	"github.com/opd-ai/pipexfer/pipeline"
	"github.com/opd-ai/pipexfer/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() *Options {
	opts := NewOptions()
	opts.Protocol.PollInterval = time.Millisecond
	opts.RetryInterval = time.Millisecond
	return opts
}

// withDevice connects a session pipeline to a device emulator.
func withDevice(t *testing.T, devOpts *device.Options) (*pipeline.Stream, *device.Device, string) {
	t.Helper()
	a, b := net.Pipe()
	ctrl := pipeline.NewStream(a, pipeline.WithName("controller"))
	peer := pipeline.NewStream(b, pipeline.WithName("device"))

	if devOpts == nil {
		devOpts = device.NewOptions()
	}
	devOpts.PollInterval = time.Millisecond
	devDir := t.TempDir()
	dev := device.New(peer, file.NewDirStorage(devDir), devOpts)

	done := make(chan struct{})
	go func() {
		defer close(done)
		dev.Serve(context.Background())
	}()
	t.Cleanup(func() {
		peer.Close()
		<-done
	})
	return ctrl, dev, devDir
}

// waitResult drains events until the result for id arrives.
func waitResult(t *testing.T, s *Session, id string) (protocol.Result, []protocol.Event) {
	t.Helper()
	var seen []protocol.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			require.True(t, ok, "event channel closed before the result arrived")
			seen = append(seen, ev)
			if r, ok := ev.(protocol.ResultEvent); ok && r.ID() == id {
				return r.Result, seen
			}
		case <-timeout:
			t.Fatalf("no result for transfer %s", id)
		}
	}
}

func TestSessionDownload(t *testing.T) {
	pipe, _, devDir := withDevice(t, nil)
	content := []byte("takeoff 12:01, landing 12:19")
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "flight.log"), content, 0o644))

	localDir := t.TempDir()
	s := New(pipe, file.NewDirStorage(localDir), testOptions())
	s.Start()
	defer s.Stop()

	id, err := s.Download("flight.log", "copy.log")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	res, seen := waitResult(t, s, id)
	require.True(t, res.Succeeded(), "%v", res.Err)
	assert.True(t, res.Verified)

	var info, progress int
	for _, ev := range seen {
		assert.Equal(t, id, ev.ID())
		switch ev.(type) {
		case protocol.FileInfoEvent:
			info++
		case protocol.ProgressEvent:
			progress++
		}
	}
	assert.Equal(t, 1, info)
	assert.Equal(t, 1, progress)

	got, err := os.ReadFile(filepath.Join(localDir, "copy.log"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Eventually(t, func() bool { return !s.Busy(file.TransferDirectionDownload) },
		time.Second, time.Millisecond)
}

func TestSessionUpload(t *testing.T) {
	pipe, dev, devDir := withDevice(t, nil)
	localDir := t.TempDir()
	content := make([]byte, 9000)
	require.NoError(t, os.WriteFile(filepath.Join(localDir, "mission.kmz"), content, 0o644))

	s := New(pipe, file.NewDirStorage(localDir), testOptions())
	s.Start()
	defer s.Stop()

	id, err := s.Upload("mission.kmz", "remote.kmz")
	require.NoError(t, err)
	res, _ := waitResult(t, s, id)
	require.True(t, res.Succeeded(), "%v", res.Err)

	got, err := os.ReadFile(filepath.Join(devDir, "remote.kmz"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
	require.Eventually(t, func() bool { return len(dev.Records()) == 1 }, 5*time.Second, time.Millisecond)
}

func TestSessionBusy(t *testing.T) {
	s := New(&silentPipe{}, file.NewDirStorage(t.TempDir()), testOptions())
	s.Start()

	_, err := s.Download("a", "a")
	require.NoError(t, err)
	assert.True(t, s.Busy(file.TransferDirectionDownload))

	_, err = s.Download("b", "b")
	assert.ErrorIs(t, err, ErrBusy)

	assert.False(t, s.Busy(file.TransferDirectionUpload))

	s.Stop()
	for range s.Events() {
	}
}

func TestSessionNotRunning(t *testing.T) {
	s := New(&silentPipe{}, file.NewDirStorage(t.TempDir()), testOptions())

	_, err := s.Upload("a", "a")
	assert.ErrorIs(t, err, ErrNotRunning)

	s.Start()
	s.Stop()
	s.Stop()

	_, err = s.Download("a", "a")
	assert.ErrorIs(t, err, ErrNotRunning)
	_, ok := <-s.Events()
	assert.False(t, ok, "events are closed by Stop")
}

func TestSessionRepeat(t *testing.T) {
	pipe, _, devDir := withDevice(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "telemetry.csv"), []byte("a,b,c\n1,2,3\n"), 0o644))

	opts := testOptions()
	opts.Repeat = true
	opts.RepeatDelay = 5 * time.Millisecond
	s := New(pipe, file.NewDirStorage(t.TempDir()), opts)
	s.Start()
	defer s.Stop()

	_, err := s.Download("telemetry.csv", "telemetry.csv")
	require.NoError(t, err)

	ids := map[string]bool{}
	timeout := time.After(10 * time.Second)
	for len(ids) < 3 {
		select {
		case ev := <-s.Events():
			if r, ok := ev.(protocol.ResultEvent); ok {
				assert.True(t, r.Result.Succeeded(), "%v", r.Result.Err)
				ids[r.ID()] = true
			}
		case <-timeout:
			t.Fatalf("only %d repeats", len(ids))
		}
	}
	assert.Len(t, ids, 3, "every repeat gets its own transfer ID")
}

func TestSessionRetriesAbortedTransfer(t *testing.T) {
	devOpts := device.NewOptions()
	devOpts.RejectDownloads = true
	pipe, dev, _ := withDevice(t, devOpts)

	opts := testOptions()
	opts.MaxAttempts = 3
	s := New(pipe, file.NewDirStorage(t.TempDir()), opts)
	s.Start()
	defer s.Stop()

	id, err := s.Download("x", "x")
	require.NoError(t, err)
	res, seen := waitResult(t, s, id)
	assert.ErrorIs(t, res.Err, protocol.ErrRejected)

	results := 0
	for _, ev := range seen {
		if _, ok := ev.(protocol.ResultEvent); ok {
			results++
		}
	}
	assert.Equal(t, 1, results, "only the final attempt is reported")
	require.Eventually(t, func() bool { return len(dev.Records()) == 3 }, 5*time.Second, time.Millisecond)
}

func TestSessionDoesNotRetryClosing(t *testing.T) {
	pipe := &closedPipe{}
	opts := testOptions()
	opts.MaxAttempts = 5
	s := New(pipe, file.NewDirStorage(t.TempDir()), opts)
	s.Start()
	defer s.Stop()

	id, err := s.Download("x", "x")
	require.NoError(t, err)
	res, _ := waitResult(t, s, id)
	assert.True(t, res.Closed())
	assert.Equal(t, 1, pipe.writeCount())
}

func TestSessionTransferTimeout(t *testing.T) {
	opts := testOptions()
	opts.TransferTimeout = 20 * time.Millisecond
	s := New(&silentPipe{}, file.NewDirStorage(t.TempDir()), opts)
	s.Start()
	defer s.Stop()

	id, err := s.Download("x", "x")
	require.NoError(t, err)
	res, _ := waitResult(t, s, id)
	assert.ErrorIs(t, res.Err, protocol.ErrCanceled)
	assert.Equal(t, protocol.StateAwaitHandshakeAck, res.State)
}

func TestSessionTimeoutClosesBlockedPipeline(t *testing.T) {
	pipe := newBlockingPipe()
	opts := testOptions()
	opts.TransferTimeout = 10 * time.Millisecond
	opts.CloseGrace = 10 * time.Millisecond
	s := New(pipe, file.NewDirStorage(t.TempDir()), opts)
	s.Start()
	defer s.Stop()

	id, err := s.Upload("absent.bin", "x")
	require.NoError(t, err)
	res, _ := waitResult(t, s, id)
	assert.ErrorIs(t, res.Err, protocol.ErrStorage, "local failures happen before any read")

	id, err = s.Download("x", "x")
	require.NoError(t, err)
	res, _ = waitResult(t, s, id)
	assert.ErrorIs(t, res.Err, protocol.ErrChannelClosing)
}

func TestOptionsWithDefaults(t *testing.T) {
	got := (&Options{MaxAttempts: 4}).withDefaults()
	assert.Equal(t, 4, got.MaxAttempts)
	assert.Equal(t, DefaultEventBuffer, got.EventBuffer)
	assert.Equal(t, DefaultRepeatDelay, got.RepeatDelay)
	assert.NotNil(t, got.Protocol)

	var nilOpts *Options
	assert.Equal(t, 1, nilOpts.withDefaults().MaxAttempts)
}

func TestSessionBusyDuringRepeatDelay(t *testing.T) {
	pipe, _, devDir := withDevice(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "telemetry.csv"), []byte("a,b,c\n"), 0o644))

	localDir := t.TempDir()
	opts := testOptions()
	opts.Repeat = true
	opts.RepeatDelay = time.Hour
	s := New(pipe, file.NewDirStorage(localDir), opts)
	s.Start()
	defer s.Stop()

	id, err := s.Download("telemetry.csv", "first.csv")
	require.NoError(t, err)
	res, _ := waitResult(t, s, id)
	require.True(t, res.Succeeded(), "%v", res.Err)
	assert.True(t, s.Busy(file.TransferDirectionDownload), "a pending repeat keeps the direction busy")
	require.Eventually(t, func() bool {
		return s.download.pending.Load() && !s.download.busy.Load()
	}, 5*time.Second, time.Millisecond)
	assert.True(t, s.Busy(file.TransferDirectionDownload))

	next, err := s.Download("telemetry.csv", "second.csv")
	require.NoError(t, err, "a new download replaces the pending repeat")
	require.NotEqual(t, id, next)
	res, _ = waitResult(t, s, next)
	require.True(t, res.Succeeded(), "%v", res.Err)
	assert.FileExists(t, filepath.Join(localDir, "second.csv"))
}

func TestSessionStopReportsQueuedRequest(t *testing.T) {
	s := New(&silentPipe{}, file.NewDirStorage(t.TempDir()), testOptions())
	// Running without workers: the request is queued but never picked up,
	// as when Stop wins the race against the worker.
	s.running = true

	id, err := s.Upload("a", "a")
	require.NoError(t, err)
	s.Stop()

	ev, ok := <-s.Events()
	require.True(t, ok)
	res, isResult := ev.(protocol.ResultEvent)
	require.True(t, isResult)
	assert.Equal(t, id, res.ID())
	assert.ErrorIs(t, res.Result.Err, protocol.ErrCanceled)
	assert.False(t, s.Busy(file.TransferDirectionUpload))

	_, ok = <-s.Events()
	assert.False(t, ok)

	_, err = s.Upload("b", "b")
	assert.ErrorIs(t, err, ErrNotRunning)
}
