package protocol

import (
	"bytes"
	"context"
	"crypto/md5"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/pipexfer/file"
	"github.com/opd-ai/pipexfer/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContent(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func infoRecord(name string, content []byte) []byte {
	rec := frame.NewCodec(nil).EncodeFileInfo(frame.FileInfo{
		Exists: true,
		Length: uint32(len(content)),
		Name:   name,
		MD5:    md5.Sum(content),
	})
	return rec[:]
}

// downloadScript is what a well-behaved device sends for content.
func downloadScript(name string, content []byte) [][]byte {
	script := [][]byte{ack(true), infoRecord(name, content)}
	return append(script, chunks(content)...)
}

func downloadTo(t *testing.T, pipe *mockPipe) (Result, string) {
	t.Helper()
	dir := t.TempDir()
	res := NewDownloader(pipe, file.NewDirStorage(dir), testOptions()).
		Download(context.Background(), "flight.log", "out.log")
	return res, filepath.Join(dir, "out.log")
}

func TestDownload5000BytesOver100ByteReads(t *testing.T) {
	content := testContent(5000)
	pipe := newMockPipe(downloadScript("flight.log", content)...)
	pipe.maxRead = 100

	res, path := downloadTo(t, pipe)
	require.True(t, res.Succeeded(), "%v", res.Err)
	assert.True(t, res.Verified)
	assert.Equal(t, uint32(5000), res.Info.Length)
	assert.Equal(t, uint64(5000), res.Bytes)
	assert.Equal(t, md5.Sum(content), res.Info.MD5)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	writes := pipe.recorded()
	require.Len(t, writes, 3)
	assert.Equal(t, header(frame.CmdRequest, frame.FlagDownload, 0, 0), writes[0])
	req := frame.NewCodec(nil).EncodeDownloadRequest("flight.log")
	assert.Equal(t, req[:], writes[1])
	assert.Equal(t, transferAck(true), writes[2])
}

func TestDownloadEmptyFile(t *testing.T) {
	pipe := newMockPipe(downloadScript("empty", nil)...)

	res, path := downloadTo(t, pipe)
	require.True(t, res.Succeeded(), "%v", res.Err)
	assert.True(t, res.Verified)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestDownloadIntegrityMismatchStillSucceeds(t *testing.T) {
	content := testContent(4000)
	record := infoRecord("flight.log", content)
	record[len(record)-1] ^= 0xFF // corrupt the advertised digest

	script := [][]byte{ack(true), record}
	pipe := newMockPipe(append(script, chunks(content)...)...)

	res, _ := downloadTo(t, pipe)
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, StateSucceeded, res.State)
	assert.False(t, res.Verified)
	assert.NoError(t, res.Err)

	writes := pipe.recorded()
	assert.Equal(t, transferAck(false), writes[len(writes)-1])
}

func TestDownloadLengthMismatchFailsVerification(t *testing.T) {
	content := testContent(4000)
	rec := frame.NewCodec(nil).EncodeFileInfo(frame.FileInfo{
		Exists: true,
		Length: 4001,
		Name:   "flight.log",
		MD5:    md5.Sum(content),
	})
	script := [][]byte{ack(true), rec[:]}
	pipe := newMockPipe(append(script, chunks(content)...)...)

	res, _ := downloadTo(t, pipe)
	assert.True(t, res.Succeeded())
	assert.False(t, res.Verified)
}

func TestDownloadFailIndexContinue(t *testing.T) {
	content := testContent(8000)
	good := chunks(content)
	require.Len(t, good, 3)

	garbage := frame.EncodeChunk(frame.FlagMore, bytes.Repeat([]byte{0xEE}, frame.MaxChunkPayload))
	idx := frame.EncodeFailIndex(frame.MaxChunkPayload)
	pipe := newMockPipe(
		ack(true),
		infoRecord("flight.log", content),
		good[0],
		garbage,
		header(frame.CmdFileTransFail, 0, 0, 0),
		idx[:],
		ack(true),
		good[1],
		good[2],
	)

	res, path := downloadTo(t, pipe)
	require.True(t, res.Succeeded(), "%v", res.Err)
	assert.True(t, res.Verified, "the resent chunk overwrites the bad one")
	assert.Equal(t, 1, res.Resumes)
	assert.Equal(t, uint64(len(content)), res.Bytes)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	writes := pipe.recorded()
	require.Len(t, writes, 4)
	failAck := frame.ParseHeader(writes[2])
	assert.Equal(t, frame.CmdFileTransFailAck, failAck.Command())
	assert.Equal(t, uint32(frame.MaxChunkPayload), failAck.Value())
}

func TestDownloadFailIndexStop(t *testing.T) {
	content := testContent(8000)
	good := chunks(content)
	idx := frame.EncodeFailIndex(frame.MaxChunkPayload)
	pipe := newMockPipe(
		ack(true),
		infoRecord("flight.log", content),
		good[0],
		header(frame.CmdFileTransFail, 0, 0, 0),
		idx[:],
		ack(false),
	)

	res, _ := downloadTo(t, pipe)
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.Equal(t, StateReceivingChunks, res.State)
	assert.ErrorIs(t, res.Err, ErrPeerStopped)

	writes := pipe.recorded()
	assert.Equal(t, frame.CmdFileTransFailAck, frame.Command(writes[len(writes)-1][0]),
		"no TRANSFER_ACK after a stop")
}

func TestDownloadFailIndexNonAck(t *testing.T) {
	content := testContent(100)
	idx := frame.EncodeFailIndex(0)
	pipe := newMockPipe(
		ack(true),
		infoRecord("flight.log", content),
		header(frame.CmdFileTransFail, 0, 0, 0),
		idx[:],
		transferAck(true),
	)

	res, _ := downloadTo(t, pipe)
	assert.ErrorIs(t, res.Err, ErrMalformedFrame)
}

func TestDownloadMalformedChunkHeader(t *testing.T) {
	content := testContent(100)
	pipe := newMockPipe(
		ack(true),
		infoRecord("flight.log", content),
		header(frame.Command(0x7F), 0, 0, 0),
	)

	res, _ := downloadTo(t, pipe)
	assert.ErrorIs(t, res.Err, ErrMalformedFrame)
	assert.Equal(t, StateReceivingChunks, res.State)
	assert.Len(t, pipe.recorded(), 2, "a malformed frame sends nothing further")
}

func TestDownloadOversizedChunk(t *testing.T) {
	content := testContent(100)
	pipe := newMockPipe(
		ack(true),
		infoRecord("flight.log", content),
		header(frame.CmdFileData, frame.FlagEnd, frame.MaxChunkPayload+1, 4),
	)

	res, _ := downloadTo(t, pipe)
	assert.ErrorIs(t, res.Err, ErrMalformedFrame)
}

func TestDownloadNotFileInfo(t *testing.T) {
	bogus := make([]byte, frame.FileInfoSize)
	bogus[0] = byte(frame.CmdAck)
	pipe := newMockPipe(ack(true), bogus)

	res, _ := downloadTo(t, pipe)
	assert.ErrorIs(t, res.Err, ErrMalformedFrame)
	assert.Equal(t, StateAwaitFileInfo, res.State)
}

func TestDownloadFileMissing(t *testing.T) {
	rec := frame.NewCodec(nil).EncodeFileInfo(frame.FileInfo{Name: "flight.log"})
	pipe := newMockPipe(ack(true), rec[:])

	dir := t.TempDir()
	dl := NewDownloader(pipe, file.NewDirStorage(dir), testOptions())
	log := &eventLog{}
	dl.OnEvent(log.add)
	res := dl.Download(context.Background(), "flight.log", "out.log")

	assert.ErrorIs(t, res.Err, ErrFileMissing)
	assert.Equal(t, StateAwaitFileInfo, res.State)
	_, err := os.Stat(filepath.Join(dir, "out.log"))
	assert.True(t, os.IsNotExist(err), "no local file for a missing remote file")

	events := log.all()
	require.Len(t, events, 2)
	assert.IsType(t, FileInfoEvent{}, events[0])
	assert.IsType(t, ResultEvent{}, events[1])
}

func TestDownloadRejected(t *testing.T) {
	pipe := newMockPipe(ack(false))

	res, _ := downloadTo(t, pipe)
	assert.ErrorIs(t, res.Err, ErrRejected)
	assert.Equal(t, StateAwaitHandshakeAck, res.State)
	assert.Len(t, pipe.recorded(), 1)
}

func TestDownloadTransientReadErrors(t *testing.T) {
	content := testContent(7000)
	pipe := newMockPipe(downloadScript("flight.log", content)...)
	pipe.readErrEvery = 3
	pipe.maxRead = 500

	res, path := downloadTo(t, pipe)
	require.True(t, res.Succeeded(), "%v", res.Err)
	assert.True(t, res.Verified)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadClosingShortCircuits(t *testing.T) {
	content := testContent(5000)
	var full []byte
	for _, b := range downloadScript("flight.log", content) {
		full = append(full, b...)
	}

	// Cut the device's stream at a series of points, including mid-record,
	// mid-header and mid-payload.
	for _, cut := range []int{0, 4, 8, 30, 69, 72, 100, 3150, len(full) - 1} {
		pipe := newMockPipe(full[:cut])

		res, _ := downloadTo(t, pipe)
		assert.Equal(t, OutcomeAborted, res.Outcome, "cut at %d", cut)
		assert.True(t, res.Closed(), "cut at %d", cut)
		for _, w := range pipe.recorded() {
			assert.NotEqual(t, frame.CmdTransferAck, frame.Command(w[0]), "cut at %d", cut)
		}
	}
}

func TestDownloadClosingOnTransferAck(t *testing.T) {
	content := testContent(10)
	pipe := newMockPipe(downloadScript("flight.log", content)...)
	pipe.closeAtWrite = 2

	res, _ := downloadTo(t, pipe)
	assert.True(t, res.Closed())
	assert.Equal(t, StateVerifying, res.State)
}

func TestDownloadCanceled(t *testing.T) {
	content := testContent(5000)
	script := downloadScript("flight.log", content)
	pipe := newMockPipe(script[0], script[1], script[2])
	pipe.hold = true

	ctx, cancel := context.WithCancel(context.Background())
	dl := NewDownloader(pipe, file.NewDirStorage(t.TempDir()), testOptions())
	dl.OnEvent(func(ev Event) {
		if _, ok := ev.(ProgressEvent); ok {
			cancel()
		}
	})

	done := make(chan Result, 1)
	go func() { done <- dl.Download(ctx, "flight.log", "out.log") }()

	select {
	case res := <-done:
		assert.ErrorIs(t, res.Err, ErrCanceled)
		assert.Equal(t, uint64(frame.MaxChunkPayload), res.Bytes)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not observe cancellation")
	}
}

func TestDownloadEventOrder(t *testing.T) {
	content := testContent(7000)
	pipe := newMockPipe(downloadScript("flight.log", content)...)

	dl := NewDownloader(pipe, file.NewDirStorage(t.TempDir()), testOptions())
	dl.SetID("dl-1")
	log := &eventLog{}
	dl.OnEvent(log.add)
	dl.Download(context.Background(), "flight.log", "out.log")

	events := log.all()
	require.Len(t, events, 5)
	assert.IsType(t, FileInfoEvent{}, events[0])
	for _, ev := range events[1:4] {
		assert.IsType(t, ProgressEvent{}, ev)
		assert.Equal(t, "dl-1", ev.ID())
	}
	res, ok := events[4].(ResultEvent)
	require.True(t, ok)
	assert.True(t, res.Result.Verified)
	assert.Contains(t, events[0].Text(), "7000 bytes")

	last := events[3].(ProgressEvent).Stats
	assert.Equal(t, uint64(3), last.Packets)
	assert.InDelta(t, 100.0, last.Percent(), 0.001)
}

func TestDownloadCustomCharset(t *testing.T) {
	enc, err := frame.LookupCharset("Shift_JIS")
	require.NoError(t, err)
	codec := frame.NewCodec(enc)

	content := testContent(10)
	rec := codec.EncodeFileInfo(frame.FileInfo{
		Exists: true,
		Length: uint32(len(content)),
		Name:   "ログ.txt",
		MD5:    md5.Sum(content),
	})
	script := [][]byte{ack(true), rec[:]}
	pipe := newMockPipe(append(script, chunks(content)...)...)

	opts := testOptions()
	opts.Codec = codec
	res := NewDownloader(pipe, file.NewDirStorage(t.TempDir()), opts).
		Download(context.Background(), "ログ.txt", "log.txt")
	require.True(t, res.Succeeded(), "%v", res.Err)
	assert.Equal(t, "ログ.txt", res.Info.Name)

	req := codec.EncodeDownloadRequest("ログ.txt")
	assert.Equal(t, req[:], pipe.recorded()[1])
}
