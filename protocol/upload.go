package protocol

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/opd-ai/pipexfer/file"
	"github.com/opd-ai/pipexfer/frame"
	"github.com/opd-ai/pipexfer/pipeline"
	"github.com/sirupsen/logrus"
)

// Uploader runs the upload state machine: it sends a local file to the device
// chunk by chunk and resumes after transient write failures.
type Uploader struct {
	engine
}

// NewUploader creates an uploader. A nil opts uses NewOptions.
func NewUploader(pipe pipeline.Pipeline, store file.Storage, opts *Options) *Uploader {
	return &Uploader{engine: newEngine(pipe, store, opts, file.TransferDirectionUpload)}
}

// Upload sends localName to the device, which stores it as remoteName. It
// blocks until the transfer ends and always returns a terminal Result.
func (u *Uploader) Upload(ctx context.Context, localName, remoteName string) Result {
	res := Result{}

	u.logger("Upload").WithFields(logrus.Fields{
		"local_name":  localName,
		"remote_name": remoteName,
	}).Info("Starting upload")

	src, size, err := u.store.Open(localName)
	if err != nil {
		return u.abort(res, fmt.Errorf("%w: %w", ErrStorage, err))
	}
	defer src.Close()

	if size > math.MaxUint32 {
		return u.abort(res, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, size))
	}
	sum, err := u.store.Digest(localName)
	if err != nil {
		return u.abort(res, fmt.Errorf("%w: %w", ErrStorage, err))
	}
	res.Info = frame.FileInfo{
		Exists: true,
		Length: uint32(size),
		Name:   remoteName,
		MD5:    sum,
	}

	u.setState(StateAwaitHandshakeAck)
	if err := u.writeHeader(ctx, frame.CmdRequest, frame.FlagUpload, 0, 0); err != nil {
		return u.abort(res, err)
	}
	if err := u.expectAck(ctx); err != nil {
		return u.abort(res, err)
	}

	u.setState(StateAwaitInfoAck)
	rec := u.opts.Codec.EncodeFileInfo(res.Info)
	if err := u.writeFrame(ctx, rec[:]); err != nil {
		return u.abort(res, err)
	}
	if err := u.expectAck(ctx); err != nil {
		return u.abort(res, err)
	}

	u.setState(StateSendingChunks)
	tr := u.newTracker(localName, uint64(size))
	resumes, err := u.send(ctx, src, size, tr)
	res.Bytes = tr.Transferred()
	res.Resumes = resumes
	if err != nil {
		return u.abort(res, err)
	}

	u.setState(StateAwaitFinalAck)
	h, err := u.readHeader(ctx)
	if err != nil {
		return u.abort(res, err)
	}
	if h.Command() != frame.CmdTransferAck {
		return u.abort(res, fmt.Errorf("%w: expected TRANSFER_ACK, got %s", ErrMalformedFrame, h.Command()))
	}
	if h.Flag() != frame.FlagSuccess {
		return u.abort(res, ErrNegativeTransferAck)
	}
	res.Verified = true
	return u.succeed(res, fmt.Sprintf("uploaded %s as %s: %d bytes", localName, remoteName, res.Bytes))
}

// send writes every chunk of src, running the fail/ack exchange whenever a
// chunk write fails transiently. There is no retry limit.
func (u *Uploader) send(ctx context.Context, src io.ReaderAt, size int64, tr *file.Transfer) (int, error) {
	resumes := 0
	buf := make([]byte, frame.MaxChunkPayload)
	var offset int64

	for {
		if ctx.Err() != nil {
			return resumes, ErrCanceled
		}
		n := frame.ChunkLen(size, offset)
		payload := buf[:n]
		if n > 0 {
			if got, err := src.ReadAt(payload, offset); got < n {
				return resumes, fmt.Errorf("%w: read %d of %d bytes at %d: %v", ErrStorage, got, n, offset, err)
			}
		}

		last := offset+int64(n) >= size
		flag := frame.FlagMore
		if last {
			flag = frame.FlagEnd
		}
		chunk := frame.EncodeChunk(flag, payload)

		for {
			err := u.tryWrite(chunk)
			if err == nil {
				break
			}
			if err == ErrChannelClosing {
				return resumes, err
			}
			if err := u.resume(ctx, uint32(offset), err); err != nil {
				return resumes, err
			}
			resumes++
		}

		tr.Advance(n)
		offset += int64(n)
		if last {
			return resumes, nil
		}
	}
}

// resume reports bytesSent to the device and checks the offset it
// acknowledges. On a match the caller resends the same chunk.
func (u *Uploader) resume(ctx context.Context, bytesSent uint32, cause error) error {
	u.logger("resume").WithFields(logrus.Fields{
		"bytes_sent": bytesSent,
		"error":      cause.Error(),
	}).Warn("Chunk write failed, starting resume exchange")

	if err := u.writeHeader(ctx, frame.CmdFileTransFail, 0, bytesSent, 4); err != nil {
		return err
	}
	h, err := u.readHeader(ctx)
	if err != nil {
		return err
	}
	if h.Command() != frame.CmdFileTransFailAck {
		return fmt.Errorf("%w: expected FILE_TRANS_FAIL_ACK, got %s", ErrMalformedFrame, h.Command())
	}

	if acked := h.Value(); acked != bytesSent {
		if err := u.writeHeader(ctx, frame.CmdAck, frame.FlagStop, 0, 0); err != nil {
			return err
		}
		return fmt.Errorf("%w: sent %d, device acknowledged %d", ErrOffsetMismatch, bytesSent, acked)
	}
	return u.writeHeader(ctx, frame.CmdAck, frame.FlagContinue, 0, 0)
}
