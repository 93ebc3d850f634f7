package protocol

import (
	"context"
	"fmt"
	"io"

	"github.com/opd-ai/pipexfer/file"
	"github.com/opd-ai/pipexfer/frame"
	"github.com/opd-ai/pipexfer/pipeline"
	"github.com/sirupsen/logrus"
)

// Downloader runs the download state machine: it asks the device for a file
// and writes the received chunks into local storage.
type Downloader struct {
	engine
}

// NewDownloader creates a downloader. A nil opts uses NewOptions.
func NewDownloader(pipe pipeline.Pipeline, store file.Storage, opts *Options) *Downloader {
	return &Downloader{engine: newEngine(pipe, store, opts, file.TransferDirectionDownload)}
}

// Download fetches remoteName from the device into localName. It blocks until
// the transfer ends and always returns a terminal Result.
func (d *Downloader) Download(ctx context.Context, remoteName, localName string) Result {
	res := Result{}

	d.logger("Download").WithFields(logrus.Fields{
		"remote_name": remoteName,
		"local_name":  localName,
	}).Info("Starting download")

	d.setState(StateAwaitHandshakeAck)
	if err := d.writeHeader(ctx, frame.CmdRequest, frame.FlagDownload, 0, 0); err != nil {
		return d.abort(res, err)
	}
	if err := d.expectAck(ctx); err != nil {
		return d.abort(res, err)
	}

	d.setState(StateAwaitFileInfo)
	req := d.opts.Codec.EncodeDownloadRequest(remoteName)
	if err := d.writeFrame(ctx, req[:]); err != nil {
		return d.abort(res, err)
	}
	info, err := d.readFileInfo(ctx)
	if err != nil {
		return d.abort(res, err)
	}
	res.Info = info
	d.emit(FileInfoEvent{TransferID: d.transferID(), Info: info})
	if !info.Exists {
		return d.abort(res, fmt.Errorf("%w: %q", ErrFileMissing, remoteName))
	}

	sink, err := d.store.Create(localName)
	if err != nil {
		return d.abort(res, fmt.Errorf("%w: %w", ErrStorage, err))
	}

	d.setState(StateReceivingChunks)
	tr := d.newTracker(localName, uint64(info.Length))
	resumes, err := d.receive(ctx, sink, tr)
	res.Bytes = tr.Transferred()
	res.Resumes = resumes
	if err != nil {
		sink.Close()
		return d.abort(res, err)
	}

	d.setState(StateVerifying)
	if err := sink.Close(); err != nil {
		d.logger("Download").WithError(err).Warn("Closing local file failed")
	}
	res.Verified = d.verify(localName, info, res.Bytes)

	flag := frame.FlagFail
	if res.Verified {
		flag = frame.FlagSuccess
	}
	if err := d.writeHeader(ctx, frame.CmdTransferAck, flag, 0, 0); err != nil {
		return d.abort(res, err)
	}

	if res.Verified {
		return d.succeed(res, fmt.Sprintf("downloaded %s: %d bytes, md5 ok", localName, res.Bytes))
	}
	return d.succeed(res, fmt.Sprintf("downloaded %s: %d of %d bytes, integrity check failed",
		localName, res.Bytes, info.Length))
}

func (d *Downloader) readFileInfo(ctx context.Context) (frame.FileInfo, error) {
	var rec [frame.FileInfoSize]byte
	if err := d.readFull(ctx, rec[:]); err != nil {
		return frame.FileInfo{}, err
	}
	info, err := d.opts.Codec.DecodeFileInfo(rec[:])
	if err != nil {
		return frame.FileInfo{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return info, nil
}

// receive consumes chunks until the END chunk has been written.
func (d *Downloader) receive(ctx context.Context, sink file.Sink, tr *file.Transfer) (int, error) {
	resumes := 0
	buf := make([]byte, frame.MaxChunkPayload)

	for {
		h, err := d.readHeader(ctx)
		if err != nil {
			return resumes, err
		}
		chunk, ok := frame.DecodeDataCmd(h[:])
		if !ok {
			return resumes, fmt.Errorf("%w: unexpected %s in data phase", ErrMalformedFrame, h.Command())
		}

		switch chunk.Kind {
		case frame.ChunkContinuing:
			if chunk.Length > frame.MaxChunkPayload {
				return resumes, fmt.Errorf("%w: chunk length %d exceeds %d",
					ErrMalformedFrame, chunk.Length, frame.MaxChunkPayload)
			}
			payload := buf[:chunk.Length]
			if err := d.readFull(ctx, payload); err != nil {
				return resumes, err
			}
			if _, err := sink.Write(payload); err != nil {
				return resumes, fmt.Errorf("%w: %w", ErrStorage, err)
			}
			tr.Advance(len(payload))
			if chunk.Last {
				return resumes, nil
			}

		case frame.ChunkFailed:
			if err := d.resume(ctx, sink, tr); err != nil {
				return resumes, err
			}
			resumes++
		}
	}
}

// resume answers a device-initiated fail notice. The offset arrives as its
// own 4-byte message after the FILE_TRANS_FAIL header.
func (d *Downloader) resume(ctx context.Context, sink file.Sink, tr *file.Transfer) error {
	var idx [frame.FailIndexSize]byte
	if err := d.readFull(ctx, idx[:]); err != nil {
		return err
	}
	offset := frame.DecodeInt(idx[:], 0, frame.FailIndexSize)

	d.logger("resume").WithFields(logrus.Fields{
		"offset":   offset,
		"received": tr.Transferred(),
	}).Warn("Device reported a failed chunk")

	if err := d.writeHeader(ctx, frame.CmdFileTransFailAck, 0, offset, 4); err != nil {
		return err
	}

	h, err := d.readHeader(ctx)
	if err != nil {
		return err
	}
	if h.Command() != frame.CmdAck {
		return fmt.Errorf("%w: expected ACK after fail notice, got %s", ErrMalformedFrame, h.Command())
	}
	if h.Flag() != frame.FlagContinue {
		return ErrPeerStopped
	}

	if _, err := sink.Seek(int64(offset), io.SeekStart); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	tr.Rewind(uint64(offset))
	return nil
}

// verify compares the stored file against the advertised length and digest.
func (d *Downloader) verify(localName string, info frame.FileInfo, received uint64) bool {
	sum, err := d.store.Digest(localName)
	if err != nil {
		d.logger("verify").WithError(err).Error("Could not digest downloaded file")
		return false
	}

	ok := sum == info.MD5 && received == uint64(info.Length)
	entry := d.logger("verify").WithFields(logrus.Fields{
		"expected_md5":    fmt.Sprintf("%x", info.MD5),
		"actual_md5":      fmt.Sprintf("%x", sum),
		"expected_length": info.Length,
		"received":        received,
	})
	if ok {
		entry.Debug("Integrity check passed")
	} else {
		entry.Warn("Integrity check failed")
	}
	return ok
}
