// Package device implements the responder side of the transfer protocol. It
// stands in for the remote device in tests and behind `pipexfer serve`.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/opd-ai/pipexfer/file"
	"github.com/opd-ai/pipexfer/frame"
	"github.com/opd-ai/pipexfer/pipeline"
	"github.com/sirupsen/logrus"
)

var (
	// ErrUnexpectedFrame indicates the controller sent a frame out of sequence.
	ErrUnexpectedFrame = errors.New("unexpected frame")
	// ErrStopped indicates a fail exchange ended with ACK(stop).
	ErrStopped = errors.New("transfer stopped after fail exchange")
	// ErrRejected indicates the device refused a request by configuration.
	ErrRejected = errors.New("request rejected")
)

// Record describes one transfer the device handled.
type Record struct {
	Direction file.TransferDirection // from the controller's point of view
	Name      string
	Bytes     uint64
	Resumes   int
	Verified  bool
	Err       error
}

// Device answers REQUEST frames read from a pipeline, one transfer at a time.
type Device struct {
	pipe  pipeline.Pipeline
	store file.Storage
	opts  *Options

	mu      sync.RWMutex
	records []Record
}

// New creates a device serving files from store. A nil opts uses NewOptions.
func New(pipe pipeline.Pipeline, store file.Storage, opts *Options) *Device {
	return &Device{
		pipe:  pipe,
		store: store,
		opts:  opts.withDefaults(),
	}
}

// Records returns a copy of the transfers handled so far.
func (d *Device) Records() []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Record, len(d.records))
	copy(out, d.records)
	return out
}

func (d *Device) record(r Record) {
	d.mu.Lock()
	d.records = append(d.records, r)
	d.mu.Unlock()

	entry := logrus.WithFields(logrus.Fields{
		"function":  "record",
		"direction": r.Direction,
		"name":      r.Name,
		"bytes":     r.Bytes,
		"resumes":   r.Resumes,
		"verified":  r.Verified,
	})
	if r.Err != nil {
		entry.WithError(r.Err).Warn("Device transfer failed")
		return
	}
	entry.Info("Device transfer finished")
}

// Serve handles requests until ctx ends or the pipeline closes. Failed
// transfers are recorded and serving continues; only a closing pipeline or
// ctx ends the loop, and both return nil.
func (d *Device) Serve(ctx context.Context) error {
	logrus.WithField("function", "Serve").Info("Device serving requests")

	for {
		h, err := d.readHeader(ctx)
		if err != nil {
			if pipeline.IsClosing(err) || ctx.Err() != nil {
				logrus.WithField("function", "Serve").Info("Device stopped")
				return nil
			}
			return err
		}

		if h.Command() != frame.CmdRequest {
			logrus.WithFields(logrus.Fields{
				"function": "Serve",
				"command":  h.Command(),
			}).Debug("Ignoring frame outside a transfer")
			continue
		}

		var rec Record
		switch h.Flag() {
		case frame.FlagUpload:
			rec = d.receive(ctx)
		case frame.FlagDownload:
			rec = d.send(ctx)
		default:
			logrus.WithFields(logrus.Fields{
				"function": "Serve",
				"flag":     h.Flag(),
			}).Warn("Unknown request sub-command")
			if err := d.writeHeader(frame.CmdAck, frame.FlagFail, 0, 0); err != nil && pipeline.IsClosing(err) {
				return nil
			}
			continue
		}
		d.record(rec)
		if pipeline.IsClosing(rec.Err) {
			return nil
		}
	}
}

// receive handles an upload from the controller.
func (d *Device) receive(ctx context.Context) (rec Record) {
	rec.Direction = file.TransferDirectionUpload
	if d.opts.RejectUploads {
		rec.Err = errors.Join(ErrRejected, d.writeHeader(frame.CmdAck, frame.FlagFail, 0, 0))
		return rec
	}
	if rec.Err = d.writeHeader(frame.CmdAck, frame.FlagSuccess, 0, 0); rec.Err != nil {
		return rec
	}

	var raw [frame.FileInfoSize]byte
	if rec.Err = d.readFull(ctx, raw[:]); rec.Err != nil {
		return rec
	}
	info, err := d.opts.Codec.DecodeFileInfo(raw[:])
	if err != nil {
		rec.Err = errors.Join(err, d.writeHeader(frame.CmdAck, frame.FlagFail, 0, 0))
		return rec
	}
	rec.Name = info.Name

	sink, err := d.store.Create(info.Name)
	if err != nil {
		rec.Err = errors.Join(err, d.writeHeader(frame.CmdAck, frame.FlagFail, 0, 0))
		return rec
	}
	defer func() {
		if sink != nil {
			sink.Close()
		}
	}()
	if rec.Err = d.writeHeader(frame.CmdAck, frame.FlagSuccess, 0, 0); rec.Err != nil {
		return rec
	}

	buf := make([]byte, frame.MaxChunkPayload)
	for {
		h, err := d.readHeader(ctx)
		if err != nil {
			rec.Err = err
			return rec
		}
		chunk, ok := frame.DecodeDataCmd(h[:])
		if !ok || (chunk.Kind == frame.ChunkContinuing && chunk.Length > frame.MaxChunkPayload) {
			rec.Err = fmt.Errorf("%w: %s during upload", ErrUnexpectedFrame, h.Command())
			return rec
		}

		if chunk.Kind == frame.ChunkFailed {
			if rec.Err = d.answerFail(ctx, sink, rec.Bytes); rec.Err != nil {
				return rec
			}
			rec.Resumes++
			continue
		}

		payload := buf[:chunk.Length]
		if rec.Err = d.readFull(ctx, payload); rec.Err != nil {
			return rec
		}
		if _, rec.Err = sink.Write(payload); rec.Err != nil {
			return rec
		}
		rec.Bytes += uint64(len(payload))
		if chunk.Last {
			break
		}
	}

	err = sink.Close()
	sink = nil
	if err != nil {
		rec.Err = err
		return rec
	}
	sum, err := d.store.Digest(info.Name)
	rec.Verified = err == nil && sum == info.MD5 && rec.Bytes == uint64(info.Length)

	flag := frame.FlagFail
	if rec.Verified {
		flag = frame.FlagSuccess
	}
	rec.Err = d.writeHeader(frame.CmdTransferAck, flag, 0, 0)
	return rec
}

// answerFail handles a controller FILE_TRANS_FAIL during upload: it
// acknowledges the bytes stored so far and reads the controller's decision.
func (d *Device) answerFail(ctx context.Context, sink file.Sink, stored uint64) error {
	logrus.WithFields(logrus.Fields{
		"function": "answerFail",
		"stored":   stored,
	}).Debug("Controller reported a failed chunk")

	if err := d.writeHeader(frame.CmdFileTransFailAck, 0, uint32(stored), 4); err != nil {
		return err
	}
	h, err := d.readHeader(ctx)
	if err != nil {
		return err
	}
	if h.Command() != frame.CmdAck {
		return fmt.Errorf("%w: %s after fail ack", ErrUnexpectedFrame, h.Command())
	}
	if h.Flag() != frame.FlagContinue {
		return ErrStopped
	}
	_, err = sink.Seek(int64(stored), io.SeekStart)
	return err
}

// send handles a download by the controller.
func (d *Device) send(ctx context.Context) (rec Record) {
	rec.Direction = file.TransferDirectionDownload
	if d.opts.RejectDownloads {
		rec.Err = errors.Join(ErrRejected, d.writeHeader(frame.CmdAck, frame.FlagFail, 0, 0))
		return rec
	}
	if rec.Err = d.writeHeader(frame.CmdAck, frame.FlagSuccess, 0, 0); rec.Err != nil {
		return rec
	}

	var req [frame.DownloadReqSize]byte
	if rec.Err = d.readFull(ctx, req[:]); rec.Err != nil {
		return rec
	}
	if frame.Command(req[0]) != frame.CmdDownload {
		rec.Err = fmt.Errorf("%w: %s instead of DOWNLOAD", ErrUnexpectedFrame, frame.Command(req[0]))
		return rec
	}
	name, err := d.opts.Codec.DecodeFileName(req[frame.HeaderSize:])
	if err != nil {
		rec.Err = err
		return rec
	}
	rec.Name = name

	src, size, err := d.store.Open(name)
	if err != nil {
		missing := d.opts.Codec.EncodeFileInfo(frame.FileInfo{Name: name})
		rec.Err = errors.Join(err, d.writeFrame(missing[:]))
		return rec
	}
	defer src.Close()
	sum, err := d.store.Digest(name)
	if err != nil {
		rec.Err = err
		return rec
	}

	info := d.opts.Codec.EncodeFileInfo(frame.FileInfo{
		Exists: true,
		Length: uint32(size),
		Name:   name,
		MD5:    sum,
	})
	if rec.Err = d.writeFrame(info[:]); rec.Err != nil {
		return rec
	}

	injected := !d.opts.InjectDownloadFailure
	buf := make([]byte, frame.MaxChunkPayload)
	var offset int64
	for {
		n := frame.ChunkLen(size, offset)
		payload := buf[:n]
		if n > 0 {
			if got, err := src.ReadAt(payload, offset); got < n {
				rec.Err = fmt.Errorf("read %s at %d: %w", name, offset, err)
				return rec
			}
		}

		if !injected && offset+int64(n) > d.opts.FailDownloadAt {
			injected = true
			if rec.Err = d.interrupt(ctx, n, uint32(offset)); rec.Err != nil {
				return rec
			}
			rec.Resumes++
		}

		last := offset+int64(n) >= size
		flag := frame.FlagMore
		if last {
			flag = frame.FlagEnd
		}
		if rec.Err = d.writeFrame(frame.EncodeChunk(flag, payload)); rec.Err != nil {
			return rec
		}
		rec.Bytes = uint64(offset) + uint64(n)
		offset += int64(n)
		if last {
			break
		}
	}

	h, err := d.readHeader(ctx)
	if err != nil {
		rec.Err = err
		return rec
	}
	if h.Command() != frame.CmdTransferAck {
		rec.Err = fmt.Errorf("%w: %s instead of TRANSFER_ACK", ErrUnexpectedFrame, h.Command())
		return rec
	}
	rec.Verified = h.Flag() == frame.FlagSuccess
	return rec
}

// interrupt sends a corrupted copy of the chunk at offset and then the
// fail-index exchange asking the controller to rewind to offset.
func (d *Device) interrupt(ctx context.Context, n int, offset uint32) error {
	logrus.WithFields(logrus.Fields{
		"function": "interrupt",
		"offset":   offset,
	}).Debug("Injecting download failure")

	garbage := make([]byte, n)
	for i := range garbage {
		garbage[i] = 0xEE
	}
	if err := d.writeFrame(frame.EncodeChunk(frame.FlagMore, garbage)); err != nil {
		return err
	}
	if err := d.writeHeader(frame.CmdFileTransFail, 0, 0, 0); err != nil {
		return err
	}
	idx := frame.EncodeFailIndex(offset)
	if err := d.writeFrame(idx[:]); err != nil {
		return err
	}

	h, err := d.readHeader(ctx)
	if err != nil {
		return err
	}
	if h.Command() != frame.CmdFileTransFailAck || h.Value() != offset {
		return fmt.Errorf("%w: %s value %d after fail index %d",
			ErrUnexpectedFrame, h.Command(), h.Value(), offset)
	}

	if d.opts.StopOnFail {
		return errors.Join(ErrStopped, d.writeHeader(frame.CmdAck, frame.FlagStop, 0, 0))
	}
	return d.writeHeader(frame.CmdAck, frame.FlagContinue, 0, 0)
}

func (d *Device) readFull(ctx context.Context, buf []byte) error {
	got := 0
	for got < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := d.pipe.Read(buf[got:])
		got += n
		if err != nil && pipeline.IsClosing(err) {
			return err
		}
		if n == 0 {
			t := time.NewTimer(d.opts.PollInterval)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	return nil
}

func (d *Device) readHeader(ctx context.Context) (frame.Header, error) {
	var buf [frame.HeaderSize]byte
	err := d.readFull(ctx, buf[:])
	return frame.Header(buf), err
}

func (d *Device) writeFrame(b []byte) error {
	n, err := d.pipe.Write(b)
	if err != nil {
		return err
	}
	if n < len(b) {
		return pipeline.ErrShortWrite
	}
	return nil
}

func (d *Device) writeHeader(cmd frame.Command, flag byte, value uint32, width int) error {
	h := frame.EncodeHeader(cmd, flag, value, width)
	return d.writeFrame(h[:])
}
