package protocol

import (
	"fmt"
	"time"

	"github.com/opd-ai/pipexfer/file"
	"github.com/opd-ai/pipexfer/frame"
)

// Event is one of ProgressEvent, FileInfoEvent or ResultEvent.
type Event interface {
	event()
	// ID returns the transfer the event belongs to.
	ID() string
	// Text renders the event for display.
	Text() string
}

// ProgressEvent is emitted after every chunk.
type ProgressEvent struct {
	TransferID string
	Stats      file.Stats
}

// FileInfoEvent is emitted when a download's file-info record arrives.
type FileInfoEvent struct {
	TransferID string
	Info       frame.FileInfo
}

// ResultEvent is emitted exactly once when a transfer ends.
type ResultEvent struct {
	TransferID string
	Result     Result
}

func (ProgressEvent) event() {}
func (FileInfoEvent) event() {}
func (ResultEvent) event()   {}

func (e ProgressEvent) ID() string { return e.TransferID }
func (e FileInfoEvent) ID() string { return e.TransferID }
func (e ResultEvent) ID() string   { return e.TransferID }

// Text renders bytes so far, total, packets and elapsed time.
func (e ProgressEvent) Text() string {
	s := e.Stats
	return fmt.Sprintf("%s %s: %d/%d bytes (%.1f%%), %d packets, %s",
		s.Direction, s.FileName, s.Transferred, s.FileSize, s.Percent(), s.Packets,
		s.Elapsed.Truncate(time.Millisecond))
}

// Text renders the record.
func (e FileInfoEvent) Text() string {
	return fmt.Sprintf("file %s: %d bytes, md5 %x", e.Info.Name, e.Info.Length, e.Info.MD5)
}

// Text returns the result message.
func (e ResultEvent) Text() string {
	return e.Result.Message
}
