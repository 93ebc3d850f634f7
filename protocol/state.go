package protocol

import (
	"errors"
	"fmt"

	"github.com/opd-ai/pipexfer/file"
	"github.com/opd-ai/pipexfer/frame"
)

// State is a step of the upload or download state machine.
type State uint8

const (
	StateIdle State = iota
	StateAwaitHandshakeAck
	StateAwaitFileInfo
	StateAwaitInfoAck
	StateReceivingChunks
	StateSendingChunks
	StateAwaitFinalAck
	StateVerifying
	StateSucceeded
	StateAborted
)

var stateNames = [...]string{
	StateIdle:              "Idle",
	StateAwaitHandshakeAck: "AwaitHandshakeAck",
	StateAwaitFileInfo:     "AwaitFileInfo",
	StateAwaitInfoAck:      "AwaitInfoAck",
	StateReceivingChunks:   "ReceivingChunks",
	StateSendingChunks:     "SendingChunks",
	StateAwaitFinalAck:     "AwaitFinalAck",
	StateVerifying:         "Verifying",
	StateSucceeded:         "Succeeded",
	StateAborted:           "Aborted",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Terminal reports whether s ends a transfer.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateAborted
}

var (
	// ErrChannelClosing indicates the pipeline closed during the transfer.
	ErrChannelClosing = errors.New("channel closing")
	// ErrCanceled indicates the caller's context ended the transfer.
	ErrCanceled = errors.New("transfer canceled")
	// ErrRejected indicates the device answered a request with a negative ACK.
	ErrRejected = errors.New("request rejected by device")
	// ErrMalformedFrame indicates an unknown command or undecodable record.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrFileMissing indicates the device has no file under the requested name.
	ErrFileMissing = errors.New("file does not exist on device")
	// ErrStorage indicates a local file could not be opened, read or written.
	ErrStorage = errors.New("local storage failure")
	// ErrPeerStopped indicates the device chose to stop after a fail exchange.
	ErrPeerStopped = errors.New("device stopped the transfer")
	// ErrOffsetMismatch indicates the device acknowledged a different resume offset.
	ErrOffsetMismatch = errors.New("resume offset mismatch")
	// ErrNegativeTransferAck indicates the device reported a failed upload in its TRANSFER_ACK.
	ErrNegativeTransferAck = errors.New("device reported transfer failure")
	// ErrFileTooLarge indicates a source file whose size does not fit the 32-bit length field.
	ErrFileTooLarge = errors.New("file too large for protocol")
)

// TransferError records where a transfer was aborted.
type TransferError struct {
	Direction file.TransferDirection
	State     State // state in which the abort happened
	Err       error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s aborted in %s: %v", e.Direction, e.State, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Outcome is the terminal result of a transfer.
type Outcome uint8

const (
	OutcomeAborted Outcome = iota
	OutcomeSucceeded
)

func (o Outcome) String() string {
	if o == OutcomeSucceeded {
		return "succeeded"
	}
	return "aborted"
}

// Result is what an engine hands back once a transfer is over.
type Result struct {
	Direction file.TransferDirection
	Outcome   Outcome
	// State is StateSucceeded, or the state in which the transfer aborted.
	State State
	Info  frame.FileInfo
	Bytes uint64
	// Verified is the download integrity check (digest and length). Uploads
	// set it from the device's TRANSFER_ACK.
	Verified bool
	// Resumes counts completed fail/ack exchanges.
	Resumes int
	Message string
	Err     error
}

// Succeeded reports whether the transfer reached StateSucceeded.
func (r Result) Succeeded() bool {
	return r.Outcome == OutcomeSucceeded
}

// Closed reports whether the transfer was aborted by the pipeline closing.
func (r Result) Closed() bool {
	return errors.Is(r.Err, ErrChannelClosing) || errors.Is(r.Err, ErrCanceled)
}
