package session

import (
	"time"

	"github.com/opd-ai/pipexfer/protocol"
)

// Defaults used by NewOptions.
const (
	DefaultEventBuffer   = 64
	DefaultRepeatDelay   = 5 * time.Second
	DefaultRetryInterval = 500 * time.Millisecond
	DefaultCloseGrace    = time.Second
)

// Options configures a Session.
type Options struct {
	// Protocol is handed to every engine the session creates.
	Protocol *protocol.Options

	// EventBuffer is the capacity of the event channel.
	EventBuffer int

	// Repeat schedules the same download again after every successful one.
	Repeat      bool
	RepeatDelay time.Duration

	// MaxAttempts bounds how often an aborted transfer is retried. Values
	// below 2 run each transfer once. Transfers aborted by the pipeline
	// closing are never retried.
	MaxAttempts   int
	RetryInterval time.Duration

	// TransferTimeout is the deadline for one attempt; zero means none. If
	// the engine has not returned CloseGrace after the deadline, the session
	// closes the pipeline.
	TransferTimeout time.Duration
	CloseGrace      time.Duration
}

// NewOptions returns the default session options.
func NewOptions() *Options {
	return &Options{
		Protocol:      protocol.NewOptions(),
		EventBuffer:   DefaultEventBuffer,
		RepeatDelay:   DefaultRepeatDelay,
		MaxAttempts:   1,
		RetryInterval: DefaultRetryInterval,
		CloseGrace:    DefaultCloseGrace,
	}
}

func (o *Options) withDefaults() *Options {
	out := NewOptions()
	if o == nil {
		return out
	}
	if o.Protocol != nil {
		out.Protocol = o.Protocol
	}
	if o.EventBuffer > 0 {
		out.EventBuffer = o.EventBuffer
	}
	out.Repeat = o.Repeat
	if o.RepeatDelay > 0 {
		out.RepeatDelay = o.RepeatDelay
	}
	if o.MaxAttempts > 0 {
		out.MaxAttempts = o.MaxAttempts
	}
	if o.RetryInterval > 0 {
		out.RetryInterval = o.RetryInterval
	}
	out.TransferTimeout = o.TransferTimeout
	if o.CloseGrace > 0 {
		out.CloseGrace = o.CloseGrace
	}
	return out
}
