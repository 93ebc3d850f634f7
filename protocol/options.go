package protocol

import (
	"time"

	"github.com/opd-ai/pipexfer/file"
	"github.com/opd-ai/pipexfer/frame"
)

// DefaultPollInterval is how long an engine waits after a read that returned
// no data before reading again.
const DefaultPollInterval = 20 * time.Millisecond

// Options configures an engine.
type Options struct {
	// PollInterval is the pause after an empty read.
	PollInterval time.Duration
	// Codec encodes filenames; its charset must match the device.
	Codec *frame.Codec
	// TimeProvider drives progress timing; nil uses the wall clock.
	TimeProvider file.TimeProvider
}

// NewOptions returns the default engine options.
func NewOptions() *Options {
	return &Options{
		PollInterval: DefaultPollInterval,
		Codec:        frame.NewCodec(nil),
	}
}

// withDefaults fills zero fields so a partially populated Options is usable.
func (o *Options) withDefaults() *Options {
	out := NewOptions()
	if o == nil {
		return out
	}
	if o.PollInterval > 0 {
		out.PollInterval = o.PollInterval
	}
	if o.Codec != nil {
		out.Codec = o.Codec
	}
	out.TimeProvider = o.TimeProvider
	return out
}
