package device

import (
	"time"

	"github.com/opd-ai/pipexfer/frame"
)

// DefaultPollInterval is the pause after an empty read.
const DefaultPollInterval = 20 * time.Millisecond

// Options configures a Device.
type Options struct {
	PollInterval time.Duration
	// Codec must use the same charset as the controller.
	Codec *frame.Codec

	// RejectUploads and RejectDownloads answer the REQUEST handshake with a
	// negative ACK.
	RejectUploads   bool
	RejectDownloads bool

	// InjectDownloadFailure makes the device corrupt the chunk starting at
	// FailDownloadAt (or the first chunk past it) once per download and then
	// run the fail-index exchange to rewind the controller.
	InjectDownloadFailure bool
	FailDownloadAt        int64
	// StopOnFail answers fail exchanges with ACK(stop) instead of continue.
	StopOnFail bool
}

// NewOptions returns the default device options.
func NewOptions() *Options {
	return &Options{
		PollInterval: DefaultPollInterval,
		Codec:        frame.NewCodec(nil),
	}
}

func (o *Options) withDefaults() *Options {
	if o == nil {
		return NewOptions()
	}
	out := *o
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.Codec == nil {
		out.Codec = frame.NewCodec(nil)
	}
	return &out
}
