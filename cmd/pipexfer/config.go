package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/opd-ai/pipexfer/frame"
	"github.com/opd-ai/pipexfer/pipeline"
	"github.com/opd-ai/pipexfer/protocol"
	"github.com/opd-ai/pipexfer/session"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// CLIConfig holds the persistent flags shared by every command.
type CLIConfig struct {
	tcpAddr     string
	serialPort  string
	baud        int
	readTimeout time.Duration
	dir         string
	charset     string
	logLevel    string
	logFile     string
	logJSON     bool
	timeout     time.Duration
	attempts    int
	retryDelay  time.Duration
	noProgress  bool
}

// defaultCLIConfig mirrors the flag defaults.
func defaultCLIConfig() *CLIConfig {
	return &CLIConfig{
		baud:        pipeline.DefaultBaudRate,
		readTimeout: 100 * time.Millisecond,
		dir:         ".",
		charset:     "GBK",
		logLevel:    "info",
		attempts:    1,
		retryDelay:  session.DefaultRetryInterval,
	}
}

// bindFlags registers the persistent flags on fs.
func (c *CLIConfig) bindFlags(fs *pflag.FlagSet) {
	// Transport
	fs.StringVar(&c.tcpAddr, "tcp", c.tcpAddr, "device address (host:port)")
	fs.StringVar(&c.serialPort, "serial", c.serialPort, "device serial port, e.g. /dev/ttyUSB0")
	fs.IntVar(&c.baud, "baud", c.baud, "serial baud rate")
	fs.DurationVar(&c.readTimeout, "read-timeout", c.readTimeout, "per-read timeout so idle reads poll")

	// Storage and wire format
	fs.StringVar(&c.dir, "dir", c.dir, "local directory for downloads and served files")
	fs.StringVar(&c.charset, "charset", c.charset, "filename charset used on the wire (IANA name)")

	// Logging
	fs.StringVar(&c.logLevel, "log-level", c.logLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.logFile, "log-file", c.logFile, "log file path (default: stderr)")
	fs.BoolVar(&c.logJSON, "log-json", c.logJSON, "log as JSON")

	// Transfer policy
	fs.DurationVar(&c.timeout, "timeout", c.timeout, "deadline per transfer attempt (0 disables)")
	fs.IntVar(&c.attempts, "attempts", c.attempts, "attempts per transfer before giving up")
	fs.DurationVar(&c.retryDelay, "retry-delay", c.retryDelay, "initial backoff between attempts")
	fs.BoolVar(&c.noProgress, "no-progress", c.noProgress, "print results only, no progress bar")
}

// validate checks flag combinations that do not depend on the command.
func (c *CLIConfig) validate() error {
	if c.tcpAddr != "" && c.serialPort != "" {
		return fmt.Errorf("--tcp and --serial are mutually exclusive")
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud rate must be positive")
	}
	if c.attempts < 1 {
		return fmt.Errorf("attempts must be at least 1")
	}
	if c.timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	if c.readTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if _, err := c.codec(); err != nil {
		return err
	}
	return nil
}

// setupLogging applies the logging flags to the standard logrus logger.
func (c *CLIConfig) setupLogging() error {
	level, err := logrus.ParseLevel(c.logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.logLevel, err)
	}
	logrus.SetLevel(level)

	if c.logJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if c.logFile != "" {
		f, err := os.OpenFile(c.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		logrus.SetOutput(f)
	}
	return nil
}

func (c *CLIConfig) codec() (*frame.Codec, error) {
	enc, err := frame.LookupCharset(strings.TrimSpace(c.charset))
	if err != nil {
		return nil, err
	}
	return frame.NewCodec(enc), nil
}

// openPipeline connects to the device over TCP or a serial port.
func (c *CLIConfig) openPipeline(ctx context.Context) (*pipeline.Stream, error) {
	switch {
	case c.serialPort != "":
		return pipeline.OpenSerial(c.serialPort, c.baud, c.readTimeout)
	case c.tcpAddr != "":
		return pipeline.Dial(ctx, c.tcpAddr, pipeline.WithReadTimeout(c.readTimeout))
	default:
		return nil, fmt.Errorf("one of --tcp or --serial is required")
	}
}

func (c *CLIConfig) protocolOptions() (*protocol.Options, error) {
	codec, err := c.codec()
	if err != nil {
		return nil, err
	}
	opts := protocol.NewOptions()
	opts.Codec = codec
	return opts, nil
}

func (c *CLIConfig) sessionOptions() (*session.Options, error) {
	popts, err := c.protocolOptions()
	if err != nil {
		return nil, err
	}
	opts := session.NewOptions()
	opts.Protocol = popts
	opts.MaxAttempts = c.attempts
	opts.RetryInterval = c.retryDelay
	opts.TransferTimeout = c.timeout
	return opts, nil
}
