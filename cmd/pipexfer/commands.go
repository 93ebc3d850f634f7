package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/opd-ai/pipexfer/device"
	"github.com/opd-ai/pipexfer/file"
	"github.com/opd-ai/pipexfer/pipeline"
	"github.com/opd-ai/pipexfer/protocol"
	"github.com/opd-ai/pipexfer/session"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var errIntegrity = errors.New("integrity check failed")

func newRootCmd() *cobra.Command {
	cfg := defaultCLIConfig()

	root := &cobra.Command{
		Use:   "pipexfer",
		Short: "Transfer files to and from a device over a serial or TCP pipeline",
		Long: `pipexfer moves files between this machine and a remote device using the
chunked pipeline transfer protocol: 8-byte frame headers, 3072-byte data
chunks, resumable fail/ack exchanges and MD5 verification.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return cfg.setupLogging()
		},
	}
	cfg.bindFlags(root.PersistentFlags())

	root.AddCommand(
		newUploadCmd(cfg),
		newDownloadCmd(cfg),
		newWatchCmd(cfg),
		newServeCmd(cfg),
	)
	return root
}

func newUploadCmd(cfg *CLIConfig) *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Send a local file to the device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			local := filepath.Base(path)
			if remote == "" {
				remote = local
			}
			store := file.NewDirStorage(filepath.Dir(path))
			return cfg.runTransfer(cmd.Context(), cmd.OutOrStdout(), store, nil,
				func(s *session.Session) (string, error) { return s.Upload(local, remote) })
		},
	}
	cmd.Flags().StringVar(&remote, "as", "", "name to store the file under on the device")
	return cmd
}

func newDownloadCmd(cfg *CLIConfig) *cobra.Command {
	var (
		repeat      bool
		repeatDelay time.Duration
	)
	cmd := &cobra.Command{
		Use:   "download <name> [local-name]",
		Short: "Fetch a file from the device into --dir",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := args[0]
			local := remote
			if len(args) == 2 {
				local = args[1]
			}
			tweak := func(o *session.Options) {
				o.Repeat = repeat
				o.RepeatDelay = repeatDelay
			}
			return cfg.runTransfer(cmd.Context(), cmd.OutOrStdout(), file.NewDirStorage(cfg.dir), tweak,
				func(s *session.Session) (string, error) { return s.Download(remote, local) })
		},
	}
	cmd.Flags().BoolVar(&repeat, "repeat", false, "download again after every success until interrupted")
	cmd.Flags().DurationVar(&repeatDelay, "repeat-delay", session.DefaultRepeatDelay, "pause between repeated downloads")
	return cmd
}

func newWatchCmd(cfg *CLIConfig) *cobra.Command {
	var settle time.Duration
	cmd := &cobra.Command{
		Use:   "watch [dir]",
		Short: "Upload every file created or changed in a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := cfg.dir
			if len(args) == 1 {
				dir = args[0]
			}
			if settle <= 0 {
				return fmt.Errorf("settle time must be positive")
			}

			ctx := cmd.Context()
			s, err := cfg.startSession(ctx, file.NewDirStorage(dir), nil)
			if err != nil {
				return err
			}
			defer s.Stop()

			r := newRenderer(cmd.OutOrStdout(), !cfg.noProgress)
			return watchDir(ctx, dir, settle, s, r)
		},
	}
	cmd.Flags().DurationVar(&settle, "settle", 500*time.Millisecond, "quiet period before a changed file is uploaded")
	return cmd
}

func newServeCmd(cfg *CLIConfig) *cobra.Command {
	var (
		listen     string
		failAt     int64
		stopOnFail bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Emulate a device, serving files from --dir",
		Long: `serve answers upload and download requests the way a device does. With
--serial it serves a single serial line; otherwise it accepts TCP
connections on --listen.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := cfg.codec()
			if err != nil {
				return err
			}
			opts := device.NewOptions()
			opts.Codec = codec
			if failAt >= 0 {
				opts.InjectDownloadFailure = true
				opts.FailDownloadAt = failAt
			}
			opts.StopOnFail = stopOnFail
			store := file.NewDirStorage(cfg.dir)

			ctx := cmd.Context()
			if cfg.serialPort != "" {
				stream, err := pipeline.OpenSerial(cfg.serialPort, cfg.baud, cfg.readTimeout)
				if err != nil {
					return err
				}
				defer stream.Close()
				return device.New(stream, store, opts).Serve(ctx)
			}

			var lc net.ListenConfig
			ln, err := lc.Listen(ctx, "tcp", listen)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "serving %s on %s\n", cfg.dir, ln.Addr())
			return serve(ctx, ln, store, opts, cfg.readTimeout)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:7070", "TCP address to accept controllers on")
	cmd.Flags().Int64Var(&failAt, "fail-at", -1, "interrupt each download once at this byte offset")
	cmd.Flags().BoolVar(&stopOnFail, "stop-on-fail", false, "answer fail exchanges with stop")
	return cmd
}

// startSession opens the pipeline and starts a session on it.
func (c *CLIConfig) startSession(ctx context.Context, store file.Storage, tweak func(*session.Options)) (*session.Session, error) {
	opts, err := c.sessionOptions()
	if err != nil {
		return nil, err
	}
	if tweak != nil {
		tweak(opts)
	}
	pipe, err := c.openPipeline(ctx)
	if err != nil {
		return nil, err
	}
	s := session.New(pipe, store, opts)
	s.Start()
	return s, nil
}

// runTransfer starts one transfer and renders its events until it ends. In
// repeat mode it keeps going until ctx ends or a transfer fails.
func (c *CLIConfig) runTransfer(ctx context.Context, out io.Writer, store file.Storage,
	tweak func(*session.Options), start func(*session.Session) (string, error)) error {
	var repeat bool
	s, err := c.startSession(ctx, store, func(o *session.Options) {
		if tweak != nil {
			tweak(o)
		}
		repeat = o.Repeat
	})
	if err != nil {
		return err
	}
	defer s.Stop()

	id, err := start(s)
	if err != nil {
		return err
	}

	r := newRenderer(out, !c.noProgress)
	for {
		select {
		case <-ctx.Done():
			if repeat {
				return nil
			}
			return ctx.Err()
		case ev, ok := <-s.Events():
			if !ok {
				return fmt.Errorf("session stopped")
			}
			r.handle(ev)

			res, isResult := ev.(protocol.ResultEvent)
			if !isResult {
				continue
			}
			if err := resultError(res.Result); err != nil {
				return err
			}
			if !repeat && res.ID() == id {
				return nil
			}
		}
	}
}

func resultError(res protocol.Result) error {
	if !res.Succeeded() {
		return res.Err
	}
	if !res.Verified {
		return errIntegrity
	}
	return nil
}

// watchDir uploads files in dir once they have been quiet for settle.
func watchDir(ctx context.Context, dir string, settle time.Duration, s *session.Session, r *renderer) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "watchDir",
		"dir":      dir,
		"settle":   settle,
	}).Info("Watching directory")

	tick := settle / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	pending := make(map[string]time.Time)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if (ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write)) && isRegular(ev.Name) {
				pending[filepath.Base(ev.Name)] = time.Now()
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logrus.WithFields(logrus.Fields{
				"function": "watchDir",
				"error":    err.Error(),
			}).Warn("Watcher error")

		case ev, ok := <-s.Events():
			if !ok {
				return nil
			}
			r.handle(ev)

		case now := <-ticker.C:
			if s.Busy(file.TransferDirectionUpload) {
				continue
			}
			for name, changed := range pending {
				if now.Sub(changed) < settle {
					continue
				}
				if _, err := s.Upload(name, name); err != nil {
					if errors.Is(err, session.ErrBusy) {
						break
					}
					return err
				}
				delete(pending, name)
				break
			}
		}
	}
}

func isRegular(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// serve accepts controllers on ln and runs a device for each until ctx ends.
func serve(ctx context.Context, ln net.Listener, store file.Storage, opts *device.Options, readTimeout time.Duration) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		logrus.WithFields(logrus.Fields{
			"function": "serve",
			"remote":   conn.RemoteAddr().String(),
		}).Info("Controller connected")

		wg.Add(1)
		go func() {
			defer wg.Done()
			stream := pipeline.NewStream(conn,
				pipeline.WithName(conn.RemoteAddr().String()),
				pipeline.WithReadTimeout(readTimeout))
			defer stream.Close()
			if err := device.New(stream, store, opts).Serve(ctx); err != nil {
				logrus.WithError(err).Warn("Device session ended with error")
			}
		}()
	}
}
