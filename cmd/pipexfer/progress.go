package main

import (
	"fmt"
	"io"
	"time"

	"github.com/opd-ai/pipexfer/protocol"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// renderer prints session events: a byte progress bar per transfer, and one
// line for every file-info record and result.
type renderer struct {
	out     io.Writer
	showBar bool
	bars    map[string]*progressbar.ProgressBar
}

func newRenderer(out io.Writer, showBar bool) *renderer {
	return &renderer{
		out:     out,
		showBar: showBar,
		bars:    make(map[string]*progressbar.ProgressBar),
	}
}

func (r *renderer) handle(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.FileInfoEvent:
		fmt.Fprintln(r.out, e.Text())

	case protocol.ProgressEvent:
		if !r.showBar {
			logrus.WithFields(logrus.Fields{
				"function":    "renderer.handle",
				"transfer_id": e.TransferID,
			}).Debug(e.Text())
			return
		}
		bar := r.bar(e)
		_ = bar.Set64(int64(e.Stats.Transferred))

	case protocol.ResultEvent:
		if bar, ok := r.bars[e.TransferID]; ok {
			if e.Result.Succeeded() {
				_ = bar.Finish()
			} else {
				_ = bar.Exit()
			}
			delete(r.bars, e.TransferID)
			fmt.Fprintln(r.out)
		}
		fmt.Fprintln(r.out, e.Text())
	}
}

func (r *renderer) bar(e protocol.ProgressEvent) *progressbar.ProgressBar {
	if bar, ok := r.bars[e.TransferID]; ok {
		return bar
	}
	bar := progressbar.NewOptions64(int64(e.Stats.FileSize),
		progressbar.OptionSetWriter(r.out),
		progressbar.OptionSetDescription(fmt.Sprintf("%s %s", e.Stats.Direction, e.Stats.FileName)),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
	r.bars[e.TransferID] = bar
	return bar
}
