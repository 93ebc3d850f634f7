// Package main provides the pipexfer command-line tool.
//
// pipexfer uploads files to and downloads files from a remote device over a
// serial line or a TCP connection, watches a directory for files to upload,
// and can itself emulate a device for testing.
//
//	pipexfer --serial /dev/ttyUSB0 upload mission.kmz
//	pipexfer --tcp 192.168.1.10:7070 download flight_0001.log --repeat
//	pipexfer --dir ./device serve --listen :7070 --fail-at 4096
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pipexfer: %v\n", err)
		stop()
		os.Exit(1)
	}
}
