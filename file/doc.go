// Package file provides the local side of a pipeline transfer: the storage
// the engine reads uploads from and writes downloads to, and the per-transfer
// counters that feed progress reports.
//
// # Storage
//
// Storage is the narrow interface the protocol engine needs:
//
//	store := file.NewDirStorage("/var/lib/pipexfer")
//	sink, err := store.Create("flight_0001.log")   // random-access writer
//	src, size, err := store.Open("mission.kmz")    // io.ReaderAt plus size
//	sum, err := store.Digest("flight_0001.log")    // MD5 of the whole file
//
// Names are checked with ValidatePath, so a device-supplied name cannot
// escape the storage root:
//
//	if _, err := file.ValidatePath("../../etc/passwd"); err != nil {
//	    // err == file.ErrDirectoryTraversal
//	}
//
// # Progress Tracking
//
// Transfer counts bytes and chunks for one attempt and keeps an exponential
// moving average of the transfer speed:
//
//	tr := file.NewTransfer("flight_0001.log", size, file.TransferDirectionDownload)
//	tr.OnProgress(func(s file.Stats) {
//	    fmt.Printf("%.1f%% at %.0f B/s\n", s.Percent(), s.Speed)
//	})
//	tr.Advance(len(chunk))
//
// After a resume exchange the byte counter is moved back with Rewind, while
// the chunk counter keeps counting every chunk received.
//
// # Deterministic Testing
//
// For reproducible test scenarios, use the TimeProvider interface:
//
//	type TimeProvider interface {
//	    Now() time.Time
//	    Since(t time.Time) time.Duration
//	}
//
//	tr.SetTimeProvider(&MockTimeProvider{fixedTime})
//
// # Thread Safety
//
// Transfer methods take an internal mutex. Progress callbacks run on the
// goroutine that called Advance, after the lock is released.
package file
