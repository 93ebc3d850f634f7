package file

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TransferDirection indicates whether bytes flow to or from the device.
type TransferDirection uint8

const (
	// TransferDirectionDownload represents a file received from the device.
	TransferDirectionDownload TransferDirection = iota
	// TransferDirectionUpload represents a file sent to the device.
	TransferDirectionUpload
)

// String returns "download" or "upload".
func (d TransferDirection) String() string {
	if d == TransferDirectionUpload {
		return "upload"
	}
	return "download"
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// defaultTimeProvider is the package-level default time provider.
var defaultTimeProvider TimeProvider = DefaultTimeProvider{}

// Stats is a point-in-time copy of a transfer's counters.
type Stats struct {
	FileName    string
	Direction   TransferDirection
	FileSize    uint64
	Transferred uint64
	Packets     uint64
	Elapsed     time.Duration
	Speed       float64 // bytes per second
	Remaining   time.Duration
}

// Percent returns Transferred as a percentage of FileSize.
func (s Stats) Percent() float64 {
	if s.FileSize == 0 {
		return 0
	}
	return float64(s.Transferred) / float64(s.FileSize) * 100.0
}

// Transfer tracks the byte and packet counters of one transfer attempt.
// It is safe for concurrent use: the engine advances it while a UI reads it.
type Transfer struct {
	FileName  string
	Direction TransferDirection
	FileSize  uint64

	progressCallback func(Stats)

	mu            sync.Mutex
	startTime     time.Time
	transferred   uint64
	packets       uint64
	lastChunkTime time.Time
	transferSpeed float64 // bytes per second
	timeProvider  TimeProvider
}

// NewTransfer creates a tracker for a file of fileSize bytes.
func NewTransfer(fileName string, fileSize uint64, direction TransferDirection) *Transfer {
	tp := defaultTimeProvider
	now := tp.Now()

	logrus.WithFields(logrus.Fields{
		"function":  "NewTransfer",
		"file_name": fileName,
		"file_size": fileSize,
		"direction": direction,
	}).Debug("Creating transfer tracker")

	return &Transfer{
		FileName:      fileName,
		Direction:     direction,
		FileSize:      fileSize,
		startTime:     now,
		lastChunkTime: now,
		timeProvider:  tp,
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
// Also resets the start and last chunk times to the new provider's clock.
func (t *Transfer) SetTimeProvider(tp TimeProvider) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeProvider = tp
	t.startTime = tp.Now()
	t.lastChunkTime = t.startTime
}

// OnProgress sets a callback invoked after every Advance.
// This method is safe for concurrent use.
func (t *Transfer) OnProgress(callback func(Stats)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progressCallback = callback
}

// Advance records one chunk of n bytes.
func (t *Transfer) Advance(n int) {
	t.mu.Lock()
	t.transferred += uint64(n)
	t.packets++
	t.updateTransferSpeed(uint64(n))
	cb := t.progressCallback
	stats := t.statsLocked()
	t.mu.Unlock()

	if cb != nil {
		cb(stats)
	}
}

// Rewind moves the byte counter back to offset after a resume exchange.
// The packet counter keeps counting every chunk seen.
func (t *Transfer) Rewind(offset uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Rewind",
		"file_name": t.FileName,
		"from":      t.transferred,
		"to":        offset,
		"packets":   t.packets,
	}).Debug("Rewinding transfer counters")

	t.transferred = offset
}

// Transferred returns the bytes counted so far.
func (t *Transfer) Transferred() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferred
}

// Stats returns a snapshot of the counters.
func (t *Transfer) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statsLocked()
}

func (t *Transfer) statsLocked() Stats {
	s := Stats{
		FileName:    t.FileName,
		Direction:   t.Direction,
		FileSize:    t.FileSize,
		Transferred: t.transferred,
		Packets:     t.packets,
		Elapsed:     t.timeProvider.Since(t.startTime),
		Speed:       t.transferSpeed,
	}
	if t.transferSpeed > 0 && t.FileSize > t.transferred {
		secondsRemaining := float64(t.FileSize-t.transferred) / t.transferSpeed
		s.Remaining = time.Duration(secondsRemaining * float64(time.Second))
	}
	return s
}

// updateTransferSpeed calculates the current transfer speed.
func (t *Transfer) updateTransferSpeed(chunkSize uint64) {
	now := t.timeProvider.Now()
	duration := t.timeProvider.Since(t.lastChunkTime).Seconds()

	if duration > 0 {
		instantSpeed := float64(chunkSize) / duration

		// Exponential moving average with alpha = 0.3
		if t.transferSpeed == 0 {
			t.transferSpeed = instantSpeed
		} else {
			t.transferSpeed = 0.7*t.transferSpeed + 0.3*instantSpeed
		}
	}

	t.lastChunkTime = now
}
