package session

import (
	"sync"

	"github.com/opd-ai/pipexfer/pipeline"
)

// silentPipe accepts every write and never delivers a byte.
type silentPipe struct {
	mu     sync.Mutex
	writes int
}

func (p *silentPipe) Read(b []byte) (int, error) { return 0, nil }

func (p *silentPipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes++
	return len(b), nil
}

// closedPipe reports ErrClosing on every call and counts writes.
type closedPipe struct {
	mu     sync.Mutex
	writes int
}

func (p *closedPipe) Read(b []byte) (int, error) { return 0, pipeline.ErrClosing }

func (p *closedPipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes++
	return 0, pipeline.ErrClosing
}

func (p *closedPipe) writeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

// blockingPipe blocks every Read until Close, like a transport without read
// deadlines.
type blockingPipe struct {
	once   sync.Once
	closed chan struct{}
}

func newBlockingPipe() *blockingPipe {
	return &blockingPipe{closed: make(chan struct{})}
}

func (p *blockingPipe) Read(b []byte) (int, error) {
	<-p.closed
	return 0, pipeline.ErrClosing
}

func (p *blockingPipe) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, pipeline.ErrClosing
	default:
		return len(b), nil
	}
}

func (p *blockingPipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
