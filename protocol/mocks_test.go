package protocol

import (
	"bytes"
	"errors"
	"sync"

	"github.com/opd-ai/pipexfer/frame"
	"github.com/opd-ai/pipexfer/pipeline"
)

var errTransient = errors.New("link busy")

// mockPipe replays a pre-recorded device script and records what the engine
// writes. Once the script is drained, reads report ErrClosing unless hold is
// set, in which case they report an empty read forever.
type mockPipe struct {
	mu sync.Mutex

	in      bytes.Buffer
	maxRead int  // cap on bytes returned by one Read; 0 means unlimited
	hold    bool // return empty reads instead of closing when drained

	// readErrEvery makes every n-th Read return errTransient.
	readErrEvery int
	reads        int

	writes       [][]byte
	attempts     int
	failWrites   map[int]error // keyed by write attempt index
	shortWrites  map[int]int   // attempt index to the byte count accepted
	closeAtWrite int           // attempt index that closes the pipe; -1 disables
	closed       bool
}

func newMockPipe(script ...[]byte) *mockPipe {
	p := &mockPipe{closeAtWrite: -1, failWrites: map[int]error{}, shortWrites: map[int]int{}}
	for _, b := range script {
		p.in.Write(b)
	}
	return p
}

func (p *mockPipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, pipeline.ErrClosing
	}
	p.reads++
	if p.readErrEvery > 0 && p.reads%p.readErrEvery == 0 {
		return 0, errTransient
	}
	if p.in.Len() == 0 {
		if p.hold {
			return 0, nil
		}
		p.closed = true
		return 0, pipeline.ErrClosing
	}
	if p.maxRead > 0 && len(b) > p.maxRead {
		b = b[:p.maxRead]
	}
	return p.in.Read(b)
}

func (p *mockPipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.attempts
	p.attempts++
	if p.closed {
		return 0, pipeline.ErrClosing
	}
	if idx == p.closeAtWrite {
		p.closed = true
		return 0, pipeline.ErrClosing
	}
	if err, ok := p.failWrites[idx]; ok {
		return 0, err
	}
	if n, ok := p.shortWrites[idx]; ok {
		return n, nil
	}
	p.writes = append(p.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (p *mockPipe) recorded() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes...)
}

func (p *mockPipe) attemptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func header(cmd frame.Command, flag byte, value uint32, width int) []byte {
	h := frame.EncodeHeader(cmd, flag, value, width)
	return h[:]
}

func ack(ok bool) []byte {
	if ok {
		return header(frame.CmdAck, frame.FlagSuccess, 0, 0)
	}
	return header(frame.CmdAck, frame.FlagFail, 0, 0)
}

// chunks splits content into FILE_DATA frames the way a device sends them.
func chunks(content []byte) [][]byte {
	var out [][]byte
	size := int64(len(content))
	var off int64
	for {
		n := frame.ChunkLen(size, off)
		flag := frame.FlagMore
		if off+int64(n) >= size {
			flag = frame.FlagEnd
		}
		out = append(out, frame.EncodeChunk(flag, content[off:off+int64(n)]))
		off += int64(n)
		if flag == frame.FlagEnd {
			return out
		}
	}
}

// dataFrames returns the FILE_DATA frames among the recorded writes.
func dataFrames(writes [][]byte) [][]byte {
	var out [][]byte
	for _, w := range writes {
		if len(w) >= frame.HeaderSize && frame.Command(w[0]) == frame.CmdFileData {
			out = append(out, w)
		}
	}
	return out
}

// reassemble concatenates the payloads of FILE_DATA frames. The result is
// never nil, so it compares equal to an empty source file.
func reassemble(frames [][]byte) []byte {
	out := []byte{}
	for _, f := range frames {
		out = append(out, f[frame.HeaderSize:]...)
	}
	return out
}

// eventLog collects events delivered to an OnEvent callback.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}
