package link

import (
	"io"
	"sync"
	"time"
)

// fakePort is an in-memory transport.Port used to drive the link
// coordinator's read/write loops deterministically in tests, standing in
// for the real go.bug.st/serial.Port.
type fakePort struct {
	mu      sync.Mutex
	rx      []byte
	written [][]byte
	timeout time.Duration
	closed  bool
}

func newFakePort() *fakePort {
	return &fakePort{timeout: 50 * time.Millisecond}
}

// inject appends bytes as if received from the wire.
func (p *fakePort) inject(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx = append(p.rx, b...)
}

func (p *fakePort) writtenFrames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.written))
	copy(out, p.written)
	return out
}

func (p *fakePort) Read(buf []byte) (int, error) {
	deadline := time.Now().Add(p.timeout)
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, io.EOF
		}
		if len(p.rx) > 0 {
			n := copy(buf, p.rx)
			p.rx = p.rx[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		if time.Now().After(deadline) {
			return 0, nil // timeout: no data, no error — matches go.bug.st/serial
		}
		time.Sleep(time.Millisecond)
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	p.written = append(p.written, cp)
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = d
	return nil
}
