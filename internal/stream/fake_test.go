package stream

import (
	"context"
	"errors"
	"sync"
)

var errFakeClosed = errors.New("fake transport closed")

// fakeTransport is an in-memory Transport. Frames pushed with deliver are
// returned by ReadMessage; drop simulates the server closing the connection.
type fakeTransport struct {
	inbound chan []byte
	dropped chan struct{}
	once    sync.Once

	mu     sync.Mutex
	frames []string
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		dropped: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case f := <-t.inbound:
		return f, nil
	case <-t.dropped:
		return nil, errFakeClosed
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errFakeClosed
	}
	t.frames = append(t.frames, string(data))
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.drop()
	return nil
}

func (t *fakeTransport) drop() {
	t.once.Do(func() { close(t.dropped) })
}

func (t *fakeTransport) deliver(frame string) {
	t.inbound <- []byte(frame)
}

func (t *fakeTransport) sent() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.frames))
	copy(out, t.frames)
	return out
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// dialResult is what the next Dial call returns. gate, when non-nil, blocks
// the dial until it is closed.
type dialResult struct {
	transport *fakeTransport
	err       error
	gate      chan struct{}
}

// fakeDialer hands out scripted results in order. Once the script runs out
// every dial fails.
type fakeDialer struct {
	mu     sync.Mutex
	script []dialResult
	dials  int
	opened []*fakeTransport
}

func (d *fakeDialer) push(r dialResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, r)
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	d.dials++
	var r dialResult
	if len(d.script) > 0 {
		r = d.script[0]
		d.script = d.script[1:]
	} else {
		r = dialResult{err: errors.New("connection refused")}
	}
	d.mu.Unlock()

	if r.gate != nil {
		<-r.gate
	}
	if r.err != nil {
		return nil, r.err
	}

	d.mu.Lock()
	d.opened = append(d.opened, r.transport)
	d.mu.Unlock()
	return r.transport, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
