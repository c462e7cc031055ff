package sshconn

import (
	"io"
	"sync"
)

// relayBufferSize is the read size of a pump goroutine.
const relayBufferSize = 32 * 1024

// pumpHandle turns a blocking reader into a non-blocking handle. A relay
// goroutine copies everything from the reader into an internal buffer that
// TryRead drains. Once the reader fails, TryRead returns its error (io.EOF
// on a clean close) after the buffered bytes are consumed.
type pumpHandle struct {
	mu   sync.Mutex
	data []byte
	err  error
	done chan struct{}
}

func newPumpHandle(r io.Reader) *pumpHandle {
	h := &pumpHandle{done: make(chan struct{})}
	go h.relay(r)
	return h
}

func (h *pumpHandle) relay(r io.Reader) {
	defer close(h.done)
	buf := make([]byte, relayBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.mu.Lock()
			h.data = append(h.data, buf[:n]...)
			h.mu.Unlock()
		}
		if err != nil {
			h.mu.Lock()
			h.err = err
			h.mu.Unlock()
			return
		}
	}
}

// TryRead copies pending bytes into p. It returns 0, nil when nothing is
// pending.
func (h *pumpHandle) TryRead(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.data) > 0 {
		n := copy(p, h.data)
		h.data = h.data[n:]
		if len(h.data) == 0 {
			h.data = nil
		}
		return n, nil
	}
	if h.err != nil {
		return 0, h.err
	}
	return 0, nil
}

// Done is closed when the relay goroutine exits.
func (h *pumpHandle) Done() <-chan struct{} {
	return h.done
}
