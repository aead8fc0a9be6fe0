package execution

import (
	"context"
	"io"
	"sync"
)

// StreamHandle is the live token stream of one prompt execution. The
// provider goroutine appends chunks as they arrive; the handle buffers
// them so the reader may attach after streaming has already finished.
type StreamHandle struct {
	mu     sync.Mutex
	buf    [][]byte
	pos    int
	closed bool
	text   string
	err    error

	notify chan struct{}
}

// NewStreamHandle creates an empty handle. Providers push chunks into
// it and close it with Finish or Fail, exactly once.
func NewStreamHandle() *StreamHandle {
	return &StreamHandle{notify: make(chan struct{}, 1)}
}

// Push appends one streamed chunk. The chunk is copied; providers may
// reuse their buffer.
func (h *StreamHandle) Push(chunk []byte) {
	c := make([]byte, len(chunk))
	copy(c, chunk)

	h.mu.Lock()
	h.buf = append(h.buf, c)
	h.mu.Unlock()
	h.wake()
}

// Finish closes the stream successfully with the full response text
func (h *StreamHandle) Finish(text string) {
	h.mu.Lock()
	h.closed = true
	h.text = text
	h.mu.Unlock()
	h.wake()
}

// Fail closes the stream with a terminal error
func (h *StreamHandle) Fail(err error) {
	h.mu.Lock()
	h.closed = true
	h.err = err
	h.mu.Unlock()
	h.wake()
}

func (h *StreamHandle) wake() {
	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// Next returns the next streamed chunk, blocking until one arrives. It
// returns io.EOF once the stream has finished and the buffer is drained,
// or the stream's error if it failed.
func (h *StreamHandle) Next(ctx context.Context) ([]byte, error) {
	for {
		h.mu.Lock()
		if h.pos < len(h.buf) {
			chunk := h.buf[h.pos]
			h.pos++
			h.mu.Unlock()
			return chunk, nil
		}
		if h.closed {
			err := h.err
			h.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		h.mu.Unlock()

		select {
		case <-h.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Text returns the full response text. Valid once the stream finished.
func (h *StreamHandle) Text() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.text
}

// Err returns the stream failure, if any
func (h *StreamHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Drain consumes and discards remaining chunks. Used by the background
// execution lane, which has no client attached to the stream.
func (h *StreamHandle) Drain(ctx context.Context) error {
	for {
		_, err := h.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
