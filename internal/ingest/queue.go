// Package ingest accepts tagged audio frames and buffers them per channel.
package ingest

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Push after Close, and by Pop once the queue has
// been closed and drained.
var ErrQueueClosed = errors.New("queue closed")

// ChannelQueue is a fixed-capacity FIFO of audio frames for one channel.
// When full, Push evicts the oldest frame so the newest audio always gets in.
type ChannelQueue struct {
	mu      sync.Mutex
	frames  [][]byte
	size    int
	head    int // next write position
	tail    int // next read position
	count   int
	dropped int64
	closed  bool
	ready   chan struct{}
}

// NewChannelQueue creates a queue holding at most size frames.
// Default size is 200 frames, about 4 seconds of 20ms audio.
func NewChannelQueue(size int) *ChannelQueue {
	if size <= 0 {
		size = 200
	}
	return &ChannelQueue{
		frames: make([][]byte, size),
		size:   size,
		ready:  make(chan struct{}, 1),
	}
}

// Push appends a frame. It reports whether an older frame was evicted to
// make room, and returns ErrQueueClosed once the queue is closed.
func (q *ChannelQueue) Push(frame []byte) (evicted bool, err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, ErrQueueClosed
	}
	if q.count == q.size {
		// Overwrite: advance tail past the oldest frame.
		q.frames[q.tail] = nil
		q.tail = (q.tail + 1) % q.size
		q.count--
		q.dropped++
		evicted = true
	}
	q.frames[q.head] = frame
	q.head = (q.head + 1) % q.size
	q.count++
	q.mu.Unlock()

	q.signal()
	return evicted, nil
}

// Pop removes the oldest frame, blocking until one is available, the queue is
// closed or ctx is done.
func (q *ChannelQueue) Pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if q.count > 0 {
			frame := q.frames[q.tail]
			q.frames[q.tail] = nil
			q.tail = (q.tail + 1) % q.size
			q.count--
			more := q.count > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return frame, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.ready:
		}
	}
}

// Discard empties the queue and counts every discarded frame as dropped.
// It returns the number of frames discarded.
func (q *ChannelQueue) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.count
	for i := range q.frames {
		q.frames[i] = nil
	}
	q.head, q.tail, q.count = 0, 0, 0
	q.dropped += int64(n)
	return n
}

// Close wakes any blocked Pop and rejects further pushes. Buffered frames
// remain readable until drained.
func (q *ChannelQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Release closes the queue and drops its buffered frames without counting
// them. Used at teardown once nothing reads the queue any more.
func (q *ChannelQueue) Release() {
	q.mu.Lock()
	q.closed = true
	for i := range q.frames {
		q.frames[i] = nil
	}
	q.head, q.tail, q.count = 0, 0, 0
	q.mu.Unlock()
	q.signal()
}

// Len returns the number of buffered frames.
func (q *ChannelQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the maximum number of buffered frames.
func (q *ChannelQueue) Cap() int {
	return q.size
}

// Dropped returns the number of frames lost to eviction or discard.
func (q *ChannelQueue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *ChannelQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
