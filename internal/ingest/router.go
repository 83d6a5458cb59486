package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ashureev/hintline/internal/domain"
	"github.com/ashureev/hintline/internal/metrics"
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("ingest stopped")

// Router fans incoming frames out to one ChannelQueue per channel.
type Router struct {
	queues    map[domain.Speaker]*ChannelQueue
	submitted map[domain.Speaker]*atomic.Int64
	stopped   atomic.Bool
	logger    *slog.Logger
}

// NewRouter creates queues of the given capacity for every known channel.
func NewRouter(capacity int, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		queues:    make(map[domain.Speaker]*ChannelQueue, len(domain.Speakers)),
		submitted: make(map[domain.Speaker]*atomic.Int64, len(domain.Speakers)),
		logger:    logger,
	}
	for _, sp := range domain.Speakers {
		r.queues[sp] = NewChannelQueue(capacity)
		r.submitted[sp] = new(atomic.Int64)
	}
	return r
}

// Submit queues a frame on its channel's queue, evicting the oldest frame if
// the queue is full. Unknown channels are rejected with domain.ErrTransport.
func (r *Router) Submit(speaker domain.Speaker, frame []byte) error {
	q, ok := r.queues[speaker]
	if !ok {
		return fmt.Errorf("%w: unknown channel %q", domain.ErrTransport, speaker)
	}
	if r.stopped.Load() {
		return ErrStopped
	}

	evicted, err := q.Push(frame)
	if err != nil {
		// Stop closed the queue after the check above.
		return ErrStopped
	}
	r.submitted[speaker].Add(1)
	metrics.FramesSubmitted.WithLabelValues(string(speaker)).Inc()

	if evicted {
		metrics.FramesDropped.WithLabelValues(string(speaker), "overflow").Inc()
		r.logger.Debug("[INGEST] Queue full, dropped oldest frame",
			"speaker", speaker,
			"error", domain.ErrQueueOverflow,
			"dropped", q.Dropped())
	}
	return nil
}

// SubmitRaw decodes a binary wire frame and submits it.
func (r *Router) SubmitRaw(data []byte) error {
	speaker, payload, err := DecodeFrame(data)
	if err != nil {
		return err
	}
	return r.Submit(speaker, payload)
}

// Queue returns the queue of a channel, or nil for an unknown channel.
func (r *Router) Queue(speaker domain.Speaker) *ChannelQueue {
	return r.queues[speaker]
}

// Dropped returns the dropped-frame counter of a channel.
func (r *Router) Dropped(speaker domain.Speaker) int64 {
	if q, ok := r.queues[speaker]; ok {
		return q.Dropped()
	}
	return 0
}

// Submitted returns how many frames were accepted on a channel.
func (r *Router) Submitted(speaker domain.Speaker) int64 {
	if c, ok := r.submitted[speaker]; ok {
		return c.Load()
	}
	return 0
}

// Stop rejects further frames. Queued frames stay readable.
func (r *Router) Stop() {
	if r.stopped.CompareAndSwap(false, true) {
		for _, q := range r.queues {
			q.Close()
		}
	}
}

// Release stops the router and frees every queue.
func (r *Router) Release() {
	r.Stop()
	for _, q := range r.queues {
		q.Release()
	}
}

// DecodeFrame splits a binary wire frame into its channel and PCM payload.
// The first byte is the channel id (0 = SELF, 1 = OTHER); the rest is 16-bit
// little-endian PCM.
func DecodeFrame(data []byte) (domain.Speaker, []byte, error) {
	if len(data) < 3 {
		return "", nil, fmt.Errorf("%w: frame too short (%d bytes)", domain.ErrTransport, len(data))
	}
	speaker, err := domain.SpeakerFromID(data[0])
	if err != nil {
		return "", nil, err
	}
	payload := data[1:]
	if len(payload)%2 != 0 {
		return "", nil, fmt.Errorf("%w: odd PCM payload length %d", domain.ErrTransport, len(payload))
	}
	return speaker, payload, nil
}
