package voice

import (
	"context"

	"github.com/nagriksetu/nagriksetu/pkg/audio/pcm"
)

// sendQueue is a bounded FIFO between capture and transport. When full, Push
// discards the oldest chunk so that capture never waits on the network.
//
// Push must be called from a single goroutine; Pop may run concurrently on
// another.
type sendQueue struct {
	items chan pcm.EncodedChunk
	done  chan struct{}
}

func newSendQueue(size int) *sendQueue {
	if size <= 0 {
		size = 1
	}
	return &sendQueue{
		items: make(chan pcm.EncodedChunk, size),
		done:  make(chan struct{}),
	}
}

// Push enqueues c and reports how many chunks were discarded to make room.
func (q *sendQueue) Push(c pcm.EncodedChunk) (dropped int) {
	for {
		select {
		case <-q.done:
			return dropped + 1
		default:
		}
		select {
		case q.items <- c:
			return dropped
		default:
		}
		select {
		case <-q.items:
			dropped++
		default:
		}
	}
}

// Pop blocks until a chunk is available. It reports false once the queue was
// closed or ctx is done.
func (q *sendQueue) Pop(ctx context.Context) (pcm.EncodedChunk, bool) {
	select {
	case <-q.done:
		return pcm.EncodedChunk{}, false
	case <-ctx.Done():
		return pcm.EncodedChunk{}, false
	case c := <-q.items:
		return c, true
	}
}

// Len returns the number of queued chunks.
func (q *sendQueue) Len() int { return len(q.items) }

// Close discards the queue. Pending chunks are never delivered. Close must be
// called at most once.
func (q *sendQueue) Close() {
	close(q.done)
	for {
		select {
		case <-q.items:
		default:
			return
		}
	}
}
