package worker

import (
	"context"

	"github.com/mrsingh-rishi/broca/model"
	"github.com/mrsingh-rishi/broca/queue"
)

// Drainer turns queued audio chunks into blobs for the speech service.
// Frames that pile up while a write is in flight are coalesced into the next
// blob, so a slow upstream sees fewer, larger writes and no added latency.
//
// A Drainer ends for good once its queue is closed and empty; make a new one
// to start over.
type Drainer struct {
	queue *queue.Queue[model.AudioChunk]
	done  bool

	// lastBatch is the number of chunks in the most recent blob.
	lastBatch int
}

func NewDrainer(q *queue.Queue[model.AudioChunk]) *Drainer {
	return &Drainer{queue: q}
}

// Next waits for one chunk, then takes whatever else is already queued and
// returns it all as a single blob in arrival order. It reports false when the
// stream has ended or ctx is done.
func (d *Drainer) Next(ctx context.Context) ([]byte, bool) {
	if d.done {
		return nil, false
	}

	first, ok := d.queue.Pop(ctx)
	if !ok {
		d.done = true
		return nil, false
	}

	rest := d.queue.TryPopAll()
	d.lastBatch = 1 + len(rest)
	if len(rest) == 0 {
		return first, true
	}

	size := len(first)
	for _, chunk := range rest {
		size += len(chunk)
	}
	blob := make([]byte, 0, size)
	blob = append(blob, first...)
	for _, chunk := range rest {
		blob = append(blob, chunk...)
	}
	return blob, true
}
