package storage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Vasu1712/meetsync/internal/models"
)

const writeTimeout = 5 * time.Second

// Writer saves segments in the background so callers on the event loop
// never wait for the store.
type Writer struct {
	store     TranscriptStore
	meetingID string
	queue     chan models.Segment
	done      chan struct{}
	closeOnce sync.Once
	log       *zap.Logger
}

// NewWriter returns a writer with room for buffer pending segments.
func NewWriter(store TranscriptStore, meetingID string, buffer int, logger *zap.Logger) *Writer {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{
		store:     store,
		meetingID: meetingID,
		queue:     make(chan models.Segment, buffer),
		done:      make(chan struct{}),
		log:       logger.Named("storage"),
	}
}

// Save queues seg. It never blocks; when the queue is full the segment is
// dropped and reported false.
func (w *Writer) Save(seg models.Segment) bool {
	select {
	case w.queue <- seg:
		return true
	default:
		w.log.Warn("storage queue full, dropping segment", zap.String("segment_id", seg.ID))
		return false
	}
}

// Run writes queued segments until Close is called or ctx ends.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case seg, ok := <-w.queue:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			if err := w.store.SaveSegment(wctx, w.meetingID, seg); err != nil {
				w.log.Warn("failed to store segment", zap.String("segment_id", seg.ID), zap.Error(err))
			}
			cancel()
		}
	}
}

// Close stops accepting segments and waits for Run to drain the queue.
// Save must not be called afterwards. Repeated calls only wait.
func (w *Writer) Close(ctx context.Context) error {
	w.closeOnce.Do(func() { close(w.queue) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
