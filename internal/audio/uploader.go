// Package audio captures the local microphone in fixed windows and uploads
// each window to the backend for transcription.
package audio

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Vasu1712/meetsync/internal/clock"
	"github.com/Vasu1712/meetsync/internal/hub"
	"github.com/Vasu1712/meetsync/internal/metrics"
	"github.com/Vasu1712/meetsync/internal/models"
)

// Sender delivers one chunk to the transcription endpoint.
type Sender interface {
	UploadChunk(ctx context.Context, meetingID, participant string, chunk models.AudioChunk) error
}

// Defaults for Options.
const (
	DefaultChunkDuration = 20 * time.Second
	DefaultMinChunkBytes = 1000
	DefaultRetryDelay    = 2 * time.Second
	DefaultUploadTimeout = 60 * time.Second
)

// Options configures an Uploader.
type Options struct {
	MeetingID   string
	Participant string

	ChunkDuration time.Duration
	MinChunkBytes int
	RetryDelay    time.Duration
	UploadTimeout time.Duration

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// EventKind classifies an uploader Event.
type EventKind int

const (
	ChunkUploaded EventKind = iota
	ChunkSkipped
	ChunkRetrying
	ChunkAbandoned
	CaptureFailed
)

var eventNames = [...]string{"uploaded", "skipped", "retrying", "abandoned", "capture_failed"}

func (k EventKind) String() string {
	if int(k) < 0 || int(k) >= len(eventNames) {
		return "unknown"
	}
	return eventNames[k]
}

// Event reports what happened to one chunk, or a capture failure.
type Event struct {
	Kind     EventKind
	Sequence int
	Offset   float64
	Size     int
	Err      error
}

// Stats counts chunk outcomes for the current session.
type Stats struct {
	NextSequence int `json:"next_sequence"`
	Uploaded     int `json:"uploaded"`
	Skipped      int `json:"skipped"`
	Retried      int `json:"retried"`
	Failed       int `json:"failed"`
	Pending      int `json:"pending"`
}

// Uploader slices captured audio into windows and uploads them. All methods
// except Wait must run on the dispatcher's goroutine.
type Uploader struct {
	disp   hub.Dispatcher
	rec    Recorder
	sender Sender
	opts   Options
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	enabled  bool
	fatal    bool
	capture  Capture
	sequence int
	window   clock.Timer
	windowID uint64
	retries  map[int]clock.Timer
	pending  int
	stats    Stats
	events   hub.Feed[Event]
	inflight sync.WaitGroup
}

// NewUploader returns a disabled uploader.
func NewUploader(disp hub.Dispatcher, rec Recorder, sender Sender, opts Options) *Uploader {
	if opts.ChunkDuration <= 0 {
		opts.ChunkDuration = DefaultChunkDuration
	}
	if opts.MinChunkBytes <= 0 {
		opts.MinChunkBytes = DefaultMinChunkBytes
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = DefaultUploadTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Uploader{
		disp:    disp,
		rec:     rec,
		sender:  sender,
		opts:    opts,
		log:     logger.Named("audio").With(zap.String("meeting_id", opts.MeetingID)),
		ctx:     ctx,
		cancel:  cancel,
		retries: make(map[int]clock.Timer),
	}
}

// Subscribe registers fn for chunk outcomes and capture failures.
func (u *Uploader) Subscribe(fn func(Event)) (dispose func()) {
	return u.events.Subscribe(fn)
}

// Enabled reports whether capture is running.
func (u *Uploader) Enabled() bool { return u.enabled }

// Stats returns the outcome counters.
func (u *Uploader) Stats() Stats {
	s := u.stats
	s.NextSequence = u.sequence
	s.Pending = u.pending
	return s
}

// SetEnabled starts or stops capture. Both directions are idempotent.
func (u *Uploader) SetEnabled(on bool) {
	if on {
		u.start()
		return
	}
	u.stop()
}

// Abort cancels every upload still in flight. Unlike the other methods it
// may be called from any goroutine.
func (u *Uploader) Abort() {
	u.cancel()
}

// Wait blocks until every upload already dispatched has finished or ctx
// ends. Call it after disabling the uploader; it may run on any goroutine.
func (u *Uploader) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		u.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *Uploader) start() {
	if u.enabled {
		return
	}
	if u.fatal {
		u.log.Debug("not starting capture after permission failure")
		return
	}
	if !u.open() {
		return
	}
	u.enabled = true
	u.log.Info("audio capture started", zap.Duration("chunk_duration", u.opts.ChunkDuration))
}

func (u *Uploader) open() bool {
	c, err := u.rec.Start(u.ctx)
	if err != nil {
		u.captureFailed(err)
		return false
	}
	u.capture = c
	u.armWindow()
	return true
}

func (u *Uploader) stop() {
	if !u.enabled && u.capture == nil {
		return
	}
	u.enabled = false
	u.cancelWindow()
	if u.capture != nil {
		u.flush()
	}
	for seq, t := range u.retries {
		t.Stop()
		delete(u.retries, seq)
		u.pending--
		u.abandon(seq, u.offset(seq), errors.New("uploader stopped before retry"))
	}
	u.log.Info("audio capture stopped", zap.Int("chunks", u.sequence))
}

func (u *Uploader) armWindow() {
	u.cancelWindow()
	id := u.windowID
	u.window = u.opts.Clock.AfterFunc(u.opts.ChunkDuration, func() {
		u.disp.Post(func() { u.rotate(id) })
	})
}

func (u *Uploader) cancelWindow() {
	if u.window != nil {
		u.window.Stop()
		u.window = nil
	}
	u.windowID++
}

// rotate closes the current window and opens the next one.
func (u *Uploader) rotate(id uint64) {
	if id != u.windowID || !u.enabled {
		return
	}
	u.window = nil
	if u.flush() && u.enabled {
		u.open()
	}
}

// flush stops the capture handle and emits its audio as the next chunk. It
// reports false when the capture failed and the uploader was disabled.
func (u *Uploader) flush() bool {
	c := u.capture
	u.capture = nil
	data, err := c.Stop()
	if err != nil {
		u.captureFailed(err)
		// the window still elapsed, so its sequence number is used up
		u.sequence++
		return false
	}
	u.emit(data)
	return true
}

func (u *Uploader) offset(seq int) float64 {
	return float64(seq) * u.opts.ChunkDuration.Seconds()
}

func (u *Uploader) emit(data []byte) {
	seq := u.sequence
	u.sequence++
	if len(data) < u.opts.MinChunkBytes {
		u.stats.Skipped++
		u.opts.Metrics.ChunkSkipped()
		u.log.Debug("skipping small chunk", zap.Int("sequence", seq), zap.Int("size", len(data)))
		u.events.Publish(Event{Kind: ChunkSkipped, Sequence: seq, Offset: u.offset(seq), Size: len(data)})
		return
	}
	chunk := models.AudioChunk{
		ID:       uuid.NewString(),
		Sequence: seq,
		Offset:   u.offset(seq),
		Data:     data,
	}
	u.pending++
	u.upload(chunk, 0)
}

func (u *Uploader) upload(chunk models.AudioChunk, attempt int) {
	u.inflight.Add(1)
	sender, opts, ctx := u.sender, u.opts, u.ctx
	go func() {
		defer u.inflight.Done()
		started := time.Now()
		uctx, cancel := context.WithTimeout(ctx, opts.UploadTimeout)
		err := sender.UploadChunk(uctx, opts.MeetingID, opts.Participant, chunk)
		cancel()
		elapsed := time.Since(started)
		u.disp.Post(func() { u.uploaded(chunk, attempt, err, elapsed) })
	}()
}

func (u *Uploader) uploaded(chunk models.AudioChunk, attempt int, err error, elapsed time.Duration) {
	if err == nil {
		u.pending--
		u.stats.Uploaded++
		u.opts.Metrics.ChunkUploaded(len(chunk.Data), elapsed.Seconds())
		u.log.Debug("chunk uploaded", zap.Int("sequence", chunk.Sequence), zap.Int("size", len(chunk.Data)), zap.Duration("elapsed", elapsed))
		u.events.Publish(Event{Kind: ChunkUploaded, Sequence: chunk.Sequence, Offset: chunk.Offset, Size: len(chunk.Data)})
		return
	}
	if attempt > 0 || !u.enabled {
		u.pending--
		u.abandon(chunk.Sequence, chunk.Offset, err)
		return
	}

	u.stats.Retried++
	u.opts.Metrics.ChunkRetried()
	u.log.Warn("chunk upload failed, retrying", zap.Int("sequence", chunk.Sequence), zap.Duration("delay", u.opts.RetryDelay), zap.Error(err))
	seq := chunk.Sequence
	u.retries[seq] = u.opts.Clock.AfterFunc(u.opts.RetryDelay, func() {
		u.disp.Post(func() {
			if _, ok := u.retries[seq]; !ok {
				return
			}
			delete(u.retries, seq)
			u.upload(chunk, attempt+1)
		})
	})
	u.events.Publish(Event{Kind: ChunkRetrying, Sequence: chunk.Sequence, Offset: chunk.Offset, Size: len(chunk.Data), Err: err})
}

func (u *Uploader) abandon(seq int, offset float64, err error) {
	u.stats.Failed++
	u.opts.Metrics.ChunkAbandoned()
	u.log.Warn("chunk abandoned", zap.Int("sequence", seq), zap.Error(err))
	u.events.Publish(Event{Kind: ChunkAbandoned, Sequence: seq, Offset: offset, Err: err})
}

func (u *Uploader) captureFailed(err error) {
	if errors.Is(err, ErrPermissionDenied) {
		u.fatal = true
		u.log.Error("microphone access denied", zap.Error(err))
	} else {
		u.log.Warn("audio capture failed", zap.Error(err))
	}
	u.enabled = false
	u.cancelWindow()
	u.events.Publish(Event{Kind: CaptureFailed, Err: err})
}
