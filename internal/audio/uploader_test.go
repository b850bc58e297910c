package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Vasu1712/meetsync/internal/hub"
	"github.com/Vasu1712/meetsync/internal/metrics"
	"github.com/Vasu1712/meetsync/internal/models"
	"github.com/Vasu1712/meetsync/internal/testfixtures"
)

type fakeRecorder struct {
	mu       sync.Mutex
	sizes    []int
	startErr error
	stopErr  error
	starts   int
	open     int
}

func (r *fakeRecorder) Start(context.Context) (Capture, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	if r.startErr != nil {
		return nil, r.startErr
	}
	r.open++
	return &fakeCapture{r: r}, nil
}

type fakeCapture struct {
	r *fakeRecorder
}

func (c *fakeCapture) Stop() ([]byte, error) {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	c.r.open--
	if c.r.stopErr != nil {
		return nil, c.r.stopErr
	}
	size := 4000
	if len(c.r.sizes) > 0 {
		size = c.r.sizes[0]
		c.r.sizes = c.r.sizes[1:]
	}
	return make([]byte, size), nil
}

type upload struct {
	chunk   models.AudioChunk
	attempt int
}

type fakeSender struct {
	mu       sync.Mutex
	failures map[int]int
	attempts map[int]int
	calls    []upload
}

func newFakeSender() *fakeSender {
	return &fakeSender{failures: map[int]int{}, attempts: map[int]int{}}
}

func (s *fakeSender) UploadChunk(_ context.Context, meetingID, participant string, chunk models.AudioChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, upload{chunk: chunk, attempt: s.attempts[chunk.Sequence]})
	s.attempts[chunk.Sequence]++
	if s.failures[chunk.Sequence] > 0 {
		s.failures[chunk.Sequence]--
		return fmt.Errorf("upload %d: network unreachable", chunk.Sequence)
	}
	return nil
}

func (s *fakeSender) Calls() []upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]upload(nil), s.calls...)
}

type uploaderFixture struct {
	loop    *hub.Loop
	clk     *testfixtures.Clock
	rec     *fakeRecorder
	sender  *fakeSender
	up      *Uploader
	events  chan Event
	metrics *metrics.Metrics
}

func newUploaderFixture(t *testing.T) *uploaderFixture {
	t.Helper()
	f := &uploaderFixture{
		loop:    testfixtures.StartLoop(t),
		clk:     testfixtures.NewClock(time.Time{}),
		rec:     &fakeRecorder{},
		sender:  newFakeSender(),
		events:  make(chan Event, 64),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	f.up = NewUploader(f.loop, f.rec, f.sender, Options{
		MeetingID:   "m1",
		Participant: "Ana",
		Clock:       f.clk,
		Metrics:     f.metrics,
	})
	testfixtures.Sync(t, f.loop, func() {
		f.up.Subscribe(func(e Event) { f.events <- e })
	})
	return f
}

func (f *uploaderFixture) set(t *testing.T, on bool) {
	t.Helper()
	testfixtures.Sync(t, f.loop, func() { f.up.SetEnabled(on) })
}

func (f *uploaderFixture) next(t *testing.T, want EventKind) Event {
	t.Helper()
	e := testfixtures.Receive(t, f.events, want.String())
	if e.Kind != want {
		t.Fatalf("expected %s event, got %s (seq %d, err %v)", want, e.Kind, e.Sequence, e.Err)
	}
	return e
}

func (f *uploaderFixture) stats(t *testing.T) Stats {
	t.Helper()
	var s Stats
	testfixtures.Sync(t, f.loop, func() { s = f.up.Stats() })
	return s
}

func TestUploader_SequencingAcrossFailures(t *testing.T) {
	f := newUploaderFixture(t)
	f.sender.failures[1] = 1
	f.sender.failures[2] = 2
	f.rec.sizes = []int{4000, 4000, 4000, 2500}

	f.set(t, true)

	f.clk.Advance(20 * time.Second)
	if e := f.next(t, ChunkUploaded); e.Sequence != 0 || e.Offset != 0 {
		t.Fatalf("unexpected first chunk: %+v", e)
	}

	f.clk.Advance(20 * time.Second)
	f.next(t, ChunkRetrying)
	f.clk.Advance(2 * time.Second)
	if e := f.next(t, ChunkUploaded); e.Sequence != 1 || e.Offset != 20 {
		t.Fatalf("unexpected retried chunk: %+v", e)
	}

	f.clk.Advance(18 * time.Second)
	f.next(t, ChunkRetrying)
	f.clk.Advance(2 * time.Second)
	if e := f.next(t, ChunkAbandoned); e.Sequence != 2 || e.Offset != 40 {
		t.Fatalf("unexpected abandoned chunk: %+v", e)
	}

	f.set(t, false)
	if e := f.next(t, ChunkUploaded); e.Sequence != 3 || e.Offset != 60 || e.Size != 2500 {
		t.Fatalf("unexpected final partial chunk: %+v", e)
	}
	if err := f.up.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	var firstAttempts []int
	for _, c := range f.sender.Calls() {
		if c.chunk.Offset != float64(c.chunk.Sequence)*20 {
			t.Fatalf("offset mismatch for sequence %d: %v", c.chunk.Sequence, c.chunk.Offset)
		}
		if c.attempt == 0 {
			firstAttempts = append(firstAttempts, c.chunk.Sequence)
		}
		if c.attempt > 1 {
			t.Fatalf("chunk %d uploaded more than twice", c.chunk.Sequence)
		}
	}
	for i, seq := range firstAttempts {
		if seq != i {
			t.Fatalf("expected sequences 0..3 in order, got %v", firstAttempts)
		}
	}
	if len(firstAttempts) != 4 {
		t.Fatalf("expected 4 chunks, got %v", firstAttempts)
	}

	st := f.stats(t)
	if st.Uploaded != 3 || st.Retried != 2 || st.Failed != 1 || st.NextSequence != 4 || st.Pending != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if got := testutil.ToFloat64(f.metrics.ChunkUploadFailures); got != 1 {
		t.Fatalf("expected failure counter 1, got %v", got)
	}
	if f.rec.open != 0 {
		t.Fatalf("capture handles left open: %d", f.rec.open)
	}
}

func TestUploader_SmallChunkIsNotUploaded(t *testing.T) {
	f := newUploaderFixture(t)
	f.rec.sizes = []int{50, 4000}
	f.set(t, true)

	f.clk.Advance(20 * time.Second)
	if e := f.next(t, ChunkSkipped); e.Sequence != 0 || e.Size != 50 {
		t.Fatalf("unexpected skip event: %+v", e)
	}
	f.clk.Advance(20 * time.Second)
	if e := f.next(t, ChunkUploaded); e.Sequence != 1 || e.Offset != 20 {
		t.Fatalf("small chunk must still consume its sequence number: %+v", e)
	}

	calls := f.sender.Calls()
	if len(calls) != 1 || calls[0].chunk.Sequence != 1 {
		t.Fatalf("expected one upload for sequence 1, got %+v", calls)
	}
	if got := testutil.ToFloat64(f.metrics.ChunksSkipped); got != 1 {
		t.Fatalf("expected skipped counter 1, got %v", got)
	}
}

func TestUploader_StopCancelsPendingRetry(t *testing.T) {
	f := newUploaderFixture(t)
	f.sender.failures[0] = 1
	f.rec.sizes = []int{4000, 10}
	f.set(t, true)

	f.clk.Advance(20 * time.Second)
	f.next(t, ChunkRetrying)

	f.set(t, false)
	f.next(t, ChunkSkipped)
	if e := f.next(t, ChunkAbandoned); e.Sequence != 0 {
		t.Fatalf("expected pending retry of chunk 0 abandoned, got %+v", e)
	}
	if n := f.clk.Pending(); n != 0 {
		t.Fatalf("expected no timers after stop, got %d", n)
	}
	f.clk.Advance(time.Minute)
	testfixtures.Sync(t, f.loop, nil)
	if calls := f.sender.Calls(); len(calls) != 1 {
		t.Fatalf("retry must not run after stop, got %d calls", len(calls))
	}
}

func TestUploader_StopIsIdempotent(t *testing.T) {
	f := newUploaderFixture(t)
	f.set(t, true)
	f.set(t, true)
	if f.rec.starts != 1 {
		t.Fatalf("enabling twice must open one capture, got %d", f.rec.starts)
	}
	f.set(t, false)
	f.set(t, false)
	f.next(t, ChunkUploaded)
	if err := f.up.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if calls := f.sender.Calls(); len(calls) != 1 {
		t.Fatalf("expected exactly one flushed chunk, got %d", len(calls))
	}

	f.set(t, true)
	f.set(t, false)
	if e := f.next(t, ChunkUploaded); e.Sequence != 1 {
		t.Fatalf("sequence must continue after restart, got %d", e.Sequence)
	}
}

func TestUploader_PermissionDeniedIsFatal(t *testing.T) {
	f := newUploaderFixture(t)
	f.rec.startErr = fmt.Errorf("open device: %w", ErrPermissionDenied)

	f.set(t, true)
	e := f.next(t, CaptureFailed)
	if !errors.Is(e.Err, ErrPermissionDenied) {
		t.Fatalf("expected permission error, got %v", e.Err)
	}
	testfixtures.Sync(t, f.loop, func() {
		if f.up.Enabled() {
			t.Errorf("uploader must be disabled after permission failure")
		}
	})

	f.rec.startErr = nil
	f.set(t, true)
	if f.rec.starts != 1 {
		t.Fatalf("capture must not be retried after permission failure, got %d starts", f.rec.starts)
	}
	if f.clk.Pending() != 0 {
		t.Fatalf("no window timer expected")
	}
}

func TestUploader_CaptureStopFailure(t *testing.T) {
	f := newUploaderFixture(t)
	f.set(t, true)
	f.rec.mu.Lock()
	f.rec.stopErr = errors.New("device unplugged")
	f.rec.mu.Unlock()

	f.clk.Advance(20 * time.Second)
	f.next(t, CaptureFailed)
	st := f.stats(t)
	if st.NextSequence != 1 {
		t.Fatalf("failed window must consume its sequence, got %+v", st)
	}
	testfixtures.Sync(t, f.loop, func() {
		if f.up.Enabled() {
			t.Errorf("uploader must stop after a capture failure")
		}
	})
}
