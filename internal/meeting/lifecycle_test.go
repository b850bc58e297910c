package meeting

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Vasu1712/meetsync/internal/audio"
	"github.com/Vasu1712/meetsync/internal/hub"
	"github.com/Vasu1712/meetsync/internal/models"
	"github.com/Vasu1712/meetsync/internal/storage/memory"
	"github.com/Vasu1712/meetsync/internal/testfixtures"
	"github.com/Vasu1712/meetsync/internal/ws"
)

type fakeBackend struct {
	mu         sync.Mutex
	joins      int
	joinErr    error
	ends       int
	transcript models.Transcript
	roster     []models.RosterEntry

	uploadDelay time.Duration
	uploads     []error
}

func (b *fakeBackend) JoinMeeting(_ context.Context, meetingID, name string) (*models.JoinResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joins++
	if b.joinErr != nil {
		return nil, b.joinErr
	}
	return &models.JoinResult{ParticipantID: "p-1", Status: "waiting_for_approval"}, nil
}

func (b *fakeBackend) EndMeeting(context.Context, string) (*models.EndResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ends++
	return &models.EndResult{Status: "processing"}, nil
}

func (b *fakeBackend) GetTranscript(_ context.Context, meetingID string) (*models.Transcript, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tr := b.transcript
	tr.MeetingID = meetingID
	return &tr, nil
}

func (b *fakeBackend) Participants(context.Context, string) ([]models.RosterEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.RosterEntry(nil), b.roster...), nil
}

func (b *fakeBackend) UploadChunk(ctx context.Context, _, _ string, chunk models.AudioChunk) error {
	var err error
	select {
	case <-time.After(b.uploadDelay):
	case <-ctx.Done():
		err = ctx.Err()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploads = append(b.uploads, err)
	return err
}

type steadyRecorder struct{ size int }

func (r steadyRecorder) Start(context.Context) (audio.Capture, error) {
	return steadyCapture(r), nil
}

type steadyCapture struct{ size int }

func (c steadyCapture) Stop() ([]byte, error) { return make([]byte, c.size), nil }

type deniedRecorder struct{}

func (deniedRecorder) Start(context.Context) (audio.Capture, error) {
	return nil, audio.ErrPermissionDenied
}

type harness struct {
	loop    *hub.Loop
	clk     *testfixtures.Clock
	tr      *testfixtures.Transport
	backend *fakeBackend
	l       *Lifecycle
	notices chan Notice
}

func newHarness(t *testing.T, role Role, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		loop:    testfixtures.StartLoop(t),
		clk:     testfixtures.NewClock(time.Time{}),
		tr:      testfixtures.NewTransport(),
		backend: &fakeBackend{},
		notices: make(chan Notice, 32),
	}
	opts := Options{
		MeetingID: "m1",
		Name:      "Ana",
		Role:      role,
		WSBase:    "http://backend",
		Socket:    ws.Options{Dialer: h.tr},
		Clock:     h.clk,
	}
	if mutate != nil {
		mutate(&opts)
	}
	testfixtures.Sync(t, h.loop, func() {
		l, err := New(h.loop, h.backend, opts)
		if err != nil {
			t.Errorf("New: %v", err)
			return
		}
		h.l = l
		l.Notices(func(n Notice) { h.notices <- n })
	})
	if h.l == nil {
		t.FailNow()
	}
	return h
}

func (h *harness) do(t *testing.T, fn func(l *Lifecycle)) {
	t.Helper()
	testfixtures.Sync(t, h.loop, func() { fn(h.l) })
}

func (h *harness) state(t *testing.T) State {
	t.Helper()
	var s State
	h.do(t, func(l *Lifecycle) { s = l.Snapshot() })
	return s
}

func (h *harness) eventually(t *testing.T, what string, cond func(l *Lifecycle) bool) {
	t.Helper()
	deadline := time.Now().Add(testfixtures.WaitTimeout)
	for {
		var ok bool
		h.do(t, func(l *Lifecycle) { ok = cond(l) })
		if ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; state %+v", what, h.state(t))
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) waitStatus(t *testing.T, want Status) {
	t.Helper()
	h.eventually(t, "status "+want.String(), func(l *Lifecycle) bool { return l.state.Status == want })
}

// dials collects n dial attempts keyed by channel.
func (h *harness) dials(t *testing.T, n int) map[string]*testfixtures.Conn {
	t.Helper()
	out := make(map[string]*testfixtures.Conn)
	for i := 0; i < n; i++ {
		c := h.tr.NextDial(t)
		if c == nil {
			t.Fatalf("unexpected failed dial")
		}
		for _, ch := range []string{"meeting", "transcript", "lobby"} {
			if strings.Contains(c.URL, "/ws/"+ch+"/") {
				out[ch] = c
			}
		}
	}
	return out
}

func (h *harness) notice(t *testing.T, level Level) Notice {
	t.Helper()
	for {
		n := testfixtures.Receive(t, h.notices, "notice")
		if n.Level == level {
			return n
		}
	}
}

func TestParticipantLifecycle(t *testing.T) {
	h := newHarness(t, RoleParticipant, nil)
	h.backend.transcript.Segments = []models.Segment{
		{ID: "s2", Speaker: "Bo", Text: "later", Start: 4},
		{ID: "s1", Speaker: "Ana", Text: "first", Start: 1},
	}

	h.do(t, func(l *Lifecycle) {
		if err := l.Join(); err != nil {
			t.Errorf("Join: %v", err)
		}
		if l.state.Status != StatusJoining {
			t.Errorf("status = %s, want joining", l.state.Status)
		}
	})

	lobbyConn := h.tr.NextDial(t)
	if !strings.Contains(lobbyConn.URL, "ws://backend/ws/lobby/m1") || !strings.Contains(lobbyConn.URL, "participant_id=p-1") {
		t.Fatalf("unexpected lobby url %s", lobbyConn.URL)
	}
	lobbyConn.Push(t, map[string]any{"type": "waiting", "position": 2})
	h.eventually(t, "queue position", func(l *Lifecycle) bool {
		return l.state.Admission != nil && l.state.Admission.Position == 2
	})
	if s := h.state(t); s.Status != StatusJoining || s.ParticipantID != "p-1" {
		t.Fatalf("unexpected state while waiting: %+v", s)
	}

	lobbyConn.Push(t, map[string]any{"type": "approved", "token": "opaque", "room_id": "r1", "livekit_url": "wss://media"})
	h.waitStatus(t, StatusActive)
	conns := h.dials(t, 2)
	if conns["meeting"] == nil || conns["transcript"] == nil {
		t.Fatalf("expected meeting and transcript channels, got %v", h.tr.URLs())
	}

	hello := conns["meeting"].NextWrite(t)
	data, _ := hello["data"].(map[string]any)
	if hello["type"] != "participant_joined" || data["name"] != "Ana" || data["id"] != "p-1" {
		t.Fatalf("unexpected announce frame %v", hello)
	}

	h.eventually(t, "transcript snapshot", func(l *Lifecycle) bool { return len(l.Transcript().Segments()) == 2 })
	h.do(t, func(l *Lifecycle) {
		if segs := l.Transcript().Segments(); segs[0].ID != "s1" {
			t.Errorf("timeline not sorted: %+v", segs)
		}
	})

	h.clk.Advance(time.Second)
	h.do(t, func(l *Lifecycle) {})
	if got := h.state(t).Elapsed; got != time.Second {
		t.Fatalf("elapsed = %v, want 1s", got)
	}

	conns["meeting"].Push(t, map[string]any{"type": "meeting_ended", "data": map[string]any{}})
	h.waitStatus(t, StatusProcessing)
	h.clk.Advance(5 * time.Second)
	if got := h.state(t).Elapsed; got != time.Second {
		t.Fatalf("elapsed kept running after the meeting ended: %v", got)
	}

	conns["meeting"].Push(t, map[string]any{"type": "processing_progress", "data": map[string]any{"step": 2, "total_steps": 5, "current_step_name": "Summarizing"}})
	h.eventually(t, "progress", func(l *Lifecycle) bool {
		return l.state.Processing != nil && l.state.Processing.Step == 2
	})

	conns["meeting"].Push(t, map[string]any{"type": "processing_completed", "data": map[string]any{"summary_id": "sum-1", "task_count": 3}})
	h.waitStatus(t, StatusEnded)
	s := h.state(t)
	if s.Processing.SummaryID != "sum-1" || s.Processing.TaskCount != 3 || s.Processing.Step != 5 {
		t.Fatalf("unexpected processing state %+v", s.Processing)
	}
	conns["meeting"].WaitClosed(t)
	conns["transcript"].WaitClosed(t)
}

func TestParticipantDeclinedAndRetry(t *testing.T) {
	h := newHarness(t, RoleParticipant, nil)
	h.do(t, func(l *Lifecycle) { _ = l.Join() })

	lobbyConn := h.tr.NextDial(t)
	lobbyConn.Push(t, map[string]any{"type": "declined", "reason": "room is full"})
	h.waitStatus(t, StatusIdle)

	n := h.notice(t, LevelError)
	if n.Source != "lobby" || !strings.Contains(n.Message, "room is full") {
		t.Fatalf("unexpected notice %+v", n)
	}

	h.do(t, func(l *Lifecycle) {
		if err := l.Retry(); err != nil {
			t.Errorf("Retry: %v", err)
		}
		if l.state.Status != StatusJoining {
			t.Errorf("status = %s, want joining", l.state.Status)
		}
	})
	if c := h.tr.NextDial(t); c == nil || !strings.Contains(c.URL, "/ws/lobby/m1") {
		t.Fatalf("retry should reopen the lobby")
	}
	h.backend.mu.Lock()
	joins := h.backend.joins
	h.backend.mu.Unlock()
	if joins != 2 {
		t.Fatalf("expected a second join request, got %d", joins)
	}
}

func TestJoinRequestFailure(t *testing.T) {
	h := newHarness(t, RoleParticipant, nil)
	h.backend.joinErr = errors.New("meeting is not accepting participants")
	h.do(t, func(l *Lifecycle) { _ = l.Join() })

	h.waitStatus(t, StatusIdle)
	if n := h.notice(t, LevelError); !strings.Contains(n.Message, "not accepting") {
		t.Fatalf("unexpected notice %+v", n)
	}
	h.do(t, func(l *Lifecycle) {
		if err := l.Retry(); err == nil {
			t.Errorf("nothing should be retried without a lobby outcome")
		}
		if err := l.Join(); err != nil {
			t.Errorf("Join should be allowed again: %v", err)
		}
	})
}

func TestLeaveWhileWaiting(t *testing.T) {
	h := newHarness(t, RoleParticipant, nil)
	h.do(t, func(l *Lifecycle) { _ = l.Join() })
	lobbyConn := h.tr.NextDial(t)

	h.do(t, func(l *Lifecycle) { l.Leave() })
	if s := h.state(t); s.Status != StatusIdle {
		t.Fatalf("status = %s, want idle", s.Status)
	}
	h.eventually(t, "lobby closed", func(*Lifecycle) bool { return lobbyConn.IsClosed() })

	// a late approval for the abandoned request is ignored
	lobbyConn.Push(t, map[string]any{"type": "approved", "token": "x"})
	if s := h.state(t); s.Status != StatusIdle {
		t.Fatalf("status = %s after late approval", s.Status)
	}
}

func TestHostLifecycle(t *testing.T) {
	h := newHarness(t, RoleHost, nil)
	h.do(t, func(l *Lifecycle) {
		if err := l.Join(); err != nil {
			t.Errorf("Join: %v", err)
		}
		if l.state.Status != StatusActive {
			t.Errorf("host should be active at once, got %s", l.state.Status)
		}
	})
	conns := h.dials(t, 3)
	if conns["lobby"] == nil || !strings.Contains(conns["lobby"].URL, "role=host") {
		t.Fatalf("expected host lobby channel, got %v", h.tr.URLs())
	}
	h.eventually(t, "lobby connected", func(l *Lifecycle) bool {
		return l.state.Connections["lobby"] == ws.StatusConnected
	})

	conns["lobby"].Push(t, map[string]any{"type": "waiting_list", "participants": []map[string]any{
		{"id": "p1", "name": "Bo", "timestamp": "2024-05-01T09:00:00Z"},
		{"id": "p2", "name": "Cy", "timestamp": "2024-05-01T09:00:01Z"},
	}})
	h.eventually(t, "waiting list", func(l *Lifecycle) bool { return len(l.state.Waiting) == 2 })

	h.do(t, func(l *Lifecycle) {
		if err := l.Approve("p1"); err != nil {
			t.Errorf("Approve: %v", err)
		}
		if len(l.state.Waiting) != 1 || l.state.Waiting[0].ID != "p2" {
			t.Errorf("approved participant should leave the list: %+v", l.state.Waiting)
		}
	})
	frame := conns["lobby"].NextWrite(t)
	if frame["type"] != "approve" || frame["participant_id"] != "p1" {
		t.Fatalf("unexpected decision frame %v", frame)
	}

	h.do(t, func(l *Lifecycle) {
		if err := l.End(); err != nil {
			t.Errorf("End: %v", err)
		}
	})
	h.waitStatus(t, StatusProcessing)
	h.backend.mu.Lock()
	ends := h.backend.ends
	h.backend.mu.Unlock()
	if ends != 1 {
		t.Fatalf("expected one end request, got %d", ends)
	}
	conns["lobby"].WaitClosed(t)
	if conns["meeting"].IsClosed() {
		t.Fatalf("meeting channel must stay open for processing events")
	}
}

func TestParticipantCannotAdminister(t *testing.T) {
	h := newHarness(t, RoleParticipant, nil)
	h.do(t, func(l *Lifecycle) {
		if err := l.End(); !errors.Is(err, ErrNotHost) {
			t.Errorf("End = %v, want ErrNotHost", err)
		}
		if err := l.Approve("p1"); !errors.Is(err, ErrNotHost) {
			t.Errorf("Approve = %v, want ErrNotHost", err)
		}
		if err := l.SetScreenShare(true); !errors.Is(err, ErrNotActive) {
			t.Errorf("SetScreenShare = %v, want ErrNotActive", err)
		}
	})
}

func TestMeetingEvents(t *testing.T) {
	h := newHarness(t, RoleHost, nil)
	h.do(t, func(l *Lifecycle) { _ = l.Join() })
	conns := h.dials(t, 3)
	meeting := conns["meeting"]
	if hello := meeting.NextWrite(t); hello["type"] != "participant_joined" {
		t.Fatalf("expected announce, got %v", hello)
	}

	meeting.Push(t, map[string]any{"type": "participant_joined", "data": map[string]any{"id": "p2", "name": "Bo"}})
	h.eventually(t, "roster join", func(l *Lifecycle) bool { return len(l.state.Roster) == 1 })
	meeting.Push(t, map[string]any{"type": "participant_joined", "data": map[string]any{"id": "p2", "name": "Bo"}})
	meeting.Push(t, map[string]any{"type": "recording_started", "data": map[string]any{}})
	h.eventually(t, "recording", func(l *Lifecycle) bool { return l.state.Recording })
	if s := h.state(t); len(s.Roster) != 1 {
		t.Fatalf("repeated join should not duplicate the roster: %+v", s.Roster)
	}

	meeting.Push(t, map[string]any{"type": "participant_left", "data": map[string]any{"id": "p2", "name": "Bo"}})
	h.eventually(t, "roster leave", func(l *Lifecycle) bool { return len(l.state.Roster) == 0 })

	meeting.Push(t, map[string]any{"type": "screen_share_started", "data": map[string]any{"participant_name": "Bo"}})
	h.eventually(t, "presenter", func(l *Lifecycle) bool { return l.state.Presenter == "Bo" })
	meeting.Push(t, map[string]any{"type": "screen_share_stopped", "data": map[string]any{}})
	h.eventually(t, "presenter cleared", func(l *Lifecycle) bool { return l.state.Presenter == "" })

	h.do(t, func(l *Lifecycle) {
		if err := l.SetScreenShare(true); err != nil {
			t.Errorf("SetScreenShare: %v", err)
		}
	})
	if f := meeting.NextWrite(t); f["type"] != "screen_share_started" || f["participant_name"] != "Ana" {
		t.Fatalf("unexpected share frame %v", f)
	}
	if !h.state(t).SharingLocal {
		t.Fatalf("local share flag not set")
	}

	meeting.Push(t, map[string]any{"type": "meeting_ending", "data": map[string]any{"countdown_seconds": 10}})
	if n := h.notice(t, LevelInfo); !strings.Contains(n.Message, "10 seconds") {
		t.Fatalf("unexpected notice %+v", n)
	}
	meeting.Push(t, map[string]any{"type": "error", "data": map[string]any{"message": "recording failed"}})
	if n := h.notice(t, LevelError); n.Message != "recording failed" || n.Source != "meeting" {
		t.Fatalf("unexpected notice %+v", n)
	}
}

func TestElapsedTimer(t *testing.T) {
	h := newHarness(t, RoleHost, nil)
	h.do(t, func(l *Lifecycle) { _ = l.Join() })
	h.dials(t, 3)

	for i := 1; i <= 3; i++ {
		h.clk.Advance(time.Second)
		if got := h.state(t).Elapsed; got != time.Duration(i)*time.Second {
			t.Fatalf("tick %d: elapsed = %v", i, got)
		}
	}

	h.do(t, func(l *Lifecycle) { l.Leave() })
	s := h.state(t)
	if s.Status != StatusEnded || s.Elapsed != 3*time.Second {
		t.Fatalf("unexpected state after leave: %s %v", s.Status, s.Elapsed)
	}
	if n := h.clk.Pending(); n != 0 {
		t.Fatalf("expected no armed timers after leaving, got %d", n)
	}
}

func TestMicrophoneDeniedNotice(t *testing.T) {
	h := newHarness(t, RoleHost, func(o *Options) { o.Recorder = deniedRecorder{} })
	h.do(t, func(l *Lifecycle) { _ = l.Join() })

	n := h.notice(t, LevelError)
	if n.Source != "audio" || !strings.Contains(n.Message, "Microphone") {
		t.Fatalf("unexpected notice %+v", n)
	}
	if s := h.state(t); s.Status != StatusActive {
		t.Fatalf("a denied microphone must not end the meeting, got %s", s.Status)
	}
}

func TestTranscriptStore(t *testing.T) {
	store := memory.NewTranscriptStore()
	_ = store.SaveSegment(context.Background(), "m1", models.Segment{ID: "stored", Speaker: "Ana", Text: "kept", Start: 1})

	h := newHarness(t, RoleHost, func(o *Options) { o.Store = store })
	h.backend.transcript.Segments = []models.Segment{{ID: "remote", Speaker: "Bo", Text: "from backend", Start: 0.5}}

	h.do(t, func(l *Lifecycle) { _ = l.Join() })
	conns := h.dials(t, 3)
	h.eventually(t, "restored timeline", func(l *Lifecycle) bool { return len(l.Transcript().Segments()) == 2 })

	conns["transcript"].Push(t, map[string]any{"type": "segment", "segment": map[string]any{
		"id": "live", "speaker_name": "Bo", "text": "new", "start_time": 3.0, "end_time": 4.0,
	}})
	h.eventually(t, "live segment", func(l *Lifecycle) bool { return len(l.Transcript().Segments()) == 3 })

	ctx, cancel := context.WithTimeout(context.Background(), testfixtures.WaitTimeout)
	defer cancel()
	if err := h.l.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	segs, _ := store.Segments(context.Background(), "m1")
	if len(segs) != 3 || segs[0].ID != "remote" || segs[2].ID != "live" {
		t.Fatalf("unexpected stored transcript %+v", segs)
	}
	if s := h.state(t); s.Status != StatusEnded {
		t.Fatalf("status = %s after shutdown", s.Status)
	}
}

func TestShutdownUploadsFinalChunk(t *testing.T) {
	h := newHarness(t, RoleHost, func(o *Options) { o.Recorder = steadyRecorder{size: 5000} })
	h.backend.uploadDelay = 100 * time.Millisecond

	h.do(t, func(l *Lifecycle) { _ = l.Join() })
	h.dials(t, 3)
	h.do(t, func(l *Lifecycle) { l.Leave() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.l.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := h.l.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}

	h.backend.mu.Lock()
	defer h.backend.mu.Unlock()
	if len(h.backend.uploads) != 1 || h.backend.uploads[0] != nil {
		t.Fatalf("final chunk upload results = %v, want one success", h.backend.uploads)
	}
}

func TestLeaveAnnouncesDeparture(t *testing.T) {
	h := newHarness(t, RoleHost, nil)
	h.do(t, func(l *Lifecycle) { _ = l.Join() })
	conns := h.dials(t, 3)
	h.eventually(t, "meeting connected", func(l *Lifecycle) bool {
		return l.state.Connections["meeting"] == ws.StatusConnected
	})
	if frame := conns["meeting"].NextWrite(t); frame["type"] != "participant_joined" {
		t.Fatalf("expected join announcement, got %v", frame)
	}

	h.do(t, func(l *Lifecycle) { l.Leave() })
	conns["meeting"].WaitClosed(t)
	frame := conns["meeting"].NextWrite(t)
	if frame["type"] != "participant_left" {
		t.Fatalf("expected departure frame before close, got %v", frame)
	}
	data, _ := frame["data"].(map[string]any)
	if data["name"] != "Ana" {
		t.Fatalf("unexpected departure payload %v", frame)
	}
}
