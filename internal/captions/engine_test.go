package captions

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Vasu1712/meetsync/internal/hub"
	"github.com/Vasu1712/meetsync/internal/models"
	"github.com/Vasu1712/meetsync/internal/testfixtures"
)

type fakeRecognizer struct {
	mu       sync.Mutex
	sessions []Events
	stops    int
	startErr error
}

func (r *fakeRecognizer) Start(ev Events) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.sessions = append(r.sessions, ev)
	return nil
}

func (r *fakeRecognizer) Stop() {
	r.mu.Lock()
	r.stops++
	r.mu.Unlock()
}

func (r *fakeRecognizer) starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *fakeRecognizer) session(t *testing.T, i int) Events {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if i >= len(r.sessions) {
		t.Fatalf("session %d was never started (%d sessions)", i, len(r.sessions))
	}
	return r.sessions[i]
}

type engineFixture struct {
	loop    *hub.Loop
	clk     *testfixtures.Clock
	rec     *fakeRecognizer
	engine  *Engine
	sunk    chan models.CaptionEntry
	updates chan Update
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		loop:    testfixtures.StartLoop(t),
		clk:     testfixtures.NewClock(time.Time{}),
		rec:     &fakeRecognizer{},
		sunk:    make(chan models.CaptionEntry, 128),
		updates: make(chan Update, 256),
	}
	f.engine = NewEngine(f.loop, f.rec, func(e models.CaptionEntry) { f.sunk <- e }, Options{Speaker: "Ana", Clock: f.clk})
	testfixtures.Sync(t, f.loop, func() {
		f.engine.Subscribe(func(u Update) { f.updates <- u })
	})
	return f
}

func (f *engineFixture) do(t *testing.T, fn func(e *Engine)) {
	t.Helper()
	testfixtures.Sync(t, f.loop, func() { fn(f.engine) })
}

func (f *engineFixture) status(t *testing.T) Status {
	t.Helper()
	var s Status
	f.do(t, func(e *Engine) { s = e.Status() })
	return s
}

func TestEngine_InterimAndFinal(t *testing.T) {
	f := newEngineFixture(t)
	f.do(t, func(e *Engine) { e.Start() })
	ev := f.rec.session(t, 0)

	ev.OnResult(Result{Text: "hel"})
	ev.OnResult(Result{Text: "hello wor"})
	testfixtures.Sync(t, f.loop, nil)
	f.do(t, func(e *Engine) {
		if e.Current() != "hello wor" {
			t.Errorf("unexpected interim: %q", e.Current())
		}
	})

	ev.OnResult(Result{Text: "hello world", Final: true})
	entry := testfixtures.Receive(t, f.sunk, "finalized caption")
	if entry.Text != "hello world" || entry.Speaker != "Ana" || entry.ID == "" || !entry.Timestamp.Equal(testfixtures.ReferenceTime()) {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	f.do(t, func(e *Engine) {
		if e.Current() != "" {
			t.Errorf("final result must clear the interim caption")
		}
		if h := e.History(); len(h) != 1 || h[0].ID != entry.ID {
			t.Errorf("unexpected history: %+v", h)
		}
	})
}

func TestEngine_RestartsAfterNaturalEnd(t *testing.T) {
	f := newEngineFixture(t)
	f.do(t, func(e *Engine) { e.Start() })
	f.rec.session(t, 0).OnEnd()
	testfixtures.Sync(t, f.loop, nil)

	if d := f.clk.PendingDelays(); len(d) != 1 || d[0] != 200*time.Millisecond {
		t.Fatalf("expected restart in 200ms, got %v", d)
	}
	if s := f.status(t); s != StatusRestarting {
		t.Fatalf("expected restarting, got %s", s)
	}
	f.clk.Advance(200 * time.Millisecond)
	testfixtures.Sync(t, f.loop, nil)
	if n := f.rec.starts(); n != 2 {
		t.Fatalf("expected a second session, got %d", n)
	}
	if s := f.status(t); s != StatusListening {
		t.Fatalf("expected listening, got %s", s)
	}
}

func TestEngine_ErrorRestartWinsOverEnd(t *testing.T) {
	f := newEngineFixture(t)
	f.do(t, func(e *Engine) { e.Start() })
	ev := f.rec.session(t, 0)
	ev.OnError(errors.New("network"))
	ev.OnEnd()
	testfixtures.Sync(t, f.loop, nil)

	if d := f.clk.PendingDelays(); len(d) != 1 || d[0] != time.Second {
		t.Fatalf("expected one restart in 1s, got %v", d)
	}
	f.clk.Advance(200 * time.Millisecond)
	testfixtures.Sync(t, f.loop, nil)
	if n := f.rec.starts(); n != 1 {
		t.Fatalf("restarted too early")
	}
	f.clk.Advance(800 * time.Millisecond)
	testfixtures.Sync(t, f.loop, nil)
	if n := f.rec.starts(); n != 2 {
		t.Fatalf("expected restart after 1s, got %d sessions", n)
	}
}

func TestEngine_PermissionDeniedIsTerminal(t *testing.T) {
	f := newEngineFixture(t)
	f.do(t, func(e *Engine) { e.Start() })
	f.rec.session(t, 0).OnError(fmt.Errorf("mic: %w", ErrPermissionDenied))
	f.rec.session(t, 0).OnEnd()
	testfixtures.Sync(t, f.loop, nil)

	if n := f.clk.Pending(); n != 0 {
		t.Fatalf("no restart expected after permission failure, got %d timers", n)
	}
	f.do(t, func(e *Engine) {
		if e.Status() != StatusError || !errors.Is(e.Err(), ErrPermissionDenied) {
			t.Errorf("expected terminal error, got %s / %v", e.Status(), e.Err())
		}
		e.Start()
	})
	if n := f.rec.starts(); n != 1 {
		t.Fatalf("Start after permission failure must not relaunch, got %d", n)
	}
}

func TestEngine_SynchronousStartFailure(t *testing.T) {
	f := newEngineFixture(t)
	f.rec.startErr = ErrPermissionDenied
	f.do(t, func(e *Engine) { e.Start() })
	if s := f.status(t); s != StatusError {
		t.Fatalf("expected error status, got %s", s)
	}
}

func TestEngine_StopSuppressesRestart(t *testing.T) {
	f := newEngineFixture(t)
	f.do(t, func(e *Engine) { e.Start() })
	ev := f.rec.session(t, 0)
	ev.OnEnd()
	testfixtures.Sync(t, f.loop, nil)
	if f.clk.Pending() != 1 {
		t.Fatalf("expected a pending restart")
	}

	f.do(t, func(e *Engine) {
		e.Stop()
		e.Stop()
	})
	if n := f.clk.Pending(); n != 0 {
		t.Fatalf("Stop must cancel the pending restart, got %d", n)
	}
	f.clk.Advance(time.Minute)
	ev.OnResult(Result{Text: "ghost", Final: true})
	ev.OnError(errors.New("late"))
	testfixtures.Sync(t, f.loop, nil)

	if n := f.rec.starts(); n != 1 {
		t.Fatalf("recognizer resurrected after stop: %d sessions", n)
	}
	f.do(t, func(e *Engine) {
		if len(e.History()) != 0 {
			t.Errorf("late result from a stopped session was recorded")
		}
		if e.Status() != StatusIdle {
			t.Errorf("expected idle, got %s", e.Status())
		}
	})
	if f.clk.Pending() != 0 {
		t.Fatalf("late error must not schedule a restart")
	}
}

func TestEngine_StopWhileListeningStopsRecognizer(t *testing.T) {
	f := newEngineFixture(t)
	f.do(t, func(e *Engine) {
		e.Start()
		e.Stop()
	})
	f.rec.mu.Lock()
	stops := f.rec.stops
	f.rec.mu.Unlock()
	if stops != 1 {
		t.Fatalf("expected recognizer stopped once, got %d", stops)
	}

	f.do(t, func(e *Engine) { e.Start() })
	f.rec.session(t, 0).OnEnd()
	testfixtures.Sync(t, f.loop, nil)
	if f.clk.Pending() != 0 {
		t.Fatalf("end of a previous session must not schedule a restart")
	}
}

func TestEngine_HistoryIsCapped(t *testing.T) {
	f := newEngineFixture(t)
	f.do(t, func(e *Engine) { e.Start() })
	ev := f.rec.session(t, 0)
	for i := 0; i < 55; i++ {
		ev.OnResult(Result{Text: fmt.Sprintf("c%d", i), Final: true})
	}
	testfixtures.Sync(t, f.loop, nil)
	f.do(t, func(e *Engine) {
		h := e.History()
		if len(h) != DefaultHistoryLimit {
			t.Errorf("expected %d entries, got %d", DefaultHistoryLimit, len(h))
			return
		}
		if h[0].Text != "c5" || h[len(h)-1].Text != "c54" {
			t.Errorf("unexpected history window: %q..%q", h[0].Text, h[len(h)-1].Text)
		}
	})
}

func TestParseResult(t *testing.T) {
	tests := []struct {
		in   string
		want Result
		ok   bool
	}{
		{`{"partial":"hel"}`, Result{Text: "hel"}, true},
		{`{"text":"hello"}`, Result{Text: "hello", Final: true}, true},
		{`{"text":"hello","is_final":false}`, Result{Text: "hello"}, true},
		{`{"text":"hello","is_final":true}`, Result{Text: "hello", Final: true}, true},
		{`{"text":""}`, Result{Final: true}, true},
		{`nope`, Result{}, false},
	}
	for _, tt := range tests {
		got, ok := parseResult([]byte(tt.in))
		if ok != tt.ok || got != tt.want {
			t.Fatalf("parseResult(%s) = %+v, %v; want %+v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
