// Package captions produces low-latency live captions from the local
// microphone, restarting the recognizer whenever it stops on its own.
package captions

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Vasu1712/meetsync/internal/clock"
	"github.com/Vasu1712/meetsync/internal/hub"
	"github.com/Vasu1712/meetsync/internal/metrics"
	"github.com/Vasu1712/meetsync/internal/models"
)

// ErrPermissionDenied means the recognizer may not use the microphone or
// the speech service. The engine does not restart after it.
var ErrPermissionDenied = errors.New("captions: speech recognition permission denied")

// Result is one recognition hypothesis.
type Result struct {
	Text  string
	Final bool
}

// Events are the recognizer callbacks. They may be invoked from any
// goroutine.
type Events struct {
	OnResult func(Result)
	OnEnd    func()
	OnError  func(error)
}

// Recognizer is a speech-to-text session that stops by itself after a
// period of silence. Start must not block.
type Recognizer interface {
	Start(ev Events) error
	Stop()
}

// Status is the engine state.
type Status int

const (
	StatusIdle Status = iota
	StatusListening
	StatusRestarting
	StatusError
)

var statusNames = [...]string{"idle", "listening", "restarting", "error"}

func (s Status) String() string {
	if int(s) < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Defaults for Options.
const (
	DefaultRestartDelay      = 200 * time.Millisecond
	DefaultErrorRestartDelay = time.Second
	DefaultHistoryLimit      = 50
)

// Options configures an Engine.
type Options struct {
	Speaker           string
	RestartDelay      time.Duration
	ErrorRestartDelay time.Duration
	HistoryLimit      int

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Update is published whenever the current caption, the history or the
// status changes.
type Update struct {
	Status  Status
	Current string
	Final   *models.CaptionEntry
	Err     error
}

// Engine drives a Recognizer. All methods must run on the dispatcher's
// goroutine.
type Engine struct {
	disp hub.Dispatcher
	rec  Recognizer
	sink func(models.CaptionEntry)
	opts Options
	log  *zap.Logger

	enabled     bool
	intentional bool
	running     bool
	session     uint64
	restart     clock.Timer
	restartID   uint64

	status  Status
	current string
	history []models.CaptionEntry
	lastErr error
	updates hub.Feed[Update]
}

// NewEngine returns an idle engine. sink receives every finalized caption
// and may be nil.
func NewEngine(disp hub.Dispatcher, rec Recognizer, sink func(models.CaptionEntry), opts Options) *Engine {
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	if opts.ErrorRestartDelay <= 0 {
		opts.ErrorRestartDelay = DefaultErrorRestartDelay
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		disp: disp,
		rec:  rec,
		sink: sink,
		opts: opts,
		log:  logger.Named("captions"),
	}
}

// Subscribe registers fn for every Update.
func (e *Engine) Subscribe(fn func(Update)) (dispose func()) {
	return e.updates.Subscribe(fn)
}

// Status returns the engine state.
func (e *Engine) Status() Status { return e.status }

// Current returns the interim caption, empty after a final result.
func (e *Engine) Current() string { return e.current }

// History returns the finalized captions, oldest first.
func (e *Engine) History() []models.CaptionEntry {
	out := make([]models.CaptionEntry, len(e.history))
	copy(out, e.history)
	return out
}

// Err returns the error that put the engine in StatusError.
func (e *Engine) Err() error { return e.lastErr }

// SetSpeaker changes the name attached to new captions.
func (e *Engine) SetSpeaker(name string) { e.opts.Speaker = name }

// Start begins recognition. It is a no-op while running and after a
// permission failure.
func (e *Engine) Start() {
	if e.enabled {
		return
	}
	if e.status == StatusError {
		e.log.Debug("not starting after permission failure")
		return
	}
	e.enabled = true
	e.intentional = false
	e.launch()
}

// Stop ends recognition and cancels any pending restart. It is safe to call
// repeatedly.
func (e *Engine) Stop() {
	e.intentional = true
	if !e.enabled && !e.running && e.restart == nil {
		return
	}
	e.enabled = false
	e.cancelRestart()
	e.session++
	if e.running {
		e.running = false
		e.rec.Stop()
	}
	e.current = ""
	if e.status != StatusError {
		e.setStatus(StatusIdle)
	}
}

func (e *Engine) launch() {
	if e.running {
		e.rec.Stop()
		e.running = false
	}
	e.session++
	id := e.session
	post := func(fn func()) { e.disp.Post(fn) }
	err := e.rec.Start(Events{
		OnResult: func(r Result) { post(func() { e.result(id, r) }) },
		OnEnd:    func() { post(func() { e.ended(id) }) },
		OnError:  func(err error) { post(func() { e.failed(id, err) }) },
	})
	if err != nil {
		e.failed(id, err)
		return
	}
	e.running = true
	e.setStatus(StatusListening)
	e.log.Debug("recognizer started", zap.Uint64("session", id))
}

func (e *Engine) live(id uint64) bool {
	return id == e.session && e.enabled && !e.intentional
}

func (e *Engine) result(id uint64, r Result) {
	if !e.live(id) {
		return
	}
	if !r.Final {
		e.current = r.Text
		e.updates.Publish(Update{Status: e.status, Current: r.Text})
		return
	}
	e.current = ""
	if r.Text == "" {
		e.updates.Publish(Update{Status: e.status})
		return
	}
	entry := models.CaptionEntry{
		ID:        uuid.NewString(),
		Text:      r.Text,
		Speaker:   e.opts.Speaker,
		Timestamp: e.opts.Clock.Now(),
	}
	e.history = append(e.history, entry)
	if over := len(e.history) - e.opts.HistoryLimit; over > 0 {
		e.history = append(e.history[:0], e.history[over:]...)
	}
	e.opts.Metrics.CaptionFinalized()
	if e.sink != nil {
		e.sink(entry)
	}
	e.updates.Publish(Update{Status: e.status, Final: &entry})
}

func (e *Engine) ended(id uint64) {
	if id != e.session {
		return
	}
	e.running = false
	if !e.enabled || e.intentional {
		return
	}
	if e.restart != nil {
		// an error already scheduled the slower restart
		return
	}
	e.schedule(e.opts.RestartDelay, "end")
}

func (e *Engine) failed(id uint64, err error) {
	if id != e.session || !e.enabled || e.intentional {
		return
	}
	if errors.Is(err, ErrPermissionDenied) {
		e.log.Error("speech recognition not permitted", zap.Error(err))
		e.lastErr = err
		e.enabled = false
		e.cancelRestart()
		if e.running {
			e.running = false
			e.rec.Stop()
		}
		e.current = ""
		e.setStatus(StatusError)
		return
	}
	e.log.Warn("recognizer error", zap.Error(err))
	e.lastErr = err
	e.schedule(e.opts.ErrorRestartDelay, "error")
}

func (e *Engine) schedule(delay time.Duration, cause string) {
	e.cancelRestart()
	id := e.restartID
	e.restart = e.opts.Clock.AfterFunc(delay, func() {
		e.disp.Post(func() { e.fire(id) })
	})
	e.opts.Metrics.CaptionRestarted(cause)
	e.setStatus(StatusRestarting)
	e.log.Debug("recognizer restart scheduled", zap.String("cause", cause), zap.Duration("delay", delay))
}

func (e *Engine) fire(id uint64) {
	if id != e.restartID || e.restart == nil {
		return
	}
	e.restart = nil
	if !e.enabled || e.intentional {
		return
	}
	e.launch()
}

func (e *Engine) cancelRestart() {
	if e.restart != nil {
		e.restart.Stop()
		e.restart = nil
	}
	e.restartID++
}

func (e *Engine) setStatus(s Status) {
	if e.status == s {
		return
	}
	e.status = s
	e.updates.Publish(Update{Status: s, Current: e.current, Err: e.errFor(s)})
}

func (e *Engine) errFor(s Status) error {
	if s == StatusError {
		return e.lastErr
	}
	return nil
}
