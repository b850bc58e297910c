// Package meeting coordinates one client's session in a meeting: the event,
// transcript and lobby channels, audio upload and live captions.
package meeting

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/Vasu1712/meetsync/internal/audio"
	"github.com/Vasu1712/meetsync/internal/captions"
	"github.com/Vasu1712/meetsync/internal/clock"
	"github.com/Vasu1712/meetsync/internal/hub"
	"github.com/Vasu1712/meetsync/internal/lobby"
	"github.com/Vasu1712/meetsync/internal/metrics"
	"github.com/Vasu1712/meetsync/internal/models"
	"github.com/Vasu1712/meetsync/internal/storage"
	"github.com/Vasu1712/meetsync/internal/transcript"
	"github.com/Vasu1712/meetsync/internal/ws"
)

var (
	ErrNotHost        = errors.New("meeting: only the host can do that")
	ErrNotParticipant = errors.New("meeting: only a participant can do that")
	ErrNotActive      = errors.New("meeting: not in an active meeting")
)

// Backend is the REST surface the lifecycle needs. *api.Client implements it.
type Backend interface {
	audio.Sender
	JoinMeeting(ctx context.Context, meetingID, displayName string) (*models.JoinResult, error)
	EndMeeting(ctx context.Context, meetingID string) (*models.EndResult, error)
	GetTranscript(ctx context.Context, meetingID string) (*models.Transcript, error)
	Participants(ctx context.Context, meetingID string) ([]models.RosterEntry, error)
}

// Options configures a Lifecycle.
type Options struct {
	MeetingID string
	Name      string
	Role      Role
	// WSBase is the backend's websocket base URL (ws, wss, http or https).
	WSBase string

	// Socket is the template for every channel; Name is set per channel.
	Socket            ws.Options
	Audio             audio.Options
	Captions          captions.Options
	TranscriptHistory int

	// Recorder enables audio upload and Recognizer enables live captions.
	// Store, when set, keeps a local copy of the transcript.
	Recorder   audio.Recorder
	Recognizer captions.Recognizer
	Store      storage.TranscriptStore

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Lifecycle owns the meeting state and every component of the session. All
// methods except Shutdown must run on the dispatcher's goroutine.
type Lifecycle struct {
	disp    hub.Dispatcher
	backend Backend
	opts    Options
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	meetingConn    *ws.Manager
	transcriptConn *ws.Manager
	lobbyConn      *ws.Manager
	transcript     *transcript.Pipeline
	participant    *lobby.Participant
	host           *lobby.Host
	uploader       *audio.Uploader
	captions       *captions.Engine
	writer         *storage.Writer

	state  State
	gen    uint64
	ending bool
	closed bool
	ticker clock.Timer
	tickID uint64

	changes   hub.Feed[State]
	notices   hub.Feed[Notice]
	disposers []func()
}

// New builds an idle lifecycle. Nothing connects until Join.
func New(disp hub.Dispatcher, backend Backend, opts Options) (*Lifecycle, error) {
	if opts.MeetingID == "" {
		return nil, errors.New("meeting: meeting id is required")
	}
	if opts.Name == "" {
		return nil, errors.New("meeting: display name is required")
	}
	if _, err := ws.Endpoint(opts.WSBase, "/", nil); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.Logger = logger

	ctx, cancel := context.WithCancel(context.Background())
	l := &Lifecycle{
		disp:    disp,
		backend: backend,
		opts:    opts,
		log:     logger.Named("meeting").With(zap.String("meeting_id", opts.MeetingID)),
		ctx:     ctx,
		cancel:  cancel,
		state: State{
			Role:        opts.Role,
			MeetingID:   opts.MeetingID,
			Name:        opts.Name,
			Connections: make(map[string]ws.Status),
		},
	}

	l.meetingConn = l.socket("meeting")
	l.transcriptConn = l.socket("transcript")
	l.lobbyConn = l.socket("lobby")

	var persist func(models.Segment)
	if opts.Store != nil {
		l.writer = storage.NewWriter(opts.Store, opts.MeetingID, 0, logger)
		go l.writer.Run(ctx)
		persist = func(seg models.Segment) {
			if !l.closed {
				l.writer.Save(seg)
			}
		}
	}
	l.transcript = transcript.NewPipeline(l.transcriptConn, transcript.Options{
		HistoryLimit: opts.TranscriptHistory,
		Clock:        opts.Clock,
		Logger:       logger,
		Metrics:      opts.Metrics,
		Persist:      persist,
	})

	if opts.Role == RoleHost {
		l.host = lobby.NewHost(l.lobbyConn, logger)
	} else {
		l.participant = lobby.NewParticipant(l.lobbyConn, logger)
	}

	if opts.Recorder != nil {
		ao := opts.Audio
		ao.MeetingID = opts.MeetingID
		ao.Participant = opts.Name
		ao.Clock, ao.Logger, ao.Metrics = opts.Clock, logger, opts.Metrics
		l.uploader = audio.NewUploader(disp, opts.Recorder, backend, ao)
	}
	if opts.Recognizer != nil {
		co := opts.Captions
		co.Speaker = opts.Name
		co.Clock, co.Logger, co.Metrics = opts.Clock, logger, opts.Metrics
		l.captions = captions.NewEngine(disp, opts.Recognizer, l.relayCaption, co)
	}

	l.wire()
	opts.Metrics.SetMeetingStatus(StatusIdle.String(), statusNames)
	return l, nil
}

func (l *Lifecycle) socket(name string) *ws.Manager {
	so := l.opts.Socket
	so.Name = name
	so.Clock = l.opts.Clock
	so.Logger = l.opts.Logger
	so.Metrics = l.opts.Metrics
	return ws.New(l.disp, so)
}

func (l *Lifecycle) wire() {
	l.disposers = append(l.disposers,
		l.meetingConn.Subscribe(ws.Handlers{
			OnOpen:    l.announce,
			OnMessage: l.handleEvent,
			OnStatus:  l.connStatus("meeting"),
		}),
		l.transcriptConn.Subscribe(ws.Handlers{OnStatus: l.connStatus("transcript")}),
		l.lobbyConn.Subscribe(ws.Handlers{OnStatus: l.connStatus("lobby")}),
		l.transcript.Subscribe(l.transcriptUpdate),
	)
	if l.participant != nil {
		l.disposers = append(l.disposers, l.participant.Subscribe(l.admission))
	}
	if l.host != nil {
		l.disposers = append(l.disposers,
			l.host.Subscribe(l.waitingChanged),
			l.host.SubscribeErrors(func(msg string) { l.notify(LevelWarning, "lobby", msg) }),
		)
	}
	if l.uploader != nil {
		l.disposers = append(l.disposers, l.uploader.Subscribe(l.uploadEvent))
	}
	if l.captions != nil {
		l.disposers = append(l.disposers, l.captions.Subscribe(l.captionUpdate))
	}
}

// Snapshot returns a copy of the current state.
func (l *Lifecycle) Snapshot() State { return l.state.clone() }

// Subscribe registers fn for every state change.
func (l *Lifecycle) Subscribe(fn func(State)) (dispose func()) {
	return l.changes.Subscribe(fn)
}

// Notices registers fn for user-facing notices.
func (l *Lifecycle) Notices(fn func(Notice)) (dispose func()) {
	return l.notices.Subscribe(fn)
}

// Transcript exposes the transcript timeline for reading.
func (l *Lifecycle) Transcript() *transcript.Pipeline { return l.transcript }

// Uploader returns the audio uploader, or nil when audio is disabled.
func (l *Lifecycle) Uploader() *audio.Uploader { return l.uploader }

// Join enters the meeting. A host becomes active at once; a participant
// requests a participant id and waits in the lobby for approval.
func (l *Lifecycle) Join() error {
	if l.state.Status != StatusIdle {
		return fmt.Errorf("meeting: cannot join while %s", l.state.Status)
	}
	if l.opts.Role == RoleHost {
		l.activate()
		return nil
	}

	l.gen++
	gen := l.gen
	l.setStatus(StatusJoining)
	backend, id, name := l.backend, l.opts.MeetingID, l.opts.Name
	go func() {
		res, err := backend.JoinMeeting(l.ctx, id, name)
		l.disp.Post(func() { l.joinRequested(gen, res, err) })
	}()
	return nil
}

// Retry clears a declined or failed admission and joins again.
func (l *Lifecycle) Retry() error {
	if l.participant == nil {
		return ErrNotParticipant
	}
	if l.state.Status != StatusIdle || !l.participant.Reset() {
		return errors.New("meeting: nothing to retry")
	}
	return l.Join()
}

// Leave exits the meeting. While waiting in the lobby it cancels the
// request and returns to idle; from an active or processing meeting it
// ends the session for this client.
func (l *Lifecycle) Leave() {
	switch l.state.Status {
	case StatusJoining:
		l.gen++
		l.participant.Leave()
		l.setStatus(StatusIdle)
	case StatusActive, StatusProcessing:
		l.meetingConn.Send(presence{Type: "participant_left", Data: l.presenceData()})
		l.finish()
	}
}

// End ends the meeting for everyone. The backend call runs in the
// background; the meeting moves to processing when it succeeds.
func (l *Lifecycle) End() error {
	if l.host == nil {
		return ErrNotHost
	}
	if l.state.Status != StatusActive {
		return ErrNotActive
	}
	if l.ending {
		return nil
	}
	l.ending = true
	gen := l.gen
	backend, id := l.backend, l.opts.MeetingID
	go func() {
		_, err := backend.EndMeeting(l.ctx, id)
		l.disp.Post(func() { l.endRequested(gen, err) })
	}()
	return nil
}

// Approve admits a waiting participant.
func (l *Lifecycle) Approve(participantID string) error {
	if l.host == nil {
		return ErrNotHost
	}
	if !l.host.Approve(participantID) {
		return ws.ErrNotConnected
	}
	return nil
}

// Decline refuses a waiting participant.
func (l *Lifecycle) Decline(participantID string) error {
	if l.host == nil {
		return ErrNotHost
	}
	if !l.host.Decline(participantID) {
		return ws.ErrNotConnected
	}
	return nil
}

type screenShare struct {
	Type            string `json:"type"`
	ParticipantName string `json:"participant_name,omitempty"`
}

// SetScreenShare tells the other participants that this client started or
// stopped sharing its screen.
func (l *Lifecycle) SetScreenShare(on bool) error {
	if l.state.Status != StatusActive {
		return ErrNotActive
	}
	if on == l.state.SharingLocal {
		return nil
	}
	frame := screenShare{Type: "screen_share_stopped"}
	if on {
		frame = screenShare{Type: "screen_share_started", ParticipantName: l.opts.Name}
	}
	if !l.meetingConn.Send(frame) {
		return ws.ErrNotConnected
	}
	l.state.SharingLocal = on
	l.publish()
	return nil
}

// Shutdown tears the session down and waits for in-flight uploads and
// local writes, aborting them once ctx ends. It may be called from any
// goroutine but not from the loop, and more than once.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	l.disp.Post(func() {
		l.teardown()
		close(done)
	})
	select {
	case <-done:
	case <-ctx.Done():
		l.abort()
		return ctx.Err()
	}
	var errs []error
	if l.uploader != nil {
		// the final partial window is already on its way; let it land
		errs = append(errs, l.uploader.Wait(ctx))
	}
	if l.writer != nil {
		errs = append(errs, l.writer.Close(ctx))
	}
	l.abort()
	return errors.Join(errs...)
}

func (l *Lifecycle) abort() {
	if l.uploader != nil {
		l.uploader.Abort()
	}
	l.cancel()
}

func (l *Lifecycle) teardown() {
	if l.closed {
		return
	}
	if l.state.Status == StatusJoining {
		l.gen++
		l.setStatus(StatusIdle)
	}
	l.finish()
	l.closed = true
	for _, dispose := range l.disposers {
		dispose()
	}
	l.disposers = nil
	l.transcript.Close()
	if l.participant != nil {
		l.participant.Close()
	}
	if l.host != nil {
		l.host.Close()
	}
	if l.uploader != nil {
		l.uploader.SetEnabled(false)
	}
}

func (l *Lifecycle) joinRequested(gen uint64, res *models.JoinResult, err error) {
	if gen != l.gen || l.state.Status != StatusJoining {
		return
	}
	if err == nil {
		l.state.ParticipantID = res.ParticipantID
		err = l.participant.Join(l.opts.WSBase, l.opts.MeetingID, res.ParticipantID)
	}
	if err != nil {
		l.log.Warn("join request failed", zap.Error(err))
		l.notify(LevelError, "lobby", fmt.Sprintf("Could not request to join: %v", err))
		l.setStatus(StatusIdle)
		return
	}
	l.log.Info("waiting for admission", zap.String("participant_id", res.ParticipantID))
	l.publish()
}

func (l *Lifecycle) admission(a lobby.Admission) {
	l.state.Admission = &a
	if l.state.Status != StatusJoining {
		l.publish()
		return
	}
	switch a.Status {
	case lobby.StatusApproved:
		l.activate()
		return
	case lobby.StatusDeclined:
		msg := "The host declined your request to join"
		if a.Reason != "" {
			msg += ": " + a.Reason
		}
		l.notify(LevelError, "lobby", msg)
		l.setStatus(StatusIdle)
		return
	case lobby.StatusError:
		l.notify(LevelError, "lobby", "Could not join: "+a.Reason)
		l.setStatus(StatusIdle)
		return
	}
	l.publish()
}

func (l *Lifecycle) activate() {
	now := l.opts.Clock.Now()
	l.state.StartedAt = now
	l.state.Elapsed = 0
	l.state.Processing = nil
	l.setStatus(StatusActive)
	l.startTicker()

	base, id := l.opts.WSBase, l.opts.MeetingID
	if endpoint, err := ws.Endpoint(base, "/ws/meeting/"+url.PathEscape(id), nil); err == nil {
		l.meetingConn.Connect(endpoint)
	}
	if err := l.transcript.Connect(base, id); err != nil {
		l.log.Error("transcript endpoint", zap.Error(err))
	}
	if l.host != nil {
		if err := l.host.Connect(base, id); err != nil {
			l.log.Error("lobby endpoint", zap.Error(err))
		}
	}
	if l.uploader != nil {
		l.uploader.SetEnabled(true)
	}
	if l.captions != nil {
		l.captions.Start()
	}
	l.resync()
}

// resync loads the locally stored transcript, then the backend's copy and
// the current roster. Both transcript sources go through the idempotent
// insert, so order only affects how soon segments appear.
func (l *Lifecycle) resync() {
	gen := l.gen
	store, backend, id := l.opts.Store, l.backend, l.opts.MeetingID
	go func() {
		if store != nil {
			segs, err := store.Segments(l.ctx, id)
			if err != nil {
				l.log.Warn("failed to load stored transcript", zap.Error(err))
			} else if len(segs) > 0 {
				l.disp.Post(func() {
					if gen == l.gen && !l.closed {
						n := l.transcript.Restore(segs)
						l.log.Debug("restored stored transcript", zap.Int("segments", n))
					}
				})
			}
		}
		tr, err := backend.GetTranscript(l.ctx, id)
		l.disp.Post(func() { l.snapshotLoaded(gen, tr, err) })
		roster, err := backend.Participants(l.ctx, id)
		l.disp.Post(func() { l.rosterLoaded(gen, roster, err) })
	}()
}

func (l *Lifecycle) snapshotLoaded(gen uint64, tr *models.Transcript, err error) {
	if gen != l.gen || l.closed {
		return
	}
	if err != nil {
		l.log.Warn("failed to load transcript", zap.Error(err))
		l.notify(LevelWarning, "transcript", "Could not load the earlier transcript")
		return
	}
	n := l.transcript.ApplySnapshot(tr.Segments)
	l.log.Debug("transcript snapshot applied", zap.Int("new", n), zap.Int("total", len(tr.Segments)))
}

func (l *Lifecycle) rosterLoaded(gen uint64, roster []models.RosterEntry, err error) {
	if gen != l.gen || l.closed {
		return
	}
	if err != nil {
		l.log.Warn("failed to load participants", zap.Error(err))
		return
	}
	for _, e := range roster {
		l.upsertRoster(e)
	}
	l.publish()
}

func (l *Lifecycle) endRequested(gen uint64, err error) {
	l.ending = false
	if err != nil {
		l.log.Warn("end meeting failed", zap.Error(err))
		l.notify(LevelError, "meeting", fmt.Sprintf("Could not end the meeting: %v", err))
		return
	}
	if gen == l.gen {
		l.enterProcessing()
	}
}

func (l *Lifecycle) startTicker() {
	l.stopTicker()
	id := l.tickID
	l.ticker = l.opts.Clock.AfterFunc(time.Second, func() {
		l.disp.Post(func() { l.tick(id) })
	})
}

func (l *Lifecycle) stopTicker() {
	if l.ticker != nil {
		l.ticker.Stop()
		l.ticker = nil
	}
	l.tickID++
}

func (l *Lifecycle) tick(id uint64) {
	if id != l.tickID || l.state.Status != StatusActive {
		return
	}
	l.ticker = nil
	l.state.Elapsed = l.opts.Clock.Now().Sub(l.state.StartedAt)
	l.publish()
	l.startTicker()
}

// leaveActive stops everything that only runs while the meeting is live.
func (l *Lifecycle) leaveActive() {
	l.stopTicker()
	l.state.Elapsed = l.opts.Clock.Now().Sub(l.state.StartedAt)
	l.state.SharingLocal = false
	if l.uploader != nil {
		l.uploader.SetEnabled(false)
	}
	if l.captions != nil {
		l.captions.Stop()
	}
	if l.host != nil {
		l.lobbyConn.Disconnect()
	}
}

func (l *Lifecycle) enterProcessing() {
	if l.state.Status != StatusActive {
		return
	}
	l.leaveActive()
	if l.state.Processing == nil {
		l.state.Processing = &models.Processing{}
	}
	l.setStatus(StatusProcessing)
	l.notify(LevelInfo, "meeting", "The meeting has ended; processing the recording")
}

func (l *Lifecycle) finish() {
	switch l.state.Status {
	case StatusIdle, StatusEnded:
		return
	case StatusActive:
		l.leaveActive()
	}
	l.gen++
	l.meetingConn.Disconnect()
	l.transcript.Disconnect()
	l.lobbyConn.Disconnect()
	l.setStatus(StatusEnded)
}

func (l *Lifecycle) relayCaption(entry models.CaptionEntry) {
	l.transcript.SendCaption(entry.Text, entry.Speaker, true)
}

func (l *Lifecycle) connStatus(channel string) func(ws.Status) {
	return func(s ws.Status) {
		l.state.Connections[channel] = s
		if s == ws.StatusError && channel != "lobby" {
			l.notify(LevelError, channel, fmt.Sprintf("Lost connection to the %s channel", channel))
		}
		l.publish()
	}
}

func (l *Lifecycle) waitingChanged(waiting []models.LobbyParticipant) {
	l.state.Waiting = waiting
	l.publish()
}

func (l *Lifecycle) transcriptUpdate(u transcript.Update) {
	switch u.Kind {
	case transcript.ServerError:
		l.notify(LevelWarning, "transcript", u.Error)
	case transcript.TranscriptionStarted:
		l.log.Info("backend transcription started")
	case transcript.TranscriptionStopped:
		l.log.Info("backend transcription stopped")
	}
}

func (l *Lifecycle) uploadEvent(e audio.Event) {
	switch e.Kind {
	case audio.CaptureFailed:
		if errors.Is(e.Err, audio.ErrPermissionDenied) {
			l.notify(LevelError, "audio", "Microphone access was denied; your audio will not be transcribed")
			return
		}
		l.notify(LevelWarning, "audio", fmt.Sprintf("Audio capture failed: %v", e.Err))
	case audio.ChunkAbandoned:
		l.notify(LevelWarning, "audio", fmt.Sprintf("Audio chunk %d could not be uploaded", e.Sequence))
	}
}

func (l *Lifecycle) captionUpdate(u captions.Update) {
	if u.Status == l.state.Captions {
		return
	}
	l.state.Captions = u.Status
	if u.Status == captions.StatusError {
		l.notify(LevelError, "captions", fmt.Sprintf("Live captions are unavailable: %v", u.Err))
	}
	l.publish()
}

func (l *Lifecycle) setStatus(s Status) {
	if l.state.Status == s {
		return
	}
	l.log.Info("meeting status", zap.Stringer("from", l.state.Status), zap.Stringer("to", s))
	l.state.Status = s
	l.opts.Metrics.SetMeetingStatus(s.String(), statusNames)
	l.publish()
}

func (l *Lifecycle) publish() {
	l.changes.Publish(l.state.clone())
}

func (l *Lifecycle) notify(level Level, source, msg string) {
	n := Notice{Level: level, Source: source, Message: msg, At: l.opts.Clock.Now()}
	switch level {
	case LevelError:
		l.log.Error(msg, zap.String("source", source))
	case LevelWarning:
		l.log.Warn(msg, zap.String("source", source))
	default:
		l.log.Info(msg, zap.String("source", source))
	}
	l.notices.Publish(n)
}
