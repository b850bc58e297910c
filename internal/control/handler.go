// Package control is the local HTTP surface an operator UI uses to watch
// and drive the meeting client.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Vasu1712/meetsync/internal/lobby"
	"github.com/Vasu1712/meetsync/internal/meeting"
	"github.com/Vasu1712/meetsync/internal/models"
	"github.com/Vasu1712/meetsync/internal/transcript"
	"github.com/Vasu1712/meetsync/internal/ws"
)

// Runner executes fn on the goroutine that owns the meeting.
type Runner interface {
	Do(ctx context.Context, fn func()) error
}

// Handler serves the control API for one meeting.
type Handler struct {
	Loop     Runner
	Meeting  *meeting.Lifecycle
	Events   *Broadcaster
	Gatherer prometheus.Gatherer

	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler wires the handler. origin restricts websocket upgrades the
// same way CORS restricts API calls; empty or "*" allows any.
func NewHandler(loop Runner, m *meeting.Lifecycle, events *Broadcaster, gatherer prometheus.Gatherer, origin string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		Loop:     loop,
		Meeting:  m,
		Events:   events,
		Gatherer: gatherer,
		log:      logger.Named("control"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				got := r.Header.Get("Origin")
				return origin == "" || origin == "*" || got == "" || got == origin
			},
		},
	}
}

// Attach streams lifecycle, notice and transcript changes to b. It must run
// on the meeting's loop.
func Attach(l *meeting.Lifecycle, b *Broadcaster) (dispose func()) {
	disposers := []func(){
		l.Subscribe(func(s meeting.State) { b.Publish(TopicState, s) }),
		l.Notices(func(n meeting.Notice) { b.Publish(TopicNotice, n) }),
		l.Transcript().Subscribe(func(u transcript.Update) {
			switch u.Kind {
			case transcript.SegmentsAdded:
				b.Publish(TopicSegments, u.Segments)
			case transcript.CaptionReceived:
				b.Publish(TopicCaption, u.Caption)
			}
		}),
	}
	return func() {
		for _, d := range disposers {
			d()
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusConflict
	switch {
	case errors.Is(err, meeting.ErrNotHost), errors.Is(err, meeting.ErrNotParticipant):
		code = http.StatusForbidden
	case errors.Is(err, ws.ErrNotConnected):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// run executes fn on the loop and writes any error. It reports whether the
// caller should write its response. fn may still run after an abandoned Do,
// so its outcome only travels over the channel.
func (h *Handler) run(w http.ResponseWriter, r *http.Request, fn func(l *meeting.Lifecycle) error) bool {
	res := make(chan error, 1)
	if derr := h.Loop.Do(r.Context(), func() { res <- fn(h.Meeting) }); derr != nil {
		h.log.Warn("meeting loop unavailable", zap.Error(derr))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "meeting client is shutting down"})
		return false
	}
	if err := <-res; err != nil {
		h.log.Debug("control action refused", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, err)
		return false
	}
	return true
}

// action runs fn and answers with the resulting state.
func (h *Handler) action(fn func(l *meeting.Lifecycle) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var s meeting.State
		if !h.run(w, r, func(l *meeting.Lifecycle) error {
			if err := fn(l); err != nil {
				return err
			}
			s = l.Snapshot()
			return nil
		}) {
			return
		}
		writeJSON(w, http.StatusOK, s)
	}
}

func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	h.action(func(*meeting.Lifecycle) error { return nil })(w, r)
}

type transcriptView struct {
	Segments  []models.Segment `json:"segments"`
	Speakers  []string         `json:"speakers"`
	Running   bool             `json:"running"`
	LastError string           `json:"last_error,omitempty"`
}

func (h *Handler) Transcript(w http.ResponseWriter, r *http.Request) {
	var v transcriptView
	if !h.run(w, r, func(l *meeting.Lifecycle) error {
		p := l.Transcript()
		v = transcriptView{Segments: p.Segments(), Speakers: p.Speakers(), Running: p.Running(), LastError: p.LastError()}
		return nil
	}) {
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type captionsView struct {
	Live    *models.CaptionEntry  `json:"live,omitempty"`
	History []models.CaptionEntry `json:"history"`
}

func (h *Handler) Captions(w http.ResponseWriter, r *http.Request) {
	var v captionsView
	if !h.run(w, r, func(l *meeting.Lifecycle) error {
		p := l.Transcript()
		v.History = p.Captions()
		if live, ok := p.LiveCaption(); ok {
			v.Live = &live
		}
		return nil
	}) {
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type lobbyView struct {
	Role      meeting.Role              `json:"role"`
	Admission *lobby.Admission          `json:"admission,omitempty"`
	Waiting   []models.LobbyParticipant `json:"waiting"`
}

func (h *Handler) Lobby(w http.ResponseWriter, r *http.Request) {
	var v lobbyView
	if !h.run(w, r, func(l *meeting.Lifecycle) error {
		s := l.Snapshot()
		v = lobbyView{Role: s.Role, Admission: s.Admission, Waiting: s.Waiting}
		if v.Waiting == nil {
			v.Waiting = []models.LobbyParticipant{}
		}
		return nil
	}) {
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	h.action(func(l *meeting.Lifecycle) error { return l.Approve(id) })(w, r)
}

func (h *Handler) Decline(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	h.action(func(l *meeting.Lifecycle) error { return l.Decline(id) })(w, r)
}

func (h *Handler) ScreenShare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sharing *bool `json:"sharing"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Sharing == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": `body must be {"sharing": true|false}`})
		return
	}
	on := *req.Sharing
	h.action(func(l *meeting.Lifecycle) error { return l.SetScreenShare(on) })(w, r)
}

// ServeWS streams events. The optional topics query parameter narrows the
// stream, e.g. ?topics=state,notice.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	topics := ParseTopics(r.URL.Query()["topics"])

	var initial []byte
	if topics[TopicState] {
		var s meeting.State
		if err := h.Loop.Do(r.Context(), func() { s = h.Meeting.Snapshot() }); err != nil {
			http.Error(w, "meeting client is shutting down", http.StatusServiceUnavailable)
			return
		}
		initial, _ = json.Marshal(Event{Type: TopicState, Data: s})
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("failed to upgrade event stream", zap.Error(err))
		return
	}
	client := &Client{Topics: topics, Send: make(chan []byte, 256), Conn: conn}
	if initial != nil {
		client.Send <- initial
	}
	if !h.Events.Register(client) {
		conn.Close()
		return
	}
	h.log.Debug("event client connected", zap.String("remote", r.RemoteAddr))

	go func() {
		defer func() {
			h.Events.Unregister(client)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.log.Debug("event client read error", zap.Error(err))
				}
				return
			}
		}
	}()

	go func() {
		defer conn.Close()
		for msg := range client.Send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.Debug("event client write error", zap.Error(err))
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
	}()
}
