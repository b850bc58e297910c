// Package ws maintains one logical websocket channel over an unreliable
// network: reconnecting with exponential backoff, delivering parsed
// messages and lifecycle callbacks on the event loop.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Vasu1712/meetsync/internal/clock"
	"github.com/Vasu1712/meetsync/internal/hub"
	"github.com/Vasu1712/meetsync/internal/metrics"
)

// ErrNotConnected is reported when a frame is sent on a closed channel.
var ErrNotConnected = errors.New("ws: not connected")

// Status is the lifecycle of one logical socket.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

var statusNames = []string{"disconnected", "connecting", "connected", "error"}

func (s Status) String() string {
	if int(s) < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// MarshalText renders the status name in JSON snapshots.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CloseInfo describes why a connection ended.
type CloseInfo struct {
	Code        int    `json:"code"`
	Reason      string `json:"reason,omitempty"`
	Intentional bool   `json:"intentional"`
}

// Inbound is one received frame. Data holds the JSON object when the frame
// parsed; otherwise Text carries the raw payload.
type Inbound struct {
	Type string
	Data json.RawMessage
	Text string
}

// Structured reports whether the frame was a JSON object.
func (in Inbound) Structured() bool { return in.Data != nil }

// Decode unmarshals the structured payload into v.
func (in Inbound) Decode(v any) error {
	if in.Data == nil {
		return errors.New("ws: frame is not a JSON object")
	}
	return json.Unmarshal(in.Data, v)
}

func parseInbound(data []byte) Inbound {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(trimmed, &head); err == nil {
			raw := make(json.RawMessage, len(trimmed))
			copy(raw, trimmed)
			return Inbound{Type: head.Type, Data: raw}
		}
	}
	return Inbound{Text: string(data)}
}

// Handlers receives lifecycle callbacks. Nil fields are skipped.
type Handlers struct {
	OnOpen    func()
	OnMessage func(Inbound)
	OnClose   func(CloseInfo)
	OnError   func(error)
	OnStatus  func(Status)
}

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	// Name labels the channel in logs and metrics.
	Name                 string
	ReconnectInterval    time.Duration
	MaxReconnectInterval time.Duration
	DisableReconnect     bool
	// MaxRetries stops reconnecting after that many consecutive failures.
	// Zero retries forever.
	MaxRetries int
	SendQueue  int

	Dialer  Dialer
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

const (
	defaultReconnectInterval    = time.Second
	defaultMaxReconnectInterval = 30 * time.Second
	defaultSendQueue            = 64
	closeGrace                  = time.Second
)

type session struct {
	conn Conn
	send chan []byte
	// graceful is set before send is closed; the write pump then flushes
	// the queue and says goodbye before closing conn.
	graceful bool
}

// Manager owns a single logical connection. Every method must be called on
// the dispatcher's goroutine; transport events are posted back to it.
type Manager struct {
	opts     Options
	disp     hub.Dispatcher
	log      *zap.Logger
	events   hub.Feed[event]

	url         string
	gen         uint64
	active      *session
	status      Status
	retryCount  int
	intentional bool
	timer       clock.Timer
	timerID     uint64
	cancelDial  context.CancelFunc
}

// New returns a disconnected manager.
func New(disp hub.Dispatcher, opts Options) *Manager {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = defaultReconnectInterval
	}
	if opts.MaxReconnectInterval <= 0 {
		opts.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	if opts.Dialer == nil {
		opts.Dialer = GorillaDialer{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Name == "" {
		opts.Name = "socket"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		opts: opts,
		disp: disp,
		log:  logger.Named("ws").With(zap.String("channel", opts.Name)),
	}
}

type eventKind int

const (
	eventOpen eventKind = iota
	eventMessage
	eventClose
	eventError
	eventStatus
)

type event struct {
	kind   eventKind
	msg    Inbound
	close  CloseInfo
	err    error
	status Status
}

func (h Handlers) dispatch(e event) {
	switch e.kind {
	case eventOpen:
		if h.OnOpen != nil {
			h.OnOpen()
		}
	case eventMessage:
		if h.OnMessage != nil {
			h.OnMessage(e.msg)
		}
	case eventClose:
		if h.OnClose != nil {
			h.OnClose(e.close)
		}
	case eventError:
		if h.OnError != nil {
			h.OnError(e.err)
		}
	case eventStatus:
		if h.OnStatus != nil {
			h.OnStatus(e.status)
		}
	}
}

// Subscribe registers callbacks and returns a disposer.
func (m *Manager) Subscribe(h Handlers) (dispose func()) {
	return m.events.Subscribe(h.dispatch)
}

// Name returns the channel label.
func (m *Manager) Name() string { return m.opts.Name }

// Status returns the current connection status.
func (m *Manager) Status() Status { return m.status }

// RetryCount returns the number of consecutive failed attempts.
func (m *Manager) RetryCount() int { return m.retryCount }

// URL returns the endpoint of the last Connect call.
func (m *Manager) URL() string { return m.url }

// ReconnectPending reports whether a reconnect timer is armed.
func (m *Manager) ReconnectPending() bool { return m.timer != nil }

// Connect closes any existing connection and opens a new one to url. The
// outcome is reported through the subscribed handlers.
func (m *Manager) Connect(url string) {
	m.teardown(false)
	m.url = url
	m.intentional = false
	m.retryCount = 0
	m.dial()
}

// Disconnect closes the connection on purpose. No reconnect follows.
func (m *Manager) Disconnect() {
	m.intentional = true
	had := m.active != nil || m.status == StatusConnecting
	m.teardown(true)
	m.setStatus(StatusDisconnected)
	if had {
		m.events.Publish(event{kind: eventClose, close: CloseInfo{
			Code:        websocket.CloseNormalClosure,
			Intentional: true,
		}})
	}
}

// Send marshals v as JSON and queues it on the open connection. It reports
// false, without retrying, when the channel is not open or its queue is full.
func (m *Manager) Send(v any) bool {
	s := m.active
	if s == nil || m.status != StatusConnected {
		m.log.Debug("dropping outbound frame", zap.Error(ErrNotConnected))
		m.opts.Metrics.MessageDropped(m.opts.Name)
		return false
	}
	data, err := json.Marshal(v)
	if err != nil {
		m.log.Warn("failed to encode outbound frame", zap.Error(err))
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		m.log.Warn("send queue full, dropping frame")
		m.opts.Metrics.MessageDropped(m.opts.Name)
		return false
	}
}

func (m *Manager) dial() {
	m.gen++
	gen := m.gen
	target := m.url
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	m.setStatus(StatusConnecting)
	m.log.Debug("dialing", zap.String("url", target), zap.Int("retry", m.retryCount))

	dialer := m.opts.Dialer
	go func() {
		conn, err := dialer.DialContext(ctx, target)
		m.disp.Post(func() { m.dialed(gen, conn, err) })
	}()
}

func (m *Manager) dialed(gen uint64, conn Conn, err error) {
	if gen != m.gen {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if err != nil {
		m.log.Warn("dial failed", zap.Error(err))
		m.events.Publish(event{kind: eventError, err: err})
		m.closed(CloseInfo{Code: websocket.CloseAbnormalClosure, Reason: err.Error()})
		return
	}

	s := &session{conn: conn, send: make(chan []byte, m.opts.SendQueue)}
	m.active = s
	m.retryCount = 0
	m.setStatus(StatusConnected)
	m.log.Info("connected", zap.String("url", m.url))

	go m.readPump(s)
	go m.writePump(s)
	m.events.Publish(event{kind: eventOpen})
}

func (m *Manager) readPump(s *session) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			m.disp.Post(func() { m.dropped(s, err) })
			return
		}
		m.disp.Post(func() { m.received(s, data) })
	}
}

func (m *Manager) writePump(s *session) {
	for data := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// The read pump observes the broken connection and reports it.
			_ = s.conn.Close()
			return
		}
	}
	if s.graceful {
		if cw, ok := s.conn.(interface {
			WriteControl(messageType int, data []byte, deadline time.Time) error
		}); ok {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = cw.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		}
	}
	_ = s.conn.Close()
}

func (m *Manager) received(s *session, data []byte) {
	if m.active != s {
		return
	}
	m.opts.Metrics.MessageReceived(m.opts.Name)
	m.events.Publish(event{kind: eventMessage, msg: parseInbound(data)})
}

func (m *Manager) dropped(s *session, err error) {
	if m.active != s {
		return
	}
	m.active = nil
	close(s.send)
	_ = s.conn.Close()

	info := closeInfoFrom(err)
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		m.events.Publish(event{kind: eventError, err: err})
	}
	m.log.Info("connection closed", zap.Int("code", info.Code), zap.String("reason", info.Reason))
	m.closed(info)
}

func (m *Manager) closed(info CloseInfo) {
	m.setStatus(StatusDisconnected)
	m.scheduleReconnect(info)
	m.events.Publish(event{kind: eventClose, close: info})
}

func (m *Manager) scheduleReconnect(info CloseInfo) {
	if m.intentional || m.opts.DisableReconnect {
		return
	}
	if IsRejection(info.Code) {
		m.log.Info("connection rejected by peer, not reconnecting", zap.Int("code", info.Code))
		return
	}
	if m.opts.MaxRetries > 0 && m.retryCount >= m.opts.MaxRetries {
		m.log.Error("giving up after repeated failures", zap.Int("retries", m.retryCount))
		m.setStatus(StatusError)
		return
	}

	delay := Backoff(m.opts.ReconnectInterval, m.opts.MaxReconnectInterval, m.retryCount)
	m.retryCount++
	m.cancelTimer()
	id := m.timerID
	m.timer = m.opts.Clock.AfterFunc(delay, func() {
		m.disp.Post(func() { m.fire(id) })
	})
	m.opts.Metrics.ReconnectScheduled(m.opts.Name)
	m.log.Info("reconnect scheduled", zap.Duration("delay", delay), zap.Int("retry", m.retryCount))
}

func (m *Manager) fire(id uint64) {
	if id != m.timerID || m.timer == nil {
		return
	}
	m.timer = nil
	m.dial()
}

func (m *Manager) cancelTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerID++
}

// teardown cancels the pending timer and dial and closes the active
// connection, after flushing its queue when graceful. Late events from the
// old connection are ignored afterwards.
func (m *Manager) teardown(graceful bool) {
	m.cancelTimer()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.gen++
	s := m.active
	if s == nil {
		return
	}
	m.active = nil
	if !graceful {
		close(s.send)
		_ = s.conn.Close()
		return
	}
	// Frames queued just before the disconnect still go out. A peer that
	// stops reading gets closeGrace to drain before the conn is cut.
	s.graceful = true
	close(s.send)
	conn := s.conn
	time.AfterFunc(closeGrace, func() { _ = conn.Close() })
}

func (m *Manager) setStatus(s Status) {
	if m.status == s {
		return
	}
	m.status = s
	m.opts.Metrics.SetConnectionStatus(m.opts.Name, s.String(), statusNames)
	m.events.Publish(event{kind: eventStatus, status: s})
}

func closeInfoFrom(err error) CloseInfo {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return CloseInfo{Code: ce.Code, Reason: ce.Text}
	}
	return CloseInfo{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}
}
