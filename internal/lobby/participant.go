package lobby

import (
	"errors"

	"go.uber.org/zap"

	"github.com/Vasu1712/meetsync/internal/hub"
	"github.com/Vasu1712/meetsync/internal/ws"
)

// Status is the admission state of a participant.
type Status int

const (
	StatusIdle Status = iota
	StatusWaiting
	StatusApproved
	StatusDeclined
	StatusError
)

var statusNames = [...]string{"idle", "waiting", "approved", "declined", "error"}

func (s Status) String() string {
	if int(s) < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether only Reset can leave the state.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDeclined || s == StatusError
}

// Admission is a snapshot of a participant's join request.
type Admission struct {
	Status     Status      `json:"status"`
	Position   int         `json:"position,omitempty"`
	Credential *Credential `json:"credential,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

// Participant follows one join request through the lobby. All methods must
// run on the loop that drives conn.
type Participant struct {
	conn    *ws.Manager
	log     *zap.Logger
	state   Admission
	changes hub.Feed[Admission]
	dispose func()
}

// NewParticipant wires a participant to its lobby connection.
func NewParticipant(conn *ws.Manager, logger *zap.Logger) *Participant {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Participant{conn: conn, log: logger.Named("lobby.participant")}
	p.dispose = conn.Subscribe(ws.Handlers{
		OnMessage: p.handle,
		OnClose:   p.closed,
		OnStatus:  p.connStatus,
	})
	return p
}

// Join opens the lobby socket for participantID. The state stays idle until
// the server places the participant in the queue.
func (p *Participant) Join(base, meetingID, participantID string) error {
	if participantID == "" {
		return errors.New("lobby: participant id is required")
	}
	endpoint, err := ParticipantEndpoint(base, meetingID, participantID)
	if err != nil {
		return err
	}
	p.log.Info("requesting admission", zap.String("meeting_id", meetingID), zap.String("participant_id", participantID))
	p.conn.Connect(endpoint)
	return nil
}

// State returns the current admission snapshot.
func (p *Participant) State() Admission { return p.state }

// Subscribe registers fn for every admission change.
func (p *Participant) Subscribe(fn func(Admission)) (dispose func()) {
	return p.changes.Subscribe(fn)
}

// Reset returns a declined or failed request to idle so it can be retried.
// It reports false in any other state.
func (p *Participant) Reset() bool {
	if p.state.Status != StatusDeclined && p.state.Status != StatusError {
		return false
	}
	p.conn.Disconnect()
	p.set(Admission{Status: StatusIdle})
	return true
}

// Leave closes the lobby socket without changing the admission state.
func (p *Participant) Leave() {
	p.conn.Disconnect()
}

// Close detaches the participant from its connection.
func (p *Participant) Close() {
	p.conn.Disconnect()
	if p.dispose != nil {
		p.dispose()
		p.dispose = nil
	}
}

func (p *Participant) handle(in ws.Inbound) {
	msg, err := Decode(in)
	if err != nil {
		p.log.Debug("ignoring lobby frame", zap.Error(err))
		return
	}
	cur := p.state.Status
	switch m := msg.(type) {
	case Waiting:
		if cur.Terminal() {
			p.log.Debug("ignoring late waiting message", zap.Stringer("status", cur))
			return
		}
		p.set(Admission{Status: StatusWaiting, Position: m.Position})
	case Approved:
		if cur.Terminal() {
			return
		}
		cred := credentialFrom(m)
		p.log.Info("admitted", zap.String("room_id", cred.RoomID))
		p.set(Admission{Status: StatusApproved, Credential: &cred})
		p.conn.Disconnect()
	case Declined:
		if cur.Terminal() {
			return
		}
		p.log.Info("declined by host", zap.String("reason", m.Reason))
		p.set(Admission{Status: StatusDeclined, Reason: m.Reason})
		p.conn.Disconnect()
	case ServerError:
		if cur.Terminal() {
			return
		}
		p.log.Warn("lobby error", zap.String("message", m.Message))
		p.set(Admission{Status: StatusError, Reason: m.Message})
		p.conn.Disconnect()
	case WaitingList, JoinRequest, ParticipantLeft:
		p.log.Debug("ignoring host message", zap.String("type", in.Type))
	}
}

func (p *Participant) closed(info ws.CloseInfo) {
	if info.Intentional || !ws.IsRejection(info.Code) || p.state.Status.Terminal() {
		return
	}
	p.set(Admission{Status: StatusError, Reason: rejectionReason(info)})
}

func (p *Participant) connStatus(s ws.Status) {
	if s != ws.StatusError || p.state.Status.Terminal() {
		return
	}
	p.set(Admission{Status: StatusError, Reason: "lost connection to the lobby"})
}

func (p *Participant) set(a Admission) {
	p.state = a
	p.changes.Publish(a)
}
