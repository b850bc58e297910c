package lobby

import (
	"go.uber.org/zap"

	"github.com/Vasu1712/meetsync/internal/hub"
	"github.com/Vasu1712/meetsync/internal/models"
	"github.com/Vasu1712/meetsync/internal/ws"
)

// Host administers the waiting list of a meeting. All methods must run on
// the loop that drives conn.
type Host struct {
	conn    *ws.Manager
	log     *zap.Logger
	waiting []models.LobbyParticipant
	changes hub.Feed[[]models.LobbyParticipant]
	errs    hub.Feed[string]
	dispose func()
}

type decision struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
}

// NewHost wires a host to its lobby connection.
func NewHost(conn *ws.Manager, logger *zap.Logger) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Host{conn: conn, log: logger.Named("lobby.host")}
	h.dispose = conn.Subscribe(ws.Handlers{OnMessage: h.handle})
	return h
}

// Connect opens the host lobby socket. The server answers with the current
// waiting list.
func (h *Host) Connect(base, meetingID string) error {
	endpoint, err := HostEndpoint(base, meetingID)
	if err != nil {
		return err
	}
	h.conn.Connect(endpoint)
	return nil
}

// Waiting returns a copy of the pending participants in arrival order.
func (h *Host) Waiting() []models.LobbyParticipant {
	out := make([]models.LobbyParticipant, len(h.waiting))
	copy(out, h.waiting)
	return out
}

// Subscribe registers fn for every change of the waiting list.
func (h *Host) Subscribe(fn func([]models.LobbyParticipant)) (dispose func()) {
	return h.changes.Subscribe(fn)
}

// SubscribeErrors registers fn for server-side lobby errors.
func (h *Host) SubscribeErrors(fn func(string)) (dispose func()) {
	return h.errs.Subscribe(fn)
}

// Approve removes id from the local list and asks the server to admit it.
// The removal is not undone when the frame cannot be sent; the next
// waiting_list snapshot restores the server's view.
func (h *Host) Approve(id string) bool {
	return h.decide("approve", id)
}

// Decline removes id from the local list and asks the server to refuse it.
func (h *Host) Decline(id string) bool {
	return h.decide("decline", id)
}

// Close disconnects and detaches the host.
func (h *Host) Close() {
	h.conn.Disconnect()
	if h.dispose != nil {
		h.dispose()
		h.dispose = nil
	}
}

func (h *Host) decide(kind, id string) bool {
	if h.remove(id) {
		h.publish()
	}
	sent := h.conn.Send(decision{Type: kind, ParticipantID: id})
	if !sent {
		h.log.Warn("lobby decision not delivered", zap.String("decision", kind), zap.String("participant_id", id))
	}
	return sent
}

func (h *Host) handle(in ws.Inbound) {
	msg, err := Decode(in)
	if err != nil {
		h.log.Debug("ignoring lobby frame", zap.Error(err))
		return
	}
	switch m := msg.(type) {
	case WaitingList:
		h.waiting = h.waiting[:0]
		for _, p := range m.Participants {
			h.upsert(p)
		}
		h.publish()
	case JoinRequest:
		if m.Participant.ID == "" {
			return
		}
		h.log.Info("join request", zap.String("participant_id", m.Participant.ID), zap.String("name", m.Participant.Name))
		h.upsert(m.Participant)
		h.publish()
	case ParticipantLeft:
		if h.remove(m.ParticipantID) {
			h.publish()
		}
	case ServerError:
		h.log.Warn("lobby error", zap.String("message", m.Message))
		h.errs.Publish(m.Message)
	case Waiting, Approved, Declined:
		h.log.Debug("ignoring participant message", zap.String("type", in.Type))
	}
}

func (h *Host) upsert(p models.LobbyParticipant) {
	if p.ID == "" {
		return
	}
	for i := range h.waiting {
		if h.waiting[i].ID == p.ID {
			h.waiting[i] = p
			return
		}
	}
	h.waiting = append(h.waiting, p)
}

func (h *Host) remove(id string) bool {
	for i := range h.waiting {
		if h.waiting[i].ID == id {
			h.waiting = append(h.waiting[:i], h.waiting[i+1:]...)
			return true
		}
	}
	return false
}

func (h *Host) publish() {
	h.changes.Publish(h.Waiting())
}
