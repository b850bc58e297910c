package meeting

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/Vasu1712/meetsync/internal/models"
	"github.com/Vasu1712/meetsync/internal/ws"
)

// Meeting channel frames carry their payload under "data".
type eventFrame struct {
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

type presence struct {
	Type string       `json:"type"`
	Data presenceData `json:"data"`
}

type presenceData struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

func (l *Lifecycle) presenceData() presenceData {
	return presenceData{ID: l.state.ParticipantID, Name: l.opts.Name, Role: l.opts.Role.String()}
}

// announce tells the room who just (re)connected. Replays are harmless
// since the roster is keyed by id.
func (l *Lifecycle) announce() {
	l.meetingConn.Send(presence{Type: "participant_joined", Data: l.presenceData()})
}

func (l *Lifecycle) handleEvent(in ws.Inbound) {
	if !in.Structured() {
		l.log.Debug("ignoring non-JSON meeting frame")
		return
	}
	var f eventFrame
	if err := in.Decode(&f); err != nil {
		l.log.Debug("malformed meeting frame", zap.String("type", in.Type), zap.Error(err))
		return
	}
	data := func(v any) bool {
		return len(f.Data) > 0 && json.Unmarshal(f.Data, v) == nil
	}

	switch in.Type {
	case "participant_joined":
		var p presenceData
		if !data(&p) || p.Name == "" {
			return
		}
		l.upsertRoster(models.RosterEntry{ID: p.ID, Name: p.Name, JoinedAt: l.opts.Clock.Now()})
		l.publish()
	case "participant_left":
		var p presenceData
		if !data(&p) {
			return
		}
		if l.removeRoster(p.ID, p.Name) {
			l.publish()
		}
	case "meeting_started":
		l.log.Info("meeting started")
	case "meeting_ending":
		var p struct {
			Countdown int `json:"countdown_seconds"`
		}
		data(&p)
		msg := "The meeting is ending"
		if p.Countdown > 0 {
			msg = fmt.Sprintf("The meeting ends in %d seconds", p.Countdown)
		}
		l.notify(LevelInfo, "meeting", msg)
	case "meeting_ended", "processing_started":
		l.enterProcessing()
	case "processing_progress":
		var p models.Processing
		if !data(&p) {
			return
		}
		l.enterProcessing()
		if l.state.Status != StatusProcessing {
			return
		}
		l.state.Processing.Step = p.Step
		l.state.Processing.Total = p.Total
		l.state.Processing.StepName = p.StepName
		l.publish()
	case "processing_completed":
		var p models.Processing
		data(&p)
		l.enterProcessing()
		if l.state.Status != StatusProcessing {
			return
		}
		l.state.Processing.SummaryID = p.SummaryID
		l.state.Processing.TaskCount = p.TaskCount
		if l.state.Processing.Total > 0 {
			l.state.Processing.Step = l.state.Processing.Total
		}
		l.notify(LevelInfo, "meeting", "The meeting summary is ready")
		l.finish()
	case "recording_started", "recording_stopped":
		l.state.Recording = in.Type == "recording_started"
		l.publish()
	case "screen_share_started":
		var p struct {
			ParticipantName string `json:"participant_name"`
		}
		data(&p)
		if p.ParticipantName == "" {
			p.ParticipantName = "Unknown"
		}
		l.state.Presenter = p.ParticipantName
		l.publish()
	case "screen_share_stopped":
		l.state.Presenter = ""
		l.publish()
	case "error":
		var p struct {
			Message string `json:"message"`
		}
		data(&p)
		msg := p.Message
		if msg == "" {
			msg = f.Message
		}
		if msg == "" {
			msg = "The meeting server reported an error"
		}
		l.notify(LevelError, "meeting", msg)
	default:
		l.log.Debug("ignoring meeting event", zap.String("type", in.Type))
	}
}

func (l *Lifecycle) upsertRoster(e models.RosterEntry) {
	for i, cur := range l.state.Roster {
		if sameParticipant(cur, e.ID, e.Name) {
			if e.JoinedAt.IsZero() || (!cur.JoinedAt.IsZero() && cur.JoinedAt.Before(e.JoinedAt)) {
				e.JoinedAt = cur.JoinedAt
			}
			l.state.Roster[i] = e
			return
		}
	}
	l.state.Roster = append(l.state.Roster, e)
}

func (l *Lifecycle) removeRoster(id, name string) bool {
	for i, cur := range l.state.Roster {
		if sameParticipant(cur, id, name) {
			l.state.Roster = append(l.state.Roster[:i], l.state.Roster[i+1:]...)
			return true
		}
	}
	return false
}

// Entries match by id when both sides have one, by name otherwise.
func sameParticipant(e models.RosterEntry, id, name string) bool {
	if e.ID != "" && id != "" {
		return e.ID == id
	}
	return e.Name == name
}
