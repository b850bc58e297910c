package meeting

import (
	"time"

	"github.com/Vasu1712/meetsync/internal/captions"
	"github.com/Vasu1712/meetsync/internal/lobby"
	"github.com/Vasu1712/meetsync/internal/models"
	"github.com/Vasu1712/meetsync/internal/ws"
)

// Status is the top-level meeting status.
type Status int

const (
	StatusIdle Status = iota
	StatusJoining
	StatusActive
	StatusProcessing
	StatusEnded
)

var statusNames = []string{"idle", "joining", "active", "processing", "ended"}

func (s Status) String() string {
	if int(s) < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Role decides how the client enters the meeting.
type Role int

const (
	RoleParticipant Role = iota
	RoleHost
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "participant"
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// ParseRole accepts "host" and "participant".
func ParseRole(s string) (Role, bool) {
	switch s {
	case "host":
		return RoleHost, true
	case "participant", "":
		return RoleParticipant, true
	}
	return RoleParticipant, false
}

// State is a point-in-time copy of everything the lifecycle tracks.
type State struct {
	Status        Status        `json:"status"`
	Role          Role          `json:"role"`
	MeetingID     string        `json:"meeting_id"`
	Name          string        `json:"name"`
	ParticipantID string        `json:"participant_id,omitempty"`
	StartedAt     time.Time     `json:"started_at,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`

	Roster       []models.RosterEntry      `json:"roster"`
	Recording    bool                      `json:"recording"`
	Presenter    string                    `json:"presenter,omitempty"`
	SharingLocal bool                      `json:"sharing_screen"`
	Processing   *models.Processing        `json:"processing,omitempty"`
	Admission    *lobby.Admission          `json:"admission,omitempty"`
	Waiting      []models.LobbyParticipant `json:"waiting,omitempty"`
	Captions     captions.Status           `json:"captions"`
	Connections  map[string]ws.Status      `json:"connections"`
}

func (s State) clone() State {
	out := s
	out.Roster = append([]models.RosterEntry(nil), s.Roster...)
	out.Waiting = append([]models.LobbyParticipant(nil), s.Waiting...)
	if s.Processing != nil {
		p := *s.Processing
		out.Processing = &p
	}
	if s.Admission != nil {
		a := *s.Admission
		out.Admission = &a
	}
	out.Connections = make(map[string]ws.Status, len(s.Connections))
	for k, v := range s.Connections {
		out.Connections[k] = v
	}
	return out
}

// Level grades a Notice.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is a user-facing message about something a component did or
// failed to do.
type Notice struct {
	Level   Level     `json:"level"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}
