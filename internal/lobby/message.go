// Package lobby implements the admission protocol of a meeting: a
// participant waits for approval, a host approves or declines the waiting
// participants.
package lobby

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/Vasu1712/meetsync/internal/models"
	"github.com/Vasu1712/meetsync/internal/ws"
)

// ErrUnknownMessage is returned by Decode for frames it does not recognise.
var ErrUnknownMessage = errors.New("lobby: unknown message type")

// Message is one decoded lobby frame. The concrete types below are the only
// implementations.
type Message interface {
	lobbyMessage()
}

// Waiting tells a participant their position in the queue.
type Waiting struct {
	Position int `json:"position"`
}

// Approved admits a participant and carries the media session credential.
type Approved struct {
	Token    string `json:"token"`
	RoomID   string `json:"room_id"`
	MediaURL string `json:"livekit_url"`
}

// Declined tells a participant the host refused them.
type Declined struct {
	Reason string `json:"reason"`
}

// ServerError is a server-side failure reported on the lobby socket.
type ServerError struct {
	Message string `json:"message"`
}

// WaitingList is the full set of pending participants, sent to a host on
// connect.
type WaitingList struct {
	Participants []models.LobbyParticipant `json:"participants"`
}

// JoinRequest announces a new pending participant to the host.
type JoinRequest struct {
	Participant models.LobbyParticipant `json:"participant"`
}

// ParticipantLeft tells the host a pending participant went away.
type ParticipantLeft struct {
	ParticipantID string `json:"participant_id"`
}

func (Waiting) lobbyMessage()         {}
func (Approved) lobbyMessage()        {}
func (Declined) lobbyMessage()        {}
func (ServerError) lobbyMessage()     {}
func (WaitingList) lobbyMessage()     {}
func (JoinRequest) lobbyMessage()     {}
func (ParticipantLeft) lobbyMessage() {}

// Decode maps an inbound frame onto its message type.
func Decode(in ws.Inbound) (Message, error) {
	if !in.Structured() {
		return nil, fmt.Errorf("%w: non-JSON frame", ErrUnknownMessage)
	}
	var (
		msg Message
		err error
	)
	switch in.Type {
	case "waiting":
		var m Waiting
		err = in.Decode(&m)
		msg = m
	case "approved":
		var m Approved
		err = in.Decode(&m)
		msg = m
	case "declined":
		var m Declined
		err = in.Decode(&m)
		msg = m
	case "error":
		var m ServerError
		err = in.Decode(&m)
		msg = m
	case "waiting_list":
		var m WaitingList
		err = in.Decode(&m)
		msg = m
	case "join_request":
		var m JoinRequest
		err = in.Decode(&m)
		msg = m
	case "participant_left":
		var m ParticipantLeft
		err = in.Decode(&m)
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, in.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s message: %w", in.Type, err)
	}
	return msg, nil
}

// ParticipantEndpoint is the lobby socket URL for a waiting participant.
func ParticipantEndpoint(base, meetingID, participantID string) (string, error) {
	return ws.Endpoint(base, "/ws/lobby/"+url.PathEscape(meetingID), url.Values{
		"role":           {"participant"},
		"participant_id": {participantID},
	})
}

// HostEndpoint is the lobby socket URL for the meeting host.
func HostEndpoint(base, meetingID string) (string, error) {
	return ws.Endpoint(base, "/ws/lobby/"+url.PathEscape(meetingID), url.Values{"role": {"host"}})
}

// Close codes the lobby server uses to reject a connection.
const (
	CodeMissingParticipant = 4400
	CodeMeetingNotFound    = 4004
	CodeInternal           = 4500
)

func rejectionReason(info ws.CloseInfo) string {
	switch info.Code {
	case CodeMeetingNotFound:
		return "meeting not found"
	case CodeMissingParticipant:
		return "participant id required"
	case CodeInternal:
		return "lobby unavailable"
	}
	if info.Reason != "" {
		return info.Reason
	}
	return fmt.Sprintf("rejected by server (code %d)", info.Code)
}
