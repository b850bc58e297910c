package models

import "time"

// Meeting is the backend's view of one meeting room.
type Meeting struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	Code             string     `json:"code,omitempty"`
	Language         string     `json:"language,omitempty"`
	Status           string     `json:"status"`    // waiting, active, processing, completed
	HostName         string     `json:"host_name"`
	ParticipantCount int        `json:"participant_count"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
}

// JoinResult is returned by the join endpoint. The participant then waits
// in the lobby under ParticipantID.
type JoinResult struct {
	ParticipantID string `json:"participant_id"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
}

// EndResult is returned when the host ends a meeting.
type EndResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// RosterEntry is one participant currently in the live meeting.
type RosterEntry struct {
	ID       string    `json:"id,omitempty"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joined_at"`
}

// Processing reports post-meeting processing progress.
type Processing struct {
	Step      int    `json:"step"`
	Total     int    `json:"total_steps"`
	StepName  string `json:"current_step_name,omitempty"`
	SummaryID string `json:"summary_id,omitempty"`
	TaskCount int    `json:"task_count,omitempty"`
}
