package models

import "time"

// LobbyParticipant is a participant waiting for the host to admit them.
type LobbyParticipant struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	RequestedAt time.Time `json:"timestamp"`
}
