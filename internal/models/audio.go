package models

// AudioChunk is one fixed-duration window of captured microphone audio.
// Offset is Sequence times the chunk duration, in seconds.
type AudioChunk struct {
	ID       string  `json:"id"`
	Sequence int     `json:"sequence"`
	Offset   float64 `json:"timestamp_offset"`
	Data     []byte  `json:"-"`
}
