package models

import (
	"encoding/json"
	"sort"
	"time"
)

// Word is the timing of one word inside a segment.
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Score float64 `json:"score,omitempty"`
}

// Segment is one finalized, speaker-attributed utterance. Times are seconds
// from the start of the meeting.
type Segment struct {
	ID             string   `json:"id"`
	Speaker        string   `json:"speaker_name"`
	Text           string   `json:"text"`
	Start          float64  `json:"start_time"`
	End            float64  `json:"end_time"`
	Language       string   `json:"language,omitempty"`
	Confidence     float64  `json:"confidence,omitempty"`
	SentimentScore *float64 `json:"sentiment_score,omitempty"`
	SentimentLabel string   `json:"sentiment_label,omitempty"`
	Words          []Word   `json:"words,omitempty"`
}

// UnmarshalJSON accepts both the REST field names and the shorter names
// the transcript socket uses (speaker, start, end).
func (s *Segment) UnmarshalJSON(data []byte) error {
	type plain Segment
	var w struct {
		plain
		Speaker *string  `json:"speaker"`
		Start   *float64 `json:"start"`
		End     *float64 `json:"end"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*s = Segment(w.plain)
	if s.Speaker == "" && w.Speaker != nil {
		s.Speaker = *w.Speaker
	}
	if w.Start != nil && s.Start == 0 {
		s.Start = *w.Start
	}
	if w.End != nil && s.End == 0 {
		s.End = *w.End
	}
	return nil
}

// Transcript is the full transcript of a meeting as returned by the backend.
type Transcript struct {
	MeetingID     string    `json:"meeting_id"`
	Segments      []Segment `json:"segments"`
	TotalSegments int       `json:"total_segments"`
	TotalDuration float64   `json:"total_duration"`
	Languages     []string  `json:"languages,omitempty"`
}

// CaptionEntry is a finalized live caption. Captions are best effort and
// are never matched against the segment that later covers the same speech.
type CaptionEntry struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Speaker   string    `json:"speaker"`
	Timestamp time.Time `json:"timestamp"`
}

// SortSegments orders segments by start time, then id, so stored
// transcripts read back in a stable order.
func SortSegments(segs []Segment) {
	sort.Slice(segs, func(i, j int) bool {
		if segs[i].Start != segs[j].Start {
			return segs[i].Start < segs[j].Start
		}
		return segs[i].ID < segs[j].ID
	})
}
