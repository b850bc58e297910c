package memory

import (
	"context"
	"sync"

	"github.com/Vasu1712/meetsync/internal/models"
)

// TranscriptStore keeps segments in process memory.
type TranscriptStore struct {
	mu       sync.RWMutex
	meetings map[string]map[string]models.Segment // meetingID -> segmentID -> segment
}

// NewTranscriptStore creates an empty store.
func NewTranscriptStore() *TranscriptStore {
	return &TranscriptStore{meetings: make(map[string]map[string]models.Segment)}
}

// SaveSegment stores seg unless its id is already present.
func (s *TranscriptStore) SaveSegment(_ context.Context, meetingID string, seg models.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	segs, ok := s.meetings[meetingID]
	if !ok {
		segs = make(map[string]models.Segment)
		s.meetings[meetingID] = segs
	}
	if _, exists := segs[seg.ID]; exists {
		return nil
	}
	segs[seg.ID] = seg
	return nil
}

// Segments returns the meeting's segments ordered by start time.
func (s *TranscriptStore) Segments(_ context.Context, meetingID string) ([]models.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Segment, 0, len(s.meetings[meetingID]))
	for _, seg := range s.meetings[meetingID] {
		out = append(out, seg)
	}
	models.SortSegments(out)
	return out, nil
}

// Close is a no-op.
func (s *TranscriptStore) Close() error { return nil }
