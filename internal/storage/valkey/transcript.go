package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/Vasu1712/meetsync/internal/models"
)

// DefaultTTL bounds how long a meeting's transcript stays cached.
const DefaultTTL = 7 * 24 * time.Hour

// TranscriptStore keeps one hash per meeting, segment id to JSON.
type TranscriptStore struct {
	client valkey.Client
	ttl    time.Duration
}

// NewTranscriptStore connects to the Valkey server at addr.
func NewTranscriptStore(ctx context.Context, addr string) (*TranscriptStore, error) {
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to valkey at %s: %w", addr, err)
	}
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("valkey ping: %w", err)
	}
	return NewWithClient(client, DefaultTTL), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client valkey.Client, ttl time.Duration) *TranscriptStore {
	return &TranscriptStore{client: client, ttl: ttl}
}

// Key is the hash holding a meeting's segments.
func Key(meetingID string) string {
	return "meetsync:transcript:" + meetingID
}

// SaveSegment stores seg unless the field already exists.
func (s *TranscriptStore) SaveSegment(ctx context.Context, meetingID string, seg models.Segment) error {
	data, err := json.Marshal(seg)
	if err != nil {
		return fmt.Errorf("encode segment %s: %w", seg.ID, err)
	}
	key := Key(meetingID)
	cmds := valkey.Commands{
		s.client.B().Hsetnx().Key(key).Field(seg.ID).Value(string(data)).Build(),
		s.client.B().Expire().Key(key).Seconds(int64(s.ttl / time.Second)).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("store segment %s: %w", seg.ID, err)
		}
	}
	return nil
}

// Segments returns the meeting's segments ordered by start time.
func (s *TranscriptStore) Segments(ctx context.Context, meetingID string) ([]models.Segment, error) {
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(Key(meetingID)).Build()).AsStrMap()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("load segments for %s: %w", meetingID, err)
	}
	segs := make([]models.Segment, 0, len(fields))
	for id, raw := range fields {
		var seg models.Segment
		if err := json.Unmarshal([]byte(raw), &seg); err != nil {
			return nil, fmt.Errorf("decode segment %s: %w", id, err)
		}
		segs = append(segs, seg)
	}
	models.SortSegments(segs)
	return segs, nil
}

// Close closes the client.
func (s *TranscriptStore) Close() error {
	s.client.Close()
	return nil
}
