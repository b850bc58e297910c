package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/Vasu1712/meetsync/internal/models"
)

// TranscriptStore keeps segments in a transcript_segments table.
type TranscriptStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS transcript_segments (
	meeting_id      TEXT NOT NULL,
	id              TEXT NOT NULL,
	speaker_name    TEXT NOT NULL,
	text            TEXT NOT NULL,
	start_time      DOUBLE PRECISION NOT NULL,
	end_time        DOUBLE PRECISION NOT NULL,
	language        TEXT NOT NULL DEFAULT '',
	confidence      DOUBLE PRECISION NOT NULL DEFAULT 0,
	sentiment_score DOUBLE PRECISION,
	sentiment_label TEXT NOT NULL DEFAULT '',
	words           TEXT NOT NULL DEFAULT '[]',
	stored_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (meeting_id, id)
);
CREATE INDEX IF NOT EXISTS transcript_segments_start ON transcript_segments (meeting_id, start_time);
`

// NewTranscriptStore connects to PostgreSQL and creates the table if needed.
func NewTranscriptStore(ctx context.Context, dataSourceName string) (*TranscriptStore, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create transcript schema: %w", err)
	}
	return &TranscriptStore{db: db}, nil
}

// SaveSegment inserts seg. A segment already stored under the same id is
// left untouched.
func (s *TranscriptStore) SaveSegment(ctx context.Context, meetingID string, seg models.Segment) error {
	words, err := json.Marshal(seg.Words)
	if err != nil {
		return fmt.Errorf("encode words: %w", err)
	}
	if seg.Words == nil {
		words = []byte("[]")
	}
	var score sql.NullFloat64
	if seg.SentimentScore != nil {
		score = sql.NullFloat64{Float64: *seg.SentimentScore, Valid: true}
	}
	query := `INSERT INTO transcript_segments
		(meeting_id, id, speaker_name, text, start_time, end_time, language, confidence, sentiment_score, sentiment_label, words)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (meeting_id, id) DO NOTHING`
	_, err = s.db.ExecContext(ctx, query,
		meetingID, seg.ID, seg.Speaker, seg.Text, seg.Start, seg.End,
		seg.Language, seg.Confidence, score, seg.SentimentLabel, string(words),
	)
	if err != nil {
		return fmt.Errorf("insert segment %s: %w", seg.ID, err)
	}
	return nil
}

// Segments returns the meeting's segments ordered by start time.
func (s *TranscriptStore) Segments(ctx context.Context, meetingID string) ([]models.Segment, error) {
	query := `
		SELECT id, speaker_name, text, start_time, end_time, language, confidence,
			sentiment_score, sentiment_label, words
		FROM transcript_segments
		WHERE meeting_id = $1
		ORDER BY start_time, id
	`
	rows, err := s.db.QueryContext(ctx, query, meetingID)
	if err != nil {
		return nil, fmt.Errorf("query segments for %s: %w", meetingID, err)
	}
	defer rows.Close()

	var segs []models.Segment
	for rows.Next() {
		var (
			seg   models.Segment
			score sql.NullFloat64
			words string
		)
		if err := rows.Scan(&seg.ID, &seg.Speaker, &seg.Text, &seg.Start, &seg.End,
			&seg.Language, &seg.Confidence, &score, &seg.SentimentLabel, &words); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		if score.Valid {
			v := score.Float64
			seg.SentimentScore = &v
		}
		if words != "" && words != "[]" {
			if err := json.Unmarshal([]byte(words), &seg.Words); err != nil {
				return nil, fmt.Errorf("decode words of %s: %w", seg.ID, err)
			}
		}
		segs = append(segs, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segments: %w", err)
	}
	return segs, nil
}

// Close releases the connection pool.
func (s *TranscriptStore) Close() error {
	return s.db.Close()
}
