// Package storage keeps a local copy of each meeting's confirmed transcript
// so a restarted client can show it before the backend answers.
package storage

import (
	"context"
	"fmt"

	"github.com/Vasu1712/meetsync/internal/models"
	"github.com/Vasu1712/meetsync/internal/storage/memory"
	"github.com/Vasu1712/meetsync/internal/storage/postgres"
	"github.com/Vasu1712/meetsync/internal/storage/valkey"
)

// TranscriptStore persists confirmed segments per meeting. Saving a segment
// whose id is already stored is a no-op.
type TranscriptStore interface {
	SaveSegment(ctx context.Context, meetingID string, seg models.Segment) error
	Segments(ctx context.Context, meetingID string) ([]models.Segment, error)
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendValkey   = "valkey"
	BackendPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Backend     string
	ValkeyAddr  string
	PostgresDSN string
}

// Open returns the configured store.
func Open(ctx context.Context, opts Options) (TranscriptStore, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return memory.NewTranscriptStore(), nil
	case BackendValkey:
		return valkey.NewTranscriptStore(ctx, opts.ValkeyAddr)
	case BackendPostgres:
		return postgres.NewTranscriptStore(ctx, opts.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
