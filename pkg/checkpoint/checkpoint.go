// Package checkpoint persists run state snapshots keyed by (thread_id,
// checkpoint_id). Three stores implement the contract: a volatile in-memory
// map, an embedded SQLite database in WAL mode, and a shared PostgreSQL
// backing store. Snapshots are JSON round-trips of the full state schema.
package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/maestro-ai/maestro/pkg/state"
)

// Store kinds selected by the CHECKPOINT_STORE knob.
const (
	KindMemory       = "memory"
	KindLocalDurable = "local_durable"
	KindPostgres     = "postgres"
)

// Info describes one stored checkpoint, newest first in List results.
type Info struct {
	CheckpointID string         `json:"checkpoint_id"`
	ThreadID     string         `json:"thread_id"`
	Meta         map[string]any `json:"meta,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Checkpointer is the session persistence contract. Put is at-least-once: a
// repeated put of the same (thread_id, checkpoint_id) replaces the snapshot.
// Get with an empty checkpointID returns the latest snapshot, or (nil, nil)
// when the thread has none. Concurrent puts for one thread are serialized.
type Checkpointer interface {
	Put(ctx context.Context, threadID, checkpointID string, snapshot *state.RunState, meta map[string]any) error
	Get(ctx context.Context, threadID, checkpointID string) (*state.RunState, error)
	List(ctx context.Context, threadID string) ([]Info, error)
	Delete(ctx context.Context, threadID string) error
	Close() error
}

// Open builds the checkpointer for the configured store kind. path is the
// SQLite file for local_durable; dsn is the PostgreSQL connection string.
func Open(ctx context.Context, kind, path, dsn string) (Checkpointer, error) {
	switch kind {
	case KindMemory:
		return NewMemory(), nil
	case KindLocalDurable:
		return NewSQLite(ctx, path)
	case KindPostgres:
		return NewPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown checkpoint store %q", kind)
	}
}
