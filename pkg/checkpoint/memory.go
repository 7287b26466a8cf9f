package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/maestro-ai/maestro/pkg/state"
)

// record is one stored snapshot. Snapshots are stored as deep copies so later
// mutations by the run never reach the store.
type record struct {
	info     Info
	snapshot *state.RunState
}

// Memory is the volatile single-process store for tests and development.
type Memory struct {
	mu      sync.RWMutex
	threads map[string][]record // insertion order, oldest first
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{threads: make(map[string][]record)}
}

func (m *Memory) Put(_ context.Context, threadID, checkpointID string, snapshot *state.RunState, meta map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := record{
		info: Info{
			CheckpointID: checkpointID,
			ThreadID:     threadID,
			Meta:         meta,
			CreatedAt:    time.Now().UTC(),
		},
		snapshot: snapshot.Clone(),
	}

	records := m.threads[threadID]
	for i, existing := range records {
		if existing.info.CheckpointID == checkpointID {
			records[i] = rec
			return nil
		}
	}
	m.threads[threadID] = append(records, rec)
	return nil
}

func (m *Memory) Get(_ context.Context, threadID, checkpointID string) (*state.RunState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.threads[threadID]
	if len(records) == 0 {
		return nil, nil
	}
	if checkpointID == "" {
		return records[len(records)-1].snapshot.Clone(), nil
	}
	for _, rec := range records {
		if rec.info.CheckpointID == checkpointID {
			return rec.snapshot.Clone(), nil
		}
	}
	return nil, nil
}

func (m *Memory) List(_ context.Context, threadID string) ([]Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := m.threads[threadID]
	infos := make([]Info, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		infos = append(infos, records[i].info)
	}
	return infos, nil
}

func (m *Memory) Delete(_ context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, threadID)
	return nil
}

func (m *Memory) Close() error { return nil }
