package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/maestro-ai/maestro/pkg/state"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id     TEXT NOT NULL,
	checkpoint_id TEXT NOT NULL,
	snapshot      TEXT NOT NULL,
	meta          TEXT,
	created_at    TIMESTAMP NOT NULL,
	UNIQUE (thread_id, checkpoint_id)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints (thread_id, id);
`

// SQLite is the local_durable store: an embedded pure-Go SQLite database in
// WAL mode. WAL gives concurrent readers with a single writer; the writeMu
// serializes our writes so busy errors cannot surface under concurrent puts.
type SQLite struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// NewSQLite opens (creating if needed) the checkpoint database at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Put(ctx context.Context, threadID, checkpointID string, snapshot *state.RunState, meta map[string]any) error {
	snapJSON, metaJSON, err := encode(snapshot, meta)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, checkpoint_id, snapshot, meta, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (thread_id, checkpoint_id)
		DO UPDATE SET snapshot = excluded.snapshot, meta = excluded.meta, created_at = excluded.created_at`,
		threadID, checkpointID, snapJSON, metaJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put checkpoint %s/%s: %w", threadID, checkpointID, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, threadID, checkpointID string) (*state.RunState, error) {
	query := `SELECT snapshot FROM checkpoints WHERE thread_id = ? ORDER BY id DESC LIMIT 1`
	args := []any{threadID}
	if checkpointID != "" {
		query = `SELECT snapshot FROM checkpoints WHERE thread_id = ? AND checkpoint_id = ?`
		args = append(args, checkpointID)
	}

	var snapJSON []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&snapJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s/%s: %w", threadID, checkpointID, err)
	}
	return decode(snapJSON)
}

func (s *SQLite) List(ctx context.Context, threadID string) ([]Info, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT checkpoint_id, meta, created_at FROM checkpoints
		WHERE thread_id = ? ORDER BY id DESC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints for %s: %w", threadID, err)
	}
	defer rows.Close()

	var infos []Info
	for rows.Next() {
		info := Info{ThreadID: threadID}
		var metaJSON []byte
		if err := rows.Scan(&info.CheckpointID, &metaJSON, &info.CreatedAt); err != nil {
			return nil, err
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &info.Meta); err != nil {
				return nil, fmt.Errorf("decode checkpoint meta: %w", err)
			}
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *SQLite) Delete(ctx context.Context, threadID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete checkpoints for %s: %w", threadID, err)
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func encode(snapshot *state.RunState, meta map[string]any) (snapJSON, metaJSON []byte, err error) {
	snapJSON, err = json.Marshal(snapshot)
	if err != nil {
		return nil, nil, fmt.Errorf("encode snapshot: %w", err)
	}
	if meta != nil {
		metaJSON, err = json.Marshal(meta)
		if err != nil {
			return nil, nil, fmt.Errorf("encode checkpoint meta: %w", err)
		}
	}
	return snapJSON, metaJSON, nil
}

func decode(snapJSON []byte) (*state.RunState, error) {
	var snapshot state.RunState
	if err := json.Unmarshal(snapJSON, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snapshot, nil
}
