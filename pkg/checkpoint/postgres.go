package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/maestro-ai/maestro/pkg/state"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	id            BIGSERIAL PRIMARY KEY,
	thread_id     TEXT NOT NULL,
	checkpoint_id TEXT NOT NULL,
	snapshot      JSONB NOT NULL,
	meta          JSONB,
	created_at    TIMESTAMPTZ NOT NULL,
	UNIQUE (thread_id, checkpoint_id)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints (thread_id, id);
`

// Postgres is the shared backing store for deployments where multiple
// services inspect sessions. Row-level locking serializes concurrent puts for
// one (thread_id, checkpoint_id).
type Postgres struct {
	db *sql.DB
}

// NewPostgres connects to dsn, verifies the connection, and ensures the
// checkpoint schema exists.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres checkpoint store: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres checkpoint store: %w", err)
	}

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Put(ctx context.Context, threadID, checkpointID string, snapshot *state.RunState, meta map[string]any) error {
	snapJSON, metaJSON, err := encode(snapshot, meta)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, checkpoint_id, snapshot, meta, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (thread_id, checkpoint_id)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, meta = EXCLUDED.meta, created_at = EXCLUDED.created_at`,
		threadID, checkpointID, snapJSON, metaJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("put checkpoint %s/%s: %w", threadID, checkpointID, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, threadID, checkpointID string) (*state.RunState, error) {
	query := `SELECT snapshot FROM checkpoints WHERE thread_id = $1 ORDER BY id DESC LIMIT 1`
	args := []any{threadID}
	if checkpointID != "" {
		query = `SELECT snapshot FROM checkpoints WHERE thread_id = $1 AND checkpoint_id = $2`
		args = append(args, checkpointID)
	}

	var snapJSON []byte
	err := p.db.QueryRowContext(ctx, query, args...).Scan(&snapJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s/%s: %w", threadID, checkpointID, err)
	}
	return decode(snapJSON)
}

func (p *Postgres) List(ctx context.Context, threadID string) ([]Info, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT checkpoint_id, meta, created_at FROM checkpoints
		WHERE thread_id = $1 ORDER BY id DESC`, threadID)
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

func (p *Postgres) Delete(ctx context.Context, threadID string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("delete checkpoints for %s: %w", threadID, err)
	}
	return nil
}

func (p *Postgres) Close() error { return p.db.Close() }
