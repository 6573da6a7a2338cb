// Package store holds the persistent task.Store implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nasa-jpl/astrotask/task"
)

// Schema creates the task table if it does not exist.
const Schema = `
CREATE TABLE IF NOT EXISTS taskqueue (
	id          BIGSERIAL PRIMARY KEY,
	parameters  JSONB NOT NULL,
	state       TEXT NOT NULL,
	lastchange  TIMESTAMPTZ NOT NULL,
	cause       TEXT NOT NULL DEFAULT '',
	filename    TEXT NOT NULL DEFAULT '',
	frame_x     INTEGER NOT NULL DEFAULT 0,
	frame_y     INTEGER NOT NULL DEFAULT 0,
	frame_w     INTEGER NOT NULL DEFAULT 0,
	frame_h     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS taskqueue_state ON taskqueue (state, id);
`

const columns = `id, parameters, state, lastchange, cause, filename, frame_x, frame_y, frame_w, frame_h`

// Postgres is a task.Store backed by a PostgreSQL table.
type Postgres struct {
	db  *pgxpool.Pool
	log *zap.Logger
}

// NewPostgres connects to databaseURL, verifies the connection and creates
// the schema.
func NewPostgres(ctx context.Context, databaseURL string, log *zap.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Postgres{db: pool, log: log}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	if p.db != nil {
		p.db.Close()
	}
}

// Insert implements task.Store.
func (p *Postgres) Insert(ctx context.Context, e *task.Entry) error {
	params, err := json.Marshal(e.Params)
	if err != nil {
		return err
	}
	q := `
INSERT INTO taskqueue (parameters, state, lastchange, cause, filename, frame_x, frame_y, frame_w, frame_h)
VALUES ($1::jsonb, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id;
`
	err = p.db.QueryRow(ctx, q, params, e.State.String(), e.LastChange, e.Cause, e.Filename,
		e.Frame.X, e.Frame.Y, e.Frame.W, e.Frame.H).Scan(&e.ID)
	if err != nil {
		return err
	}
	p.log.Debug("task inserted", zap.Int64("id", e.ID))
	return nil
}

// Pending implements task.Store.
func (p *Postgres) Pending(ctx context.Context) ([]task.Entry, error) {
	return p.List(ctx, task.Pending)
}

// Update implements task.Store.  The parameters of an entry never change
// and are not rewritten.
func (p *Postgres) Update(ctx context.Context, e task.Entry) error {
	q := `
UPDATE taskqueue
SET state = $2, lastchange = $3, cause = $4, filename = $5,
    frame_x = $6, frame_y = $7, frame_w = $8, frame_h = $9
WHERE id = $1;
`
	tag, err := p.db.Exec(ctx, q, e.ID, e.State.String(), e.LastChange, e.Cause, e.Filename,
		e.Frame.X, e.Frame.Y, e.Frame.W, e.Frame.H)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return task.ErrNotFound
	}
	return nil
}

// Get implements task.Store.
func (p *Postgres) Get(ctx context.Context, id int64) (task.Entry, error) {
	q := `SELECT ` + columns + ` FROM taskqueue WHERE id = $1;`
	e, err := scan(p.db.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return task.Entry{}, task.ErrNotFound
	}
	return e, err
}

// Remove implements task.Store.
func (p *Postgres) Remove(ctx context.Context, id int64) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM taskqueue WHERE id = $1;`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return task.ErrNotFound
	}
	return nil
}

// List implements task.Store.
func (p *Postgres) List(ctx context.Context, s task.State) ([]task.Entry, error) {
	q := `SELECT ` + columns + ` FROM taskqueue WHERE state = $1 ORDER BY id;`
	rows, err := p.db.Query(ctx, q, s.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.Entry
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scan(row pgx.Row) (task.Entry, error) {
	var (
		e      task.Entry
		params []byte
		state  string
	)
	err := row.Scan(&e.ID, &params, &state, &e.LastChange, &e.Cause, &e.Filename,
		&e.Frame.X, &e.Frame.Y, &e.Frame.W, &e.Frame.H)
	if err != nil {
		return e, err
	}
	if e.State, err = task.ParseState(state); err != nil {
		return e, err
	}
	if err := json.Unmarshal(params, &e.Params); err != nil {
		return e, fmt.Errorf("task %d: corrupt parameters: %w", e.ID, err)
	}
	e.LastChange = e.LastChange.UTC()
	return e, nil
}
