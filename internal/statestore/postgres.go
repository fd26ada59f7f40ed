package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"statarb-go/internal/ledger"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS pair_snapshots (
	pair           TEXT PRIMARY KEY,
	state          TEXT NOT NULL,
	positions      JSONB NOT NULL,
	last_processed TIMESTAMPTZ NOT NULL,
	halted         BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at     TIMESTAMPTZ NOT NULL
)`

// PostgresStore persists snapshots in a single upsert-per-pair table.
// Positions travel as JSONB so decimal quantities keep their exact string
// form.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, verifies the connection, and ensures the schema.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, snapshotSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure snapshot schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Save(ctx context.Context, snap Snapshot) error {
	positions, err := json.Marshal(snap.Positions)
	if err != nil {
		return fmt.Errorf("marshal positions: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pair_snapshots (pair, state, positions, last_processed, halted, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (pair) DO UPDATE SET
			state = EXCLUDED.state,
			positions = EXCLUDED.positions,
			last_processed = EXCLUDED.last_processed,
			halted = EXCLUDED.halted,
			updated_at = EXCLUDED.updated_at`,
		snap.Pair, string(snap.State), positions, snap.LastProcessed, snap.Halted, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert snapshot %s: %w", snap.Pair, err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, pair string) (Snapshot, bool, error) {
	var (
		snap      Snapshot
		state     string
		positions []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT pair, state, positions, last_processed, halted, updated_at
		FROM pair_snapshots WHERE pair = $1`, pair).
		Scan(&snap.Pair, &state, &positions, &snap.LastProcessed, &snap.Halted, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load snapshot %s: %w", pair, err)
	}
	snap.State = ledger.StrategyState(state)
	if err := json.Unmarshal(positions, &snap.Positions); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode positions %s: %w", pair, err)
	}
	return snap, true, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
