// Package statestore persists per-pair snapshots so a restart resumes the
// lifecycle state machine instead of re-deriving it, which is what keeps a
// crash from double-ordering.
package statestore

import (
	"context"
	"time"

	"statarb-go/internal/ledger"
)

// Snapshot is the durable record for one pair, written after every decision
// cycle that changed anything.
type Snapshot struct {
	Pair          string               `json:"pair"`
	State         ledger.StrategyState `json:"state"`
	Positions     []ledger.Position    `json:"positions"`
	LastProcessed time.Time            `json:"last_processed"`
	Halted        bool                 `json:"halted"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Store is the snapshot persistence boundary. Backends: local JSON files,
// Postgres, Redis.
type Store interface {
	// Save writes the snapshot, replacing any previous one for the pair.
	Save(ctx context.Context, snap Snapshot) error
	// Load returns the latest snapshot for the pair; found is false when
	// none has ever been written.
	Load(ctx context.Context, pair string) (snap Snapshot, found bool, err error)
	Close() error
}
