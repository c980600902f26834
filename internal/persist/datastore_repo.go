package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agentarena/server/internal/faults"
)

// DataStoreRepo is the Postgres-backed persistent key-value store. Keys
// are scoped per game (not per instance); concurrent writers to the same
// key are serialized by the row lock, and a version check turns a lost
// update into a retryable Conflict.
type DataStoreRepo struct {
	db *DB
}

func NewDataStoreRepo(db *DB) *DataStoreRepo {
	return &DataStoreRepo{db: db}
}

// Get returns the decoded JSON value for (gameID, key). A missing key is
// ErrNotFound; an unreachable store is ErrStoreFailure, never nil data.
func (r *DataStoreRepo) Get(ctx context.Context, gameID, key string) (any, error) {
	var raw []byte
	err := r.db.Pool.QueryRow(ctx,
		`SELECT value FROM game_datastore WHERE game_id = $1 AND key = $2`,
		gameID, key,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("datastore %s/%s: %w", gameID, key, faults.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("datastore get %s/%s: %v: %w", gameID, key, err, faults.ErrStoreFailure)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("datastore decode %s/%s: %v: %w", gameID, key, err, faults.ErrStoreFailure)
	}
	return v, nil
}

// Set upserts the value. The read-check-write runs in one transaction so
// a concurrent writer bumping the version between our read and write
// surfaces as ErrConflict rather than a silent lost update.
func (r *DataStoreRepo) Set(ctx context.Context, gameID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("datastore encode %s/%s: %v: %w", gameID, key, err, faults.ErrStoreFailure)
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("datastore begin: %v: %w", err, faults.ErrStoreFailure)
	}
	defer tx.Rollback(ctx)

	var version int64
	err = tx.QueryRow(ctx,
		`SELECT version FROM game_datastore WHERE game_id = $1 AND key = $2 FOR UPDATE`,
		gameID, key,
	).Scan(&version)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := tx.Exec(ctx,
			`INSERT INTO game_datastore (game_id, key, value) VALUES ($1, $2, $3)
			 ON CONFLICT (game_id, key) DO NOTHING`,
			gameID, key, raw,
		); err != nil {
			return fmt.Errorf("datastore insert %s/%s: %v: %w", gameID, key, err, faults.ErrStoreFailure)
		}
	case err != nil:
		return fmt.Errorf("datastore lock %s/%s: %v: %w", gameID, key, err, faults.ErrStoreFailure)
	default:
		tag, err := tx.Exec(ctx,
			`UPDATE game_datastore SET value = $3, version = version + 1, updated_at = NOW()
			 WHERE game_id = $1 AND key = $2 AND version = $4`,
			gameID, key, raw, version,
		)
		if err != nil {
			return fmt.Errorf("datastore update %s/%s: %v: %w", gameID, key, err, faults.ErrStoreFailure)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("datastore write collision on %s/%s: %w", gameID, key, faults.ErrConflict)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("datastore commit %s/%s: %v: %w", gameID, key, err, faults.ErrStoreFailure)
	}
	return nil
}
