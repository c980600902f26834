package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/agentarena/server/internal/faults"
)

// AgentRow is one registered caller identity. The api key is stored only
// as a bcrypt hash; the raw key is returned once at registration.
type AgentRow struct {
	ID          string
	Name        string
	Description string
	APIKeyHash  string
	CreatedAt   time.Time
}

type AgentRepo struct {
	db *DB
}

func NewAgentRepo(db *DB) *AgentRepo {
	return &AgentRepo{db: db}
}

// Register creates an agent identity and returns it with the raw api
// key. A taken name is ErrConflict.
func (r *AgentRepo) Register(ctx context.Context, name, description string) (*AgentRow, string, error) {
	rawKey := uuid.NewString()
	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	row := &AgentRow{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		APIKeyHash:  string(hash),
		CreatedAt:   time.Now(),
	}
	_, err = r.db.Pool.Exec(ctx,
		`INSERT INTO agents (id, name, description, api_key_hash) VALUES ($1, $2, $3, $4)`,
		row.ID, row.Name, row.Description, row.APIKeyHash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return nil, "", fmt.Errorf("agent name %q taken: %w", name, faults.ErrConflict)
		}
		return nil, "", fmt.Errorf("register agent: %v: %w", err, faults.ErrStoreFailure)
	}
	return row, rawKey, nil
}

// Load fetches an agent by id.
func (r *AgentRepo) Load(ctx context.Context, id string) (*AgentRow, error) {
	row := &AgentRow{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, name, description, api_key_hash, created_at FROM agents WHERE id = $1`, id,
	).Scan(&row.ID, &row.Name, &row.Description, &row.APIKeyHash, &row.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, faults.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load agent: %v: %w", err, faults.ErrStoreFailure)
	}
	return row, nil
}

// ValidateKey checks a raw api key against the stored hash.
func (r *AgentRepo) ValidateKey(hash, rawKey string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(rawKey)) == nil
}
