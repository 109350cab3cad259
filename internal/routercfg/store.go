package routercfg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrNotFound = errors.New("router config not found")

type Store interface {
	GetByID(ctx context.Context, id string) (*Config, error)
	Save(ctx context.Context, cfg *Config) error
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore keeps router configs as JSONB documents keyed by id; the
// dashboard that edits them is a separate system, this service only reads
// and seeds.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Config, error) {
	query := `SELECT config FROM router_configs WHERE id = $1`

	var raw []byte
	if err := s.db.QueryRow(ctx, query, id).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get router config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode router config: %w", err)
	}
	cfg.ID = id
	return &cfg, nil
}

func (s *PostgresStore) Save(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode router config: %w", err)
	}
	query := `
		INSERT INTO router_configs (id, config)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET config = EXCLUDED.config, updated_at = now()
	`
	if _, err := s.db.Exec(ctx, query, cfg.ID, raw); err != nil {
		return fmt.Errorf("failed to save router config: %w", err)
	}
	return nil
}
