package outcome

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vnmchuo/model-router/internal/registry"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	emb, err := json.Marshal(rec.Embedding)
	if err != nil {
		return fmt.Errorf("failed to encode embedding: %w", err)
	}

	query := `
		INSERT INTO outcome_records
			(router_id, request_id, tenant_id, model, provider, embedding,
			 cost_usd, latency_ms, quality, success, incomplete, error_kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`
	err = s.db.QueryRow(ctx, query,
		rec.RouterID, rec.RequestID, rec.TenantID, rec.Model, rec.Provider, emb,
		rec.CostUSD, rec.LatencyMs, rec.Quality, rec.Success, rec.Incomplete,
		rec.ErrorKind, rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to insert outcome record: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentByRouter(ctx context.Context, routerID string, limit int) ([]*Record, error) {
	query := `
		SELECT id, router_id, request_id, tenant_id, model, provider, embedding,
		       cost_usd, latency_ms, quality, success, incomplete, error_kind, created_at
		FROM outcome_records
		WHERE router_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, routerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcome records: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		var r Record
		var emb []byte
		err := rows.Scan(
			&r.ID, &r.RouterID, &r.RequestID, &r.TenantID, &r.Model, &r.Provider, &emb,
			&r.CostUSD, &r.LatencyMs, &r.Quality, &r.Success, &r.Incomplete,
			&r.ErrorKind, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outcome record: %w", err)
		}
		if len(emb) > 0 {
			if err := json.Unmarshal(emb, &r.Embedding); err != nil {
				return nil, fmt.Errorf("failed to decode embedding: %w", err)
			}
		}
		recs = append(recs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcome records: %w", err)
	}
	return recs, nil
}

func (s *PostgresStore) ModelStats(ctx context.Context, window time.Duration) (map[string]registry.Stats, error) {
	query := `
		SELECT model,
		       COALESCE(AVG(latency_ms) FILTER (WHERE success), 0),
		       COALESCE(AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END), 0),
		       COUNT(*)
		FROM outcome_records
		WHERE created_at > now() - $1::interval AND NOT incomplete
		GROUP BY model
	`
	rows, err := s.db.Query(ctx, query, fmt.Sprintf("%d seconds", int(window.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("failed to query model stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]registry.Stats)
	for rows.Next() {
		var model string
		var st registry.Stats
		if err := rows.Scan(&model, &st.AvgLatencyMs, &st.SuccessRate, &st.Samples); err != nil {
			return nil, fmt.Errorf("failed to scan model stats: %w", err)
		}
		stats[model] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating model stats: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) Summarize(ctx context.Context, tenantID string, from, to time.Time) (*Summary, error) {
	query := `
		SELECT model,
		       COUNT(*),
		       COALESCE(AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END), 0),
		       COALESCE(AVG(latency_ms) FILTER (WHERE success), 0),
		       COALESCE(SUM(cost_usd), 0)
		FROM outcome_records
		WHERE tenant_id = $1 AND created_at BETWEEN $2 AND $3
		GROUP BY model
		ORDER BY model
	`
	rows, err := s.db.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcome summary: %w", err)
	}
	defer rows.Close()

	sum := &Summary{}
	for rows.Next() {
		var m ModelSummary
		if err := rows.Scan(&m.Model, &m.Requests, &m.SuccessRate, &m.AvgLatencyMs, &m.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("failed to scan outcome summary: %w", err)
		}
		sum.PerModel = append(sum.PerModel, m)
		sum.TotalRequests += m.Requests
		sum.TotalCostUSD += m.TotalCostUSD
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcome summary: %w", err)
	}
	return sum, nil
}
