package anomaly

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed anomaly score store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Upsert(ctx context.Context, s *Score) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO anomaly_scores (node_id, anomaly_score, is_anomalous, model, source, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (node_id) DO UPDATE SET
			anomaly_score = EXCLUDED.anomaly_score,
			is_anomalous  = EXCLUDED.is_anomalous,
			model         = EXCLUDED.model,
			source        = EXCLUDED.source,
			updated_at    = EXCLUDED.updated_at`,
		s.NodeID, s.AnomalyScore, s.IsAnomalous, s.Model, s.Source, s.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, nodeID int64) (*Score, error) {
	var s Score
	err := p.db.QueryRowContext(ctx, `
		SELECT node_id, anomaly_score, is_anomalous, model, source, updated_at
		FROM anomaly_scores WHERE node_id = $1`, nodeID,
	).Scan(&s.NodeID, &s.AnomalyScore, &s.IsAnomalous, &s.Model, &s.Source, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *PostgresStore) List(ctx context.Context, anomalousOnly bool, limit int) ([]*Score, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT node_id, anomaly_score, is_anomalous, model, source, updated_at
		FROM anomaly_scores
		WHERE (NOT $1 OR is_anomalous)
		ORDER BY anomaly_score DESC, node_id ASC
		LIMIT $2`, anomalousOnly, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Score
	for rows.Next() {
		var s Score
		if err := rows.Scan(&s.NodeID, &s.AnomalyScore, &s.IsAnomalous, &s.Model, &s.Source, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
