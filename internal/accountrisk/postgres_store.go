package accountrisk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// PostgresStore implements Store with PostgreSQL. Each Apply is a single
// upsert whose arithmetic runs in SQL, so concurrent writers from other
// processes cannot lose updates either.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `node_id, in_degree, out_degree, total_incoming, total_outgoing,
	balance, risk_ratio, tx_velocity, account_age_days, updated_at`

// Apply upserts the record. The first touch inserts the seed values with the
// delta already folded in; later touches add to the stored totals.
func (p *PostgresStore) Apply(ctx context.Context, nodeID int64, d Delta) (*Record, error) {
	var inDeg, outDeg int64
	inAmt, outAmt := decimal.Zero, decimal.Zero
	switch d.Direction {
	case Incoming:
		inDeg, inAmt = 1, d.Amount
	case Outgoing:
		outDeg, outAmt = 1, d.Amount
	default:
		return nil, fmt.Errorf("unknown direction %q", d.Direction)
	}

	row := p.db.QueryRowContext(ctx, `
		INSERT INTO account_risk AS a (
			node_id, in_degree, out_degree, total_incoming, total_outgoing,
			balance, risk_ratio, tx_velocity, account_age_days, updated_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC, $5::NUMERIC,
			$4::NUMERIC - $5::NUMERIC,
			(($5::NUMERIC + 1) / ($4::NUMERIC + 1))::DOUBLE PRECISION,
			1.0, 0, $6
		)
		ON CONFLICT (node_id) DO UPDATE SET
			in_degree      = a.in_degree + EXCLUDED.in_degree,
			out_degree     = a.out_degree + EXCLUDED.out_degree,
			total_incoming = a.total_incoming + EXCLUDED.total_incoming,
			total_outgoing = a.total_outgoing + EXCLUDED.total_outgoing,
			balance        = a.balance + EXCLUDED.balance,
			risk_ratio     = ((a.total_outgoing + EXCLUDED.total_outgoing + 1)
			                 / (a.total_incoming + EXCLUDED.total_incoming + 1))::DOUBLE PRECISION,
			updated_at     = EXCLUDED.updated_at
		RETURNING `+recordColumns,
		nodeID, inDeg, outDeg, inAmt, outAmt, d.At)

	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert account %d: %w", nodeID, err)
	}
	return rec, nil
}

func (p *PostgresStore) Get(ctx context.Context, nodeID int64) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM account_risk WHERE node_id = $1`, nodeID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM account_risk
		ORDER BY risk_ratio DESC, node_id ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var r Record
	err := s.Scan(&r.NodeID, &r.InDegree, &r.OutDegree, &r.TotalIncoming, &r.TotalOutgoing,
		&r.Balance, &r.RiskRatio, &r.TxVelocity, &r.AccountAgeDays, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
