package transfers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mulehunter/mulehunter/internal/scorer"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transfer store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const outcomeColumns = `id, idempotency_key, source_account, target_account, amount,
	risk_score, verdict, score_source, suspected_fraud,
	fp_detected, fp_risk, fp_velocity, fp_fanout,
	outgoing_applied, incoming_applied, ledger_consistent, reconciled_at, created_at`

func (p *PostgresStore) Append(ctx context.Context, o *Outcome) error {
	var (
		fpDetected sql.NullBool
		fpRisk     sql.NullFloat64
		fpVelocity sql.NullInt64
		fpFanout   sql.NullInt64
	)
	if fp := o.Fingerprint; fp != nil {
		fpDetected = sql.NullBool{Bool: fp.Detected, Valid: true}
		fpRisk = sql.NullFloat64{Float64: fp.Risk, Valid: true}
		fpVelocity = sql.NullInt64{Int64: int64(fp.Velocity), Valid: true}
		fpFanout = sql.NullInt64{Int64: int64(fp.Fanout), Valid: true}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transfer_outcomes (`+outcomeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		o.ID, sql.NullString{String: o.IdempotencyKey, Valid: o.IdempotencyKey != ""},
		o.SourceAccount, o.TargetAccount, o.Amount,
		o.RiskScore, string(o.Verdict), string(o.ScoreSource), o.SuspectedFraud,
		fpDetected, fpRisk, fpVelocity, fpFanout,
		o.OutgoingApplied, o.IncomingApplied, o.LedgerConsistent, o.ReconciledAt, o.CreatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert transfer outcome: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Outcome, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+outcomeColumns+` FROM transfer_outcomes WHERE id = $1`, id)
	o, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Outcome, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Account != nil {
		n := arg(*f.Account)
		where = append(where, "(source_account = "+n+" OR target_account = "+n+")")
	}
	if f.Flagged {
		where = append(where, "suspected_fraud")
	}
	if f.Inconsistent {
		where = append(where, "NOT ledger_consistent")
	}
	if f.Cursor != nil {
		where = append(where, "(created_at, id) < ("+arg(f.Cursor.CreatedAt)+", "+arg(f.Cursor.ID)+")")
	}

	query := `SELECT ` + outcomeColumns + ` FROM transfer_outcomes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkLegs(ctx context.Context, id string, outgoing, incoming bool, at time.Time) (*Outcome, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE transfer_outcomes SET
			outgoing_applied  = outgoing_applied OR $2,
			incoming_applied  = incoming_applied OR $3,
			ledger_consistent = ledger_consistent OR ((outgoing_applied OR $2) AND (incoming_applied OR $3)),
			reconciled_at     = CASE
				WHEN NOT ledger_consistent AND (outgoing_applied OR $2) AND (incoming_applied OR $3) THEN $4::TIMESTAMPTZ
				ELSE reconciled_at
			END
		WHERE id = $1
		RETURNING `+outcomeColumns,
		id, outgoing, incoming, at)
	o, err := scanOutcome(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark legs for %s: %w", id, err)
	}
	return o, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOutcome(s scanner) (*Outcome, error) {
	var (
		o          Outcome
		idemKey    sql.NullString
		verdict    string
		source     string
		fpDetected sql.NullBool
		fpRisk     sql.NullFloat64
		fpVelocity sql.NullInt64
		fpFanout   sql.NullInt64
		reconciled sql.NullTime
	)
	err := s.Scan(&o.ID, &idemKey, &o.SourceAccount, &o.TargetAccount, &o.Amount,
		&o.RiskScore, &verdict, &source, &o.SuspectedFraud,
		&fpDetected, &fpRisk, &fpVelocity, &fpFanout,
		&o.OutgoingApplied, &o.IncomingApplied, &o.LedgerConsistent, &reconciled, &o.CreatedAt)
	if err != nil {
		return nil, err
	}
	o.IdempotencyKey = idemKey.String
	o.Verdict = scorer.Verdict(verdict)
	o.ScoreSource = scorer.Source(source)
	if fpDetected.Valid {
		o.Fingerprint = &FingerprintSignal{
			Detected: fpDetected.Bool,
			Risk:     fpRisk.Float64,
			Velocity: int(fpVelocity.Int64),
			Fanout:   int(fpFanout.Int64),
		}
	}
	if reconciled.Valid {
		t := reconciled.Time
		o.ReconciledAt = &t
	}
	return &o, nil
}
