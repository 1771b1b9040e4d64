package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore keeps subscriptions in the webhook_subscriptions table.
// Event types are stored as a text array so ListByEvent can use the GIN
// index.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectSubscription = `
	SELECT id, url, secret, events, active, created_at, last_success, last_error, consecutive_failures
	FROM webhook_subscriptions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub         Subscription
		events      []string
		lastSuccess sql.NullTime
		lastError   sql.NullString
	)
	if err := row.Scan(&sub.ID, &sub.URL, &sub.Secret, pq.Array(&events), &sub.Active,
		&sub.CreatedAt, &lastSuccess, &lastError, &sub.ConsecutiveFailures); err != nil {
		return nil, err
	}
	sub.Events = make([]EventType, len(events))
	for i, e := range events {
		sub.Events[i] = EventType(e)
	}
	if lastSuccess.Valid {
		sub.LastSuccess = &lastSuccess.Time
	}
	sub.LastError = lastError.String
	return &sub, nil
}

func (p *PostgresStore) query(ctx context.Context, tail string, args ...any) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, selectSubscription+" "+tail, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	events := make([]string, len(sub.Events))
	for i, e := range sub.Events {
		events[i] = string(e)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		sub.ID, sub.URL, sub.Secret, pq.Array(events), sub.Active, sub.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	sub, err := scanSubscription(p.db.QueryRowContext(ctx, selectSubscription+" WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func (p *PostgresStore) List(ctx context.Context) ([]*Subscription, error) {
	return p.query(ctx, "ORDER BY created_at DESC, id")
}

func (p *PostgresStore) ListByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	return p.query(ctx, "WHERE active AND events @> ARRAY[$1]::text[] ORDER BY created_at DESC, id", string(eventType))
}

// RecordDelivery stamps a success when deliveryErr is empty. Otherwise it
// counts a failure and deactivates the subscription at
// MaxConsecutiveFailures.
func (p *PostgresStore) RecordDelivery(ctx context.Context, id string, at time.Time, deliveryErr string) error {
	var (
		res sql.Result
		err error
	)
	if deliveryErr == "" {
		res, err = p.db.ExecContext(ctx, `
			UPDATE webhook_subscriptions
			SET last_success = $2, last_error = NULL, consecutive_failures = 0
			WHERE id = $1`, id, at)
	} else {
		res, err = p.db.ExecContext(ctx, `
			UPDATE webhook_subscriptions
			SET last_error = $2,
			    consecutive_failures = consecutive_failures + 1,
			    active = active AND consecutive_failures + 1 < $3
			WHERE id = $1`, id, deliveryErr, MaxConsecutiveFailures)
	}
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func oneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	switch {
	case err != nil:
		return err
	case n == 0:
		return ErrNotFound
	}
	return nil
}
