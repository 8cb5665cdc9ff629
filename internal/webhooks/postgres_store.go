package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PostgresStore persists webhook subscriptions in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed webhook store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, owner_address, url, secret, events, flight_address, active,
	created_at, last_success, last_error, consecutive_failures`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return err
	}
	var flight sql.NullString
	if sub.Flight != nil {
		flight = sql.NullString{String: sub.Flight.Hex(), Valid: true}
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, owner_address, url, secret, events, flight_address, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sub.ID, sub.Owner.Hex(), sub.URL, sub.Secret, eventsJSON, flight, sub.Active, sub.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs, err := scanSubscriptions(rows)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, ErrNotFound
	}
	return subs[0], nil
}

func (p *PostgresStore) ListByOwner(ctx context.Context, owner common.Address) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM webhooks
		WHERE owner_address = $1
		ORDER BY created_at, id
	`, owner.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func (p *PostgresStore) ListActive(ctx context.Context) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM webhooks
		WHERE active = TRUE
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func (p *PostgresStore) RecordDelivery(ctx context.Context, id string, at time.Time, deliveryErr string, maxFailures int) error {
	var res sql.Result
	var err error
	if deliveryErr == "" {
		res, err = p.db.ExecContext(ctx, `
			UPDATE webhooks
			SET last_success = $2, last_error = NULL, consecutive_failures = 0
			WHERE id = $1
		`, id, at)
	} else {
		res, err = p.db.ExecContext(ctx, `
			UPDATE webhooks
			SET last_error = $2,
			    consecutive_failures = consecutive_failures + 1,
			    active = active AND ($3 <= 0 OR consecutive_failures + 1 < $3)
			WHERE id = $1
		`, id, deliveryErr, maxFailures)
	}
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	subs := []*Subscription{}
	for rows.Next() {
		sub := &Subscription{}
		var (
			owner       string
			eventsJSON  []byte
			flight      sql.NullString
			lastSuccess sql.NullTime
			lastError   sql.NullString
		)
		if err := rows.Scan(
			&sub.ID, &owner, &sub.URL, &sub.Secret, &eventsJSON, &flight, &sub.Active,
			&sub.CreatedAt, &lastSuccess, &lastError, &sub.ConsecutiveFailures,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(eventsJSON, &sub.Events); err != nil {
			return nil, errors.Join(errors.New("corrupt webhook events"), err)
		}

		sub.Owner = common.HexToAddress(owner)
		if flight.Valid {
			f := common.HexToAddress(flight.String)
			sub.Flight = &f
		}
		if lastSuccess.Valid {
			t := lastSuccess.Time
			sub.LastSuccess = &t
		}
		sub.LastError = lastError.String
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
