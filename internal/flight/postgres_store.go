package flight

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"

	"github.com/parv3213/flight-escrow/internal/dbtx"
)

// PostgresStore persists flights in PostgreSQL. Every call runs inside the
// transaction carried by ctx when there is one.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed flight store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, f *Flight) error {
	return dbtx.Run(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		return p.create(ctx, tx, f)
	})
}

func (p *PostgresStore) create(ctx context.Context, tx *sql.Tx, f *Flight) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO flights (
			address, factory_addr, operator_addr, authority_addr,
			departure, departure_code, arrival_code,
			base_fare, bond, dispute_fee,
			delay_limit_seconds, withdraw_wait_seconds, withdraw_opens_at, passenger_limit,
			status, dispute_raiser, decision_reason, should_refund,
			operator_paid, raiser_claimed, created_at, updated_at, settled_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8::NUMERIC(78,0), $9::NUMERIC(78,0), $10::NUMERIC(78,0),
			$11, $12, $13, $14,
			$15, $16, $17, $18,
			$19, $20, $21, $22, $23
		)`,
		f.Address.Hex(), f.Factory.Hex(), f.Operator.Hex(), f.Authority.Hex(),
		f.Departure, f.DepartureCode.Hex(), f.ArrivalCode.Hex(),
		f.BaseFare.String(), f.Bond.String(), f.DisputeFee.String(),
		int64(f.DelayLimit/time.Second), int64(f.WithdrawWait/time.Second), f.WithdrawOpensAt(), f.PassengerLimit,
		string(f.Status), nullAddress(f.DisputeRaiser), nullString(f.DecisionReason), f.ShouldRefund,
		f.OperatorPaid, f.RaiserClaimed, f.CreatedAt, f.UpdatedAt, nullTime(f.SettledAt),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrFlightExists
		}
		return err
	}
	return upsertPassengers(ctx, tx, f)
}

const flightColumns = `address, factory_addr, operator_addr, authority_addr,
		       departure, departure_code, arrival_code,
		       base_fare, bond, dispute_fee,
		       delay_limit_seconds, withdraw_wait_seconds, passenger_limit,
		       status, dispute_raiser, decision_reason, should_refund,
		       operator_paid, raiser_claimed, created_at, updated_at, settled_at`

func (p *PostgresStore) Get(ctx context.Context, addr common.Address) (*Flight, error) {
	row := dbtx.Q(ctx, p.db).QueryRowContext(ctx, `SELECT `+flightColumns+` FROM flights WHERE address = $1`, addr.Hex())

	f, err := scanFlight(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFlightNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := p.loadPassengers(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (p *PostgresStore) Update(ctx context.Context, f *Flight) error {
	return dbtx.Run(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		return p.update(ctx, tx, f)
	})
}

func (p *PostgresStore) update(ctx context.Context, tx *sql.Tx, f *Flight) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE flights SET
			status = $1, dispute_raiser = $2, decision_reason = $3, should_refund = $4,
			operator_paid = $5, raiser_claimed = $6, updated_at = $7, settled_at = $8
		WHERE address = $9`,
		string(f.Status), nullAddress(f.DisputeRaiser), nullString(f.DecisionReason), f.ShouldRefund,
		f.OperatorPaid, f.RaiserClaimed, f.UpdatedAt, nullTime(f.SettledAt),
		f.Address.Hex(),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrFlightNotFound
	}
	return upsertPassengers(ctx, tx, f)
}

func (p *PostgresStore) Delete(ctx context.Context, addr common.Address) error {
	_, err := dbtx.Q(ctx, p.db).ExecContext(ctx, `DELETE FROM flights WHERE address = $1`, addr.Hex())
	return err
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Flight, error) {
	rows, err := dbtx.Q(ctx, p.db).QueryContext(ctx, `
		SELECT `+flightColumns+`
		FROM flights
		ORDER BY created_at DESC, address ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return p.collect(ctx, rows)
}

func (p *PostgresStore) ListDue(ctx context.Context, before time.Time, limit int) ([]*Flight, error) {
	rows, err := dbtx.Q(ctx, p.db).QueryContext(ctx, `
		SELECT `+flightColumns+`
		FROM flights
		WHERE operator_paid = FALSE
		  AND status <> 'disputed'
		  AND NOT (status = 'settled' AND should_refund)
		  AND withdraw_opens_at <= $1
		ORDER BY withdraw_opens_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	return p.collect(ctx, rows)
}

func (p *PostgresStore) collect(ctx context.Context, rows *sql.Rows) ([]*Flight, error) {
	var result []*Flight
	for rows.Next() {
		f, err := scanFlight(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, f := range result {
		if err := p.loadPassengers(ctx, f); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (p *PostgresStore) loadPassengers(ctx context.Context, f *Flight) error {
	rows, err := dbtx.Q(ctx, p.db).QueryContext(ctx, `
		SELECT buyer_addr, name, refunded
		FROM flight_passengers
		WHERE flight_address = $1
		ORDER BY idx ASC`, f.Address.Hex())
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	f.Passengers = []Passenger{}
	for rows.Next() {
		var (
			buyer string
			ps    Passenger
		)
		if err := rows.Scan(&buyer, &ps.Name, &ps.Refunded); err != nil {
			return err
		}
		ps.Buyer = common.HexToAddress(buyer)
		f.Passengers = append(f.Passengers, ps)
	}
	return rows.Err()
}

// upsertPassengers writes new entries and refund flips. Entries are never
// removed or reordered.
func upsertPassengers(ctx context.Context, tx *sql.Tx, f *Flight) error {
	for i, ps := range f.Passengers {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO flight_passengers (flight_address, idx, buyer_addr, name, refunded)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (flight_address, idx) DO UPDATE SET refunded = EXCLUDED.refunded`,
			f.Address.Hex(), i, ps.Buyer.Hex(), ps.Name, ps.Refunded,
		)
		if err != nil {
			return fmt.Errorf("failed to write passenger %d: %w", i, err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFlight(sc scanner) (*Flight, error) {
	var (
		f                                     Flight
		address, factory, operator, authority string
		depCode, arrCode                      string
		baseFare, bond, disputeFee            string
		delaySecs, waitSecs                   int64
		status                                string
		raiser, reason                        sql.NullString
		settledAt                             sql.NullTime
	)
	err := sc.Scan(
		&address, &factory, &operator, &authority,
		&f.Departure, &depCode, &arrCode,
		&baseFare, &bond, &disputeFee,
		&delaySecs, &waitSecs, &f.PassengerLimit,
		&status, &raiser, &reason, &f.ShouldRefund,
		&f.OperatorPaid, &f.RaiserClaimed, &f.CreatedAt, &f.UpdatedAt, &settledAt,
	)
	if err != nil {
		return nil, err
	}

	f.Address = common.HexToAddress(address)
	f.Factory = common.HexToAddress(factory)
	f.Operator = common.HexToAddress(operator)
	f.Authority = common.HexToAddress(authority)
	f.DepartureCode = common.HexToHash(depCode)
	f.ArrivalCode = common.HexToHash(arrCode)
	f.Departure = f.Departure.UTC()
	f.CreatedAt = f.CreatedAt.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()
	f.DelayLimit = time.Duration(delaySecs) * time.Second
	f.WithdrawWait = time.Duration(waitSecs) * time.Second
	f.Status = Status(status)
	f.DecisionReason = reason.String

	if f.BaseFare, err = parseWei(baseFare); err != nil {
		return nil, err
	}
	if f.Bond, err = parseWei(bond); err != nil {
		return nil, err
	}
	if f.DisputeFee, err = parseWei(disputeFee); err != nil {
		return nil, err
	}
	if raiser.Valid {
		r := common.HexToAddress(raiser.String)
		f.DisputeRaiser = &r
	}
	if settledAt.Valid {
		t := settledAt.Time.UTC()
		f.SettledAt = &t
	}
	return &f, nil
}

func parseWei(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid wei amount %q", s)
	}
	return v, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullAddress(a *common.Address) sql.NullString {
	if a == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: a.Hex(), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
