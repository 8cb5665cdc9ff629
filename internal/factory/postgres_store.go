package factory

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"

	"github.com/parv3213/flight-escrow/internal/dbtx"
)

// PostgresStore persists the registry in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed registry store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	// The primary key on idx rejects a second writer for the same position;
	// the count check rejects gaps.
	result, err := dbtx.Q(ctx, p.db).ExecContext(ctx, `
		INSERT INTO factory_flights (idx, flight_address, operator_addr, tx_id, created_at)
		SELECT $1::BIGINT, $2::TEXT, $3::TEXT, $4::TEXT, $5::TIMESTAMPTZ
		WHERE (SELECT COUNT(*) FROM factory_flights) = $1::BIGINT`,
		e.Index, e.Flight.Hex(), e.Operator.Hex(), e.TxID, e.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrEntryExists
		}
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEntryExists
	}
	return nil
}

func (p *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := dbtx.Q(ctx, p.db).QueryRowContext(ctx, `SELECT COUNT(*) FROM factory_flights`).Scan(&n)
	return n, err
}

func (p *PostgresStore) At(ctx context.Context, index int) (*Entry, error) {
	row := dbtx.Q(ctx, p.db).QueryRowContext(ctx, `
		SELECT idx, flight_address, operator_addr, tx_id, created_at
		FROM factory_flights WHERE idx = $1`, index)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIndexOutOfRange
	}
	return e, err
}

func (p *PostgresStore) List(ctx context.Context, from, limit int) ([]*Entry, error) {
	rows, err := dbtx.Q(ctx, p.db).QueryContext(ctx, `
		SELECT idx, flight_address, operator_addr, tx_id, created_at
		FROM factory_flights
		WHERE idx >= $1
		ORDER BY idx ASC
		LIMIT $2`, from, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e                  Entry
		flightAddr, opAddr string
	)
	if err := sc.Scan(&e.Index, &flightAddr, &opAddr, &e.TxID, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Flight = common.HexToAddress(flightAddr)
	e.Operator = common.HexToAddress(opAddr)
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

var _ Store = (*PostgresStore)(nil)
