package txlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/parv3213/flight-escrow/internal/dbtx"
	"github.com/parv3213/flight-escrow/internal/events"
)

// PostgresStore persists receipts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed receipt store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, r *Receipt) error {
	argsJSON, _ := json.Marshal(r.Args)
	if r.Args == nil {
		argsJSON = []byte("{}")
	}
	eventsJSON, err := json.Marshal(r.Events)
	if err != nil {
		return err
	}
	_, err = dbtx.Q(ctx, p.db).ExecContext(ctx, `
		INSERT INTO tx_receipts (
			tx_id, seq, kind, from_addr, to_addr, value,
			args, status, revert_code, revert_reason, events, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.TxID, int64(r.Seq), string(r.Kind), r.From.Hex(), r.To.Hex(), r.Value,
		argsJSON, string(r.Status), nullString(r.RevertCode), nullString(r.RevertReason),
		eventsJSON, r.Timestamp,
	)
	return err
}

const receiptColumns = `tx_id, seq, kind, from_addr, to_addr, value,
		       args, status, revert_code, revert_reason, events, created_at`

func (p *PostgresStore) Get(ctx context.Context, txID string) (*Receipt, error) {
	row := dbtx.Q(ctx, p.db).QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM tx_receipts WHERE tx_id = $1`, txID)

	r, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReceiptNotFound
	}
	return r, err
}

func (p *PostgresStore) ListByTarget(ctx context.Context, target common.Address, limit int) ([]*Receipt, error) {
	rows, err := dbtx.Q(ctx, p.db).QueryContext(ctx, `
		SELECT `+receiptColumns+`
		FROM tx_receipts
		WHERE to_addr = $1
		ORDER BY seq DESC
		LIMIT $2`, target.Hex(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) LastSeq(ctx context.Context) (uint64, error) {
	var seq int64
	err := dbtx.Q(ctx, p.db).QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM tx_receipts`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReceipt(sc scanner) (*Receipt, error) {
	var (
		r            Receipt
		seq          int64
		kind, status string
		from, to     string
		argsJSON     []byte
		eventsJSON   []byte
		revertCode   sql.NullString
		revertReason sql.NullString
	)
	err := sc.Scan(
		&r.TxID, &seq, &kind, &from, &to, &r.Value,
		&argsJSON, &status, &revertCode, &revertReason, &eventsJSON, &r.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	r.Seq = uint64(seq)
	r.Kind = Kind(kind)
	r.Status = Status(status)
	r.From = common.HexToAddress(from)
	r.To = common.HexToAddress(to)
	r.RevertCode = revertCode.String
	r.RevertReason = revertReason.String
	r.Timestamp = r.Timestamp.UTC()

	if len(argsJSON) > 0 {
		_ = json.Unmarshal(argsJSON, &r.Args)
		if len(r.Args) == 0 {
			r.Args = nil
		}
	}
	if err := json.Unmarshal(eventsJSON, &r.Events); err != nil {
		return nil, err
	}
	if r.Events == nil {
		r.Events = []events.Event{}
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
