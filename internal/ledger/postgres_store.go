package ledger

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
	"github.com/parv3213/flight-escrow/internal/ether"
	"github.com/parv3213/flight-escrow/internal/idgen"
)

// uniqueViolation is the SQLSTATE for a unique constraint violation.
const uniqueViolation = "23505"

var serializable = &sql.TxOptions{Isolation: sql.LevelSerializable}

// PostgresStore implements Store with PostgreSQL. Amounts are stored as
// NUMERIC(78,0) wei so 256-bit values fit without rounding. Writes join the
// transaction carried by ctx (see dbtx) when there is one.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetBalance retrieves an account's balance
func (p *PostgresStore) GetBalance(ctx context.Context, addr common.Address) (*Balance, error) {
	row := dbtx.Q(ctx, p.db).QueryRowContext(ctx, `
		SELECT address, available, total_in, total_out, updated_at
		FROM ledger_balances WHERE address = $1
	`, addr.Hex())

	bal, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{
			Account:   addr,
			Available: "0",
			TotalIn:   "0",
			TotalOut:  "0",
			UpdatedAt: time.Now(),
		}, nil
	}
	return bal, err
}

// Deposit credits external funds. The unique index on deposit tx hashes
// rejects replays even under concurrent writers.
func (p *PostgresStore) Deposit(ctx context.Context, addr common.Address, amount *big.Int, txHash string) error {
	return dbtx.Run(ctx, p.db, serializable, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, account, type, amount, tx_hash, created_at)
			VALUES ($1, $2, 'deposit', $3::NUMERIC(78,0), $4, NOW())
		`, idgen.WithPrefix("ent_"), addr.Hex(), amount.String(), txHash)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				return ErrDuplicateDeposit
			}
			return fmt.Errorf("failed to record entry: %w", err)
		}
		return credit(ctx, tx, addr, amount)
	})
}

// Apply runs every leg inside one database transaction. The guarded UPDATE
// only matches when the payer can cover the leg, so a short payer rolls the
// whole batch back.
func (p *PostgresStore) Apply(ctx context.Context, reference string, legs []Transfer) error {
	return dbtx.Run(ctx, p.db, serializable, func(ctx context.Context, tx *sql.Tx) error {
		for _, leg := range legs {
			amount := leg.Amount.String()
			result, err := tx.ExecContext(ctx, `
				UPDATE ledger_balances SET
					available  = available - $2::NUMERIC(78,0),
					total_out  = total_out + $2::NUMERIC(78,0),
					updated_at = NOW()
				WHERE address = $1 AND available >= $2::NUMERIC(78,0)
			`, leg.From.Hex(), amount)
			if err != nil {
				return fmt.Errorf("failed to debit %s: %w", leg.From.Hex(), err)
			}
			rows, err := result.RowsAffected()
			if err != nil {
				return err
			}
			if rows == 0 {
				return ErrInsufficientBalance
			}

			if err := credit(ctx, tx, leg.To, leg.Amount); err != nil {
				return err
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO ledger_entries (id, account, type, amount, counterparty, reference, created_at)
				VALUES ($1, $2, 'debit',  $3::NUMERIC(78,0), $4, $5, NOW()),
				       ($6, $4, 'credit', $3::NUMERIC(78,0), $2, $5, NOW())
			`, idgen.WithPrefix("ent_"), leg.From.Hex(), amount, leg.To.Hex(), reference, idgen.WithPrefix("ent_"))
			if err != nil {
				return fmt.Errorf("failed to record entries: %w", err)
			}
		}
		return nil
	})
}

func credit(ctx context.Context, tx *sql.Tx, addr common.Address, amount *big.Int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (address, available, total_in, total_out, updated_at)
		VALUES ($1, $2::NUMERIC(78,0), $2::NUMERIC(78,0), 0, NOW())
		ON CONFLICT (address) DO UPDATE SET
			available  = ledger_balances.available + $2::NUMERIC(78,0),
			total_in   = ledger_balances.total_in  + $2::NUMERIC(78,0),
			updated_at = NOW()
	`, addr.Hex(), amount.String())
	if err != nil {
		return fmt.Errorf("failed to credit %s: %w", addr.Hex(), err)
	}
	return nil
}

const entryColumns = `id, account, type, amount, counterparty, tx_hash, reference, created_at`

// GetHistory retrieves journal entries for an account
func (p *PostgresStore) GetHistory(ctx context.Context, addr common.Address, limit int) ([]*Entry, error) {
	rows, err := dbtx.Q(ctx, p.db).QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE account = $1
		ORDER BY seq DESC
		LIMIT $2
	`, addr.Hex(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

// Journal returns all entries in insertion order.
func (p *PostgresStore) Journal(ctx context.Context) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

// Balances returns every stored balance.
func (p *PostgresStore) Balances(ctx context.Context) ([]*Balance, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT address, available, total_in, total_out, updated_at
		FROM ledger_balances ORDER BY address
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBalance(sc scanner) (*Balance, error) {
	var (
		addr                         string
		available, totalIn, totalOut string
		b                            Balance
	)
	if err := sc.Scan(&addr, &available, &totalIn, &totalOut, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.Account = common.HexToAddress(addr)
	b.Available = formatWei(available)
	b.TotalIn = formatWei(totalIn)
	b.TotalOut = formatWei(totalOut)
	return &b, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var result []*Entry
	for rows.Next() {
		var (
			e                         Entry
			account, amount           string
			counterparty, txHash, ref sql.NullString
		)
		if err := rows.Scan(&e.ID, &account, &e.Type, &amount, &counterparty, &txHash, &ref, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Account = common.HexToAddress(account)
		e.Amount = formatWei(amount)
		if counterparty.Valid {
			e.Counterparty = common.HexToAddress(counterparty.String)
		}
		e.TxHash = txHash.String
		e.Reference = ref.String
		result = append(result, &e)
	}
	return result, rows.Err()
}

// formatWei converts a NUMERIC wei column to the decimal wire format.
func formatWei(s string) string {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return s
	}
	return ether.Format(v)
}

var _ Store = (*PostgresStore)(nil)
