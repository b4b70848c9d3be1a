package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealroom/internal/dbtx"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Apply takes the wallet row lock through the conditional UPDATE, so a
// concurrent debit waits and then re-evaluates balance + amount >= 0
// against the committed balance.
func (p *PostgresStore) Apply(ctx context.Context, e *Entry) error {
	q := dbtx.Q(ctx, p.db)

	if _, err := q.ExecContext(ctx, `
		INSERT INTO wallet_balances (user_id, balance, seq, updated_at)
		VALUES ($1, 0, 0, NOW())
		ON CONFLICT (user_id) DO NOTHING
	`, e.UserID); err != nil {
		return fmt.Errorf("ensure wallet: %w", err)
	}

	var (
		balance decimal.Decimal
		seq     int64
		at      time.Time
	)
	err := q.QueryRowContext(ctx, `
		UPDATE wallet_balances
		SET balance = balance + $2::NUMERIC(20,2), seq = seq + 1, updated_at = clock_timestamp()
		WHERE user_id = $1 AND balance + $2::NUMERIC(20,2) >= 0
		RETURNING balance, seq, updated_at
	`, e.UserID, e.Amount).Scan(&balance, &seq, &at)
	if errors.Is(err, sql.ErrNoRows) || dbtx.IsCheckViolation(err) {
		available, berr := balanceOf(ctx, q, e.UserID)
		if berr != nil {
			return berr
		}
		return &InsufficientFundsError{UserID: e.UserID, Required: e.Amount.Neg(), Available: available}
	}
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}

	meta, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `
		INSERT INTO wallet_ledger_entries
			(id, user_id, seq, kind, amount, resulting_balance, reference, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6::NUMERIC(20,2), $7, $8, $9)
	`, e.ID, e.UserID, seq, string(e.Kind), e.Amount, balance, nullString(e.Reference), meta, at); err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}

	e.Seq = seq
	e.ResultingBalance = balance
	e.CreatedAt = at
	return nil
}

func (p *PostgresStore) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return balanceOf(ctx, dbtx.Q(ctx, p.db), userID)
}

func balanceOf(ctx context.Context, q dbtx.Querier, userID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := q.QueryRowContext(ctx, `SELECT balance FROM wallet_balances WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

const entryColumns = `id, user_id, seq, kind, amount, resulting_balance, reference, metadata, created_at`

func (p *PostgresStore) History(ctx context.Context, userID string, before int64, limit int) ([]*Entry, error) {
	rows, err := dbtx.Q(ctx, p.db).QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM wallet_ledger_entries
		WHERE user_id = $1 AND ($2::BIGINT = 0 OR seq < $2)
		ORDER BY seq DESC
		LIMIT $3
	`, userID, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (p *PostgresStore) Chain(ctx context.Context, userID string) ([]*Entry, error) {
	rows, err := dbtx.Q(ctx, p.db).QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM wallet_ledger_entries
		WHERE user_id = $1
		ORDER BY seq ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

func (p *PostgresStore) SumBalances(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := dbtx.Q(ctx, p.db).QueryRowContext(ctx,
		`SELECT COALESCE(SUM(balance), 0) FROM wallet_balances`).Scan(&total)
	return total, err
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var result []*Entry
	for rows.Next() {
		var (
			e    Entry
			kind string
			ref  sql.NullString
			meta []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Seq, &kind, &e.Amount, &e.ResultingBalance, &ref, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		e.Reference = ref.String
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", e.ID, err)
			}
		}
		result = append(result, &e)
	}
	if result == nil {
		result = []*Entry{}
	}
	return result, rows.Err()
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
