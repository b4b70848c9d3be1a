package reconciliation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealroom/internal/dbtx"
	"github.com/mbd888/dealroom/internal/gateway"
)

// PostgresStore persists gateway orders and processed payments in
// PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed reconciliation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `order_id, subject_type, subject_id, user_id, amount, currency, status, created_at, paid_at`

func (p *PostgresStore) CreateOrder(ctx context.Context, o *OrderRecord) error {
	_, err := dbtx.Q(ctx, p.db).ExecContext(ctx, `
		INSERT INTO gateway_orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6, $7, $8, $9)
		ON CONFLICT (order_id) DO NOTHING`,
		o.OrderID, string(o.Subject.Type), o.Subject.ID, o.Subject.UserID,
		o.Amount, o.Currency, string(o.Status), o.CreatedAt, o.PaidAt)
	return err
}

func (p *PostgresStore) GetOrder(ctx context.Context, orderID string) (*OrderRecord, error) {
	o, err := scanOrder(dbtx.Q(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM gateway_orders WHERE order_id = $1`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) MarkOrderPaid(ctx context.Context, orderID string, now time.Time) error {
	_, err := dbtx.Q(ctx, p.db).ExecContext(ctx, `
		UPDATE gateway_orders SET status = 'paid', paid_at = $2
		WHERE order_id = $1 AND status = 'created'`, orderID, now)
	return err
}

func (p *PostgresStore) ListStaleOrders(ctx context.Context, before time.Time, limit int) ([]*OrderRecord, error) {
	rows, err := dbtx.Q(ctx, p.db).QueryContext(ctx, `
		SELECT `+orderColumns+` FROM gateway_orders
		WHERE status = 'created' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*OrderRecord{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) InsertProcessed(ctx context.Context, pp *ProcessedPayment) error {
	_, err := dbtx.Q(ctx, p.db).ExecContext(ctx, `
		INSERT INTO processed_payments (order_id, payment_id, subject_type, subject_id, amount, source, processed_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6, $7)`,
		pp.OrderID, pp.PaymentID, string(pp.Subject.Type), pp.Subject.ID, pp.Amount, string(pp.Source), pp.ProcessedAt)
	if dbtx.IsUniqueViolation(err) {
		return ErrAlreadyProcessed
	}
	return err
}

func (p *PostgresStore) SumProcessed(ctx context.Context) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := dbtx.Q(ctx, p.db).QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM processed_payments`).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum processed payments: %w", err)
	}
	return sum, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*OrderRecord, error) {
	o := &OrderRecord{}
	var (
		subjectType, status string
		paidAt              sql.NullTime
	)
	err := s.Scan(&o.OrderID, &subjectType, &o.Subject.ID, &o.Subject.UserID,
		&o.Amount, &o.Currency, &status, &o.CreatedAt, &paidAt)
	if err != nil {
		return nil, err
	}
	o.Subject.Type = gateway.SubjectType(subjectType)
	o.Status = OrderStatus(status)
	if paidAt.Valid {
		o.PaidAt = &paidAt.Time
	}
	return o, nil
}
