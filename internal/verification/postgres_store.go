package verification

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/dealroom/internal/dbtx"
)

// PostgresStore persists verification requests in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `id, user_id, fee_amount, payment_status, status, created_at, paid_at`

func (p *PostgresStore) Create(ctx context.Context, r *Request) error {
	_, err := dbtx.Q(ctx, p.db).ExecContext(ctx, `
		INSERT INTO verification_requests (`+requestColumns+`)
		VALUES ($1, $2, $3::NUMERIC(20,2), $4, $5, $6, $7)`,
		r.ID, r.UserID, r.FeeAmount, string(r.PaymentStatus), string(r.Status), r.CreatedAt, r.PaidAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Request, error) {
	r, err := scanRequest(dbtx.Q(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM verification_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) ListForUser(ctx context.Context, userID string, limit int) ([]*Request, error) {
	rows, err := dbtx.Q(ctx, p.db).QueryContext(ctx, `
		SELECT `+requestColumns+` FROM verification_requests
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Request{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkPaid(ctx context.Context, id string, now time.Time) (*Request, error) {
	return p.conditional(ctx, `
		UPDATE verification_requests SET payment_status = 'paid', paid_at = $2
		WHERE id = $1 AND payment_status = 'pending'`, id, now)
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, from []Status, to Status) (*Request, error) {
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	return p.conditional(ctx, `
		UPDATE verification_requests SET status = $3
		WHERE id = $1 AND payment_status = 'paid' AND status = ANY($2)`, id, pq.Array(states), string(to))
}

func (p *PostgresStore) conditional(ctx context.Context, query string, args ...any) (*Request, error) {
	r, err := scanRequest(dbtx.Q(ctx, p.db).QueryRowContext(ctx, query+` RETURNING `+requestColumns, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotApplied
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(s scanner) (*Request, error) {
	r := &Request{}
	var (
		paymentStatus, status string
		paidAt                sql.NullTime
	)
	if err := s.Scan(&r.ID, &r.UserID, &r.FeeAmount, &paymentStatus, &status, &r.CreatedAt, &paidAt); err != nil {
		return nil, err
	}
	r.PaymentStatus = PaymentStatus(paymentStatus)
	r.Status = Status(status)
	if paidAt.Valid {
		r.PaidAt = &paidAt.Time
	}
	return r, nil
}
