package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/dealroom/internal/dbtx"
	"github.com/mbd888/dealroom/internal/pagination"
)

// PostgresStore persists deals in PostgreSQL. Every conditional method is a
// single UPDATE whose WHERE clause carries the state predicate, so the row
// lock it takes serializes concurrent transitions on one deal.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed deal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const dealColumns = `id, conversation_id, client_id, vendor_id, title, description, terms,
		gross_amount, fee_amount, fee_percent, net_amount, released_percent, refunded_amount,
		status, payment_status, funding_source, created_at, updated_at, completed_at, cancelled_at`

func (p *PostgresStore) Create(ctx context.Context, d *Deal) error {
	_, err := dbtx.Q(ctx, p.db).ExecContext(ctx, `
		INSERT INTO escrow_deals (`+dealColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
		        $8::NUMERIC(20,2), $9::NUMERIC(20,2), $10::NUMERIC(6,4), $11::NUMERIC(20,2), $12, $13::NUMERIC(20,2),
		        $14, $15, $16, $17, $18, $19, $20)`,
		d.ID, d.ConversationID, d.ClientID, d.VendorID, d.Title, d.Description, d.Terms,
		d.GrossAmount, d.FeeAmount, d.FeePercent, d.NetAmount, d.ReleasedPercent, d.RefundedAmount,
		string(d.Status), string(d.PaymentStatus), string(d.FundingSource),
		d.CreatedAt, d.UpdatedAt, d.CompletedAt, d.CancelledAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Deal, error) {
	row := dbtx.Q(ctx, p.db).QueryRowContext(ctx, `SELECT `+dealColumns+` FROM escrow_deals WHERE id = $1`, id)
	d, err := scanDeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDealNotFound
	}
	return d, err
}

func (p *PostgresStore) conditional(ctx context.Context, query string, args ...any) (*Deal, error) {
	row := dbtx.Q(ctx, p.db).QueryRowContext(ctx, query+` RETURNING `+dealColumns, args...)
	d, err := scanDeal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotApplied
	}
	return d, err
}

func (p *PostgresStore) AddReleased(ctx context.Context, id string, percent int, now time.Time) (*Deal, error) {
	return p.conditional(ctx, `
		UPDATE escrow_deals SET
			released_percent = released_percent + $2,
			status = CASE WHEN released_percent + $2 = 100 THEN 'completed' ELSE status END,
			completed_at = CASE WHEN released_percent + $2 = 100 THEN $3::TIMESTAMPTZ ELSE completed_at END,
			updated_at = $3
		WHERE id = $1 AND status = 'active' AND released_percent + $2 <= 100`,
		id, percent, now)
}

func (p *PostgresStore) MarkPaid(ctx context.Context, id string, now time.Time) (*Deal, error) {
	return p.conditional(ctx, `
		UPDATE escrow_deals SET status = 'active', payment_status = 'paid', updated_at = $2
		WHERE id = $1 AND status = 'pending_payment' AND payment_status = 'pending'`,
		id, now)
}

func (p *PostgresStore) Cancel(ctx context.Context, id string, now time.Time) (*Deal, error) {
	return p.conditional(ctx, `
		UPDATE escrow_deals SET status = 'cancelled', cancelled_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'active'`,
		id, now)
}

func (p *PostgresStore) SetRefunded(ctx context.Context, id string, amount decimal.Decimal) error {
	res, err := dbtx.Q(ctx, p.db).ExecContext(ctx, `
		UPDATE escrow_deals SET refunded_amount = $2::NUMERIC(20,2) WHERE id = $1`, id, amount)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDealNotFound
	}
	return nil
}

func (p *PostgresStore) DeleteUnpaid(ctx context.Context, id string) error {
	res, err := dbtx.Q(ctx, p.db).ExecContext(ctx, `
		DELETE FROM escrow_deals WHERE id = $1 AND payment_status = 'pending'`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errNotApplied
	}
	return nil
}

func (p *PostgresStore) InsertRelease(ctx context.Context, r *Release) error {
	_, err := dbtx.Q(ctx, p.db).ExecContext(ctx, `
		INSERT INTO escrow_releases (id, deal_id, percent, amount, note, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5, $6)`,
		r.ID, r.DealID, r.Percent, r.Amount, r.Note, r.CreatedAt)
	return err
}

func (p *PostgresStore) ListReleases(ctx context.Context, dealID string) ([]*Release, error) {
	rows, err := dbtx.Q(ctx, p.db).QueryContext(ctx, `
		SELECT id, deal_id, percent, amount, note, created_at
		FROM escrow_releases WHERE deal_id = $1
		ORDER BY created_at, id`, dealID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Release{}
	for rows.Next() {
		r := &Release{}
		if err := rows.Scan(&r.ID, &r.DealID, &r.Percent, &r.Amount, &r.Note, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SumReleased(ctx context.Context, dealID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := dbtx.Q(ctx, p.db).QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM escrow_releases WHERE deal_id = $1`, dealID).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum releases: %w", err)
	}
	return sum, nil
}

func (p *PostgresStore) ListForUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Deal, error) {
	return p.list(ctx, `(client_id = $1 OR vendor_id = $1)`, userID, cursor, limit)
}

func (p *PostgresStore) ListForConversation(ctx context.Context, conversationID string, cursor *pagination.Cursor, limit int) ([]*Deal, error) {
	return p.list(ctx, `conversation_id = $1`, conversationID, cursor, limit)
}

func (p *PostgresStore) list(ctx context.Context, where, arg string, cursor *pagination.Cursor, limit int) ([]*Deal, error) {
	var (
		rows *sql.Rows
		err  error
	)
	q := dbtx.Q(ctx, p.db)
	if cursor != nil {
		rows, err = q.QueryContext(ctx, `
			SELECT `+dealColumns+` FROM escrow_deals
			WHERE `+where+` AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, arg, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = q.QueryContext(ctx, `
			SELECT `+dealColumns+` FROM escrow_deals
			WHERE `+where+`
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, arg, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Deal{}
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeal(s scanner) (*Deal, error) {
	d := &Deal{}
	var (
		status, paymentStatus, source string
		completedAt, cancelledAt      sql.NullTime
	)
	err := s.Scan(
		&d.ID, &d.ConversationID, &d.ClientID, &d.VendorID, &d.Title, &d.Description, &d.Terms,
		&d.GrossAmount, &d.FeeAmount, &d.FeePercent, &d.NetAmount, &d.ReleasedPercent, &d.RefundedAmount,
		&status, &paymentStatus, &source, &d.CreatedAt, &d.UpdatedAt, &completedAt, &cancelledAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = Status(status)
	d.PaymentStatus = PaymentStatus(paymentStatus)
	d.FundingSource = FundingSource(source)
	if completedAt.Valid {
		d.CompletedAt = &completedAt.Time
	}
	if cancelledAt.Valid {
		d.CancelledAt = &cancelledAt.Time
	}
	return d, nil
}
