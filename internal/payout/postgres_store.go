package payout

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/dealroom/internal/dbtx"
	"github.com/mbd888/dealroom/internal/pagination"
)

// PostgresStore persists payouts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed payout store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const payoutColumns = `id, user_id, amount, destination, status, requested_at, updated_at,
		processed_at, refunded_at, gateway_payout_id, admin_note`

func (p *PostgresStore) Create(ctx context.Context, po *Payout) error {
	dest, err := json.Marshal(po.Destination)
	if err != nil {
		return fmt.Errorf("encode destination: %w", err)
	}
	_, err = dbtx.Q(ctx, p.db).ExecContext(ctx, `
		INSERT INTO payout_requests (`+payoutColumns+`)
		VALUES ($1, $2, $3::NUMERIC(20,2), $4::JSONB, $5, $6, $7, $8, $9, NULLIF($10::TEXT, ''), $11)`,
		po.ID, po.UserID, po.Amount, dest, string(po.Status), po.RequestedAt, po.UpdatedAt,
		po.ProcessedAt, po.RefundedAt, po.GatewayPayoutID, po.AdminNote,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Payout, error) {
	return p.one(ctx, `SELECT `+payoutColumns+` FROM payout_requests WHERE id = $1`, id)
}

func (p *PostgresStore) GetByGatewayID(ctx context.Context, gatewayPayoutID string) (*Payout, error) {
	return p.one(ctx, `SELECT `+payoutColumns+` FROM payout_requests WHERE gateway_payout_id = $1`, gatewayPayoutID)
}

func (p *PostgresStore) one(ctx context.Context, query string, arg string) (*Payout, error) {
	po, err := scanPayout(dbtx.Q(ctx, p.db).QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPayoutNotFound
	}
	return po, err
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status, note, gatewayPayoutID string, now time.Time) (*Payout, error) {
	row := dbtx.Q(ctx, p.db).QueryRowContext(ctx, `
		UPDATE payout_requests SET
			status = $3,
			updated_at = $4,
			processed_at = CASE WHEN $3::TEXT IN ('completed', 'failed', 'cancelled') THEN $4::TIMESTAMPTZ ELSE processed_at END,
			admin_note = CASE WHEN $5::TEXT <> '' THEN $5 ELSE admin_note END,
			gateway_payout_id = COALESCE(NULLIF($6::TEXT, ''), gateway_payout_id)
		WHERE id = $1 AND status = $2
		RETURNING `+payoutColumns,
		id, string(from), string(to), now, note, gatewayPayoutID)
	po, err := scanPayout(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotApplied
	}
	return po, err
}

func (p *PostgresStore) MarkRefunded(ctx context.Context, id string, now time.Time) error {
	res, err := dbtx.Q(ctx, p.db).ExecContext(ctx, `
		UPDATE payout_requests SET refunded_at = $2 WHERE id = $1 AND refunded_at IS NULL`, id, now)
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

func (p *PostgresStore) ListForUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Payout, error) {
	return p.list(ctx, `user_id = $1`, userID, cursor, limit)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, cursor *pagination.Cursor, limit int) ([]*Payout, error) {
	return p.list(ctx, `status = $1`, string(status), cursor, limit)
}

func (p *PostgresStore) list(ctx context.Context, where, arg string, cursor *pagination.Cursor, limit int) ([]*Payout, error) {
	var (
		rows *sql.Rows
		err  error
	)
	q := dbtx.Q(ctx, p.db)
	if cursor != nil {
		rows, err = q.QueryContext(ctx, `
			SELECT `+payoutColumns+` FROM payout_requests
			WHERE `+where+` AND (requested_at, id) < ($2, $3)
			ORDER BY requested_at DESC, id DESC
			LIMIT $4`, arg, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = q.QueryContext(ctx, `
			SELECT `+payoutColumns+` FROM payout_requests
			WHERE `+where+`
			ORDER BY requested_at DESC, id DESC
			LIMIT $2`, arg, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Payout{}
	for rows.Next() {
		po, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, po)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayout(s scanner) (*Payout, error) {
	po := &Payout{}
	var (
		dest                    []byte
		status                  string
		processedAt, refundedAt sql.NullTime
		gatewayID               sql.NullString
	)
	err := s.Scan(&po.ID, &po.UserID, &po.Amount, &dest, &status, &po.RequestedAt, &po.UpdatedAt,
		&processedAt, &refundedAt, &gatewayID, &po.AdminNote)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(dest, &po.Destination); err != nil {
		return nil, fmt.Errorf("decode destination of %s: %w", po.ID, err)
	}
	po.Status = Status(status)
	po.GatewayPayoutID = gatewayID.String
	if processedAt.Valid {
		po.ProcessedAt = &processedAt.Time
	}
	if refundedAt.Valid {
		po.RefundedAt = &refundedAt.Time
	}
	return po, nil
}
