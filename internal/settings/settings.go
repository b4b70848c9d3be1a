// Package settings resolves the platform parameters that money-moving
// operations depend on. A Snapshot is read once per operation and passed
// explicitly so a concurrent admin change never splits one operation.
package settings

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/dealroom/internal/apperr"
	"github.com/mbd888/dealroom/internal/money"
)

var ErrInvalidSettings = apperr.New(apperr.Validation, "invalid platform settings")

const (
	keyPlatformFeePercent = "platform_fee_percent"
	keyMinPayout          = "min_payout"
)

// Snapshot holds the settings in effect for one operation.
type Snapshot struct {
	PlatformFeePercent decimal.Decimal `json:"platformFeePercent"`
	MinPayout          decimal.Decimal `json:"minPayout"`
}

// Validate checks that the fee is a fraction in [0, 1) and the minimum
// payout is a positive amount.
func (s Snapshot) Validate() error {
	if s.PlatformFeePercent.IsNegative() || s.PlatformFeePercent.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: platform fee must be in [0, 1)", ErrInvalidSettings)
	}
	if !s.MinPayout.IsPositive() {
		return fmt.Errorf("%w: minimum payout must be positive", ErrInvalidSettings)
	}
	return nil
}

// Parse builds a validated snapshot from decimal strings.
func Parse(feePercent, minPayout string) (Snapshot, error) {
	fee, err := decimal.NewFromString(feePercent)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: platform fee %q", ErrInvalidSettings, feePercent)
	}
	minAmt, err := money.Parse(minPayout)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: minimum payout %q", ErrInvalidSettings, minPayout)
	}
	s := Snapshot{PlatformFeePercent: fee, MinPayout: minAmt}
	return s, s.Validate()
}

// Provider resolves the current snapshot.
type Provider interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Updater is a Provider whose values can be changed at runtime.
type Updater interface {
	Provider
	Update(ctx context.Context, s Snapshot) error
}

// MemoryProvider keeps settings in process memory.
type MemoryProvider struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewMemoryProvider creates a provider seeded with s.
func NewMemoryProvider(s Snapshot) *MemoryProvider {
	return &MemoryProvider{snap: s}
}

func (p *MemoryProvider) Snapshot(context.Context) (Snapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snap, nil
}

func (p *MemoryProvider) Update(_ context.Context, s Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.snap = s
	p.mu.Unlock()
	return nil
}

// PostgresProvider reads settings from the platform_settings table and
// falls back to the configured defaults for keys that are not present.
type PostgresProvider struct {
	db       *sql.DB
	defaults Snapshot
}

// NewPostgresProvider creates a provider over db.
func NewPostgresProvider(db *sql.DB, defaults Snapshot) *PostgresProvider {
	return &PostgresProvider{db: db, defaults: defaults}
}

func (p *PostgresProvider) Snapshot(ctx context.Context) (Snapshot, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key, value FROM platform_settings WHERE key = ANY($1)`,
		pq.Array([]string{keyPlatformFeePercent, keyMinPayout}))
	if err != nil {
		return Snapshot{}, fmt.Errorf("read platform settings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snap := p.defaults
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Snapshot{}, err
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			return Snapshot{}, fmt.Errorf("%w: %s=%q", ErrInvalidSettings, key, value)
		}
		switch key {
		case keyPlatformFeePercent:
			snap.PlatformFeePercent = d
		case keyMinPayout:
			snap.MinPayout = d
		}
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, err
	}
	return snap, snap.Validate()
}

func (p *PostgresProvider) Update(ctx context.Context, s Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for key, value := range map[string]string{
		keyPlatformFeePercent: s.PlatformFeePercent.String(),
		keyMinPayout:          money.Format(s.MinPayout),
	} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO platform_settings (key, value, updated_at) VALUES ($1, $2, NOW())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
		`, key, value); err != nil {
			return fmt.Errorf("write platform setting %s: %w", key, err)
		}
	}
	return tx.Commit()
}

var (
	_ Updater = (*MemoryProvider)(nil)
	_ Updater = (*PostgresProvider)(nil)
)
