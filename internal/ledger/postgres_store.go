package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/mbd888/payguard/internal/usdc"
)

// PostgresStore implements Store with PostgreSQL. Totals are NUMERIC(20,6)
// and the upsert is atomic, so concurrent engines sharing a wallet see a
// consistent total.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) SpentOn(ctx context.Context, wallet string, day time.Time) (*big.Int, error) {
	var raw string
	err := p.db.QueryRowContext(ctx, `
		SELECT amount::TEXT FROM daily_spend WHERE wallet = $1 AND day = $2
	`, NormalizeWallet(wallet), Day(day)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	v, ok := usdc.Parse(raw)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCorruptValue, raw)
	}
	return v, nil
}

func (p *PostgresStore) AddSpend(ctx context.Context, wallet string, day time.Time, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO daily_spend (wallet, day, amount, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,6), NOW())
		ON CONFLICT (wallet, day) DO UPDATE SET
			amount     = daily_spend.amount + $3::NUMERIC(20,6),
			updated_at = NOW()
	`, NormalizeWallet(wallet), Day(day), usdc.Format(amount))
	if err != nil {
		return fmt.Errorf("failed to update daily spend: %w", err)
	}
	return nil
}

// Prune deletes rows for days before cutoff.
func (p *PostgresStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM daily_spend WHERE day < $1`, Day(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
