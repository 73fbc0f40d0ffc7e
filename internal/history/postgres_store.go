package history

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/mbd888/payguard/internal/features"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed history store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, wallet string, t features.Transfer) error {
	if err := validate(t); err != nil {
		return err
	}
	status := t.Status
	if status == "" {
		status = features.StatusCompleted
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transfers (wallet, recipient, amount, purpose, status, created_at)
		VALUES ($1, $2, $3::NUMERIC(20,6), $4, $5, $6)
	`, NormalizeAddr(wallet), NormalizeAddr(t.Recipient),
		strconv.FormatFloat(t.Amount, 'f', 6, 64), t.Purpose, status, t.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert transfer: %w", err)
	}
	return nil
}

func (p *PostgresStore) Recent(ctx context.Context, q Query) ([]features.Transfer, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	// Newest first for the LIMIT, reversed below.
	rows, err := p.db.QueryContext(ctx, `
		SELECT recipient, amount::FLOAT8, purpose, status, created_at
		FROM transfers
		WHERE wallet = $1
		  AND ($2 = '' OR recipient = $2)
		  AND created_at >= $3
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, NormalizeAddr(q.Wallet), NormalizeAddr(q.Recipient), q.Since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []features.Transfer
	for rows.Next() {
		var t features.Transfer
		if err := rows.Scan(&t.Recipient, &t.Amount, &t.Purpose, &t.Status, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Timestamp = t.Timestamp.UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
