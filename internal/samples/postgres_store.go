package samples

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mbd888/payguard/internal/features"
)

// PostgresStore implements Store with PostgreSQL. Feature vectors are
// stored as JSONB arrays in features.Names order.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed sample store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) SaveBatch(ctx context.Context, batch []Sample) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO decision_samples
			(id, decision_id, wallet, recipient, amount, features, outcome, code, risk_score, anomaly_score, label, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,6), $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, s := range batch {
		if s.ID == "" || s.Label == "" {
			return ErrInvalidSample
		}
		vec, err := json.Marshal(s.Features.Array())
		if err != nil {
			return fmt.Errorf("marshal features: %w", err)
		}
		var risk sql.NullInt64
		if s.RiskScore != nil {
			risk = sql.NullInt64{Int64: int64(*s.RiskScore), Valid: true}
		}
		var anomaly sql.NullFloat64
		if s.AnomalyScore != nil {
			anomaly = sql.NullFloat64{Float64: *s.AnomalyScore, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			s.ID, s.DecisionID, s.Wallet, s.Recipient, strconv.FormatFloat(s.Amount, 'f', 6, 64),
			vec, s.Outcome, s.Code, risk, anomaly, string(s.Label), s.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("failed to insert sample %s: %w", s.ID, err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) Normal(ctx context.Context, limit int) ([]features.Vector, error) {
	if limit <= 0 {
		limit = DefaultNormalLimit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT features FROM decision_samples
		WHERE label = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, string(LabelNormal), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []features.Vector
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var values []float64
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, fmt.Errorf("decode features: %w", err)
		}
		v, err := features.FromArray(values)
		if err != nil {
			// Rows written under an older layout are skipped.
			continue
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE label = 'normal'),
			COUNT(*) FILTER (WHERE label = 'risk'),
			COUNT(*) FILTER (WHERE label NOT IN ('normal', 'risk'))
		FROM decision_samples
	`).Scan(&st.Total, &st.Normal, &st.Risk, &st.Unknown)
	return st, err
}
