package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore appends to the audit_logs table:
// id UUID DEFAULT gen_random_uuid(), ts TIMESTAMPTZ, account_ref TEXT,
// user_name TEXT, model TEXT, input_tokens BIGINT, output_tokens BIGINT,
// total_tokens BIGINT, duration_ms DOUBLE PRECISION, status_code INT.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Sink {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO audit_logs (ts, account_ref, user_name, model, input_tokens, output_tokens, total_tokens, duration_ms, status_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	err := s.db.QueryRow(ctx, query,
		rec.Timestamp, rec.AccountRef, rec.UserName, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.TotalTokens,
		rec.DurationMs, rec.StatusCode,
	).Scan(&rec.ID)

	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}

	return nil
}

func (s *PostgresStore) ListByAccountRef(ctx context.Context, accountRef string, from, to time.Time) ([]*Record, error) {
	query := `
		SELECT id, ts, account_ref, user_name, model, input_tokens, output_tokens, total_tokens, duration_ms, status_code
		FROM audit_logs
		WHERE account_ref = $1 AND ts BETWEEN $2 AND $3
		ORDER BY ts DESC
	`
	rows, err := s.db.Query(ctx, query, accountRef, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var r Record
		err := rows.Scan(
			&r.ID, &r.Timestamp, &r.AccountRef, &r.UserName, &r.Model,
			&r.InputTokens, &r.OutputTokens, &r.TotalTokens,
			&r.DurationMs, &r.StatusCode,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}

	return records, nil
}
