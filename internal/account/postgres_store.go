package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore persists accounts in the accounts table:
// api_key TEXT PRIMARY KEY, user_name TEXT, balance_tokens BIGINT,
// status TEXT, created_at TIMESTAMPTZ DEFAULT now().
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetActive(ctx context.Context, apiKey string) (*Account, error) {
	query := `
		SELECT api_key, user_name, balance_tokens, status, created_at
		FROM accounts
		WHERE api_key = $1 AND status = 'active'
	`

	var a Account
	err := s.db.QueryRow(ctx, query, apiKey).Scan(
		&a.APIKey, &a.UserName, &a.BalanceTokens, &a.Status, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return &a, nil
}

func (s *PostgresStore) Create(ctx context.Context, acc *Account) error {
	if acc.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	if acc.Status == "" {
		acc.Status = StatusActive
	}

	query := `
		INSERT INTO accounts (api_key, user_name, balance_tokens, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`

	err := s.db.QueryRow(ctx, query,
		acc.APIKey, acc.UserName, acc.BalanceTokens, acc.Status,
	).Scan(&acc.CreatedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to create account: %w", err)
	}

	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*Account, error) {
	query := `
		SELECT api_key, user_name, balance_tokens, status, created_at
		FROM accounts
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.APIKey, &a.UserName, &a.BalanceTokens, &a.Status, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

func (s *PostgresStore) SetStatus(ctx context.Context, apiKey, status string) error {
	query := `UPDATE accounts SET status = $2 WHERE api_key = $1`
	tag, err := s.db.Exec(ctx, query, apiKey, status)
	if err != nil {
		return fmt.Errorf("failed to set account status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Balance(ctx context.Context, apiKey string) (int64, error) {
	query := `SELECT balance_tokens FROM accounts WHERE api_key = $1 AND status = 'active'`

	var balance int64
	err := s.db.QueryRow(ctx, query, apiKey).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) DeductActive(ctx context.Context, apiKey string, amount int64) (int64, error) {
	query := `
		UPDATE accounts
		SET balance_tokens = balance_tokens - $2
		WHERE api_key = $1 AND status = 'active'
		RETURNING balance_tokens
	`

	var balance int64
	err := s.db.QueryRow(ctx, query, apiKey, amount).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to deduct balance: %w", err)
	}
	return balance, nil
}

func (s *PostgresStore) Credit(ctx context.Context, apiKey string, amount int64) error {
	query := `UPDATE accounts SET balance_tokens = balance_tokens + $2 WHERE api_key = $1`
	tag, err := s.db.Exec(ctx, query, apiKey, amount)
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
