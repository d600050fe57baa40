// Package ledger owns every balance mutation and the negative-balance
// prevention protocol. Nothing else in the process read-modify-writes a
// balance.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/openclaw/llm-bridge/internal/account"
)

// balanceStore is the slice of account.Store the ledger needs.
type balanceStore interface {
	Balance(ctx context.Context, apiKey string) (int64, error)
	DeductActive(ctx context.Context, apiKey string, amount int64) (int64, error)
	Credit(ctx context.Context, apiKey string, amount int64) error
}

type Ledger struct {
	store  balanceStore
	logger *zap.Logger
}

func New(store balanceStore, logger *zap.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// PreCheck reports whether the active account can cover reserve tokens.
// It is advisory only: it does not hold funds, so two concurrent requests
// may both pass against a balance that satisfies only one of them. Settle
// is the safety net.
func (l *Ledger) PreCheck(ctx context.Context, apiKey string, reserve int64) (bool, error) {
	balance, err := l.store.Balance(ctx, apiKey)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("pre-check balance: %w", err)
	}
	return balance >= reserve, nil
}

// Settle atomically deducts amount from an active account. If the
// decrement leaves the balance negative, Settle issues a compensating
// increment of the same amount and reports false. The compensation is a
// second atomic operation, not a transaction: between the two updates any
// concurrent reader can observe the negative balance. No committed result
// is ever negative.
func (l *Ledger) Settle(ctx context.Context, apiKey string, amount int64) (bool, error) {
	if amount <= 0 {
		// Nothing to bill.
		return true, nil
	}

	balance, err := l.store.DeductActive(ctx, apiKey, amount)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("settle deduct: %w", err)
	}

	if balance < 0 {
		if err := l.store.Credit(ctx, apiKey, amount); err != nil {
			// The account now sits at a negative balance until an
			// operator intervenes. Loud on purpose.
			l.logger.Error("settle compensation failed",
				zap.String("api_key", Redact(apiKey)),
				zap.Int64("amount", amount),
				zap.Error(err))
			return false, fmt.Errorf("settle compensation: %w", err)
		}
		l.logger.Warn("insufficient balance, settlement rolled back",
			zap.String("api_key", Redact(apiKey)),
			zap.Int64("amount", amount))
		return false, nil
	}

	return true, nil
}

// Credit is an unconditional recharge (admin path).
func (l *Ledger) Credit(ctx context.Context, apiKey string, amount int64) error {
	if err := l.store.Credit(ctx, apiKey, amount); err != nil {
		return fmt.Errorf("credit: %w", err)
	}
	return nil
}

// Redact masks an API key down to a short prefix for logs and audit rows.
func Redact(apiKey string) string {
	const prefix = 8
	if len(apiKey) <= prefix {
		return apiKey + "***"
	}
	return apiKey[:prefix] + "***"
}
