package seeder

import (
	"context"

	"go.uber.org/zap"

	"github.com/openclaw/llm-bridge/internal/account"
)

const (
	DevAPIKey   = "sk-dev-key-12345"
	DevUserName = "dev"
	DevBalance  = 1_000_000
)

// SeedDevAccount creates a development account with a known key and a
// generous balance. Safe to call on every boot; an existing key is left
// untouched.
func SeedDevAccount(ctx context.Context, store account.Store, logger *zap.Logger) {
	acc := &account.Account{
		APIKey:        DevAPIKey,
		UserName:      DevUserName,
		BalanceTokens: DevBalance,
		Status:        account.StatusActive,
	}

	if err := store.Create(ctx, acc); err != nil {
		logger.Info("dev account already exists, skipping seed", zap.Error(err))
		return
	}
	logger.Info("dev account seeded",
		zap.String("api_key", DevAPIKey),
		zap.Int64("balance_tokens", DevBalance))
}
