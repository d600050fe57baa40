package account

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("account not found")
	ErrDuplicate = errors.New("account already exists")
)

const (
	StatusActive = "active"
	StatusFrozen = "frozen"
)

// Account is one billable caller, keyed by its opaque API key.
type Account struct {
	APIKey        string    `json:"api_key"`
	UserName      string    `json:"user_name"`
	BalanceTokens int64     `json:"balance_tokens"`
	Status        string    `json:"status"` // active | frozen
	CreatedAt     time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (a *Account) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (a *Account) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

type Store interface {
	// GetActive returns the account iff it exists and is active.
	// Unknown and frozen keys are both ErrNotFound so the caller
	// cannot tell them apart.
	GetActive(ctx context.Context, apiKey string) (*Account, error)
	Create(ctx context.Context, acc *Account) error
	List(ctx context.Context) ([]*Account, error)
	SetStatus(ctx context.Context, apiKey, status string) error

	// Balance returns the current balance of an active account.
	Balance(ctx context.Context, apiKey string) (int64, error)
	// DeductActive atomically decrements the balance of an active
	// account and returns the post-decrement value. The result may be
	// negative; the ledger owns compensation.
	DeductActive(ctx context.Context, apiKey string, amount int64) (int64, error)
	// Credit atomically increments the balance regardless of status.
	Credit(ctx context.Context, apiKey string, amount int64) error
}
