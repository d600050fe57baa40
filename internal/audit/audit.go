// Package audit appends immutable per-request billing records. Writes are
// fire-and-forget from the caller's point of view: a lost record is logged
// and counted, never surfaced to the client.
package audit

import (
	"context"
	"time"
)

// Record is one request attempt that reached the billing stage. AccountRef
// is the redacted credential, never the raw key.
type Record struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	AccountRef   string    `json:"account_ref"`
	UserName     string    `json:"user_name"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	TotalTokens  int64     `json:"total_tokens"`
	DurationMs   float64   `json:"duration_ms"`
	StatusCode   int       `json:"status_code"`
}

type Sink interface {
	Append(ctx context.Context, rec *Record) error
	ListByAccountRef(ctx context.Context, accountRef string, from, to time.Time) ([]*Record, error)
}
