package proxy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/llm-bridge/internal/account"
	"github.com/openclaw/llm-bridge/internal/audit"
	"github.com/openclaw/llm-bridge/internal/ledger"
	"github.com/openclaw/llm-bridge/internal/metrics"
	"github.com/openclaw/llm-bridge/internal/upstream"
)

// FinalizeInput carries everything needed to settle and audit one request
// after its stream has ended, however it ended.
type FinalizeInput struct {
	Account         *account.Account
	Model           string
	AccumulatedText string
	Observed        *upstream.Usage
	EstimatedInput  int64
	Start           time.Time
	StatusCode      int
}

type Outcome struct {
	Record  *audit.Record
	Settled bool
}

// Finalizer determines the true token cost of a completed request, settles
// it against the ledger and appends the audit record. It must run exactly
// once per request that began streaming; callers guarantee that with a
// deferred call (streaming) or a synchronous one (buffered).
type Finalizer struct {
	ledger    Ledger
	estimator Estimator
	sink      Auditor
	logger    *zap.Logger
}

func NewFinalizer(l Ledger, est Estimator, sink Auditor, logger *zap.Logger) *Finalizer {
	return &Finalizer{ledger: l, estimator: est, sink: sink, logger: logger}
}

// Finalize never fails: settlement and audit errors are logged because the
// response content may already be with the client and cannot be un-sent.
func (f *Finalizer) Finalize(ctx context.Context, in FinalizeInput) Outcome {
	inputTokens := in.EstimatedInput
	var outputTokens int64

	// Provider-reported usage is authoritative when present.
	if in.Observed != nil {
		inputTokens = in.Observed.InputTokens
		outputTokens = in.Observed.OutputTokens
	} else {
		counted, err := f.estimator.CountText(ctx, in.AccumulatedText)
		if err != nil {
			f.logger.Warn("output re-count failed, billing zero output tokens",
				zap.Error(err))
			counted = 0
		}
		outputTokens = counted
	}

	total := inputTokens + outputTokens

	settled, err := f.ledger.Settle(ctx, in.Account.APIKey, total)
	if err != nil {
		f.logger.Error("settlement failed",
			zap.String("api_key", ledger.Redact(in.Account.APIKey)),
			zap.Int64("total_tokens", total),
			zap.Error(err))
		settled = false
	}
	if settled {
		metrics.ObserveBilledTokens(in.Model, total)
	} else {
		f.logger.Warn("settlement rejected",
			zap.String("api_key", ledger.Redact(in.Account.APIKey)),
			zap.Int64("total_tokens", total))
	}

	rec := &audit.Record{
		Timestamp:    time.Now().UTC(),
		AccountRef:   ledger.Redact(in.Account.APIKey),
		UserName:     in.Account.UserName,
		Model:        in.Model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  total,
		DurationMs:   float64(time.Since(in.Start)) / float64(time.Millisecond),
		StatusCode:   in.StatusCode,
	}
	if err := f.sink.Append(ctx, rec); err != nil {
		f.logger.Error("audit append failed",
			zap.String("account_ref", rec.AccountRef),
			zap.Error(err))
	}

	return Outcome{Record: rec, Settled: settled}
}
