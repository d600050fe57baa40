package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/openclaw/llm-bridge/internal/account"
	"github.com/openclaw/llm-bridge/internal/apierr"
	"github.com/openclaw/llm-bridge/internal/audit"
	"github.com/openclaw/llm-bridge/internal/auth"
	"github.com/openclaw/llm-bridge/internal/ledger"
	"github.com/openclaw/llm-bridge/internal/upstream"
)

// minReserve leaves output headroom so streams rarely run past the balance
// mid-flight.
const minReserve = 256

type Opener interface {
	Open(ctx context.Context, req *upstream.Request) (<-chan *upstream.Chunk, error)
}

type Ledger interface {
	PreCheck(ctx context.Context, apiKey string, reserve int64) (bool, error)
	Settle(ctx context.Context, apiKey string, amount int64) (bool, error)
}

type Estimator interface {
	EstimateMessages(ctx context.Context, messages []map[string]any) (int64, error)
	CountText(ctx context.Context, text string) (int64, error)
}

type Auditor interface {
	Append(ctx context.Context, rec *audit.Record) error
	ListByAccountRef(ctx context.Context, accountRef string, from, to time.Time) ([]*audit.Record, error)
}

type Limiter interface {
	Allow(ctx context.Context, apiKey string, tokens int) (bool, error)
}

type Handler struct {
	upstream     Opener
	ledger       Ledger
	estimator    Estimator
	auditor      Auditor
	limiter      Limiter
	finalizer    *Finalizer
	tracer       trace.Tracer
	logger       *zap.Logger
	defaultModel string
}

func NewHandler(up Opener, l Ledger, est Estimator, aud Auditor, limiter Limiter, tracer trace.Tracer, logger *zap.Logger, defaultModel string) *Handler {
	return &Handler{
		upstream:     up,
		ledger:       l,
		estimator:    est,
		auditor:      aud,
		limiter:      limiter,
		finalizer:    NewFinalizer(l, est, aud, logger),
		tracer:       tracer,
		logger:       logger,
		defaultModel: defaultModel,
	}
}

type completionRequest struct {
	acc      *account.Account
	model    string
	stream   bool
	messages []map[string]any
	raw      json.RawMessage            // the messages field as received
	extra    map[string]json.RawMessage // passthrough provider options
}

func (h *Handler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	acc := auth.GetAccount(ctx)
	if acc == nil {
		apierr.Write(w, http.StatusUnauthorized, apierr.CodeInvalidAPIKey,
			"Invalid API key or key is frozen")
		return
	}

	req, ok := h.parseBody(w, r, acc)
	if !ok {
		return
	}

	ctx, span := h.tracer.Start(ctx, "proxy.completion")
	defer span.End()
	span.SetAttributes(
		attribute.String("account_ref", ledger.Redact(acc.APIKey)),
		attribute.String("request_id", auth.GetRequestID(ctx)),
		attribute.String("model", req.model),
		attribute.Bool("stream", req.stream),
	)

	// Input estimate and balance pre-check. Estimation failures degrade to
	// zero rather than failing the request.
	estimate, err := h.estimator.EstimateMessages(ctx, req.messages)
	if err != nil {
		h.logger.Warn("input estimation failed, using zero",
			zap.String("account_ref", ledger.Redact(acc.APIKey)),
			zap.Error(err))
		estimate = 0
	}
	reserve := estimate
	if reserve < minReserve {
		reserve = minReserve
	}
	span.SetAttributes(attribute.Int64("reserve_tokens", reserve))

	allowed, err := h.ledger.PreCheck(ctx, acc.APIKey, reserve)
	if err != nil {
		h.logger.Error("balance pre-check failed", zap.Error(err))
		apierr.Write(w, http.StatusInternalServerError, apierr.CodeAPIError,
			"Internal server error")
		return
	}
	if !allowed {
		apierr.Write(w, http.StatusPaymentRequired, apierr.CodeInsufficientQuota,
			"Insufficient balance. Please recharge your account.")
		return
	}

	limited, err := h.limiter.Allow(ctx, acc.APIKey, int(reserve))
	if err != nil || !limited {
		w.Header().Set("Retry-After", "60")
		apierr.Write(w, http.StatusTooManyRequests, apierr.CodeRateLimitExceeded,
			"Rate limit exceeded")
		return
	}

	// The upstream session always streams; non-streaming callers get the
	// accumulated result. Both paths consume the same chunk sequence.
	ch, err := h.upstream.Open(ctx, &upstream.Request{
		Model:    req.model,
		Messages: req.raw,
		Extra:    req.extra,
	})
	if err != nil {
		h.logger.Error("upstream open failed",
			zap.String("model", req.model),
			zap.Error(err))
		apierr.Write(w, http.StatusBadGateway, apierr.CodeAPIError, err.Error())
		return
	}

	if req.stream {
		h.streamCompletion(ctx, w, req, estimate, start, ch)
	} else {
		h.bufferCompletion(ctx, w, req, estimate, start, ch)
	}
}

func (h *Handler) parseBody(w http.ResponseWriter, r *http.Request, acc *account.Account) (*completionRequest, bool) {
	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierr.Write(w, http.StatusBadRequest, apierr.CodeInvalidRequest, "Invalid JSON body")
		return nil, false
	}

	var messages []map[string]any
	if raw, ok := body["messages"]; ok {
		if err := json.Unmarshal(raw, &messages); err != nil {
			apierr.Write(w, http.StatusBadRequest, apierr.CodeInvalidRequest, "messages is required")
			return nil, false
		}
	}
	if len(messages) == 0 {
		apierr.Write(w, http.StatusBadRequest, apierr.CodeInvalidRequest, "messages is required")
		return nil, false
	}

	model := h.defaultModel
	if raw, ok := body["model"]; ok {
		var m string
		if err := json.Unmarshal(raw, &m); err == nil && m != "" {
			model = m
		}
	}

	stream := false
	if raw, ok := body["stream"]; ok {
		_ = json.Unmarshal(raw, &stream)
	}

	extra := make(map[string]json.RawMessage, len(body))
	for k, v := range body {
		switch k {
		case "messages", "model", "stream", "stream_options":
		default:
			extra[k] = v
		}
	}

	return &completionRequest{
		acc:      acc,
		model:    model,
		stream:   stream,
		messages: messages,
		raw:      body["messages"],
		extra:    extra,
	}, true
}

func (h *Handler) streamCompletion(ctx context.Context, w http.ResponseWriter, req *completionRequest, estimate int64, start time.Time, ch <-chan *upstream.Chunk) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		apierr.Write(w, http.StatusInternalServerError, apierr.CodeAPIError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	var sb strings.Builder
	var observed *upstream.Usage
	statusCode := http.StatusOK

	// Finalization runs exactly once on every exit path: normal
	// completion, upstream error, or the client abandoning the stream.
	// The request context may already be cancelled by then.
	defer func() {
		h.finalizer.Finalize(context.WithoutCancel(ctx), FinalizeInput{
			Account:         req.acc,
			Model:           req.model,
			AccumulatedText: sb.String(),
			Observed:        observed,
			EstimatedInput:  estimate,
			Start:           start,
			StatusCode:      statusCode,
		})
	}()

	for chunk := range ch {
		if chunk.Err != nil {
			statusCode = http.StatusBadGateway
			h.logger.Error("upstream stream failed", zap.Error(chunk.Err))
			fmt.Fprintf(w, "event: error\ndata: {\"error\":{\"type\":\"api_error\",\"message\":%q}}\n\n", chunk.Err.Error())
			flusher.Flush()
			return
		}
		if chunk.Done {
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}

		sb.WriteString(chunk.Delta.Content)
		if chunk.Usage != nil {
			observed = chunk.Usage
		}

		fmt.Fprintf(w, "data: %s\n\n", chunk.Raw)
		flusher.Flush()
	}
}

func (h *Handler) bufferCompletion(ctx context.Context, w http.ResponseWriter, req *completionRequest, estimate int64, start time.Time, ch <-chan *upstream.Chunk) {
	var sb strings.Builder
	var observed *upstream.Usage
	var upErr error
	completionID := ""

	for chunk := range ch {
		if chunk.Err != nil {
			upErr = chunk.Err
			break
		}
		if chunk.Done {
			break
		}
		sb.WriteString(chunk.Delta.Content)
		if chunk.Usage != nil {
			observed = chunk.Usage
		}
		if chunk.ID != "" {
			completionID = chunk.ID
		}
	}

	if upErr != nil {
		// Streaming from the upstream had begun, so the consumed tokens
		// are still settled and audited even though the client gets a 502.
		h.finalizer.Finalize(context.WithoutCancel(ctx), FinalizeInput{
			Account:         req.acc,
			Model:           req.model,
			AccumulatedText: sb.String(),
			Observed:        observed,
			EstimatedInput:  estimate,
			Start:           start,
			StatusCode:      http.StatusBadGateway,
		})
		h.logger.Error("upstream stream failed", zap.Error(upErr))
		apierr.Write(w, http.StatusBadGateway, apierr.CodeAPIError, upErr.Error())
		return
	}

	outcome := h.finalizer.Finalize(ctx, FinalizeInput{
		Account:         req.acc,
		Model:           req.model,
		AccumulatedText: sb.String(),
		Observed:        observed,
		EstimatedInput:  estimate,
		Start:           start,
		StatusCode:      http.StatusOK,
	})
	if !outcome.Settled {
		apierr.Write(w, http.StatusPaymentRequired, apierr.CodeInsufficientQuota,
			"Insufficient balance after completion.")
		return
	}

	if completionID == "" {
		completionID = "chatcmpl-" + uuid.New().String()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     completionID,
		"object": "chat.completion",
		"model":  req.model,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": sb.String(),
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int64{
			"prompt_tokens":     outcome.Record.InputTokens,
			"completion_tokens": outcome.Record.OutputTokens,
			"total_tokens":      outcome.Record.TotalTokens,
		},
	})
}

// HandleUsage returns the caller's recent audit records.
func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	acc := auth.GetAccount(ctx)
	if acc == nil {
		apierr.Write(w, http.StatusUnauthorized, apierr.CodeInvalidAPIKey,
			"Invalid API key or key is frozen")
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		var err error
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			apierr.Write(w, http.StatusBadRequest, apierr.CodeInvalidRequest,
				"invalid 'from' date format (use RFC3339)")
			return
		}
	}
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		var err error
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			apierr.Write(w, http.StatusBadRequest, apierr.CodeInvalidRequest,
				"invalid 'to' date format (use RFC3339)")
			return
		}
	}

	records, err := h.auditor.ListByAccountRef(ctx, ledger.Redact(acc.APIKey), from, to)
	if err != nil {
		h.logger.Error("usage query failed", zap.Error(err))
		apierr.Write(w, http.StatusInternalServerError, apierr.CodeAPIError,
			"Internal server error")
		return
	}

	var totalTokens int64
	for _, rec := range records {
		totalTokens += rec.TotalTokens
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"account_ref":    ledger.Redact(acc.APIKey),
		"total_requests": len(records),
		"total_tokens":   totalTokens,
		"records":        records,
		"from":           from,
		"to":             to,
	})
}
