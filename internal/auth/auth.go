// Package auth resolves bearer credentials to active accounts. A frozen
// key and an unknown key are indistinguishable to the caller so account
// existence never leaks.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openclaw/llm-bridge/internal/account"
	"github.com/openclaw/llm-bridge/internal/apierr"
)

const cacheTTL = 5 * time.Minute

// Resolver looks up active accounts by API key, with an optional Redis
// cache in front of the store. A nil cache disables caching (tests).
type Resolver struct {
	store  account.Store
	cache  *redis.Client
	logger *zap.Logger
}

func NewResolver(store account.Store, cache *redis.Client, logger *zap.Logger) *Resolver {
	return &Resolver{store: store, cache: cache, logger: logger}
}

func cacheKey(apiKey string) string {
	h := sha256.Sum256([]byte(apiKey))
	return fmt.Sprintf("auth:%s", hex.EncodeToString(h[:]))
}

// Resolve returns the active account for apiKey, or (nil, nil) when the
// key is blank, unknown or frozen. Blank keys never reach the store.
func (r *Resolver) Resolve(ctx context.Context, apiKey string) (*account.Account, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, nil
	}

	if r.cache != nil {
		var cached account.Account
		err := r.cache.Get(ctx, cacheKey(apiKey)).Scan(&cached)
		if err == nil {
			return &cached, nil
		}
		if err != redis.Nil {
			r.logger.Warn("auth cache read failed", zap.Error(err))
		}
	}

	acc, err := r.store.GetActive(ctx, apiKey)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve account: %w", err)
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, cacheKey(apiKey), acc, cacheTTL).Err(); err != nil {
			r.logger.Warn("auth cache write failed", zap.Error(err))
		}
	}

	return acc, nil
}

// Invalidate evicts a cached account, used after admin patches so freezes
// and recharges take effect immediately.
func (r *Resolver) Invalidate(ctx context.Context, apiKey string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Del(ctx, cacheKey(apiKey)).Err(); err != nil {
		r.logger.Warn("auth cache invalidation failed", zap.Error(err))
	}
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	accountKey   contextKey = "account"
	requestIDKey contextKey = "request_id"
)

// BearerToken extracts the credential from an Authorization header, or ""
// when the header is missing or not bearer-shaped.
func BearerToken(header string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func NewMiddleware(resolver *Resolver) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			key := BearerToken(r.Header.Get("Authorization"))
			if key == "" {
				apierr.Write(w, http.StatusUnauthorized, apierr.CodeInvalidRequest,
					"Missing or invalid Authorization header")
				return
			}

			acc, err := resolver.Resolve(ctx, key)
			if err != nil {
				apierr.Write(w, http.StatusInternalServerError, apierr.CodeAPIError,
					"Internal server error")
				return
			}
			if acc == nil {
				apierr.Write(w, http.StatusUnauthorized, apierr.CodeInvalidAPIKey,
					"Invalid API key or key is frozen")
				return
			}

			ctx = context.WithValue(ctx, accountKey, acc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Helpers to extract from context
func GetAccount(ctx context.Context) *account.Account {
	if acc, ok := ctx.Value(accountKey).(*account.Account); ok {
		return acc
	}
	return nil
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithAccount(ctx context.Context, acc *account.Account) context.Context {
	return context.WithValue(ctx, accountKey, acc)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
