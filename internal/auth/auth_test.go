package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/openclaw/llm-bridge/internal/account"
	"github.com/openclaw/llm-bridge/internal/apierr"
)

type mockAccountStore struct {
	accounts map[string]*account.Account
	lookups  int
}

func (m *mockAccountStore) GetActive(ctx context.Context, apiKey string) (*account.Account, error) {
	m.lookups++
	acc, ok := m.accounts[apiKey]
	if !ok || acc.Status != account.StatusActive {
		return nil, account.ErrNotFound
	}
	return acc, nil
}

func (m *mockAccountStore) Create(ctx context.Context, acc *account.Account) error { return nil }
func (m *mockAccountStore) List(ctx context.Context) ([]*account.Account, error)   { return nil, nil }
func (m *mockAccountStore) SetStatus(ctx context.Context, apiKey, status string) error {
	return nil
}
func (m *mockAccountStore) Balance(ctx context.Context, apiKey string) (int64, error) {
	return 0, account.ErrNotFound
}
func (m *mockAccountStore) DeductActive(ctx context.Context, apiKey string, amount int64) (int64, error) {
	return 0, account.ErrNotFound
}
func (m *mockAccountStore) Credit(ctx context.Context, apiKey string, amount int64) error {
	return account.ErrNotFound
}

func newTestResolver(accounts map[string]*account.Account) (*Resolver, *mockAccountStore) {
	store := &mockAccountStore{accounts: accounts}
	return NewResolver(store, nil, zap.NewNop()), store
}

func TestResolve_BlankKeySkipsStore(t *testing.T) {
	r, store := newTestResolver(nil)

	for _, key := range []string{"", "   "} {
		acc, err := r.Resolve(context.Background(), key)
		if err != nil {
			t.Fatalf("Resolve(%q) failed: %v", key, err)
		}
		if acc != nil {
			t.Errorf("Resolve(%q): expected nil account", key)
		}
	}
	if store.lookups != 0 {
		t.Errorf("Expected no store lookups for blank keys, got %d", store.lookups)
	}
}

func TestResolve_UnknownAndFrozenIndistinguishable(t *testing.T) {
	r, _ := newTestResolver(map[string]*account.Account{
		"frozen-key": {APIKey: "frozen-key", Status: account.StatusFrozen},
	})

	for _, key := range []string{"unknown-key", "frozen-key"} {
		acc, err := r.Resolve(context.Background(), key)
		if err != nil {
			t.Fatalf("Resolve(%q) failed: %v", key, err)
		}
		if acc != nil {
			t.Errorf("Resolve(%q): expected nil account", key)
		}
	}
}

func TestResolve_ActiveAccount(t *testing.T) {
	r, _ := newTestResolver(map[string]*account.Account{
		"good-key": {APIKey: "good-key", UserName: "alice", BalanceTokens: 100, Status: account.StatusActive, CreatedAt: time.Now()},
	})

	acc, err := r.Resolve(context.Background(), "good-key")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if acc == nil || acc.UserName != "alice" {
		t.Errorf("Expected alice's account, got %+v", acc)
	}
}

func TestMiddleware_MissingHeader(t *testing.T) {
	r, _ := newTestResolver(nil)
	mw := NewMiddleware(r)

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		t.Error("Handler should not run without credentials")
	}))

	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
	var body apierr.Body
	json.Unmarshal(w.Body.Bytes(), &body)
	if body.Error.Code != apierr.CodeInvalidRequest {
		t.Errorf("Expected invalid_request_error, got %s", body.Error.Code)
	}
}

func TestMiddleware_UnknownKey(t *testing.T) {
	r, _ := newTestResolver(nil)
	mw := NewMiddleware(r)

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		t.Error("Handler should not run for an unknown key")
	}))

	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer nope")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
	var body apierr.Body
	json.Unmarshal(w.Body.Bytes(), &body)
	if body.Error.Code != apierr.CodeInvalidAPIKey {
		t.Errorf("Expected invalid_api_key, got %s", body.Error.Code)
	}
}

func TestMiddleware_ActiveAccountReachesHandler(t *testing.T) {
	r, _ := newTestResolver(map[string]*account.Account{
		"good-key": {APIKey: "good-key", UserName: "alice", Status: account.StatusActive},
	})
	mw := NewMiddleware(r)

	var seen *account.Account
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		seen = GetAccount(req.Context())
		if GetRequestID(req.Context()) == "" {
			t.Error("Expected request id in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer good-key")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if seen == nil || seen.UserName != "alice" {
		t.Errorf("Expected account in context, got %+v", seen)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header")
	}
}

func TestBearerToken(t *testing.T) {
	if got := BearerToken("Bearer abc "); got != "abc" {
		t.Errorf("Expected trimmed token, got %q", got)
	}
	if got := BearerToken("Basic abc"); got != "" {
		t.Errorf("Expected empty token for non-bearer header, got %q", got)
	}
	if got := BearerToken(""); got != "" {
		t.Errorf("Expected empty token for missing header, got %q", got)
	}
}
