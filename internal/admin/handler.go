// Package admin exposes key management: create, list, recharge and freeze
// accounts. It sits behind a dedicated administrator token, never behind
// account credentials.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/openclaw/llm-bridge/internal/account"
	"github.com/openclaw/llm-bridge/internal/auth"
)

// Creditor is the ledger slice used for recharges.
type Creditor interface {
	Credit(ctx context.Context, apiKey string, amount int64) error
}

// Invalidator evicts a cached account after a patch so freezes take effect
// immediately.
type Invalidator interface {
	Invalidate(ctx context.Context, apiKey string)
}

type Handler struct {
	store      account.Store
	creditor   Creditor
	invalidate Invalidator
	logger     *zap.Logger
	token      string
}

func NewHandler(store account.Store, creditor Creditor, invalidate Invalidator, logger *zap.Logger, token string) *Handler {
	return &Handler{
		store:      store,
		creditor:   creditor,
		invalidate: invalidate,
		logger:     logger,
		token:      token,
	}
}

// Routes returns the admin sub-router with the token check applied.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requireToken)
	r.Post("/keys", h.HandleCreate)
	r.Get("/keys", h.HandleList)
	r.Patch("/keys/{key}", h.HandlePatch)
	return r
}

func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := auth.BearerToken(r.Header.Get("Authorization"))
		if h.token == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(h.token)) != 1 {
			writeDetail(w, http.StatusForbidden, "Invalid or missing admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type createRequest struct {
	APIKey        string `json:"api_key"`
	UserName      string `json:"user_name"`
	BalanceTokens int64  `json:"balance_tokens"`
	Status        string `json:"status"`
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.APIKey == "" || req.UserName == "" {
		writeDetail(w, http.StatusBadRequest, "api_key and user_name are required")
		return
	}
	if req.BalanceTokens < 0 {
		writeDetail(w, http.StatusBadRequest, "balance_tokens must be >= 0")
		return
	}
	if req.Status == "" {
		req.Status = account.StatusActive
	}
	if req.Status != account.StatusActive && req.Status != account.StatusFrozen {
		writeDetail(w, http.StatusBadRequest, "status must be active or frozen")
		return
	}

	acc := &account.Account{
		APIKey:        req.APIKey,
		UserName:      req.UserName,
		BalanceTokens: req.BalanceTokens,
		Status:        req.Status,
	}
	if err := h.store.Create(r.Context(), acc); err != nil {
		if errors.Is(err, account.ErrDuplicate) {
			writeDetail(w, http.StatusBadRequest, "api_key already exists")
			return
		}
		h.logger.Error("account create failed", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":             true,
		"api_key":        acc.APIKey,
		"user_name":      acc.UserName,
		"balance_tokens": acc.BalanceTokens,
		"status":         acc.Status,
	})
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Error("account list failed", zap.Error(err))
		writeDetail(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if accounts == nil {
		accounts = []*account.Account{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": accounts})
}

type patchRequest struct {
	BalanceTokens *int64  `json:"balance_tokens"` // applied as an increment
	Status        *string `json:"status"`         // applied as a set
}

func (h *Handler) HandlePatch(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req patchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.BalanceTokens == nil && req.Status == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "message": "no changes"})
		return
	}
	if req.BalanceTokens != nil && *req.BalanceTokens < 0 {
		writeDetail(w, http.StatusBadRequest, "balance_tokens must be >= 0")
		return
	}
	if req.Status != nil && *req.Status != account.StatusActive && *req.Status != account.StatusFrozen {
		writeDetail(w, http.StatusBadRequest, "status must be active or frozen")
		return
	}

	if req.BalanceTokens != nil {
		if err := h.creditor.Credit(r.Context(), key, *req.BalanceTokens); err != nil {
			if errors.Is(err, account.ErrNotFound) {
				writeDetail(w, http.StatusNotFound, "api_key not found")
				return
			}
			h.logger.Error("recharge failed", zap.Error(err))
			writeDetail(w, http.StatusInternalServerError, "internal server error")
			return
		}
	}
	if req.Status != nil {
		if err := h.store.SetStatus(r.Context(), key, *req.Status); err != nil {
			if errors.Is(err, account.ErrNotFound) {
				writeDetail(w, http.StatusNotFound, "api_key not found")
				return
			}
			h.logger.Error("status update failed", zap.Error(err))
			writeDetail(w, http.StatusInternalServerError, "internal server error")
			return
		}
	}

	// Freezes and recharges must be visible on the next request.
	h.invalidate.Invalidate(r.Context(), key)

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
