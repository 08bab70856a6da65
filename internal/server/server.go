// Package server exposes the authorization engine and owner
// administration over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/halcyon-sec/keyward/internal/auth"
	"github.com/halcyon-sec/keyward/internal/engine"
	"github.com/halcyon-sec/keyward/internal/policy"
	"github.com/halcyon-sec/keyward/internal/registry"
	"github.com/halcyon-sec/keyward/internal/roles"
	"github.com/halcyon-sec/keyward/internal/storage"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Registry  registry.Registry
	Engine    *engine.Engine
	Auth      auth.Authenticator
	Writer    storage.EventWriter
	Logger    *zap.Logger
	OwnerKind roles.OwnerKind
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	// Execution-context boundary (auth required via Bearer dwk_ key)
	mux.HandleFunc("POST /v1/authorize", deps.authMiddleware(deps.handleAuthorize))

	// Owner administration (no auth — deployed behind the owner's own
	// credential boundary)
	mux.HandleFunc("GET /api/wallets/{token_id}", deps.handleSnapshot)
	mux.HandleFunc("POST /api/wallets/{token_id}/transfer", deps.handleTransfer)
	mux.HandleFunc("POST /api/wallets/{token_id}/permit", deps.handlePermitTool)

	mux.HandleFunc("POST /api/wallets/{token_id}/tools", deps.handleRegisterTool)
	mux.HandleFunc("DELETE /api/wallets/{token_id}/tools/{tool_id}", deps.handleRemoveTool)
	mux.HandleFunc("POST /api/wallets/{token_id}/tools/{tool_id}/enable", deps.handleEnableTool)
	mux.HandleFunc("POST /api/wallets/{token_id}/tools/{tool_id}/disable", deps.handleDisableTool)

	mux.HandleFunc("POST /api/wallets/{token_id}/delegatees", deps.handleAddDelegatee)
	mux.HandleFunc("DELETE /api/wallets/{token_id}/delegatees/{address}", deps.handleRemoveDelegatee)

	mux.HandleFunc("PUT /api/wallets/{token_id}/tools/{tool_id}/policy", deps.handleSetPolicy)
	mux.HandleFunc("PATCH /api/wallets/{token_id}/tools/{tool_id}/policy", deps.handleUpdatePolicyParameters)
	mux.HandleFunc("DELETE /api/wallets/{token_id}/tools/{tool_id}/policy", deps.handleRemovePolicy)

	// Published tool schemas
	mux.HandleFunc("GET /api/schemas", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, policy.Schemas())
	})

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}

// contextKey is an unexported type for context keys to avoid collisions.
type contextKey int

const callerCtxKey contextKey = iota

// callerFromContext extracts the authenticated caller from the request context.
func callerFromContext(ctx context.Context) *auth.CallerContext {
	v, _ := ctx.Value(callerCtxKey).(*auth.CallerContext)
	return v
}

// authMiddleware validates Bearer dwk_ keys and injects the resolved
// caller into the request context.
func (d *Dependencies) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := auth.ExtractBearerKey(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Error: "missing or invalid Authorization header"})
			return
		}
		caller, err := d.Auth.Authenticate(r.Context(), key)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthenticated) {
				writeJSON(w, http.StatusUnauthorized, ErrorResp{Error: "invalid credentials"})
				return
			}
			d.Logger.Error("authentication backend failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Error: "authentication unavailable"})
			return
		}
		ctx := context.WithValue(r.Context(), callerCtxKey, caller)
		next(w, r.WithContext(ctx))
	}
}

// ErrorResp is the uniform error body.
type ErrorResp struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeError maps domain errors onto status codes and stable codes.
func (d *Dependencies) writeError(w http.ResponseWriter, err error) {
	var insufficientFunds *registry.ErrInsufficientFunds
	switch {
	case errors.Is(err, roles.ErrMultisigUnsupported):
		writeJSON(w, http.StatusConflict, ErrorResp{Error: err.Error(), Code: "MULTISIG_UNSUPPORTED"})
	case errors.Is(err, registry.ErrNotOwner):
		writeJSON(w, http.StatusForbidden, ErrorResp{Error: err.Error(), Code: "NOT_OWNER"})
	case errors.As(err, &insufficientFunds):
		writeJSON(w, http.StatusPaymentRequired, ErrorResp{Error: err.Error(), Code: "INSUFFICIENT_FUNDS"})
	case errors.Is(err, registry.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResp{Error: err.Error(), Code: "REGISTRY_UNAVAILABLE"})
	case errors.Is(err, policy.ErrValidation), errors.Is(err, policy.ErrUnknownKind), errors.Is(err, policy.ErrDecode):
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: err.Error(), Code: "INVALID_POLICY"})
	default:
		d.Logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Error: err.Error()})
	}
}

// --- JSON helpers ---

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// readJSON decodes a JSON request body into the given pointer.
func readJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Request logging ---

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// --- CORS ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
