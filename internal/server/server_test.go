package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/halcyon-sec/keyward/internal/auth"
	"github.com/halcyon-sec/keyward/internal/engine"
	"github.com/halcyon-sec/keyward/internal/registry"
	"github.com/halcyon-sec/keyward/internal/roles"
	"github.com/halcyon-sec/keyward/internal/storage"
	"github.com/halcyon-sec/keyward/internal/wallet"
)

const (
	agentKey  = "dwk_test_agent_key"
	toolCID   = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"
	agentHex  = "0x3000000000000000000000000000000000000003"
	ownerHex  = "0x2000000000000000000000000000000000000002"
	recipHex  = "0x4000000000000000000000000000000000000004"
	tokenID   = "42"
	walletURL = "/api/wallets/" + tokenID
)

// capturingWriter records decision events for assertions.
type capturingWriter struct {
	mu     sync.Mutex
	events []*storage.DecisionEvent
}

func (c *capturingWriter) Write(e *storage.DecisionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *capturingWriter) Close() {}

func (c *capturingWriter) last() *storage.DecisionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return nil
	}
	return c.events[len(c.events)-1]
}

type fixture struct {
	registry *registry.MemoryRegistry
	writer   *capturingWriter
	handler  http.Handler
}

func newServerFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.NewMemoryRegistry()
	target := wallet.NewWallet(big.NewInt(42), common.Address{})
	reg.CreateWallet(target, common.HexToAddress(ownerHex))

	writer := &capturingWriter{}
	deps := &Dependencies{
		Registry: reg,
		Engine:   engine.New(reg, zap.NewNop()),
		Auth: auth.NewStaticAuthenticator(map[string]common.Address{
			agentKey: common.HexToAddress(agentHex),
		}),
		Writer:    writer,
		Logger:    zap.NewNop(),
		OwnerKind: roles.OwnerKindEOA,
	}
	return &fixture{registry: reg, writer: writer, handler: NewRouter(deps)}
}

func (f *fixture) do(t *testing.T, method, path string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// permitViaAPI drives the full owner grant through the admin surface.
func (f *fixture) permitViaAPI(t *testing.T) {
	t.Helper()
	rec := f.do(t, http.MethodPost, walletURL+"/permit", map[string]any{
		"toolId":    toolCID,
		"delegatee": agentHex,
		"kind":      "erc20-transfer",
		"policy": map[string]any{
			"maxAmount":         "100",
			"allowedTokens":     []string{},
			"allowedRecipients": []string{recipHex},
		},
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("permit: status %d: %s", rec.Code, rec.Body.String())
	}
}

func authorizeBody(amount, token, recipient string) map[string]any {
	return map[string]any{
		"walletId": tokenID,
		"toolId":   toolCID,
		"parameters": map[string]string{
			"amount":    amount,
			"token":     token,
			"recipient": recipient,
		},
	}
}

func TestAuthorizeEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.permitViaAPI(t)

	tokenB := "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"

	t.Run("requires bearer key", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/v1/authorize", authorizeBody("50", tokenB, recipHex), "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("rejects unknown key", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/v1/authorize", authorizeBody("50", tokenB, recipHex), "dwk_wrong_key")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("allows within policy", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/v1/authorize", authorizeBody("50", tokenB, recipHex), agentKey)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		var resp AuthorizeResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Decision != "allowed" || !resp.PolicyPresent || resp.RequestID == "" {
			t.Fatalf("response = %+v", resp)
		}
		if resp.ValidatedParameters == nil {
			t.Error("validated parameters missing on allow")
		}
		event := f.writer.last()
		if event == nil || event.Decision != "allowed" || event.RequestID != resp.RequestID {
			t.Fatalf("event = %+v", event)
		}
	})

	t.Run("denies over bound with violation detail", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/v1/authorize", authorizeBody("150", tokenB, recipHex), agentKey)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		var resp AuthorizeResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Decision != "denied" || resp.Reason != "POLICY_VIOLATION" {
			t.Fatalf("response = %+v", resp)
		}
		if resp.Violation == nil || resp.Violation.Field != "maxAmount" || resp.Violation.Bound != "100" || resp.Violation.Proposed != "150" {
			t.Fatalf("violation = %+v", resp.Violation)
		}
		event := f.writer.last()
		if event.Reason != "POLICY_VIOLATION" || event.ViolatedField != "maxAmount" {
			t.Fatalf("event = %+v", event)
		}
	})

	t.Run("rejects malformed wallet id", func(t *testing.T) {
		body := authorizeBody("50", tokenB, recipHex)
		body["walletId"] = "not-a-number"
		rec := f.do(t, http.MethodPost, "/v1/authorize", body, agentKey)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rec.Code)
		}
	})
}

func TestAdminLifecycle(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	target := wallet.NewWallet(big.NewInt(42), common.Address{})

	rec := f.do(t, http.MethodPost, walletURL+"/tools", map[string]any{"toolId": toolCID, "enable": true}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d: %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodPost, walletURL+"/delegatees", map[string]string{"address": agentHex}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("add delegatee: %d: %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodPut, fmt.Sprintf("%s/tools/%s/policy", walletURL, toolCID), map[string]any{
		"kind":       "erc20-transfer",
		"delegatees": []string{agentHex},
		"policy":     map[string]any{"maxAmount": "100"},
		"enabled":    true,
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("set policy: %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPatch, fmt.Sprintf("%s/tools/%s/policy", walletURL, toolCID), map[string]any{
		"kind":       "erc20-transfer",
		"delegatees": []string{agentHex},
		"set":        map[string]any{"maxAmount": "250"},
	}, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("patch policy: %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, walletURL, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("snapshot: %d", rec.Code)
	}
	var snap roles.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Tools) != 1 || len(snap.Delegatees) != 1 || len(snap.Policies) != 1 {
		t.Fatalf("snapshot = %s", rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, fmt.Sprintf("%s/tools/%s/disable", walletURL, toolCID), nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("disable: %d", rec.Code)
	}
	if _, enabled, _ := f.registry.IsToolRegistered(ctx, target, wallet.ToolID(toolCID)); enabled {
		t.Fatal("tool still enabled")
	}

	rec = f.do(t, http.MethodDelete, fmt.Sprintf("%s/tools/%s/policy", walletURL, toolCID), map[string]any{
		"delegatees": []string{agentHex},
	}, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("remove policy: %d", rec.Code)
	}
	rec = f.do(t, http.MethodDelete, fmt.Sprintf("%s/delegatees/%s", walletURL, agentHex), nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("remove delegatee: %d", rec.Code)
	}
	rec = f.do(t, http.MethodDelete, fmt.Sprintf("%s/tools/%s", walletURL, toolCID), nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("remove tool: %d", rec.Code)
	}
}

func TestSetPolicyRejectsBadDocument(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPut, fmt.Sprintf("%s/tools/%s/policy", walletURL, toolCID), map[string]any{
		"kind":       "erc20-transfer",
		"delegatees": []string{agentHex},
		"policy":     map[string]any{"maxAmount": -1},
		"enabled":    true,
	}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp ErrorResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Code != "INVALID_POLICY" {
		t.Fatalf("code = %q", resp.Code)
	}
}

func TestMultisigOwnerSurfacesConflict(t *testing.T) {
	f := newServerFixture(t)
	deps := &Dependencies{
		Registry:  f.registry,
		Engine:    engine.New(f.registry, zap.NewNop()),
		Auth:      auth.NewStaticAuthenticator(nil),
		Writer:    f.writer,
		Logger:    zap.NewNop(),
		OwnerKind: roles.OwnerKindMultisig,
	}
	handler := NewRouter(deps)

	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(map[string]any{"toolId": toolCID, "enable": true}) //nolint:errcheck
	req := httptest.NewRequest(http.MethodPost, walletURL+"/tools", &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp ErrorResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Code != "MULTISIG_UNSUPPORTED" {
		t.Fatalf("code = %q", resp.Code)
	}
}

func TestSchemasEndpoint(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/api/schemas", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var docs []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &docs); err != nil {
		t.Fatal(err)
	}
	if len(docs) != 4 {
		t.Fatalf("got %d schema docs", len(docs))
	}
	for _, doc := range docs {
		if doc["kind"] == "" || doc["policySchema"] == nil || doc["paramsSchema"] == nil {
			t.Fatalf("incomplete schema doc: %v", doc)
		}
	}
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
