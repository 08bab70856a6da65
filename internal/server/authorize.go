package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/halcyon-sec/keyward/internal/engine"
	"github.com/halcyon-sec/keyward/internal/storage"
	"github.com/halcyon-sec/keyward/internal/wallet"
)

// AuthorizeRequest is the JSON body for POST /v1/authorize. The caller
// identity comes from the bearer key, never from the body.
type AuthorizeRequest struct {
	WalletID      string          `json:"walletId"`
	WalletAddress string          `json:"walletAddress,omitempty"`
	ToolID        string          `json:"toolId"`
	Parameters    json.RawMessage `json:"parameters"`
}

// ViolationResp names the failing constraint of a denied request.
type ViolationResp struct {
	Field    string `json:"field"`
	Bound    string `json:"bound"`
	Proposed string `json:"proposed"`
}

// AuthorizeResponse is the decision for exactly one invocation attempt.
type AuthorizeResponse struct {
	RequestID           string          `json:"requestId"`
	Decision            string          `json:"decision"` // "allowed" or "denied"
	Reason              string          `json:"reason,omitempty"`
	Violation           *ViolationResp  `json:"violation,omitempty"`
	ValidatedParameters json.RawMessage `json:"validatedParameters,omitempty"`
	PolicyPresent       bool            `json:"policyPresent"`
	LatencyMs           float32         `json:"latencyMs"`
}

func (d *Dependencies) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	caller := callerFromContext(r.Context())
	if caller == nil {
		writeJSON(w, http.StatusUnauthorized, ErrorResp{Error: "no authenticated caller"})
		return
	}

	var req AuthorizeRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: "invalid JSON body"})
		return
	}
	tokenID, err := wallet.ParseTokenID(req.WalletID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: err.Error()})
		return
	}
	target := wallet.Wallet{TokenID: tokenID}
	if req.WalletAddress != "" {
		if target.Address, err = wallet.ParseAddress(req.WalletAddress); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Error: err.Error()})
			return
		}
	}
	tool := wallet.ToolID(req.ToolID)
	if !tool.Valid() {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: "invalid tool id"})
		return
	}

	requestID := uuid.NewString()
	decision, err := d.Engine.Authorize(r.Context(), engine.Request{
		Caller: caller.Delegatee,
		Wallet: target,
		Tool:   tool,
		Params: req.Parameters,
	})
	if err != nil {
		d.writeError(w, err)
		return
	}

	d.recordDecision(requestID, caller.KeyID, &req, caller.Delegatee.Hex(), decision)

	resp := AuthorizeResponse{
		RequestID:     requestID,
		PolicyPresent: decision.PolicyPresent,
		LatencyMs:     float32(decision.Latency.Seconds() * 1000),
	}
	if decision.Allowed {
		resp.Decision = "allowed"
		resp.ValidatedParameters = decision.Params
	} else {
		resp.Decision = "denied"
		resp.Reason = string(decision.Reason)
		if decision.Violation != nil {
			resp.Violation = &ViolationResp{
				Field:    decision.Violation.Field,
				Bound:    decision.Violation.Bound,
				Proposed: decision.Violation.Proposed,
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) recordDecision(requestID, keyID string, req *AuthorizeRequest, delegatee string, decision engine.Decision) {
	event := &storage.DecisionEvent{
		RequestID:     requestID,
		Timestamp:     time.Now().UTC(),
		WalletTokenID: req.WalletID,
		ToolID:        req.ToolID,
		Delegatee:     delegatee,
		ParamsJSON:    string(req.Parameters),
		PolicyPresent: decision.PolicyPresent,
		KeyID:         keyID,
		LatencyMs:     float32(decision.Latency.Seconds() * 1000),
	}
	if decision.Allowed {
		event.Decision = "allowed"
	} else {
		event.Decision = "denied"
		event.Reason = string(decision.Reason)
		if decision.Violation != nil {
			event.ViolatedField = decision.Violation.Field
			event.ViolatedBound = decision.Violation.Bound
			event.ViolatedProposed = decision.Violation.Proposed
		}
	}
	d.Writer.Write(event)
}
