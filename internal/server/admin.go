package server

import (
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/halcyon-sec/keyward/internal/policy"
	"github.com/halcyon-sec/keyward/internal/roles"
	"github.com/halcyon-sec/keyward/internal/wallet"
)

// ownerFromPath builds the owner façade for the wallet named in the
// request path. Façades are cheap; one per request keeps handlers
// stateless.
func (d *Dependencies) ownerFromPath(w http.ResponseWriter, r *http.Request) (*roles.Owner, bool) {
	tokenID, err := wallet.ParseTokenID(r.PathValue("token_id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: err.Error()})
		return nil, false
	}
	target := wallet.Wallet{TokenID: tokenID}
	return roles.NewOwner(d.Registry, target, d.OwnerKind, d.Logger), true
}

func toolFromPath(w http.ResponseWriter, r *http.Request) (wallet.ToolID, bool) {
	tool := wallet.ToolID(r.PathValue("tool_id"))
	if !tool.Valid() {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: "invalid tool id"})
		return "", false
	}
	return tool, true
}

func parseAddressList(w http.ResponseWriter, hexes []string) ([]common.Address, bool) {
	if len(hexes) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: "at least one delegatee required"})
		return nil, false
	}
	out := make([]common.Address, len(hexes))
	for i, h := range hexes {
		addr, err := wallet.ParseAddress(h)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Error: err.Error()})
			return nil, false
		}
		out[i] = addr
	}
	return out, true
}

func (d *Dependencies) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	owner, ok := d.ownerFromPath(w, r)
	if !ok {
		return
	}
	snap, err := owner.Snapshot(r.Context())
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// RegisterToolReq is the JSON body for POST /api/wallets/{token_id}/tools.
type RegisterToolReq struct {
	ToolID string `json:"toolId"`
	Enable bool   `json:"enable"`
}

func (d *Dependencies) handleRegisterTool(w http.ResponseWriter, r *http.Request) {
	owner, ok := d.ownerFromPath(w, r)
	if !ok {
		return
	}
	var req RegisterToolReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: "invalid JSON body"})
		return
	}
	tool := wallet.ToolID(req.ToolID)
	if !tool.Valid() {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: "invalid tool id"})
		return
	}
	if err := owner.RegisterTool(r.Context(), tool, req.Enable); err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"toolId": req.ToolID})
}

func (d *Dependencies) handleRemoveTool(w http.ResponseWriter, r *http.Request) {
	owner, ok := d.ownerFromPath(w, r)
	if !ok {
		return
	}
	tool, ok := toolFromPath(w, r)
	if !ok {
		return
	}
	if err := owner.RemoveTool(r.Context(), tool); err != nil {
		d.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dependencies) handleEnableTool(w http.ResponseWriter, r *http.Request) {
	d.setToolEnabled(w, r, true)
}

func (d *Dependencies) handleDisableTool(w http.ResponseWriter, r *http.Request) {
	d.setToolEnabled(w, r, false)
}

func (d *Dependencies) setToolEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	owner, ok := d.ownerFromPath(w, r)
	if !ok {
		return
	}
	tool, ok := toolFromPath(w, r)
	if !ok {
		return
	}
	var err error
	if enabled {
		err = owner.EnableTool(r.Context(), tool)
	} else {
		err = owner.DisableTool(r.Context(), tool)
	}
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

// AddDelegateeReq is the JSON body for POST /api/wallets/{token_id}/delegatees.
type AddDelegateeReq struct {
	Address string `json:"address"`
}

func (d *Dependencies) handleAddDelegatee(w http.ResponseWriter, r *http.Request) {
	owner, ok := d.ownerFromPath(w, r)
	if !ok {
		return
	}
	var req AddDelegateeReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: "invalid JSON body"})
		return
	}
	addr, err := wallet.ParseAddress(req.Address)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: err.Error()})
		return
	}
	if err := owner.AddDelegatee(r.Context(), addr); err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"address": addr.Hex()})
}

func (d *Dependencies) handleRemoveDelegatee(w http.ResponseWriter, r *http.Request) {
	owner, ok := d.ownerFromPath(w, r)
	if !ok {
		return
	}
	addr, err := wallet.ParseAddress(r.PathValue("address"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: err.Error()})
		return
	}
	if err := owner.RemoveDelegatee(r.Context(), addr); err != nil {
		d.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetPolicyReq is the JSON body for PUT .../policy.
type SetPolicyReq struct {
	Kind       string          `json:"kind"`
	Delegatees []string        `json:"delegatees"`
	Policy     json.RawMessage `json:"policy"`
	Enabled    bool            `json:"enabled"`
}

func (d *Dependencies) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	owner, ok := d.ownerFromPath(w, r)
	if !ok {
		return
	}
	tool, ok := toolFromPath(w, r)
	if !ok {
		return
	}
	var req SetPolicyReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: "invalid JSON body"})
		return
	}
	delegatees, ok := parseAddressList(w, req.Delegatees)
	if !ok {
		return
	}
	if err := owner.SetPolicy(r.Context(), tool, delegatees, policy.Kind(req.Kind), req.Policy, req.Enabled); err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"kind": req.Kind})
}

// UpdatePolicyParametersReq is the JSON body for PATCH .../policy.
// Set replaces named fields; Remove resets named fields to their zero
// values. Unrelated fields are untouched either way.
type UpdatePolicyParametersReq struct {
	Kind       string                     `json:"kind"`
	Delegatees []string                   `json:"delegatees"`
	Set        map[string]json.RawMessage `json:"set,omitempty"`
	Remove     []string                   `json:"remove,omitempty"`
}

func (d *Dependencies) handleUpdatePolicyParameters(w http.ResponseWriter, r *http.Request) {
	owner, ok := d.ownerFromPath(w, r)
	if !ok {
		return
	}
	tool, ok := toolFromPath(w, r)
	if !ok {
		return
	}
	var req UpdatePolicyParametersReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: "invalid JSON body"})
		return
	}
	if len(req.Set) == 0 && len(req.Remove) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: "nothing to update"})
		return
	}
	delegatees, ok := parseAddressList(w, req.Delegatees)
	if !ok {
		return
	}
	if len(req.Set) > 0 {
		if err := owner.SetPolicyParameters(r.Context(), tool, delegatees, policy.Kind(req.Kind), req.Set); err != nil {
			d.writeError(w, err)
			return
		}
	}
	if len(req.Remove) > 0 {
		if err := owner.RemovePolicyParameters(r.Context(), tool, delegatees, req.Remove); err != nil {
			d.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"set": len(req.Set), "removed": len(req.Remove)})
}

// RemovePolicyReq is the JSON body for DELETE .../policy.
type RemovePolicyReq struct {
	Delegatees []string `json:"delegatees"`
}

func (d *Dependencies) handleRemovePolicy(w http.ResponseWriter, r *http.Request) {
	owner, ok := d.ownerFromPath(w, r)
	if !ok {
		return
	}
	tool, ok := toolFromPath(w, r)
	if !ok {
		return
	}
	var req RemovePolicyReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: "invalid JSON body"})
		return
	}
	delegatees, ok := parseAddressList(w, req.Delegatees)
	if !ok {
		return
	}
	if err := owner.RemovePolicy(r.Context(), tool, delegatees); err != nil {
		d.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PermitToolReq is the JSON body for POST /api/wallets/{token_id}/permit:
// the full register + enable + delegate + set-policy grant in one call.
// Policy may be null to grant the tool unconstrained.
type PermitToolReq struct {
	ToolID    string          `json:"toolId"`
	Delegatee string          `json:"delegatee"`
	Kind      string          `json:"kind,omitempty"`
	Policy    json.RawMessage `json:"policy,omitempty"`
}

func (d *Dependencies) handlePermitTool(w http.ResponseWriter, r *http.Request) {
	owner, ok := d.ownerFromPath(w, r)
	if !ok {
		return
	}
	var req PermitToolReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: "invalid JSON body"})
		return
	}
	tool := wallet.ToolID(req.ToolID)
	if !tool.Valid() {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: "invalid tool id"})
		return
	}
	delegatee, err := wallet.ParseAddress(req.Delegatee)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: err.Error()})
		return
	}
	if err := owner.PermitTool(r.Context(), tool, delegatee, policy.Kind(req.Kind), req.Policy); err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"toolId":    req.ToolID,
		"delegatee": delegatee.Hex(),
	})
}

// TransferReq is the JSON body for POST /api/wallets/{token_id}/transfer.
type TransferReq struct {
	To string `json:"to"`
}

func (d *Dependencies) handleTransfer(w http.ResponseWriter, r *http.Request) {
	owner, ok := d.ownerFromPath(w, r)
	if !ok {
		return
	}
	var req TransferReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: "invalid JSON body"})
		return
	}
	to, err := wallet.ParseAddress(req.To)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Error: err.Error()})
		return
	}
	if err := owner.TransferOwnership(r.Context(), to); err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"owner": to.Hex()})
}
