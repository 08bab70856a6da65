package roles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/halcyon-sec/keyward/internal/engine"
	"github.com/halcyon-sec/keyward/internal/policy"
	"github.com/halcyon-sec/keyward/internal/registry"
	"github.com/halcyon-sec/keyward/internal/wallet"
)

// Delegatee binds a delegatee address to the registry client for
// discovery and invocation-request assembly. It cannot write anything.
type Delegatee struct {
	registry registry.Registry
	address  common.Address
}

// NewDelegatee creates the delegatee façade.
func NewDelegatee(reg registry.Registry, address common.Address) *Delegatee {
	return &Delegatee{registry: reg, address: address}
}

// Address returns the bound delegatee address.
func (d *Delegatee) Address() common.Address { return d.address }

// PermittedTool is one tool the delegatee may request, with the policy
// that will constrain it. A nil Policy means unconstrained invocation.
type PermittedTool struct {
	Tool   wallet.ToolID
	Policy policy.Policy
}

// PermittedTools lists the wallet's enabled tools the delegatee can
// invoke, each with its decoded enforced policy. Tools whose stored
// policy is corrupt are omitted: the engine would deny them anyway.
func (d *Delegatee) PermittedTools(ctx context.Context, w wallet.Wallet) ([]PermittedTool, error) {
	isDelegatee, err := d.registry.IsDelegatee(ctx, w, d.address)
	if err != nil {
		return nil, fmt.Errorf("permitted tools: %w", err)
	}
	if !isDelegatee {
		return nil, nil
	}

	tools, err := d.registry.GetRegisteredTools(ctx, w)
	if err != nil {
		return nil, fmt.Errorf("permitted tools: %w", err)
	}
	out := make([]PermittedTool, 0, len(tools))
	for _, tool := range tools {
		if !tool.Enabled {
			continue
		}
		p, enforced, err := d.GetPolicy(ctx, w, tool.ID)
		if err != nil {
			if errors.Is(err, policy.ErrDecode) {
				continue
			}
			return nil, err
		}
		entry := PermittedTool{Tool: tool.ID}
		if enforced {
			entry.Policy = p
		}
		out = append(out, entry)
	}
	return out, nil
}

// GetPolicy returns the delegatee's decoded policy for a tool. The
// second return is false when no enforced policy exists (absent row or
// disabled flag), which means unconstrained invocation.
func (d *Delegatee) GetPolicy(ctx context.Context, w wallet.Wallet, tool wallet.ToolID) (policy.Policy, bool, error) {
	record, err := d.registry.GetToolPolicy(ctx, w, tool, d.address)
	if err != nil {
		return nil, false, fmt.Errorf("get policy: %w", err)
	}
	if !record.Exists() || !record.Enabled {
		return nil, false, nil
	}
	p, err := policy.Decode(record.Blob)
	if err != nil {
		return nil, false, fmt.Errorf("get policy: %w", err)
	}
	return p, true, nil
}

// RequestExecution assembles the authorization check request the
// execution context submits for this delegatee. It performs no checks
// itself; the engine re-verifies everything.
func (d *Delegatee) RequestExecution(w wallet.Wallet, tool wallet.ToolID, params json.RawMessage) engine.Request {
	return engine.Request{
		Caller: d.address,
		Wallet: w,
		Tool:   tool,
		Params: params,
	}
}
