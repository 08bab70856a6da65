// Package roles provides the owner- and delegatee-facing façades over
// the registry client. They translate role-level intent into registry
// call sequences and hold no authorization logic — all gating lives in
// the engine.
package roles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/halcyon-sec/keyward/internal/policy"
	"github.com/halcyon-sec/keyward/internal/registry"
	"github.com/halcyon-sec/keyward/internal/wallet"
)

// ErrMultisigUnsupported is returned for owner operations on a wallet
// whose owner credential is a multisig. Administration through a
// multisig requires a proposal flow this client does not implement.
var ErrMultisigUnsupported = errors.New("multisig owner configurations are not supported")

// OwnerKind names the owner's credential configuration.
type OwnerKind string

const (
	OwnerKindEOA      OwnerKind = "eoa"
	OwnerKindMultisig OwnerKind = "multisig"
)

// Owner binds an owner credential to one wallet and exposes its
// administrative writes. Every operation awaits its receipt before
// returning, so calls compose sequentially.
type Owner struct {
	registry registry.Registry
	wallet   wallet.Wallet
	kind     OwnerKind
	logger   *zap.Logger

	mu       sync.Mutex
	snapshot *Snapshot
}

// NewOwner creates the owner façade. A multisig credential is accepted
// at construction so callers can still read, but every write fails with
// ErrMultisigUnsupported.
func NewOwner(reg registry.Registry, w wallet.Wallet, kind OwnerKind, logger *zap.Logger) *Owner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Owner{registry: reg, wallet: w, kind: kind, logger: logger}
}

// Wallet returns the wallet this façade administers.
func (o *Owner) Wallet() wallet.Wallet { return o.wallet }

// write gates on the credential kind, submits, awaits, and drops the
// cached snapshot.
func (o *Owner) write(ctx context.Context, op string, submit func(context.Context) (registry.Receipt, error)) error {
	if o.kind != OwnerKindEOA {
		return fmt.Errorf("%s: %w", op, ErrMultisigUnsupported)
	}
	rcpt, err := submit(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := rcpt.Await(ctx); err != nil {
		return fmt.Errorf("%s: await %s: %w", op, rcpt.Ref(), err)
	}
	o.logger.Info("owner write committed",
		zap.String("op", op),
		zap.String("wallet", o.wallet.TokenID.String()),
		zap.String("ref", rcpt.Ref()),
	)
	o.invalidate()
	return nil
}

func (o *Owner) invalidate() {
	o.mu.Lock()
	o.snapshot = nil
	o.mu.Unlock()
}

// RegisterTool registers the tool and, when enable is set, activates it
// in a second awaited write.
func (o *Owner) RegisterTool(ctx context.Context, tool wallet.ToolID, enable bool) error {
	err := o.write(ctx, "register tool", func(ctx context.Context) (registry.Receipt, error) {
		return o.registry.RegisterTool(ctx, o.wallet, tool)
	})
	if err != nil {
		return err
	}
	if !enable {
		return nil
	}
	return o.EnableTool(ctx, tool)
}

func (o *Owner) RemoveTool(ctx context.Context, tool wallet.ToolID) error {
	return o.write(ctx, "remove tool", func(ctx context.Context) (registry.Receipt, error) {
		return o.registry.RemoveTool(ctx, o.wallet, tool)
	})
}

func (o *Owner) EnableTool(ctx context.Context, tool wallet.ToolID) error {
	return o.write(ctx, "enable tool", func(ctx context.Context) (registry.Receipt, error) {
		return o.registry.EnableTool(ctx, o.wallet, tool)
	})
}

func (o *Owner) DisableTool(ctx context.Context, tool wallet.ToolID) error {
	return o.write(ctx, "disable tool", func(ctx context.Context) (registry.Receipt, error) {
		return o.registry.DisableTool(ctx, o.wallet, tool)
	})
}

func (o *Owner) AddDelegatee(ctx context.Context, addr common.Address) error {
	return o.write(ctx, "add delegatee", func(ctx context.Context) (registry.Receipt, error) {
		return o.registry.AddDelegatee(ctx, o.wallet, addr)
	})
}

func (o *Owner) RemoveDelegatee(ctx context.Context, addr common.Address) error {
	return o.write(ctx, "remove delegatee", func(ctx context.Context) (registry.Receipt, error) {
		return o.registry.RemoveDelegatee(ctx, o.wallet, addr)
	})
}

// SetPolicy validates and encodes a policy document of the given kind,
// then stores it for every listed delegatee.
func (o *Owner) SetPolicy(ctx context.Context, tool wallet.ToolID, delegatees []common.Address, kind policy.Kind, doc json.RawMessage, enabled bool) error {
	p, err := policy.ParsePolicy(kind, doc)
	if err != nil {
		return fmt.Errorf("set policy: %w", err)
	}
	blob, err := policy.Encode(p)
	if err != nil {
		return fmt.Errorf("set policy: %w", err)
	}
	return o.write(ctx, "set policy", func(ctx context.Context) (registry.Receipt, error) {
		return o.registry.SetPolicy(ctx, o.wallet, tool, delegatees, blob, enabled)
	})
}

func (o *Owner) RemovePolicy(ctx context.Context, tool wallet.ToolID, delegatees []common.Address) error {
	return o.write(ctx, "remove policy", func(ctx context.Context) (registry.Receipt, error) {
		return o.registry.RemovePolicy(ctx, o.wallet, tool, delegatees)
	})
}

// SetPolicyParameters updates the named policy fields from their JSON
// values, leaving unrelated fields untouched. Fields are submitted in
// sorted name order so identical inputs produce identical writes.
func (o *Owner) SetPolicyParameters(ctx context.Context, tool wallet.ToolID, delegatees []common.Address, kind policy.Kind, fields map[string]json.RawMessage) error {
	if len(fields) == 0 {
		return fmt.Errorf("set policy parameters: no fields given")
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	values := make([][]byte, len(names))
	for i, name := range names {
		blob, err := policy.EncodeParameter(kind, name, fields[name])
		if err != nil {
			return fmt.Errorf("set policy parameters: %w", err)
		}
		values[i] = blob
	}
	return o.write(ctx, "set policy parameters", func(ctx context.Context) (registry.Receipt, error) {
		return o.registry.SetPolicyParameters(ctx, o.wallet, tool, delegatees, names, values)
	})
}

func (o *Owner) RemovePolicyParameters(ctx context.Context, tool wallet.ToolID, delegatees []common.Address, names []string) error {
	return o.write(ctx, "remove policy parameters", func(ctx context.Context) (registry.Receipt, error) {
		return o.registry.RemovePolicyParameters(ctx, o.wallet, tool, delegatees, names)
	})
}

// PermitTool runs the full grant sequence: register, enable, delegate,
// and optionally set a policy, awaiting each step before the next. A
// nil policyDoc grants the tool unconstrained — the registry's
// default-allow applies until a policy is set.
func (o *Owner) PermitTool(ctx context.Context, tool wallet.ToolID, delegatee common.Address, kind policy.Kind, policyDoc json.RawMessage) error {
	if err := o.RegisterTool(ctx, tool, true); err != nil {
		return err
	}
	if err := o.AddDelegatee(ctx, delegatee); err != nil {
		return err
	}
	if policyDoc == nil {
		o.logger.Warn("tool permitted without a policy",
			zap.String("wallet", o.wallet.TokenID.String()),
			zap.String("tool", tool.String()),
			zap.String("delegatee", delegatee.Hex()),
		)
		return nil
	}
	return o.SetPolicy(ctx, tool, []common.Address{delegatee}, kind, policyDoc, true)
}

// TransferOwnership hands the wallet to a new owner. The façade is
// unusable for writes afterwards; the cached snapshot is dropped.
func (o *Owner) TransferOwnership(ctx context.Context, to common.Address) error {
	return o.write(ctx, "transfer ownership", func(ctx context.Context) (registry.Receipt, error) {
		return o.registry.TransferWallet(ctx, o.wallet, to)
	})
}

// Snapshot is a point-in-time view of a wallet's administrative state,
// suitable for listing and prompting.
type Snapshot struct {
	Owner      common.Address          `json:"owner"`
	Tools      []wallet.RegisteredTool `json:"tools"`
	Delegatees []common.Address        `json:"delegatees"`
	Policies   []PolicyEntry           `json:"policies"`
}

// PolicyEntry is one (tool, delegatee) policy in a snapshot. Decoded is
// nil when the stored blob is corrupt; DecodeErr then says why.
type PolicyEntry struct {
	Tool      wallet.ToolID  `json:"tool"`
	Delegatee common.Address `json:"delegatee"`
	Enabled   bool           `json:"enabled"`
	Decoded   policy.Policy  `json:"decoded,omitempty"`
	DecodeErr string         `json:"decodeError,omitempty"`
}

// Snapshot returns the wallet's current state. The result is cached
// until the next write through this façade; concurrent writers through
// other clients are not observed until then.
func (o *Owner) Snapshot(ctx context.Context) (*Snapshot, error) {
	o.mu.Lock()
	cached := o.snapshot
	o.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	ownerAddr, err := o.registry.OwnerOf(ctx, o.wallet)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	tools, err := o.registry.GetRegisteredTools(ctx, o.wallet)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	delegatees, err := o.registry.GetDelegatees(ctx, o.wallet)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	refs, err := o.registry.GetToolsWithPolicy(ctx, o.wallet)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}

	entries := make([]PolicyEntry, 0, len(refs))
	for _, ref := range refs {
		record, err := o.registry.GetToolPolicy(ctx, o.wallet, ref.Tool, ref.Delegatee)
		if err != nil {
			return nil, fmt.Errorf("snapshot: %w", err)
		}
		entry := PolicyEntry{Tool: ref.Tool, Delegatee: ref.Delegatee, Enabled: record.Enabled}
		if record.Exists() {
			if p, err := policy.Decode(record.Blob); err != nil {
				entry.DecodeErr = err.Error()
			} else {
				entry.Decoded = p
			}
		}
		entries = append(entries, entry)
	}

	sort.Slice(tools, func(i, j int) bool { return tools[i].ID < tools[j].ID })
	sort.Slice(delegatees, func(i, j int) bool {
		return delegatees[i].Hex() < delegatees[j].Hex()
	})
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Tool != entries[j].Tool {
			return entries[i].Tool < entries[j].Tool
		}
		return entries[i].Delegatee.Hex() < entries[j].Delegatee.Hex()
	})

	snap := &Snapshot{Owner: ownerAddr, Tools: tools, Delegatees: delegatees, Policies: entries}
	o.mu.Lock()
	o.snapshot = snap
	o.mu.Unlock()
	return snap, nil
}
