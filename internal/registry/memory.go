package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/halcyon-sec/keyward/internal/policy"
	"github.com/halcyon-sec/keyward/internal/wallet"
)

// MemoryRegistry is an in-process registry authority for tests and
// local development. It implements the full Registry contract,
// including receipt semantics, membership idempotency, atomic
// multi-delegatee writes, and partial parameter updates.
type MemoryRegistry struct {
	mu      sync.RWMutex
	wallets map[string]*walletState
	signer  common.Address // zero = ownership not enforced
	seq     uint64
}

type walletState struct {
	owner      common.Address
	tools      map[wallet.ToolID]bool // tool id -> enabled
	delegatees map[common.Address]struct{}
	policies   map[policyKey]*policyState
}

type policyKey struct {
	tool      wallet.ToolID
	delegatee common.Address
}

// policyState keeps both the composed blob and the per-field parameter
// blobs, so partial updates never re-encode unrelated fields from
// client input.
type policyState struct {
	blob    []byte
	enabled bool
	params  map[string][]byte
}

// NewMemoryRegistry creates an empty in-memory authority.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{wallets: map[string]*walletState{}}
}

// SetSigner binds the registry to a writing identity; once set, writes
// against wallets owned by someone else fail with ErrNotOwner.
func (m *MemoryRegistry) SetSigner(addr common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signer = addr
}

// CreateWallet seeds a wallet row with its owner. Idempotent.
func (m *MemoryRegistry) CreateWallet(w wallet.Wallet, owner common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wallets[w.TokenID.String()]; !ok {
		m.wallets[w.TokenID.String()] = &walletState{
			owner:      owner,
			tools:      map[wallet.ToolID]bool{},
			delegatees: map[common.Address]struct{}{},
			policies:   map[policyKey]*policyState{},
		}
	}
}

// memReceipt resolves immediately: in-memory writes commit before the
// write call returns.
type memReceipt struct{ ref string }

func (r memReceipt) Ref() string { return r.ref }

func (r memReceipt) Await(_ context.Context) error { return nil }

func (m *MemoryRegistry) receipt() Receipt {
	m.seq++
	return memReceipt{ref: fmt.Sprintf("mem-%06d", m.seq)}
}

func (m *MemoryRegistry) state(w wallet.Wallet) (*walletState, error) {
	ws, ok := m.wallets[w.TokenID.String()]
	if !ok {
		return nil, fmt.Errorf("unknown wallet %s", w.TokenID)
	}
	return ws, nil
}

func (m *MemoryRegistry) writable(w wallet.Wallet) (*walletState, error) {
	ws, err := m.state(w)
	if err != nil {
		return nil, err
	}
	if (m.signer != common.Address{}) && ws.owner != m.signer {
		return nil, fmt.Errorf("%w: wallet %s owned by %s", ErrNotOwner, w.TokenID, ws.owner.Hex())
	}
	return ws, nil
}

// Reads.

func (m *MemoryRegistry) IsDelegatee(_ context.Context, w wallet.Wallet, addr common.Address) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, err := m.state(w)
	if err != nil {
		return false, err
	}
	_, ok := ws.delegatees[addr]
	return ok, nil
}

func (m *MemoryRegistry) IsToolRegistered(_ context.Context, w wallet.Wallet, tool wallet.ToolID) (bool, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, err := m.state(w)
	if err != nil {
		return false, false, err
	}
	enabled, ok := ws.tools[tool]
	return ok, enabled, nil
}

func (m *MemoryRegistry) GetToolPolicy(_ context.Context, w wallet.Wallet, tool wallet.ToolID, delegatee common.Address) (PolicyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, err := m.state(w)
	if err != nil {
		return PolicyRecord{}, err
	}
	ps, ok := ws.policies[policyKey{tool, delegatee}]
	if !ok {
		return PolicyRecord{}, nil
	}
	blob := make([]byte, len(ps.blob))
	copy(blob, ps.blob)
	return PolicyRecord{Blob: blob, Enabled: ps.enabled}, nil
}

func (m *MemoryRegistry) GetRegisteredTools(_ context.Context, w wallet.Wallet) ([]wallet.RegisteredTool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, err := m.state(w)
	if err != nil {
		return nil, err
	}
	out := make([]wallet.RegisteredTool, 0, len(ws.tools))
	for id, enabled := range ws.tools {
		out = append(out, wallet.RegisteredTool{ID: id, Enabled: enabled})
	}
	return out, nil
}

func (m *MemoryRegistry) GetDelegatees(_ context.Context, w wallet.Wallet) ([]common.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, err := m.state(w)
	if err != nil {
		return nil, err
	}
	out := make([]common.Address, 0, len(ws.delegatees))
	for addr := range ws.delegatees {
		out = append(out, addr)
	}
	return out, nil
}

func (m *MemoryRegistry) GetToolsWithPolicy(_ context.Context, w wallet.Wallet) ([]ToolPolicyRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, err := m.state(w)
	if err != nil {
		return nil, err
	}
	out := make([]ToolPolicyRef, 0, len(ws.policies))
	for key := range ws.policies {
		out = append(out, ToolPolicyRef{Tool: key.tool, Delegatee: key.delegatee})
	}
	return out, nil
}

func (m *MemoryRegistry) OwnerOf(_ context.Context, w wallet.Wallet) (common.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ws, err := m.state(w)
	if err != nil {
		return common.Address{}, err
	}
	return ws.owner, nil
}

// Writes.

// RegisterTool registers the tool disabled; EnableTool activates it.
// Registering an already-registered tool is a no-op that preserves the
// current enabled flag.
func (m *MemoryRegistry) RegisterTool(_ context.Context, w wallet.Wallet, tool wallet.ToolID) (Receipt, error) {
	if !tool.Valid() {
		return nil, fmt.Errorf("invalid tool id %q", tool)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, err := m.writable(w)
	if err != nil {
		return nil, err
	}
	if _, ok := ws.tools[tool]; !ok {
		ws.tools[tool] = false
	}
	return m.receipt(), nil
}

func (m *MemoryRegistry) RemoveTool(_ context.Context, w wallet.Wallet, tool wallet.ToolID) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, err := m.writable(w)
	if err != nil {
		return nil, err
	}
	delete(ws.tools, tool)
	return m.receipt(), nil
}

func (m *MemoryRegistry) EnableTool(_ context.Context, w wallet.Wallet, tool wallet.ToolID) (Receipt, error) {
	return m.setToolEnabled(w, tool, true)
}

func (m *MemoryRegistry) DisableTool(_ context.Context, w wallet.Wallet, tool wallet.ToolID) (Receipt, error) {
	return m.setToolEnabled(w, tool, false)
}

func (m *MemoryRegistry) setToolEnabled(w wallet.Wallet, tool wallet.ToolID, enabled bool) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, err := m.writable(w)
	if err != nil {
		return nil, err
	}
	if _, ok := ws.tools[tool]; !ok {
		return nil, fmt.Errorf("tool %s not registered for wallet %s", tool, w.TokenID)
	}
	ws.tools[tool] = enabled
	return m.receipt(), nil
}

func (m *MemoryRegistry) AddDelegatee(_ context.Context, w wallet.Wallet, addr common.Address) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, err := m.writable(w)
	if err != nil {
		return nil, err
	}
	ws.delegatees[addr] = struct{}{}
	return m.receipt(), nil
}

func (m *MemoryRegistry) RemoveDelegatee(_ context.Context, w wallet.Wallet, addr common.Address) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, err := m.writable(w)
	if err != nil {
		return nil, err
	}
	delete(ws.delegatees, addr)
	return m.receipt(), nil
}

// SetPolicy stores the blob for every listed delegatee. Policies may be
// written for unregistered tools; the authorization engine treats them
// as inert until the tool is registered and enabled.
func (m *MemoryRegistry) SetPolicy(_ context.Context, w wallet.Wallet, tool wallet.ToolID, delegatees []common.Address, blob []byte, enabled bool) (Receipt, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("empty policy blob")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, err := m.writable(w)
	if err != nil {
		return nil, err
	}
	for _, d := range delegatees {
		stored := make([]byte, len(blob))
		copy(stored, blob)
		ws.policies[policyKey{tool, d}] = &policyState{blob: stored, enabled: enabled, params: map[string][]byte{}}
	}
	return m.receipt(), nil
}

func (m *MemoryRegistry) RemovePolicy(_ context.Context, w wallet.Wallet, tool wallet.ToolID, delegatees []common.Address) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, err := m.writable(w)
	if err != nil {
		return nil, err
	}
	for _, d := range delegatees {
		delete(ws.policies, policyKey{tool, d})
	}
	return m.receipt(), nil
}

// SetPolicyParameters recomposes each delegatee's blob from its current
// decoded policy plus the named field blobs. All target rows are
// validated before any is committed, so the call is all-or-nothing.
func (m *MemoryRegistry) SetPolicyParameters(_ context.Context, w wallet.Wallet, tool wallet.ToolID, delegatees []common.Address, names []string, values [][]byte) (Receipt, error) {
	if len(names) != len(values) {
		return nil, fmt.Errorf("%d parameter names for %d values", len(names), len(values))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, err := m.writable(w)
	if err != nil {
		return nil, err
	}

	type update struct {
		ps   *policyState
		blob []byte
	}
	updates := make([]update, 0, len(delegatees))
	for _, d := range delegatees {
		ps, ok := ws.policies[policyKey{tool, d}]
		if !ok {
			return nil, fmt.Errorf("no policy for tool %s delegatee %s", tool, d.Hex())
		}
		current, err := policy.Decode(ps.blob)
		if err != nil {
			return nil, fmt.Errorf("stored policy for delegatee %s: %w", d.Hex(), err)
		}
		next, err := policy.ApplyParameters(current, names, values)
		if err != nil {
			return nil, err
		}
		blob, err := policy.Encode(next)
		if err != nil {
			return nil, err
		}
		updates = append(updates, update{ps: ps, blob: blob})
	}
	for i, u := range updates {
		u.ps.blob = u.blob
		for j, name := range names {
			stored := make([]byte, len(values[j]))
			copy(stored, values[j])
			updates[i].ps.params[name] = stored
		}
	}
	return m.receipt(), nil
}

func (m *MemoryRegistry) RemovePolicyParameters(_ context.Context, w wallet.Wallet, tool wallet.ToolID, delegatees []common.Address, names []string) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, err := m.writable(w)
	if err != nil {
		return nil, err
	}

	type update struct {
		ps   *policyState
		blob []byte
	}
	updates := make([]update, 0, len(delegatees))
	for _, d := range delegatees {
		ps, ok := ws.policies[policyKey{tool, d}]
		if !ok {
			return nil, fmt.Errorf("no policy for tool %s delegatee %s", tool, d.Hex())
		}
		current, err := policy.Decode(ps.blob)
		if err != nil {
			return nil, fmt.Errorf("stored policy for delegatee %s: %w", d.Hex(), err)
		}
		next, err := policy.RemoveParameters(current, names)
		if err != nil {
			return nil, err
		}
		blob, err := policy.Encode(next)
		if err != nil {
			return nil, err
		}
		updates = append(updates, update{ps: ps, blob: blob})
	}
	for _, u := range updates {
		u.ps.blob = u.blob
		for _, name := range names {
			delete(u.ps.params, name)
		}
	}
	return m.receipt(), nil
}

func (m *MemoryRegistry) TransferWallet(_ context.Context, w wallet.Wallet, to common.Address) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, err := m.writable(w)
	if err != nil {
		return nil, err
	}
	ws.owner = to
	return m.receipt(), nil
}

var _ Registry = (*MemoryRegistry)(nil)
