// Package registry is the typed client for the remote registry
// authority that persists tool registration, delegatee membership, and
// per-(tool, delegatee) policy blobs for each wallet. It holds no
// business logic: reads and writes map one-to-one onto the authority's
// operations, and every write hands back a Receipt the caller can
// await.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/halcyon-sec/keyward/internal/wallet"
)

// ErrUnavailable marks transient transport or authority failures. It is
// the only error class eligible for caller-controlled retry; the
// authorization engine never retries it.
var ErrUnavailable = errors.New("registry unavailable")

// ErrNotOwner is returned by the authority when a write is issued by an
// address that does not own the wallet.
var ErrNotOwner = errors.New("caller is not the wallet owner")

// ErrInsufficientFunds is returned before submitting a write whose
// estimated network cost exceeds the signer's balance. It carries
// enough detail to act on without re-deriving state.
type ErrInsufficientFunds struct {
	Signer    common.Address
	Required  *big.Int
	Available *big.Int
}

func (e *ErrInsufficientFunds) Error() string {
	return fmt.Sprintf("insufficient funds: signer %s requires %s wei, has %s wei",
		e.Signer.Hex(), e.Required, e.Available)
}

// Receipt is the durable acknowledgment of a submitted write. A write,
// once submitted, is not cancelable: abandoning Await only stops
// waiting — the authority may still apply the change.
type Receipt interface {
	// Ref identifies the write at the authority (transaction hash for
	// on-chain authorities).
	Ref() string

	// Await blocks until the authority durably commits the write, the
	// write is known to have failed, or ctx is done.
	Await(ctx context.Context) error
}

// Registry is the client contract for the registry authority.
//
// Reads are idempotent and side-effect-free; each returns the
// authority's current state with no linearizability guarantee against
// concurrent writes. Membership writes (tool registration, delegatee
// add/remove) are idempotent; policy parameter writes are not no-ops at
// the storage layer even when re-setting an identical value. A write
// touching several delegatees applies atomically within that call, but
// ordering between independent calls requires awaiting receipts
// sequentially. All writes are externally observable as append-only
// event log entries.
type Registry interface {
	// IsDelegatee reports whether addr is currently a delegatee of w.
	IsDelegatee(ctx context.Context, w wallet.Wallet, addr common.Address) (bool, error)

	// IsToolRegistered reports registration and enablement of a tool.
	IsToolRegistered(ctx context.Context, w wallet.Wallet, tool wallet.ToolID) (registered, enabled bool, err error)

	// GetToolPolicy returns the stored policy for (w, tool, delegatee).
	// An absent policy is a zero PolicyRecord, not an error.
	GetToolPolicy(ctx context.Context, w wallet.Wallet, tool wallet.ToolID, delegatee common.Address) (PolicyRecord, error)

	// GetRegisteredTools lists a wallet's registered tools.
	GetRegisteredTools(ctx context.Context, w wallet.Wallet) ([]wallet.RegisteredTool, error)

	// GetDelegatees lists a wallet's delegatee set.
	GetDelegatees(ctx context.Context, w wallet.Wallet) ([]common.Address, error)

	// GetToolsWithPolicy lists (tool, delegatee) pairs with a policy.
	GetToolsWithPolicy(ctx context.Context, w wallet.Wallet) ([]ToolPolicyRef, error)

	// OwnerOf returns the wallet's current owner address.
	OwnerOf(ctx context.Context, w wallet.Wallet) (common.Address, error)

	RegisterTool(ctx context.Context, w wallet.Wallet, tool wallet.ToolID) (Receipt, error)
	RemoveTool(ctx context.Context, w wallet.Wallet, tool wallet.ToolID) (Receipt, error)
	EnableTool(ctx context.Context, w wallet.Wallet, tool wallet.ToolID) (Receipt, error)
	DisableTool(ctx context.Context, w wallet.Wallet, tool wallet.ToolID) (Receipt, error)
	AddDelegatee(ctx context.Context, w wallet.Wallet, addr common.Address) (Receipt, error)
	RemoveDelegatee(ctx context.Context, w wallet.Wallet, addr common.Address) (Receipt, error)

	// SetPolicy stores a policy blob for the tool and every listed
	// delegatee, all-or-nothing within the call.
	SetPolicy(ctx context.Context, w wallet.Wallet, tool wallet.ToolID, delegatees []common.Address, blob []byte, enabled bool) (Receipt, error)
	RemovePolicy(ctx context.Context, w wallet.Wallet, tool wallet.ToolID, delegatees []common.Address) (Receipt, error)

	// SetPolicyParameters updates named policy fields without touching
	// unrelated ones. names[i] pairs with values[i].
	SetPolicyParameters(ctx context.Context, w wallet.Wallet, tool wallet.ToolID, delegatees []common.Address, names []string, values [][]byte) (Receipt, error)
	RemovePolicyParameters(ctx context.Context, w wallet.Wallet, tool wallet.ToolID, delegatees []common.Address, names []string) (Receipt, error)

	// TransferWallet hands the wallet to a new owner atomically.
	TransferWallet(ctx context.Context, w wallet.Wallet, to common.Address) (Receipt, error)
}

// PolicyRecord is the stored form of one (wallet, tool, delegatee)
// policy. A nil Blob means no policy exists for the triple.
type PolicyRecord struct {
	Blob    []byte
	Enabled bool
}

// Exists reports whether a policy row is present.
func (r PolicyRecord) Exists() bool { return len(r.Blob) > 0 }

// ToolPolicyRef names one (tool, delegatee) pair holding a policy.
type ToolPolicyRef struct {
	Tool      wallet.ToolID
	Delegatee common.Address
}
