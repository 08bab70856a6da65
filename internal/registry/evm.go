package registry

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/halcyon-sec/keyward/internal/wallet"
)

// registryABI is the interface of the on-chain registry contract. The
// contract persists tool registration, delegatee sets, and policy blobs
// per wallet token id; every mutation is emitted as an event, which
// gives the append-only audit trail for free.
const registryABI = `[
	{"type":"function","name":"isDelegatee","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"},{"name":"delegatee","type":"address"}],"outputs":[{"type":"bool"}]},
	{"type":"function","name":"isToolRegistered","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"},{"name":"toolCid","type":"string"}],"outputs":[{"name":"registered","type":"bool"},{"name":"enabled","type":"bool"}]},
	{"type":"function","name":"getToolPolicy","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"},{"name":"toolCid","type":"string"},{"name":"delegatee","type":"address"}],"outputs":[{"name":"policy","type":"bytes"},{"name":"enabled","type":"bool"}]},
	{"type":"function","name":"getRegisteredTools","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"toolCids","type":"string[]"},{"name":"enabled","type":"bool[]"}]},
	{"type":"function","name":"getDelegatees","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"type":"address[]"}]},
	{"type":"function","name":"getToolsWithPolicy","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"toolCids","type":"string[]"},{"name":"delegatees","type":"address[]"}]},
	{"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"type":"address"}]},
	{"type":"function","name":"registerTool","inputs":[{"name":"tokenId","type":"uint256"},{"name":"toolCid","type":"string"}],"outputs":[]},
	{"type":"function","name":"removeTool","inputs":[{"name":"tokenId","type":"uint256"},{"name":"toolCid","type":"string"}],"outputs":[]},
	{"type":"function","name":"enableTool","inputs":[{"name":"tokenId","type":"uint256"},{"name":"toolCid","type":"string"}],"outputs":[]},
	{"type":"function","name":"disableTool","inputs":[{"name":"tokenId","type":"uint256"},{"name":"toolCid","type":"string"}],"outputs":[]},
	{"type":"function","name":"addDelegatee","inputs":[{"name":"tokenId","type":"uint256"},{"name":"delegatee","type":"address"}],"outputs":[]},
	{"type":"function","name":"removeDelegatee","inputs":[{"name":"tokenId","type":"uint256"},{"name":"delegatee","type":"address"}],"outputs":[]},
	{"type":"function","name":"setToolPolicy","inputs":[{"name":"tokenId","type":"uint256"},{"name":"toolCid","type":"string"},{"name":"delegatees","type":"address[]"},{"name":"policy","type":"bytes"},{"name":"enabled","type":"bool"}],"outputs":[]},
	{"type":"function","name":"removeToolPolicy","inputs":[{"name":"tokenId","type":"uint256"},{"name":"toolCid","type":"string"},{"name":"delegatees","type":"address[]"}],"outputs":[]},
	{"type":"function","name":"setToolPolicyParameters","inputs":[{"name":"tokenId","type":"uint256"},{"name":"toolCid","type":"string"},{"name":"delegatees","type":"address[]"},{"name":"names","type":"string[]"},{"name":"values","type":"bytes[]"}],"outputs":[]},
	{"type":"function","name":"removeToolPolicyParameters","inputs":[{"name":"tokenId","type":"uint256"},{"name":"toolCid","type":"string"},{"name":"delegatees","type":"address[]"},{"name":"names","type":"string[]"}],"outputs":[]},
	{"type":"function","name":"transferFrom","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"outputs":[]}
]`

// Config locates the registry authority explicitly. There are no
// network-name lookup tables: callers say which RPC endpoint and which
// contract they mean.
type Config struct {
	RPCEndpoint     string
	RegistryAddress common.Address
	ChainID         *big.Int

	// PrivateKey signs writes. Read-only clients may leave it nil;
	// writes then fail immediately.
	PrivateKey *ecdsa.PrivateKey

	// ReceiptPollInterval caps the backoff between receipt polls.
	// Zero means 2s.
	ReceiptPollInterval time.Duration

	Logger *zap.Logger
}

// EVMRegistry talks to the registry contract over JSON-RPC. It is safe
// for concurrent use: the only shared state is the ethclient
// connection, which carries no per-call state.
type EVMRegistry struct {
	client   *ethclient.Client
	contract common.Address
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	signer   common.Address
	abi      abi.ABI
	pollMax  time.Duration
	logger   *zap.Logger
}

// NewEVMRegistry dials the RPC endpoint and binds the contract.
func NewEVMRegistry(ctx context.Context, cfg Config) (*EVMRegistry, error) {
	if cfg.RPCEndpoint == "" {
		return nil, fmt.Errorf("rpc endpoint not configured")
	}
	if cfg.ChainID == nil {
		return nil, fmt.Errorf("chain id not configured")
	}
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, cfg.RPCEndpoint, err)
	}
	pollMax := cfg.ReceiptPollInterval
	if pollMax == 0 {
		pollMax = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &EVMRegistry{
		client:   client,
		contract: cfg.RegistryAddress,
		chainID:  cfg.ChainID,
		key:      cfg.PrivateKey,
		abi:      parsed,
		pollMax:  pollMax,
		logger:   logger,
	}
	if cfg.PrivateKey != nil {
		r.signer = crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey)
	}
	return r, nil
}

// Signer returns the address writes are signed with (zero when
// read-only).
func (r *EVMRegistry) Signer() common.Address { return r.signer }

// Close releases the RPC connection.
func (r *EVMRegistry) Close() { r.client.Close() }

// call performs a read against current state.
func (r *EVMRegistry) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	vals, err := r.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return vals, nil
}

// send estimates, funds-checks, signs, and submits a write.
func (r *EVMRegistry) send(ctx context.Context, method string, args ...any) (Receipt, error) {
	if r.key == nil {
		return nil, fmt.Errorf("registry client is read-only: no signing key for %s", method)
	}
	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	nonce, err := r.client.PendingNonceAt(ctx, r.signer)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrUnavailable, err)
	}
	gasPrice, err := r.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gas price: %v", ErrUnavailable, err)
	}
	gasLimit, err := r.client.EstimateGas(ctx, ethereum.CallMsg{
		From: r.signer,
		To:   &r.contract,
		Data: data,
	})
	if err != nil {
		// Estimation failure usually means the contract would revert,
		// e.g. a write from a non-owner.
		return nil, fmt.Errorf("%s: estimate gas: %w", method, err)
	}

	cost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	balance, err := r.client.BalanceAt(ctx, r.signer, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balance: %v", ErrUnavailable, err)
	}
	if balance.Cmp(cost) < 0 {
		return nil, &ErrInsufficientFunds{Signer: r.signer, Required: cost, Available: balance}
	}

	tx := types.NewTransaction(nonce, r.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(r.chainID), r.key)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", method, err)
	}
	if err := r.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("%w: send %s: %v", ErrUnavailable, method, err)
	}

	r.logger.Info("registry write submitted",
		zap.String("method", method),
		zap.String("tx", signed.Hash().Hex()),
		zap.Uint64("gas_limit", gasLimit),
	)
	return &evmReceipt{client: r.client, hash: signed.Hash(), pollMax: r.pollMax}, nil
}

// evmReceipt polls for transaction inclusion with exponential backoff.
type evmReceipt struct {
	client  *ethclient.Client
	hash    common.Hash
	pollMax time.Duration
}

func (t *evmReceipt) Ref() string { return t.hash.Hex() }

func (t *evmReceipt) Await(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = t.pollMax
	bo.MaxElapsedTime = 0 // bounded by ctx only

	return backoff.Retry(func() error {
		rcpt, err := t.client.TransactionReceipt(ctx, t.hash)
		if err == ethereum.NotFound {
			return fmt.Errorf("tx %s pending", t.hash.Hex())
		}
		if err != nil {
			return fmt.Errorf("%w: receipt %s: %v", ErrUnavailable, t.hash.Hex(), err)
		}
		if rcpt.Status != types.ReceiptStatusSuccessful {
			return backoff.Permanent(fmt.Errorf("tx %s reverted", t.hash.Hex()))
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// Reads.

func (r *EVMRegistry) IsDelegatee(ctx context.Context, w wallet.Wallet, addr common.Address) (bool, error) {
	vals, err := r.call(ctx, "isDelegatee", w.TokenID, addr)
	if err != nil {
		return false, err
	}
	return asBool(vals[0])
}

func (r *EVMRegistry) IsToolRegistered(ctx context.Context, w wallet.Wallet, tool wallet.ToolID) (bool, bool, error) {
	vals, err := r.call(ctx, "isToolRegistered", w.TokenID, string(tool))
	if err != nil {
		return false, false, err
	}
	registered, err := asBool(vals[0])
	if err != nil {
		return false, false, err
	}
	enabled, err := asBool(vals[1])
	if err != nil {
		return false, false, err
	}
	return registered, enabled, nil
}

func (r *EVMRegistry) GetToolPolicy(ctx context.Context, w wallet.Wallet, tool wallet.ToolID, delegatee common.Address) (PolicyRecord, error) {
	vals, err := r.call(ctx, "getToolPolicy", w.TokenID, string(tool), delegatee)
	if err != nil {
		return PolicyRecord{}, err
	}
	blob, ok := vals[0].([]byte)
	if !ok {
		return PolicyRecord{}, fmt.Errorf("getToolPolicy: unexpected type %T", vals[0])
	}
	enabled, err := asBool(vals[1])
	if err != nil {
		return PolicyRecord{}, err
	}
	return PolicyRecord{Blob: blob, Enabled: enabled}, nil
}

func (r *EVMRegistry) GetRegisteredTools(ctx context.Context, w wallet.Wallet) ([]wallet.RegisteredTool, error) {
	vals, err := r.call(ctx, "getRegisteredTools", w.TokenID)
	if err != nil {
		return nil, err
	}
	cids, ok := vals[0].([]string)
	if !ok {
		return nil, fmt.Errorf("getRegisteredTools: unexpected type %T", vals[0])
	}
	enabled, ok := vals[1].([]bool)
	if !ok {
		return nil, fmt.Errorf("getRegisteredTools: unexpected type %T", vals[1])
	}
	if len(cids) != len(enabled) {
		return nil, fmt.Errorf("getRegisteredTools: %d tools with %d flags", len(cids), len(enabled))
	}
	out := make([]wallet.RegisteredTool, len(cids))
	for i := range cids {
		out[i] = wallet.RegisteredTool{ID: wallet.ToolID(cids[i]), Enabled: enabled[i]}
	}
	return out, nil
}

func (r *EVMRegistry) GetDelegatees(ctx context.Context, w wallet.Wallet) ([]common.Address, error) {
	vals, err := r.call(ctx, "getDelegatees", w.TokenID)
	if err != nil {
		return nil, err
	}
	addrs, ok := vals[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("getDelegatees: unexpected type %T", vals[0])
	}
	return addrs, nil
}

func (r *EVMRegistry) GetToolsWithPolicy(ctx context.Context, w wallet.Wallet) ([]ToolPolicyRef, error) {
	vals, err := r.call(ctx, "getToolsWithPolicy", w.TokenID)
	if err != nil {
		return nil, err
	}
	cids, ok := vals[0].([]string)
	if !ok {
		return nil, fmt.Errorf("getToolsWithPolicy: unexpected type %T", vals[0])
	}
	delegatees, ok := vals[1].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("getToolsWithPolicy: unexpected type %T", vals[1])
	}
	if len(cids) != len(delegatees) {
		return nil, fmt.Errorf("getToolsWithPolicy: %d tools with %d delegatees", len(cids), len(delegatees))
	}
	out := make([]ToolPolicyRef, len(cids))
	for i := range cids {
		out[i] = ToolPolicyRef{Tool: wallet.ToolID(cids[i]), Delegatee: delegatees[i]}
	}
	return out, nil
}

func (r *EVMRegistry) OwnerOf(ctx context.Context, w wallet.Wallet) (common.Address, error) {
	vals, err := r.call(ctx, "ownerOf", w.TokenID)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("ownerOf: unexpected type %T", vals[0])
	}
	return addr, nil
}

// Writes.

func (r *EVMRegistry) RegisterTool(ctx context.Context, w wallet.Wallet, tool wallet.ToolID) (Receipt, error) {
	if !tool.Valid() {
		return nil, fmt.Errorf("invalid tool id %q", tool)
	}
	return r.send(ctx, "registerTool", w.TokenID, string(tool))
}

func (r *EVMRegistry) RemoveTool(ctx context.Context, w wallet.Wallet, tool wallet.ToolID) (Receipt, error) {
	return r.send(ctx, "removeTool", w.TokenID, string(tool))
}

func (r *EVMRegistry) EnableTool(ctx context.Context, w wallet.Wallet, tool wallet.ToolID) (Receipt, error) {
	return r.send(ctx, "enableTool", w.TokenID, string(tool))
}

func (r *EVMRegistry) DisableTool(ctx context.Context, w wallet.Wallet, tool wallet.ToolID) (Receipt, error) {
	return r.send(ctx, "disableTool", w.TokenID, string(tool))
}

func (r *EVMRegistry) AddDelegatee(ctx context.Context, w wallet.Wallet, addr common.Address) (Receipt, error) {
	return r.send(ctx, "addDelegatee", w.TokenID, addr)
}

func (r *EVMRegistry) RemoveDelegatee(ctx context.Context, w wallet.Wallet, addr common.Address) (Receipt, error) {
	return r.send(ctx, "removeDelegatee", w.TokenID, addr)
}

func (r *EVMRegistry) SetPolicy(ctx context.Context, w wallet.Wallet, tool wallet.ToolID, delegatees []common.Address, blob []byte, enabled bool) (Receipt, error) {
	return r.send(ctx, "setToolPolicy", w.TokenID, string(tool), delegatees, blob, enabled)
}

func (r *EVMRegistry) RemovePolicy(ctx context.Context, w wallet.Wallet, tool wallet.ToolID, delegatees []common.Address) (Receipt, error) {
	return r.send(ctx, "removeToolPolicy", w.TokenID, string(tool), delegatees)
}

func (r *EVMRegistry) SetPolicyParameters(ctx context.Context, w wallet.Wallet, tool wallet.ToolID, delegatees []common.Address, names []string, values [][]byte) (Receipt, error) {
	if len(names) != len(values) {
		return nil, fmt.Errorf("%d parameter names for %d values", len(names), len(values))
	}
	return r.send(ctx, "setToolPolicyParameters", w.TokenID, string(tool), delegatees, names, values)
}

func (r *EVMRegistry) RemovePolicyParameters(ctx context.Context, w wallet.Wallet, tool wallet.ToolID, delegatees []common.Address, names []string) (Receipt, error) {
	return r.send(ctx, "removeToolPolicyParameters", w.TokenID, string(tool), delegatees, names)
}

func (r *EVMRegistry) TransferWallet(ctx context.Context, w wallet.Wallet, to common.Address) (Receipt, error) {
	owner, err := r.OwnerOf(ctx, w)
	if err != nil {
		return nil, err
	}
	return r.send(ctx, "transferFrom", owner, to, w.TokenID)
}

func asBool(v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected abi type %T, want bool", v)
	}
	return b, nil
}

var _ Registry = (*EVMRegistry)(nil)
