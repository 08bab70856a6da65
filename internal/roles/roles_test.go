package roles

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/halcyon-sec/keyward/internal/engine"
	"github.com/halcyon-sec/keyward/internal/policy"
	"github.com/halcyon-sec/keyward/internal/registry"
	"github.com/halcyon-sec/keyward/internal/wallet"
)

var (
	testWallet = wallet.NewWallet(big.NewInt(42), common.HexToAddress("0x1000000000000000000000000000000000000001"))
	ownerAddr  = common.HexToAddress("0x2000000000000000000000000000000000000002")
	agentAddr  = common.HexToAddress("0x3000000000000000000000000000000000000003")
	otherAddr  = common.HexToAddress("0x4000000000000000000000000000000000000004")

	toolT = wallet.ToolID("QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG")
)

const transferPolicyDoc = `{"maxAmount": "100", "allowedRecipients": ["0x4000000000000000000000000000000000000004"]}`

func newFixture() (*registry.MemoryRegistry, *Owner) {
	reg := registry.NewMemoryRegistry()
	reg.CreateWallet(testWallet, ownerAddr)
	return reg, NewOwner(reg, testWallet, OwnerKindEOA, zap.NewNop())
}

func TestPermitToolSequence(t *testing.T) {
	ctx := context.Background()
	reg, owner := newFixture()

	err := owner.PermitTool(ctx, toolT, agentAddr, policy.KindNativeTransfer, json.RawMessage(transferPolicyDoc))
	if err != nil {
		t.Fatalf("permit tool: %v", err)
	}

	registered, enabled, err := reg.IsToolRegistered(ctx, testWallet, toolT)
	if err != nil {
		t.Fatal(err)
	}
	if !registered || !enabled {
		t.Fatalf("tool not registered+enabled: %v/%v", registered, enabled)
	}
	if ok, _ := reg.IsDelegatee(ctx, testWallet, agentAddr); !ok {
		t.Fatal("delegatee not added")
	}
	record, err := reg.GetToolPolicy(ctx, testWallet, toolT, agentAddr)
	if err != nil {
		t.Fatal(err)
	}
	if !record.Exists() || !record.Enabled {
		t.Fatalf("policy not stored: %+v", record)
	}
	p, err := policy.Decode(record.Blob)
	if err != nil {
		t.Fatal(err)
	}
	if p.Kind() != policy.KindNativeTransfer {
		t.Fatalf("stored kind = %s", p.Kind())
	}

	// The granted pipeline must hold up end to end.
	dec, err := engine.New(reg, zap.NewNop()).Authorize(ctx, engine.Request{
		Caller: agentAddr,
		Wallet: testWallet,
		Tool:   toolT,
		Params: json.RawMessage(`{"amount": "100", "recipient": "0x4000000000000000000000000000000000000004"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Allowed {
		t.Fatalf("permitted invocation denied: %+v", dec)
	}
}

func TestPermitToolWithoutPolicy(t *testing.T) {
	ctx := context.Background()
	reg, owner := newFixture()

	if err := owner.PermitTool(ctx, toolT, agentAddr, "", nil); err != nil {
		t.Fatalf("permit tool: %v", err)
	}
	if record, _ := reg.GetToolPolicy(ctx, testWallet, toolT, agentAddr); record.Exists() {
		t.Fatal("unexpected policy row")
	}
}

func TestMultisigOwnerRejected(t *testing.T) {
	reg, _ := newFixture()
	owner := NewOwner(reg, testWallet, OwnerKindMultisig, zap.NewNop())

	err := owner.RegisterTool(context.Background(), toolT, false)
	if !errors.Is(err, ErrMultisigUnsupported) {
		t.Fatalf("expected ErrMultisigUnsupported, got %v", err)
	}
	// Reads still work.
	if _, err := owner.Snapshot(context.Background()); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
}

func TestSetPolicyRejectsInvalidDocument(t *testing.T) {
	_, owner := newFixture()

	err := owner.SetPolicy(context.Background(), toolT, []common.Address{agentAddr},
		policy.KindNativeTransfer, json.RawMessage(`{"maxAmount": -1}`), true)
	if !errors.Is(err, policy.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestSetPolicyParameters(t *testing.T) {
	ctx := context.Background()
	reg, owner := newFixture()

	if err := owner.PermitTool(ctx, toolT, agentAddr, policy.KindNativeTransfer, json.RawMessage(transferPolicyDoc)); err != nil {
		t.Fatal(err)
	}
	err := owner.SetPolicyParameters(ctx, toolT, []common.Address{agentAddr},
		policy.KindNativeTransfer, map[string]json.RawMessage{"maxAmount": json.RawMessage(`"250"`)})
	if err != nil {
		t.Fatalf("set parameters: %v", err)
	}

	record, _ := reg.GetToolPolicy(ctx, testWallet, toolT, agentAddr)
	p, err := policy.Decode(record.Blob)
	if err != nil {
		t.Fatal(err)
	}
	got := p.(*policy.NativeTransferPolicy)
	if got.MaxAmount.Cmp(big.NewInt(250)) != 0 {
		t.Errorf("maxAmount = %s, want 250", got.MaxAmount)
	}
	if len(got.AllowedRecipients) != 1 {
		t.Errorf("allowedRecipients disturbed: %v", got.AllowedRecipients)
	}

	if err := owner.SetPolicyParameters(ctx, toolT, []common.Address{agentAddr}, policy.KindNativeTransfer, nil); err == nil {
		t.Error("expected error for empty field set")
	}
}

func TestSnapshotCachingAndInvalidation(t *testing.T) {
	ctx := context.Background()
	_, owner := newFixture()

	if err := owner.PermitTool(ctx, toolT, agentAddr, policy.KindNativeTransfer, json.RawMessage(transferPolicyDoc)); err != nil {
		t.Fatal(err)
	}

	snap, err := owner.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Owner != ownerAddr {
		t.Errorf("owner = %s", snap.Owner.Hex())
	}
	if len(snap.Tools) != 1 || len(snap.Delegatees) != 1 || len(snap.Policies) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Policies[0].Decoded == nil {
		t.Error("policy not decoded in snapshot")
	}

	// Cached until the next write.
	again, err := owner.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again != snap {
		t.Error("expected the cached snapshot instance")
	}

	if err := owner.TransferOwnership(ctx, otherAddr); err != nil {
		t.Fatal(err)
	}
	fresh, err := owner.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if fresh == snap {
		t.Error("snapshot not invalidated by transfer")
	}
	if fresh.Owner != otherAddr {
		t.Errorf("owner after transfer = %s", fresh.Owner.Hex())
	}
}

func TestDelegateeDiscovery(t *testing.T) {
	ctx := context.Background()
	reg, owner := newFixture()
	if err := owner.PermitTool(ctx, toolT, agentAddr, policy.KindNativeTransfer, json.RawMessage(transferPolicyDoc)); err != nil {
		t.Fatal(err)
	}

	agent := NewDelegatee(reg, agentAddr)
	tools, err := agent.PermittedTools(ctx, testWallet)
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 1 || tools[0].Tool != toolT || tools[0].Policy == nil {
		t.Fatalf("permitted tools = %+v", tools)
	}

	p, enforced, err := agent.GetPolicy(ctx, testWallet, toolT)
	if err != nil {
		t.Fatal(err)
	}
	if !enforced || p.Kind() != policy.KindNativeTransfer {
		t.Fatalf("policy = %v enforced=%v", p, enforced)
	}

	// A non-delegatee sees nothing.
	outsider := NewDelegatee(reg, otherAddr)
	tools, err = outsider.PermittedTools(ctx, testWallet)
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 0 {
		t.Fatalf("outsider sees %d tools", len(tools))
	}

	req := agent.RequestExecution(testWallet, toolT, json.RawMessage(`{"amount":"1","recipient":"0x4000000000000000000000000000000000000004"}`))
	if req.Caller != agentAddr || req.Tool != toolT {
		t.Fatalf("request = %+v", req)
	}
}
