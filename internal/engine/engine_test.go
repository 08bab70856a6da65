package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/halcyon-sec/keyward/internal/policy"
	"github.com/halcyon-sec/keyward/internal/registry"
	"github.com/halcyon-sec/keyward/internal/wallet"
)

var (
	testWallet = wallet.NewWallet(big.NewInt(7), common.HexToAddress("0x1111111111111111111111111111111111111111"))
	testOwner  = common.HexToAddress("0x2222222222222222222222222222222222222222")
	delegateeD = common.HexToAddress("0x3333333333333333333333333333333333333333")
	stranger   = common.HexToAddress("0x4444444444444444444444444444444444444444")

	recipientA = common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	tokenB     = common.HexToAddress("0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB")
	recipientC = common.HexToAddress("0xCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC")

	toolT = wallet.ToolID("QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG")
)

// setupRegistry builds a wallet with tool T enabled and delegatee D
// added, the common starting state for the authorization tests.
func setupRegistry(t *testing.T) *registry.MemoryRegistry {
	t.Helper()
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	reg.CreateWallet(testWallet, testOwner)
	mustWrite(t)(reg.RegisterTool(ctx, testWallet, toolT))
	mustWrite(t)(reg.EnableTool(ctx, testWallet, toolT))
	mustWrite(t)(reg.AddDelegatee(ctx, testWallet, delegateeD))
	return reg
}

func mustWrite(t *testing.T) func(registry.Receipt, error) {
	return func(rcpt registry.Receipt, err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("registry write: %v", err)
		}
		if err := rcpt.Await(context.Background()); err != nil {
			t.Fatalf("await receipt: %v", err)
		}
	}
}

func setERC20Policy(t *testing.T, reg *registry.MemoryRegistry, pol *policy.ERC20TransferPolicy, enabled bool) {
	t.Helper()
	blob, err := policy.Encode(pol)
	if err != nil {
		t.Fatalf("encode policy: %v", err)
	}
	mustWrite(t)(reg.SetPolicy(context.Background(), testWallet, toolT, []common.Address{delegateeD}, blob, enabled))
}

func erc20Params(t *testing.T, amount string, token, recipient common.Address) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]string{
		"amount":    amount,
		"token":     token.Hex(),
		"recipient": recipient.Hex(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func authorize(t *testing.T, reg registry.Registry, caller common.Address, params json.RawMessage) Decision {
	t.Helper()
	dec, err := New(reg, zap.NewNop()).Authorize(context.Background(), Request{
		Caller: caller,
		Wallet: testWallet,
		Tool:   toolT,
		Params: params,
	})
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	return dec
}

func TestAuthorizeScenario(t *testing.T) {
	reg := setupRegistry(t)
	setERC20Policy(t, reg, &policy.ERC20TransferPolicy{
		MaxAmount:         big.NewInt(100),
		AllowedTokens:     nil,
		AllowedRecipients: []common.Address{recipientA},
	}, true)

	t.Run("within bounds", func(t *testing.T) {
		dec := authorize(t, reg, delegateeD, erc20Params(t, "50", tokenB, recipientA))
		if !dec.Allowed {
			t.Fatalf("expected allow, got deny %s %v", dec.Reason, dec.Violation)
		}
		if !dec.PolicyPresent {
			t.Error("expected policy_present=true")
		}
		if dec.Params == nil {
			t.Error("allowed decision should echo parameters")
		}
	})

	t.Run("amount over bound", func(t *testing.T) {
		dec := authorize(t, reg, delegateeD, erc20Params(t, "150", tokenB, recipientA))
		if dec.Allowed || dec.Reason != ReasonPolicyViolation {
			t.Fatalf("expected POLICY_VIOLATION, got %+v", dec)
		}
		v := dec.Violation
		if v == nil || v.Field != "maxAmount" || v.Bound != "100" || v.Proposed != "150" {
			t.Fatalf("unexpected violation: %+v", v)
		}
	})

	t.Run("recipient not allow-listed", func(t *testing.T) {
		dec := authorize(t, reg, delegateeD, erc20Params(t, "50", tokenB, recipientC))
		if dec.Allowed || dec.Reason != ReasonPolicyViolation {
			t.Fatalf("expected POLICY_VIOLATION, got %+v", dec)
		}
		if dec.Violation == nil || dec.Violation.Field != "allowedRecipients" {
			t.Fatalf("unexpected violation: %+v", dec.Violation)
		}
	})
}

func TestAuthorizeNonDelegateeAlwaysDenied(t *testing.T) {
	reg := setupRegistry(t)

	dec := authorize(t, reg, stranger, erc20Params(t, "1", tokenB, recipientA))
	if dec.Allowed || dec.Reason != ReasonNotDelegatee {
		t.Fatalf("expected NOT_DELEGATEE, got %+v", dec)
	}
}

func TestAuthorizeDefaultAllowWithoutPolicy(t *testing.T) {
	reg := setupRegistry(t)

	dec := authorize(t, reg, delegateeD, erc20Params(t, "999999", tokenB, recipientC))
	if !dec.Allowed {
		t.Fatalf("expected default allow, got %+v", dec)
	}
	if dec.PolicyPresent {
		t.Error("expected policy_present=false on default allow")
	}
}

func TestAuthorizeDisabledToolShortCircuits(t *testing.T) {
	reg := setupRegistry(t)
	// A permissive policy exists, but the tool is disabled.
	setERC20Policy(t, reg, &policy.ERC20TransferPolicy{MaxAmount: big.NewInt(1000)}, true)
	mustWrite(t)(reg.DisableTool(context.Background(), testWallet, toolT))

	dec := authorize(t, reg, delegateeD, erc20Params(t, "1", tokenB, recipientA))
	if dec.Allowed || dec.Reason != ReasonToolNotEnabled {
		t.Fatalf("expected TOOL_NOT_ENABLED, got %+v", dec)
	}
}

func TestAuthorizeUnregisteredToolDenied(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	reg.CreateWallet(testWallet, testOwner)
	mustWrite(t)(reg.AddDelegatee(context.Background(), testWallet, delegateeD))

	dec := authorize(t, reg, delegateeD, erc20Params(t, "1", tokenB, recipientA))
	if dec.Allowed || dec.Reason != ReasonToolNotEnabled {
		t.Fatalf("expected TOOL_NOT_ENABLED, got %+v", dec)
	}
}

func TestAuthorizeCorruptPolicyFailsClosed(t *testing.T) {
	reg := setupRegistry(t)
	garbage := []byte{0x01, 0xde, 0xad, 0xbe, 0xef, 0x00}
	mustWrite(t)(reg.SetPolicy(context.Background(), testWallet, toolT, []common.Address{delegateeD}, garbage, true))

	dec := authorize(t, reg, delegateeD, erc20Params(t, "1", tokenB, recipientA))
	if dec.Allowed || dec.Reason != ReasonPolicyDecodeFailure {
		t.Fatalf("expected POLICY_DECODE_FAILURE, got %+v", dec)
	}
	if !dec.PolicyPresent {
		t.Error("corrupt policy row should still report policy_present=true")
	}
}

func TestAuthorizeDisabledPolicyNotEnforced(t *testing.T) {
	reg := setupRegistry(t)
	setERC20Policy(t, reg, &policy.ERC20TransferPolicy{MaxAmount: big.NewInt(1)}, false)

	dec := authorize(t, reg, delegateeD, erc20Params(t, "500", tokenB, recipientA))
	if !dec.Allowed {
		t.Fatalf("disabled policy should not constrain, got %+v", dec)
	}
	if dec.PolicyPresent {
		t.Error("disabled policy should report policy_present=false")
	}
}

func TestAuthorizeEmptyAllowListUnrestricted(t *testing.T) {
	reg := setupRegistry(t)
	setERC20Policy(t, reg, &policy.ERC20TransferPolicy{
		MaxAmount:         big.NewInt(100),
		AllowedTokens:     []common.Address{},
		AllowedRecipients: []common.Address{},
	}, true)

	// Any token and recipient pass, but the amount bound still holds.
	if dec := authorize(t, reg, delegateeD, erc20Params(t, "100", recipientC, recipientC)); !dec.Allowed {
		t.Fatalf("expected allow with empty allow-lists, got %+v", dec)
	}
	if dec := authorize(t, reg, delegateeD, erc20Params(t, "101", tokenB, recipientA)); dec.Allowed {
		t.Fatal("amount bound must be enforced even with empty allow-lists")
	}
}

func TestAuthorizeMalformedParamsDenied(t *testing.T) {
	reg := setupRegistry(t)
	setERC20Policy(t, reg, &policy.ERC20TransferPolicy{MaxAmount: big.NewInt(100)}, true)

	dec := authorize(t, reg, delegateeD, json.RawMessage(`{"amount":"not-a-number"}`))
	if dec.Allowed || dec.Reason != ReasonPolicyViolation {
		t.Fatalf("expected POLICY_VIOLATION for unreadable params, got %+v", dec)
	}
}

// failingRegistry returns ErrUnavailable from every read.
type failingRegistry struct {
	registry.Registry
}

func (failingRegistry) IsDelegatee(context.Context, wallet.Wallet, common.Address) (bool, error) {
	return false, registry.ErrUnavailable
}

func TestAuthorizeRegistryUnavailableIsError(t *testing.T) {
	eng := New(failingRegistry{}, zap.NewNop())
	_, err := eng.Authorize(context.Background(), Request{
		Caller: delegateeD,
		Wallet: testWallet,
		Tool:   toolT,
	})
	if !errors.Is(err, registry.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
