// Package engine runs the execution-time authorization check: given an
// authenticated caller, a wallet, a tool, and proposed invocation
// parameters, it decides ALLOW or DENY against the registry's current
// state. The engine is stateless and caches nothing — every check reads
// fresh registry state, and an allowed decision authorizes exactly one
// invocation attempt.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/halcyon-sec/keyward/internal/policy"
	"github.com/halcyon-sec/keyward/internal/registry"
	"github.com/halcyon-sec/keyward/internal/wallet"
)

// Reason classifies why a request was denied.
type Reason string

const (
	// ReasonNotDelegatee: the caller is not in the wallet's delegatee set.
	ReasonNotDelegatee Reason = "NOT_DELEGATEE"

	// ReasonToolNotEnabled: the tool is unregistered or disabled for the
	// wallet. Checked before any policy work.
	ReasonToolNotEnabled Reason = "TOOL_NOT_ENABLED"

	// ReasonPolicyDecodeFailure: a policy row exists but its blob does
	// not decode. Fail-closed: a corrupt policy never allows.
	ReasonPolicyDecodeFailure Reason = "POLICY_DECODE_FAILURE"

	// ReasonPolicyViolation: a decoded constraint rejected the proposed
	// parameters.
	ReasonPolicyViolation Reason = "POLICY_VIOLATION"
)

// Request is one invocation authorization check. Caller is the identity
// the transport layer has already authenticated; the engine trusts that
// single input and verifies everything else against the registry.
type Request struct {
	Caller common.Address
	Wallet wallet.Wallet
	Tool   wallet.ToolID
	Params json.RawMessage
}

// Decision is the terminal outcome of one check. Allowed decisions
// carry the proposed parameters unchanged — the engine never clamps or
// rewrites a value; denial is the only response to a violation.
type Decision struct {
	Allowed bool
	Reason  Reason

	// Violation is set for ReasonPolicyViolation: the failing field,
	// its configured bound, and the proposed value.
	Violation *policy.Violation

	// PolicyPresent records whether an enforced policy row existed for
	// the (tool, caller) pair. False on an allow means the wallet owner
	// has placed no constraints on this delegatee.
	PolicyPresent bool

	// Params echoes the validated parameters on an allow.
	Params json.RawMessage

	Latency time.Duration
}

func allow(present bool, params json.RawMessage, start time.Time) Decision {
	return Decision{Allowed: true, PolicyPresent: present, Params: params, Latency: time.Since(start)}
}

func deny(reason Reason, v *policy.Violation, present bool, start time.Time) Decision {
	return Decision{Reason: reason, Violation: v, PolicyPresent: present, Latency: time.Since(start)}
}

// Engine evaluates authorization requests against a registry.
type Engine struct {
	registry registry.Registry
	logger   *zap.Logger
}

// New creates an engine. The registry is the single source of truth;
// the engine performs no retries against it — transient failures
// surface to the caller as errors, never as an allow.
func New(reg registry.Registry, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{registry: reg, logger: logger}
}

// Authorize runs the check sequence: delegatee membership, tool
// enablement, policy resolution, constraint evaluation. A non-nil
// error means the decision could not be made (registry unavailable);
// it is not a deny and must not be treated as one by retrying into an
// allow.
func (e *Engine) Authorize(ctx context.Context, req Request) (Decision, error) {
	start := time.Now()

	isDelegatee, err := e.registry.IsDelegatee(ctx, req.Wallet, req.Caller)
	if err != nil {
		return Decision{}, fmt.Errorf("check delegatee: %w", err)
	}
	if !isDelegatee {
		return deny(ReasonNotDelegatee, nil, false, start), nil
	}

	registered, enabled, err := e.registry.IsToolRegistered(ctx, req.Wallet, req.Tool)
	if err != nil {
		return Decision{}, fmt.Errorf("check tool: %w", err)
	}
	if !registered || !enabled {
		return deny(ReasonToolNotEnabled, nil, false, start), nil
	}

	record, err := e.registry.GetToolPolicy(ctx, req.Wallet, req.Tool, req.Caller)
	if err != nil {
		return Decision{}, fmt.Errorf("resolve policy: %w", err)
	}

	if !record.Exists() || !record.Enabled {
		// No enforced policy for this (tool, delegatee) pair means
		// unconstrained invocation. This default-allow is deliberate,
		// but it also means a delegatee is unbounded until the owner
		// sets a policy, so every such allow is logged loudly.
		e.logger.Warn("allowing invocation without a policy",
			zap.String("wallet", req.Wallet.TokenID.String()),
			zap.String("tool", req.Tool.String()),
			zap.String("delegatee", req.Caller.Hex()),
			zap.Bool("policy_present", record.Exists()),
		)
		return allow(false, req.Params, start), nil
	}

	pol, err := policy.Decode(record.Blob)
	if err != nil {
		e.logger.Error("stored policy blob failed to decode",
			zap.String("wallet", req.Wallet.TokenID.String()),
			zap.String("tool", req.Tool.String()),
			zap.String("delegatee", req.Caller.Hex()),
			zap.Error(err),
		)
		return deny(ReasonPolicyDecodeFailure, nil, true, start), nil
	}

	params, err := policy.ParseParams(pol.Kind(), req.Params)
	if err != nil {
		// Parameters the policy's schema cannot read cannot be checked
		// against its bounds, so they cannot be allowed.
		return deny(ReasonPolicyViolation, &policy.Violation{
			Field:    "parameters",
			Bound:    string(pol.Kind()),
			Proposed: err.Error(),
		}, true, start), nil
	}

	if v := pol.Evaluate(params); v != nil {
		return deny(ReasonPolicyViolation, v, true, start), nil
	}
	return allow(true, req.Params, start), nil
}
