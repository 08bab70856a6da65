// Package policy implements the per-tool policy schemas, their binary
// codec, and the constraint evaluation run by the authorization engine.
//
// A policy blob is self-describing: a 1-byte codec version, a 4-byte
// kind selector (first four bytes of the keccak-256 of the kind name),
// then the ABI-encoded body. New tool kinds are added by implementing
// Policy and registering a decoder — there is no untyped branching on a
// type string anywhere else.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
)

// Version is the current blob layout version.
const Version byte = 1

// Kind names a tool policy variant.
type Kind string

const (
	KindERC20Transfer  Kind = "erc20-transfer"
	KindNativeTransfer Kind = "native-transfer"
	KindSignMessage    Kind = "sign-message"
	KindTokenSwap      Kind = "token-swap"
)

// ErrValidation wraps schema violations found before encoding. No bytes
// are ever produced for a schema-invalid policy.
var ErrValidation = errors.New("policy validation")

// ErrDecode wraps malformed-blob failures. Decode never substitutes
// defaults: a blob either decodes fully or fails with this error.
var ErrDecode = errors.New("policy decode")

// ErrUnknownKind is returned for a kind with no registered codec.
var ErrUnknownKind = errors.New("unknown policy kind")

// Policy is one decoded, tool-specific constraint set.
type Policy interface {
	// Kind returns the policy's variant name.
	Kind() Kind

	// Validate checks schema validity: numeric fields must be
	// non-negative and representable in 256 bits, addresses canonical.
	Validate() error

	// Evaluate checks proposed invocation parameters against the
	// constraints. It returns nil when every constraint passes and a
	// *Violation naming the failing field otherwise. It never mutates
	// or clamps the parameters.
	Evaluate(params Parameters) *Violation

	// canonicalize returns a normalized deep copy: big.Ints cloned,
	// nil allow-lists replaced by empty ones.
	canonicalize() Policy

	// encodeBody ABI-encodes the policy fields.
	encodeBody() ([]byte, error)

	// setParameter replaces one named field from its parameter blob.
	setParameter(name string, blob []byte) error
}

// Parameters is a typed set of proposed invocation parameters for one
// tool kind.
type Parameters interface {
	Kind() Kind
}

// Violation identifies the single failing constraint of a denied
// evaluation: the field, the configured bound, and the proposed value.
type Violation struct {
	Field    string
	Bound    string
	Proposed string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("policy violation: field=%s bound=%s proposed=%s", v.Field, v.Bound, v.Proposed)
}

// codec ties a kind to its decoder and parameter handling.
type codec struct {
	kind         Kind
	decodeBody   func([]byte) (Policy, error)
	newZero      func() Policy
	parsePolicy  func(json.RawMessage) (Policy, error)
	parseParams  func(json.RawMessage) (Parameters, error)
	encodeParam  func(name string, value json.RawMessage) ([]byte, error)
	policySchema string
	paramsSchema string
}

var (
	codecsByKind     = map[Kind]*codec{}
	codecsBySelector = map[[4]byte]*codec{}
)

func register(c *codec) {
	codecsByKind[c.kind] = c
	codecsBySelector[c.selector()] = c
}

func (c *codec) selector() [4]byte {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(c.kind))[:4])
	return sel
}

// Kinds returns the registered kinds in a stable order.
func Kinds() []Kind {
	return []Kind{KindERC20Transfer, KindNativeTransfer, KindSignMessage, KindTokenSwap}
}

// Encode validates and serializes a policy to its stored blob form.
// A schema-invalid policy fails with ErrValidation before any bytes are
// produced.
func Encode(p Policy) ([]byte, error) {
	c, ok := codecsByKind[p.Kind()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, p.Kind())
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	body, err := p.canonicalize().encodeBody()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrValidation, p.Kind(), err)
	}
	sel := c.selector()
	blob := make([]byte, 0, 5+len(body))
	blob = append(blob, Version)
	blob = append(blob, sel[:]...)
	blob = append(blob, body...)
	return blob, nil
}

// Decode parses a stored blob back into its typed policy. Any malformed
// input — truncated header, unknown version or selector, or a body the
// kind's ABI tuple rejects — fails with ErrDecode.
func Decode(blob []byte) (Policy, error) {
	if len(blob) < 5 {
		return nil, fmt.Errorf("%w: blob too short (%d bytes)", ErrDecode, len(blob))
	}
	if blob[0] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrDecode, blob[0])
	}
	var sel [4]byte
	copy(sel[:], blob[1:5])
	c, ok := codecsBySelector[sel]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind selector %x", ErrDecode, sel)
	}
	p, err := c.decodeBody(blob[5:])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, c.kind, err)
	}
	return p, nil
}

// ParsePolicy builds a typed policy from its JSON document form, as
// submitted through the owner API. The document is validated against
// the kind's published policy schema first.
func ParsePolicy(kind Kind, doc json.RawMessage) (Policy, error) {
	c, ok := codecsByKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return c.parsePolicy(doc)
}

// ParseParams builds the typed proposed-parameter set for a kind from
// its JSON form, validated against the kind's published parameter
// schema.
func ParseParams(kind Kind, raw json.RawMessage) (Parameters, error) {
	c, ok := codecsByKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return c.parseParams(raw)
}

// EncodeParameter encodes a single named field of a kind for partial
// policy updates. The value is the field's JSON form.
func EncodeParameter(kind Kind, name string, value json.RawMessage) ([]byte, error) {
	c, ok := codecsByKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return c.encodeParam(name, value)
}

// NewZero returns the kind's policy with every field unset (zero bound,
// empty allow-lists). Used as the base when parameters are applied to a
// (tool, delegatee) pair that has no composed policy yet.
func NewZero(kind Kind) (Policy, error) {
	c, ok := codecsByKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return c.newZero(), nil
}

// ApplyParameters returns a copy of p with the named fields replaced by
// their parameter blobs. Unrelated fields are untouched.
func ApplyParameters(p Policy, names []string, blobs [][]byte) (Policy, error) {
	if len(names) != len(blobs) {
		return nil, fmt.Errorf("%w: %d names for %d values", ErrValidation, len(names), len(blobs))
	}
	out := p.canonicalize()
	for i, name := range names {
		if err := out.setParameter(name, blobs[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// RemoveParameters returns a copy of p with the named fields reset to
// their zero values. Unrelated fields are untouched.
func RemoveParameters(p Policy, names []string) (Policy, error) {
	out := p.canonicalize()
	for _, name := range names {
		if err := out.setParameter(name, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// cloneBig copies a big.Int, mapping nil to zero.
func cloneBig(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}
