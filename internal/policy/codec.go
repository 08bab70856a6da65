package policy

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ABI types shared by the policy bodies. Constructed once; the type
// strings are constants so construction cannot fail at runtime.
var (
	typeUint256      = mustABIType("uint256")
	typeAddressArray = mustABIType("address[]")
	typeStringArray  = mustABIType("string[]")
)

func mustABIType(s string) abi.Type {
	t, err := abi.NewType(s, "", nil)
	if err != nil {
		panic(fmt.Sprintf("abi type %q: %v", s, err))
	}
	return t
}

func packSingle(t abi.Type, v any) ([]byte, error) {
	return abi.Arguments{{Type: t}}.Pack(v)
}

func unpackSingle(t abi.Type, blob []byte) (any, error) {
	vals, err := abi.Arguments{{Type: t}}.Unpack(blob)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("expected 1 value, got %d", len(vals))
	}
	return vals[0], nil
}

// parseAmount parses a decimal-string amount into a big.Int, enforcing
// the uint256 range. Amounts travel as strings because JSON numbers
// cannot hold 256-bit values without loss.
func parseAmount(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s: not a decimal integer: %q", ErrValidation, field, s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s: negative amount %s", ErrValidation, field, s)
	}
	if v.BitLen() > 256 {
		return nil, fmt.Errorf("%w: %s: amount exceeds uint256", ErrValidation, field)
	}
	return v, nil
}

func parseAddresses(field string, hexes []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(hexes))
	for _, h := range hexes {
		if !common.IsHexAddress(h) {
			return nil, fmt.Errorf("%w: %s: invalid address %q", ErrValidation, field, h)
		}
		out = append(out, common.HexToAddress(h))
	}
	return out, nil
}

func validateAmountField(field string, v *big.Int) error {
	if v == nil {
		return fmt.Errorf("%w: %s: nil amount", ErrValidation, field)
	}
	if v.Sign() < 0 {
		return fmt.Errorf("%w: %s: negative amount %s", ErrValidation, field, v)
	}
	if v.BitLen() > 256 {
		return fmt.Errorf("%w: %s: amount exceeds uint256", ErrValidation, field)
	}
	return nil
}

// checkBound enforces proposed <= bound with arbitrary-precision
// comparison. The bound is always enforced when a policy exists; there
// is no "unset" numeric bound.
func checkBound(field string, bound, proposed *big.Int) *Violation {
	if proposed.Cmp(bound) > 0 {
		return &Violation{Field: field, Bound: bound.String(), Proposed: proposed.String()}
	}
	return nil
}

// checkAddressList enforces allow-list membership. An empty list means
// the field is unrestricted — this asymmetry is deliberate and applies
// per field.
func checkAddressList(field string, allowed []common.Address, proposed common.Address) *Violation {
	if len(allowed) == 0 {
		return nil
	}
	for _, a := range allowed {
		if a == proposed {
			return nil
		}
	}
	return &Violation{
		Field:    field,
		Bound:    formatAddressList(allowed),
		Proposed: proposed.Hex(),
	}
}

// checkPrefixList enforces message-prefix membership; empty means
// unrestricted.
func checkPrefixList(field string, prefixes []string, msg string) *Violation {
	if len(prefixes) == 0 {
		return nil
	}
	for _, p := range prefixes {
		if strings.HasPrefix(msg, p) {
			return nil
		}
	}
	bound, _ := json.Marshal(prefixes)
	proposed := msg
	if len(proposed) > 64 {
		proposed = proposed[:64] + "…"
	}
	return &Violation{Field: field, Bound: string(bound), Proposed: proposed}
}

func formatAddressList(addrs []common.Address) string {
	hexes := make([]string, len(addrs))
	for i, a := range addrs {
		hexes[i] = a.Hex()
	}
	out, _ := json.Marshal(hexes)
	return string(out)
}

func cloneAddresses(addrs []common.Address) []common.Address {
	out := make([]common.Address, len(addrs))
	copy(out, addrs)
	return out
}

func cloneStrings(ss []string) []string {
	out := make([]string, len(ss))
	copy(out, ss)
	return out
}

// Parameter-blob helpers shared by the kinds' setParameter/encodeParam
// implementations. Each named field is a single ABI value so it can be
// replaced without re-encoding its siblings.

func encodeAmountParam(field string, value json.RawMessage) ([]byte, error) {
	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		return nil, fmt.Errorf("%w: %s: expected decimal string: %v", ErrValidation, field, err)
	}
	v, err := parseAmount(field, s)
	if err != nil {
		return nil, err
	}
	return packSingle(typeUint256, v)
}

// The decode*Param helpers accept a nil blob as "reset to the field's
// zero value", which backs RemoveParameters.

func decodeAmountParam(field string, blob []byte) (*big.Int, error) {
	if blob == nil {
		return new(big.Int), nil
	}
	v, err := unpackSingle(typeUint256, blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, field, err)
	}
	amount, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: %s: not a uint256", ErrDecode, field)
	}
	return amount, nil
}

func encodeAddressListParam(field string, value json.RawMessage) ([]byte, error) {
	var hexes []string
	if err := json.Unmarshal(value, &hexes); err != nil {
		return nil, fmt.Errorf("%w: %s: expected address array: %v", ErrValidation, field, err)
	}
	addrs, err := parseAddresses(field, hexes)
	if err != nil {
		return nil, err
	}
	return packSingle(typeAddressArray, addrs)
}

func decodeAddressListParam(field string, blob []byte) ([]common.Address, error) {
	if blob == nil {
		return []common.Address{}, nil
	}
	v, err := unpackSingle(typeAddressArray, blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, field, err)
	}
	addrs, ok := v.([]common.Address)
	if !ok {
		return nil, fmt.Errorf("%w: %s: not an address array", ErrDecode, field)
	}
	return addrs, nil
}

func encodeStringListParam(field string, value json.RawMessage) ([]byte, error) {
	var ss []string
	if err := json.Unmarshal(value, &ss); err != nil {
		return nil, fmt.Errorf("%w: %s: expected string array: %v", ErrValidation, field, err)
	}
	return packSingle(typeStringArray, ss)
}

func decodeStringListParam(field string, blob []byte) ([]string, error) {
	if blob == nil {
		return []string{}, nil
	}
	v, err := unpackSingle(typeStringArray, blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, field, err)
	}
	ss, ok := v.([]string)
	if !ok {
		return nil, fmt.Errorf("%w: %s: not a string array", ErrDecode, field)
	}
	return ss, nil
}

func unknownParameter(kind Kind, name string) error {
	return fmt.Errorf("%w: %s has no parameter %q", ErrValidation, kind, name)
}
