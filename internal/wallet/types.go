// Package wallet defines the core identity types shared across keyward:
// the custodial wallet being protected, the content-addressed tools
// registered against it, and the delegatee addresses permitted to
// request invocations.
package wallet

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Wallet identifies a custodial key-pair: the registry token id that
// anchors tool/delegatee/policy state, and the public address derived
// from the underlying key. The private key never appears anywhere in
// this codebase.
type Wallet struct {
	TokenID *big.Int
	Address common.Address
}

// NewWallet builds a Wallet from a token id and its derived address.
func NewWallet(tokenID *big.Int, address common.Address) Wallet {
	return Wallet{TokenID: new(big.Int).Set(tokenID), Address: address}
}

// ParseWallet parses a wallet token id from its decimal or 0x-hex string form.
func ParseWallet(tokenID string, address string) (Wallet, error) {
	id, err := ParseTokenID(tokenID)
	if err != nil {
		return Wallet{}, err
	}
	addr, err := ParseAddress(address)
	if err != nil {
		return Wallet{}, err
	}
	return Wallet{TokenID: id, Address: addr}, nil
}

// ParseTokenID parses a token id from decimal or 0x-hex form.
func ParseTokenID(s string) (*big.Int, error) {
	id, ok := parseBig(s)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("invalid wallet token id %q", s)
	}
	return id, nil
}

func parseBig(s string) (*big.Int, bool) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return new(big.Int).SetString(s[2:], 16)
	}
	return new(big.Int).SetString(s, 10)
}

func (w Wallet) String() string {
	return fmt.Sprintf("wallet(%s, %s)", w.TokenID, w.Address.Hex())
}

// ToolID is the content-addressed identifier of a unit of invocable
// logic (an IPFS-style CID of the tool's code). Registration binds a
// ToolID to a wallet; the id itself carries no permission.
type ToolID string

// cidPattern accepts CIDv0 (Qm..., base58btc) and lowercase CIDv1
// (base32) identifiers. Validation is syntactic only — resolution of
// the content is the execution context's concern.
var cidPattern = regexp.MustCompile(`^(Qm[1-9A-HJ-NP-Za-km-z]{44}|b[a-z2-7]{58})$`)

// Valid reports whether the id is a well-formed content hash.
func (t ToolID) Valid() bool {
	return cidPattern.MatchString(string(t))
}

func (t ToolID) String() string { return string(t) }

// RegisteredTool is one row of a wallet's tool registration state.
// Enabled and the registration row are co-owned: disabling keeps the
// row, removal erases both.
type RegisteredTool struct {
	ID      ToolID
	Enabled bool
}

// ParseAddress normalizes a hex address string to its canonical form,
// rejecting anything that is not a 20-byte 0x-prefixed hex string.
// common.HexToAddress alone is too forgiving (it zero-pads), so length
// and charset are checked first.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
