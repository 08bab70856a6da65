package policy

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// TokenSwapPolicy constrains DEX swap invocations: a ceiling on the
// input amount and an optional allow-list applied to both sides of the
// pair.
type TokenSwapPolicy struct {
	MaxAmountIn   *big.Int
	AllowedTokens []common.Address
}

// TokenSwapParams are the proposed parameters of one swap invocation.
type TokenSwapParams struct {
	AmountIn *big.Int
	TokenIn  common.Address
	TokenOut common.Address
}

func (TokenSwapParams) Kind() Kind { return KindTokenSwap }

var tokenSwapArgs = abi.Arguments{
	{Name: "maxAmountIn", Type: typeUint256},
	{Name: "allowedTokens", Type: typeAddressArray},
}

func (p *TokenSwapPolicy) Kind() Kind { return KindTokenSwap }

func (p *TokenSwapPolicy) Validate() error {
	return validateAmountField("maxAmountIn", p.MaxAmountIn)
}

func (p *TokenSwapPolicy) Evaluate(params Parameters) *Violation {
	in, ok := params.(TokenSwapParams)
	if !ok {
		return &Violation{Field: "parameters", Bound: string(KindTokenSwap), Proposed: string(params.Kind())}
	}
	if v := checkBound("maxAmountIn", p.MaxAmountIn, in.AmountIn); v != nil {
		return v
	}
	// The allow-list gates both legs of the pair.
	if v := checkAddressList("allowedTokens", p.AllowedTokens, in.TokenIn); v != nil {
		return v
	}
	if v := checkAddressList("allowedTokens", p.AllowedTokens, in.TokenOut); v != nil {
		return v
	}
	return nil
}

func (p *TokenSwapPolicy) canonicalize() Policy {
	return &TokenSwapPolicy{
		MaxAmountIn:   cloneBig(p.MaxAmountIn),
		AllowedTokens: cloneAddresses(p.AllowedTokens),
	}
}

func (p *TokenSwapPolicy) encodeBody() ([]byte, error) {
	return tokenSwapArgs.Pack(p.MaxAmountIn, p.AllowedTokens)
}

func decodeTokenSwap(body []byte) (Policy, error) {
	vals, err := tokenSwapArgs.Unpack(body)
	if err != nil {
		return nil, err
	}
	p := &TokenSwapPolicy{}
	var ok bool
	if p.MaxAmountIn, ok = vals[0].(*big.Int); !ok {
		return nil, fmt.Errorf("maxAmountIn: unexpected type %T", vals[0])
	}
	if p.AllowedTokens, ok = vals[1].([]common.Address); !ok {
		return nil, fmt.Errorf("allowedTokens: unexpected type %T", vals[1])
	}
	return p, nil
}

func (p *TokenSwapPolicy) setParameter(name string, blob []byte) error {
	switch name {
	case "maxAmountIn":
		v, err := decodeAmountParam(name, blob)
		if err != nil {
			return err
		}
		p.MaxAmountIn = v
	case "allowedTokens":
		v, err := decodeAddressListParam(name, blob)
		if err != nil {
			return err
		}
		p.AllowedTokens = v
	default:
		return unknownParameter(KindTokenSwap, name)
	}
	return nil
}

const tokenSwapPolicySchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"maxAmountIn": {"type": "string", "pattern": "` + amountPattern + `", "description": "Maximum input amount in the input token's base units."},
		"allowedTokens": {"type": "array", "items": {"type": "string", "pattern": "` + addressPattern + `"}, "description": "Tokens allowed on either side of the swap. Empty means any pair."}
	},
	"required": ["maxAmountIn"],
	"additionalProperties": false
}`

const tokenSwapParamsSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"amountIn": {"type": "string", "pattern": "` + amountPattern + `", "description": "Input amount in the input token's base units."},
		"tokenIn": {"type": "string", "pattern": "` + addressPattern + `", "description": "Token being sold."},
		"tokenOut": {"type": "string", "pattern": "` + addressPattern + `", "description": "Token being bought."}
	},
	"required": ["amountIn", "tokenIn", "tokenOut"],
	"additionalProperties": false
}`

var (
	tokenSwapPolicySchemaCompiled = compileSchema("token-swap-policy.json", tokenSwapPolicySchema)
	tokenSwapParamsSchemaCompiled = compileSchema("token-swap-params.json", tokenSwapParamsSchema)
)

func parseTokenSwapPolicy(doc json.RawMessage) (Policy, error) {
	if err := validateAgainst(tokenSwapPolicySchemaCompiled, doc); err != nil {
		return nil, err
	}
	var raw struct {
		MaxAmountIn   string   `json:"maxAmountIn"`
		AllowedTokens []string `json:"allowedTokens"`
	}
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	maxAmountIn, err := parseAmount("maxAmountIn", raw.MaxAmountIn)
	if err != nil {
		return nil, err
	}
	tokens, err := parseAddresses("allowedTokens", raw.AllowedTokens)
	if err != nil {
		return nil, err
	}
	return &TokenSwapPolicy{MaxAmountIn: maxAmountIn, AllowedTokens: tokens}, nil
}

func parseTokenSwapParams(raw json.RawMessage) (Parameters, error) {
	if err := validateAgainst(tokenSwapParamsSchemaCompiled, raw); err != nil {
		return nil, err
	}
	var in struct {
		AmountIn string `json:"amountIn"`
		TokenIn  string `json:"tokenIn"`
		TokenOut string `json:"tokenOut"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	amountIn, err := parseAmount("amountIn", in.AmountIn)
	if err != nil {
		return nil, err
	}
	return TokenSwapParams{
		AmountIn: amountIn,
		TokenIn:  common.HexToAddress(in.TokenIn),
		TokenOut: common.HexToAddress(in.TokenOut),
	}, nil
}

func encodeTokenSwapParam(name string, value json.RawMessage) ([]byte, error) {
	switch name {
	case "maxAmountIn":
		return encodeAmountParam(name, value)
	case "allowedTokens":
		return encodeAddressListParam(name, value)
	default:
		return nil, unknownParameter(KindTokenSwap, name)
	}
}

func init() {
	register(&codec{
		kind:         KindTokenSwap,
		decodeBody:   decodeTokenSwap,
		newZero:      func() Policy { return &TokenSwapPolicy{MaxAmountIn: new(big.Int)} },
		parsePolicy:  parseTokenSwapPolicy,
		parseParams:  parseTokenSwapParams,
		encodeParam:  encodeTokenSwapParam,
		policySchema: tokenSwapPolicySchema,
		paramsSchema: tokenSwapParamsSchema,
	})
}
