package policy

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ERC20TransferPolicy constrains ERC-20 transfer invocations: a hard
// amount ceiling plus optional allow-lists for the token contract and
// the recipient.
type ERC20TransferPolicy struct {
	MaxAmount         *big.Int
	AllowedTokens     []common.Address
	AllowedRecipients []common.Address
}

// ERC20TransferParams are the proposed parameters of one ERC-20
// transfer invocation.
type ERC20TransferParams struct {
	Amount    *big.Int
	Token     common.Address
	Recipient common.Address
}

func (ERC20TransferParams) Kind() Kind { return KindERC20Transfer }

var erc20Args = abi.Arguments{
	{Name: "maxAmount", Type: typeUint256},
	{Name: "allowedTokens", Type: typeAddressArray},
	{Name: "allowedRecipients", Type: typeAddressArray},
}

func (p *ERC20TransferPolicy) Kind() Kind { return KindERC20Transfer }

func (p *ERC20TransferPolicy) Validate() error {
	return validateAmountField("maxAmount", p.MaxAmount)
}

func (p *ERC20TransferPolicy) Evaluate(params Parameters) *Violation {
	in, ok := params.(ERC20TransferParams)
	if !ok {
		return &Violation{Field: "parameters", Bound: string(KindERC20Transfer), Proposed: string(params.Kind())}
	}
	if v := checkBound("maxAmount", p.MaxAmount, in.Amount); v != nil {
		return v
	}
	if v := checkAddressList("allowedTokens", p.AllowedTokens, in.Token); v != nil {
		return v
	}
	if v := checkAddressList("allowedRecipients", p.AllowedRecipients, in.Recipient); v != nil {
		return v
	}
	return nil
}

func (p *ERC20TransferPolicy) canonicalize() Policy {
	return &ERC20TransferPolicy{
		MaxAmount:         cloneBig(p.MaxAmount),
		AllowedTokens:     cloneAddresses(p.AllowedTokens),
		AllowedRecipients: cloneAddresses(p.AllowedRecipients),
	}
}

func (p *ERC20TransferPolicy) encodeBody() ([]byte, error) {
	return erc20Args.Pack(p.MaxAmount, p.AllowedTokens, p.AllowedRecipients)
}

func decodeERC20Transfer(body []byte) (Policy, error) {
	vals, err := erc20Args.Unpack(body)
	if err != nil {
		return nil, err
	}
	p := &ERC20TransferPolicy{}
	var ok bool
	if p.MaxAmount, ok = vals[0].(*big.Int); !ok {
		return nil, fmt.Errorf("maxAmount: unexpected type %T", vals[0])
	}
	if p.AllowedTokens, ok = vals[1].([]common.Address); !ok {
		return nil, fmt.Errorf("allowedTokens: unexpected type %T", vals[1])
	}
	if p.AllowedRecipients, ok = vals[2].([]common.Address); !ok {
		return nil, fmt.Errorf("allowedRecipients: unexpected type %T", vals[2])
	}
	return p, nil
}

func (p *ERC20TransferPolicy) setParameter(name string, blob []byte) error {
	switch name {
	case "maxAmount":
		v, err := decodeAmountParam(name, blob)
		if err != nil {
			return err
		}
		p.MaxAmount = v
	case "allowedTokens":
		v, err := decodeAddressListParam(name, blob)
		if err != nil {
			return err
		}
		p.AllowedTokens = v
	case "allowedRecipients":
		v, err := decodeAddressListParam(name, blob)
		if err != nil {
			return err
		}
		p.AllowedRecipients = v
	default:
		return unknownParameter(KindERC20Transfer, name)
	}
	return nil
}

const erc20PolicySchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"maxAmount": {"type": "string", "pattern": "` + amountPattern + `", "description": "Maximum transfer amount in the token's base units."},
		"allowedTokens": {"type": "array", "items": {"type": "string", "pattern": "` + addressPattern + `"}, "description": "Token contracts the delegatee may transfer. Empty means any token."},
		"allowedRecipients": {"type": "array", "items": {"type": "string", "pattern": "` + addressPattern + `"}, "description": "Recipients the delegatee may transfer to. Empty means any recipient."}
	},
	"required": ["maxAmount"],
	"additionalProperties": false
}`

const erc20ParamsSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"amount": {"type": "string", "pattern": "` + amountPattern + `", "description": "Transfer amount in the token's base units."},
		"token": {"type": "string", "pattern": "` + addressPattern + `", "description": "ERC-20 token contract address."},
		"recipient": {"type": "string", "pattern": "` + addressPattern + `", "description": "Transfer recipient address."}
	},
	"required": ["amount", "token", "recipient"],
	"additionalProperties": false
}`

var (
	erc20PolicySchemaCompiled = compileSchema("erc20-transfer-policy.json", erc20PolicySchema)
	erc20ParamsSchemaCompiled = compileSchema("erc20-transfer-params.json", erc20ParamsSchema)
)

func parseERC20TransferPolicy(doc json.RawMessage) (Policy, error) {
	if err := validateAgainst(erc20PolicySchemaCompiled, doc); err != nil {
		return nil, err
	}
	var raw struct {
		MaxAmount         string   `json:"maxAmount"`
		AllowedTokens     []string `json:"allowedTokens"`
		AllowedRecipients []string `json:"allowedRecipients"`
	}
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	maxAmount, err := parseAmount("maxAmount", raw.MaxAmount)
	if err != nil {
		return nil, err
	}
	tokens, err := parseAddresses("allowedTokens", raw.AllowedTokens)
	if err != nil {
		return nil, err
	}
	recipients, err := parseAddresses("allowedRecipients", raw.AllowedRecipients)
	if err != nil {
		return nil, err
	}
	return &ERC20TransferPolicy{MaxAmount: maxAmount, AllowedTokens: tokens, AllowedRecipients: recipients}, nil
}

func parseERC20TransferParams(raw json.RawMessage) (Parameters, error) {
	if err := validateAgainst(erc20ParamsSchemaCompiled, raw); err != nil {
		return nil, err
	}
	var in struct {
		Amount    string `json:"amount"`
		Token     string `json:"token"`
		Recipient string `json:"recipient"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	amount, err := parseAmount("amount", in.Amount)
	if err != nil {
		return nil, err
	}
	return ERC20TransferParams{
		Amount:    amount,
		Token:     common.HexToAddress(in.Token),
		Recipient: common.HexToAddress(in.Recipient),
	}, nil
}

func encodeERC20TransferParam(name string, value json.RawMessage) ([]byte, error) {
	switch name {
	case "maxAmount":
		return encodeAmountParam(name, value)
	case "allowedTokens", "allowedRecipients":
		return encodeAddressListParam(name, value)
	default:
		return nil, unknownParameter(KindERC20Transfer, name)
	}
}

func init() {
	register(&codec{
		kind:         KindERC20Transfer,
		decodeBody:   decodeERC20Transfer,
		newZero:      func() Policy { return &ERC20TransferPolicy{MaxAmount: new(big.Int)} },
		parsePolicy:  parseERC20TransferPolicy,
		parseParams:  parseERC20TransferParams,
		encodeParam:  encodeERC20TransferParam,
		policySchema: erc20PolicySchema,
		paramsSchema: erc20ParamsSchema,
	})
}
