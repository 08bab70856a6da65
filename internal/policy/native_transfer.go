package policy

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// NativeTransferPolicy constrains native-coin transfers: an amount
// ceiling in wei plus an optional recipient allow-list.
type NativeTransferPolicy struct {
	MaxAmount         *big.Int
	AllowedRecipients []common.Address
}

// NativeTransferParams are the proposed parameters of one native
// transfer invocation.
type NativeTransferParams struct {
	Amount    *big.Int
	Recipient common.Address
}

func (NativeTransferParams) Kind() Kind { return KindNativeTransfer }

var nativeArgs = abi.Arguments{
	{Name: "maxAmount", Type: typeUint256},
	{Name: "allowedRecipients", Type: typeAddressArray},
}

func (p *NativeTransferPolicy) Kind() Kind { return KindNativeTransfer }

func (p *NativeTransferPolicy) Validate() error {
	return validateAmountField("maxAmount", p.MaxAmount)
}

func (p *NativeTransferPolicy) Evaluate(params Parameters) *Violation {
	in, ok := params.(NativeTransferParams)
	if !ok {
		return &Violation{Field: "parameters", Bound: string(KindNativeTransfer), Proposed: string(params.Kind())}
	}
	if v := checkBound("maxAmount", p.MaxAmount, in.Amount); v != nil {
		return v
	}
	if v := checkAddressList("allowedRecipients", p.AllowedRecipients, in.Recipient); v != nil {
		return v
	}
	return nil
}

func (p *NativeTransferPolicy) canonicalize() Policy {
	return &NativeTransferPolicy{
		MaxAmount:         cloneBig(p.MaxAmount),
		AllowedRecipients: cloneAddresses(p.AllowedRecipients),
	}
}

func (p *NativeTransferPolicy) encodeBody() ([]byte, error) {
	return nativeArgs.Pack(p.MaxAmount, p.AllowedRecipients)
}

func decodeNativeTransfer(body []byte) (Policy, error) {
	vals, err := nativeArgs.Unpack(body)
	if err != nil {
		return nil, err
	}
	p := &NativeTransferPolicy{}
	var ok bool
	if p.MaxAmount, ok = vals[0].(*big.Int); !ok {
		return nil, fmt.Errorf("maxAmount: unexpected type %T", vals[0])
	}
	if p.AllowedRecipients, ok = vals[1].([]common.Address); !ok {
		return nil, fmt.Errorf("allowedRecipients: unexpected type %T", vals[1])
	}
	return p, nil
}

func (p *NativeTransferPolicy) setParameter(name string, blob []byte) error {
	switch name {
	case "maxAmount":
		v, err := decodeAmountParam(name, blob)
		if err != nil {
			return err
		}
		p.MaxAmount = v
	case "allowedRecipients":
		v, err := decodeAddressListParam(name, blob)
		if err != nil {
			return err
		}
		p.AllowedRecipients = v
	default:
		return unknownParameter(KindNativeTransfer, name)
	}
	return nil
}

const nativePolicySchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"maxAmount": {"type": "string", "pattern": "` + amountPattern + `", "description": "Maximum transfer amount in wei."},
		"allowedRecipients": {"type": "array", "items": {"type": "string", "pattern": "` + addressPattern + `"}, "description": "Recipients the delegatee may transfer to. Empty means any recipient."}
	},
	"required": ["maxAmount"],
	"additionalProperties": false
}`

const nativeParamsSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"amount": {"type": "string", "pattern": "` + amountPattern + `", "description": "Transfer amount in wei."},
		"recipient": {"type": "string", "pattern": "` + addressPattern + `", "description": "Transfer recipient address."}
	},
	"required": ["amount", "recipient"],
	"additionalProperties": false
}`

var (
	nativePolicySchemaCompiled = compileSchema("native-transfer-policy.json", nativePolicySchema)
	nativeParamsSchemaCompiled = compileSchema("native-transfer-params.json", nativeParamsSchema)
)

func parseNativeTransferPolicy(doc json.RawMessage) (Policy, error) {
	if err := validateAgainst(nativePolicySchemaCompiled, doc); err != nil {
		return nil, err
	}
	var raw struct {
		MaxAmount         string   `json:"maxAmount"`
		AllowedRecipients []string `json:"allowedRecipients"`
	}
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	maxAmount, err := parseAmount("maxAmount", raw.MaxAmount)
	if err != nil {
		return nil, err
	}
	recipients, err := parseAddresses("allowedRecipients", raw.AllowedRecipients)
	if err != nil {
		return nil, err
	}
	return &NativeTransferPolicy{MaxAmount: maxAmount, AllowedRecipients: recipients}, nil
}

func parseNativeTransferParams(raw json.RawMessage) (Parameters, error) {
	if err := validateAgainst(nativeParamsSchemaCompiled, raw); err != nil {
		return nil, err
	}
	var in struct {
		Amount    string `json:"amount"`
		Recipient string `json:"recipient"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	amount, err := parseAmount("amount", in.Amount)
	if err != nil {
		return nil, err
	}
	return NativeTransferParams{Amount: amount, Recipient: common.HexToAddress(in.Recipient)}, nil
}

func encodeNativeTransferParam(name string, value json.RawMessage) ([]byte, error) {
	switch name {
	case "maxAmount":
		return encodeAmountParam(name, value)
	case "allowedRecipients":
		return encodeAddressListParam(name, value)
	default:
		return nil, unknownParameter(KindNativeTransfer, name)
	}
}

func init() {
	register(&codec{
		kind:         KindNativeTransfer,
		decodeBody:   decodeNativeTransfer,
		newZero:      func() Policy { return &NativeTransferPolicy{MaxAmount: new(big.Int)} },
		parsePolicy:  parseNativeTransferPolicy,
		parseParams:  parseNativeTransferParams,
		encodeParam:  encodeNativeTransferParam,
		policySchema: nativePolicySchema,
		paramsSchema: nativeParamsSchema,
	})
}
