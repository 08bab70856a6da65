package policy

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// SignMessagePolicy constrains arbitrary message signing to messages
// starting with one of the allowed prefixes. An empty prefix list means
// any message may be signed.
type SignMessagePolicy struct {
	AllowedPrefixes []string
}

// SignMessageParams are the proposed parameters of one signing
// invocation.
type SignMessageParams struct {
	Message string
}

func (SignMessageParams) Kind() Kind { return KindSignMessage }

var signMessageArgs = abi.Arguments{
	{Name: "allowedPrefixes", Type: typeStringArray},
}

func (p *SignMessagePolicy) Kind() Kind { return KindSignMessage }

// Validate always passes: any list of prefixes, including none, is a
// valid policy.
func (p *SignMessagePolicy) Validate() error { return nil }

func (p *SignMessagePolicy) Evaluate(params Parameters) *Violation {
	in, ok := params.(SignMessageParams)
	if !ok {
		return &Violation{Field: "parameters", Bound: string(KindSignMessage), Proposed: string(params.Kind())}
	}
	return checkPrefixList("allowedPrefixes", p.AllowedPrefixes, in.Message)
}

func (p *SignMessagePolicy) canonicalize() Policy {
	return &SignMessagePolicy{AllowedPrefixes: cloneStrings(p.AllowedPrefixes)}
}

func (p *SignMessagePolicy) encodeBody() ([]byte, error) {
	return signMessageArgs.Pack(p.AllowedPrefixes)
}

func decodeSignMessage(body []byte) (Policy, error) {
	vals, err := signMessageArgs.Unpack(body)
	if err != nil {
		return nil, err
	}
	prefixes, ok := vals[0].([]string)
	if !ok {
		return nil, fmt.Errorf("allowedPrefixes: unexpected type %T", vals[0])
	}
	return &SignMessagePolicy{AllowedPrefixes: prefixes}, nil
}

func (p *SignMessagePolicy) setParameter(name string, blob []byte) error {
	switch name {
	case "allowedPrefixes":
		v, err := decodeStringListParam(name, blob)
		if err != nil {
			return err
		}
		p.AllowedPrefixes = v
	default:
		return unknownParameter(KindSignMessage, name)
	}
	return nil
}

const signMessagePolicySchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"allowedPrefixes": {"type": "array", "items": {"type": "string"}, "description": "Message prefixes the delegatee may sign. Empty means any message."}
	},
	"additionalProperties": false
}`

const signMessageParamsSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"message": {"type": "string", "description": "Message to sign."}
	},
	"required": ["message"],
	"additionalProperties": false
}`

var (
	signMessagePolicySchemaCompiled = compileSchema("sign-message-policy.json", signMessagePolicySchema)
	signMessageParamsSchemaCompiled = compileSchema("sign-message-params.json", signMessageParamsSchema)
)

func parseSignMessagePolicy(doc json.RawMessage) (Policy, error) {
	if err := validateAgainst(signMessagePolicySchemaCompiled, doc); err != nil {
		return nil, err
	}
	var raw struct {
		AllowedPrefixes []string `json:"allowedPrefixes"`
	}
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return &SignMessagePolicy{AllowedPrefixes: raw.AllowedPrefixes}, nil
}

func parseSignMessageParams(raw json.RawMessage) (Parameters, error) {
	if err := validateAgainst(signMessageParamsSchemaCompiled, raw); err != nil {
		return nil, err
	}
	var in struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return SignMessageParams{Message: in.Message}, nil
}

func encodeSignMessageParam(name string, value json.RawMessage) ([]byte, error) {
	switch name {
	case "allowedPrefixes":
		return encodeStringListParam(name, value)
	default:
		return nil, unknownParameter(KindSignMessage, name)
	}
}

func init() {
	register(&codec{
		kind:         KindSignMessage,
		decodeBody:   decodeSignMessage,
		newZero:      func() Policy { return &SignMessagePolicy{} },
		parsePolicy:  parseSignMessagePolicy,
		parseParams:  parseSignMessageParams,
		encodeParam:  encodeSignMessageParam,
		policySchema: signMessagePolicySchema,
		paramsSchema: signMessageParamsSchema,
	})
}
