package policy

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaDoc is the published data contract for one tool kind: the JSON
// Schema of its policy document and of its proposed invocation
// parameters. Consumed by the owner API for prompting/validation and by
// any natural-language intent layer mapping free-form requests onto
// parameters. Two implementations that agree on these documents
// interoperate.
type SchemaDoc struct {
	Kind         Kind            `json:"kind"`
	Description  string          `json:"description"`
	PolicySchema json.RawMessage `json:"policySchema"`
	ParamsSchema json.RawMessage `json:"paramsSchema"`
}

// Schemas returns the published schema documents for all registered
// kinds, in the stable Kinds() order.
func Schemas() []SchemaDoc {
	out := make([]SchemaDoc, 0, len(codecsByKind))
	for _, k := range Kinds() {
		c := codecsByKind[k]
		out = append(out, SchemaDoc{
			Kind:         c.kind,
			Description:  kindDescriptions[c.kind],
			PolicySchema: json.RawMessage(c.policySchema),
			ParamsSchema: json.RawMessage(c.paramsSchema),
		})
	}
	return out
}

var kindDescriptions = map[Kind]string{
	KindERC20Transfer:  "ERC-20 token transfer: bounded amount with optional token and recipient allow-lists.",
	KindNativeTransfer: "Native coin transfer: bounded amount with an optional recipient allow-list.",
	KindSignMessage:    "Arbitrary message signing restricted to allowed message prefixes.",
	KindTokenSwap:      "DEX token swap: bounded input amount with an optional token allow-list.",
}

// compileSchema compiles a schema document at init time. The documents
// are source constants, so failure is a programming error.
func compileSchema(name, doc string) *jsonschema.Schema {
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(doc)))
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, v); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	sch, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return sch
}

// validateAgainst checks a raw JSON document against a compiled schema.
func validateAgainst(sch *jsonschema.Schema, raw json.RawMessage) error {
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: not valid JSON: %v", ErrValidation, err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

const addressPattern = `^0x[0-9a-fA-F]{40}$`
const amountPattern = `^[0-9]+$`
