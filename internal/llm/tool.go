package llm

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Tool is a function the model may call instead of answering in text.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema of the arguments object
}

// GenerateSchema reflects the JSON Schema of T, inlined without $ref so every
// provider accepts it.
//
// Expectations:
//   - Produces an object schema with one property per JSON-tagged field
//   - Lists non-omitempty fields as required
//   - Disallows additional properties
//   - Carries jsonschema_description tags as property descriptions
func GenerateSchema[T any]() json.RawMessage {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	schema := reflector.Reflect(v)
	schema.Version = ""
	b, err := json.Marshal(schema)
	if err != nil {
		// Reflection output is always encodable; a failure here is a programming error.
		panic("llm: marshal schema: " + err.Error())
	}
	return b
}

func hasTool(tools []Tool, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}
