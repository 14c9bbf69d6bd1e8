package blueprint

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kandev/agentcoord/internal/common/apperrors"
)

// validateAgainstSchema compiles schemaBytes as a JSON Schema and
// validates payload against it. A nil/empty schema always passes.
func validateAgainstSchema(schemaBytes json.RawMessage, payload map[string]any) error {
	if len(schemaBytes) == 0 {
		return nil
	}

	var schemaDoc any
	if err := json.Unmarshal(schemaBytes, &schemaDoc); err != nil {
		return apperrors.InternalError("failed to parse blueprint schema", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("blueprint-schema.json", schemaDoc); err != nil {
		return apperrors.InternalError("failed to load blueprint schema", err)
	}
	schema, err := compiler.Compile("blueprint-schema.json")
	if err != nil {
		return apperrors.InternalError("failed to compile blueprint schema", err)
	}

	// Round-trip payload through JSON so types (e.g. numeric) match what
	// the schema compiler expects from a decoded JSON document.
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return apperrors.ValidationError("parameters", "parameters must be JSON-serializable")
	}
	var payloadDoc any
	if err := json.Unmarshal(payloadBytes, &payloadDoc); err != nil {
		return apperrors.InternalError("failed to re-decode parameters", err)
	}

	if err := schema.Validate(payloadDoc); err != nil {
		return apperrors.ValidationError("parameters", fmt.Sprintf("schema validation failed: %v", err))
	}
	return nil
}
