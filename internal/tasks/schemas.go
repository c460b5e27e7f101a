package tasks

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"edgeonboard/internal/model"
)

// Payload schemas per task type. Validation happens once at enqueue; the
// device-side executor can trust the shape and only re-checks semantic
// constraints (URL schemes, allow-listed keys).
var payloadSchemas = map[model.TaskType]string{
	model.TaskSetProxy: `{
		"type": "object",
		"properties": {
			"httpProxy":  {"type": "string"},
			"httpsProxy": {"type": "string"},
			"noProxy":    {"type": "string"}
		},
		"additionalProperties": false
	}`,
	model.TaskApplyNetplan: `{
		"type": "object",
		"properties": {
			"yaml": {"type": "string", "minLength": 10}
		},
		"required": ["yaml"],
		"additionalProperties": false
	}`,
	model.TaskPatchLXDNetwork: `{
		"type": "object",
		"properties": {
			"network": {"type": "string", "minLength": 1},
			"config": {
				"type": "object",
				"additionalProperties": {"type": "string"}
			}
		},
		"required": ["network", "config"],
		"additionalProperties": false
	}`,
	model.TaskMicrok8sAddons: `{
		"type": "object",
		"properties": {
			"enable":  {"type": "array", "items": {"type": "string"}},
			"disable": {"type": "array", "items": {"type": "string"}}
		},
		"additionalProperties": false
	}`,
}

var compiledSchemas = map[model.TaskType]*gojsonschema.Schema{}

func init() {
	for typ, raw := range payloadSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			panic(fmt.Sprintf("invalid payload schema for %s: %v", typ, err))
		}
		compiledSchemas[typ] = schema
	}
}

// validatePayload checks payload against the schema for typ. The caller has
// already established that typ is known.
func validatePayload(typ model.TaskType, payload []byte) error {
	schema := compiledSchemas[typ]
	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if !result.Valid() {
		errs := result.Errors()
		if len(errs) > 0 {
			return fmt.Errorf("%w: %s", ErrBadPayload, errs[0].String())
		}
		return ErrBadPayload
	}
	return nil
}
