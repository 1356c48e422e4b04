package preset

import (
	"encoding/json"
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
)

// presetSchema describes the Preset wire format named in spec §6. It is
// built in-process (no embedded spec file) and used purely to produce
// descriptive validation errors before a preset is decoded into Go types —
// the same job kin-openapi does for the teacher's REST request bodies,
// repurposed here since this module has no REST surface of its own.
var presetSchema = &openapi3.Schema{
	Type:     &openapi3.Types{openapi3.TypeObject},
	Required: []string{"metrics", "target", "maxIterations"},
	Properties: openapi3.Schemas{
		"metrics": openapi3.NewSchemaRef("", &openapi3.Schema{
			Type: &openapi3.Types{openapi3.TypeArray},
			Items: openapi3.NewSchemaRef("", &openapi3.Schema{
				Type:     &openapi3.Types{openapi3.TypeObject},
				Required: []string{"name", "command"},
				Properties: openapi3.Schemas{
					"name":           openapi3.NewSchemaRef("", &openapi3.Schema{Type: &openapi3.Types{openapi3.TypeString}}),
					"command":        openapi3.NewSchemaRef("", &openapi3.Schema{Type: &openapi3.Types{openapi3.TypeString}}),
					"weight":         openapi3.NewSchemaRef("", &openapi3.Schema{Type: &openapi3.Types{openapi3.TypeNumber}}),
					"target":         openapi3.NewSchemaRef("", &openapi3.Schema{Type: &openapi3.Types{openapi3.TypeNumber}}),
					"higherIsBetter": openapi3.NewSchemaRef("", &openapi3.Schema{Type: &openapi3.Types{openapi3.TypeBoolean}}),
					"independent":    openapi3.NewSchemaRef("", &openapi3.Schema{Type: &openapi3.Types{openapi3.TypeBoolean}}),
					"k":              openapi3.NewSchemaRef("", &openapi3.Schema{Type: &openapi3.Types{openapi3.TypeNumber}}),
				},
			}),
		}),
		"strategies": openapi3.NewSchemaRef("", &openapi3.Schema{
			Type: &openapi3.Types{openapi3.TypeArray},
			Items: openapi3.NewSchemaRef("", &openapi3.Schema{
				Type:     &openapi3.Types{openapi3.TypeObject},
				Required: []string{"name", "focus", "prompt"},
			}),
		}),
		"target":        openapi3.NewSchemaRef("", &openapi3.Schema{Type: &openapi3.Types{openapi3.TypeNumber}}),
		"maxIterations": openapi3.NewSchemaRef("", &openapi3.Schema{Type: &openapi3.Types{openapi3.TypeInteger}}),
		"review": openapi3.NewSchemaRef("", &openapi3.Schema{
			Type: &openapi3.Types{openapi3.TypeObject},
			Properties: openapi3.Schemas{
				"enabled":   openapi3.NewSchemaRef("", &openapi3.Schema{Type: &openapi3.Types{openapi3.TypeBoolean}}),
				"maxRounds": openapi3.NewSchemaRef("", &openapi3.Schema{Type: &openapi3.Types{openapi3.TypeInteger}}),
			},
		}),
	},
}

// ValidateSchema checks raw preset JSON against presetSchema, returning a
// descriptive error naming the offending field on mismatch.
func ValidateSchema(data []byte) error {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("decoding JSON for schema check: %w", err)
	}
	if err := presetSchema.VisitJSON(value); err != nil {
		return fmt.Errorf("preset does not match schema: %w", err)
	}
	return nil
}
