package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// workflowSchema constrains the free-form workflow block of the config file.
// Task entries keep arbitrary option keys, so only the engine-owned fields
// are described. A missing type tag is legal here: the engine records it as a
// per-task failure at run time instead of refusing the file.
var workflowSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"settings": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"stop_on_first_error": map[string]any{"type": "boolean"},
			},
		},
		"tasks": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []string{"name"},
				"properties": map[string]any{
					"name":              map[string]any{"type": "string", "minLength": 1},
					"type":              map[string]any{"type": "string"},
					"enabled":           map[string]any{"type": "boolean"},
					"fail_on_error":     map[string]any{"type": "boolean"},
					"notify_on_success": map[string]any{"type": "boolean"},
					"notify_on_failure": map[string]any{"type": "boolean"},
					"notification": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"success": notificationMessageSchema,
							"failure": notificationMessageSchema,
						},
					},
				},
			},
		},
	},
}

var notificationMessageSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"title":   map[string]any{"type": "string"},
		"message": map[string]any{"type": "string"},
	},
}

// validateWorkflowSchema checks the workflow block of the raw config document
// against workflowSchema.
func validateWorkflowSchema(data []byte) error {
	var document map[string]any
	if err := yaml.Unmarshal(data, &document); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}

	workflow, ok := document["workflow"]
	if !ok {
		return nil
	}

	schemaLoader := gojsonschema.NewGoLoader(workflowSchema)
	dataLoader := gojsonschema.NewGoLoader(workflow)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		var errors []string
		for _, resultError := range result.Errors() {
			errors = append(errors, resultError.String())
		}

		return fmt.Errorf("schema validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}
