package extraction

import (
	"fmt"
	"sort"
	"strings"

	"github.com/embedkit/widget-gateway/internal/domain"
	"github.com/embedkit/widget-gateway/internal/llm"
)

// ToolName is the fixed name of the extraction tool the model must invoke
const ToolName = "record_form_fields"

// BuildTool deterministically maps a form schema to a constrained tool-call
// specification. Scalar types map 1:1; array-typed fields are unwrapped to
// their item type (keeping the item enum); each field description carries the
// title, description, and known-synonyms hint so free-text mentions map onto
// canonical field names.
func BuildTool(schema *domain.FormSchema, formType string) llm.Tool {
	fields := &llm.ToolSchema{
		Type:       "object",
		Properties: make(map[string]*llm.ToolSchema, len(schema.Properties)),
		Required:   schema.Required,
	}
	scores := &llm.ToolSchema{
		Type:       "object",
		Properties: make(map[string]*llm.ToolSchema, len(schema.Properties)),
	}

	zero, one := 0.0, 1.0
	for name, prop := range schema.Properties {
		fields.Properties[name] = fieldParameter(prop)
		scores.Properties[name] = &llm.ToolSchema{
			Type:        "number",
			Description: fmt.Sprintf("Confidence for %s, between 0 and 1", name),
			Minimum:     &zero,
			Maximum:     &one,
		}
	}

	return llm.Tool{
		Name:        ToolName,
		Description: fmt.Sprintf("Record %s form field values mentioned in the conversation", formType),
		Parameters: &llm.ToolSchema{
			Type: "object",
			Properties: map[string]*llm.ToolSchema{
				"extracted_fields":  fields,
				"confidence_scores": scores,
			},
			Required: []string{"extracted_fields", "confidence_scores"},
		},
	}
}

func fieldParameter(prop domain.FieldSchema) *llm.ToolSchema {
	out := &llm.ToolSchema{
		Type:        prop.Type,
		Enum:        prop.Enum,
		Description: fieldDescription(prop),
		Minimum:     prop.Minimum,
		Maximum:     prop.Maximum,
	}

	// Arrays keep their shape but constrain items to the item enum
	if prop.Type == "array" && prop.Items != nil {
		out.Items = &llm.ToolSchema{
			Type: prop.Items.Type,
			Enum: prop.Items.Enum,
		}
	}

	return out
}

func fieldDescription(prop domain.FieldSchema) string {
	var parts []string
	if prop.Title != "" {
		parts = append(parts, prop.Title)
	}
	if prop.Description != "" {
		parts = append(parts, prop.Description)
	}
	if len(prop.Synonyms) > 0 {
		parts = append(parts, "Known synonyms: "+strings.Join(prop.Synonyms, ", "))
	}
	return strings.Join(parts, ". ")
}

// fieldNames returns the schema's property names in stable order
func fieldNames(schema *domain.FormSchema) []string {
	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
