package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/embedkit/widget-gateway/internal/domain"
	"github.com/embedkit/widget-gateway/internal/llm"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// defaultTemperature favors determinism over creativity for extraction calls
const defaultTemperature = 0.2

const systemInstruction = `You extract structured form data from a conversation.

Rules:
1. Extract only values the user explicitly stated or that can be confidently inferred.
2. Assign a confidence score per field: 1.0 for explicitly stated values, 0.7-0.9 for strongly implied values, 0.5-0.7 for inferred values.
3. Never fabricate values for fields the conversation does not mention; omit them entirely.
4. Normalize natural-language quantities into the field's declared type (e.g. "sixty-five years old" becomes the integer 65).`

// Options selects the provider and model for an extraction call
type Options struct {
	Provider    string
	Model       string
	Temperature float64
}

// Engine converts form schemas into constrained tool calls and merges the
// model's answers into typed extraction results. Extraction failures never
// surface as errors: the engine degrades to an empty partial result so a
// failed extraction cannot abort the surrounding chat turn.
type Engine struct {
	router  *llm.Router
	timeout time.Duration
}

// NewEngine creates a new extraction engine
func NewEngine(router *llm.Router, timeout time.Duration) *Engine {
	return &Engine{router: router, timeout: timeout}
}

// Extract issues one LLM call constrained to the schema-derived tool and
// parses the tool-call reply into an extraction result.
func (e *Engine) Extract(ctx context.Context, turns []domain.ChatMessage, schema *domain.FormSchema, formType string, opts Options) *domain.ExtractionResult {
	messages := make([]llm.Message, 0, len(turns)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemInstruction})
	for _, t := range turns {
		messages = append(messages, llm.Message{Role: toLLMRole(t.Role), Content: t.Content})
	}

	return e.call(ctx, messages, schema, formType, opts)
}

// ExtractFromMessage runs incremental extraction for a single new message.
// Previously extracted fields are summarized in a system note and the model
// is asked to report only new or changed fields; the caller folds the result
// into the per-session merged-field map.
func (e *Engine) ExtractFromMessage(ctx context.Context, message string, previous []domain.ExtractedField, schema *domain.FormSchema, formType string, opts Options) *domain.ExtractionResult {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemInstruction},
	}
	if len(previous) > 0 {
		messages = append(messages, llm.Message{
			Role:    llm.RoleSystem,
			Content: previousFieldsNote(previous),
		})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: message})

	return e.call(ctx, messages, schema, formType, opts)
}

func (e *Engine) call(ctx context.Context, messages []llm.Message, schema *domain.FormSchema, formType string, opts Options) *domain.ExtractionResult {
	result := &domain.ExtractionResult{
		ExtractionID: uuid.New().String(),
		Status:       domain.ExtractionPartial,
	}

	provider, err := e.router.GetProvider(opts.Provider)
	if err != nil {
		log.Error().Err(err).Str("provider", opts.Provider).Msg("extraction provider unavailable")
		return result
	}

	temperature := opts.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := provider.CallTool(ctx, llm.ToolRequest{
		Messages:    messages,
		Tool:        BuildTool(schema, formType),
		Temperature: temperature,
	}, opts.Model)
	if err != nil {
		log.Warn().Err(err).Str("form_type", formType).Msg("extraction call failed")
		return result
	}
	if resp.Call == nil {
		log.Warn().Str("form_type", formType).Msg("extraction reply carried no tool call")
		return result
	}

	fields := parseToolCall(resp.Call.Arguments, schema)
	if len(fields) == 0 {
		return result
	}

	var total float64
	for _, f := range fields {
		total += f.Confidence
	}

	result.Fields = fields
	result.Confidence = total / float64(len(fields))
	result.Status = domain.ExtractionComplete
	return result
}

// parseToolCall decodes the tool arguments into typed extracted fields,
// dropping null/empty values and coercing the rest to the schema's types.
func parseToolCall(arguments json.RawMessage, schema *domain.FormSchema) []domain.ExtractedField {
	var payload struct {
		ExtractedFields  map[string]any     `json:"extracted_fields"`
		ConfidenceScores map[string]float64 `json:"confidence_scores"`
	}
	if err := json.Unmarshal(arguments, &payload); err != nil {
		log.Warn().Err(err).Msg("malformed extraction tool arguments")
		return nil
	}

	var fields []domain.ExtractedField
	for _, name := range fieldNames(schema) {
		raw, ok := payload.ExtractedFields[name]
		if !ok || raw == nil {
			continue
		}

		prop := schema.Properties[name]
		value, ok := coerceValue(prop, raw)
		if !ok {
			continue
		}

		confidence, ok := payload.ConfidenceScores[name]
		if !ok {
			confidence = 0.5
		}
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}

		fields = append(fields, domain.ExtractedField{
			FieldName:  name,
			Value:      value,
			Confidence: confidence,
		})
	}
	return fields
}

// coerceValue normalizes a decoded JSON value to the field's declared type.
// Empty values report !ok and are dropped.
func coerceValue(prop domain.FieldSchema, raw any) (any, bool) {
	switch prop.Type {
	case "integer":
		switch v := raw.(type) {
		case float64:
			return int64(v), true
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, false
			}
			return n, true
		}
	case "number":
		switch v := raw.(type) {
		case float64:
			return v, true
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, false
			}
			return f, true
		}
	case "boolean":
		switch v := raw.(type) {
		case bool:
			return v, true
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, false
			}
			return b, true
		}
	case "string":
		if v, ok := raw.(string); ok && v != "" {
			return matchEnum(prop.Enum, v), true
		}
	case "array":
		items, ok := raw.([]any)
		if !ok || len(items) == 0 {
			return nil, false
		}
		var itemEnum []string
		if prop.Items != nil {
			itemEnum = prop.Items.Enum
		}
		var out []string
		for _, item := range items {
			if v, ok := item.(string); ok && v != "" {
				out = append(out, matchEnum(itemEnum, v))
			}
		}
		if len(out) == 0 {
			return nil, false
		}
		return out, true
	}
	return nil, false
}

// matchEnum maps a value onto its canonical enum spelling when one matches
// case-insensitively; otherwise the value passes through unchanged.
func matchEnum(enum []string, value string) string {
	for _, e := range enum {
		if strings.EqualFold(e, value) {
			return e
		}
	}
	return value
}

func previousFieldsNote(previous []domain.ExtractedField) string {
	var b strings.Builder
	b.WriteString("Previously extracted fields:\n")
	for _, f := range previous {
		fmt.Fprintf(&b, "- %s = %v (confidence %.2f)\n", f.FieldName, f.Value, f.Confidence)
	}
	b.WriteString("Report only fields that are new or have changed in the latest message.")
	return b.String()
}

func toLLMRole(role domain.MessageRole) string {
	switch role {
	case domain.RoleAssistant:
		return llm.RoleAssistant
	case domain.RoleSystem:
		return llm.RoleSystem
	default:
		return llm.RoleUser
	}
}
