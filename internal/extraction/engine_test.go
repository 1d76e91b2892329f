package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/embedkit/widget-gateway/internal/domain"
	"github.com/embedkit/widget-gateway/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider answers every tool call with fixed arguments
type stubProvider struct {
	args    json.RawMessage
	err     error
	noCall  bool
	lastReq llm.ToolRequest
}

func (p *stubProvider) Name() string              { return "stub" }
func (p *stubProvider) AvailableModels() []string { return []string{"stub-1"} }
func (p *stubProvider) DefaultModel() string      { return "stub-1" }
func (p *stubProvider) IsConfigured() bool        { return true }

func (p *stubProvider) StreamChat(context.Context, llm.ChatRequest, string) (llm.Stream, error) {
	return nil, errors.New("not implemented")
}

func (p *stubProvider) CallTool(_ context.Context, req llm.ToolRequest, _ string) (*llm.ToolResponse, error) {
	p.lastReq = req
	if p.err != nil {
		return nil, p.err
	}
	if p.noCall {
		return &llm.ToolResponse{Model: "stub-1"}, nil
	}
	return &llm.ToolResponse{
		Call:  &llm.ToolCall{Name: req.Tool.Name, Arguments: p.args},
		Model: "stub-1",
	}, nil
}

func newTestEngine(p *stubProvider) *Engine {
	router := llm.NewRouter("stub")
	router.RegisterProvider(p)
	return NewEngine(router, 2*time.Second)
}

func ageSchema() *domain.FormSchema {
	return &domain.FormSchema{
		Properties: map[string]domain.FieldSchema{
			"age": {Type: "integer", Title: "Age"},
		},
	}
}

func opts() Options {
	return Options{Provider: "stub"}
}

func TestExtractExplicitValue(t *testing.T) {
	provider := &stubProvider{args: json.RawMessage(`{"extracted_fields":{"age":65},"confidence_scores":{"age":1.0}}`)}
	engine := newTestEngine(provider)

	turns := []domain.ChatMessage{{Role: domain.RoleUser, Content: "I am 65 years old"}}
	result := engine.Extract(context.Background(), turns, ageSchema(), "intake", opts())

	require.Len(t, result.Fields, 1)
	assert.Equal(t, "age", result.Fields[0].FieldName)
	assert.Equal(t, int64(65), result.Fields[0].Value)
	assert.Equal(t, 1.0, result.Fields[0].Confidence)
	assert.Equal(t, domain.ExtractionComplete, result.Status)
	assert.Equal(t, 1.0, result.Confidence)
}

func TestExtractDropsNullAndEmptyValues(t *testing.T) {
	schema := &domain.FormSchema{
		Properties: map[string]domain.FieldSchema{
			"age":  {Type: "integer"},
			"name": {Type: "string"},
		},
	}
	provider := &stubProvider{args: json.RawMessage(`{"extracted_fields":{"age":null,"name":""},"confidence_scores":{}}`)}
	engine := newTestEngine(provider)

	result := engine.Extract(context.Background(), nil, schema, "intake", opts())

	assert.Empty(t, result.Fields)
	assert.Equal(t, domain.ExtractionPartial, result.Status)
	assert.Equal(t, 0.0, result.Confidence)
	assert.NotEmpty(t, result.ExtractionID)
}

func TestExtractAggregatesMeanConfidence(t *testing.T) {
	schema := &domain.FormSchema{
		Properties: map[string]domain.FieldSchema{
			"age":  {Type: "integer"},
			"city": {Type: "string"},
		},
	}
	provider := &stubProvider{args: json.RawMessage(`{"extracted_fields":{"age":40,"city":"Oslo"},"confidence_scores":{"age":1.0,"city":0.5}}`)}
	engine := newTestEngine(provider)

	result := engine.Extract(context.Background(), nil, schema, "intake", opts())

	require.Len(t, result.Fields, 2)
	assert.Equal(t, 0.75, result.Confidence)
	assert.Equal(t, domain.ExtractionComplete, result.Status)
}

func TestExtractProviderFailureDegradesToEmptyResult(t *testing.T) {
	provider := &stubProvider{err: errors.New("upstream exploded")}
	engine := newTestEngine(provider)

	result := engine.Extract(context.Background(), nil, ageSchema(), "intake", opts())

	assert.Empty(t, result.Fields)
	assert.Equal(t, domain.ExtractionPartial, result.Status)
	assert.Equal(t, 0.0, result.Confidence)
}

func TestExtractNoToolCallDegradesToEmptyResult(t *testing.T) {
	provider := &stubProvider{noCall: true}
	engine := newTestEngine(provider)

	result := engine.Extract(context.Background(), nil, ageSchema(), "intake", opts())

	assert.Empty(t, result.Fields)
	assert.Equal(t, domain.ExtractionPartial, result.Status)
}

func TestExtractMissingConfidenceDefaultsAndClamps(t *testing.T) {
	schema := &domain.FormSchema{
		Properties: map[string]domain.FieldSchema{
			"age":  {Type: "integer"},
			"city": {Type: "string"},
		},
	}
	provider := &stubProvider{args: json.RawMessage(`{"extracted_fields":{"age":30,"city":"Lyon"},"confidence_scores":{"city":7}}`)}
	engine := newTestEngine(provider)

	result := engine.Extract(context.Background(), nil, schema, "intake", opts())

	require.Len(t, result.Fields, 2)
	byName := map[string]domain.ExtractedField{}
	for _, f := range result.Fields {
		byName[f.FieldName] = f
	}
	assert.Equal(t, 0.5, byName["age"].Confidence)
	assert.Equal(t, 1.0, byName["city"].Confidence)
}

func TestExtractFromMessageCarriesPreviousFields(t *testing.T) {
	provider := &stubProvider{args: json.RawMessage(`{"extracted_fields":{},"confidence_scores":{}}`)}
	engine := newTestEngine(provider)

	previous := []domain.ExtractedField{{FieldName: "age", Value: int64(65), Confidence: 1.0}}
	engine.ExtractFromMessage(context.Background(), "and I live in Lyon", previous, ageSchema(), "intake", opts())

	require.GreaterOrEqual(t, len(provider.lastReq.Messages), 3)
	note := provider.lastReq.Messages[1]
	assert.Equal(t, llm.RoleSystem, note.Role)
	assert.Contains(t, note.Content, "age = 65")
	assert.Contains(t, note.Content, "new or have changed")
	assert.Equal(t, "and I live in Lyon", provider.lastReq.Messages[2].Content)
}

func TestCoerceValue(t *testing.T) {
	t.Run("integer from string", func(t *testing.T) {
		v, ok := coerceValue(domain.FieldSchema{Type: "integer"}, "65")
		require.True(t, ok)
		assert.Equal(t, int64(65), v)
	})

	t.Run("integer from garbage string", func(t *testing.T) {
		_, ok := coerceValue(domain.FieldSchema{Type: "integer"}, "sixty-five")
		assert.False(t, ok)
	})

	t.Run("boolean from string", func(t *testing.T) {
		v, ok := coerceValue(domain.FieldSchema{Type: "boolean"}, "true")
		require.True(t, ok)
		assert.Equal(t, true, v)
	})

	t.Run("enum canonicalization", func(t *testing.T) {
		v, ok := coerceValue(domain.FieldSchema{Type: "string", Enum: []string{"dental", "vision"}}, "DENTAL")
		require.True(t, ok)
		assert.Equal(t, "dental", v)
	})

	t.Run("string outside enum passes through", func(t *testing.T) {
		v, ok := coerceValue(domain.FieldSchema{Type: "string", Enum: []string{"dental"}}, "chiropractic")
		require.True(t, ok)
		assert.Equal(t, "chiropractic", v)
	})

	t.Run("array of enum", func(t *testing.T) {
		prop := domain.FieldSchema{
			Type:  "array",
			Items: &domain.FieldSchema{Type: "string", Enum: []string{"dental", "vision"}},
		}
		v, ok := coerceValue(prop, []any{"Vision", "dental"})
		require.True(t, ok)
		assert.Equal(t, []string{"vision", "dental"}, v)
	})

	t.Run("empty array dropped", func(t *testing.T) {
		_, ok := coerceValue(domain.FieldSchema{Type: "array"}, []any{})
		assert.False(t, ok)
	})
}
