package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/embedkit/widget-gateway/internal/llm"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Provider implements llm.Provider for Google Gemini
type Provider struct {
	apiKey string
	model  string
}

// NewProvider creates a new Gemini provider
func NewProvider(apiKey, model string) *Provider {
	return &Provider{
		apiKey: apiKey,
		model:  model,
	}
}

func (p *Provider) Name() string {
	return "gemini"
}

func (p *Provider) AvailableModels() []string {
	return []string{
		"gemini-2.5-flash",
		"gemini-1.5-flash",
		"gemini-1.5-pro",
	}
}

func (p *Provider) DefaultModel() string {
	if p.model != "" {
		return p.model
	}
	return "gemini-2.5-flash"
}

func (p *Provider) IsConfigured() bool {
	return p.apiKey != ""
}

// StreamChat starts a streamed chat completion
func (p *Provider) StreamChat(ctx context.Context, req llm.ChatRequest, model string) (llm.Stream, error) {
	generativeModel, client, err := p.prepare(ctx, req.Messages, model, req.Temperature)
	if err != nil {
		return nil, err
	}

	history, lastContent := splitHistory(req.Messages)

	chat := generativeModel.StartChat()
	chat.History = history

	iter := chat.SendMessageStream(ctx, genai.Text(lastContent))

	return &geminiStream{iter: iter, client: client}, nil
}

// CallTool issues a completion constrained to invoke exactly one tool
func (p *Provider) CallTool(ctx context.Context, req llm.ToolRequest, model string) (*llm.ToolResponse, error) {
	generativeModel, client, err := p.prepare(ctx, req.Messages, model, req.Temperature)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	generativeModel.Tools = []*genai.Tool{{
		FunctionDeclarations: []*genai.FunctionDeclaration{{
			Name:        req.Tool.Name,
			Description: req.Tool.Description,
			Parameters:  toGenaiSchema(req.Tool.Parameters),
		}},
	}}
	generativeModel.ToolConfig = &genai.ToolConfig{
		FunctionCallingConfig: &genai.FunctionCallingConfig{
			Mode:                 genai.FunctionCallingAny,
			AllowedFunctionNames: []string{req.Tool.Name},
		},
	}

	history, lastContent := splitHistory(req.Messages)
	chat := generativeModel.StartChat()
	chat.History = history

	start := time.Now()
	resp, err := chat.SendMessage(ctx, genai.Text(lastContent))
	if err != nil {
		return nil, fmt.Errorf("gemini generation error: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("empty response from gemini")
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		call, ok := part.(genai.FunctionCall)
		if !ok {
			continue
		}
		args, err := json.Marshal(call.Args)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal function args: %w", err)
		}

		tokensUsed := 0
		if resp.UsageMetadata != nil {
			tokensUsed = int(resp.UsageMetadata.TotalTokenCount)
		}

		return &llm.ToolResponse{
			Call:       &llm.ToolCall{Name: call.Name, Arguments: args},
			Model:      p.modelOrDefault(model),
			TokensUsed: tokensUsed,
			LatencyMs:  time.Since(start).Milliseconds(),
		}, nil
	}

	return nil, fmt.Errorf("gemini response contains no function call")
}

func (p *Provider) prepare(ctx context.Context, messages []llm.Message, model string, temperature float64) (*genai.GenerativeModel, *genai.Client, error) {
	if !p.IsConfigured() {
		return nil, nil, fmt.Errorf("gemini provider is not configured (missing API key)")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(p.apiKey))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	generativeModel := client.GenerativeModel(p.modelOrDefault(model))
	temp := float32(temperature)
	generativeModel.Temperature = &temp

	// System prompts travel as a system instruction, not chat history
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			generativeModel.SystemInstruction = &genai.Content{
				Parts: []genai.Part{genai.Text(m.Content)},
			}
			break
		}
	}

	return generativeModel, client, nil
}

func (p *Provider) modelOrDefault(model string) string {
	if model == "" {
		return p.DefaultModel()
	}
	return model
}

// splitHistory converts prompt messages into gemini chat history plus the
// final user message. System messages are carried separately.
func splitHistory(messages []llm.Message) ([]*genai.Content, string) {
	var turns []llm.Message
	for _, m := range messages {
		if m.Role != llm.RoleSystem {
			turns = append(turns, m)
		}
	}
	if len(turns) == 0 {
		return nil, ""
	}

	last := turns[len(turns)-1]
	history := make([]*genai.Content, 0, len(turns)-1)
	for _, m := range turns[:len(turns)-1] {
		role := "user"
		if m.Role == llm.RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}
	return history, last.Content
}

func toGenaiSchema(s *llm.ToolSchema) *genai.Schema {
	if s == nil {
		return nil
	}

	out := &genai.Schema{
		Description: s.Description,
		Enum:        s.Enum,
		Required:    s.Required,
	}

	switch s.Type {
	case "object":
		out.Type = genai.TypeObject
	case "array":
		out.Type = genai.TypeArray
	case "integer":
		out.Type = genai.TypeInteger
	case "number":
		out.Type = genai.TypeNumber
	case "boolean":
		out.Type = genai.TypeBoolean
	default:
		out.Type = genai.TypeString
	}

	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = toGenaiSchema(prop)
		}
	}
	if s.Items != nil {
		out.Items = toGenaiSchema(s.Items)
	}

	return out
}

// geminiStream adapts the SDK response iterator to llm.Stream
type geminiStream struct {
	iter   *genai.GenerateContentResponseIterator
	client *genai.Client
}

func (s *geminiStream) Recv() (string, error) {
	resp, err := s.iter.Next()
	if err == iterator.Done {
		return "", io.EOF
	}
	if err != nil {
		return "", fmt.Errorf("gemini stream error: %w", err)
	}

	var out string
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if text, ok := part.(genai.Text); ok {
				out += string(text)
			}
		}
	}
	return out, nil
}

func (s *geminiStream) Close() error {
	s.client.Close()
	return nil
}
