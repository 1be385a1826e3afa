// Package gemini implements the model.LLM contract for Google Gemini
// models via the official google.golang.org/genai SDK.
package gemini

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"iter"

	"google.golang.org/genai"

	"github.com/autarch-dev/autarch/pkg/model"
)

// Config configures the Gemini model.
type Config struct {
	// APIKey is the Google AI API key.
	APIKey string

	// Model is the model name (e.g. "gemini-2.0-flash").
	Model string

	// MaxTokens limits the response length.
	MaxTokens int

	// Temperature controls randomness (0-2).
	Temperature *float64
}

type geminiModel struct {
	client *genai.Client
	name   string
	config Config
}

// New creates a new Gemini model instance.
func New(cfg Config) (model.LLM, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &geminiModel{
		client: client,
		name:   cfg.Model,
		config: cfg,
	}, nil
}

// Name returns the model identifier.
func (m *geminiModel) Name() string {
	return m.name
}

// Close releases resources.
func (m *geminiModel) Close() error {
	return nil
}

// Stream produces one assistant turn as a StreamEvent sequence.
func (m *geminiModel) Stream(ctx context.Context, req *model.Request) iter.Seq2[*model.StreamEvent, error] {
	return func(yield func(*model.StreamEvent, error) bool) {
		contents, systemInstruction := m.buildRequest(req)
		config := m.buildConfig(systemInstruction, req.Tools)

		var (
			usage          model.Usage
			stopReason     = model.StopReasonEndTurn
			thinkingBuffer string
			emittedCallIDs = make(map[string]bool)
		)

		for genResp, err := range m.client.Models.GenerateContentStream(ctx, m.name, contents, config) {
			if err != nil {
				yield(nil, &model.ProviderError{Provider: "gemini", Err: err})
				return
			}

			if genResp.UsageMetadata != nil {
				usage = model.Usage{
					PromptTokens:     int(genResp.UsageMetadata.PromptTokenCount),
					CompletionTokens: int(genResp.UsageMetadata.CandidatesTokenCount),
					CacheReadTokens:  int(genResp.UsageMetadata.CachedContentTokenCount),
				}
			}

			if len(genResp.Candidates) == 0 {
				continue
			}
			candidate := genResp.Candidates[0]

			if candidate.FinishReason == genai.FinishReasonMaxTokens {
				stopReason = model.StopReasonMaxTokens
			}

			if candidate.Content == nil {
				continue
			}

			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					kind := model.EventTextDelta
					if part.Thought {
						kind = model.EventThinkingDelta
						thinkingBuffer += part.Text
					}
					if !yield(&model.StreamEvent{Kind: kind, Text: part.Text}, nil) {
						return
					}
				}

				if part.FunctionCall != nil {
					callID := part.FunctionCall.ID
					if callID == "" {
						// Gemini may omit call ids; derive a stable one
						// so repeated chunks deduplicate.
						callID = stableCallID(part.FunctionCall.Name, part.FunctionCall.Args)
					}
					if emittedCallIDs[callID] {
						continue
					}
					emittedCallIDs[callID] = true
					stopReason = model.StopReasonToolUse

					ev := &model.StreamEvent{
						Kind: model.EventToolCall,
						ToolCall: &model.ToolCall{
							ID:   callID,
							Name: part.FunctionCall.Name,
							Args: part.FunctionCall.Args,
						},
					}
					if !yield(ev, nil) {
						return
					}
				}
			}
		}

		done := &model.StreamEvent{
			Kind:       model.EventDone,
			Usage:      &usage,
			StopReason: stopReason,
		}
		if thinkingBuffer != "" {
			done.Thinking = &model.Thinking{Content: thinkingBuffer}
		}
		yield(done, nil)
	}
}

// stableCallID derives a deterministic id from a call's name and args.
func stableCallID(name string, args map[string]any) string {
	data, _ := json.Marshal(map[string]any{"name": name, "args": args})
	hash := sha256.Sum256(data)
	return fmt.Sprintf("call-%x", hash[:16])
}

// buildRequest converts a model.Request to Gemini contents.
func (m *geminiModel) buildRequest(req *model.Request) ([]*genai.Content, *genai.Content) {
	var systemInstruction *genai.Content
	if req.System != "" {
		systemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
			Role:  "user",
		}
	}

	var contents []*genai.Content
	for _, msg := range req.Messages {
		var parts []*genai.Part

		if msg.Text != "" {
			parts = append(parts, &genai.Part{Text: msg.Text})
		}
		for _, tc := range msg.ToolCalls {
			parts = append(parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Name,
					Args: tc.Args,
				},
			})
		}
		for _, tr := range msg.ToolResults {
			parts = append(parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					ID:       tr.ToolCallID,
					Name:     tr.Name,
					Response: map[string]any{"result": tr.Content},
				},
			})
		}

		if len(parts) == 0 {
			continue
		}

		role := "user"
		if msg.Role == model.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Parts: parts, Role: role})
	}

	return contents, systemInstruction
}

// buildConfig creates the Gemini generation config.
func (m *geminiModel) buildConfig(systemInstruction *genai.Content, tools []model.ToolDefinition) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		SystemInstruction: systemInstruction,
	}

	if m.config.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*m.config.Temperature))
	}
	if m.config.MaxTokens > 0 {
		config.MaxOutputTokens = int32(m.config.MaxTokens)
	}

	for _, t := range tools {
		config.Tools = append(config.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{
				{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  toGenaiSchema(t.Parameters),
				},
			},
		})
	}

	return config
}

// toGenaiSchema converts a JSON schema to the Gemini schema type.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}

	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if required, ok := schema["required"].([]string); ok {
		s.Required = append(s.Required, required...)
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}

	return s
}

// Ensure geminiModel implements model.LLM
var _ model.LLM = (*geminiModel)(nil)
