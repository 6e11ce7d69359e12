package providers

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiConfig configures the gemini adapter.
type GeminiConfig struct {
	APIKey string
	Model  string
}

// GeminiAdapter speaks the Google Gen AI protocol.
type GeminiAdapter struct {
	client *genai.Client
	config GeminiConfig
}

func NewGemini(ctx context.Context, config GeminiConfig) (*GeminiAdapter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: config.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiAdapter{client: client, config: config}, nil
}

func (a *GeminiAdapter) Name() string { return "gemini" }

func (a *GeminiAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	model, contents, config := a.buildParams(req)

	resp, err := a.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini complete: %w", err)
	}

	response := &Response{
		Content:    resp.Text(),
		Model:      model,
		StopReason: StopReasonEndTurn,
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
		response.StopReason = StopReasonMaxTokens
	}
	if resp.UsageMetadata != nil {
		response.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return response, nil
}

func (a *GeminiAdapter) Stream(ctx context.Context, req Request, handler StreamHandler) error {
	model, contents, config := a.buildParams(req)

	var usage Usage
	stopReason := StopReasonEndTurn

	for resp, err := range a.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			return fmt.Errorf("gemini stream: %w", err)
		}
		if resp == nil {
			continue
		}

		if resp.UsageMetadata != nil {
			usage = Usage{
				InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
				OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
			}
		}

		for _, cand := range resp.Candidates {
			if cand.FinishReason == genai.FinishReasonMaxTokens {
				stopReason = StopReasonMaxTokens
			}
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part.Text == "" {
					continue
				}
				if err := handler(StreamChunk{Text: part.Text}); err != nil {
					return err
				}
			}
		}
	}

	return handler(StreamChunk{Final: true, StopReason: stopReason, Usage: &usage})
}

func (a *GeminiAdapter) buildParams(req Request) (string, []*genai.Content, *genai.GenerateContentConfig) {
	model := req.Model
	if model == "" {
		model = a.config.Model
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}

	config := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}
	if req.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	return model, contents, config
}
