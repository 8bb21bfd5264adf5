// Package explain produces natural-language explanations of prediction
// states through an OpenAI-compatible chat endpoint.
package explain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"mm-control-plane/config"
	"mm-control-plane/internal/prediction"
)

const (
	defaultBaseURL = "https://api.openai.com"
	defaultModel   = "gpt-4o-mini"
	explainerTag   = "openai-explain-v1"
)

const systemPrompt = `You are a crypto market-structure analyst. Given a prediction state
(signal, confidence, tags, feature snapshot) and optionally the previous
state, reply with strict JSON:
{"confidence": <0-100>, "evidence": [<up to 5 short strings>], "explanation": <2-3 sentences>}`

// OpenAIExplainer implements the prediction explainer against the chat
// completions API.
type OpenAIExplainer struct {
	client *resty.Client
	model  string
	log    zerolog.Logger
}

func NewOpenAIExplainer(cfg config.AIConfig, log zerolog.Logger) *OpenAIExplainer {
	timeout := cfg.ExplainTimeout
	if timeout <= 0 {
		timeout = 12 * time.Second
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	client := resty.New().
		SetBaseURL(defaultBaseURL).
		SetTimeout(timeout).
		SetAuthToken(cfg.OpenAIAPIKey)
	return &OpenAIExplainer{
		client: client,
		model:  model,
		log:    log.With().Str("component", "explainer").Logger(),
	}
}

// SetBaseURL overrides the API host, used by tests and proxies.
func (e *OpenAIExplainer) SetBaseURL(url string) {
	e.client.SetBaseURL(url)
}

func (e *OpenAIExplainer) Tag() string { return explainerTag }

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat *respFormat   `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Explain asks the model for a structured insight about the new state.
func (e *OpenAIExplainer) Explain(ctx context.Context, state prediction.State, prev *prediction.State) (*prediction.AiInsight, error) {
	userContent, err := buildUserContent(state, prev)
	if err != nil {
		return nil, err
	}

	var out chatResponse
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model: e.model,
			Messages: []chatMessage{
				{Role: "system", Content: systemPrompt},
				{Role: "user", Content: userContent},
			},
			Temperature:    0.2,
			ResponseFormat: &respFormat{Type: "json_object"},
		}).
		SetResult(&out).
		Post("/v1/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("explain call: %w", err)
	}
	if resp.IsError() {
		if out.Error != nil {
			return nil, fmt.Errorf("explain call: %s", out.Error.Message)
		}
		return nil, fmt.Errorf("explain call: status %d", resp.StatusCode())
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("explain call: empty response")
	}
	return parseInsight(out.Choices[0].Message.Content)
}

func buildUserContent(state prediction.State, prev *prediction.State) (string, error) {
	payload := map[string]any{
		"signal":          state.Signal,
		"confidence":      state.Confidence,
		"expectedMovePct": state.ExpectedMovePct,
		"tags":            state.Tags,
		"featureSnapshot": state.FeatureSnapshot,
	}
	if prev != nil {
		payload["previous"] = map[string]any{
			"signal":     prev.Signal,
			"confidence": prev.Confidence,
			"tags":       prev.Tags,
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode explain payload: %w", err)
	}
	return string(raw), nil
}

func parseInsight(content string) (*prediction.AiInsight, error) {
	// Some models wrap JSON in a code fence despite json_object mode.
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var insight prediction.AiInsight
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &insight); err != nil {
		return nil, fmt.Errorf("decode insight: %w", err)
	}
	if insight.Confidence < 0 {
		insight.Confidence = 0
	}
	if insight.Confidence > 100 {
		insight.Confidence = 100
	}
	return &insight, nil
}
