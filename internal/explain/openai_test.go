package explain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"mm-control-plane/config"
	"mm-control-plane/internal/prediction"
)

func chatServer(t *testing.T, content string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("Expected chat completions path, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
		})
	}))
}

func testExplainer(serverURL string) *OpenAIExplainer {
	e := NewOpenAIExplainer(config.AIConfig{OpenAIAPIKey: "test", Model: "gpt-4o-mini"}, zerolog.Nop())
	e.SetBaseURL(serverURL)
	return e
}

// TestExplainParsesInsight verifies a structured reply round-trips.
func TestExplainParsesInsight(t *testing.T) {
	server := chatServer(t, `{"confidence": 74, "evidence": ["bos confirmed", "volume expanding"], "explanation": "Structure broke upward."}`, http.StatusOK)
	defer server.Close()

	insight, err := testExplainer(server.URL).Explain(context.Background(), prediction.State{
		Signal:     prediction.SignalUp,
		Confidence: 70,
	}, nil)
	if err != nil {
		t.Fatalf("Expected insight, got %v", err)
	}
	if insight.Confidence != 74 {
		t.Errorf("Expected confidence 74, got %v", insight.Confidence)
	}
	if len(insight.Evidence) != 2 {
		t.Errorf("Expected 2 evidence items, got %v", insight.Evidence)
	}
	if insight.Explanation == "" {
		t.Errorf("Expected explanation text")
	}
}

// TestExplainStripsCodeFence verifies fenced JSON still parses.
func TestExplainStripsCodeFence(t *testing.T) {
	server := chatServer(t, "```json\n{\"confidence\": 120, \"evidence\": [], \"explanation\": \"x\"}\n```", http.StatusOK)
	defer server.Close()

	insight, err := testExplainer(server.URL).Explain(context.Background(), prediction.State{}, nil)
	if err != nil {
		t.Fatalf("Expected insight, got %v", err)
	}
	if insight.Confidence != 100 {
		t.Errorf("Expected confidence clamped to 100, got %v", insight.Confidence)
	}
}

// TestExplainAPIError verifies non-2xx surfaces as an error so the
// caller falls back to the local explanation.
func TestExplainAPIError(t *testing.T) {
	server := chatServer(t, "", http.StatusTooManyRequests)
	defer server.Close()

	if _, err := testExplainer(server.URL).Explain(context.Background(), prediction.State{}, nil); err == nil {
		t.Errorf("Expected error on API failure")
	}
}

// TestExplainGarbageContent verifies malformed model output is an
// error, not a zero-value insight.
func TestExplainGarbageContent(t *testing.T) {
	server := chatServer(t, "the market looks bullish", http.StatusOK)
	defer server.Close()

	if _, err := testExplainer(server.URL).Explain(context.Background(), prediction.State{}, nil); err == nil {
		t.Errorf("Expected error on non-JSON content")
	}
}

// TestExplainerTag verifies the model-version tag.
func TestExplainerTag(t *testing.T) {
	e := NewOpenAIExplainer(config.AIConfig{}, zerolog.Nop())
	if e.Tag() != "openai-explain-v1" {
		t.Errorf("Expected openai-explain-v1, got %s", e.Tag())
	}
}
