package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"mm-control-plane/internal/prediction"
)

var errSidecarDisabled = errors.New("python sidecar disabled")

// SidecarRequest is the wire contract for POST /v1/strategies/run.
type SidecarRequest struct {
	StrategyType string         `json:"strategyType"`
	Config       map[string]any `json:"config,omitempty"`
	Context      SidecarContext `json:"context"`
	ConfigHash   string         `json:"configHash"`
	SnapshotHash string         `json:"snapshotHash"`
}

// SidecarContext is the evaluation context sent to the sidecar.
type SidecarContext struct {
	Signal          string              `json:"signal"`
	Confidence      float64             `json:"confidence"`
	FeatureSnapshot prediction.Snapshot `json:"featureSnapshot,omitempty"`
}

// SidecarConfig tunes the client.
type SidecarConfig struct {
	Enabled             bool
	URL                 string
	Timeout             time.Duration
	ConsecutiveFailures uint32
	CooldownMs          int
}

// SidecarClient dispatches python strategy runs over HTTP behind a
// circuit breaker. While the breaker is open, calls fail fast so the
// registry falls back immediately.
type SidecarClient struct {
	cfg     SidecarConfig
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// NewSidecarClient builds the client. Timeout is expected to arrive
// already bounded by configuration (200ms to 10s).
func NewSidecarClient(cfg SidecarConfig, log zerolog.Logger) *SidecarClient {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 3
	}
	if cfg.CooldownMs <= 0 {
		cfg.CooldownMs = 30_000
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "python-sidecar",
		Timeout: time.Duration(cfg.CooldownMs) * time.Millisecond,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
	})
	return &SidecarClient{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		log:     log.With().Str("component", "python_sidecar").Logger(),
	}
}

// Enabled reports whether dispatch is configured.
func (c *SidecarClient) Enabled() bool {
	return c != nil && c.cfg.Enabled && c.cfg.URL != ""
}

// Run posts one strategy run. Returns gobreaker.ErrOpenState while the
// breaker is open.
func (c *SidecarClient) Run(ctx context.Context, req SidecarRequest) (*Decision, error) {
	if !c.Enabled() {
		return nil, errSidecarDisabled
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Decision), nil
}

func (c *SidecarClient) post(ctx context.Context, req SidecarRequest) (*Decision, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal sidecar request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/v1/strategies/run", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sidecar call: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read sidecar response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sidecar status %d: %s", resp.StatusCode, truncate(string(payload), 200))
	}

	var d Decision
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("decode sidecar response: %w", err)
	}
	return &d, nil
}

// reasonForSidecarError maps transport failures to the dispatch reason
// attached to the fallback decision.
func reasonForSidecarError(err error) string {
	switch {
	case errors.Is(err, errSidecarDisabled):
		return ""
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return ReasonPythonCircuitOpen
	default:
		return ReasonPythonCallFailed
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
