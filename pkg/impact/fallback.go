package impact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/acgs2/agentbus/pkg/contracts"
)

// RemoteScorer calls a pre-compiled classifier over HTTP. It is never
// used bare by the processor; wrap it in a FallbackScorer so a slow or
// failing model degrades to the keyword backend.
type RemoteScorer struct {
	url    string
	client *http.Client
}

// NewRemoteScorer points at a scoring endpoint.
func NewRemoteScorer(url string, timeout time.Duration) *RemoteScorer {
	if timeout <= 0 {
		timeout = DefaultBudget
	}
	return &RemoteScorer{url: url, client: &http.Client{Timeout: timeout}}
}

type scoreRequest struct {
	Messages []*contracts.Message `json:"messages"`
}

type scoreResponse struct {
	Scores []float64 `json:"scores"`
}

// ScoreBatch implements Scorer.
func (s *RemoteScorer) ScoreBatch(ctx context.Context, msgs []*contracts.Message) ([]float64, error) {
	payload, err := json.Marshal(scoreRequest{Messages: msgs})
	if err != nil {
		return nil, fmt.Errorf("impact: marshal batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("impact: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("impact: scorer call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("impact: scorer returned HTTP %d", resp.StatusCode)
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("impact: decode scores: %w", err)
	}
	if len(out.Scores) != len(msgs) {
		return nil, fmt.Errorf("impact: scorer returned %d scores for %d messages", len(out.Scores), len(msgs))
	}
	return out.Scores, nil
}

// FallbackScorer tries the primary backend inside a latency budget and
// falls back to the secondary on error or budget exhaustion. Falling
// back is expected degradation, not a security signal; no event is
// emitted.
type FallbackScorer struct {
	primary   Scorer
	secondary Scorer
	budget    time.Duration
}

// NewFallbackScorer wires primary-with-fallback scoring. A zero budget
// uses the 10ms default.
func NewFallbackScorer(primary, secondary Scorer, budget time.Duration) *FallbackScorer {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &FallbackScorer{primary: primary, secondary: secondary, budget: budget}
}

// ScoreBatch implements Scorer.
func (s *FallbackScorer) ScoreBatch(ctx context.Context, msgs []*contracts.Message) ([]float64, error) {
	budgeted, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	scores, err := s.primary.ScoreBatch(budgeted, msgs)
	if err == nil {
		return scores, nil
	}
	return s.secondary.ScoreBatch(ctx, msgs)
}
