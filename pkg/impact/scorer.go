// Package impact predicts the governance impact of a message as a
// scalar in [0,1]. The processor consumes the Scorer interface and
// never branches on backend identity; a keyword backend provides the
// deterministic floor and an optional ML backend can sit in front of
// it with a latency budget.
package impact

import (
	"context"
	"time"

	"github.com/acgs2/agentbus/pkg/contracts"
)

// DefaultBudget bounds a remote scorer call before falling back.
const DefaultBudget = 10 * time.Millisecond

// Scorer predicts impact for a batch of messages. The returned slice
// is positionally aligned with the input. Scores outside [0,1] and
// NaN are the caller's problem to route fail-safe.
type Scorer interface {
	ScoreBatch(ctx context.Context, msgs []*contracts.Message) ([]float64, error)
}

// ScoreOne scores a single message through the batch API.
func ScoreOne(ctx context.Context, s Scorer, msg *contracts.Message) (float64, error) {
	scores, err := s.ScoreBatch(ctx, []*contracts.Message{msg})
	if err != nil {
		return 0, err
	}
	return scores[0], nil
}
