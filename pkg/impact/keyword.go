package impact

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/acgs2/agentbus/pkg/contracts"
)

// Default token weights. Destructive or irreversible operations carry
// full weight, privileged mutations 0.8, routine mutations 0.5.
var defaultWeights = map[string]float64{
	"delete":       1.0,
	"destroy":      1.0,
	"drop":         1.0,
	"shutdown":     1.0,
	"terminate":    1.0,
	"revoke":       1.0,
	"override":     1.0,
	"constitution": 1.0,

	"deploy":   0.8,
	"grant":    0.8,
	"escalate": 0.8,
	"payment":  0.8,
	"transfer": 0.8,
	"rotate":   0.8,
	"admin":    0.8,

	"update":  0.5,
	"create":  0.5,
	"modify":  0.5,
	"write":   0.5,
	"config":  0.5,
	"restart": 0.5,
}

// KeywordScorer is the deterministic fallback backend. It sums the
// weights of matched tokens over the message text and squashes the
// sum into [0,1) with a logistic curve anchored at zero.
type KeywordScorer struct {
	weights map[string]float64
}

// NewKeywordScorer builds a scorer. Nil weights use the defaults.
func NewKeywordScorer(weights map[string]float64) *KeywordScorer {
	if weights == nil {
		weights = defaultWeights
	}
	return &KeywordScorer{weights: weights}
}

// ScoreBatch implements Scorer.
func (s *KeywordScorer) ScoreBatch(_ context.Context, msgs []*contracts.Message) ([]float64, error) {
	scores := make([]float64, len(msgs))
	for i, msg := range msgs {
		scores[i] = s.score(msg)
	}
	return scores, nil
}

func (s *KeywordScorer) score(msg *contracts.Message) float64 {
	text := strings.ToLower(messageText(msg))
	sum := 0.0
	for token, weight := range s.weights {
		if strings.Contains(text, token) {
			sum += weight
		}
	}
	// COMMANDs start above the floor; they mutate by definition.
	if msg.Type == contracts.MessageCommand {
		sum += 0.3
	}
	return squash(sum)
}

// squash maps an additive sum in [0, inf) onto [0, 1), with
// squash(0) = 0 and squash(1) ≈ 0.46.
func squash(x float64) float64 {
	return 2/(1+math.Exp(-x)) - 1
}

// messageText flattens the scoreable surface of a message.
func messageText(msg *contracts.Message) string {
	var b strings.Builder
	b.WriteString(string(msg.Type))
	for k, v := range msg.Payload {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte(' ')
		b.WriteString(fmt.Sprint(v))
	}
	return b.String()
}
