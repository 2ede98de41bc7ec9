package impact

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/acgs2/agentbus/pkg/contracts"
)

func TestRemoteScorer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"scores":[0.42,0.9]}`))
	}))
	defer srv.Close()

	s := NewRemoteScorer(srv.URL, time.Second)
	msgs := []*contracts.Message{
		contracts.NewMessage(contracts.MessageQuery, "a", "b", nil),
		contracts.NewMessage(contracts.MessageCommand, "a", "b", nil),
	}
	scores, err := s.ScoreBatch(context.Background(), msgs)
	if err != nil {
		t.Fatal(err)
	}
	if len(scores) != 2 || scores[0] != 0.42 || scores[1] != 0.9 {
		t.Fatalf("scores = %v", scores)
	}
}

func TestRemoteScorerCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"scores":[0.42]}`))
	}))
	defer srv.Close()

	s := NewRemoteScorer(srv.URL, time.Second)
	msgs := []*contracts.Message{
		contracts.NewMessage(contracts.MessageQuery, "a", "b", nil),
		contracts.NewMessage(contracts.MessageQuery, "a", "b", nil),
	}
	if _, err := s.ScoreBatch(context.Background(), msgs); err == nil {
		t.Fatal("mismatched score count accepted")
	}
}

type errScorer struct{}

func (errScorer) ScoreBatch(context.Context, []*contracts.Message) ([]float64, error) {
	return nil, context.DeadlineExceeded
}

type slowScorer struct{ delay time.Duration }

func (s slowScorer) ScoreBatch(ctx context.Context, msgs []*contracts.Message) ([]float64, error) {
	select {
	case <-time.After(s.delay):
		out := make([]float64, len(msgs))
		for i := range out {
			out[i] = 0.99
		}
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestFallbackOnPrimaryError(t *testing.T) {
	fb := NewFallbackScorer(errScorer{}, NewKeywordScorer(nil), 50*time.Millisecond)
	msg := contracts.NewMessage(contracts.MessageCommand, "a", "b",
		map[string]any{"action": "delete"})

	score, err := ScoreOne(context.Background(), fb, msg)
	if err != nil {
		t.Fatal(err)
	}
	if score <= 0 {
		t.Fatalf("fallback score = %v, want keyword result", score)
	}
}

func TestFallbackOnBudgetExhaustion(t *testing.T) {
	fb := NewFallbackScorer(slowScorer{delay: time.Second}, NewKeywordScorer(nil), 20*time.Millisecond)
	msg := contracts.NewMessage(contracts.MessageQuery, "a", "b", nil)

	start := time.Now()
	score, err := ScoreOne(context.Background(), fb, msg)
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("fallback took %v, budget was 20ms", elapsed)
	}
	if score != 0 {
		t.Fatalf("keyword fallback for benign query = %v, want 0", score)
	}
}

func TestPrimaryWinsWhenHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"scores":[0.77]}`))
	}))
	defer srv.Close()

	fb := NewFallbackScorer(NewRemoteScorer(srv.URL, time.Second), NewKeywordScorer(nil), time.Second)
	msg := contracts.NewMessage(contracts.MessageQuery, "a", "b", nil)
	score, err := ScoreOne(context.Background(), fb, msg)
	if err != nil {
		t.Fatal(err)
	}
	if score != 0.77 {
		t.Fatalf("score = %v, want primary's 0.77", score)
	}
}
