package processor

import (
	"context"
	"time"

	"github.com/acgs2/agentbus/pkg/contracts"
	"github.com/acgs2/agentbus/pkg/impact"
)

const (
	// batchMaxSize flushes a scoring batch at this many messages.
	batchMaxSize = 64
	// batchMaxWait flushes a partial batch after this long.
	batchMaxWait = 10 * time.Millisecond
)

type scoreRequest struct {
	msg   *contracts.Message
	reply chan scoreReply
}

type scoreReply struct {
	score float64
	err   error
}

// scoreBatcher merges concurrent scoring requests into batched scorer
// calls so per-message latency amortizes the backend round trip.
type scoreBatcher struct {
	scorer   impact.Scorer
	requests chan scoreRequest
}

func newScoreBatcher(scorer impact.Scorer) *scoreBatcher {
	return &scoreBatcher{
		scorer:   scorer,
		requests: make(chan scoreRequest, batchMaxSize*2),
	}
}

// Score submits one message and waits for its batched score.
func (b *scoreBatcher) Score(ctx context.Context, msg *contracts.Message) (float64, error) {
	req := scoreRequest{msg: msg, reply: make(chan scoreReply, 1)}
	select {
	case b.requests <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case reply := <-req.reply:
		return reply.score, reply.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Run collects and flushes batches until ctx is done.
func (b *scoreBatcher) Run(ctx context.Context) {
	var (
		pending []scoreRequest
		timer   *time.Timer
		timerC  <-chan time.Time
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		b.flush(ctx, pending)
		pending = nil
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case req := <-b.requests:
			pending = append(pending, req)
			if len(pending) >= batchMaxSize {
				flush()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(batchMaxWait)
				timerC = timer.C
			}
		case <-timerC:
			timer, timerC = nil, nil
			flush()
		}
	}
}

func (b *scoreBatcher) flush(ctx context.Context, batch []scoreRequest) {
	msgs := make([]*contracts.Message, len(batch))
	for i, req := range batch {
		msgs[i] = req.msg
	}
	scores, err := b.scorer.ScoreBatch(ctx, msgs)
	for i, req := range batch {
		if err != nil {
			req.reply <- scoreReply{err: err}
			continue
		}
		req.reply <- scoreReply{score: scores[i]}
	}
}
