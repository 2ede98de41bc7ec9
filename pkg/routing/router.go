// Package routing selects the lane for a scored message and tunes the
// fast/deliberate threshold from human-confirmed deliberation outcomes.
package routing

import (
	"math"
	"sync"
	"sync/atomic"
)

const (
	// DefaultThreshold routes impact ≥ 0.8 to the deliberation lane.
	DefaultThreshold = 0.8
	// DefaultFeedbackWindow bounds the adaptation history.
	DefaultFeedbackWindow = 256

	smoothingAlpha = 0.1
)

// Bounds clamp the adaptive threshold.
type Bounds struct {
	Min float64
	Max float64
}

// DefaultBounds is the clamp range for threshold adaptation.
var DefaultBounds = Bounds{Min: 0.5, Max: 0.95}

// Feedback records the human-confirmed outcome of one deliberated
// decision. Confirmed means deliberation was warranted at this score.
type Feedback struct {
	Score     float64
	Confirmed bool
}

// AdaptiveRouter maps impact scores to lanes. The threshold lives in
// an atomic cell so Route never blocks on the feedback path.
type AdaptiveRouter struct {
	thresholdBits atomic.Uint64
	bounds        Bounds

	mu     sync.Mutex
	window []Feedback
	max    int
}

// NewAdaptiveRouter creates a router at the initial threshold. A zero
// initial uses the default; zero bounds use the default clamp; a
// non-positive window size uses the default window.
func NewAdaptiveRouter(initial float64, bounds Bounds, windowSize int) *AdaptiveRouter {
	if initial <= 0 || math.IsNaN(initial) {
		initial = DefaultThreshold
	}
	if bounds == (Bounds{}) {
		bounds = DefaultBounds
	}
	if windowSize <= 0 {
		windowSize = DefaultFeedbackWindow
	}
	r := &AdaptiveRouter{bounds: bounds, max: windowSize}
	r.thresholdBits.Store(math.Float64bits(clamp(initial, bounds)))
	return r
}

// Threshold returns the current threshold.
func (r *AdaptiveRouter) Threshold() float64 {
	return math.Float64frombits(r.thresholdBits.Load())
}

// Route returns true when the message belongs on the deliberation
// lane. Ties route to deliberation, and a NaN score fails safe the
// same way.
func (r *AdaptiveRouter) Route(score float64) bool {
	if math.IsNaN(score) {
		return true
	}
	return score >= r.Threshold()
}

// Observe folds one deliberation outcome into the window and moves the
// threshold by exponential smoothing toward the score that would have
// produced the confirmed outcome. Confirmed outcomes pull the
// threshold down toward the score (deliberation was warranted even at
// this level); unconfirmed ones push it up past the score.
func (r *AdaptiveRouter) Observe(fb Feedback) {
	r.mu.Lock()
	r.window = append(r.window, fb)
	if len(r.window) > r.max {
		r.window = r.window[len(r.window)-r.max:]
	}
	r.mu.Unlock()

	target := fb.Score
	if !fb.Confirmed {
		target = fb.Score + (1-fb.Score)*smoothingAlpha
	}

	for {
		oldBits := r.thresholdBits.Load()
		old := math.Float64frombits(oldBits)
		next := clamp(old+smoothingAlpha*(target-old), r.bounds)
		if r.thresholdBits.CompareAndSwap(oldBits, math.Float64bits(next)) {
			return
		}
	}
}

// WindowLen reports the current feedback window occupancy.
func (r *AdaptiveRouter) WindowLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.window)
}

func clamp(v float64, b Bounds) float64 {
	if v < b.Min {
		return b.Min
	}
	if v > b.Max {
		return b.Max
	}
	return v
}
