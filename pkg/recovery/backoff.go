package recovery

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/acgs2/agentbus/pkg/contracts"
)

// BackoffPolicy bounds the retry schedule for one strategy.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// Default schedules per strategy. MANUAL never schedules.
var defaultPolicies = map[contracts.RecoveryStrategy]BackoffPolicy{
	contracts.StrategyExponentialBackoff: {BaseMs: 100, MaxMs: 30_000, MaxJitterMs: 250, MaxAttempts: 6},
	contracts.StrategyLinearBackoff:      {BaseMs: 500, MaxMs: 10_000, MaxJitterMs: 250, MaxAttempts: 5},
	contracts.StrategyImmediate:          {BaseMs: 0, MaxMs: 0, MaxJitterMs: 0, MaxAttempts: 1},
}

// ComputeBackoff returns the delay before the given attempt. Jitter is
// a PRF of the task identity and attempt index, so replays of the same
// failure produce the same schedule.
func ComputeBackoff(taskID string, strategy contracts.RecoveryStrategy, attempt int, policy BackoffPolicy) time.Duration {
	var baseDelay int64
	switch strategy {
	case contracts.StrategyExponentialBackoff:
		factor := int64(1)
		if attempt > 0 {
			if attempt > 30 {
				factor = 1 << 30
			} else {
				factor = 1 << attempt
			}
		}
		baseDelay = policy.BaseMs * factor
	case contracts.StrategyLinearBackoff:
		baseDelay = policy.BaseMs * int64(attempt+1)
	case contracts.StrategyImmediate:
		return 0
	default:
		return 0
	}
	if baseDelay > policy.MaxMs {
		baseDelay = policy.MaxMs
	}
	return time.Duration(baseDelay+deterministicJitter(taskID, attempt, policy.MaxJitterMs)) * time.Millisecond
}

func deterministicJitter(taskID string, attempt int, maxJitterMs int64) int64 {
	if maxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", taskID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(maxJitterMs))
}
