package syncqueue

import (
	"math"
	"time"
)

const (
	MinPollDelay = 20 * time.Second
	MaxPollDelay = 120 * time.Second
	pollGrowth   = 1.6
)

// NextPollDelay is the retry delay after a failed snapshot poll that waited prev:
// min(round(prev*1.6), 120s), never below 20s. prev <= 0 starts at the floor.
func NextPollDelay(prev time.Duration) time.Duration {
	if prev <= 0 {
		return MinPollDelay
	}
	next := time.Duration(math.Round(float64(prev.Milliseconds())*pollGrowth)) * time.Millisecond
	if next > MaxPollDelay {
		next = MaxPollDelay
	}
	if next < MinPollDelay {
		next = MinPollDelay
	}
	return next
}
