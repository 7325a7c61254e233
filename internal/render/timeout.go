package render

import "time"

// Defaults for PlanTimeout. Providers refuse work whose timeout falls
// outside [5m, 30m]; the floor is 6m so the demand has time to reach them.
const (
	DefaultPerFrame     = 2 * time.Minute
	DefaultInitOverhead = 3 * time.Minute
	DefaultMinTimeout   = 6 * time.Minute
	DefaultMaxTimeout   = 30 * time.Minute
)

// PlanTimeout returns the whole-job deadline:
// clamp(initOverhead + frameCount*perFrame, minBound, maxBound).
func PlanTimeout(frameCount int, perFrame, initOverhead, minBound, maxBound time.Duration) time.Duration {
	if frameCount <= 0 {
		return minBound
	}
	if initOverhead >= maxBound {
		return max(maxBound, minBound)
	}
	// Saturate before the product can leave the int64 range.
	if perFrame > 0 && int64(frameCount) > int64((maxBound-initOverhead)/perFrame) {
		return max(maxBound, minBound)
	}
	raw := initOverhead + time.Duration(frameCount)*perFrame
	return max(min(raw, maxBound), minBound)
}
