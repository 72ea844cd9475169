package anomaly

import (
	"math"

	"github.com/randalmurphal/eventengine/pkg/eventengine/stats"
)

// Baseline is the running model for one metric key. Observations are never
// removed.
type Baseline struct {
	stats.Welford
}

// ZScore returns the standardized distance of x from the mean. A degenerate
// baseline scores 0 for its mean and +Inf for anything else.
func (b Baseline) ZScore(x float64) float64 {
	sd := b.StdDev()
	if sd == 0 {
		if x == b.Mean() {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(x-b.Mean()) / sd
}
