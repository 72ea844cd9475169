package stats

import (
	"math"
	"math/rand/v2"
	"sort"
)

// Reservoir keeps a uniform random sample of at most Size observations
// (Algorithm R) for approximate percentiles over unbounded streams.
// Reservoir is not safe for concurrent use.
type Reservoir struct {
	size    int
	seen    int64
	samples []float64
	rng     *rand.Rand
}

// NewReservoir creates a reservoir holding at most size samples.
func NewReservoir(size int) *Reservoir {
	if size < 1 {
		size = 1
	}
	return &Reservoir{
		size: size,
		rng:  rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// Add offers one observation to the sample.
func (r *Reservoir) Add(x float64) {
	r.seen++
	if len(r.samples) < r.size {
		r.samples = append(r.samples, x)
		return
	}
	if j := r.rng.Int64N(r.seen); j < int64(r.size) {
		r.samples[j] = x
	}
}

// Len returns the number of retained samples.
func (r *Reservoir) Len() int { return len(r.samples) }

// Quantile returns the q-th quantile (0 <= q <= 1) of the retained samples by
// linear interpolation, or NaN when empty.
func (r *Reservoir) Quantile(q float64) float64 {
	if len(r.samples) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), r.samples...)
	sort.Float64s(sorted)
	q = math.Max(0, math.Min(1, q))
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
