// Package sampler holds the fan-out packing and binomial-split sizing
// math shared by every build and query path in the tree: next fan-out
// for a packing pass, the node count a packing pass will produce, and
// how many of a batch of draws land in a given subtree.
package sampler

import (
	"math"
	"math/rand"
)

// NextFanout returns how many of the remaining `size` elements the
// next group in a packing pass should take, given bounds
// [minFanout, maxFanout]. Avoids leaving an underfull trailing group:
// once fewer than minFanout+maxFanout elements remain, it takes either
// all of them (if under maxFanout) or enough to leave exactly
// minFanout for the final group.
func NextFanout(size, minFanout, maxFanout int) int {
	if size >= minFanout+maxFanout {
		return maxFanout
	}
	if size < maxFanout {
		return size
	}
	return size - minFanout
}

// CalcNodeCount returns how many groups a packing pass over size
// elements produces at the given maxFanout.
func CalcNodeCount(size, maxFanout int) int {
	if size%maxFanout != 0 {
		return size/maxFanout + 1
	}
	return size / maxFanout
}

// RNG is the minimal random source the sampling routines need; *rand.Rand
// satisfies it.
type RNG interface {
	Float64() float64
	Intn(n int) int
}

// NextSampleSize draws how many of totalSampleSize draws should land in
// a subtree of size curSubtreeSize, out of a parent universe of size
// totalSubtreeSize. Ported from next_sample_size: a subtree that is the
// whole universe gets every draw; otherwise, for small totals (<10) it
// tosses totalSampleSize independent coins at probability
// curSubtreeSize/totalSubtreeSize, and for larger totals it draws from
// Binomial(totalSampleSize, curSubtreeSize/totalSubtreeSize).
func NextSampleSize(totalSampleSize, curSubtreeSize, totalSubtreeSize int, rng RNG) int {
	if curSubtreeSize == 0 {
		return 0
	}
	if curSubtreeSize == totalSubtreeSize {
		return totalSampleSize
	}
	if totalSampleSize < 10 {
		s := 0
		prob := float64(curSubtreeSize) / float64(totalSubtreeSize)
		for i := 0; i < totalSampleSize; i++ {
			if rng.Float64() < prob {
				s++
			}
		}
		return s
	}
	p := float64(curSubtreeSize) / float64(totalSubtreeSize)
	return binomial(totalSampleSize, p, rng)
}

// binomial draws one sample from Binomial(n, p) by summing n Bernoulli
// trials for small n (n<=64) and a normal approximation with rejection for
// larger n, matching the precision std::binomial_distribution gives in
// practice for this tree's use (n is a sample-size budget, never the
// full data set).
func binomial(n int, p float64, rng RNG) int {
	if p <= 0 {
		return 0
	}
	if p >= 1 {
		return n
	}
	if n <= 64 {
		k := 0
		for i := 0; i < n; i++ {
			if rng.Float64() < p {
				k++
			}
		}
		return k
	}

	mean := float64(n) * p
	variance := mean * (1 - p)
	if variance < 0 {
		variance = 0
	}
	stddev := math.Sqrt(variance)
	for {
		z := normalSample(rng)
		x := mean + z*stddev
		k := int(x + 0.5)
		if k >= 0 && k <= n {
			return k
		}
	}
}

// normalSample draws from the standard normal via Box-Muller, reusing
// math/rand's Float64 so the whole package stays on one RNG interface.
func normalSample(rng RNG) float64 {
	u1 := rng.Float64()
	if u1 < 1e-12 {
		u1 = 1e-12
	}
	u2 := rng.Float64()
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

// NewRand returns a *rand.Rand seeded with seed; the same seed always
// yields the same sequence.
func NewRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
