// Package stats provides the numeric helpers the engine needs around its
// search: a running mean/stdev accumulator for wall-time pacing, and a
// precomputed standard-normal CDF lookup table for value-weighted
// downweighting of children.
package stats

import "math"

// Statistic accumulates a running mean and sample variance without storing
// the observations, in Welford's single-pass formulation. The async bot
// feeds it per-move search wall times; observation counts stay small, so
// no compensation beyond Welford is needed. The zero value is ready to
// use. Not safe for concurrent use.
type Statistic struct {
	n    int
	mean float64
	// m2 is the running sum of squared deviations from the current mean.
	m2 float64
}

// Push folds one observation into the statistic.
func (s *Statistic) Push(val float64) {
	s.n++
	delta := val - s.mean
	s.mean += delta / float64(s.n)
	s.m2 += delta * (val - s.mean)
}

// Mean returns the mean of the observations so far, 0 with none.
func (s *Statistic) Mean() float64 {
	return s.mean
}

// Stdev returns the sample standard deviation, 0 with fewer than two
// observations.
func (s *Statistic) Stdev() float64 {
	if s.n <= 1 {
		return 0
	}
	return math.Sqrt(s.m2 / float64(s.n-1))
}

// Iterations returns how many observations were pushed.
func (s *Statistic) Iterations() int {
	return s.n
}
