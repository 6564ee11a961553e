package stats

import "gonum.org/v1/gonum/stat/distuv"

// NormalTable is a uniform lookup table over the standard-normal CDF.
// The search consults it once per child per recomputation, so it is built
// once and read lock-free.
type NormalTable struct {
	minZ, maxZ float64
	step       float64
	cdf        []float64
}

// NewNormalTable builds a table with the given number of entries spanning
// [minZ, maxZ]. Queries outside the range clamp to the edges.
func NewNormalTable(size int, minZ, maxZ float64) *NormalTable {
	dist := distuv.Normal{Mu: 0, Sigma: 1}
	t := &NormalTable{
		minZ: minZ,
		maxZ: maxZ,
		step: (maxZ - minZ) / float64(size-1),
		cdf:  make([]float64, size),
	}
	for i := range t.cdf {
		t.cdf[i] = dist.CDF(minZ + float64(i)*t.step)
	}
	return t
}

// CDF returns the interpolated standard-normal CDF at z.
func (t *NormalTable) CDF(z float64) float64 {
	if z <= t.minZ {
		return t.cdf[0]
	}
	if z >= t.maxZ {
		return t.cdf[len(t.cdf)-1]
	}
	pos := (z - t.minZ) / t.step
	i := int(pos)
	frac := pos - float64(i)
	return t.cdf[i] + frac*(t.cdf[i+1]-t.cdf[i])
}
