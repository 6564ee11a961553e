package stats

import (
	"testing"

	"github.com/matryer/is"
	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/stat/distuv"
)

func TestNormalTableMatchesDistuv(t *testing.T) {
	table := NewNormalTable(4096, -8.0, 8.0)
	dist := distuv.Normal{Mu: 0, Sigma: 1}

	for _, z := range []float64{-7.5, -3.0, -1.0, -0.1, 0.0, 0.1, 1.0, 2.5, 6.0} {
		assert.InDelta(t, dist.CDF(z), table.CDF(z), 1e-4, "z=%v", z)
	}
}

func TestNormalTableClampsOutOfRange(t *testing.T) {
	is := is.New(t)
	table := NewNormalTable(64, -4.0, 4.0)
	is.Equal(table.CDF(-100), table.CDF(-4.0))
	is.Equal(table.CDF(100), table.CDF(4.0))
	is.True(table.CDF(-100) < 0.001)
	is.True(table.CDF(100) > 0.999)
}

func TestNormalTableMonotonic(t *testing.T) {
	is := is.New(t)
	table := NewNormalTable(512, -8.0, 8.0)
	prev := -1.0
	for z := -8.0; z <= 8.0; z += 0.25 {
		cur := table.CDF(z)
		is.True(cur >= prev)
		prev = cur
	}
}
