package nneval

import (
	"testing"

	"github.com/matryer/is"

	"github.com/quetzal-engine/quetzal/common"
)

func TestTransformLocRoundTrip(t *testing.T) {
	is := is.New(t)
	const xSize, ySize = 5, 5

	inverse := func(sym int) int {
		// Each dihedral element here is self-inverse except the two
		// rotations composed of transpose+flip, which invert each other.
		switch sym {
		case 5:
			return 6
		case 6:
			return 5
		}
		return sym
	}

	for sym := 0; sym < NumSymmetries; sym++ {
		for loc := common.Loc(0); loc < xSize*ySize; loc++ {
			mapped := TransformLoc(loc, sym, xSize, ySize)
			back := TransformLoc(mapped, inverse(sym), xSize, ySize)
			is.Equal(back, loc)
		}
		// Pass is a fixed point of every symmetry.
		is.Equal(TransformLoc(common.Loc(xSize*ySize), sym, xSize, ySize), common.Loc(xSize*ySize))
	}
}

func TestTransformSpatialMatchesTransformLoc(t *testing.T) {
	is := is.New(t)
	const xSize, ySize = 4, 4
	area := xSize * ySize

	src := make([]float32, area)
	for i := range src {
		src[i] = float32(i)
	}

	for sym := 0; sym < NumSymmetries; sym++ {
		dst := make([]float32, area)
		transformSpatial(dst, src, 1, xSize, ySize, sym)
		for loc := common.Loc(0); int(loc) < area; loc++ {
			mapped := TransformLoc(loc, sym, xSize, ySize)
			is.Equal(dst[mapped], src[loc])
		}
	}
}

func TestUntransformPolicyInvertsTransform(t *testing.T) {
	is := is.New(t)
	const xSize, ySize = 3, 3
	policySize := xSize*ySize + 1

	orig := make([]float32, policySize)
	for i := range orig {
		orig[i] = float32(i) / float32(policySize)
	}

	for sym := 0; sym < NumSymmetries; sym++ {
		transformed := make([]float32, policySize)
		for loc := common.Loc(0); int(loc) < xSize*ySize; loc++ {
			transformed[TransformLoc(loc, sym, xSize, ySize)] = orig[loc]
		}
		transformed[xSize*ySize] = orig[xSize*ySize]

		back := make([]float32, policySize)
		untransformPolicy(back, transformed, xSize, ySize, sym)
		is.Equal(back, orig)
	}
}

func TestRectangularBoardsRestrictSymmetries(t *testing.T) {
	is := is.New(t)
	is.Equal(numAllowedSymmetries(5, 5), 8)
	is.Equal(numAllowedSymmetries(5, 3), 4)
	is.True(symmetryAllowed(3, 5, 3))
	is.True(!symmetryAllowed(4, 5, 3))
}

func TestCacheKeyDistinguishesInputs(t *testing.T) {
	is := is.New(t)
	hash := common.Hash128{Hi: 1, Lo: 2}
	base := cacheKey("m", hash, common.White, InputParams{}, 0)

	is.True(base != cacheKey("m", hash, common.Black, InputParams{}, 0))
	is.True(base != cacheKey("m", hash, common.White, InputParams{}, 1))
	is.True(base != cacheKey("m", hash, common.White, InputParams{PlayoutDoublingAdvantage: 1.0}, 0))
	is.True(base != cacheKey("other", hash, common.White, InputParams{}, 0))
	is.Equal(base, cacheKey("m", hash, common.White, InputParams{}, 0))
}
