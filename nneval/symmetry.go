package nneval

import "github.com/quetzal-engine/quetzal/common"

// Dihedral symmetries are encoded in three bits: bit 0 flips rows, bit 1
// flips columns, bit 2 transposes. Transposition is only meaningful on
// square boards; rectangular boards use symmetries 0..3.

func symmetryAllowed(sym, xSize, ySize int) bool {
	return sym&0x4 == 0 || xSize == ySize
}

// numAllowedSymmetries returns the usable group size for a board shape.
func numAllowedSymmetries(xSize, ySize int) int {
	if xSize == ySize {
		return NumSymmetries
	}
	return 4
}

// transformXY maps canonical coordinates to transformed coordinates.
func transformXY(x, y, sym, xSize, ySize int) (int, int) {
	if sym&0x1 != 0 {
		y = ySize - 1 - y
	}
	if sym&0x2 != 0 {
		x = xSize - 1 - x
	}
	if sym&0x4 != 0 {
		x, y = y, x
	}
	return x, y
}

// TransformLoc maps a canonical policy location into the transformed
// orientation. Pass (the final policy slot) and NullLoc are fixed points.
func TransformLoc(loc common.Loc, sym, xSize, ySize int) common.Loc {
	if loc == common.NullLoc || int(loc) >= xSize*ySize {
		return loc
	}
	x := int(loc) % xSize
	y := int(loc) / xSize
	nx, ny := transformXY(x, y, sym, xSize, ySize)
	// A transposed rectangular board would change the row stride; callers
	// must not pass sym >= 4 unless the board is square.
	return common.Loc(ny*xSize + nx)
}

// transformSpatial writes the sym-transformed copy of src into dst, channel
// by channel. dst and src are C*H*W, and must not alias.
func transformSpatial(dst, src []float32, numChannels, xSize, ySize, sym int) {
	if sym == 0 {
		copy(dst, src)
		return
	}
	area := xSize * ySize
	for c := 0; c < numChannels; c++ {
		srcPlane := src[c*area : (c+1)*area]
		dstPlane := dst[c*area : (c+1)*area]
		for y := 0; y < ySize; y++ {
			for x := 0; x < xSize; x++ {
				nx, ny := transformXY(x, y, sym, xSize, ySize)
				dstPlane[ny*xSize+nx] = srcPlane[y*xSize+x]
			}
		}
	}
}

// untransformPolicy maps a policy produced in the sym orientation back to
// the canonical orientation. The pass slot is copied through.
func untransformPolicy(dst, src []float32, xSize, ySize, sym int) {
	if sym == 0 {
		copy(dst, src)
		return
	}
	area := xSize * ySize
	for y := 0; y < ySize; y++ {
		for x := 0; x < xSize; x++ {
			nx, ny := transformXY(x, y, sym, xSize, ySize)
			dst[y*xSize+x] = src[ny*xSize+nx]
		}
	}
	dst[area] = src[area]
}
