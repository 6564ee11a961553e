// Package nneval turns many small per-position evaluation requests into a
// small number of batched neural-net calls. It owns the request queue, the
// batching server loop, a bounded sharded LRU cache keyed by position hash
// and symmetry, and the dihedral-symmetry fan-out.
package nneval

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash"

	"github.com/quetzal-engine/quetzal/common"
)

// NumSymmetries is the size of the dihedral group on a square board.
const NumSymmetries = 8

// SymmetryAll requests the average of all symmetries of the position.
const SymmetryAll = -1

// InputParams are the per-request knobs that affect the NN input planes and
// therefore the cache key.
type InputParams struct {
	// Symmetry is 0..7, or SymmetryAll for the mean over the whole group.
	Symmetry int
	// PlayoutDoublingAdvantage feeds the PDA input channel. White-positive.
	PlayoutDoublingAdvantage float64
	// NoResultUtilityForWhite feeds the corresponding global input.
	NoResultUtilityForWhite float64
	// PolicyTemperature scales policy probabilities everywhere in the tree.
	// Zero means 1.0.
	PolicyTemperature float64
}

// pdaBucket quantizes the playout doubling advantage so that tiny float
// differences do not fragment the cache.
func pdaBucket(pda float64) int32 {
	return int32(math.Round(pda * 8))
}

func nruBucket(nru float64) int32 {
	return int32(math.Round(nru * 32))
}

// Position is the minimal surface of a game state the evaluator consumes.
// The search's game states satisfy it.
type Position interface {
	NextPlayer() common.Player
	// PositionHash covers the board, the player to move, and any
	// path-dependent context that affects evaluation.
	PositionHash() common.Hash128
	// LegalMoves returns the legal policy locations, pass included.
	LegalMoves() []common.Loc
	// EncodeInputs fills the spatial (C*H*W) and global planes for this
	// position in the canonical orientation.
	EncodeInputs(spatial, global []float32, params InputParams)
}

// NNOutput is the per-position result of a neural-net evaluation. Values
// are from the white-positive perspective. A search node's NNOutput is
// written exactly once and read through an atomic pointer.
type NNOutput struct {
	WinProb      float32
	LossProb     float32
	NoResultProb float32

	// Policy is a probability vector over the full policy surface,
	// H*W board locations then pass, masked to legal moves and
	// renormalized. Illegal entries are negative.
	Policy []float32

	// ShorttermWinlossError is the net's own estimate of the short-term
	// error of its value output; zero when the model has no such head.
	ShorttermWinlossError float32

	// EstimatedTimeLeft is an auxiliary head estimating remaining game
	// length; zero when absent.
	EstimatedTimeLeft float32
}

// cacheKey mixes everything that determines the bytes of an evaluation
// result. Two requests with equal keys must receive bitwise-identical
// outputs for the lifetime of the cache.
func cacheKey(modelName string, hash common.Hash128, pla common.Player, params InputParams, symmetry int) uint64 {
	var buf [64]byte
	binary.LittleEndian.PutUint64(buf[0:], hash.Hi)
	binary.LittleEndian.PutUint64(buf[8:], hash.Lo)
	buf[16] = byte(pla)
	binary.LittleEndian.PutUint32(buf[17:], uint32(pdaBucket(params.PlayoutDoublingAdvantage)))
	binary.LittleEndian.PutUint32(buf[21:], uint32(nruBucket(params.NoResultUtilityForWhite)))
	binary.LittleEndian.PutUint32(buf[25:], math.Float32bits(float32(params.PolicyTemperature)))
	buf[29] = byte(symmetry + 1)
	n := copy(buf[30:], modelName)
	return xxhash.Sum64(buf[:30+n])
}
