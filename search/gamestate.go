// Package search implements the neural-net-guided Monte-Carlo tree search
// core: the shared search tree and node table, the selection/expansion/backup
// playout loop run by a fleet of worker goroutines, and the reporting used to
// pick and explain a move. The neural net itself lives behind the nneval
// package; game rules live behind the GameState interface below.
package search

import (
	"github.com/quetzal-engine/quetzal/common"
	"github.com/quetzal-engine/quetzal/nneval"
)

// GameState is the rules collaborator the search descends through. The
// search never mutates a state it did not Clone itself. Implementations do
// not need to be safe for concurrent use; each worker owns its own clone.
type GameState interface {
	// NextPlayer, PositionHash, LegalMoves and EncodeInputs satisfy
	// nneval.Position so a state can be handed to the evaluator directly.
	NextPlayer() common.Player
	PositionHash() common.Hash128
	LegalMoves() []common.Loc
	EncodeInputs(spatial, global []float32, params nneval.InputParams)

	BoardXSize() int
	BoardYSize() int

	// TurnNumber counts moves played since the start of the game.
	TurnNumber() int

	Clone() GameState

	// PlayMove mutates the state. The move must be legal for pla.
	PlayMove(loc common.Loc, pla common.Player) error
	IsLegal(loc common.Loc, pla common.Player) bool

	IsGameOver() bool
	// TerminalValue is only meaningful once IsGameOver reports true.
	// winLoss is from the white-positive perspective; noResult covers
	// drawn or non-terminating outcomes.
	TerminalValue() (winLoss, noResult float64)

	// RepetitionCount reports how many earlier positions in the current
	// game history share this position's hash. The repetition bound guard
	// treats deep repeats as terminal no-results.
	RepetitionCount() int

	// IsSymmetryInvariant reports whether the position is unchanged by
	// dihedral symmetry sym. Root symmetry pruning keys off this.
	IsSymmetryInvariant(sym int) bool
}

var _ nneval.Position = (GameState)(nil)
