package search

import (
	"math"
	"testing"

	"github.com/matryer/is"
	"github.com/stretchr/testify/assert"

	"github.com/quetzal-engine/quetzal/common"
	"github.com/quetzal-engine/quetzal/nneval"
)

// stubState is a minimal GameState for selection tests: two legal moves,
// never terminal. The priors under test come from the node's NN output,
// not from the state.
type stubState struct {
	pla common.Player
}

func (s stubState) NextPlayer() common.Player { return s.pla }
func (s stubState) PositionHash() common.Hash128 { return common.Hash128{Hi: 1} }
func (s stubState) LegalMoves() []common.Loc { return []common.Loc{0, 1} }
func (s stubState) EncodeInputs(spatial, global []float32, _ nneval.InputParams) {}
func (s stubState) BoardXSize() int { return 2 }
func (s stubState) BoardYSize() int { return 1 }
func (s stubState) TurnNumber() int { return 0 }
func (s stubState) Clone() GameState { return s }
func (s stubState) PlayMove(loc common.Loc, pla common.Player) error { return nil }
func (s stubState) IsLegal(loc common.Loc, pla common.Player) bool { return true }
func (s stubState) IsGameOver() bool { return false }
func (s stubState) TerminalValue() (float64, float64) { return 0, 0 }
func (s stubState) RepetitionCount() int { return 0 }
func (s stubState) IsSymmetryInvariant(sym int) bool { return false }

// fpuTestNode builds an expanded, never-descended root: utility average
// 0.2, priors 0.9 and 0.1, no children.
func fpuTestNode() *SearchNode {
	node := newSearchNode(common.White, common.Hash128{Hi: 1})
	node.storeNNOutputIfNew(&nneval.NNOutput{
		WinProb:  0.6,
		LossProb: 0.4,
		Policy:   []float32{0.9, 0.1, -1},
	})
	node.stats.UtilityAvg.Store(0.2)
	node.stats.WeightSum.Store(1.0)
	node.stats.Visits.Store(1)
	return node
}

func TestFpuValueWithNoVisitedPolicy(t *testing.T) {
	params := DefaultParams()
	params.FpuReductionMax = 0.2
	s := &Search{params: params, rootState: stubState{pla: common.White}}

	node := fpuTestNode()

	// No sibling has been visited: the reduction term is
	// fpuReductionMax·sqrt(0), so FPU equals the parent's utility.
	fpu := s.fpuValueForChildren(node, false, 0.0)
	assert.InDelta(t, 0.2, fpu, 1e-12)

	// With visited policy mass the reduction kicks in.
	fpu = s.fpuValueForChildren(node, false, 0.81)
	assert.InDelta(t, 0.2-0.2*math.Sqrt(0.81), fpu, 1e-12)

	// Black to move negates the parent perspective.
	black := fpuTestNode()
	black.NextPla = common.Black
	fpu = s.fpuValueForChildren(black, false, 0.0)
	assert.InDelta(t, -0.2, fpu, 1e-12)
}

func TestFpuRootUsesRootConstants(t *testing.T) {
	params := DefaultParams()
	params.FpuReductionMax = 0.2
	params.RootFpuReductionMax = 0.1
	s := &Search{params: params, rootState: stubState{pla: common.White}}

	node := fpuTestNode()
	interior := s.fpuValueForChildren(node, false, 0.25)
	root := s.fpuValueForChildren(node, true, 0.25)
	assert.InDelta(t, 0.2-0.2*0.5, interior, 1e-12)
	assert.InDelta(t, 0.2-0.1*0.5, root, 1e-12)
}

func TestSelectionPrefersHighPriorUnvisitedChild(t *testing.T) {
	is := is.New(t)
	params := DefaultParams()
	params.FpuReductionMax = 0.2
	s := &Search{params: params, rootState: stubState{pla: common.White}}

	node := fpuTestNode()
	st := newSearchThread(0, s)
	st.state = stubState{pla: common.White}

	// Both children are unvisited, so Q ties at the FPU value and the
	// exploration term decides: the 0.9-prior move goes first.
	loc, edge := s.selectBestChildToDescend(st, node, false)
	is.Equal(loc, common.Loc(0))
	is.True(edge == nil)

	fpu := s.fpuValueForChildren(node, false, 0.0)
	scaling := s.exploreScaling(0.0, node)
	assert.Greater(t,
		s.newChildSelectionScore(0.9, scaling, fpu),
		s.newChildSelectionScore(0.1, scaling, fpu))
}
