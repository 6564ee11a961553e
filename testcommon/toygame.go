// Package testcommon holds the deterministic toy games and fake neural-net
// backends shared by tests across packages. Outside the tests, only
// cmd/quetzal imports it, for its benchmark position and fake backend.
package testcommon

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash"

	"github.com/quetzal-engine/quetzal/common"
	"github.com/quetzal-engine/quetzal/nneval"
	"github.com/quetzal-engine/quetzal/search"
)

// ToyStateDef describes one state of a toy game graph.
type ToyStateDef struct {
	// Moves maps a legal move to the name of the resulting state.
	Moves map[common.Loc]string

	Terminal bool
	// WinLoss and NoResult are the white-positive terminal outcome.
	WinLoss  float64
	NoResult float64
}

// ToyGame is an explicit game graph: states by name, transitions by move.
// Both players share the same transition structure; the player to move
// simply alternates.
type ToyGame struct {
	XSize, YSize int
	Start        string
	StartPla     common.Player
	States       map[string]*ToyStateDef

	// SymmetryInvariant marks positions invariant under every dihedral
	// symmetry, for exercising root symmetry pruning.
	SymmetryInvariant bool
}

// NewPosition returns the game's starting position.
func (g *ToyGame) NewPosition() *ToyPosition {
	return &ToyPosition{
		game: g,
		cur:  g.Start,
		pla:  g.StartPla,
		seen: map[string]int{g.Start: 1},
	}
}

// ToyPosition is a position of a ToyGame, implementing search.GameState.
type ToyPosition struct {
	game *ToyGame
	cur  string
	pla  common.Player
	turn int

	seen map[string]int
}

func (p *ToyPosition) def() *ToyStateDef {
	return p.game.States[p.cur]
}

// StateName reports the current state, for test assertions.
func (p *ToyPosition) StateName() string { return p.cur }

func (p *ToyPosition) NextPlayer() common.Player { return p.pla }

func (p *ToyPosition) PositionHash() common.Hash128 {
	h := xxhash.Sum64String(p.cur)
	h2 := xxhash.Sum64String(p.cur + "/second")
	return common.Hash128{Hi: h ^ uint64(p.pla)<<62, Lo: h2}
}

func (p *ToyPosition) LegalMoves() []common.Loc {
	def := p.def()
	if def.Terminal {
		return nil
	}
	moves := make([]common.Loc, 0, len(def.Moves))
	for loc := range def.Moves {
		moves = append(moves, loc)
	}
	sort.Slice(moves, func(i, j int) bool { return moves[i] < moves[j] })
	return moves
}

// EncodeInputs writes a deterministic encoding of the state name into the
// first spatial plane so fake backends can key their outputs off it.
func (p *ToyPosition) EncodeInputs(spatial, global []float32, params nneval.InputParams) {
	hash := p.PositionHash()
	for i := range spatial {
		spatial[i] = 0
	}
	spatial[0] = float32(hash.Hi%1000) / 1000.0
	if len(spatial) > 1 {
		spatial[1] = float32(p.pla)
	}
	for i := range global {
		global[i] = 0
	}
	if len(global) > 0 {
		global[0] = float32(params.PlayoutDoublingAdvantage)
	}
}

func (p *ToyPosition) BoardXSize() int { return p.game.XSize }
func (p *ToyPosition) BoardYSize() int { return p.game.YSize }
func (p *ToyPosition) TurnNumber() int { return p.turn }

func (p *ToyPosition) Clone() search.GameState {
	seen := make(map[string]int, len(p.seen))
	for k, v := range p.seen {
		seen[k] = v
	}
	return &ToyPosition{
		game: p.game,
		cur:  p.cur,
		pla:  p.pla,
		turn: p.turn,
		seen: seen,
	}
}

func (p *ToyPosition) IsLegal(loc common.Loc, pla common.Player) bool {
	if pla != p.pla {
		return false
	}
	_, ok := p.def().Moves[loc]
	return ok
}

func (p *ToyPosition) PlayMove(loc common.Loc, pla common.Player) error {
	next, ok := p.def().Moves[loc]
	if !ok || pla != p.pla {
		return fmt.Errorf("toygame: illegal move %v by %v in state %s", loc, pla, p.cur)
	}
	p.cur = next
	p.pla = pla.Opponent()
	p.turn++
	p.seen[next]++
	return nil
}

func (p *ToyPosition) IsGameOver() bool {
	return p.def().Terminal
}

func (p *ToyPosition) TerminalValue() (winLoss, noResult float64) {
	def := p.def()
	return def.WinLoss, def.NoResult
}

func (p *ToyPosition) RepetitionCount() int {
	return p.seen[p.cur] - 1
}

func (p *ToyPosition) IsSymmetryInvariant(sym int) bool {
	return p.game.SymmetryInvariant
}

// SetNextPlayer satisfies the optional surface the async bot uses for
// setPlayerAndClearHistory.
func (p *ToyPosition) SetNextPlayer(pla common.Player) {
	p.pla = pla
}

var _ search.GameState = (*ToyPosition)(nil)

// NewTwoActionGame builds the two-move game used by selection tests: from
// the start (white to move), move 0 wins outright for the mover and move 1
// loses outright.
func NewTwoActionGame() *ToyGame {
	return &ToyGame{
		XSize: 2, YSize: 1,
		Start:    "root",
		StartPla: common.White,
		States: map[string]*ToyStateDef{
			"root": {Moves: map[common.Loc]string{0: "win", 1: "loss"}},
			"win":  {Terminal: true, WinLoss: 1.0},
			"loss": {Terminal: true, WinLoss: -1.0},
		},
	}
}

// NewTranspositionGame builds a game whose two root moves reach the same
// state s, which then branches to terminal outcomes. With graph search a
// single node represents s.
func NewTranspositionGame() *ToyGame {
	return &ToyGame{
		XSize: 2, YSize: 2,
		Start:    "root",
		StartPla: common.White,
		States: map[string]*ToyStateDef{
			"root": {Moves: map[common.Loc]string{0: "s", 1: "s", 2: "t"}},
			"s":    {Moves: map[common.Loc]string{0: "end1", 1: "end2"}},
			"t":    {Moves: map[common.Loc]string{0: "end1"}},
			"end1": {Terminal: true, WinLoss: 1.0},
			"end2": {Terminal: true, WinLoss: -1.0},
		},
	}
}

// NewDeepGame builds a chain with branching of the given depth, every leaf
// drawn, so searches have room to grow a tree without terminal shortcuts
// dominating.
func NewDeepGame(depth int) *ToyGame {
	states := map[string]*ToyStateDef{}
	name := func(level, idx int) string { return fmt.Sprintf("d%d-%d", level, idx) }
	for level := 0; level < depth; level++ {
		for idx := 0; idx <= level; idx++ {
			states[name(level, idx)] = &ToyStateDef{
				Moves: map[common.Loc]string{
					0: name(level+1, idx),
					1: name(level+1, min(idx+1, level+1)),
				},
			}
		}
	}
	for idx := 0; idx <= depth; idx++ {
		states[name(depth, idx)] = &ToyStateDef{Terminal: true, NoResult: 1.0}
	}
	return &ToyGame{
		XSize: 2, YSize: 1,
		Start:    name(0, 0),
		StartPla: common.White,
		States:   states,
	}
}

// NewLoopGame builds a game with a two-state cycle, for exercising the
// repetition bound guard.
func NewLoopGame() *ToyGame {
	return &ToyGame{
		XSize: 2, YSize: 1,
		Start:    "a",
		StartPla: common.White,
		States: map[string]*ToyStateDef{
			"a":   {Moves: map[common.Loc]string{0: "b", 1: "out"}},
			"b":   {Moves: map[common.Loc]string{0: "a"}},
			"out": {Terminal: true, WinLoss: 1.0},
		},
	}
}
