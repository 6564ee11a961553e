package search

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"lukechampine.com/frand"

	"github.com/quetzal-engine/quetzal/common"
	"github.com/quetzal-engine/quetzal/nneval"
	"github.com/quetzal-engine/quetzal/stats"
)

// ErrIllegalMove is returned by MakeMove for a move that is not legal at
// the current root.
var ErrIllegalMove = errors.New("search: move is not legal at the current root")

// ErrNoSearchRan is returned when a chosen move is requested but no playout
// ever succeeded.
var ErrNoSearchRan = errors.New("search: no successful playouts")

// errSearchInvariant marks a fatal internal inconsistency. The run aborts
// and the error surfaces through RunWholeSearch.
var errSearchInvariant = errors.New("search: internal invariant violation")

const allocMutexPoolSize = 256

// valueWeightDistribution spans z in [-8, 8]; recomputation consults it
// once per child.
var valueWeightDistribution = stats.NewNormalTable(4096, -8.0, 8.0)

// RunOptions are the per-run knobs supplied by the async bot.
type RunOptions struct {
	// Pondering selects the pondering caps from the params.
	Pondering bool
	// SearchFactor scales the effective caps; zero means 1.0.
	SearchFactor float64
	// TimeBudget overrides the params time cap when positive. The async
	// bot computes it from the active time control.
	TimeBudget time.Duration
}

// Search owns one shared tree (or graph) rooted at a position, and runs
// fleets of playout workers over it. All mutation of the running search
// goes through the async bot, which guarantees that position and parameter
// changes happen only while no workers are active.
type Search struct {
	params SearchParams
	nnEval *nneval.Evaluator

	rootState GameState
	rootNode  *SearchNode

	rootHintLoc common.Loc
	// avoidMoveUntilByLoc maps a player's move to the game turn number
	// until which the root must avoid it.
	avoidMoveUntilByLoc map[common.Player]map[common.Loc]int

	nodeTable *NodeTable

	// allocMutexPool serializes child allocation per node, selected by the
	// node's position hash. Readers never take these.
	allocMutexPool [allocMutexPoolSize]sync.Mutex

	seed uint64

	// Per-run state, valid between beginSearch and the end of the run.
	rootPolicyMu    sync.Mutex
	rootPolicyReady atomic.Bool
	rootPolicy      []float32
	rootSymmetryOf  []common.Loc

	numPlayouts    atomic.Int64
	nnFailures     atomic.Int64
	searchStart    time.Time
	effMaxVisits   int64
	effMaxPlayouts int64
	effMaxTime     time.Duration

	invariantFailure atomic.Pointer[error]
}

// NewSearch creates a search over the given position. A zero seed draws a
// random one.
func NewSearch(params SearchParams, nnEval *nneval.Evaluator, state GameState, seed uint64) (*Search, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if seed == 0 {
		seed = frand.Uint64n(1 << 62)
	}
	s := &Search{
		params:              params,
		nnEval:              nnEval,
		rootState:           state.Clone(),
		rootHintLoc:         common.NullLoc,
		avoidMoveUntilByLoc: map[common.Player]map[common.Loc]int{},
		seed:                seed,
	}
	if params.UseGraphSearch {
		s.nodeTable = NewNodeTable(params.NodeTableShardsPowerOfTwo)
	}
	return s, nil
}

func (s *Search) Params() SearchParams { return s.params }

// RootState returns the current root position. Callers must not mutate it.
func (s *Search) RootState() GameState { return s.rootState }

// RootNode returns the current root node; nil before the first playout.
func (s *Search) RootNode() *SearchNode { return s.rootNode }

// NumPlayouts reports the playouts completed in the current or most recent
// run, excluding visits carried over by tree reuse.
func (s *Search) NumPlayouts() int64 { return s.numPlayouts.Load() }

// RootVisits reports the root's visit count including tree reuse.
func (s *Search) RootVisits() int64 {
	if s.rootNode == nil {
		return 0
	}
	return s.rootNode.stats.Visits.Load()
}

// SetPosition replaces the root position. A position identical to the
// current root (same hash and player) is a no-op, preserving the tree.
func (s *Search) SetPosition(state GameState) {
	if s.rootState != nil &&
		s.rootState.PositionHash() == state.PositionHash() &&
		s.rootState.NextPlayer() == state.NextPlayer() {
		return
	}
	s.rootState = state.Clone()
	s.ClearSearch()
}

// SetParams replaces the search parameters and clears the tree.
func (s *Search) SetParams(params SearchParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	s.params = params
	if params.UseGraphSearch && s.nodeTable == nil {
		s.nodeTable = NewNodeTable(params.NodeTableShardsPowerOfTwo)
	}
	s.ClearSearch()
	return nil
}

// SetParamsNoClearing replaces the parameters while keeping the tree.
// Fails if a parameter the existing tree depends on would change.
func (s *Search) SetParamsNoClearing(params SearchParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	if err := FailIfParamsDifferOnUnchangeableParameter(s.params, params); err != nil {
		return err
	}
	s.params = params
	return nil
}

// SetRootHintLoc biases the first root visits toward the given move.
// NullLoc clears the hint.
func (s *Search) SetRootHintLoc(loc common.Loc) {
	s.rootHintLoc = loc
}

// SetAvoidMoveUntilByLoc installs per-player maps from move to the game
// turn number until which the root must avoid it.
func (s *Search) SetAvoidMoveUntilByLoc(black, white map[common.Loc]int) {
	s.avoidMoveUntilByLoc = map[common.Player]map[common.Loc]int{}
	if len(black) > 0 {
		s.avoidMoveUntilByLoc[common.Black] = black
	}
	if len(white) > 0 {
		s.avoidMoveUntilByLoc[common.White] = white
	}
}

// ClearSearch releases the whole tree. The next run starts fresh.
func (s *Search) ClearSearch() {
	s.rootNode = nil
	s.rootPolicyReady.Store(false)
	s.rootPolicy = nil
	s.rootSymmetryOf = nil
	s.numPlayouts.Store(0)
	if s.nodeTable != nil {
		s.nodeTable.Clear()
	}
}

// IsLegalTolerant reports whether the move would be accepted by MakeMove,
// allowing a move by either side.
func (s *Search) IsLegalTolerant(loc common.Loc, pla common.Player) bool {
	return s.rootState.IsLegal(loc, pla)
}

// IsLegalStrict additionally requires that pla is on turn.
func (s *Search) IsLegalStrict(loc common.Loc, pla common.Player) bool {
	return pla == s.rootState.NextPlayer() && s.rootState.IsLegal(loc, pla)
}

// MakeMove plays the move at the root. The subtree under the chosen edge
// becomes the new root; siblings and their descendants are released. Under
// graph search the node table is pruned to nodes reachable from the new
// root.
func (s *Search) MakeMove(loc common.Loc, pla common.Player) error {
	if !s.rootState.IsLegal(loc, pla) {
		return fmt.Errorf("%w: %v by %v", ErrIllegalMove, loc, pla)
	}

	var newRoot *SearchNode
	if s.rootNode != nil && pla == s.rootState.NextPlayer() {
		if edge := s.rootNode.findChild(loc); edge != nil {
			newRoot = edge.Child()
		}
	}

	if err := s.rootState.PlayMove(loc, pla); err != nil {
		return err
	}
	s.rootNode = newRoot
	s.rootPolicyReady.Store(false)
	s.rootPolicy = nil
	s.rootSymmetryOf = nil
	s.rootHintLoc = common.NullLoc
	if s.nodeTable != nil {
		s.pruneTableToReachable()
	}
	return nil
}

// pruneTableToReachable rebuilds the node table keeping only nodes
// reachable from the current root. Called while no workers are active.
func (s *Search) pruneTableToReachable() {
	reachable := map[*SearchNode]bool{}
	var walk func(n *SearchNode)
	walk = func(n *SearchNode) {
		if n == nil || reachable[n] {
			return
		}
		reachable[n] = true
		children, _ := n.Children()
		for i := range children {
			if children[i].MoveLoc() == common.NullLoc {
				break
			}
			walk(children[i].Child())
		}
	}
	walk(s.rootNode)

	s.nodeTable.Clear()
	if len(reachable) == 0 {
		return
	}
	for n := range reachable {
		if canonical := s.nodeTable.PutIfAbsent(n); canonical != n {
			// Two distinct nodes for one key can only appear transiently
			// during racing inserts, never at rest.
			log.Warn().Str("hash", n.Hash.String()).Msg("node-table-duplicate-after-prune")
		}
	}
}

// RunWholeSearch runs playout workers until a termination condition from
// the params, options, or context fires. It blocks until every worker has
// drained. The stop flag may be set at any time by another goroutine.
func (s *Search) RunWholeSearch(ctx context.Context, stop *atomic.Bool, opts RunOptions) error {
	logger := zerolog.Ctx(ctx)

	s.prepareRun(opts)

	if s.params.FinishGameSearchDelay > 0 && s.rootState.IsGameOver() {
		time.Sleep(s.params.FinishGameSearchDelay)
	}

	playoutsBefore := s.numPlayouts.Load()
	g, ctx := errgroup.WithContext(ctx)
	for t := 0; t < s.params.NumThreads; t++ {
		g.Go(func() error {
			return s.workerLoop(ctx, t, stop)
		})
	}
	err := g.Wait()

	elapsed := time.Since(s.searchStart)
	playouts := s.numPlayouts.Load() - playoutsBefore
	logger.Debug().
		Int64("playouts", playouts).
		Int64("rootVisits", s.RootVisits()).
		Int64("nnFailures", s.nnFailures.Load()).
		Dur("elapsed", elapsed).
		Msg("search-ended")

	if perr := s.invariantFailure.Load(); perr != nil {
		return *perr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Search) prepareRun(opts RunOptions) {
	factor := opts.SearchFactor
	if factor <= 0 {
		factor = 1.0
	}

	maxVisits, maxPlayouts, maxTime := s.params.MaxVisits, s.params.MaxPlayouts, s.params.MaxTime
	if opts.Pondering {
		maxVisits, maxPlayouts, maxTime = s.params.MaxVisitsPondering, s.params.MaxPlayoutsPondering, s.params.MaxTimePondering
	}
	if opts.TimeBudget > 0 {
		maxTime = opts.TimeBudget
	}

	s.effMaxVisits = scaleCap(maxVisits, factor)
	s.effMaxPlayouts = scaleCap(maxPlayouts, factor)
	s.effMaxTime = time.Duration(float64(maxTime) * factor)
	s.searchStart = time.Now()
	s.numPlayouts.Store(0)
	s.nnFailures.Store(0)
	s.invariantFailure.Store(nil)

	// Root creation happens here, before any worker is active.
	if s.rootNode == nil {
		pla := s.rootState.NextPlayer()
		hash := s.rootState.PositionHash()
		if s.nodeTable != nil {
			s.rootNode, _ = s.nodeTable.GetOrCreate(hash, pla)
		} else {
			s.rootNode = newSearchNode(pla, hash)
		}
	}
}

func scaleCap(cap int64, factor float64) int64 {
	if cap >= maxSearchVisits || factor == 1.0 {
		return cap
	}
	scaled := int64(float64(cap) * factor)
	return max(1, scaled)
}

// workerLoop runs playouts until a stop condition fires. Failures inside a
// playout never cross this boundary; they are logged and converted into
// abandoned playouts.
func (s *Search) workerLoop(ctx context.Context, threadIdx int, stop *atomic.Bool) error {
	st := newSearchThread(threadIdx, s)
	st.stop = stop
	for {
		if s.shouldStop(ctx, stop) {
			return nil
		}
		outcome := s.runSinglePlayout(st)
		switch outcome {
		case playoutSucceeded, playoutTerminal:
			s.numPlayouts.Add(1)
		case playoutNNFailed:
			// The playout was abandoned; the search continues. If the
			// very first root evaluation is failing there is no tree to
			// make progress on, so back off briefly.
			s.nnFailures.Add(1)
			if s.rootNode == nil || s.rootNode.NNOutput() == nil {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(5 * time.Millisecond):
				}
			}
		case playoutAborted:
			return nil
		}
	}
}

// shouldStop evaluates every termination condition in §4.3.8.
func (s *Search) shouldStop(ctx context.Context, stop *atomic.Bool) bool {
	if stop != nil && stop.Load() {
		return true
	}
	if ctx.Err() != nil {
		return true
	}
	if perr := s.invariantFailure.Load(); perr != nil {
		return true
	}
	playouts := s.numPlayouts.Load()
	if playouts >= s.effMaxPlayouts {
		return true
	}
	if s.RootVisits() >= s.effMaxVisits {
		return true
	}
	elapsed := time.Since(s.searchStart)
	if elapsed >= s.effMaxTime-s.params.LagBuffer {
		return true
	}
	if s.params.FutileVisitsThreshold > 0 && playouts > 0 && playouts%64 == 0 {
		if s.futileVisitsPrune(playouts, elapsed) {
			return true
		}
	}
	return false
}

// futileVisitsPrune reports whether no amount of remaining budget can let
// any move catch up to the top move.
func (s *Search) futileVisitsPrune(playouts int64, elapsed time.Duration) bool {
	root := s.rootNode
	if root == nil {
		return false
	}
	remaining := s.effMaxPlayouts - playouts
	if v := s.effMaxVisits - root.stats.Visits.Load(); v < remaining {
		remaining = v
	}
	if s.effMaxTime < 1<<40 && elapsed > 0 {
		rate := float64(playouts) / elapsed.Seconds()
		timeLeft := (s.effMaxTime - s.params.LagBuffer - elapsed).Seconds()
		if byTime := int64(rate * timeLeft); byTime < remaining {
			remaining = byTime
		}
	}
	if remaining < 0 {
		remaining = 0
	}

	var best, second int64
	children, _ := root.Children()
	for i := range children {
		if children[i].MoveLoc() == common.NullLoc {
			break
		}
		ev := children[i].EdgeVisits()
		if ev > best {
			best, second = ev, best
		} else if ev > second {
			second = ev
		}
	}
	if best == 0 {
		return false
	}
	return float64(second+remaining) < s.params.FutileVisitsThreshold*float64(best)
}

func (s *Search) recordInvariantFailure(err error) {
	wrapped := fmt.Errorf("%w: %v", errSearchInvariant, err)
	s.invariantFailure.CompareAndSwap(nil, &wrapped)
	log.Error().Err(err).Msg("search-invariant-violation")
}

// searchThread is the per-worker scratch state: a deterministic RNG, reusable
// buffers for recomputation, and the game state of the current playout.
type searchThread struct {
	threadIdx int
	rng       *rand.Rand
	stop      *atomic.Bool

	state GameState

	// statsBuf is reused by recomputeNodeStats.
	statsBuf []moreNodeStats
	// policyBuf is reused by noise pruning.
	policyBuf []float64
}

type moreNodeStats struct {
	stats          NodeStatsSnapshot
	selfUtility    float64
	weightAdjusted float64
	prevMoveLoc    common.Loc
}

func newSearchThread(threadIdx int, s *Search) *searchThread {
	return &searchThread{
		threadIdx: threadIdx,
		rng:       rand.New(rand.NewPCG(s.seed, uint64(threadIdx)+1)),
	}
}

func (s *Search) allocMutexFor(node *SearchNode) *sync.Mutex {
	return &s.allocMutexPool[node.Hash.Lo%allocMutexPoolSize]
}
