package search

import (
	"math"
	"sort"

	"github.com/rs/zerolog/log"
	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/quetzal-engine/quetzal/common"
	"github.com/quetzal-engine/quetzal/nneval"
)

// playoutOutcome is the result of one playout attempt. Workers never
// propagate errors; every failure mode folds into one of these.
type playoutOutcome int

const (
	// playoutSucceeded: a leaf was evaluated and backed up.
	playoutSucceeded playoutOutcome = iota
	// playoutTerminal: the playout ended at a terminal or repetition-bound
	// state; its fabricated value was backed up.
	playoutTerminal
	// playoutNNFailed: the evaluator failed; the playout was abandoned
	// with no tree contribution.
	playoutNNFailed
	// playoutAborted: the stop flag was observed mid-descent.
	playoutAborted
)

// runSinglePlayout performs one selection+expansion+backup traversal from
// the root.
func (s *Search) runSinglePlayout(st *searchThread) playoutOutcome {
	st.state = s.rootState.Clone()
	return s.playoutDescend(st, s.rootNode, true)
}

// playoutDescend recursively walks from the node to a leaf, expands it, and
// performs the backup on the way out. st.state tracks the node's position.
func (s *Search) playoutDescend(st *searchThread, node *SearchNode, isRoot bool) playoutOutcome {
	if st.stop != nil && st.stop.Load() {
		return playoutAborted
	}

	if node.NNOutput() == nil {
		return s.evaluateLeaf(st, node)
	}

	// Terminal nodes and repetition-bounded states contribute their
	// outcome again rather than descending further.
	if st.state.IsGameOver() {
		winLoss, noResult := st.state.TerminalValue()
		s.addLeafValue(node, winLoss, noResult, 1.0, false)
		return playoutTerminal
	}
	if s.params.SimpleRepetitionBoundGt > 0 && st.state.RepetitionCount() > s.params.SimpleRepetitionBoundGt {
		s.addLeafValue(node, 0.0, 1.0, 1.0, false)
		return playoutTerminal
	}

	if isRoot && !s.rootPolicyReady.Load() {
		s.initRootPolicy(st)
	}

	moveLoc, edge := s.selectBestChildToDescend(st, node, isRoot)
	if moveLoc == common.NullLoc {
		// Every move is filtered out. Treat like a terminal no-result so
		// the playout still terminates promptly.
		s.addLeafValue(node, 0.0, 1.0, 1.0, false)
		return playoutTerminal
	}

	if err := st.state.PlayMove(moveLoc, node.NextPla); err != nil {
		log.Warn().Err(err).Str("loc", moveLoc.String()).Msg("playout-move-rejected")
		return playoutNNFailed
	}

	var outcome playoutOutcome
	if edge != nil && edge.Child() != nil {
		child := edge.Child()
		child.addVirtualLosses(s.params.NumVirtualLossesPerThread)
		outcome = s.playoutDescend(st, child, false)
		child.addVirtualLosses(-s.params.NumVirtualLossesPerThread)
	} else {
		outcome = s.expandEdge(st, node, moveLoc)
	}

	if outcome == playoutNNFailed || outcome == playoutAborted {
		return outcome
	}

	// Backup: bump the traversed edge, then aggregate at this node.
	if e := node.findChild(moveLoc); e != nil {
		e.addEdgeVisits(1)
	}
	s.updateStatsAfterPlayout(node, st, isRoot)
	return outcome
}

// expandEdge allocates the child for the move (or finds the transposed
// node under graph search) and evaluates it. st.state has already played
// the move.
func (s *Search) expandEdge(st *searchThread, parent *SearchNode, moveLoc common.Loc) playoutOutcome {
	childPla := st.state.NextPlayer()
	childHash := st.state.PositionHash()

	// The final children tier is bounded by the full policy width.
	fullWidth := len(parent.NNOutput().Policy)

	mu := s.allocMutexFor(parent)
	mu.Lock()
	edge := parent.findChild(moveLoc)
	if edge == nil {
		var child *SearchNode
		if s.nodeTable != nil {
			child, _ = s.nodeTable.GetOrCreate(childHash, childPla)
		} else {
			child = newSearchNode(childPla, childHash)
		}
		parent.appendChild(child, moveLoc, fullWidth)
		edge = parent.findChild(moveLoc)
	}
	mu.Unlock()

	child := edge.Child()
	if out := child.NNOutput(); out != nil {
		// Transposition (or a racing expansion) already evaluated this
		// node; count a virtual edge visit and skip the evaluation.
		return playoutSucceeded
	}
	return s.evaluateLeaf(st, child)
}

// evaluateLeaf installs the node's first evaluation: a fabricated terminal
// output for game-over and repetition-bound states, otherwise a neural-net
// evaluation, and contributes it as a leaf value.
func (s *Search) evaluateLeaf(st *searchThread, node *SearchNode) playoutOutcome {
	if st.state.IsGameOver() {
		winLoss, noResult := st.state.TerminalValue()
		installed := node.storeNNOutputIfNew(terminalNNOutput(winLoss, noResult, s.policySize()))
		s.addLeafValue(node, winLoss, noResult, 1.0, installed)
		return playoutTerminal
	}
	if s.params.SimpleRepetitionBoundGt > 0 && st.state.RepetitionCount() > s.params.SimpleRepetitionBoundGt {
		installed := node.storeNNOutputIfNew(terminalNNOutput(0.0, 1.0, s.policySize()))
		s.addLeafValue(node, 0.0, 1.0, 1.0, installed)
		return playoutTerminal
	}

	out, err := s.nnEval.Evaluate(st.state, s.inputParamsForNode(st, node), false)
	if err != nil {
		log.Warn().Err(err).Int("thread", st.threadIdx).Msg("playout-nn-eval-failed")
		return playoutNNFailed
	}
	installed := node.storeNNOutputIfNew(out)
	s.addCurrentNNOutputAsLeafValue(node, installed)
	return playoutSucceeded
}

// terminalNNOutput fabricates the output installed at terminal leaves: the
// terminal value with an all-illegal policy, so they are never selected
// through.
func terminalNNOutput(winLoss, noResult float64, policySize int) *nneval.NNOutput {
	out := &nneval.NNOutput{
		NoResultProb: float32(noResult),
		Policy:       make([]float32, policySize),
	}
	winProb := (1.0 + winLoss - noResult) / 2.0
	lossProb := (1.0 - winLoss - noResult) / 2.0
	out.WinProb = float32(winProb)
	out.LossProb = float32(lossProb)
	for i := range out.Policy {
		out.Policy[i] = -1
	}
	return out
}

func (s *Search) policySize() int {
	return s.rootState.BoardXSize()*s.rootState.BoardYSize() + 1
}

// inputParamsForNode builds the evaluator inputs for the node's position:
// symmetry sampling, the playout-doubling-advantage channel from the
// perspective of the node's player, and the shared policy temperature.
func (s *Search) inputParamsForNode(st *searchThread, node *SearchNode) nneval.InputParams {
	isRoot := node == s.rootNode
	sym := 0
	numSyms := 4
	if s.rootState.BoardXSize() == s.rootState.BoardYSize() {
		numSyms = nneval.NumSymmetries
	}
	if isRoot && s.params.RootNumSymmetriesToSample >= numSyms {
		sym = nneval.SymmetryAll
	} else {
		sym = st.rng.IntN(numSyms)
	}

	return nneval.InputParams{
		Symmetry:                 sym,
		PlayoutDoublingAdvantage: s.desiredPDA(node.NextPla),
		NoResultUtilityForWhite:  s.params.NoResultUtilityForWhite,
		PolicyTemperature:        s.params.NNPolicyTemperature,
	}
}

// desiredPDA returns the playout doubling advantage as seen by the player
// to move: positive for the advantaged player, negated for the counterparty
// so the search behaves as if that side had the extra playouts.
func (s *Search) desiredPDA(pla common.Player) float64 {
	if s.params.PlayoutDoublingAdvantage == 0 {
		return 0
	}
	pdaPla := s.params.PlayoutDoublingAdvantagePla
	if pdaPla == common.NoPlayer {
		pdaPla = s.rootState.NextPlayer()
	}
	if pla == pdaPla {
		return s.params.PlayoutDoublingAdvantage
	}
	return -s.params.PlayoutDoublingAdvantage
}

// initRootPolicy computes the root's adjusted prior: policy temperature,
// wide-root flattening, Dirichlet noise, and symmetry pruning. Runs once
// per search run, after the root has its NN output.
func (s *Search) initRootPolicy(st *searchThread) {
	s.rootPolicyMu.Lock()
	defer s.rootPolicyMu.Unlock()
	if s.rootPolicyReady.Load() {
		return
	}
	out := s.rootNode.NNOutput()
	if out == nil {
		return
	}

	policy := make([]float32, len(out.Policy))
	copy(policy, out.Policy)

	legal := make([]common.Loc, 0, len(policy))
	for loc := common.Loc(0); int(loc) < len(policy); loc++ {
		if policy[loc] >= 0 {
			legal = append(legal, loc)
		}
	}
	if len(legal) == 0 {
		return
	}

	if temp := s.rootPolicyTemperatureNow(); temp != 1.0 {
		applyPolicyExponent(policy, legal, 1.0/temp)
	}
	if s.params.WideRootNoise > 0 {
		// Flatten the root prior; wider exploration, same ordering.
		applyPolicyExponent(policy, legal, 1.0/(1.0+s.params.WideRootNoise))
	}
	if s.params.RootNoiseEnabled {
		s.addDirichletNoise(policy, legal)
	}
	if s.params.RootSymmetryPruning {
		s.rootSymmetryOf = s.pruneSymmetricMoves(policy, legal)
	} else {
		s.rootSymmetryOf = nil
	}

	s.rootPolicy = policy
	s.rootPolicyReady.Store(true)
	log.Debug().Int("legalMoves", len(legal)).Msg("root-policy-initialized")
}

// rootPolicyTemperatureNow blends the early-game policy temperature toward
// the standard one with a halflife scaled to board area.
func (s *Search) rootPolicyTemperatureNow() float64 {
	p := &s.params
	halflife := p.ChosenMoveTemperatureHalflife *
		float64(s.rootState.BoardXSize()*s.rootState.BoardYSize()) / 361.0
	if halflife <= 0 {
		return p.RootPolicyTemperature
	}
	decay := math.Pow(0.5, float64(s.rootState.TurnNumber())/halflife)
	return p.RootPolicyTemperature + (p.RootPolicyTemperatureEarly-p.RootPolicyTemperature)*decay
}

// applyPolicyExponent raises each legal prior to the exponent and
// renormalizes over the legal set.
func applyPolicyExponent(policy []float32, legal []common.Loc, exponent float64) {
	if exponent == 1.0 {
		return
	}
	var sum float64
	for _, loc := range legal {
		p := math.Pow(math.Max(1e-30, float64(policy[loc])), exponent)
		policy[loc] = float32(p)
		sum += p
	}
	if sum <= 0 {
		return
	}
	for _, loc := range legal {
		policy[loc] = float32(float64(policy[loc]) / sum)
	}
}

// addDirichletNoise mixes a symmetric Dirichlet sample into the root prior:
// alpha is the total concentration split across the legal moves.
func (s *Search) addDirichletNoise(policy []float32, legal []common.Loc) {
	alpha := s.params.RootDirichletNoiseTotalConcentration / float64(len(legal))
	weight := s.params.RootDirichletNoiseWeight

	src := xrand.NewSource(s.seed ^ 0x9e3779b97f4a7c15)
	gamma := distuv.Gamma{Alpha: alpha, Beta: 1, Src: src}
	samples := make([]float64, len(legal))
	var sampleSum float64
	for i := range samples {
		samples[i] = gamma.Rand()
		sampleSum += samples[i]
	}
	if sampleSum <= 0 {
		return
	}
	for i, loc := range legal {
		noise := samples[i] / sampleSum
		policy[loc] = float32((1.0-weight)*float64(policy[loc]) + weight*noise)
	}
}

// pruneSymmetricMoves keeps one canonical member per orbit of the root's
// symmetry group, marking the rest unsearchable. Returns the back-reference
// table from pruned move to its canonical sibling.
func (s *Search) pruneSymmetricMoves(policy []float32, legal []common.Loc) []common.Loc {
	xSize := s.rootState.BoardXSize()
	ySize := s.rootState.BoardYSize()
	numSyms := 4
	if xSize == ySize {
		numSyms = nneval.NumSymmetries
	}

	var invariantSyms []int
	for sym := 1; sym < numSyms; sym++ {
		if s.rootState.IsSymmetryInvariant(sym) {
			invariantSyms = append(invariantSyms, sym)
		}
	}
	symmetryOf := make([]common.Loc, len(policy))
	for i := range symmetryOf {
		symmetryOf[i] = common.NullLoc
	}
	if len(invariantSyms) == 0 {
		return symmetryOf
	}

	// Deterministic orbit walk: smallest loc in each orbit is canonical.
	sorted := append([]common.Loc(nil), legal...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, loc := range sorted {
		if symmetryOf[loc] != common.NullLoc {
			continue
		}
		for _, sym := range invariantSyms {
			mapped := nneval.TransformLoc(loc, sym, xSize, ySize)
			if mapped != loc && int(mapped) < len(policy) && policy[mapped] >= 0 && symmetryOf[mapped] == common.NullLoc {
				symmetryOf[mapped] = loc
				policy[mapped] = -1
			}
		}
	}
	return symmetryOf
}
