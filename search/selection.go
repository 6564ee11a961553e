package search

import (
	"math"

	"github.com/quetzal-engine/quetzal/common"
)

// policyForNode returns the prior vector used for selection at the node.
// The root uses the noised/tempered copy once it has been prepared.
func (s *Search) policyForNode(node *SearchNode, isRoot bool) []float32 {
	if isRoot && s.rootPolicyReady.Load() {
		return s.rootPolicy
	}
	out := node.NNOutput()
	if out == nil {
		return nil
	}
	return out.Policy
}

func policyAt(policy []float32, loc common.Loc) float32 {
	if policy == nil || int(loc) < 0 || int(loc) >= len(policy) {
		return -1
	}
	return policy[loc]
}

// exploreScaling is the shared multiplier of the exploration term:
// cpuct(N) · sqrt(N), where N is the total child weight at the parent, with
// an additional factor scaling with the observed utility stdev at the
// parent blended against its prior.
func (s *Search) exploreScaling(totalChildWeight float64, parent *SearchNode) float64 {
	p := &s.params
	cpuct := p.CpuctExploration
	if p.CpuctExplorationLog != 0 {
		cpuct += p.CpuctExplorationLog * math.Log(1.0+totalChildWeight/p.CpuctExplorationBase)
	}
	scaling := cpuct * math.Sqrt(totalChildWeight+0.01)

	if p.CpuctUtilityStdevScale > 0 {
		snap := parent.stats.Snapshot()
		observedStdev := 0.0
		if snap.WeightSum > 0 {
			variance := snap.UtilitySqAvg - snap.UtilityAvg*snap.UtilityAvg
			if variance > 0 {
				observedStdev = math.Sqrt(variance)
			}
		}
		mixed := (p.CpuctUtilityStdevPrior*p.CpuctUtilityStdevPriorWeight + observedStdev*snap.WeightSum) /
			(p.CpuctUtilityStdevPriorWeight + snap.WeightSum)
		scaling *= 1.0 + p.CpuctUtilityStdevScale*(mixed/p.CpuctUtilityStdevPrior-1.0)
	}
	return scaling
}

// fpuValueForChildren computes the self-perspective utility assumed for a
// never-visited child of the node: the parent's utility (optionally blended
// toward the parent's direct NN value), reduced in proportion to the square
// root of the policy mass already visited, then pulled toward a loss by
// fpuLossProp.
func (s *Search) fpuValueForChildren(node *SearchNode, isRoot bool, policyProbMassVisited float64) float64 {
	p := &s.params
	out := node.NNOutput()

	parentAvgUtility := node.stats.UtilityAvg.Load()
	parentNNUtility := s.nnOutputUtility(out)

	var parentUtility float64
	if p.FpuParentWeightByVisitedPolicy {
		avgWeight := math.Min(1.0, math.Pow(policyProbMassVisited, p.FpuParentWeightByVisitedPolicyPow))
		parentUtility = avgWeight*parentAvgUtility + (1.0-avgWeight)*parentNNUtility
	} else if p.FpuParentWeight > 0 {
		parentUtility = parentAvgUtility*(1.0-p.FpuParentWeight) + parentNNUtility*p.FpuParentWeight
	} else {
		parentUtility = parentAvgUtility
	}

	reductionMax := p.FpuReductionMax
	lossProp := p.FpuLossProp
	if isRoot {
		reductionMax = p.RootFpuReductionMax
		lossProp = p.RootFpuLossProp
	}

	parentSelf := parentUtility
	if node.NextPla == common.Black {
		parentSelf = -parentSelf
	}
	fpu := parentSelf - reductionMax*math.Sqrt(policyProbMassVisited)

	if lossProp > 0 {
		lossSelfUtility := -p.WinLossUtilityFactor
		fpu += (lossSelfUtility - fpu) * lossProp
	}
	return fpu
}

// lossSelfUtility is the worst self-perspective utility a traversing player
// can see, used to bias virtually-lost children.
func (s *Search) lossSelfUtility() float64 {
	return -s.params.WinLossUtilityFactor - math.Abs(s.params.NoResultUtilityForWhite)
}

// childSelectionScore scores one existing edge for PUCT selection from the
// parent's self perspective, folding the child's virtual losses into both
// the utility and the visit denominator.
func (s *Search) childSelectionScore(
	node *SearchNode,
	edge *SearchChildPointer,
	prior float64,
	exploreScaling float64,
	fpuValue float64,
) float64 {
	child := edge.Child()
	edgeVisits := edge.EdgeVisits()

	var selfUtility float64
	var virtualLosses float64
	if child != nil {
		virtualLosses = child.VirtualLosses()
	}

	if child == nil || edgeVisits <= 0 {
		selfUtility = fpuValue
	} else {
		snap := child.stats.Snapshot()
		if snap.Visits <= 0 || snap.WeightSum <= 0 {
			selfUtility = fpuValue
		} else {
			utility := snap.UtilityAvg
			if node.NextPla == common.Black {
				utility = -utility
			}
			if virtualLosses > 0 {
				weight := snap.ChildWeight(edgeVisits)
				utility = (utility*weight + s.lossSelfUtility()*virtualLosses) / (weight + virtualLosses)
			}
			selfUtility = utility
		}
	}

	explore := exploreScaling * prior / (1.0 + float64(edgeVisits) + virtualLosses)
	return selfUtility + explore
}

// newChildSelectionScore scores the best not-yet-allocated move.
func (s *Search) newChildSelectionScore(prior, exploreScaling, fpuValue float64) float64 {
	return fpuValue + exploreScaling*prior
}

// rootMoveAvoided reports whether the move is excluded at the root by the
// caller's avoid-move lists.
func (s *Search) rootMoveAvoided(loc common.Loc) bool {
	until, ok := s.avoidMoveUntilByLoc[s.rootState.NextPlayer()][loc]
	return ok && until > s.rootState.TurnNumber()
}

// selectBestChildToDescend picks the move to traverse from the node. It
// returns the move and the existing edge for it, or a nil edge when the
// move has no allocated child yet. A NullLoc move means nothing is
// selectable (no legal moves survive the root filters).
func (s *Search) selectBestChildToDescend(st *searchThread, node *SearchNode, isRoot bool) (common.Loc, *SearchChildPointer) {
	policy := s.policyForNode(node, isRoot)
	children, _ := node.Children()

	// Root hint: force the hinted move's first visit.
	if isRoot && s.rootHintLoc != common.NullLoc {
		if edge := node.findChild(s.rootHintLoc); edge == nil {
			if policyAt(policy, s.rootHintLoc) >= 0 {
				return s.rootHintLoc, nil
			}
		} else if edge.EdgeVisits() == 0 {
			return s.rootHintLoc, edge
		}
	}

	// Graph-search catch-up leak: occasionally descend an edge that lags
	// its transposed child's visit count, so deep rejoin paths are not
	// starved by the usual score ranking.
	if s.params.UseGraphSearch && s.params.GraphSearchCatchUpLeakProb > 0 &&
		st.rng.Float64() < s.params.GraphSearchCatchUpLeakProb {
		var lagEdge *SearchChildPointer
		var lagLoc common.Loc
		var bestLag int64
		for i := range children {
			loc := children[i].MoveLoc()
			if loc == common.NullLoc {
				break
			}
			child := children[i].Child()
			if child == nil {
				continue
			}
			lag := child.stats.Visits.Load() - children[i].EdgeVisits()
			if lag > bestLag {
				bestLag = lag
				lagEdge = &children[i]
				lagLoc = loc
			}
		}
		if lagEdge != nil {
			return lagLoc, lagEdge
		}
	}

	// Policy mass already visited, for FPU.
	totalChildWeight := 0.0
	policyProbMassVisited := 0.0
	numChildren := 0
	for i := range children {
		loc := children[i].MoveLoc()
		if loc == common.NullLoc {
			break
		}
		numChildren++
		child := children[i].Child()
		if child == nil {
			continue
		}
		edgeVisits := children[i].EdgeVisits()
		if edgeVisits > 0 {
			totalChildWeight += child.stats.Snapshot().ChildWeight(edgeVisits)
		}
		if p := policyAt(policy, loc); p >= 0 {
			policyProbMassVisited += float64(p)
		}
	}

	exploreScaling := s.exploreScaling(totalChildWeight, node)
	fpuValue := s.fpuValueForChildren(node, isRoot, policyProbMassVisited)

	totalChildVisits := int64(0)
	if isRoot && s.params.RootDesiredPerChildVisitsCoeff > 0 {
		for i := 0; i < numChildren; i++ {
			totalChildVisits += children[i].EdgeVisits()
		}
	}

	bestScore := math.Inf(-1)
	bestLoc := common.NullLoc
	var bestEdge *SearchChildPointer

	seen := make(map[common.Loc]bool, numChildren)
	for i := 0; i < numChildren; i++ {
		loc := children[i].MoveLoc()
		seen[loc] = true
		prior := float64(policyAt(policy, loc))
		if prior < 0 {
			// Pruned at the root (symmetry or noise filtering).
			continue
		}
		if isRoot && s.rootMoveAvoided(loc) {
			continue
		}

		// Funnel a minimum share of visits down every root child that has
		// received any, before the selection rule may prune it.
		if isRoot && s.params.RootDesiredPerChildVisitsCoeff > 0 {
			edgeVisits := children[i].EdgeVisits()
			if edgeVisits > 0 {
				desired := math.Sqrt(s.params.RootDesiredPerChildVisitsCoeff * prior * float64(totalChildVisits))
				if float64(edgeVisits) < desired {
					return loc, &children[i]
				}
			}
		}

		score := s.childSelectionScore(node, &children[i], prior, exploreScaling, fpuValue)
		// Strict comparison keeps the earliest-installed child on ties,
		// i.e. policy order breaks ties.
		if score > bestScore {
			bestScore = score
			bestLoc = loc
			bestEdge = &children[i]
		}
	}

	// The strongest unallocated move competes with the existing children.
	newLoc := common.NullLoc
	newPrior := 0.0
	for _, loc := range s.legalMovesForNode(st) {
		if seen[loc] {
			continue
		}
		prior := float64(policyAt(policy, loc))
		if prior < 0 {
			continue
		}
		if isRoot && s.rootMoveAvoided(loc) {
			continue
		}
		if newLoc == common.NullLoc || prior > newPrior {
			newLoc = loc
			newPrior = prior
		}
	}
	if newLoc != common.NullLoc {
		if score := s.newChildSelectionScore(newPrior, exploreScaling, fpuValue); score > bestScore {
			return newLoc, nil
		}
	}

	return bestLoc, bestEdge
}

// legalMovesForNode returns the legal moves at the thread's current state,
// which tracks the node being descended.
func (s *Search) legalMovesForNode(st *searchThread) []common.Loc {
	return st.state.LegalMoves()
}
