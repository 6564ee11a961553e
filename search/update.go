package search

import (
	"errors"
	"math"

	"github.com/rs/zerolog/log"

	"github.com/quetzal-engine/quetzal/common"
	"github.com/quetzal-engine/quetzal/nneval"
)

// resultUtility maps a (winLoss, noResult) outcome pair to a single
// white-positive utility.
func (s *Search) resultUtility(winLoss, noResult float64) float64 {
	return winLoss*s.params.WinLossUtilityFactor + noResult*s.params.NoResultUtilityForWhite
}

func (s *Search) nnOutputUtility(out *nneval.NNOutput) float64 {
	winLoss := float64(out.WinProb) - float64(out.LossProb)
	return s.resultUtility(winLoss, float64(out.NoResultProb))
}

// addLeafValue folds one leaf contribution into the node's stats as a
// weighted mean. With assumeNoExistingWeight the stores skip the
// read-modify-write; that path is only correct for a node's very first
// contribution.
func (s *Search) addLeafValue(node *SearchNode, winLossValue, noResultValue, weight float64, assumeNoExistingWeight bool) {
	utility := s.resultUtility(winLossValue, noResultValue)
	utilitySq := utility * utility
	weightSq := weight * weight

	node.lockStats()
	if assumeNoExistingWeight {
		node.stats.WinLossValueAvg.Store(winLossValue)
		node.stats.NoResultValueAvg.Store(noResultValue)
		node.stats.UtilityAvg.Store(utility)
		node.stats.UtilitySqAvg.Store(utilitySq)
		node.stats.WeightSqSum.Store(weightSq)
		node.stats.WeightSum.Store(weight)
		oldVisits := node.stats.Visits.Add(1) - 1
		node.unlockStats()
		// Only reachable when a hash collision or a history interaction
		// lets a node accrue visits before its first real evaluation.
		// Nothing sensible can be recovered; log rather than crash.
		if oldVisits != 0 {
			log.Warn().Int64("oldVisits", oldVisits).
				Msg("leaf-already-has-visits-despite-no-existing-weight")
		}
		return
	}

	oldWeightSum := node.stats.WeightSum.Load()
	newWeightSum := oldWeightSum + weight
	node.stats.WinLossValueAvg.Store((node.stats.WinLossValueAvg.Load()*oldWeightSum + winLossValue*weight) / newWeightSum)
	node.stats.NoResultValueAvg.Store((node.stats.NoResultValueAvg.Load()*oldWeightSum + noResultValue*weight) / newWeightSum)
	node.stats.UtilityAvg.Store((node.stats.UtilityAvg.Load()*oldWeightSum + utility*weight) / newWeightSum)
	node.stats.UtilitySqAvg.Store((node.stats.UtilitySqAvg.Load()*oldWeightSum + utilitySq*weight) / newWeightSum)
	node.stats.WeightSqSum.Store(node.stats.WeightSqSum.Load() + weightSq)
	node.stats.WeightSum.Store(newWeightSum)
	node.stats.Visits.Add(1)
	node.unlockStats()
}

// addCurrentNNOutputAsLeafValue contributes the node's own evaluation to
// its stats. Values in the search are from the white-positive perspective
// always.
func (s *Search) addCurrentNNOutputAsLeafValue(node *SearchNode, assumeNoExistingWeight bool) {
	out := node.NNOutput()
	winProb := float64(out.WinProb)
	lossProb := float64(out.LossProb)
	noResultProb := float64(out.NoResultProb)
	weight := s.computeWeightFromNNOutput(out)
	s.addLeafValue(node, winProb-lossProb, noResultProb, weight, assumeNoExistingWeight)
}

// computeWeightFromNNOutput returns the playout weight for a leaf, scaling
// inversely with the net's own short-term error estimate when uncertainty
// weighting is on. The baseline term caps any single leaf's weight at
// uncertaintyMaxWeight.
func (s *Search) computeWeightFromNNOutput(out *nneval.NNOutput) float64 {
	if !s.params.UseUncertainty {
		return 1.0
	}
	if !s.nnEval.SupportsShorttermError() {
		return 1.0
	}

	utilityUncertainty := s.params.WinLossUtilityFactor * float64(out.ShorttermWinlossError)

	var poweredUncertainty float64
	switch s.params.UncertaintyExponent {
	case 1.0:
		poweredUncertainty = utilityUncertainty
	case 0.5:
		poweredUncertainty = math.Sqrt(utilityUncertainty)
	default:
		poweredUncertainty = math.Pow(utilityUncertainty, s.params.UncertaintyExponent)
	}

	baselineUncertainty := s.params.UncertaintyCoeff / s.params.UncertaintyMaxWeight
	return s.params.UncertaintyCoeff / (poweredUncertainty + baselineUncertainty)
}

// updateStatsAfterPlayout aggregates pending contributions at the node.
// The thread that moves the dirty counter from 0 to 1 performs the
// recomputation; any other thread leaves its increment for that owner to
// pick up, so each contribution is aggregated exactly once.
func (s *Search) updateStatsAfterPlayout(node *SearchNode, st *searchThread, isRoot bool) {
	oldDirtyCounter := node.dirtyCounter.Add(1) - 1
	if oldDirtyCounter < 0 {
		s.recordInvariantFailure(errNegativeDirtyCounter)
		return
	}
	if oldDirtyCounter > 0 {
		return
	}
	numVisitsCompleted := int32(1)
	for {
		s.recomputeNodeStats(node, st, int64(numVisitsCompleted), isRoot)
		newDirtyCounter := node.dirtyCounter.Add(-numVisitsCompleted)
		if newDirtyCounter <= 0 {
			if newDirtyCounter < 0 {
				s.recordInvariantFailure(errNegativeDirtyCounter)
			}
			return
		}
		// More contributions arrived while we were recomputing; fold them
		// in with one more pass.
		numVisitsCompleted = newDirtyCounter
	}
}

// recomputeNodeStats recomputes every child-dependent stat of the node and
// publishes the result, adding numVisitsToAdd to its visit count. Assumes
// the node has an NN output.
func (s *Search) recomputeNodeStats(node *SearchNode, st *searchThread, numVisitsToAdd int64, isRoot bool) {
	children, capacity := node.Children()
	if cap(st.statsBuf) < capacity {
		st.statsBuf = make([]moreNodeStats, capacity)
	}
	statsBuf := st.statsBuf[:capacity]

	numGoodChildren := 0
	origTotalChildWeight := 0.0
	for i := range children {
		moveLoc := children[i].MoveLoc()
		if moveLoc == common.NullLoc {
			break
		}
		child := children[i].Child()
		if child == nil {
			break
		}
		edgeVisits := children[i].EdgeVisits()
		snap := child.stats.Snapshot()
		if snap.Visits <= 0 || snap.WeightSum <= 0.0 || edgeVisits <= 0 {
			continue
		}

		entry := &statsBuf[numGoodChildren]
		entry.stats = snap
		childUtility := snap.UtilityAvg
		if node.NextPla == common.White {
			entry.selfUtility = childUtility
		} else {
			entry.selfUtility = -childUtility
		}
		entry.weightAdjusted = snap.ChildWeight(edgeVisits)
		entry.prevMoveLoc = moveLoc

		origTotalChildWeight += entry.weightAdjusted
		numGoodChildren++
	}

	currentTotalChildWeight := origTotalChildWeight

	if s.params.UseNoisePruning && numGoodChildren > 0 {
		if cap(st.policyBuf) < numGoodChildren {
			st.policyBuf = make([]float64, capacity)
		}
		policyBuf := st.policyBuf[:numGoodChildren]
		policy := s.policyForNode(node, isRoot)
		for i := 0; i < numGoodChildren; i++ {
			policyBuf[i] = math.Max(1e-30, float64(policyAt(policy, statsBuf[i].prevMoveLoc)))
		}
		currentTotalChildWeight = s.pruneNoiseWeight(statsBuf[:numGoodChildren], currentTotalChildWeight, policyBuf)
	}

	{
		amountToSubtract := 0.0
		amountToPrune := 0.0
		if isRoot && s.params.RootNoiseEnabled && !s.params.UseNoisePruning {
			maxChildWeight := 0.0
			for i := 0; i < numGoodChildren; i++ {
				if statsBuf[i].weightAdjusted > maxChildWeight {
					maxChildWeight = statsBuf[i].weightAdjusted
				}
			}
			amountToSubtract = math.Min(s.params.ChosenMoveSubtract, maxChildWeight/64.0)
			amountToPrune = math.Min(s.params.ChosenMovePrune, maxChildWeight/64.0)
		}
		currentTotalChildWeight = s.downweightBadChildrenAndNormalizeWeight(
			statsBuf[:numGoodChildren], currentTotalChildWeight, currentTotalChildWeight,
			amountToSubtract, amountToPrune)
	}

	winLossValueSum := 0.0
	noResultValueSum := 0.0
	utilitySum := 0.0
	utilitySqSum := 0.0
	weightSqSum := 0.0
	weightSum := currentTotalChildWeight
	for i := 0; i < numGoodChildren; i++ {
		snap := &statsBuf[i].stats

		desiredWeight := statsBuf[i].weightAdjusted
		weightScaling := desiredWeight / snap.WeightSum

		winLossValueSum += desiredWeight * snap.WinLossValueAvg
		noResultValueSum += desiredWeight * snap.NoResultValueAvg
		utilitySum += desiredWeight * snap.UtilityAvg
		utilitySqSum += desiredWeight * snap.UtilitySqAvg
		weightSqSum += weightScaling * weightScaling * snap.WeightSqSum
	}

	// Add in the direct evaluation of this node.
	{
		out := node.NNOutput()
		winProb := float64(out.WinProb)
		lossProb := float64(out.LossProb)
		noResultProb := float64(out.NoResultProb)
		utility := s.resultUtility(winProb-lossProb, noResultProb)

		weight := s.computeWeightFromNNOutput(out)
		winLossValueSum += (winProb - lossProb) * weight
		noResultValueSum += noResultProb * weight
		utilitySum += utility * weight
		utilitySqSum += utility * utility * weight
		weightSqSum += weight * weight
		weightSum += weight
	}

	winLossValueAvg := winLossValueSum / weightSum
	noResultValueAvg := noResultValueSum / weightSum
	utilityAvg := utilitySum / weightSum
	utilitySqAvg := utilitySqSum / weightSum

	if math.IsNaN(utilityAvg) || math.IsNaN(winLossValueAvg) {
		s.recordInvariantFailure(errStatsNaN)
		return
	}

	node.lockStats()
	node.stats.WinLossValueAvg.Store(winLossValueAvg)
	node.stats.NoResultValueAvg.Store(noResultValueAvg)
	node.stats.UtilityAvg.Store(utilityAvg)
	node.stats.UtilitySqAvg.Store(utilitySqAvg)
	node.stats.WeightSqSum.Store(weightSqSum)
	node.stats.WeightSum.Store(weightSum)
	node.stats.Visits.Add(numVisitsToAdd)
	node.unlockStats()
}

// downweightBadChildrenAndNormalizeWeight multiplies each child's weight by
// the standard-normal CDF of its utility z-score raised to the value-weight
// exponent, applies the root subtract/prune amounts, and renormalizes the
// buffer to sum to desiredTotalWeight. Returns the final sum.
func (s *Search) downweightBadChildrenAndNormalizeWeight(
	statsBuf []moreNodeStats,
	currentTotalWeight, desiredTotalWeight float64,
	amountToSubtract, amountToPrune float64,
) float64 {
	numChildren := len(statsBuf)
	if numChildren <= 0 || currentTotalWeight <= 0.0 {
		return currentTotalWeight
	}

	if s.params.ValueWeightExponent == 0 {
		for i := range statsBuf {
			if statsBuf[i].weightAdjusted < amountToPrune {
				currentTotalWeight -= statsBuf[i].weightAdjusted
				statsBuf[i].weightAdjusted = 0.0
				continue
			}
			newWeight := statsBuf[i].weightAdjusted - amountToSubtract
			if newWeight <= 0 {
				currentTotalWeight -= statsBuf[i].weightAdjusted
				statsBuf[i].weightAdjusted = 0.0
			} else {
				currentTotalWeight -= amountToSubtract
				statsBuf[i].weightAdjusted = newWeight
			}
		}
		if currentTotalWeight != desiredTotalWeight && currentTotalWeight > 0 {
			factor := desiredTotalWeight / currentTotalWeight
			for i := range statsBuf {
				statsBuf[i].weightAdjusted *= factor
			}
			currentTotalWeight = desiredTotalWeight
		}
		return currentTotalWeight
	}

	stdevs := make([]float64, numChildren)
	simpleValueSum := 0.0
	for i := range statsBuf {
		if statsBuf[i].stats.Visits == 0 {
			continue
		}
		weight := statsBuf[i].weightAdjusted
		precision := 1.5 * math.Sqrt(weight)

		// Some minimum variance for stability regardless of the formula.
		const minVariance = 0.00000001
		stdevs[i] = math.Sqrt(minVariance + 1.0/precision)
		simpleValueSum += statsBuf[i].selfUtility * weight
	}

	simpleValue := simpleValueSum / currentTotalWeight

	totalNewUnnormWeight := 0.0
	for i := range statsBuf {
		if statsBuf[i].stats.Visits == 0 {
			continue
		}
		if statsBuf[i].weightAdjusted < amountToPrune {
			currentTotalWeight -= statsBuf[i].weightAdjusted
			statsBuf[i].weightAdjusted = 0.0
			continue
		}
		newWeight := statsBuf[i].weightAdjusted - amountToSubtract
		if newWeight <= 0 {
			currentTotalWeight -= statsBuf[i].weightAdjusted
			statsBuf[i].weightAdjusted = 0.0
		} else {
			currentTotalWeight -= amountToSubtract
			statsBuf[i].weightAdjusted = newWeight
		}

		z := (statsBuf[i].selfUtility - simpleValue) / stdevs[i]
		// A tiny floor keeps every child's weight strictly positive.
		p := valueWeightDistribution.CDF(z) + 0.0001
		statsBuf[i].weightAdjusted *= math.Pow(p, s.params.ValueWeightExponent)
		totalNewUnnormWeight += statsBuf[i].weightAdjusted
	}

	if totalNewUnnormWeight <= 0.0 {
		return 0.0
	}
	factor := desiredTotalWeight / totalNewUnnormWeight
	for i := range statsBuf {
		statsBuf[i].weightAdjusted *= factor
	}
	return desiredTotalWeight
}

// pruneNoiseWeight walks the children in policy order and strips weight
// from any child whose utility is worse than the running average and whose
// weight exceeds twice its raw-policy share. Returns the new weight sum.
func (s *Search) pruneNoiseWeight(statsBuf []moreNodeStats, totalChildWeight float64, policyProbsBuf []float64) float64 {
	numChildren := len(statsBuf)
	if numChildren <= 1 || totalChildWeight <= 0.00001 {
		return totalChildWeight
	}

	// Children are normally installed in policy order. Root policy
	// recomputations and hint biases can perturb that slightly; walking in
	// installed order anyway is close enough for pruning purposes.
	utilitySumSoFar := 0.0
	weightSumSoFar := 0.0
	rawPolicySumSoFar := 0.0
	for i := 0; i < numChildren; i++ {
		utility := statsBuf[i].selfUtility
		oldWeight := statsBuf[i].weightAdjusted
		rawPolicy := policyProbsBuf[i]

		newWeight := oldWeight
		if weightSumSoFar > 0 && rawPolicySumSoFar > 0 {
			avgUtilitySoFar := utilitySumSoFar / weightSumSoFar
			utilityGap := avgUtilitySoFar - utility
			if utilityGap > 0 {
				weightShareFromRawPolicy := weightSumSoFar * rawPolicy / rawPolicySumSoFar
				// Only children holding more than double their proper
				// share of the weight get pruned.
				lenientWeightShareFromRawPolicy := 2.0 * weightShareFromRawPolicy
				if oldWeight > lenientWeightShareFromRawPolicy {
					excessWeight := oldWeight - lenientWeightShareFromRawPolicy
					weightToSubtract := excessWeight * (1.0 - math.Exp(-utilityGap/s.params.NoisePruneUtilityScale))
					if weightToSubtract > s.params.NoisePruningCap {
						weightToSubtract = s.params.NoisePruningCap
					}
					newWeight = oldWeight - weightToSubtract
					statsBuf[i].weightAdjusted = newWeight
				}
			}
		}
		utilitySumSoFar += utility * newWeight
		weightSumSoFar += newWeight
		rawPolicySumSoFar += rawPolicy
	}
	return weightSumSoFar
}

var (
	errNegativeDirtyCounter = errors.New("dirty counter went negative")
	errStatsNaN             = errors.New("recomputed node stats are NaN")
)
