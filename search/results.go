package search

import (
	"math"
	"math/rand/v2"
	"sort"

	"github.com/samber/lo"

	"github.com/quetzal-engine/quetzal/common"
)

// PVNode is one step of a principal variation with the visit count of the
// edge that was followed.
type PVNode struct {
	Move       common.Loc
	EdgeVisits int64
}

// AnalysisData summarizes one root child for reporting. Values are from
// the perspective of the root player unless noted.
type AnalysisData struct {
	Move      common.Loc
	NumVisits int64

	// White-positive values.
	WinLossValue  float64
	NoResultValue float64
	Utility       float64

	// UtilityLcb is the lower confidence bound on the self-perspective
	// utility of the root player.
	UtilityLcb  float64
	RadiusLcb   float64
	PolicyPrior float64
	WeightSum   float64

	// Order is the rank by visits, 0 = most visited.
	Order int

	// IsSymmetryOf names the canonical sibling when this move was pruned
	// by root symmetry pruning, else NullLoc.
	IsSymmetryOf common.Loc

	PV []PVNode
}

// RootValues is the overall value snapshot at the root.
type RootValues struct {
	WinProb      float64
	LossProb     float64
	NoResultProb float64
	Utility      float64
	WeightSum    float64
	Visits       int64
}

// GetRootValues returns the aggregated root values, or ErrNoSearchRan when
// the root was never evaluated.
func (s *Search) GetRootValues() (RootValues, error) {
	root := s.rootNode
	if root == nil || root.stats.Visits.Load() <= 0 {
		return RootValues{}, ErrNoSearchRan
	}
	snap := root.stats.Snapshot()
	winLoss := snap.WinLossValueAvg
	noResult := snap.NoResultValueAvg
	return RootValues{
		WinProb:      (1.0 + winLoss - noResult) / 2.0,
		LossProb:     (1.0 - winLoss - noResult) / 2.0,
		NoResultProb: noResult,
		Utility:      snap.UtilityAvg,
		WeightSum:    snap.WeightSum,
		Visits:       snap.Visits,
	}, nil
}

// selfUtilityLCBAndRadius computes the lower confidence bound on the mean
// utility of a child from the root player's perspective, using the
// effective sample size weightSum²/weightSqSum.
func (s *Search) selfUtilityLCBAndRadius(snap NodeStatsSnapshot, rootPla common.Player) (lcb, radius float64) {
	utility := snap.UtilityAvg
	if rootPla == common.Black {
		utility = -utility
	}
	variance := snap.UtilitySqAvg - snap.UtilityAvg*snap.UtilityAvg
	if variance < 1e-8 {
		variance = 1e-8
	}
	ess := 1.0
	if snap.WeightSqSum > 0 {
		ess = snap.WeightSum * snap.WeightSum / snap.WeightSqSum
	}
	radius = s.params.LcbStdevs * math.Sqrt(variance) / math.Sqrt(ess)
	return utility - radius, radius
}

// GetAnalysisData builds the per-root-child analysis snapshot, sorted by
// visits descending, with principal variations up to maxPVDepth moves.
func (s *Search) GetAnalysisData(maxPVDepth int) []AnalysisData {
	root := s.rootNode
	if root == nil {
		return nil
	}
	rootPla := root.NextPla
	policy := s.policyForNode(root, true)

	children, _ := root.Children()
	data := make([]AnalysisData, 0, len(children))
	for i := range children {
		moveLoc := children[i].MoveLoc()
		if moveLoc == common.NullLoc {
			break
		}
		child := children[i].Child()
		if child == nil {
			continue
		}
		edgeVisits := children[i].EdgeVisits()
		snap := child.stats.Snapshot()
		if edgeVisits <= 0 || snap.Visits <= 0 {
			continue
		}
		lcb, radius := s.selfUtilityLCBAndRadius(snap, rootPla)
		d := AnalysisData{
			Move:          moveLoc,
			NumVisits:     edgeVisits,
			WinLossValue:  snap.WinLossValueAvg,
			NoResultValue: snap.NoResultValueAvg,
			Utility:       snap.UtilityAvg,
			UtilityLcb:    lcb,
			RadiusLcb:     radius,
			PolicyPrior:   float64(policyAt(policy, moveLoc)),
			WeightSum:     snap.WeightSum,
			IsSymmetryOf:  common.NullLoc,
			PV:            s.appendPV(nil, child, moveLoc, edgeVisits, maxPVDepth),
		}
		data = append(data, d)
	}

	sort.SliceStable(data, func(i, j int) bool {
		if data[i].NumVisits != data[j].NumVisits {
			return data[i].NumVisits > data[j].NumVisits
		}
		return data[i].PolicyPrior > data[j].PolicyPrior
	})
	for i := range data {
		data[i].Order = i
	}

	// Symmetry-pruned siblings are reported with a back-reference to the
	// canonical move they mirror.
	if s.rootSymmetryOf != nil {
		for loc, canonical := range s.rootSymmetryOf {
			if canonical == common.NullLoc {
				continue
			}
			if orig, ok := lo.Find(data, func(d AnalysisData) bool { return d.Move == canonical }); ok {
				mirror := orig
				mirror.Move = common.Loc(loc)
				mirror.IsSymmetryOf = canonical
				mirror.NumVisits = 0
				mirror.PV = nil
				mirror.Order = len(data)
				data = append(data, mirror)
			}
		}
	}
	return data
}

// appendPV extends the principal variation by greedily following the most
// visited edge.
func (s *Search) appendPV(pv []PVNode, node *SearchNode, moveLoc common.Loc, edgeVisits int64, depthRemaining int) []PVNode {
	pv = append(pv, PVNode{Move: moveLoc, EdgeVisits: edgeVisits})
	if depthRemaining <= 1 {
		return pv
	}
	children, _ := node.Children()
	var best *SearchChildPointer
	var bestLoc common.Loc
	var bestVisits int64
	for i := range children {
		loc := children[i].MoveLoc()
		if loc == common.NullLoc {
			break
		}
		if ev := children[i].EdgeVisits(); ev > bestVisits {
			bestVisits = ev
			best = &children[i]
			bestLoc = loc
		}
	}
	if best == nil || best.Child() == nil {
		return pv
	}
	return s.appendPV(pv, best.Child(), bestLoc, bestVisits, depthRemaining-1)
}

// RootPolicyEntropy returns the entropy in nats of the root policy, or a
// large value when the root has not been evaluated. Time management uses
// it to gauge how obvious the position is.
func (s *Search) RootPolicyEntropy() float64 {
	root := s.rootNode
	if root == nil || root.NNOutput() == nil {
		return math.Inf(1)
	}
	policy := s.policyForNode(root, true)
	entropy := 0.0
	for _, p := range policy {
		if p > 0 {
			entropy -= float64(p) * math.Log(float64(p))
		}
	}
	return entropy
}

// chosenMoveTemperatureNow blends the early-game chosen-move temperature
// toward the standard one, with the halflife scaled to board area.
func (s *Search) chosenMoveTemperatureNow() float64 {
	p := &s.params
	halflife := p.ChosenMoveTemperatureHalflife *
		float64(s.rootState.BoardXSize()*s.rootState.BoardYSize()) / 361.0
	if halflife <= 0 {
		return p.ChosenMoveTemperature
	}
	decay := math.Pow(0.5, float64(s.rootState.TurnNumber())/halflife)
	return p.ChosenMoveTemperature + (p.ChosenMoveTemperatureEarly-p.ChosenMoveTemperature)*decay
}

// GetChosenMoveLoc picks the move to play from the finished search: the
// most visited root child, overridden by a better lower-confidence-bound
// candidate when LCB selection is on, or sampled by visit count under a
// nonzero chosen-move temperature.
func (s *Search) GetChosenMoveLoc() (common.Loc, error) {
	data := s.GetAnalysisData(1)
	data = lo.Filter(data, func(d AnalysisData, _ int) bool {
		return d.IsSymmetryOf == common.NullLoc && d.NumVisits > 0
	})
	if len(data) == 0 {
		// No child was ever expanded. With at least one successful root
		// evaluation the raw policy still names a best move.
		return s.chosenMoveFromPolicyOnly()
	}

	if s.params.RootPruneUselessMoves && len(data) > 1 {
		data = s.pruneUselessMoves(data)
	}

	best := data[0]
	if s.params.UseLcbForSelection {
		best = s.applyLcbOverride(data, best)
	}

	temperature := s.chosenMoveTemperatureNow()
	if temperature <= 1e-10 {
		return best.Move, nil
	}
	return s.sampleByVisits(data, temperature)
}

// chosenMoveFromPolicyOnly returns the argmax of the root policy, for runs
// capped before any child expansion.
func (s *Search) chosenMoveFromPolicyOnly() (common.Loc, error) {
	root := s.rootNode
	if root == nil {
		return common.NullLoc, ErrNoSearchRan
	}
	out := root.NNOutput()
	if out == nil {
		return common.NullLoc, ErrNoSearchRan
	}
	policy := s.policyForNode(root, true)
	bestLoc := common.NullLoc
	bestProb := float32(-1)
	for loc := range policy {
		if policy[loc] > bestProb {
			bestProb = policy[loc]
			bestLoc = common.Loc(loc)
		}
	}
	if bestLoc == common.NullLoc {
		return common.NullLoc, ErrNoSearchRan
	}
	return bestLoc, nil
}

// applyLcbOverride prefers a child whose lower confidence bound on utility
// beats the top child's utility, provided it carries enough visits.
func (s *Search) applyLcbOverride(data []AnalysisData, best AnalysisData) AnalysisData {
	rootPla := s.rootNode.NextPla
	bestSelfUtility := best.Utility
	if rootPla == common.Black {
		bestSelfUtility = -bestSelfUtility
	}
	minVisits := s.params.MinVisitPropForLCB * float64(best.NumVisits)

	chosen := best
	bestBound := bestSelfUtility
	if !s.params.UseNonBuggyLcb {
		// The historical behavior compared candidates against the top
		// child's own LCB rather than its utility.
		bestBound = best.UtilityLcb
	}
	for _, d := range data {
		if d.Move == best.Move {
			continue
		}
		if float64(d.NumVisits) < minVisits {
			continue
		}
		if d.UtilityLcb > bestBound {
			bestBound = d.UtilityLcb
			chosen = d
		}
	}
	return chosen
}

// pruneUselessMoves drops strictly dominated moves: those that another
// move beats on visits and self-utility simultaneously by a wide margin
// while holding almost no policy mass of their own.
func (s *Search) pruneUselessMoves(data []AnalysisData) []AnalysisData {
	rootPla := s.rootNode.NextPla
	selfUtility := func(d AnalysisData) float64 {
		if rootPla == common.Black {
			return -d.Utility
		}
		return d.Utility
	}
	kept := lo.Filter(data, func(d AnalysisData, _ int) bool {
		for _, other := range data {
			if other.Move == d.Move {
				continue
			}
			if other.NumVisits >= 8*d.NumVisits &&
				selfUtility(other) > selfUtility(d)+1e-9 &&
				d.PolicyPrior < 0.01 {
				return false
			}
		}
		return true
	})
	if len(kept) == 0 {
		return data
	}
	return kept
}

// sampleByVisits samples a move with probability proportional to
// max(0, visits − chosenMoveSubtract)^(1/T), pruning children below
// chosenMovePrune.
func (s *Search) sampleByVisits(data []AnalysisData, temperature float64) (common.Loc, error) {
	maxVisits := data[0].NumVisits
	for _, d := range data {
		if d.NumVisits > maxVisits {
			maxVisits = d.NumVisits
		}
	}

	weights := make([]float64, len(data))
	var total float64
	for i, d := range data {
		v := float64(d.NumVisits) - s.params.ChosenMoveSubtract
		if float64(d.NumVisits) < s.params.ChosenMovePrune || v <= 0 {
			continue
		}
		// Normalize by the max before exponentiating for numeric range.
		weights[i] = math.Pow(v/float64(maxVisits), 1.0/temperature)
		total += weights[i]
	}
	if total <= 0 {
		return data[0].Move, nil
	}

	rng := rand.New(rand.NewPCG(s.seed+uint64(s.rootState.TurnNumber()), 0x5eed5eed))
	r := rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return data[i].Move, nil
		}
	}
	return data[len(data)-1].Move, nil
}
