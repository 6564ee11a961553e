// Package timecontrol computes per-move time budgets from a clock policy
// (absolute, byo-yomi, canadian, fischer, fischer-capped, or none) and the
// shaping factors of the engine configuration. The search itself only sees
// the final deadline; everything here is advisory shaping on top of it.
package timecontrol

import (
	"math"
	"time"
)

// Kind selects the clock policy.
type Kind int

const (
	// None means no clock; the search runs to its visit/playout caps.
	None Kind = iota
	// Absolute is a single fixed budget for the whole game.
	Absolute
	// Byoyomi is main time plus fixed-length overtime periods.
	Byoyomi
	// Canadian is main time plus periods of N stones per period.
	Canadian
	// Fischer adds an increment after every move.
	Fischer
	// FischerCapped is Fischer with a ceiling on accumulated time.
	FischerCapped
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Absolute:
		return "absolute"
	case Byoyomi:
		return "byoyomi"
	case Canadian:
		return "canadian"
	case Fischer:
		return "fischer"
	case FischerCapped:
		return "fischer-capped"
	}
	return "unknown"
}

// TimeControls is the caller-visible clock state for the player about to
// move. MainTimeLeft is the remaining main time at the moment of the call.
type TimeControls struct {
	Kind Kind

	MainTimeLeft time.Duration

	// Fischer.
	Increment    time.Duration
	IncrementCap time.Duration

	// Byoyomi.
	ByoYomiTime    time.Duration
	ByoYomiPeriods int

	// Canadian.
	PeriodTimeLeft time.Duration
	StonesLeft     int
}

// NoTimeControls is the policy under which only the search caps bind.
func NoTimeControls() TimeControls {
	return TimeControls{Kind: None}
}

// Shaping carries the budget-shaping factors, filled from the search
// parameters by the bot.
type Shaping struct {
	OverallocateTimeFactor              float64
	MidgameTimeFactor                   float64
	MidgameTurnPeakTime                 float64
	EndgameTurnTimeDecay                float64
	ObviousMovesTimeFactor              float64
	ObviousMovesPolicyEntropyTolerance  float64
	ObviousMovesPolicySurpriseTolerance float64
	TreeReuseCarryOverTimeFactor        float64
	LagBuffer                           time.Duration
}

// Expected further moves by one player in a typical game, used to split a
// fixed budget. Deliberately pessimistic so absolute clocks never run dry.
const expectedRemainingMoves = 30.0

// Budget computes the time to allot to the next move. rootPolicyEntropy
// gauges how obvious the move is, and rootPolicySurprise how much the
// previous search result deviated from the raw policy (+Inf when either
// is unknown); treeReuseTime is the thinking time assumed to carry over
// from the preserved subtree. A zero result means no time bound applies.
func (tc TimeControls) Budget(sh Shaping, turnNumber, boardArea int, rootPolicyEntropy, rootPolicySurprise float64, treeReuseTime time.Duration) time.Duration {
	base := tc.baseRecommended()
	if base <= 0 {
		return 0
	}

	allotted := float64(base)
	if sh.OverallocateTimeFactor > 0 {
		allotted *= sh.OverallocateTimeFactor
	}
	allotted *= sh.midgameFactor(turnNumber, boardArea)
	allotted *= sh.obviousnessFactor(rootPolicyEntropy, rootPolicySurprise)
	if sh.TreeReuseCarryOverTimeFactor > 0 && treeReuseTime > 0 {
		allotted += sh.TreeReuseCarryOverTimeFactor * float64(treeReuseTime)
	}

	budget := time.Duration(allotted)
	if cap := tc.hardCap(sh.LagBuffer); cap > 0 && budget > cap {
		budget = cap
	}
	if budget < time.Millisecond {
		budget = time.Millisecond
	}
	return budget
}

// baseRecommended is the unshaped per-move recommendation of the raw clock
// policy.
func (tc TimeControls) baseRecommended() time.Duration {
	switch tc.Kind {
	case None:
		return 0
	case Absolute:
		return time.Duration(float64(tc.MainTimeLeft) / expectedRemainingMoves)
	case Byoyomi:
		// Spend main time at the absolute rate, then settle into one
		// period per move, keeping a reserve while periods remain.
		perMove := time.Duration(float64(tc.MainTimeLeft) / expectedRemainingMoves)
		if tc.ByoYomiPeriods > 0 && perMove < tc.ByoYomiTime {
			perMove = tc.ByoYomiTime
		}
		return perMove
	case Canadian:
		perMove := time.Duration(float64(tc.MainTimeLeft) / expectedRemainingMoves)
		if tc.StonesLeft > 0 {
			periodShare := time.Duration(float64(tc.PeriodTimeLeft) / float64(tc.StonesLeft))
			if periodShare > perMove {
				perMove = periodShare
			}
		}
		return perMove
	case Fischer, FischerCapped:
		// The increment is free each move; spend a conservative slice of
		// the banked main time on top of it.
		return tc.Increment + time.Duration(float64(tc.MainTimeLeft)/(expectedRemainingMoves/1.5))
	}
	return 0
}

// hardCap bounds a single move so the clock can never be overrun outright.
func (tc TimeControls) hardCap(lagBuffer time.Duration) time.Duration {
	switch tc.Kind {
	case None:
		return 0
	case Absolute, Fischer:
		return tc.MainTimeLeft + tc.Increment - lagBuffer
	case FischerCapped:
		cap := tc.MainTimeLeft + tc.Increment - lagBuffer
		if tc.IncrementCap > 0 && cap > tc.IncrementCap {
			cap = tc.IncrementCap
		}
		return cap
	case Byoyomi:
		reserve := time.Duration(0)
		if tc.ByoYomiPeriods > 1 {
			// Further periods remain; this move may consume one fully.
			reserve = tc.ByoYomiTime
		}
		return tc.MainTimeLeft + reserve - lagBuffer
	case Canadian:
		return tc.MainTimeLeft + tc.PeriodTimeLeft - lagBuffer
	}
	return 0
}

// midgameFactor rises from 1.0 in the opening toward MidgameTimeFactor at
// the peak turn, then decays back, with the turn scale normalized to a
// 19x19 board area.
func (sh Shaping) midgameFactor(turnNumber, boardArea int) float64 {
	if sh.MidgameTimeFactor <= 0 || sh.MidgameTimeFactor == 1.0 {
		return 1.0
	}
	scale := float64(boardArea) / 361.0
	peak := sh.MidgameTurnPeakTime * scale
	decay := sh.EndgameTurnTimeDecay * scale
	if peak <= 0 || decay <= 0 {
		return 1.0
	}
	turn := float64(turnNumber)
	var weight float64
	if turn <= peak {
		weight = turn / peak
	} else {
		weight = math.Exp(-(turn - peak) / decay)
	}
	return 1.0 + (sh.MidgameTimeFactor-1.0)*weight
}

// obviousnessFactor scales the budget by how obvious the move looks: how
// concentrated the root policy is and, once a previous search result is
// available, how little that result surprised the policy. Each signal at
// its tolerance counts as 1/e obvious; unknown signals (+Inf) contribute
// nothing.
func (sh Shaping) obviousnessFactor(rootPolicyEntropy, rootPolicySurprise float64) float64 {
	if sh.ObviousMovesTimeFactor <= 0 || sh.ObviousMovesTimeFactor == 1.0 {
		return 1.0
	}
	obviousness := 1.0
	known := false
	if !math.IsInf(rootPolicyEntropy, 1) && sh.ObviousMovesPolicyEntropyTolerance > 0 {
		obviousness *= math.Exp(-rootPolicyEntropy / sh.ObviousMovesPolicyEntropyTolerance)
		known = true
	}
	if !math.IsInf(rootPolicySurprise, 1) && sh.ObviousMovesPolicySurpriseTolerance > 0 {
		obviousness *= math.Exp(-rootPolicySurprise / sh.ObviousMovesPolicySurpriseTolerance)
		known = true
	}
	if !known {
		return 1.0
	}
	return 1.0 + (sh.ObviousMovesTimeFactor-1.0)*obviousness
}
